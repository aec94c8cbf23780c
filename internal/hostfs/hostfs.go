// Package hostfs defines the host-side storage adapter that save/extdata
// container glue opens its backing files through, and a small in-memory
// implementation used by tests (and by callers with no real SD/NAND image
// to mount). It ports original_source/libsave3ds/src/sd_nand_common.rs's
// SdNandFileSystem trait; a real path-backed implementation is out of
// scope here, same as the original's own test-only VirtualFileSystem.
package hostfs

import (
	"log/slog"
	"strings"
	"sync"

	save3ds "github.com/wwylele/save3ds-sub000"
)

// withLogger gives a FileSystem implementation an optional structured
// logger, mirroring the root package's own withLogger: duplicated here
// because Go does not promote unexported methods across a package
// boundary.
type withLogger struct {
	log *slog.Logger
}

func (w *withLogger) SetLogger(log *slog.Logger) { w.log = log }

func (w *withLogger) trace(msg string, args ...any) {
	if w.log != nil {
		w.log.Debug(msg, args...)
	}
}

func (w *withLogger) debug(msg string, args ...any) {
	if w.log != nil {
		w.log.Debug(msg, args...)
	}
}

func (w *withLogger) warn(msg string, args ...any) {
	if w.log != nil {
		w.log.Warn(msg, args...)
	}
}

// FileSystem is the storage boundary a save/extdata container opens its
// backing block devices through, keyed by a path given as separate
// components (e.g. {"Nintendo 3DS", "<id0>", "<id1>", "extdata", ...}).
type FileSystem interface {
	Open(path []string, write bool) (save3ds.BlockDevice, error)
	Create(path []string, length int64) error
	Remove(path []string) error
	RemoveDir(path []string) error
}

const pathSep = "\x00"

func joinPath(path []string) string {
	return strings.Join(path, pathSep)
}

// VirtualFileSystem is an in-memory FileSystem, standing in for an SD
// card or NAND image in tests. It never distinguishes directories from
// files: RemoveDir only needs to succeed, since nothing nests a real
// directory tree over it (the container glue layer owns the full paths
// it opens).
type VirtualFileSystem struct {
	withLogger
	mu    sync.Mutex
	files map[string]*save3ds.MemoryFile
}

// NewVirtualFileSystem returns an empty VirtualFileSystem.
func NewVirtualFileSystem() *VirtualFileSystem {
	return &VirtualFileSystem{files: make(map[string]*save3ds.MemoryFile)}
}

func (v *VirtualFileSystem) Open(path []string, write bool) (save3ds.BlockDevice, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.files[joinPath(path)]
	if !ok {
		v.warn("open: path not found", "path", path)
		return nil, notFoundErr{}
	}
	return f, nil
}

func (v *VirtualFileSystem) Create(path []string, length int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[joinPath(path)] = save3ds.NewMemoryFile(int(length))
	v.trace("created virtual file", "path", path, "length", length)
	return nil
}

func (v *VirtualFileSystem) Remove(path []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.files, joinPath(path))
	v.trace("removed virtual file", "path", path)
	return nil
}

func (v *VirtualFileSystem) RemoveDir(path []string) error {
	return nil
}

// notFoundErr is a minimal sentinel kept local to this package: hostfs
// has no dependency on the root package's Kind/Error machinery, since a
// storage-open failure here is a different concern from a container's
// internal layout errors.
type notFoundErr struct{}

func (notFoundErr) Error() string { return "hostfs: not found" }
