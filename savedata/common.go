// Package savedata implements the three container formats built directly
// on top of the generic filesystem stack: per-title save data, per-title
// extdata, and the system title/ticket databases. It ports
// original_source/libsave3ds/src/save_data.rs, ext_data.rs, and db.rs,
// all three of which share the same FsInfo layout and the same
// FsMeta/Fat wiring underneath a different outer container (Disa for
// save data, Diff for extdata and the databases).
package savedata

import (
	"encoding/binary"
	"log/slog"

	save3ds "github.com/wwylele/save3ds-sub000"
)

// withLogger gives a container type an optional structured logger,
// mirroring the root package's own withLogger: duplicated here because Go
// does not promote unexported methods across a package boundary.
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

func (w *withLogger) logerror(msg string, args ...any) {
	if w.log != nil {
		w.log.Error(msg, args...)
	}
}

const fsInfoLen = 0x68

// fsInfo is the fixed record every container's header points its
// fs_info_offset at: it lays out the dir/file hash tables, the FAT, the
// data region, and the dir/file tables themselves.
type fsInfo struct {
	unknown        uint32
	blockLen       uint32
	dirHashOffset  uint64
	dirBuckets     uint32
	dirHashPad     uint32
	fileHashOffset uint64
	fileBuckets    uint32
	fileHashPad    uint32
	fatOffset      uint64
	fatSize        uint32
	fatPad         uint32
	dataOffset     uint64
	dataBlockCount uint32
	dataPad        uint32
	dirTable       uint64
	maxDir         uint32
	dirTablePad    uint32
	fileTable      uint64
	maxFile        uint32
	fileTablePad   uint32
}

func decodeFsInfo(buf []byte) fsInfo {
	var f fsInfo
	f.unknown = binary.LittleEndian.Uint32(buf[0:4])
	f.blockLen = binary.LittleEndian.Uint32(buf[4:8])
	f.dirHashOffset = binary.LittleEndian.Uint64(buf[8:16])
	f.dirBuckets = binary.LittleEndian.Uint32(buf[16:20])
	f.dirHashPad = binary.LittleEndian.Uint32(buf[20:24])
	f.fileHashOffset = binary.LittleEndian.Uint64(buf[24:32])
	f.fileBuckets = binary.LittleEndian.Uint32(buf[32:36])
	f.fileHashPad = binary.LittleEndian.Uint32(buf[36:40])
	f.fatOffset = binary.LittleEndian.Uint64(buf[40:48])
	f.fatSize = binary.LittleEndian.Uint32(buf[48:52])
	f.fatPad = binary.LittleEndian.Uint32(buf[52:56])
	f.dataOffset = binary.LittleEndian.Uint64(buf[56:64])
	f.dataBlockCount = binary.LittleEndian.Uint32(buf[64:68])
	f.dataPad = binary.LittleEndian.Uint32(buf[68:72])
	f.dirTable = binary.LittleEndian.Uint64(buf[72:80])
	f.maxDir = binary.LittleEndian.Uint32(buf[80:84])
	f.dirTablePad = binary.LittleEndian.Uint32(buf[84:88])
	f.fileTable = binary.LittleEndian.Uint64(buf[88:96])
	f.maxFile = binary.LittleEndian.Uint32(buf[96:100])
	f.fileTablePad = binary.LittleEndian.Uint32(buf[100:104])
	return f
}

func readFsInfo(dev save3ds.BlockDevice, offset int64) (fsInfo, error) {
	var buf [fsInfoLen]byte
	if err := dev.Read(offset, buf[:]); err != nil {
		return fsInfo{}, err
	}
	return decodeFsInfo(buf[:]), nil
}

// SaveExtKey is the (parent,name) key shared by save data and extdata
// directory/file tables, porting save_ext_common.rs's SaveExtKey.
type SaveExtKey struct {
	parent uint32
	name   [16]byte
}

func newSaveExtKey(parent uint32, name [16]byte) SaveExtKey {
	return SaveExtKey{parent: parent, name: name}
}

func (k SaveExtKey) Parent() uint32 { return k.parent }
func (k SaveExtKey) Name() [16]byte { return k.name }

var saveExtKeyCodec = save3ds.NewCodec(20,
	func(k SaveExtKey, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], k.parent)
		copy(buf[4:20], k.name[:])
	},
	func(buf []byte) SaveExtKey {
		var k SaveExtKey
		k.parent = binary.LittleEndian.Uint32(buf[0:4])
		copy(k.name[:], buf[4:20])
		return k
	})

// SaveExtDir is the directory info shared by save data and extdata,
// porting save_ext_common.rs's SaveExtDir.
type SaveExtDir struct {
	next, subDir, subFile uint32
}

func (d SaveExtDir) SubDir() uint32  { return d.subDir }
func (d SaveExtDir) SubFile() uint32 { return d.subFile }
func (d SaveExtDir) Next() uint32    { return d.next }

func (d SaveExtDir) WithSubDir(v uint32) SaveExtDir  { d.subDir = v; return d }
func (d SaveExtDir) WithSubFile(v uint32) SaveExtDir { d.subFile = v; return d }
func (d SaveExtDir) WithNext(v uint32) SaveExtDir    { d.next = v; return d }
func (d SaveExtDir) Root() SaveExtDir                { return SaveExtDir{} }

var saveExtDirCodec = save3ds.NewCodec(16,
	func(d SaveExtDir, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], d.next)
		binary.LittleEndian.PutUint32(buf[4:8], d.subDir)
		binary.LittleEndian.PutUint32(buf[8:12], d.subFile)
	},
	func(buf []byte) SaveExtDir {
		return SaveExtDir{
			next:    binary.LittleEndian.Uint32(buf[0:4]),
			subDir:  binary.LittleEndian.Uint32(buf[4:8]),
			subFile: binary.LittleEndian.Uint32(buf[8:12]),
		}
	})

const fatFileUnallocated = 0x8000_0000
