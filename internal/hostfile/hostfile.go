// Package hostfile implements hostfs.FileSystem directly on top of a real
// MBR-partitioned, FAT32-formatted disk image, the way an SD card dump
// actually looks on disk. Earlier drafts of this package leaned on a
// generic, borrowed FAT12/16/32 driver; that driver modeled a whole
// general-purpose filesystem (long file names, FAT12/16, directory growth,
// formatting) that save3ds never exercises, so this package now carries its
// own small MBR parser and FAT32 walker sized to exactly what the
// container glue needs: short 8.3 paths, fixed-length files opened whole.
package hostfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	save3ds "github.com/wwylele/save3ds-sub000"
	"github.com/wwylele/save3ds-sub000/internal/hostfs"
)

var _ hostfs.FileSystem = (*HostFile)(nil)

const (
	bootSignature = 0xAA55

	mbrPartitionTableOffset = 446
	mbrEntrySize            = 16
	mbrSignatureOffset      = 510

	dirEntrySize = 32

	attrDirectory = 0x10
	attrArchive   = 0x20
	attrLongName  = 0x0F

	freeCluster      = 0
	endOfChainMinVal = 0x0FFFFFF8
)

// HostFile is a hostfs.FileSystem backed by the first usable partition of
// an MBR-partitioned disk image, mounted as a FAT32 volume.
type HostFile struct {
	withLogger
	vol *volume
}

// NewHostFile parses the MBR on disk, locates its first usable partition,
// and mounts it as a FAT32 volume.
func NewHostFile(disk save3ds.BlockDevice) (*HostFile, error) {
	startLBA, numLBA, err := firstMBRPartition(disk)
	if err != nil {
		return nil, err
	}
	partition, err := save3ds.NewSubFile(disk, startLBA*sectorSize, numLBA*sectorSize)
	if err != nil {
		return nil, fmt.Errorf("hostfile: slicing partition: %w", err)
	}
	vol, err := mountFAT32(partition)
	if err != nil {
		return nil, err
	}
	return &HostFile{vol: vol}, nil
}

// SetLogger attaches a logger to both the HostFile and the volume it
// mounted; nil disables logging again.
func (h *HostFile) SetLogger(log *slog.Logger) {
	h.withLogger.SetLogger(log)
	h.vol.SetLogger(log)
}

const sectorSize = 512

// firstMBRPartition returns the (startLBA, numLBA) of the first partition
// table entry whose type isn't "unused". GPT and multi-partition chaining
// aren't needed: every disk image this repo opens is a single-partition SD
// or NAND dump.
func firstMBRPartition(disk save3ds.BlockDevice) (int64, int64, error) {
	boot := make([]byte, sectorSize)
	if err := disk.Read(0, boot); err != nil {
		return 0, 0, fmt.Errorf("hostfile: reading MBR: %w", err)
	}
	if binary.LittleEndian.Uint16(boot[mbrSignatureOffset:mbrSignatureOffset+2]) != bootSignature {
		return 0, 0, errors.New("hostfile: missing MBR boot signature")
	}
	for i := 0; i < 4; i++ {
		e := boot[mbrPartitionTableOffset+i*mbrEntrySize : mbrPartitionTableOffset+(i+1)*mbrEntrySize]
		if e[4] == 0 {
			continue
		}
		start := int64(binary.LittleEndian.Uint32(e[8:12]))
		count := int64(binary.LittleEndian.Uint32(e[12:16]))
		return start, count, nil
	}
	return 0, 0, errors.New("hostfile: no usable partition in MBR")
}

// volume is a minimal FAT32 reader/writer: it understands cluster chains,
// 8.3 directory entries and nothing else. There is no support for long file
// names, FAT12/16, or growing a directory past its initially allocated
// clusters, none of which the fixed SD/NAND paths this repo opens need.
type volume struct {
	withLogger
	dev               save3ds.BlockDevice
	bytesPerSector    int64
	sectorsPerCluster int64
	fatOffset         int64
	dataOffset        int64
	rootCluster       uint32
}

func mountFAT32(dev save3ds.BlockDevice) (*volume, error) {
	boot := make([]byte, sectorSize)
	if err := dev.Read(0, boot); err != nil {
		return nil, fmt.Errorf("hostfile: reading FAT32 boot sector: %w", err)
	}
	if binary.LittleEndian.Uint16(boot[510:512]) != bootSignature {
		return nil, errors.New("hostfile: missing FAT32 boot signature")
	}
	bytesPerSector := int64(binary.LittleEndian.Uint16(boot[11:13]))
	sectorsPerCluster := int64(boot[13])
	reservedSectors := int64(binary.LittleEndian.Uint16(boot[14:16]))
	numFATs := int64(boot[16])
	fatSizeSectors := int64(binary.LittleEndian.Uint32(boot[36:40]))
	rootCluster := binary.LittleEndian.Uint32(boot[44:48])
	if bytesPerSector == 0 || sectorsPerCluster == 0 || fatSizeSectors == 0 {
		return nil, errors.New("hostfile: not a FAT32 volume")
	}
	return &volume{
		dev:               dev,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: sectorsPerCluster,
		fatOffset:         reservedSectors * bytesPerSector,
		dataOffset:        (reservedSectors + numFATs*fatSizeSectors) * bytesPerSector,
		rootCluster:       rootCluster,
	}, nil
}

func (v *volume) clusterSize() int64 { return v.bytesPerSector * v.sectorsPerCluster }

func (v *volume) clusterOffset(cluster uint32) int64 {
	return v.dataOffset + int64(cluster-2)*v.clusterSize()
}

func (v *volume) fatEntry(cluster uint32) (uint32, error) {
	var buf [4]byte
	if err := v.dev.Read(v.fatOffset+int64(cluster)*4, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]) & 0x0FFFFFFF, nil
}

func (v *volume) setFATEntry(cluster, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value&0x0FFFFFFF)
	return v.dev.Write(v.fatOffset+int64(cluster)*4, buf[:])
}

func isEndOfChain(entry uint32) bool { return entry >= endOfChainMinVal }

// clusterChain walks the FAT starting at start, returning every cluster in
// order. It refuses to walk past a sanity limit so a corrupt, self-looping
// chain fails loudly instead of spinning forever.
func (v *volume) clusterChain(start uint32) ([]uint32, error) {
	var chain []uint32
	c := start
	for {
		chain = append(chain, c)
		if len(chain) > 1<<20 {
			return nil, errors.New("hostfile: cluster chain too long, likely corrupt")
		}
		next, err := v.fatEntry(c)
		if err != nil {
			return nil, err
		}
		if isEndOfChain(next) {
			return chain, nil
		}
		if next == freeCluster {
			v.logerror("cluster chain references a free cluster", "cluster", c)
			return nil, errors.New("hostfile: broken cluster chain")
		}
		c = next
	}
}

// allocateChain marks count previously free clusters as allocated and
// chains them together, returning them in order. It scans the FAT linearly
// from cluster 2; the volumes this repo builds are small enough that this
// never matters in practice.
func (v *volume) allocateChain(count int64) ([]uint32, error) {
	if count <= 0 {
		return nil, nil
	}
	var free []uint32
	for c := uint32(2); int64(len(free)) < count; c++ {
		entry, err := v.fatEntry(c)
		if err != nil {
			return nil, fmt.Errorf("hostfile: volume full, could not allocate %d clusters: %w", count, err)
		}
		if entry == freeCluster {
			free = append(free, c)
		}
	}
	for i, c := range free {
		next := uint32(0x0FFFFFFF)
		if i < len(free)-1 {
			next = free[i+1]
		}
		if err := v.setFATEntry(c, next); err != nil {
			return nil, err
		}
	}
	v.trace("allocated cluster chain", "count", count, "first", free[0])
	return free, nil
}

func (v *volume) freeChain(start uint32) error {
	chain, err := v.clusterChain(start)
	if err != nil {
		return err
	}
	for _, c := range chain {
		if err := v.setFATEntry(c, freeCluster); err != nil {
			return err
		}
	}
	return nil
}

// dirEntry is a parsed 32-byte FAT directory record; offset is its absolute
// byte position on the volume, so it can be rewritten or invalidated later.
type dirEntry struct {
	name    [11]byte
	attr    byte
	cluster uint32
	size    uint32
	offset  int64
}

func encodeDirEntry(e dirEntry) []byte {
	buf := make([]byte, dirEntrySize)
	copy(buf[0:11], e.name[:])
	buf[11] = e.attr
	binary.LittleEndian.PutUint16(buf[20:22], uint16(e.cluster>>16))
	binary.LittleEndian.PutUint16(buf[26:28], uint16(e.cluster))
	binary.LittleEndian.PutUint32(buf[28:32], e.size)
	return buf
}

func parseDirEntry(buf []byte, offset int64) dirEntry {
	var e dirEntry
	copy(e.name[:], buf[0:11])
	e.attr = buf[11]
	hi := binary.LittleEndian.Uint16(buf[20:22])
	lo := binary.LittleEndian.Uint16(buf[26:28])
	e.cluster = uint32(hi)<<16 | uint32(lo)
	e.size = binary.LittleEndian.Uint32(buf[28:32])
	e.offset = offset
	return e
}

// to83 packs a path component into an 11-byte 8.3 short name, upper-cased
// and space padded. Every fixed path the container glue opens (save data
// and extdata IDs, "movable.sed", and so on) already fits this; anything
// that doesn't is rejected rather than silently mistranslated.
func to83(name string) ([11]byte, error) {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := name, ""
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		base, ext = name[:idx], name[idx+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return out, fmt.Errorf("hostfile: name %q does not fit an 8.3 short name", name)
	}
	for i := 0; i < len(base); i++ {
		out[i] = upperASCII(base[i])
	}
	for i := 0; i < len(ext); i++ {
		out[8+i] = upperASCII(ext[i])
	}
	return out, nil
}

func upperASCII(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

func (v *volume) readDir(cluster uint32) ([]dirEntry, error) {
	chain, err := v.clusterChain(cluster)
	if err != nil {
		return nil, err
	}
	var entries []dirEntry
	buf := make([]byte, dirEntrySize)
	for _, c := range chain {
		base := v.clusterOffset(c)
		for off := int64(0); off < v.clusterSize(); off += dirEntrySize {
			if err := v.dev.Read(base+off, buf); err != nil {
				return nil, err
			}
			if buf[0] == 0x00 {
				return entries, nil
			}
			if buf[0] == 0xE5 || buf[11] == attrLongName {
				continue
			}
			entries = append(entries, parseDirEntry(buf, base+off))
		}
	}
	return entries, nil
}

func (v *volume) findEntry(dirCluster uint32, name83 [11]byte) (dirEntry, bool, error) {
	entries, err := v.readDir(dirCluster)
	if err != nil {
		return dirEntry{}, false, err
	}
	for _, e := range entries {
		if e.name == name83 {
			return e, true, nil
		}
	}
	return dirEntry{}, false, nil
}

// resolve walks path from the root directory, returning the final entry.
func (v *volume) resolve(path []string) (dirEntry, error) {
	if len(path) == 0 {
		return dirEntry{}, errors.New("hostfile: empty path")
	}
	cluster := v.rootCluster
	var entry dirEntry
	for i, comp := range path {
		name83, err := to83(comp)
		if err != nil {
			return dirEntry{}, err
		}
		found, ok, err := v.findEntry(cluster, name83)
		if err != nil {
			return dirEntry{}, err
		}
		if !ok {
			return dirEntry{}, fmt.Errorf("hostfile: %q not found", strings.Join(path[:i+1], "/"))
		}
		entry = found
		if i < len(path)-1 {
			if entry.attr&attrDirectory == 0 {
				return dirEntry{}, fmt.Errorf("hostfile: %q is not a directory", comp)
			}
			cluster = entry.cluster
		}
	}
	return entry, nil
}

// resolveParent walks every path component but the last, returning the
// containing directory's cluster and the final component's name.
func (v *volume) resolveParent(path []string) (uint32, string, error) {
	if len(path) == 0 {
		return 0, "", errors.New("hostfile: empty path")
	}
	cluster := v.rootCluster
	for _, comp := range path[:len(path)-1] {
		name83, err := to83(comp)
		if err != nil {
			return 0, "", err
		}
		found, ok, err := v.findEntry(cluster, name83)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return 0, "", fmt.Errorf("hostfile: directory %q not found", comp)
		}
		if found.attr&attrDirectory == 0 {
			return 0, "", fmt.Errorf("hostfile: %q is not a directory", comp)
		}
		cluster = found.cluster
	}
	return cluster, path[len(path)-1], nil
}

// writeNewEntry writes e into the first free or deleted slot of dirCluster.
// It does not grow the directory: every directory this repo creates files
// in is pre-sized by whatever built the image.
func (v *volume) writeNewEntry(dirCluster uint32, e dirEntry) error {
	chain, err := v.clusterChain(dirCluster)
	if err != nil {
		return err
	}
	buf := make([]byte, dirEntrySize)
	for _, c := range chain {
		base := v.clusterOffset(c)
		for off := int64(0); off < v.clusterSize(); off += dirEntrySize {
			if err := v.dev.Read(base+off, buf); err != nil {
				return err
			}
			if buf[0] == 0x00 || buf[0] == 0xE5 {
				e.offset = base + off
				return v.dev.Write(e.offset, encodeDirEntry(e))
			}
		}
	}
	return errors.New("hostfile: directory has no free entry slot")
}

func (v *volume) deleteEntry(e dirEntry) error {
	if err := v.dev.Write(e.offset, []byte{0xE5}); err != nil {
		return err
	}
	if e.cluster == 0 {
		return nil
	}
	return v.freeChain(e.cluster)
}

func (v *volume) readFile(e dirEntry) ([]byte, error) {
	if e.size == 0 {
		return nil, nil
	}
	chain, err := v.clusterChain(e.cluster)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, e.size)
	remaining := int64(e.size)
	for _, c := range chain {
		n := v.clusterSize()
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if err := v.dev.Read(v.clusterOffset(c), buf); err != nil {
			return nil, err
		}
		data = append(data, buf...)
		remaining -= n
		if remaining <= 0 {
			break
		}
	}
	return data, nil
}

// writeFile rewrites e's existing cluster chain in place. The chain's
// length never changes here: hostfs.FileSystem files have a fixed Len, so
// Commit only ever overwrites content, never resizes it.
func (v *volume) writeFile(e dirEntry, data []byte) error {
	chain, err := v.clusterChain(e.cluster)
	if err != nil {
		return err
	}
	pos := 0
	for _, c := range chain {
		n := v.clusterSize()
		if remaining := int64(len(data) - pos); remaining < n {
			n = remaining
		}
		if n < 0 {
			n = 0
		}
		chunk := make([]byte, v.clusterSize())
		copy(chunk, data[pos:pos+int(n)])
		if err := v.dev.Write(v.clusterOffset(c), chunk); err != nil {
			return err
		}
		pos += int(n)
	}
	v.debug("wrote file content", "clusters", len(chain), "bytes", len(data))
	return nil
}

// Open opens the named file and loads its entire content into memory:
// clusters are scattered across the volume, so random access is served
// from an in-memory copy and flushed back whole on Commit, the same way
// the rest of this repo treats small container files as flat byte buffers.
func (h *HostFile) Open(path []string, write bool) (save3ds.BlockDevice, error) {
	e, err := h.vol.resolve(path)
	if err != nil {
		return nil, err
	}
	if e.attr&attrDirectory != 0 {
		return nil, fmt.Errorf("hostfile: %v is a directory", path)
	}
	data, err := h.vol.readFile(e)
	if err != nil {
		return nil, err
	}
	h.trace("opened file", "path", path, "size", e.size, "write", write)
	return &hostFileDevice{vol: h.vol, entry: e, mem: save3ds.NewMemoryFileFrom(data), writable: write}, nil
}

// Create allocates a new zero-filled file of the given length. It assumes
// every directory in path already exists: this driver has no mkdir, the
// same way a real SD card's directory tree is created once by the console
// and never restructured by save data operations afterwards.
func (h *HostFile) Create(path []string, length int64) error {
	dirCluster, name, err := h.vol.resolveParent(path)
	if err != nil {
		return err
	}
	name83, err := to83(name)
	if err != nil {
		return err
	}
	if _, ok, err := h.vol.findEntry(dirCluster, name83); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("hostfile: %v already exists", path)
	}

	clusterCount := (length + h.vol.clusterSize() - 1) / h.vol.clusterSize()
	var firstCluster uint32
	if clusterCount > 0 {
		chain, err := h.vol.allocateChain(clusterCount)
		if err != nil {
			return err
		}
		firstCluster = chain[0]
		zero := make([]byte, h.vol.clusterSize())
		for _, c := range chain {
			if err := h.vol.dev.Write(h.vol.clusterOffset(c), zero); err != nil {
				return err
			}
		}
	}
	h.debug("creating file", "path", path, "length", length, "clusters", clusterCount)
	return h.vol.writeNewEntry(dirCluster, dirEntry{name: name83, attr: attrArchive, cluster: firstCluster, size: uint32(length)})
}

// Remove deletes the directory entry and frees its cluster chain.
func (h *HostFile) Remove(path []string) error {
	e, err := h.vol.resolve(path)
	if err != nil {
		return err
	}
	h.debug("removing file", "path", path)
	return h.vol.deleteEntry(e)
}

// RemoveDir is a no-op, the same as hostfs.VirtualFileSystem's: this
// driver never nests a real directory tree beyond the fixed paths the
// container glue opens, so there is never a directory to actually remove.
func (h *HostFile) RemoveDir(path []string) error {
	return nil
}

// hostFileDevice is the random-access view Open hands back.
type hostFileDevice struct {
	vol      *volume
	entry    dirEntry
	mem      *save3ds.MemoryFile
	writable bool
}

func (d *hostFileDevice) Read(pos int64, data []byte) error {
	return d.mem.Read(pos, data)
}

func (d *hostFileDevice) Write(pos int64, data []byte) error {
	if !d.writable {
		return errors.New("hostfile: file opened read-only")
	}
	return d.mem.Write(pos, data)
}

func (d *hostFileDevice) Len() int64 {
	return d.mem.Len()
}

func (d *hostFileDevice) Commit() error {
	if !d.writable || d.entry.size == 0 {
		return nil
	}
	return d.vol.writeFile(d.entry, d.mem.Bytes())
}
