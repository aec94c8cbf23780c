package savedata

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	save3ds "github.com/wwylele/save3ds-sub000"
	"github.com/wwylele/save3ds-sub000/internal/hostfs"
)

type extFsMeta = save3ds.FsMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, ExtFile]
type extDirMeta = save3ds.DirMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, ExtFile]
type extFileMeta = save3ds.FileMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, ExtFile]

// fanOut is the number of files grouped under one host directory level in
// an extdata archive's per-file path scheme, porting ext_data.rs's literal
// 126.
const fanOut = 126

// ExtFile is the file info record stored in an extdata container's file
// table, porting ext_data.rs's ExtFile. unique_id ties this entry to the
// specific per-file Diff container it was created against: a mismatch
// means the on-disk file at the derived path is stale or foreign.
type ExtFile struct {
	next     uint32
	block    uint32
	uniqueID uint64
}

func (f ExtFile) Next() uint32               { return f.next }
func (f ExtFile) WithNext(v uint32) ExtFile { f.next = v; return f }

var extFileCodec = save3ds.NewCodec(24,
	func(f ExtFile, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], f.next)
		binary.LittleEndian.PutUint32(buf[8:12], f.block)
		binary.LittleEndian.PutUint64(buf[12:20], f.uniqueID)
	},
	func(buf []byte) ExtFile {
		return ExtFile{
			next:     binary.LittleEndian.Uint32(buf[0:4]),
			block:    binary.LittleEndian.Uint32(buf[8:12]),
			uniqueID: binary.LittleEndian.Uint64(buf[12:20]),
		}
	})

// ExtSigner authenticates an extdata archive's meta file and its per-file
// Diff containers, porting ext_data.rs's ExtSigner. SubID is 1 for the
// meta file itself and the derived fid_high<<32|fid_low for a data file;
// a nil SubID frames a zero presence flag and no sub-id.
type ExtSigner struct {
	ID    uint64
	SubID *uint64
}

func (s ExtSigner) Block(data []byte) []byte {
	out := make([]byte, 0, 24+len(data))
	out = append(out, "CTR-EXT0"...)
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], s.ID)
	out = append(out, idBuf[:]...)
	present := uint32(0)
	var sub uint64
	if s.SubID != nil {
		present = 1
		sub = *s.SubID
	}
	var presentBuf [4]byte
	binary.LittleEndian.PutUint32(presentBuf[:], present)
	out = append(out, presentBuf[:]...)
	var subBuf [8]byte
	binary.LittleEndian.PutUint64(subBuf[:], sub)
	out = append(out, subBuf[:]...)
	return append(out, data...)
}

const extHeaderLen = 0x138

type extHeader struct {
	fsInfoOffset uint64
}

func decodeExtHeader(buf []byte) (extHeader, error) {
	var h extHeader
	if string(buf[0:4]) != "VSXE" {
		return h, errKind("new ext data", save3ds.KindMagicMismatch)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != 0x30000 {
		return h, errKind("new ext data", save3ds.KindMagicMismatch)
	}
	h.fsInfoOffset = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}

func idPath(id uint64) (high, low string) {
	return fmt.Sprintf("%08x", id>>32), fmt.Sprintf("%08x", id&0xFFFFFFFF)
}

// ExtData opens a per-title extdata archive: a meta file (a single-
// partition Diff) holding an FsMeta directory tree, where every regular
// file's actual bytes live in their own separate per-file Diff container
// at a path derived from the file's inode, porting ext_data.rs's ExtData.
type ExtData struct {
	withLogger
	fs       hostfs.FileSystem
	basePath []string
	id       uint64
	key      [16]byte
	metaFile *save3ds.Diff
	fsMeta   *extFsMeta
	blockLen int64
}

// SetLogger attaches a logger to the ExtData and every layer it composes.
func (e *ExtData) SetLogger(log *slog.Logger) {
	e.withLogger.SetLogger(log)
	e.metaFile.SetLogger(log)
	e.fsMeta.SetLogger(log)
}

// NewExtData opens the extdata archive with the given id under basePath.
func NewExtData(fs hostfs.FileSystem, basePath []string, id uint64, key [16]byte) (*ExtData, error) {
	idHigh, idLow := idPath(id)
	metaPath := append(append([]string{}, basePath...), idHigh, idLow, "00000000", "00000001")

	metaDevice, err := fs.Open(metaPath, true)
	if err != nil {
		return nil, err
	}
	subID := uint64(1)
	metaFile, err := save3ds.NewDiff(metaDevice, ExtSigner{ID: id, SubID: &subID}, key)
	if err != nil {
		return nil, err
	}
	partition := metaFile.Partition()

	var hbuf [extHeaderLen]byte
	if err := partition.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header, err := decodeExtHeader(hbuf[:])
	if err != nil {
		return nil, err
	}
	info, err := readFsInfo(partition, int64(header.fsInfoOffset))
	if err != nil {
		return nil, err
	}
	if info.dataBlockCount != info.fatSize {
		return nil, errKind("new ext data", save3ds.KindSizeMismatch)
	}

	dirHash, err := save3ds.NewSubFile(partition, int64(info.dirHashOffset), int64(info.dirBuckets)*4)
	if err != nil {
		return nil, err
	}
	fileHash, err := save3ds.NewSubFile(partition, int64(info.fileHashOffset), int64(info.fileBuckets)*4)
	if err != nil {
		return nil, err
	}
	fatTable, err := save3ds.NewSubFile(partition, int64(info.fatOffset), (int64(info.fatSize)+1)*8)
	if err != nil {
		return nil, err
	}
	data, err := save3ds.NewSubFile(partition, int64(info.dataOffset), int64(info.dataBlockCount)*int64(info.blockLen))
	if err != nil {
		return nil, err
	}
	fat, err := save3ds.NewFat(fatTable, data, int64(info.blockLen))
	if err != nil {
		return nil, err
	}

	dirTable, err := save3ds.OpenFatFile(fat, int64(uint32(info.dirTable)))
	if err != nil {
		return nil, err
	}
	fileTable, err := save3ds.OpenFatFile(fat, int64(uint32(info.fileTable)))
	if err != nil {
		return nil, err
	}

	fsMeta, err := save3ds.NewFsMeta(dirHash, dirTable, fileHash, fileTable,
		saveExtKeyCodec, saveExtDirCodec, saveExtKeyCodec, extFileCodec,
		newSaveExtKey, newSaveExtKey)
	if err != nil {
		return nil, err
	}

	return &ExtData{
		fs: fs, basePath: basePath, id: id, key: key,
		metaFile: metaFile, fsMeta: fsMeta, blockLen: int64(info.blockLen),
	}, nil
}

func (e *ExtData) Commit() error {
	e.debug("committing ext data", "id", e.id)
	return e.metaFile.Commit()
}

// ExtFileHandle is an open extdata file handle, porting ext_data.rs's
// File. Its payload lives in its own per-file Diff container, opened from
// a path derived from the file's inode, not in the meta file's FAT data
// region.
type ExtFileHandle struct {
	center *ExtData
	meta   *extFileMeta
	data   *save3ds.Diff
}

func extFileFromMeta(center *ExtData, meta *extFileMeta) (*ExtFileHandle, error) {
	fileIndex := uint64(meta.Ino()) + 1
	fidHigh := fileIndex / fanOut
	fidLow := fileIndex % fanOut
	idHigh, idLow := idPath(center.id)
	path := append(append([]string{}, center.basePath...), idHigh, idLow,
		fmt.Sprintf("%08x", fidHigh), fmt.Sprintf("%08x", fidLow))

	device, err := center.fs.Open(path, true)
	if err != nil {
		return nil, err
	}
	subID := (fidHigh << 32) | fidLow
	data, err := save3ds.NewDiff(device, ExtSigner{ID: center.id, SubID: &subID}, center.key)
	if err != nil {
		return nil, err
	}

	info, err := meta.Info()
	if err != nil {
		return nil, err
	}
	if info.uniqueID != data.UniqueID() {
		return nil, errKind("open ext file", save3ds.KindUniqueIdMismatch)
	}

	return &ExtFileHandle{center: center, meta: meta, data: data}, nil
}

// OpenExtFileIno opens the extdata file with the given inode number.
func OpenExtFileIno(center *ExtData, ino uint32) (*ExtFileHandle, error) {
	meta := save3ds.OpenFileIno(center.fsMeta, ino)
	return extFileFromMeta(center, meta)
}

func (f *ExtFileHandle) Ino() uint32                { return f.meta.Ino() }
func (f *ExtFileHandle) ParentIno() (uint32, error) { return f.meta.ParentIno() }
func (f *ExtFileHandle) Len() int64                 { return f.data.Partition().Len() }

func (f *ExtFileHandle) Read(pos int64, buf []byte) error  { return f.data.Partition().Read(pos, buf) }
func (f *ExtFileHandle) Write(pos int64, buf []byte) error { return f.data.Partition().Write(pos, buf) }
func (f *ExtFileHandle) Commit() error                     { return f.data.Commit() }

// ExtDir is an open extdata directory handle, porting ext_data.rs's Dir.
type ExtDir struct {
	center *ExtData
	meta   *extDirMeta
}

func OpenExtRoot(center *ExtData) *ExtDir {
	return &ExtDir{center: center, meta: save3ds.OpenDirIno(center.fsMeta, 1)}
}

func OpenExtDirIno(center *ExtData, ino uint32) *ExtDir {
	return &ExtDir{center: center, meta: save3ds.OpenDirIno(center.fsMeta, ino)}
}

func (d *ExtDir) Ino() uint32                { return d.meta.Ino() }
func (d *ExtDir) ParentIno() (uint32, error) { return d.meta.ParentIno() }

func (d *ExtDir) OpenSubDir(name [16]byte) (*ExtDir, error) {
	meta, err := d.meta.OpenSubDir(name)
	if err != nil {
		return nil, err
	}
	return &ExtDir{center: d.center, meta: meta}, nil
}

func (d *ExtDir) OpenSubFile(name [16]byte) (*ExtFileHandle, error) {
	meta, err := d.meta.OpenSubFile(name)
	if err != nil {
		return nil, err
	}
	return extFileFromMeta(d.center, meta)
}

func (d *ExtDir) ListSubDir() (names [][16]byte, inos []uint32, err error) {
	entries, err := d.meta.ListSubDir()
	if err != nil {
		return nil, nil, err
	}
	names = make([][16]byte, len(entries))
	inos = make([]uint32, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		inos[i] = e.Ino
	}
	return names, inos, nil
}

func (d *ExtDir) ListSubFile() (names [][16]byte, inos []uint32, err error) {
	entries, err := d.meta.ListSubFile()
	if err != nil {
		return nil, nil, err
	}
	names = make([][16]byte, len(entries))
	inos = make([]uint32, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		inos[i] = e.Ino
	}
	return names, inos, nil
}

func extNameTaken(d *ExtDir, name [16]byte) bool {
	if _, err := d.meta.OpenSubFile(name); err == nil {
		return true
	}
	if _, err := d.meta.OpenSubDir(name); err == nil {
		return true
	}
	return false
}

func (d *ExtDir) NewSubDir(name [16]byte) (*ExtDir, error) {
	if extNameTaken(d, name) {
		return nil, errKind("new sub dir", save3ds.KindAlreadyExist)
	}
	meta, err := d.meta.NewSubDir(name, SaveExtDir{})
	if err != nil {
		return nil, err
	}
	return &ExtDir{center: d.center, meta: meta}, nil
}

// NewSubFile creates a new file entry and its backing per-file Diff
// container, porting ext_data.rs's Dir::new_sub_file. The entry's
// uniqueID is taken from the new container.
func (d *ExtDir) NewSubFile(name [16]byte) (*ExtFileHandle, error) {
	if extNameTaken(d, name) {
		return nil, errKind("new sub file", save3ds.KindAlreadyExist)
	}
	meta, err := d.meta.NewSubFile(name, ExtFile{})
	if err != nil {
		return nil, err
	}

	fileIndex := uint64(meta.Ino()) + 1
	fidHigh := fileIndex / fanOut
	fidLow := fileIndex % fanOut
	idHigh, idLow := idPath(d.center.id)
	path := append(append([]string{}, d.center.basePath...), idHigh, idLow,
		fmt.Sprintf("%08x", fidHigh), fmt.Sprintf("%08x", fidLow))

	if err := d.center.fs.Create(path, 0); err != nil {
		_ = meta.Delete()
		return nil, err
	}
	device, err := d.center.fs.Open(path, true)
	if err != nil {
		return nil, err
	}
	subID := (fidHigh << 32) | fidLow
	data, err := save3ds.NewDiff(device, ExtSigner{ID: d.center.id, SubID: &subID}, d.center.key)
	if err != nil {
		return nil, err
	}

	info, err := meta.Info()
	if err != nil {
		return nil, err
	}
	info.uniqueID = data.UniqueID()
	if err := meta.SetInfo(info); err != nil {
		return nil, err
	}

	d.center.trace("created ext data file", "ino", meta.Ino(), "path", path)
	return &ExtFileHandle{center: d.center, meta: meta, data: data}, nil
}

func (d *ExtDir) Delete() error { return d.meta.Delete() }
