package savedata

import (
	"encoding/binary"
	"log/slog"

	save3ds "github.com/wwylele/save3ds-sub000"
	"github.com/wwylele/save3ds-sub000/internal/keyscramble"
)

type saveFsMeta = save3ds.FsMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, SaveFile]
type saveDirMeta = save3ds.DirMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, SaveFile]
type saveFileMeta = save3ds.FileMeta[SaveExtKey, [16]byte, SaveExtDir, SaveExtKey, [16]byte, SaveFile]

func errKind(op string, kind save3ds.Kind) error {
	return &save3ds.Error{Kind: kind, Op: op}
}

// NandSaveSigner authenticates a NAND save image's Disa header, porting
// save_data.rs's NandSaveSigner: the signed block is "CTR-SYS0" followed
// by the title's low u32 id and 4 zero bytes, then the header itself.
type NandSaveSigner struct {
	ID uint32
}

func (s NandSaveSigner) Block(data []byte) []byte {
	out := make([]byte, 0, 16+len(data))
	out = append(out, "CTR-SYS0"...)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], s.ID)
	out = append(out, idBuf[:]...)
	out = append(out, 0, 0, 0, 0)
	return append(out, data...)
}

const saveHeaderLen = 0x20

type saveHeader struct {
	magic        [4]byte
	version      uint32
	fsInfoOffset uint64
	imageSize    uint64
	blockLen     uint32
	padding      uint32
}

func decodeSaveHeader(buf []byte) saveHeader {
	var h saveHeader
	copy(h.magic[:], buf[0:4])
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.fsInfoOffset = binary.LittleEndian.Uint64(buf[8:16])
	h.imageSize = binary.LittleEndian.Uint64(buf[16:24])
	h.blockLen = binary.LittleEndian.Uint32(buf[24:28])
	h.padding = binary.LittleEndian.Uint32(buf[28:32])
	return h
}

// SaveFile is the file info record stored in a save data container's file
// table, porting save_data.rs's anonymous fs::SaveFile: block ==
// fatFileUnallocated marks a zero-length file with no FAT allocation.
type SaveFile struct {
	next  uint32
	block uint32
	size  uint64
}

func (f SaveFile) Next() uint32               { return f.next }
func (f SaveFile) WithNext(v uint32) SaveFile { f.next = v; return f }

var saveFileCodec = save3ds.NewCodec(24,
	func(f SaveFile, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], f.next)
		binary.LittleEndian.PutUint32(buf[8:12], f.block)
		binary.LittleEndian.PutUint64(buf[12:20], f.size)
	},
	func(buf []byte) SaveFile {
		return SaveFile{
			next:  binary.LittleEndian.Uint32(buf[0:4]),
			block: binary.LittleEndian.Uint32(buf[8:12]),
			size:  binary.LittleEndian.Uint64(buf[12:20]),
		}
	})

// SaveDataKind selects how a save image's Disa header is authenticated:
// Bare images (e.g. an SD title's own save, or a save pulled out for
// offline editing) carry no signature at all.
type SaveDataKind int

const (
	SaveDataBare SaveDataKind = iota
	SaveDataNand
)

// SaveData opens a per-title save data container: a Disa wrapping an
// FsMeta directory tree over a Fat-allocated data region, porting
// save_data.rs's SaveData.
type SaveData struct {
	withLogger
	disa     *save3ds.Disa
	fat      *save3ds.Fat
	fs       *saveFsMeta
	blockLen int64
}

// SetLogger attaches a logger to the SaveData and every layer it composes.
func (s *SaveData) SetLogger(log *slog.Logger) {
	s.withLogger.SetLogger(log)
	s.disa.SetLogger(log)
	s.fat.SetLogger(log)
	s.fs.SetLogger(log)
}

// NewSaveData opens file as a save data container. For SaveDataNand,
// keyX/keyY/id authenticate the Disa header via NandSaveSigner.
func NewSaveData(file save3ds.BlockDevice, kind SaveDataKind, keyX, keyY [16]byte, id uint32) (*SaveData, error) {
	var signer save3ds.Signer
	var key [16]byte
	if kind == SaveDataNand {
		signer = NandSaveSigner{ID: id}
		key = keyscramble.Scramble(keyX, keyY)
	}

	disa, err := save3ds.NewDisa(file, signer, key)
	if err != nil {
		return nil, err
	}
	partition0 := disa.Partition(0)

	var hbuf [saveHeaderLen]byte
	if err := partition0.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header := decodeSaveHeader(hbuf[:])
	if header.magic != [4]byte{'S', 'A', 'V', 'E'} || header.version != 0x40000 {
		return nil, errKind("new save data", save3ds.KindMagicMismatch)
	}
	info, err := readFsInfo(partition0, int64(header.fsInfoOffset))
	if err != nil {
		return nil, err
	}
	if info.dataBlockCount != info.fatSize {
		return nil, errKind("new save data", save3ds.KindSizeMismatch)
	}

	dirHash, err := save3ds.NewSubFile(partition0, int64(info.dirHashOffset), int64(info.dirBuckets)*4)
	if err != nil {
		return nil, err
	}
	fileHash, err := save3ds.NewSubFile(partition0, int64(info.fileHashOffset), int64(info.fileBuckets)*4)
	if err != nil {
		return nil, err
	}
	fatTable, err := save3ds.NewSubFile(partition0, int64(info.fatOffset), (int64(info.fatSize)+1)*8)
	if err != nil {
		return nil, err
	}

	var data save3ds.BlockDevice
	if disa.PartitionCount() == 2 {
		data = disa.Partition(1)
	} else {
		data, err = save3ds.NewSubFile(partition0, int64(info.dataOffset), int64(info.dataBlockCount)*int64(info.blockLen))
		if err != nil {
			return nil, err
		}
	}

	fat, err := save3ds.NewFat(fatTable, data, int64(info.blockLen))
	if err != nil {
		return nil, err
	}

	var dirTable, fileTable save3ds.BlockDevice
	if disa.PartitionCount() == 2 {
		dirTable, err = save3ds.NewSubFile(partition0, int64(info.dirTable), (int64(info.maxDir)+2)*(20+16+4))
		if err != nil {
			return nil, err
		}
		fileTable, err = save3ds.NewSubFile(partition0, int64(info.fileTable), (int64(info.maxFile)+1)*(20+24+4))
		if err != nil {
			return nil, err
		}
	} else {
		dirTable, err = save3ds.OpenFatFile(fat, int64(uint32(info.dirTable)))
		if err != nil {
			return nil, err
		}
		fileTable, err = save3ds.OpenFatFile(fat, int64(uint32(info.fileTable)))
		if err != nil {
			return nil, err
		}
	}

	fs, err := save3ds.NewFsMeta(dirHash, dirTable, fileHash, fileTable,
		saveExtKeyCodec, saveExtDirCodec, saveExtKeyCodec, saveFileCodec,
		newSaveExtKey, newSaveExtKey)
	if err != nil {
		return nil, err
	}

	return &SaveData{disa: disa, fat: fat, fs: fs, blockLen: int64(info.blockLen)}, nil
}

// Commit flushes every layer of the container, innermost (Fat has no
// Commit of its own; its backing SubFiles are committed via the Disa
// partitions) through the Disa header.
func (s *SaveData) Commit() error {
	s.debug("committing save data")
	return s.disa.Commit()
}

// File is an open save data file handle, porting save_data.rs's File.
type File struct {
	center *SaveData
	meta   *saveFileMeta
	data   *save3ds.FatFile
	length int64
}

func fileFromMeta(center *SaveData, meta *saveFileMeta) (*File, error) {
	info, err := meta.Info()
	if err != nil {
		return nil, err
	}
	length := int64(info.size)
	var data *save3ds.FatFile
	if info.block == fatFileUnallocated {
		if length != 0 {
			return nil, errKind("open file", save3ds.KindSizeMismatch)
		}
	} else {
		data, err = save3ds.OpenFatFile(center.fat, int64(info.block))
		if err != nil {
			return nil, err
		}
		if length == 0 || length > data.Len() {
			return nil, errKind("open file", save3ds.KindSizeMismatch)
		}
	}
	return &File{center: center, meta: meta, data: data, length: length}, nil
}

// OpenFileIno opens the file with the given inode number.
func OpenFileIno(center *SaveData, ino uint32) (*File, error) {
	meta := save3ds.OpenFileIno(center.fs, ino)
	return fileFromMeta(center, meta)
}

// Rename moves f into parent under name, failing with KindAlreadyExist if
// parent already has an entry (dir or file) by that name.
func (f *File) Rename(parent *Dir, name [16]byte) error {
	if nameTaken(parent, name) {
		return errKind("rename file", save3ds.KindAlreadyExist)
	}
	return f.meta.Rename(parent.meta, name)
}

func (f *File) ParentIno() (uint32, error) { return f.meta.ParentIno() }
func (f *File) Ino() uint32                { return f.meta.Ino() }

// Delete removes f, freeing its FAT allocation first if it has one.
func (f *File) Delete() error {
	if f.data != nil {
		if err := f.data.Delete(); err != nil {
			return err
		}
	}
	f.center.trace("deleted save data file", "ino", f.meta.Ino())
	return f.meta.Delete()
}

// Resize grows or shrinks f, allocating or freeing its FAT chain as
// needed, exactly mirroring save_data.rs's File::resize branching on the
// zero/non-zero boundary.
func (f *File) Resize(length int64) error {
	if length == f.length {
		return nil
	}
	info, err := f.meta.Info()
	if err != nil {
		return err
	}

	switch {
	case f.length == 0:
		blockCount := 1 + (length-1)/f.center.blockLen
		data, block, err := save3ds.CreateFatFile(f.center.fat, blockCount)
		if err != nil {
			return err
		}
		f.data = data
		info.block = uint32(block)
	case length == 0:
		if err := f.data.Delete(); err != nil {
			return err
		}
		f.data = nil
		info.block = fatFileUnallocated
	default:
		blockCount := 1 + (length-1)/f.center.blockLen
		if err := f.data.Resize(blockCount); err != nil {
			return err
		}
	}

	info.size = uint64(length)
	if err := f.meta.SetInfo(info); err != nil {
		return err
	}
	f.length = length
	return nil
}

func (f *File) Read(pos int64, buf []byte) error {
	if pos+int64(len(buf)) > f.length {
		return errKind("read file", save3ds.KindOutOfBound)
	}
	return f.data.Read(pos, buf)
}

func (f *File) Write(pos int64, buf []byte) error {
	if pos+int64(len(buf)) > f.length {
		return errKind("write file", save3ds.KindOutOfBound)
	}
	return f.data.Write(pos, buf)
}

func (f *File) Len() int64 { return f.length }

// Dir is an open save data directory handle, porting save_data.rs's Dir.
type Dir struct {
	center *SaveData
	meta   *saveDirMeta
}

// OpenRoot opens the root directory (inode 1).
func OpenRoot(center *SaveData) *Dir {
	return &Dir{center: center, meta: save3ds.OpenDirIno(center.fs, 1)}
}

// OpenDirIno opens the directory with the given inode number.
func OpenDirIno(center *SaveData, ino uint32) *Dir {
	return &Dir{center: center, meta: save3ds.OpenDirIno(center.fs, ino)}
}

func (d *Dir) ParentIno() (uint32, error) { return d.meta.ParentIno() }
func (d *Dir) Ino() uint32                { return d.meta.Ino() }

func (d *Dir) OpenSubDir(name [16]byte) (*Dir, error) {
	meta, err := d.meta.OpenSubDir(name)
	if err != nil {
		return nil, err
	}
	return &Dir{center: d.center, meta: meta}, nil
}

func (d *Dir) OpenSubFile(name [16]byte) (*File, error) {
	meta, err := d.meta.OpenSubFile(name)
	if err != nil {
		return nil, err
	}
	return fileFromMeta(d.center, meta)
}

func (d *Dir) ListSubDir() (names [][16]byte, inos []uint32, err error) {
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

func (d *Dir) ListSubFile() (names [][16]byte, inos []uint32, err error) {
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

func nameTaken(d *Dir, name [16]byte) bool {
	if _, err := d.meta.OpenSubFile(name); err == nil {
		return true
	}
	if _, err := d.meta.OpenSubDir(name); err == nil {
		return true
	}
	return false
}

func (d *Dir) NewSubDir(name [16]byte) (*Dir, error) {
	if nameTaken(d, name) {
		return nil, errKind("new sub dir", save3ds.KindAlreadyExist)
	}
	meta, err := d.meta.NewSubDir(name, SaveExtDir{})
	if err != nil {
		return nil, err
	}
	return &Dir{center: d.center, meta: meta}, nil
}

func (d *Dir) NewSubFile(name [16]byte, length int64) (*File, error) {
	if nameTaken(d, name) {
		return nil, errKind("new sub file", save3ds.KindAlreadyExist)
	}
	var fatFile *save3ds.FatFile
	block := uint32(fatFileUnallocated)
	if length != 0 {
		blockCount := 1 + (length-1)/d.center.blockLen
		var err error
		var b int64
		fatFile, b, err = save3ds.CreateFatFile(d.center.fat, blockCount)
		if err != nil {
			return nil, err
		}
		block = uint32(b)
	}
	meta, err := d.meta.NewSubFile(name, SaveFile{block: block, size: uint64(length)})
	if err != nil {
		if fatFile != nil {
			_ = fatFile.Delete()
		}
		return nil, err
	}
	return fileFromMeta(d.center, meta)
}

// Delete removes d, returning KindDeletingRoot for the root and
// KindNotEmpty for a non-empty directory, exactly as the underlying
// DirMeta does.
func (d *Dir) Delete() error {
	return d.meta.Delete()
}
