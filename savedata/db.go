package savedata

import (
	"encoding/binary"
	"log/slog"

	save3ds "github.com/wwylele/save3ds-sub000"
)

// DbDirKey locates a database directory entry by its parent inode alone:
// unlike SaveExtKey, database directories carry no name, porting db.rs's
// DbDirKey (NameType = ()).
type DbDirKey struct {
	parent uint32
}

func newDbDirKey(parent uint32, _ struct{}) DbDirKey { return DbDirKey{parent: parent} }

func (k DbDirKey) Parent() uint32   { return k.parent }
func (k DbDirKey) Name() struct{}   { return struct{}{} }

var dbDirKeyCodec = save3ds.NewCodec(4,
	func(k DbDirKey, buf []byte) { binary.LittleEndian.PutUint32(buf[0:4], k.parent) },
	func(buf []byte) DbDirKey { return DbDirKey{parent: binary.LittleEndian.Uint32(buf[0:4])} })

// DbDir is a database directory's info record, porting db.rs's DbDir (24
// bytes: a 12-byte padding tail distinguishes it from SaveExtDir's 4).
type DbDir struct {
	next, subDir, subFile uint32
}

func (d DbDir) SubDir() uint32  { return d.subDir }
func (d DbDir) SubFile() uint32 { return d.subFile }
func (d DbDir) Next() uint32    { return d.next }

func (d DbDir) WithSubDir(v uint32) DbDir  { d.subDir = v; return d }
func (d DbDir) WithSubFile(v uint32) DbDir { d.subFile = v; return d }
func (d DbDir) WithNext(v uint32) DbDir    { d.next = v; return d }
func (d DbDir) Root() DbDir                { return DbDir{} }

var dbDirCodec = save3ds.NewCodec(24,
	func(d DbDir, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], d.next)
		binary.LittleEndian.PutUint32(buf[4:8], d.subDir)
		binary.LittleEndian.PutUint32(buf[8:12], d.subFile)
	},
	func(buf []byte) DbDir {
		return DbDir{
			next:    binary.LittleEndian.Uint32(buf[0:4]),
			subDir:  binary.LittleEndian.Uint32(buf[4:8]),
			subFile: binary.LittleEndian.Uint32(buf[8:12]),
		}
	})

// DbFileKey locates a database file entry by parent inode plus a 64-bit
// numeric id (typically a title id), porting db.rs's DbFileKey.
type DbFileKey struct {
	parent uint32
	name   uint64
}

func newDbFileKey(parent uint32, name uint64) DbFileKey { return DbFileKey{parent: parent, name: name} }

func (k DbFileKey) Parent() uint32 { return k.parent }
func (k DbFileKey) Name() uint64   { return k.name }

var dbFileKeyCodec = save3ds.NewCodec(12,
	func(k DbFileKey, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], k.parent)
		binary.LittleEndian.PutUint64(buf[4:12], k.name)
	},
	func(buf []byte) DbFileKey {
		return DbFileKey{
			parent: binary.LittleEndian.Uint32(buf[0:4]),
			name:   binary.LittleEndian.Uint64(buf[4:12]),
		}
	})

// DbFile is a database file's info record, porting db.rs's DbFile. Unlike
// SaveFile/ExtFile, its trailing padding is 8 bytes wide (28 bytes total),
// so it cannot share their codec or byte layout.
type DbFile struct {
	next  uint32
	block uint32
	size  uint64
}

func (f DbFile) Next() uint32             { return f.next }
func (f DbFile) WithNext(v uint32) DbFile { f.next = v; return f }

var dbFileCodec = save3ds.NewCodec(28,
	func(f DbFile, buf []byte) {
		binary.LittleEndian.PutUint32(buf[0:4], f.next)
		binary.LittleEndian.PutUint32(buf[8:12], f.block)
		binary.LittleEndian.PutUint64(buf[12:20], f.size)
	},
	func(buf []byte) DbFile {
		return DbFile{
			next:  binary.LittleEndian.Uint32(buf[0:4]),
			block: binary.LittleEndian.Uint32(buf[8:12]),
			size:  binary.LittleEndian.Uint64(buf[12:20]),
		}
	})

type dbFsMeta = save3ds.FsMeta[DbDirKey, struct{}, DbDir, DbFileKey, uint64, DbFile]
type dbDirMeta = save3ds.DirMeta[DbDirKey, struct{}, DbDir, DbFileKey, uint64, DbFile]
type dbFileMeta = save3ds.FileMeta[DbDirKey, struct{}, DbDir, DbFileKey, uint64, DbFile]

// DbType selects which on-disk database is being opened: each maps to a
// distinct signer id and a possibly-aliased magic, porting db.rs's DbType
// and the id/magic tables inside Db::new.
type DbType int

const (
	Ticket DbType = iota
	NandTitle
	NandImport
	TmpTitle
	TmpImport
	SdTitle
	SdImport
)

func (t DbType) signerID() uint32 {
	switch t {
	case Ticket:
		return 0
	case SdTitle, NandTitle:
		return 2
	case SdImport, NandImport:
		return 3
	case TmpTitle:
		return 4
	case TmpImport:
		return 5
	default:
		return 0
	}
}

// magic returns the 8-byte (4 for Ticket) identifier at the start of the
// database's content region. SdTitle/SdImport alias "TEMPTDB\0" and
// TmpTitle/TmpImport alias "TEMPIDB\0" - not a typo, the real 3DS title
// database format reuses these two magics across what the code otherwise
// treats as distinct database kinds.
func (t DbType) magic() string {
	switch t {
	case Ticket:
		return "TICK"
	case NandTitle:
		return "NANDTDB\x00"
	case NandImport:
		return "NANDIDB\x00"
	case TmpTitle, TmpImport:
		return "TEMPIDB\x00"
	case SdTitle, SdImport:
		return "TEMPTDB\x00"
	default:
		return ""
	}
}

func (t DbType) preLen() int64 {
	if t == Ticket {
		return 0x10
	}
	return 0x80
}

// DbSigner authenticates a database's Diff header, porting db.rs's
// DbSigner.
type DbSigner struct {
	ID uint32
}

func (s DbSigner) Block(data []byte) []byte {
	out := make([]byte, 0, 12+len(data))
	out = append(out, "CTR-9DB0"...)
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], s.ID)
	out = append(out, idBuf[:]...)
	return append(out, data...)
}

const dbHeaderLen = 0x20

type dbHeader struct {
	fsInfoOffset uint64
}

func decodeDbHeader(buf []byte) (dbHeader, error) {
	var h dbHeader
	if string(buf[0:4]) != "BDRI" {
		return h, errKind("new db", save3ds.KindMagicMismatch)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != 0x30000 {
		return h, errKind("new db", save3ds.KindMagicMismatch)
	}
	h.fsInfoOffset = binary.LittleEndian.Uint64(buf[8:16])
	return h, nil
}

// fakeSizeFile wraps a BlockDevice whose declared length runs past its
// actual backing storage, clamping reads/writes to the real extent and
// silently no-oping past it, porting db.rs's FakeSizeFile. The title/
// ticket database format can declare a data region slightly larger than
// what's actually backing it on disk; upstream logs this as a "database
// file end fixup" rather than treating it as corruption.
type fakeSizeFile struct {
	parent save3ds.BlockDevice
	length int64
}

func newFakeSizeFile(parent save3ds.BlockDevice, length int64) *fakeSizeFile {
	return &fakeSizeFile{parent: parent, length: length}
}

func (f *fakeSizeFile) clamp(pos int64, n int) int {
	if pos >= f.parent.Len() {
		return 0
	}
	if pos+int64(n) > f.parent.Len() {
		return int(f.parent.Len() - pos)
	}
	return n
}

func (f *fakeSizeFile) Read(pos int64, buf []byte) error {
	n := f.clamp(pos, len(buf))
	if n <= 0 {
		return nil
	}
	return f.parent.Read(pos, buf[:n])
}

func (f *fakeSizeFile) Write(pos int64, buf []byte) error {
	n := f.clamp(pos, len(buf))
	if n <= 0 {
		return nil
	}
	return f.parent.Write(pos, buf[:n])
}

func (f *fakeSizeFile) Len() int64      { return f.length }
func (f *fakeSizeFile) Commit() error { return f.parent.Commit() }

// Db opens one of the system title/ticket databases: a Diff container (a
// fixed-size unstructured prefix followed by the familiar FsInfo/Fat/
// FsMeta layout), porting db.rs's Db.
type Db struct {
	withLogger
	diff     *save3ds.Diff
	fat      *save3ds.Fat
	fs       *dbFsMeta
	blockLen int64
}

// SetLogger attaches a logger to the Db and every layer it composes.
func (db *Db) SetLogger(log *slog.Logger) {
	db.withLogger.SetLogger(log)
	db.diff.SetLogger(log)
	db.fat.SetLogger(log)
	db.fs.SetLogger(log)
}

// NewDb opens file as dbType's database. key is nil for an unsigned
// (Bare) database.
func NewDb(file save3ds.BlockDevice, dbType DbType, key *[16]byte) (*Db, error) {
	var signer save3ds.Signer
	var k [16]byte
	if key != nil {
		signer = DbSigner{ID: dbType.signerID()}
		k = *key
	}

	diff, err := save3ds.NewDiff(file, signer, k)
	if err != nil {
		return nil, err
	}
	partition := diff.Partition()

	magic := dbType.magic()
	magicBuf := make([]byte, len(magic))
	if err := partition.Read(0, magicBuf); err != nil {
		return nil, err
	}
	if string(magicBuf) != magic {
		return nil, errKind("new db", save3ds.KindMagicMismatch)
	}

	preLen := dbType.preLen()
	withoutPre, err := save3ds.NewSubFile(partition, preLen, partition.Len()-preLen)
	if err != nil {
		return nil, err
	}

	var hbuf [dbHeaderLen]byte
	if err := withoutPre.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header, err := decodeDbHeader(hbuf[:])
	if err != nil {
		return nil, err
	}
	info, err := readFsInfo(withoutPre, int64(header.fsInfoOffset))
	if err != nil {
		return nil, err
	}
	if info.dataBlockCount != info.fatSize {
		return nil, errKind("new db", save3ds.KindSizeMismatch)
	}

	dirHash, err := save3ds.NewSubFile(withoutPre, int64(info.dirHashOffset), int64(info.dirBuckets)*4)
	if err != nil {
		return nil, err
	}
	fileHash, err := save3ds.NewSubFile(withoutPre, int64(info.fileHashOffset), int64(info.fileBuckets)*4)
	if err != nil {
		return nil, err
	}
	fatTable, err := save3ds.NewSubFile(withoutPre, int64(info.fatOffset), (int64(info.fatSize)+1)*8)
	if err != nil {
		return nil, err
	}

	dataLen := int64(info.dataBlockCount) * int64(info.blockLen)
	available := withoutPre.Len() - int64(info.dataOffset)
	dataDelta := dataLen - available
	if dataDelta < 0 {
		dataDelta = 0
	}
	rawData, err := save3ds.NewSubFile(withoutPre, int64(info.dataOffset), dataLen-dataDelta)
	if err != nil {
		return nil, err
	}
	data := newFakeSizeFile(rawData, dataLen)

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

	fs, err := save3ds.NewFsMeta(dirHash, dirTable, fileHash, fileTable,
		dbDirKeyCodec, dbDirCodec, dbFileKeyCodec, dbFileCodec,
		newDbDirKey, newDbFileKey)
	if err != nil {
		return nil, err
	}

	return &Db{diff: diff, fat: fat, fs: fs, blockLen: int64(info.blockLen)}, nil
}

func (db *Db) Commit() error {
	db.debug("committing database")
	return db.diff.Commit()
}

// DbFileHandle is an open database file handle; its shape mirrors
// savedata.File except that it has no Rename, porting db.rs's Db::File.
type DbFileHandle struct {
	center *Db
	meta   *dbFileMeta
	data   *save3ds.FatFile
	length int64
}

func dbFileFromMeta(center *Db, meta *dbFileMeta) (*DbFileHandle, error) {
	info, err := meta.Info()
	if err != nil {
		return nil, err
	}
	length := int64(info.size)
	var data *save3ds.FatFile
	if info.block == fatFileUnallocated {
		if length != 0 {
			return nil, errKind("open db file", save3ds.KindSizeMismatch)
		}
	} else {
		data, err = save3ds.OpenFatFile(center.fat, int64(info.block))
		if err != nil {
			return nil, err
		}
		if length == 0 || length > data.Len() {
			return nil, errKind("open db file", save3ds.KindSizeMismatch)
		}
	}
	return &DbFileHandle{center: center, meta: meta, data: data, length: length}, nil
}

func OpenDbFileIno(center *Db, ino uint32) (*DbFileHandle, error) {
	meta := save3ds.OpenFileIno(center.fs, ino)
	return dbFileFromMeta(center, meta)
}

func (f *DbFileHandle) Ino() uint32                { return f.meta.Ino() }
func (f *DbFileHandle) ParentIno() (uint32, error) { return f.meta.ParentIno() }
func (f *DbFileHandle) Len() int64                 { return f.length }

func (f *DbFileHandle) Read(pos int64, buf []byte) error {
	if pos+int64(len(buf)) > f.length {
		return errKind("read db file", save3ds.KindOutOfBound)
	}
	return f.data.Read(pos, buf)
}

func (f *DbFileHandle) Write(pos int64, buf []byte) error {
	if pos+int64(len(buf)) > f.length {
		return errKind("write db file", save3ds.KindOutOfBound)
	}
	return f.data.Write(pos, buf)
}

func (f *DbFileHandle) Resize(length int64) error {
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

func (f *DbFileHandle) Delete() error {
	if f.data != nil {
		if err := f.data.Delete(); err != nil {
			return err
		}
	}
	f.center.trace("deleted database file", "ino", f.meta.Ino())
	return f.meta.Delete()
}

// DbDirHandle is an open database directory handle, porting db.rs's
// Db::Dir.
type DbDirHandle struct {
	center *Db
	meta   *dbDirMeta
}

func OpenDbRoot(center *Db) *DbDirHandle {
	return &DbDirHandle{center: center, meta: save3ds.OpenDirIno(center.fs, 1)}
}

func OpenDbDirIno(center *Db, ino uint32) *DbDirHandle {
	return &DbDirHandle{center: center, meta: save3ds.OpenDirIno(center.fs, ino)}
}

func (d *DbDirHandle) Ino() uint32                { return d.meta.Ino() }
func (d *DbDirHandle) ParentIno() (uint32, error) { return d.meta.ParentIno() }

// ListSubDir always reports empty: the database's directories are flat
// parent-grouping buckets keyed by inode alone (DbDirKey carries no
// name), not real listable entities, exactly as db.rs's DbFileSystem
// hardcodes this to Ok(vec![]).
func (d *DbDirHandle) ListSubDir() ([]uint32, error) {
	return nil, nil
}

func (d *DbDirHandle) ListSubFile() (names []uint64, inos []uint32, err error) {
	entries, err := d.meta.ListSubFile()
	if err != nil {
		return nil, nil, err
	}
	names = make([]uint64, len(entries))
	inos = make([]uint32, len(entries))
	for i, e := range entries {
		names[i] = e.Name
		inos[i] = e.Ino
	}
	return names, inos, nil
}

func (d *DbDirHandle) OpenSubFile(name uint64) (*DbFileHandle, error) {
	meta, err := d.meta.OpenSubFile(name)
	if err != nil {
		return nil, err
	}
	return dbFileFromMeta(d.center, meta)
}

func dbNameTaken(d *DbDirHandle, name uint64) bool {
	_, err := d.meta.OpenSubFile(name)
	return err == nil
}

func (d *DbDirHandle) NewSubDir() (*DbDirHandle, error) {
	meta, err := d.meta.NewSubDir(struct{}{}, DbDir{})
	if err != nil {
		return nil, err
	}
	return &DbDirHandle{center: d.center, meta: meta}, nil
}

func (d *DbDirHandle) NewSubFile(name uint64, length int64) (*DbFileHandle, error) {
	if dbNameTaken(d, name) {
		return nil, errKind("new db sub file", save3ds.KindAlreadyExist)
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
	meta, err := d.meta.NewSubFile(name, DbFile{block: block, size: uint64(length)})
	if err != nil {
		if fatFile != nil {
			_ = fatFile.Delete()
		}
		return nil, err
	}
	return dbFileFromMeta(d.center, meta)
}

func (d *DbDirHandle) Delete() error { return d.meta.Delete() }
