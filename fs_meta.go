package save3ds

import (
	"encoding/binary"
	"log/slog"
)

// Codec describes how to marshal/unmarshal a fixed-width value stored
// inside a metaTable entry. Concrete key/info types hand one of these to
// FormatFsMeta/NewFsMeta instead of implementing a marshal interface
// themselves, keeping the hash table agnostic of how the tree layer above
// it interprets a key or info's bytes. Exported so callers outside this
// package (a save/extdata/title-database container defining its own key
// and info types) can build the codecs FsMeta needs.
type Codec[T any] struct {
	byteLen   int64
	marshal   func(T, []byte)
	unmarshal func([]byte) T
}

// NewCodec builds a Codec for a fixed-width value of byteLen bytes, given
// functions to marshal it into a buffer of that length and unmarshal it
// back out.
func NewCodec[T any](byteLen int64, marshal func(T, []byte), unmarshal func([]byte) T) Codec[T] {
	return Codec[T]{byteLen: byteLen, marshal: marshal, unmarshal: unmarshal}
}

// refCounter tracks how many open handles reference each entry index. It
// replaces fs_meta.rs's Rc<RefCell<HashMap<u32,u32>>>-plus-Drop pattern:
// Go has no destructors, so DirMeta/FileMeta release explicitly through
// Close instead of decrementing on scope exit.
type refCounter struct {
	counts map[uint32]int
}

func newRefCounter() *refCounter { return &refCounter{counts: make(map[uint32]int)} }

func (r *refCounter) acquire(index uint32) { r.counts[index]++ }

func (r *refCounter) release(index uint32) {
	if c := r.counts[index]; c <= 1 {
		delete(r.counts, index)
	} else {
		r.counts[index] = c - 1
	}
}

func (r *refCounter) count(index uint32) int { return r.counts[index] }

// refTicket proves, via checkExclusive, that no other handle is open on
// the same entry before an exclusive operation (delete) proceeds.
type refTicket struct {
	index    uint32
	refs     *refCounter
	released bool
}

func (t *refTicket) checkExclusive() error {
	if t.refs.count(t.index) != 1 {
		return wrap("check exclusive", KindBusy, nil)
	}
	return nil
}

func (t *refTicket) release() {
	if t.released {
		return
	}
	t.released = true
	t.refs.release(t.index)
}

func readU32(dev BlockDevice, pos int64) (uint32, error) {
	var buf [4]byte
	if err := dev.Read(pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeU32(dev BlockDevice, pos int64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return dev.Write(pos, buf[:])
}

// MetaTableStat reports the occupancy of one metaTable.
type MetaTableStat struct {
	Total int64
	Free  int64
}

// metaTable is a hash table of fixed-width (key,info) entries backed by
// two BlockDevices, porting fs_meta.rs's MetaTable. Entry 0 is reserved:
// its key+info region doubles as the occupied/max entry counters at
// bytes [0,8), and its collision field threads the free (deleted) entry
// list - exactly as the Rust source overlays them.
type metaTable[K comparable, I any] struct {
	withLogger

	hash, table BlockDevice

	buckets int64

	entryLen, eoInfo, eoCollision int64

	keyCodec  Codec[K]
	infoCodec Codec[I]

	refs *refCounter
}

func formatMetaTable[K comparable, I any](hash, table BlockDevice, entryCount int64, keyCodec Codec[K], infoCodec Codec[I]) error {
	if err := hash.Write(0, make([]byte, hash.Len())); err != nil {
		return err
	}
	if err := writeU32(table, 0, 1); err != nil {
		return err
	}
	if err := writeU32(table, 4, uint32(entryCount)); err != nil {
		return err
	}
	if padding := keyCodec.byteLen + infoCodec.byteLen - 8; padding > 0 {
		if err := table.Write(8, make([]byte, padding)); err != nil {
			return err
		}
	}
	return writeU32(table, keyCodec.byteLen+infoCodec.byteLen, 0)
}

func newMetaTable[K comparable, I any](hash, table BlockDevice, keyCodec Codec[K], infoCodec Codec[I]) (*metaTable[K, I], error) {
	if keyCodec.byteLen%4 != 0 {
		return nil, wrap("new meta table", KindInvalidValue, nil)
	}
	if hash.Len()%4 != 0 {
		return nil, wrap("new meta table", KindSizeMismatch, nil)
	}
	return &metaTable[K, I]{
		hash:        hash,
		table:       table,
		buckets:     hash.Len() / 4,
		entryLen:    keyCodec.byteLen + infoCodec.byteLen + 4,
		eoInfo:      keyCodec.byteLen,
		eoCollision: keyCodec.byteLen + infoCodec.byteLen,
		keyCodec:    keyCodec,
		infoCodec:   infoCodec,
		refs:        newRefCounter(),
	}, nil
}

// hashKey ports fs_meta.rs's MetaTable::hash: a rotate-xor over the key's
// raw bytes taken 4 at a time, folded into a bucket index.
func (m *metaTable[K, I]) hashKey(key K) int64 {
	buf := make([]byte, m.keyCodec.byteLen)
	m.keyCodec.marshal(key, buf)
	h := uint32(0x12345678)
	for i := int64(0); i < m.keyCodec.byteLen; i += 4 {
		h = (h >> 1) | (h << 31)
		h ^= binary.LittleEndian.Uint32(buf[i : i+4])
	}
	return int64(h % uint32(m.buckets))
}

func (m *metaTable[K, I]) get(key K) (I, uint32, error) {
	var zero I
	h := m.hashKey(key)
	index, err := readU32(m.hash, h*4)
	if err != nil {
		return zero, 0, err
	}
	for index != 0 {
		entryOffset := int64(index) * m.entryLen
		keyBuf := make([]byte, m.keyCodec.byteLen)
		if err := m.table.Read(entryOffset, keyBuf); err != nil {
			return zero, 0, err
		}
		if m.keyCodec.unmarshal(keyBuf) == key {
			infoBuf := make([]byte, m.infoCodec.byteLen)
			if err := m.table.Read(entryOffset+m.eoInfo, infoBuf); err != nil {
				return zero, 0, err
			}
			return m.infoCodec.unmarshal(infoBuf), index, nil
		}
		if index, err = readU32(m.table, entryOffset+m.eoCollision); err != nil {
			return zero, 0, err
		}
	}
	return zero, 0, wrap("get", KindNotFound, nil)
}

func (m *metaTable[K, I]) getAt(index uint32) (I, K, error) {
	var zeroI I
	var zeroK K
	entryOffset := int64(index) * m.entryLen
	keyBuf := make([]byte, m.keyCodec.byteLen)
	if err := m.table.Read(entryOffset, keyBuf); err != nil {
		return zeroI, zeroK, err
	}
	infoBuf := make([]byte, m.infoCodec.byteLen)
	if err := m.table.Read(entryOffset+m.eoInfo, infoBuf); err != nil {
		return zeroI, zeroK, err
	}
	return m.infoCodec.unmarshal(infoBuf), m.keyCodec.unmarshal(keyBuf), nil
}

func (m *metaTable[K, I]) set(index uint32, info I) error {
	buf := make([]byte, m.infoCodec.byteLen)
	m.infoCodec.marshal(info, buf)
	return m.table.Write(int64(index)*m.entryLen+m.eoInfo, buf)
}

func (m *metaTable[K, I]) remove(index uint32) error {
	entryOffset := int64(index) * m.entryLen
	keyBuf := make([]byte, m.keyCodec.byteLen)
	if err := m.table.Read(entryOffset, keyBuf); err != nil {
		return err
	}
	key := m.keyCodec.unmarshal(keyBuf)
	collision, err := readU32(m.table, entryOffset+m.eoCollision)
	if err != nil {
		return err
	}

	// Scan the key's collision chain starting at its hash bucket head and
	// relink around the removed entry.
	h := m.hashKey(key)
	prevDev, prevOff := m.hash, h*4
	for {
		other, err := readU32(prevDev, prevOff)
		if err != nil {
			return err
		}
		if other == 0 {
			// Can only happen if the table or hash index is corrupt: the
			// entry being removed is always reachable from its own bucket.
			panic("fs_meta: collision chain does not contain removed entry")
		}
		if other == index {
			if err := writeU32(prevDev, prevOff, collision); err != nil {
				return err
			}
			break
		}
		prevDev, prevOff = m.table, int64(other)*m.entryLen+m.eoCollision
	}

	// Overwrite the removed slot with entry 0's template bytes, then push
	// it onto entry 0's free (dummy) list by pointing entry 0's collision
	// field at it.
	dummy := make([]byte, m.entryLen)
	if err := m.table.Read(0, dummy); err != nil {
		return err
	}
	if err := m.table.Write(entryOffset, dummy); err != nil {
		return err
	}
	if err := writeU32(m.table, m.eoCollision, index); err != nil {
		return err
	}
	m.trace("removed meta table entry", "index", index)
	return nil
}

func (m *metaTable[K, I]) add(key K, info I) (uint32, error) {
	if _, _, err := m.get(key); err == nil {
		return 0, wrap("add", KindAlreadyExist, nil)
	} else if kind, ok := KindOf(err); !ok || kind != KindNotFound {
		return 0, err
	}

	index, err := readU32(m.table, m.eoCollision)
	if err != nil {
		return 0, err
	}
	var entryOffset int64
	if index == 0 {
		entryCount, err := readU32(m.table, 0)
		if err != nil {
			return 0, err
		}
		maxEntryCount, err := readU32(m.table, 4)
		if err != nil {
			return 0, err
		}
		if entryCount == maxEntryCount {
			m.warn("meta table full", "maxEntryCount", maxEntryCount)
			return 0, wrap("add", KindNoSpace, nil)
		}
		if err := writeU32(m.table, 0, entryCount+1); err != nil {
			return 0, err
		}
		index = entryCount
		entryOffset = int64(index) * m.entryLen
	} else {
		entryOffset = int64(index) * m.entryLen
		nextDummy, err := readU32(m.table, entryOffset+m.eoCollision)
		if err != nil {
			return 0, err
		}
		if err := writeU32(m.table, m.eoCollision, nextDummy); err != nil {
			return 0, err
		}
	}

	h := m.hashKey(key)
	headCollision, err := readU32(m.hash, h*4)
	if err != nil {
		return 0, err
	}
	if err := writeU32(m.hash, h*4, index); err != nil {
		return 0, err
	}
	keyBuf := make([]byte, m.keyCodec.byteLen)
	m.keyCodec.marshal(key, keyBuf)
	if err := m.table.Write(entryOffset, keyBuf); err != nil {
		return 0, err
	}
	infoBuf := make([]byte, m.infoCodec.byteLen)
	m.infoCodec.marshal(info, infoBuf)
	if err := m.table.Write(entryOffset+m.eoInfo, infoBuf); err != nil {
		return 0, err
	}
	if err := writeU32(m.table, entryOffset+m.eoCollision, headCollision); err != nil {
		return 0, err
	}
	m.trace("added meta table entry", "index", index)
	return index, nil
}

func (m *metaTable[K, I]) stat() (MetaTableStat, error) {
	entryCount, err := readU32(m.table, 0)
	if err != nil {
		return MetaTableStat{}, err
	}
	maxEntryCount, err := readU32(m.table, 4)
	if err != nil {
		return MetaTableStat{}, err
	}
	index, err := readU32(m.table, m.eoCollision)
	if err != nil {
		return MetaTableStat{}, err
	}
	var dummyCount int64
	for index != 0 {
		dummyCount++
		if index, err = readU32(m.table, int64(index)*m.entryLen+m.eoCollision); err != nil {
			return MetaTableStat{}, err
		}
	}
	return MetaTableStat{
		Total: int64(maxEntryCount) - 1,
		Free:  int64(maxEntryCount) - int64(entryCount) + dummyCount,
	}, nil
}

func (m *metaTable[K, I]) acquireTicket(index uint32) *refTicket {
	m.refs.acquire(index)
	return &refTicket{index: index, refs: m.refs}
}

// ParentedKey is implemented by fixed-width key types that locate a
// directory or file entry by its parent inode plus a name of type N.
type ParentedKey[N any] interface {
	comparable
	Parent() uint32
	Name() N
}

// DirInfo is implemented by fixed-width directory entry payloads. Updates
// are expressed as "With" methods returning a modified copy rather than
// mutating in place, matching how fs_meta.rs itself always reads an
// entry's info wholesale, edits the local copy, and writes it back with
// set() - there is never a partial in-place field update on the backing
// store.
type DirInfo[I any] interface {
	SubDir() uint32
	SubFile() uint32
	Next() uint32
	WithSubDir(index uint32) I
	WithSubFile(index uint32) I
	WithNext(index uint32) I
	Root() I
}

// FileInfo is implemented by fixed-width file entry payloads.
type FileInfo[I any] interface {
	Next() uint32
	WithNext(index uint32) I
}

// MetaStat reports the occupancy of both the directory and file tables of
// an FsMeta.
type MetaStat struct {
	Dirs  MetaTableStat
	Files MetaTableStat
}

// FsMeta is the generic sibling-chain directory tree engine described by
// the canonical libsave3ds fs_meta.rs design (not the divergent sibling
// implementation in src/fs.rs - see DESIGN.md): every directory links its
// first child directory and first child file, and every child links its
// next sibling of the same kind. DK/FK are fixed-width keys (parent inode
// + name); DI/FI are fixed-width per-entry payloads. Go generics stand in
// for the Rust source's trait-object polymorphism over
// KeyType/InfoType; newDirKey/newFileKey replace Self::new, since a Go
// type parameter cannot construct an arbitrary value of itself without
// one.
type FsMeta[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]] struct {
	withLogger

	dirs  *metaTable[DK, DI]
	files *metaTable[FK, FI]

	newDirKey  func(parent uint32, name DN) DK
	newFileKey func(parent uint32, name FN) FK
}

// SetLogger attaches a logger to the FsMeta and both of its backing
// metaTables.
func (fs *FsMeta[DK, DN, DI, FK, FN, FI]) SetLogger(log *slog.Logger) {
	fs.withLogger.SetLogger(log)
	fs.dirs.SetLogger(log)
	fs.files.SetLogger(log)
}

// FormatFsMeta initializes empty dir/file tables (each sized for the
// given entry count, including the reserved entry 0) and plants the root
// directory entry at inode 1.
func FormatFsMeta[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]](
	dirHash, dirTable BlockDevice, dirEntryCount int64,
	fileHash, fileTable BlockDevice, fileEntryCount int64,
	dirKeyCodec Codec[DK], dirInfoCodec Codec[DI],
	fileKeyCodec Codec[FK], fileInfoCodec Codec[FI],
	newDirKey func(parent uint32, name DN) DK,
) error {
	if err := formatMetaTable(dirHash, dirTable, dirEntryCount, dirKeyCodec, dirInfoCodec); err != nil {
		return err
	}
	if err := formatMetaTable(fileHash, fileTable, fileEntryCount, fileKeyCodec, fileInfoCodec); err != nil {
		return err
	}
	dirs, err := newMetaTable(dirHash, dirTable, dirKeyCodec, dirInfoCodec)
	if err != nil {
		return err
	}
	var zeroName DN
	var zeroInfo DI
	_, err = dirs.add(newDirKey(0, zeroName), zeroInfo.Root())
	return err
}

// NewFsMeta opens already-formatted dir/file tables.
func NewFsMeta[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]](
	dirHash, dirTable, fileHash, fileTable BlockDevice,
	dirKeyCodec Codec[DK], dirInfoCodec Codec[DI],
	fileKeyCodec Codec[FK], fileInfoCodec Codec[FI],
	newDirKey func(parent uint32, name DN) DK,
	newFileKey func(parent uint32, name FN) FK,
) (*FsMeta[DK, DN, DI, FK, FN, FI], error) {
	dirs, err := newMetaTable(dirHash, dirTable, dirKeyCodec, dirInfoCodec)
	if err != nil {
		return nil, err
	}
	files, err := newMetaTable(fileHash, fileTable, fileKeyCodec, fileInfoCodec)
	if err != nil {
		return nil, err
	}
	return &FsMeta[DK, DN, DI, FK, FN, FI]{dirs: dirs, files: files, newDirKey: newDirKey, newFileKey: newFileKey}, nil
}

func (fs *FsMeta[DK, DN, DI, FK, FN, FI]) Stat() (MetaStat, error) {
	dirStat, err := fs.dirs.stat()
	if err != nil {
		return MetaStat{}, err
	}
	fileStat, err := fs.files.stat()
	if err != nil {
		return MetaStat{}, err
	}
	return MetaStat{Dirs: dirStat, Files: fileStat}, nil
}

// dirEntry names one child returned by ListSubDir/ListSubFile.
type dirEntry[N any] struct {
	Name N
	Ino  uint32
}

// FileMeta is an open handle to one file entry.
type FileMeta[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]] struct {
	fs     *FsMeta[DK, DN, DI, FK, FN, FI]
	ticket *refTicket
}

// OpenFileIno opens a handle to the file at the given inode.
func OpenFileIno[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]](
	fs *FsMeta[DK, DN, DI, FK, FN, FI], ino uint32,
) *FileMeta[DK, DN, DI, FK, FN, FI] {
	return &FileMeta[DK, DN, DI, FK, FN, FI]{fs: fs, ticket: fs.files.acquireTicket(ino)}
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) Ino() uint32 { return f.ticket.index }

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) ParentIno() (uint32, error) {
	_, key, err := f.fs.files.getAt(f.ticket.index)
	if err != nil {
		return 0, err
	}
	return key.Parent(), nil
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) Info() (FI, error) {
	info, _, err := f.fs.files.getAt(f.ticket.index)
	return info, err
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) SetInfo(info FI) error {
	return f.fs.files.set(f.ticket.index, info)
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) CheckExclusive() error {
	return f.ticket.checkExclusive()
}

// Close releases this handle's reference. Unlike fs_meta.rs's RAII
// RefTicket, Go has no Drop, so a caller discarding a DirMeta/FileMeta
// must close it explicitly, the same way it would close an *os.File.
func (f *FileMeta[DK, DN, DI, FK, FN, FI]) Close() {
	f.ticket.release()
}

// Rename moves this file under a new parent/name, preserving its inode.
// check_exclusive is intentionally skipped here, exactly as the Rust
// source documents: the delete-then-recreate pair below preserves the
// ino, so an in-flight open handle elsewhere stays valid across the
// rename.
func (f *FileMeta[DK, DN, DI, FK, FN, FI]) Rename(parent *DirMeta[DK, DN, DI, FK, FN, FI], name FN) error {
	info, _, err := f.fs.files.getAt(f.ticket.index)
	if err != nil {
		return err
	}
	if err := f.deleteImpl(); err != nil {
		return err
	}
	moved, err := parent.NewSubFile(name, info)
	if err != nil {
		return err
	}
	f.ticket.release()
	*f = *moved
	return nil
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) Delete() error {
	defer f.ticket.release()
	if err := f.ticket.checkExclusive(); err != nil {
		return err
	}
	return f.deleteImpl()
}

func (f *FileMeta[DK, DN, DI, FK, FN, FI]) deleteImpl() error {
	selfInfo, _, err := f.fs.files.getAt(f.ticket.index)
	if err != nil {
		return err
	}
	parentIno, err := f.ParentIno()
	if err != nil {
		return err
	}
	parentInfo, _, err := f.fs.dirs.getAt(parentIno)
	if err != nil {
		return err
	}
	headIndex := parentInfo.SubFile()
	if headIndex == f.ticket.index {
		if err := f.fs.dirs.set(parentIno, parentInfo.WithSubFile(selfInfo.Next())); err != nil {
			return err
		}
		return f.fs.files.remove(f.ticket.index)
	}
	for {
		if headIndex == 0 {
			panic("fs_meta: file not found in parent's sibling chain")
		}
		headInfo, _, err := f.fs.files.getAt(headIndex)
		if err != nil {
			return err
		}
		nextIndex := headInfo.Next()
		if nextIndex == f.ticket.index {
			if err := f.fs.files.set(headIndex, headInfo.WithNext(selfInfo.Next())); err != nil {
				return err
			}
			break
		}
		headIndex = nextIndex
	}
	return f.fs.files.remove(f.ticket.index)
}

// DirMeta is an open handle to one directory entry.
type DirMeta[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]] struct {
	fs     *FsMeta[DK, DN, DI, FK, FN, FI]
	ticket *refTicket
}

// OpenDirIno opens a handle to the directory at the given inode (1 is the
// root).
func OpenDirIno[DK ParentedKey[DN], DN comparable, DI DirInfo[DI], FK ParentedKey[FN], FN comparable, FI FileInfo[FI]](
	fs *FsMeta[DK, DN, DI, FK, FN, FI], ino uint32,
) *DirMeta[DK, DN, DI, FK, FN, FI] {
	return &DirMeta[DK, DN, DI, FK, FN, FI]{fs: fs, ticket: fs.dirs.acquireTicket(ino)}
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) Ino() uint32 { return d.ticket.index }

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) ParentIno() (uint32, error) {
	_, key, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return 0, err
	}
	return key.Parent(), nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) CheckExclusive() error {
	return d.ticket.checkExclusive()
}

// Close releases this handle's reference; see FileMeta.Close.
func (d *DirMeta[DK, DN, DI, FK, FN, FI]) Close() {
	d.ticket.release()
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) OpenSubDir(name DN) (*DirMeta[DK, DN, DI, FK, FN, FI], error) {
	key := d.fs.newDirKey(d.ticket.index, name)
	_, pos, err := d.fs.dirs.get(key)
	if err != nil {
		return nil, err
	}
	return &DirMeta[DK, DN, DI, FK, FN, FI]{fs: d.fs, ticket: d.fs.dirs.acquireTicket(pos)}, nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) OpenSubFile(name FN) (*FileMeta[DK, DN, DI, FK, FN, FI], error) {
	key := d.fs.newFileKey(d.ticket.index, name)
	_, pos, err := d.fs.files.get(key)
	if err != nil {
		return nil, err
	}
	return &FileMeta[DK, DN, DI, FK, FN, FI]{fs: d.fs, ticket: d.fs.files.acquireTicket(pos)}, nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) ListSubDir() ([]dirEntry[DN], error) {
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return nil, err
	}
	var result []dirEntry[DN]
	for index := selfInfo.SubDir(); index != 0; {
		info, key, err := d.fs.dirs.getAt(index)
		if err != nil {
			return nil, err
		}
		result = append(result, dirEntry[DN]{Name: key.Name(), Ino: index})
		index = info.Next()
	}
	return result, nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) ListSubFile() ([]dirEntry[FN], error) {
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return nil, err
	}
	var result []dirEntry[FN]
	for index := selfInfo.SubFile(); index != 0; {
		info, key, err := d.fs.files.getAt(index)
		if err != nil {
			return nil, err
		}
		result = append(result, dirEntry[FN]{Name: key.Name(), Ino: index})
		index = info.Next()
	}
	return result, nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) NewSubDir(name DN, info DI) (*DirMeta[DK, DN, DI, FK, FN, FI], error) {
	return d.newSubDirImpl(name, info, true)
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) newSubDirImpl(name DN, info DI, resetSubInfo bool) (*DirMeta[DK, DN, DI, FK, FN, FI], error) {
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return nil, err
	}
	key := d.fs.newDirKey(d.ticket.index, name)
	info = info.WithNext(selfInfo.SubDir())
	if resetSubInfo {
		info = info.WithSubDir(0).WithSubFile(0)
	}
	pos, err := d.fs.dirs.add(key, info)
	if err != nil {
		return nil, err
	}
	if err := d.fs.dirs.set(d.ticket.index, selfInfo.WithSubDir(pos)); err != nil {
		return nil, err
	}
	return &DirMeta[DK, DN, DI, FK, FN, FI]{fs: d.fs, ticket: d.fs.dirs.acquireTicket(pos)}, nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) NewSubFile(name FN, info FI) (*FileMeta[DK, DN, DI, FK, FN, FI], error) {
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return nil, err
	}
	key := d.fs.newFileKey(d.ticket.index, name)
	info = info.WithNext(selfInfo.SubFile())
	pos, err := d.fs.files.add(key, info)
	if err != nil {
		return nil, err
	}
	if err := d.fs.dirs.set(d.ticket.index, selfInfo.WithSubFile(pos)); err != nil {
		return nil, err
	}
	return &FileMeta[DK, DN, DI, FK, FN, FI]{fs: d.fs, ticket: d.fs.files.acquireTicket(pos)}, nil
}

// Rename moves this directory under a new parent/name, preserving its
// inode. See FileMeta.Rename for why check_exclusive is skipped here.
func (d *DirMeta[DK, DN, DI, FK, FN, FI]) Rename(parent *DirMeta[DK, DN, DI, FK, FN, FI], name DN) error {
	info, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return err
	}
	if err := d.deleteImpl(); err != nil {
		return err
	}
	moved, err := parent.newSubDirImpl(name, info, false)
	if err != nil {
		return err
	}
	d.ticket.release()
	*d = *moved
	return nil
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) Delete() error {
	defer d.ticket.release()
	if err := d.ticket.checkExclusive(); err != nil {
		return err
	}
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return err
	}
	if d.ticket.index == 1 {
		return wrap("delete dir", KindDeletingRoot, nil)
	}
	if selfInfo.SubDir() != 0 || selfInfo.SubFile() != 0 {
		return wrap("delete dir", KindNotEmpty, nil)
	}
	return d.deleteImpl()
}

func (d *DirMeta[DK, DN, DI, FK, FN, FI]) deleteImpl() error {
	selfInfo, _, err := d.fs.dirs.getAt(d.ticket.index)
	if err != nil {
		return err
	}
	parentIno, err := d.ParentIno()
	if err != nil {
		return err
	}
	parentInfo, _, err := d.fs.dirs.getAt(parentIno)
	if err != nil {
		return err
	}
	headIndex := parentInfo.SubDir()
	if headIndex == d.ticket.index {
		if err := d.fs.dirs.set(parentIno, parentInfo.WithSubDir(selfInfo.Next())); err != nil {
			return err
		}
		return d.fs.dirs.remove(d.ticket.index)
	}
	for {
		if headIndex == 0 {
			panic("fs_meta: directory not found in parent's sibling chain")
		}
		headInfo, _, err := d.fs.dirs.getAt(headIndex)
		if err != nil {
			return err
		}
		nextIndex := headInfo.Next()
		if nextIndex == d.ticket.index {
			if err := d.fs.dirs.set(headIndex, headInfo.WithNext(selfInfo.Next())); err != nil {
				return err
			}
			break
		}
		headIndex = nextIndex
	}
	return d.fs.dirs.remove(d.ticket.index)
}
