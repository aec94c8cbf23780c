package savedata

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	save3ds "github.com/wwylele/save3ds-sub000"
)

func TestSaveHeaderStructSize(t *testing.T) {
	if saveHeaderLen != 0x20 {
		t.Errorf("saveHeaderLen = %#x, want 0x20", saveHeaderLen)
	}
	if fsInfoLen != 0x68 {
		t.Errorf("fsInfoLen = %#x, want 0x68", fsInfoLen)
	}
}

func alignUp8(n int64) int64 { return (n + 7) &^ 7 }

// writeDisaHeaderBytes lays out a 2-partition unsigned Disa header
// directly at the byte offsets NewDisa reads (disa.go), mirroring the
// teacher's own formatBareDisa test fixture (disa_test.go) but built from
// the exported surface only, since this package cannot reach disa.go's
// unexported disaHeader type.
func writeDisaHeaderBytes(t *testing.T, backing *save3ds.MemoryFile, descLens, partLens [2]int64) (primaryTableOffset, tableSize int64) {
	t.Helper()
	const headerOffset = 0x100
	descOffset0 := int64(0)
	descOffset1 := alignUp8(descLens[0])
	tableSize = descOffset1 + descLens[1]
	primaryTableOffset = 0x1000
	secondaryTableOffset := primaryTableOffset + tableSize
	partition0Offset := alignUp8(secondaryTableOffset+tableSize) + 0x1000
	partition1Offset := alignUp8(partition0Offset + partLens[0])

	b := make([]byte, 105)
	copy(b[0:4], "DISA")
	binary.LittleEndian.PutUint32(b[4:8], 0x40000)
	binary.LittleEndian.PutUint32(b[8:12], 2)
	binary.LittleEndian.PutUint64(b[16:24], uint64(secondaryTableOffset))
	binary.LittleEndian.PutUint64(b[24:32], uint64(primaryTableOffset))
	binary.LittleEndian.PutUint64(b[32:40], uint64(tableSize))
	binary.LittleEndian.PutUint64(b[40:48], uint64(descOffset0))
	binary.LittleEndian.PutUint64(b[48:56], uint64(descLens[0]))
	binary.LittleEndian.PutUint64(b[56:64], uint64(descOffset1))
	binary.LittleEndian.PutUint64(b[64:72], uint64(descLens[1]))
	binary.LittleEndian.PutUint64(b[72:80], uint64(partition0Offset))
	binary.LittleEndian.PutUint64(b[80:88], uint64(partLens[0]))
	binary.LittleEndian.PutUint64(b[88:96], uint64(partition1Offset))
	binary.LittleEndian.PutUint64(b[96:104], uint64(partLens[1]))

	if err := backing.Write(headerOffset, b); err != nil {
		t.Fatalf("write header: %v", err)
	}

	table := make([]byte, tableSize)
	if err := backing.Write(primaryTableOffset, table); err != nil {
		t.Fatalf("write primary table: %v", err)
	}
	if err := backing.Write(secondaryTableOffset, table); err != nil {
		t.Fatalf("write secondary table: %v", err)
	}
	tableHash := sha256.Sum256(table)
	if err := backing.Write(headerOffset+0x6C, tableHash[:]); err != nil {
		t.Fatalf("write table hash: %v", err)
	}
	return primaryTableOffset, tableSize
}

func mustDescriptor(t *testing.T, partition save3ds.BlockDevice, param *save3ds.DifiPartitionParam) save3ds.BlockDevice {
	t.Helper()
	descLen, _ := save3ds.CalculateDifiSize(param)
	desc, err := save3ds.NewSubFile(partition, 0, descLen)
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}
	return desc
}

func writeHeaderAndFsInfo(t *testing.T, p0 save3ds.BlockDevice, fsInfoOffset int64, blockLen uint32,
	dirHashOffset int64, dirBuckets uint32, fileHashOffset int64, fileBuckets uint32,
	fatOffset int64, fatSize uint32, dataBlockCount uint32,
	dirTableOffset int64, maxDir uint32, fileTableOffset int64, maxFile uint32) {
	t.Helper()

	h := make([]byte, saveHeaderLen)
	copy(h[0:4], "SAVE")
	binary.LittleEndian.PutUint32(h[4:8], 0x40000)
	binary.LittleEndian.PutUint64(h[8:16], uint64(fsInfoOffset))
	if err := p0.Write(0, h); err != nil {
		t.Fatalf("write save header: %v", err)
	}

	info := make([]byte, fsInfoLen)
	binary.LittleEndian.PutUint32(info[4:8], blockLen)
	binary.LittleEndian.PutUint64(info[8:16], uint64(dirHashOffset))
	binary.LittleEndian.PutUint32(info[16:20], dirBuckets)
	binary.LittleEndian.PutUint64(info[24:32], uint64(fileHashOffset))
	binary.LittleEndian.PutUint32(info[32:36], fileBuckets)
	binary.LittleEndian.PutUint64(info[40:48], uint64(fatOffset))
	binary.LittleEndian.PutUint32(info[48:52], fatSize)
	binary.LittleEndian.PutUint32(info[64:68], dataBlockCount)
	binary.LittleEndian.PutUint64(info[72:80], uint64(dirTableOffset))
	binary.LittleEndian.PutUint32(info[80:84], maxDir)
	binary.LittleEndian.PutUint64(info[88:96], uint64(fileTableOffset))
	binary.LittleEndian.PutUint32(info[96:100], maxFile)
	if err := p0.Write(fsInfoOffset, info); err != nil {
		t.Fatalf("write fs info: %v", err)
	}
}

// buildBareSaveImage lays out a minimal 2-partition unsigned save data
// image: partition 0 holds the header, FsInfo, hash tables, FAT table and
// dir/file tables as raw regions; partition 1 is the FAT-managed data
// region, exactly the branch save_data.rs's SaveData::new takes when
// disa.partition_count() == 2.
func buildBareSaveImage(t *testing.T, dirBuckets, fileBuckets, maxDir, maxFile, dataBlockCount, blockLen uint32) *save3ds.MemoryFile {
	t.Helper()

	const dirEntryLen = 20 + 16 + 4
	const fileEntryLen = 20 + 24 + 4

	dirHashLen := int64(dirBuckets) * 4
	fileHashLen := int64(fileBuckets) * 4
	fatTableLen := (int64(dataBlockCount) + 1) * 8
	dirTableLen := (int64(maxDir) + 2) * dirEntryLen
	fileTableLen := (int64(maxFile) + 1) * fileEntryLen

	const fsInfoOffset = 0x20
	dirHashOffset := int64(fsInfoOffset + fsInfoLen)
	fileHashOffset := dirHashOffset + dirHashLen
	fatOffset := fileHashOffset + fileHashLen
	dirTableOffset := fatOffset + fatTableLen
	fileTableOffset := dirTableOffset + dirTableLen
	partition0Len := fileTableOffset + fileTableLen

	difiParam := func(dataLen int64) *save3ds.DifiPartitionParam {
		return &save3ds.DifiPartitionParam{
			DpfsLevel2BlockLen: 2, DpfsLevel3BlockLen: 2,
			IvfcLevel1BlockLen: 64, IvfcLevel2BlockLen: 64, IvfcLevel3BlockLen: 64, IvfcLevel4BlockLen: 64,
			DataLen: dataLen,
		}
	}
	param0 := difiParam(partition0Len)
	desc0Len, part0Len := save3ds.CalculateDifiSize(param0)

	dataLen := int64(dataBlockCount) * int64(blockLen)
	param1 := difiParam(dataLen)
	desc1Len, part1Len := save3ds.CalculateDifiSize(param1)

	backingLen := 0x4000 + part0Len + part1Len + 0x1000
	backing := save3ds.NewMemoryFile(int(backingLen))

	writeDisaHeaderBytes(t, backing, [2]int64{desc0Len, desc1Len}, [2]int64{part0Len, part1Len})

	disa, err := save3ds.NewDisa(backing, nil, [16]byte{})
	if err != nil {
		t.Fatalf("new disa: %v", err)
	}
	if disa.PartitionCount() != 2 {
		t.Fatalf("PartitionCount = %d, want 2", disa.PartitionCount())
	}

	p0 := disa.Partition(0)
	if err := save3ds.FormatDifiPartition(mustDescriptor(t, p0, param0), param0); err != nil {
		t.Fatalf("format difi 0: %v", err)
	}
	p1 := disa.Partition(1)
	if err := save3ds.FormatDifiPartition(mustDescriptor(t, p1, param1), param1); err != nil {
		t.Fatalf("format difi 1: %v", err)
	}

	writeHeaderAndFsInfo(t, p0, fsInfoOffset, blockLen, dirHashOffset, dirBuckets, fileHashOffset, fileBuckets,
		fatOffset, dataBlockCount, dataBlockCount, dirTableOffset, maxDir, fileTableOffset, maxFile)

	fatTable, err := save3ds.NewSubFile(p0, fatOffset, fatTableLen)
	if err != nil {
		t.Fatalf("fat table: %v", err)
	}
	if err := save3ds.FormatFat(fatTable); err != nil {
		t.Fatalf("format fat: %v", err)
	}

	dirHash, err := save3ds.NewSubFile(p0, dirHashOffset, dirHashLen)
	if err != nil {
		t.Fatalf("dir hash: %v", err)
	}
	fileHash, err := save3ds.NewSubFile(p0, fileHashOffset, fileHashLen)
	if err != nil {
		t.Fatalf("file hash: %v", err)
	}
	dirTable, err := save3ds.NewSubFile(p0, dirTableOffset, dirTableLen)
	if err != nil {
		t.Fatalf("dir table: %v", err)
	}
	fileTable, err := save3ds.NewSubFile(p0, fileTableOffset, fileTableLen)
	if err != nil {
		t.Fatalf("file table: %v", err)
	}
	if err := save3ds.FormatFsMeta(dirHash, dirTable, int64(maxDir)+2, fileHash, fileTable, int64(maxFile)+1,
		saveExtKeyCodec, saveExtDirCodec, saveExtKeyCodec, saveFileCodec, newSaveExtKey); err != nil {
		t.Fatalf("format fs meta: %v", err)
	}

	if err := disa.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return backing
}

func nameOf(s string) [16]byte {
	var n [16]byte
	copy(n[:], s)
	return n
}

func TestSaveDataRoundTrip(t *testing.T) {
	backing := buildBareSaveImage(t, 4, 4, 8, 8, 32, 512)

	center, err := NewSaveData(backing, SaveDataBare, [16]byte{}, [16]byte{}, 0)
	if err != nil {
		t.Fatalf("new save data: %v", err)
	}
	root := OpenRoot(center)

	name := nameOf("hello.txt")
	f, err := root.NewSubFile(name, 10)
	if err != nil {
		t.Fatalf("new sub file: %v", err)
	}
	if err := f.Write(0, []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := root.NewSubDir(nameOf("subdir")); err != nil {
		t.Fatalf("new sub dir: %v", err)
	}

	if err := center.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := NewSaveData(backing, SaveDataBare, [16]byte{}, [16]byte{}, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	reopenedRoot := OpenRoot(reopened)

	names, inos, err := reopenedRoot.ListSubFile()
	if err != nil {
		t.Fatalf("list sub file: %v", err)
	}
	if len(names) != 1 || names[0] != name {
		t.Fatalf("ListSubFile = %v, want [%v]", names, name)
	}

	reopenedFile, err := OpenFileIno(reopened, inos[0])
	if err != nil {
		t.Fatalf("open file ino: %v", err)
	}
	got := make([]byte, 10)
	if err := reopenedFile.Read(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("read back = %q", got)
	}

	dirNames, _, err := reopenedRoot.ListSubDir()
	if err != nil {
		t.Fatalf("list sub dir: %v", err)
	}
	if len(dirNames) != 1 || dirNames[0] != nameOf("subdir") {
		t.Fatalf("ListSubDir = %v", dirNames)
	}
}
