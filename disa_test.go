package save3ds

import (
	"crypto/sha256"
	"testing"
)

func TestDisaHeaderStructSize(t *testing.T) {
	if got := len((&disaHeader{}).marshal()); got != 0x69 {
		t.Errorf("disaHeader size = %#x, want 0x69", got)
	}
}

// formatBareDisa lays out a minimal single-partition, unsigned Disa
// container directly into backing, mirroring the offsets NewDisa reads.
// It returns the partition's configured payload length.
func formatBareDisa(t *testing.T, backing *MemoryFile, partitionLen int64) int64 {
	t.Helper()
	const tableSize = 0x200
	const headerOffset = 0x100
	const primaryTableOffset = 0x1000
	const secondaryTableOffset = primaryTableOffset + tableSize
	const partitionDescOffset = 0
	const partitionOffset = 0x2000

	param := &DifiPartitionParam{
		DpfsLevel2BlockLen: 2,
		DpfsLevel3BlockLen: 2,
		IvfcLevel1BlockLen: 64,
		IvfcLevel2BlockLen: 64,
		IvfcLevel3BlockLen: 64,
		IvfcLevel4BlockLen: 64,
		DataLen:            partitionLen,
		ExternalIvfcLevel4: false,
	}
	descLen, partLen := CalculateDifiSize(param)
	if descLen > tableSize {
		t.Fatalf("descriptor %d exceeds reserved table size %d", descLen, tableSize)
	}
	if partLen > backing.Len()-partitionOffset {
		t.Fatalf("partition %d exceeds reserved region", partLen)
	}

	table := make([]byte, tableSize)
	descDevice := NewMemoryFileFrom(table)
	if err := FormatDifiPartition(descDevice, param); err != nil {
		t.Fatalf("format difi: %v", err)
	}

	h := disaHeader{
		magic:                [4]byte{'D', 'I', 'S', 'A'},
		version:              0x40000,
		partitionCount:       1,
		secondaryTableOffset: secondaryTableOffset,
		primaryTableOffset:   primaryTableOffset,
		tableSize:            tableSize,
	}
	h.partitionDescOffset[0] = partitionDescOffset
	h.partitionDescSize[0] = uint64(descLen)
	h.partitionOffset[0] = partitionOffset
	h.partitionSize[0] = uint64(partLen)

	if err := backing.Write(headerOffset, h.marshal()); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := backing.Write(primaryTableOffset, table); err != nil {
		t.Fatalf("write primary table: %v", err)
	}
	if err := backing.Write(secondaryTableOffset, table); err != nil {
		t.Fatalf("write secondary table: %v", err)
	}

	// The master hash over the (zeroed, side-0-selected) table must be
	// pre-populated, the way a container's own format routine would
	// before ever calling NewDisa to read — otherwise Ivfc's lazy
	// verification sees a stale hash and reports HashMismatch.
	tableHash := sha256.Sum256(table)
	if err := backing.Write(headerOffset+0x6C, tableHash[:]); err != nil {
		t.Fatalf("write table hash: %v", err)
	}
	return partLen
}

func TestDisaRoundTrip(t *testing.T) {
	const backingLen = 0x10000
	backing := NewMemoryFile(backingLen)
	formatBareDisa(t, backing, 200)

	disa, err := NewDisa(backing, nil, [16]byte{})
	if err != nil {
		t.Fatalf("new disa: %v", err)
	}
	if disa.PartitionCount() != 1 {
		t.Fatalf("PartitionCount = %d, want 1", disa.PartitionCount())
	}
	p := disa.Partition(0)

	init := make([]byte, p.Len())
	for i := range init {
		init[i] = byte(i * 7)
	}
	if err := p.Write(0, init); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := disa.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened, err := NewDisa(backing, nil, [16]byte{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := make([]byte, reopened.Partition(0).Len())
	if err := reopened.Partition(0).Read(0, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i := range got {
		if got[i] != init[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, got[i], init[i])
		}
	}
}
