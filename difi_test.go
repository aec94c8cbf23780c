package save3ds

import (
	"bytes"
	"testing"
)

func TestDifiStructSizes(t *testing.T) {
	if got := len((&difiHeader{}).marshal()); got != 0x44 {
		t.Errorf("difiHeader size = %#x, want 0x44", got)
	}
	if got := len((&ivfcDescriptor{}).marshal()); got != 0x78 {
		t.Errorf("ivfcDescriptor size = %#x, want 0x78", got)
	}
	if got := len((&dpfsDescriptor{}).marshal()); got != 0x50 {
		t.Errorf("dpfsDescriptor size = %#x, want 0x50", got)
	}
}

// randDifiParam derives a DifiPartitionParam from a fuzz-supplied uint64,
// mirroring difi_partition.rs's DifiPartitionParam::random (same block-len
// ranges, same data_len range).
func randDifiParam(seed uint64) *DifiPartitionParam {
	pick := func(lo, hi uint) int64 {
		span := hi - lo
		shift := lo + uint(seed%uint64(span))
		seed /= uint64(span)
		return 1 << shift
	}
	param := &DifiPartitionParam{
		DpfsLevel2BlockLen: pick(1, 10),
		DpfsLevel3BlockLen: pick(1, 10),
		IvfcLevel1BlockLen: pick(6, 10),
		IvfcLevel2BlockLen: pick(6, 10),
		IvfcLevel3BlockLen: pick(6, 10),
		IvfcLevel4BlockLen: pick(6, 10),
		DataLen:            1 + int64(seed%9999),
		ExternalIvfcLevel4:  seed%2 == 1,
	}
	return param
}

func FuzzDifiPartition(f *testing.F) {
	f.Add(uint64(12345), uint64(1))
	f.Add(uint64(0), uint64(0))
	f.Add(uint64(999999), uint64(777))
	f.Fuzz(func(t *testing.T, paramSeed, dataSeed uint64) {
		param := randDifiParam(paramSeed)
		descriptorLen, partitionLen := CalculateDifiSize(param)

		descriptor := NewMemoryFile(int(descriptorLen))
		partition := NewMemoryFile(int(partitionLen))

		if err := FormatDifiPartition(descriptor, param); err != nil {
			t.Fatalf("format: %v", err)
		}

		difi, err := NewDifi(descriptor, partition)
		if err != nil {
			t.Fatalf("new difi: %v", err)
		}
		if difi.Len() != param.DataLen {
			t.Fatalf("Len() = %d, want %d", difi.Len(), param.DataLen)
		}

		init := make([]byte, param.DataLen)
		s := dataSeed
		for i := range init {
			s = s*6364136223846793005 + 1442695040888963407
			init[i] = byte(s >> 56)
		}
		if err := difi.Write(0, init); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := difi.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		reopened, err := NewDifi(descriptor, partition)
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		got := make([]byte, param.DataLen)
		if err := reopened.Read(0, got); err != nil {
			t.Fatalf("read back: %v", err)
		}
		if !bytes.Equal(got, init) {
			t.Fatalf("read back mismatch after commit+reopen")
		}
	})
}
