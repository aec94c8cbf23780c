package save3ds

import (
	"bytes"
	"testing"
)

func TestIvfcRoundTrip(t *testing.T) {
	const blockLen = 8
	const dataLen = 24
	blockCount := int64(1) + (dataLen-1)/blockLen
	hash := NewMemoryFile(int(blockCount * 0x20))
	data := NewMemoryFile(dataLen)
	v, err := NewIvfc(hash, data, blockLen)
	if err != nil {
		t.Fatalf("NewIvfc: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5A}, dataLen)
	if err := v.Write(0, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got := make([]byte, dataLen)
	if err := v.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back mismatch: got %x, want %x", got, payload)
	}
}

func TestIvfcDetectsCorruption(t *testing.T) {
	const blockLen = 8
	const dataLen = 16
	blockCount := int64(1) + (dataLen-1)/blockLen
	hash := NewMemoryFile(int(blockCount * 0x20))
	data := NewMemoryFile(dataLen)
	v, err := NewIvfc(hash, data, blockLen)
	if err != nil {
		t.Fatalf("NewIvfc: %v", err)
	}
	if err := v.Write(0, bytes.Repeat([]byte{0x11}, dataLen)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := v.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Corrupt the backing data behind Ivfc's back, then reopen so the
	// status bitmap starts unverified again.
	data.Bytes()[0] ^= 0xFF
	v2, err := NewIvfc(hash, data, blockLen)
	if err != nil {
		t.Fatalf("NewIvfc reopen: %v", err)
	}
	got := make([]byte, dataLen)
	err = v2.Read(0, got)
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindHashMismatch {
		t.Fatalf("error kind = %v, want KindHashMismatch", err)
	}
	// The corrupted block's bytes are filled with the sentinel pattern.
	if !bytes.Equal(got[:blockLen], bytes.Repeat([]byte{0xDD}, blockLen)) {
		t.Fatalf("corrupted block not filled with 0xDD sentinel: %x", got[:blockLen])
	}
}

func TestIvfcStatusPacking(t *testing.T) {
	v := &Ivfc{status: make([]byte, 1)}
	v.setStatus(0, blockVerified)
	v.setStatus(1, blockModified)
	v.setStatus(2, blockBroken)
	v.setStatus(3, blockUnverified)
	if v.getStatus(0) != blockVerified {
		t.Fatalf("status 0 = %d, want blockVerified", v.getStatus(0))
	}
	if v.getStatus(1) != blockModified {
		t.Fatalf("status 1 = %d, want blockModified", v.getStatus(1))
	}
	if v.getStatus(2) != blockBroken {
		t.Fatalf("status 2 = %d, want blockBroken", v.getStatus(2))
	}
	if v.getStatus(3) != blockUnverified {
		t.Fatalf("status 3 = %d, want blockUnverified", v.getStatus(3))
	}
}

// FuzzIvfc checks read/write/commit against a plain-buffer mirror, the
// same shape as ivfc_level.rs's own fuzz test (spec.md §4.4).
func FuzzIvfc(f *testing.F) {
	f.Add(uint64(1))
	f.Add(uint64(77777))
	f.Fuzz(func(t *testing.T, seed uint64) {
		rng := &splitmix64{state: seed | 1}
		blockLen := 1 + rng.intn(16)
		size := 1 + rng.intn(128)
		blockCount := int64(1) + (size-1)/blockLen
		hash := NewMemoryFile(int(blockCount * 0x20))
		data := NewMemoryFile(int(size))
		v, err := NewIvfc(hash, data, blockLen)
		if err != nil {
			t.Fatalf("NewIvfc: %v", err)
		}
		reference := make([]byte, size)
		// Stamp the hashes of the zeroed initial contents so that blocks
		// the operations below never write still verify on read.
		if err := v.Write(0, reference); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := v.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		for op := 0; op < 48; op++ {
			p := rng.intn(size)
			length := rng.intn(size - p + 1)
			buf := make([]byte, length)
			for i := range buf {
				buf[i] = byte(rng.next())
			}
			if err := v.Write(p, buf); err != nil {
				t.Fatalf("Write: %v", err)
			}
			copy(reference[p:p+length], buf)

			if rng.intn(4) == 0 {
				if err := v.Commit(); err != nil {
					t.Fatalf("Commit: %v", err)
				}
			}

			got := make([]byte, size)
			if err := v.Read(0, got); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, reference) {
				t.Fatalf("mismatch after op %d", op)
			}
		}
	})
}
