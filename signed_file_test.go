package save3ds

import "testing"

type xorSigner struct{ salt byte }

func (s xorSigner) Block(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ s.salt
	}
	return out
}

// buildSignedFile formats a fresh signature+data pair so that the stored
// signature matches init's contents, the way a NAND/SD/extdata/db
// container's own format routine would before handing a SignedFile to a
// caller.
func buildSignedFile(t *testing.T, init []byte, signer Signer, key [16]byte) (signature, data *MemoryFile) {
	t.Helper()
	data = NewMemoryFileFrom(append([]byte(nil), init...))
	hash := signerHash(signer, init)
	sig := cmacAES128(key, hash[:])
	signature = NewMemoryFileFrom(sig[:])
	return signature, data
}

func TestSignedFileVerifiesOnOpen(t *testing.T) {
	signer := xorSigner{salt: 0x5a}
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	init := []byte("hello signed world")

	signature, data := buildSignedFile(t, init, signer, key)
	f, err := NewSignedFile(signature, data, signer, key)
	if err != nil {
		t.Fatalf("NewSignedFile: %v", err)
	}
	got := make([]byte, f.Len())
	if err := f.Read(0, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(init) {
		t.Fatalf("read back = %q, want %q", got, init)
	}
}

func TestSignedFileRejectsTamperedSignature(t *testing.T) {
	signer := xorSigner{salt: 0x5a}
	key := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	init := []byte("hello signed world")

	signature, data := buildSignedFile(t, init, signer, key)
	signature.Bytes()[0] ^= 0xFF

	if _, err := NewSignedFile(signature, data, signer, key); err == nil {
		t.Fatal("expected signature mismatch, got nil error")
	} else if kind, ok := KindOf(err); !ok || kind != KindSignatureMismatch {
		t.Fatalf("err kind = %v, want KindSignatureMismatch", kind)
	}
}

func FuzzSignedFile(f *testing.F) {
	f.Add(uint64(1), uint8(0x5a), uint64(20))
	f.Add(uint64(0), uint8(0), uint64(1))
	f.Fuzz(func(t *testing.T, seed uint64, salt uint8, lenSeed uint64) {
		length := int(1 + lenSeed%99)
		init := make([]byte, length)
		s := seed
		for i := range init {
			s = s*6364136223846793005 + 1442695040888963407
			init[i] = byte(s >> 56)
		}
		signer := xorSigner{salt: salt}
		var key [16]byte
		for i := range key {
			s = s*6364136223846793005 + 1442695040888963407
			key[i] = byte(s >> 56)
		}

		signature, data := buildSignedFile(t, init, signer, key)
		sf, err := NewSignedFile(signature, data, signer, key)
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		pos := int(seed % uint64(length))
		n := 1 + int(lenSeed%uint64(length-pos))
		buf := make([]byte, n)
		for i := range buf {
			s = s*6364136223846793005 + 1442695040888963407
			buf[i] = byte(s >> 56)
		}
		if err := sf.Write(int64(pos), buf); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := sf.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}

		reopened, err := NewSignedFile(signature, data, signer, key)
		if err != nil {
			t.Fatalf("reopen after commit: %v", err)
		}
		got := make([]byte, n)
		if err := reopened.Read(int64(pos), got); err != nil {
			t.Fatalf("read back: %v", err)
		}
		for i := range got {
			if got[i] != buf[i] {
				t.Fatalf("read back mismatch at %d", i)
			}
		}
	})
}
