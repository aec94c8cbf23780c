package save3ds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
)

// Signer prepends or otherwise transforms a data buffer before it is
// hashed, porting original_source/libsave3ds/src/signed_file.rs's Signer
// trait. Each container format (NAND save, SD save, extdata, title
// database) has its own block prefix baked into a distinct Signer value
// (spec.md §4.6.1, §6).
type Signer interface {
	Block(data []byte) []byte
}

func signerHash(s Signer, data []byte) [32]byte {
	return sha256.Sum256(s.Block(data))
}

// SignedFile is a whole-file CMAC-AES128 integrity wrapper: it hashes the
// entire backing data file through a Signer, then authenticates that
// hash with CMAC under a fixed key, storing the 16-byte tag in a separate
// signature device. Unlike Ivfc, verification happens once at
// construction, not lazily per block (spec.md §4.6.1).
type SignedFile struct {
	withLogger
	signature BlockDevice
	data      BlockDevice
	signer    Signer
	key       [16]byte
	size      int64
}

// NewSignedFile builds a SignedFile and verifies the stored signature
// immediately, returning KindSignatureMismatch if it doesn't match.
func NewSignedFile(signature, data BlockDevice, signer Signer, key [16]byte) (*SignedFile, error) {
	if signature.Len() != 16 {
		return nil, wrap("new signed file", KindSizeMismatch, nil)
	}
	f := &SignedFile{
		signature: signature,
		data:      data,
		signer:    signer,
		key:       key,
		size:      data.Len(),
	}

	var stored [16]byte
	if err := f.signature.Read(0, stored[:]); err != nil {
		return nil, err
	}
	want, err := f.calculateSignature()
	if err != nil {
		return nil, err
	}
	if stored != want {
		f.logerror("signature mismatch on open")
		return nil, wrap("new signed file", KindSignatureMismatch, nil)
	}
	return f, nil
}

func (f *SignedFile) calculateSignature() ([16]byte, error) {
	buf := make([]byte, f.size)
	if err := f.data.Read(0, buf); err != nil {
		return [16]byte{}, err
	}
	hash := signerHash(f.signer, buf)
	return cmacAES128(f.key, hash[:]), nil
}

func (f *SignedFile) Read(pos int64, buf []byte) error  { return f.data.Read(pos, buf) }
func (f *SignedFile) Write(pos int64, buf []byte) error { return f.data.Write(pos, buf) }
func (f *SignedFile) Len() int64                        { return f.size }

// Commit recomputes the signature over the current data and stores it.
func (f *SignedFile) Commit() error {
	sig, err := f.calculateSignature()
	if err != nil {
		return err
	}
	f.debug("recomputed signature")
	return f.signature.Write(0, sig[:])
}

// cmacAES128 implements the NIST SP 800-38B one-key CBC-MAC (CMAC) over
// AES-128, since none of the example repos' dependency graphs brings in a
// CMAC package (stdlib's crypto/aes and crypto/cipher cover the block
// cipher and CBC chaining; CMAC's subkey derivation and final-block
// padding have no stdlib or ecosystem equivalent in the examined corpus).
func cmacAES128(key [16]byte, message []byte) [16]byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // key is always 16 bytes; aes.NewCipher cannot fail
	}
	k1, k2 := cmacSubkeys(block)

	var padded []byte
	var lastKey [16]byte
	if len(message) != 0 && len(message)%16 == 0 {
		padded = message
		lastKey = k1
	} else {
		padded = cmacPad(message)
		lastKey = k2
	}

	var mac [16]byte
	mode := cipher.NewCBCEncrypter(block, mac[:])
	n := len(padded)
	for i := 0; i < n; i += 16 {
		var blk [16]byte
		copy(blk[:], padded[i:i+16])
		if i == n-16 {
			for j := range blk {
				blk[j] ^= lastKey[j]
			}
		}
		mode.CryptBlocks(mac[:], blk[:])
	}
	return mac
}

const cmacRb = 0x87

func cmacShiftXor(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = (in[i] << 1) | carry
		carry = in[i] >> 7
	}
	if in[0]>>7 == 1 {
		out[15] ^= cmacRb
	}
	return out
}

func cmacSubkeys(block cipher.Block) (k1, k2 [16]byte) {
	var zero, l [16]byte
	block.Encrypt(l[:], zero[:])
	k1 = cmacShiftXor(l)
	k2 = cmacShiftXor(k1)
	return k1, k2
}

// cmacPad right-pads message with a single 0x80 byte followed by zeroes
// up to the next 16-byte boundary (the "10...0" padding of SP 800-38B).
func cmacPad(message []byte) []byte {
	padLen := 16 - len(message)%16
	padded := make([]byte, len(message)+padLen)
	copy(padded, message)
	padded[len(message)] = 0x80
	return padded
}
