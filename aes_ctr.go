package save3ds

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCtrCacheSize bounds the keystream-block LRU at 16 entries, matching
// aes_ctr_file.rs's LruCache::new(16).
const aesCtrCacheSize = 16

// AesCtr is a counter-mode stream cipher layer over a backing BlockDevice,
// porting original_source/libsave3ds/src/aes_ctr_file.rs. It XORs AES-128
// keystream blocks against the backing bytes on both read and write; the
// 16-byte counter's low 8 bytes are the running block index, the high 8
// bytes the caller-supplied nonce, and addition carries big-endian within
// the low half only (spec.md §4.1, §6).
type AesCtr struct {
	withLogger
	data  BlockDevice
	block cipher.Block
	ctr   [16]byte
	size  int64

	cache    map[int64][16]byte
	lruOrder []int64 // most-recently-used at the end
}

// NewAesCtr builds an AesCtr over data using the given 128-bit key and
// 16-byte base counter.
func NewAesCtr(data BlockDevice, key, ctr [16]byte) (*AesCtr, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, wrap("new aes ctr", KindInvalidValue, err)
	}
	return &AesCtr{
		data:  data,
		block: block,
		ctr:   ctr,
		size:  data.Len(),
		cache: make(map[int64][16]byte),
	}, nil
}

// seekCtr advances ctr by blockIndex blocks, carrying only through the low
// 8 bytes (indices 8..15), exactly mirroring aes_ctr_file.rs's seek_ctr.
func seekCtr(ctr *[16]byte, blockIndex int64) {
	for i := 15; i >= 8; i-- {
		blockIndex += int64(ctr[i])
		ctr[i] = byte(blockIndex & 0xFF)
		blockIndex >>= 8
	}
}

func (a *AesCtr) getPad(blockIndex int64) [16]byte {
	if pad, ok := a.cache[blockIndex]; ok {
		a.touch(blockIndex)
		return pad
	}
	ctr := a.ctr
	seekCtr(&ctr, blockIndex)
	var out [16]byte
	a.block.Encrypt(out[:], ctr[:])
	a.put(blockIndex, out)
	return out
}

func (a *AesCtr) touch(blockIndex int64) {
	for i, v := range a.lruOrder {
		if v == blockIndex {
			a.lruOrder = append(a.lruOrder[:i], a.lruOrder[i+1:]...)
			break
		}
	}
	a.lruOrder = append(a.lruOrder, blockIndex)
}

func (a *AesCtr) put(blockIndex int64, pad [16]byte) {
	if _, ok := a.cache[blockIndex]; !ok && len(a.cache) >= aesCtrCacheSize {
		oldest := a.lruOrder[0]
		a.lruOrder = a.lruOrder[1:]
		delete(a.cache, oldest)
		a.trace("evicted keystream block from cache", "block", oldest)
	}
	a.cache[blockIndex] = pad
	a.touch(blockIndex)
}

func divideUp(n, d int64) int64 { return (n + d - 1) / d }

func (a *AesCtr) Read(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > a.size {
		return wrap("aes ctr read", KindOutOfBound, nil)
	}
	if err := a.data.Read(pos, buf); err != nil {
		return err
	}
	beginBlock := pos / 16
	endBlock := divideUp(end, 16)
	for i := beginBlock; i < endBlock; i++ {
		pad := a.getPad(i)
		dataBegin := max64(i*16, pos)
		dataEnd := min64((i+1)*16, end)
		for p := dataBegin; p < dataEnd; p++ {
			buf[p-pos] ^= pad[p-i*16]
		}
	}
	return nil
}

func (a *AesCtr) Write(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > a.size {
		return wrap("aes ctr write", KindOutOfBound, nil)
	}
	beginBlock := pos / 16
	endBlock := divideUp(end, 16)
	for i := beginBlock; i < endBlock; i++ {
		pad := a.getPad(i)
		dataBegin := max64(i*16, pos)
		dataEnd := min64((i+1)*16, end)
		for p := dataBegin; p < dataEnd; p++ {
			pad[p-i*16] ^= buf[p-pos]
		}
		if err := a.data.Write(dataBegin, pad[dataBegin-i*16:dataEnd-i*16]); err != nil {
			return err
		}
	}
	return nil
}

func (a *AesCtr) Len() int64 { return a.size }

// Commit is a no-op: AesCtr holds no state beyond the keystream cache,
// which needs no flushing.
func (a *AesCtr) Commit() error { return nil }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
