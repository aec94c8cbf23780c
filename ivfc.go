package save3ds

import "crypto/sha256"

// Per-block tag values, packed two bits per block, porting
// original_source/libsave3ds/src/ivfc_level.rs's BLOCK_* constants.
const (
	blockUnverified byte = 0
	blockVerified   byte = 1
	blockModified   byte = 2
	blockBroken     byte = 3
)

// Ivfc is one level of the SHA-256 hash tree, verifying data blocks
// lazily against a parallel hash device (spec.md §4.4). Block i covers
// [i*blockLen, min((i+1)*blockLen, len)); its 32-byte digest lives at
// hash offset i*32.
type Ivfc struct {
	withLogger
	hash     BlockDevice
	data     BlockDevice
	blockLen int64
	size     int64
	status   []byte // 2 bits per block, 4 blocks per byte
}

// NewIvfc builds an Ivfc level over a hash device and a data device, with
// the given power-of-two block length. Every block starts unverified.
func NewIvfc(hash, data BlockDevice, blockLen int64) (*Ivfc, error) {
	size := data.Len()
	blockCount := int64(1) + (size-1)/blockLen
	if blockCount*0x20 > hash.Len() {
		return nil, wrap("new ivfc", KindSizeMismatch, nil)
	}
	chunkCount := int64(1) + (blockCount-1)/4
	return &Ivfc{
		hash:     hash,
		data:     data,
		blockLen: blockLen,
		size:     size,
		status:   make([]byte, chunkCount),
	}, nil
}

func (v *Ivfc) getStatus(blockIndex int64) byte {
	return (v.status[blockIndex/4] >> (uint(blockIndex%4) * 2)) & 3
}

func (v *Ivfc) setStatus(blockIndex int64, status byte) {
	i := blockIndex / 4
	j := uint(blockIndex%4) * 2
	v.status[i] &^= 3 << j
	v.status[i] |= status << j
}

func fill0xDD(buf []byte) {
	for i := range buf {
		buf[i] = 0xDD
	}
}

func (v *Ivfc) Read(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > v.size {
		return wrap("ivfc read", KindOutOfBound, nil)
	}

	beginBlock := pos / v.blockLen
	endBlock := int64(1) + (end-1)/v.blockLen

	var result error
	for i := beginBlock; i < endBlock; i++ {
		dataBeginAsBlock := i * v.blockLen
		dataEndAsBlock := min64((i+1)*v.blockLen, v.size)
		dataBegin := max64(dataBeginAsBlock, pos)
		dataEnd := min64(dataEndAsBlock, end)
		dst := buf[dataBegin-pos : dataEnd-pos]

		switch status := v.getStatus(i); status {
		case blockBroken:
			result = wrap("ivfc read", KindHashMismatch, nil)
			fill0xDD(dst)
		case blockVerified, blockModified:
			if err := v.data.Read(dataBegin, dst); err != nil {
				return err
			}
		default:
			blockBuf := make([]byte, v.blockLen)
			if err := v.data.Read(dataBeginAsBlock, blockBuf[:dataEndAsBlock-dataBeginAsBlock]); err != nil {
				return err
			}

			var hashStored [0x20]byte
			if err := v.hash.Read(i*0x20, hashStored[:]); err != nil {
				v.setStatus(i, blockBroken)
				result = wrap("ivfc read", KindHashMismatch, nil)
				fill0xDD(dst)
				continue
			}

			sum := sha256.Sum256(blockBuf)
			if sum == hashStored {
				v.setStatus(i, blockVerified)
				copy(dst, blockBuf[dataBegin-dataBeginAsBlock:dataEnd-dataBeginAsBlock])
			} else {
				v.setStatus(i, blockBroken)
				result = wrap("ivfc read", KindHashMismatch, nil)
				v.logerror("hash mismatch", "block", i)
				fill0xDD(dst)
			}
		}
	}
	return result
}

func (v *Ivfc) Write(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > v.size {
		return wrap("ivfc write", KindOutOfBound, nil)
	}
	if err := v.data.Write(pos, buf); err != nil {
		return err
	}

	beginBlock := pos / v.blockLen
	endBlock := int64(1) + (end-1)/v.blockLen
	for i := beginBlock; i < endBlock; i++ {
		v.setStatus(i, blockModified)
	}
	return nil
}

func (v *Ivfc) Len() int64 { return v.size }

// Commit rehashes every modified block bottom-up (block order, which for
// a single level is simply ascending — the bottom-up ordering across
// levels is handled by Difi, which commits level 4 before 3 before 2
// before 1) and writes the fresh digest to the hash device.
func (v *Ivfc) Commit() error {
	blockCount := int64(1) + (v.size-1)/v.blockLen
	for i := int64(0); i < blockCount; i++ {
		if v.getStatus(i) != blockModified {
			continue
		}
		begin := i * v.blockLen
		end := min64((i+1)*v.blockLen, v.size)
		buf := make([]byte, v.blockLen)
		if err := v.data.Read(begin, buf[:end-begin]); err != nil {
			return err
		}
		sum := sha256.Sum256(buf)
		if err := v.hash.Write(i*0x20, sum[:]); err != nil {
			return err
		}
		v.setStatus(i, blockVerified)
		v.trace("rehashed block", "block", i)
	}
	return nil
}
