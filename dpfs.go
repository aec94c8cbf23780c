package save3ds

import "encoding/binary"

// Dpfs is one level of the three-level A/B paged store, porting
// original_source/libsave3ds/src/dpfs_level.rs. It gives atomic
// page-granular commit over a large region: a selector BlockDevice holds
// one bit per data block (32 blocks packed per little-endian 32-bit
// selector word, MSB-first within the word), and an in-memory dirty
// bitmap tracks which blocks a transaction has touched (spec.md §4.3).
type Dpfs struct {
	withLogger
	selector BlockDevice
	pair     [2]BlockDevice
	blockLen int64
	size     int64
	dirty    []uint32 // one word per 32-block chunk
}

// NewDpfs builds a Dpfs level over a selector device and a pair of
// equal-length data devices, with the given power-of-two block length.
func NewDpfs(selector BlockDevice, pair [2]BlockDevice, blockLen int64) (*Dpfs, error) {
	size := pair[0].Len()
	if pair[1].Len() != size {
		return nil, wrap("new dpfs", KindSizeMismatch, nil)
	}
	blockCount := divideUp(size, blockLen)
	chunkCount := divideUp(blockCount, 32)
	if chunkCount*4 > selector.Len() {
		return nil, wrap("new dpfs", KindSizeMismatch, nil)
	}
	return &Dpfs{
		selector: selector,
		pair:     pair,
		blockLen: blockLen,
		size:     size,
		dirty:    make([]uint32, chunkCount),
	}, nil
}

func (d *Dpfs) Read(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > d.size {
		return wrap("dpfs read", KindOutOfBound, nil)
	}
	beginBlock := pos / d.blockLen
	endBlock := divideUp(end, d.blockLen)
	beginChunk := beginBlock / 32
	endChunk := divideUp(endBlock, 32)

	sel := make([]byte, (endChunk-beginChunk)*4)
	if err := d.selector.Read(beginChunk*4, sel); err != nil {
		return err
	}

	for chunkI := beginChunk; chunkI < endChunk; chunkI++ {
		dirty := d.dirty[chunkI]
		raw := sel[(chunkI-beginChunk)*4 : (chunkI+1-beginChunk)*4]
		selectWord := dirty ^ binary.LittleEndian.Uint32(raw)

		blockIBegin := max64(chunkI*32, beginBlock)
		blockIEnd := min64((chunkI+1)*32, endBlock)
		for blockI := blockIBegin; blockI < blockIEnd; blockI++ {
			shift := uint(31 - (blockI - chunkI*32))
			selectBit := (selectWord >> shift) & 1

			dataBegin := max64(blockI*d.blockLen, pos)
			dataEnd := min64((blockI+1)*d.blockLen, end)
			if err := d.pair[selectBit].Read(dataBegin, buf[dataBegin-pos:dataEnd-pos]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dpfs) Write(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > d.size {
		return wrap("dpfs write", KindOutOfBound, nil)
	}
	beginBlock := pos / d.blockLen
	endBlock := divideUp(end, d.blockLen)
	beginChunk := beginBlock / 32
	endChunk := divideUp(endBlock, 32)

	sel := make([]byte, (endChunk-beginChunk)*4)
	if err := d.selector.Read(beginChunk*4, sel); err != nil {
		return err
	}

	for chunkI := beginChunk; chunkI < endChunk; chunkI++ {
		raw := sel[(chunkI-beginChunk)*4 : (chunkI+1-beginChunk)*4]
		selectWord := ^binary.LittleEndian.Uint32(raw)

		blockIBegin := max64(chunkI*32, beginBlock)
		blockIEnd := min64((chunkI+1)*32, endBlock)
		for blockI := blockIBegin; blockI < blockIEnd; blockI++ {
			shift := uint(31 - (blockI - chunkI*32))
			selectBit := (selectWord >> shift) & 1

			dataBeginAsBlock := blockI * d.blockLen
			dataEndAsBlock := min64((blockI+1)*d.blockLen, d.size)

			dataBegin := max64(dataBeginAsBlock, pos)
			dataEnd := min64(dataEndAsBlock, end)

			if err := d.pair[selectBit].Write(dataBegin, buf[dataBegin-pos:dataEnd-pos]); err != nil {
				return err
			}

			keepBit := (d.dirty[chunkI] >> shift) & 1
			if keepBit == 0 {
				other := 1 - selectBit
				if dataBegin > dataBeginAsBlock {
					margin := make([]byte, dataBegin-dataBeginAsBlock)
					if err := d.pair[other].Read(dataBeginAsBlock, margin); err != nil {
						return err
					}
					if err := d.pair[selectBit].Write(dataBeginAsBlock, margin); err != nil {
						return err
					}
				}
				if dataEnd < dataEndAsBlock {
					margin := make([]byte, dataEndAsBlock-dataEnd)
					if err := d.pair[other].Read(dataEnd, margin); err != nil {
						return err
					}
					if err := d.pair[selectBit].Write(dataEnd, margin); err != nil {
						return err
					}
				}
			}
			d.dirty[chunkI] |= 1 << shift
		}
	}
	return nil
}

func (d *Dpfs) Len() int64 { return d.size }

// Commit XORs each dirty chunk's mask into the on-disk selector word —
// flipping exactly the blocks that were written this transaction — then
// clears the in-memory dirty bitmap.
func (d *Dpfs) Commit() error {
	for i, word := range d.dirty {
		if word == 0 {
			continue
		}
		var raw [4]byte
		if err := d.selector.Read(int64(i)*4, raw[:]); err != nil {
			return err
		}
		oldWord := binary.LittleEndian.Uint32(raw[:])
		binary.LittleEndian.PutUint32(raw[:], oldWord^word)
		if err := d.selector.Write(int64(i)*4, raw[:]); err != nil {
			return err
		}
		d.dirty[i] = 0
		d.trace("flipped selector chunk", "chunk", i, "mask", word)
	}
	return nil
}
