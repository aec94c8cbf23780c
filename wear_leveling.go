package save3ds

import "bytes"

// crc16Ninty is the CRC-16 used to stamp wear-leveling journal entries and
// data chunks, porting original_source/libsave3ds/src/wear_leveling.rs's
// crc16_ninty: poly 0xA001 (the reflected form of the Modbus/ANSI
// polynomial), seed 0xFFFF.
func crc16Ninty(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// crcStub is where a crcFile stores the CRC of its data, abstracting over
// the two storage shapes wear_leveling.rs uses for it.
type crcStub interface {
	verify(crc uint16) (bool, error)
	sign(crc uint16) error
}

// simpleCrcStub stores the CRC as a raw little-endian uint16, used for the
// block map's own whole-table checksum.
type simpleCrcStub struct {
	parent BlockDevice
}

func newSimpleCrcStub(parent BlockDevice) (*simpleCrcStub, error) {
	if parent.Len() != 2 {
		return nil, wrap("new simple crc stub", KindSizeMismatch, nil)
	}
	return &simpleCrcStub{parent: parent}, nil
}

func (s *simpleCrcStub) verify(crc uint16) (bool, error) {
	var buf [2]byte
	if err := s.parent.Read(0, buf[:]); err != nil {
		return false, err
	}
	return uint16(buf[0])|uint16(buf[1])<<8 == crc, nil
}

func (s *simpleCrcStub) sign(crc uint16) error {
	buf := [2]byte{byte(crc), byte(crc >> 8)}
	return s.parent.Write(0, buf[:])
}

// xorCrcStub folds the CRC's two bytes together with XOR and stores the
// result in a single byte, used for the 8 per-chunk CRCs inside one data
// block's crc ticket, where every byte is precious.
type xorCrcStub struct {
	parent BlockDevice
}

func newXorCrcStub(parent BlockDevice) (*xorCrcStub, error) {
	if parent.Len() != 1 {
		return nil, wrap("new xor crc stub", KindSizeMismatch, nil)
	}
	return &xorCrcStub{parent: parent}, nil
}

func (s *xorCrcStub) verify(crc uint16) (bool, error) {
	var buf [1]byte
	if err := s.parent.Read(0, buf[:]); err != nil {
		return false, err
	}
	return buf[0] == byte(crc)^byte(crc>>8), nil
}

func (s *xorCrcStub) sign(crc uint16) error {
	return s.parent.Write(0, []byte{byte(crc) ^ byte(crc>>8)})
}

// crcFile pairs a data BlockDevice with a crcStub holding its checksum.
// The checksum is verified once at construction and re-signed on Commit,
// the same construct-verifies/commit-signs shape as SignedFile, just with
// a CRC16 instead of SHA-256+CMAC.
type crcFile struct {
	stub   crcStub
	data   BlockDevice
	length int64
}

func newCrcFile(stub crcStub, data BlockDevice) (*crcFile, error) {
	length := data.Len()
	buf := make([]byte, length)
	if err := data.Read(0, buf); err != nil {
		return nil, err
	}
	ok, err := stub.verify(crc16Ninty(buf))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wrap("new crc file", KindSignatureMismatch, nil)
	}
	return &crcFile{stub: stub, data: data, length: length}, nil
}

func (f *crcFile) Read(pos int64, buf []byte) error  { return f.data.Read(pos, buf) }
func (f *crcFile) Write(pos int64, buf []byte) error { return f.data.Write(pos, buf) }
func (f *crcFile) Len() int64                        { return f.length }

func (f *crcFile) Commit() error {
	buf := make([]byte, f.length)
	if err := f.data.Read(0, buf); err != nil {
		return err
	}
	return f.stub.sign(crc16Ninty(buf))
}

// mirroredFile keeps two equal-length devices byte-identical by writing
// every Write through to both. Unlike Dual or Difi it has no deferred
// reconciliation: since every write already lands on both copies, Commit
// is a no-op. Used for the journal's twin 14-byte records.
type mirroredFile struct {
	data0, data1 BlockDevice
}

func newMirroredFile(data0, data1 BlockDevice) (*mirroredFile, error) {
	if data0.Len() != data1.Len() {
		return nil, wrap("new mirrored file", KindSizeMismatch, nil)
	}
	length := data0.Len()
	buf0 := make([]byte, length)
	buf1 := make([]byte, length)
	if err := data0.Read(0, buf0); err != nil {
		return nil, err
	}
	if err := data1.Read(0, buf1); err != nil {
		return nil, err
	}
	if !bytes.Equal(buf0, buf1) {
		return nil, wrap("new mirrored file", KindSignatureMismatch, nil)
	}
	return &mirroredFile{data0: data0, data1: data1}, nil
}

func (f *mirroredFile) Read(pos int64, buf []byte) error { return f.data0.Read(pos, buf) }

func (f *mirroredFile) Write(pos int64, buf []byte) error {
	if err := f.data0.Write(pos, buf); err != nil {
		return err
	}
	return f.data1.Write(pos, buf)
}

func (f *mirroredFile) Len() int64    { return f.data0.Len() }
func (f *mirroredFile) Commit() error { return nil }

const (
	wearLevelingPhysicalBlockLen = 0x1000
	wearLevelingChunkLen         = 0x200
	wearLevelingChunksPerBlock   = wearLevelingPhysicalBlockLen / wearLevelingChunkLen
)

// wearLevelingBlock is one virtual block's provisioned chunk set. A nil
// data means the virtual block has never been written and reads as 0xFF.
type wearLevelingBlock struct {
	data []*crcFile
}

// WearLeveling maps a fixed count of virtual blocks onto a rotating set of
// physical NAND-like blocks, one of which is always held in reserve so a
// block can be relocated without ever leaving storage in a half-written
// state. It ports original_source/libsave3ds/src/wear_leveling.rs. Only
// Read is implemented: the source itself leaves Write and Commit as
// unimplemented!(), since driving the allocation/journal machinery that
// would back them is out of scope here (spec.md's Non-goals for this
// layer).
type WearLeveling struct {
	withLogger
	blocks []wearLevelingBlock
}

type wearLevelingTrackedBlock struct {
	physicalBlock int64
	allocateCount uint8
	crcTicket     BlockDevice
}

// NewWearLeveling parses parent's block map and replays its journal to
// recover the current virtual-to-physical block assignment.
func NewWearLeveling(parent BlockDevice) (*WearLeveling, error) {
	length := parent.Len()
	if length != 0x20000 && length != 0x80000 {
		return nil, wrap("new wear leveling", KindSizeMismatch, nil)
	}
	physicalBlockCount := length / wearLevelingPhysicalBlockLen
	virtualBlockCount := physicalBlockCount - 1

	blockMapRaw, err := NewSubFile(parent, 0, 8+virtualBlockCount*10)
	if err != nil {
		return nil, err
	}
	blockMapCrcRegion, err := NewSubFile(parent, 8+virtualBlockCount*10, 2)
	if err != nil {
		return nil, err
	}
	blockMapStub, err := newSimpleCrcStub(blockMapCrcRegion)
	if err != nil {
		return nil, err
	}
	blockMap, err := newCrcFile(blockMapStub, blockMapRaw)
	if err != nil {
		return nil, err
	}

	blocks := make([]wearLevelingTrackedBlock, virtualBlockCount)
	for i := int64(0); i < virtualBlockCount; i++ {
		offset := i*10 + 8
		var buf [2]byte
		if err := blockMap.Read(offset, buf[:]); err != nil {
			return nil, err
		}
		blocks[i].physicalBlock = int64(buf[0] & 0x7F)
		blocks[i].allocateCount = buf[1]
		if buf[0]&0x80 != 0 {
			ticket, err := NewSubFile(blockMap, offset+2, 8)
			if err != nil {
				return nil, err
			}
			blocks[i].crcTicket = ticket
		}
	}

	used := make([]bool, physicalBlockCount)
	for _, b := range blocks {
		pb := b.physicalBlock
		if pb <= 0 || pb >= physicalBlockCount || used[pb] {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		used[pb] = true
	}

	for offset := int64(8 + virtualBlockCount*10 + 2); offset < wearLevelingPhysicalBlockLen; offset += 0x20 {
		journal0, err := NewSubFile(parent, offset, 14)
		if err != nil {
			return nil, err
		}
		journal1, err := NewSubFile(parent, offset+14, 14)
		if err != nil {
			return nil, err
		}
		journal, err := newMirroredFile(journal0, journal1)
		if err != nil {
			return nil, err
		}
		var rec [6]byte
		if err := journal.Read(0, rec[:]); err != nil {
			return nil, err
		}
		virtualBlock := int64(rec[0])
		if virtualBlock == 0xFF {
			break
		}
		virtualBlockPrev := int64(rec[1])
		physicalBlock := rec[2]
		physicalBlockPrev := rec[3]
		allocateCount := rec[4]
		allocateCountPrev := rec[5]

		if virtualBlock >= virtualBlockCount || virtualBlockPrev >= virtualBlockCount {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if int64(physicalBlock) >= physicalBlockCount || physicalBlock == 0 {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if int64(physicalBlockPrev) >= physicalBlockCount || physicalBlockPrev == 0 {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if blocks[virtualBlock].physicalBlock != int64(physicalBlockPrev) {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if blocks[virtualBlockPrev].physicalBlock != int64(physicalBlock) {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if blocks[virtualBlockPrev].crcTicket != nil {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		if blocks[virtualBlock].allocateCount != allocateCountPrev {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}
		// Unguarded on purpose, mirroring the source's own "Wrapping???"
		// comment: this wraps silently at allocateCount == 0 rather than
		// being special-cased.
		if blocks[virtualBlockPrev].allocateCount != allocateCount-1 {
			return nil, wrap("new wear leveling", KindInvalidValue, nil)
		}

		blocks[virtualBlockPrev].allocateCount = allocateCountPrev
		blocks[virtualBlockPrev].physicalBlock = int64(physicalBlockPrev)
		blocks[virtualBlockPrev].crcTicket = nil

		ticket, err := NewSubFile(journal, 6, 8)
		if err != nil {
			return nil, err
		}
		blocks[virtualBlock].allocateCount = allocateCount
		blocks[virtualBlock].physicalBlock = int64(physicalBlock)
		blocks[virtualBlock].crcTicket = ticket
	}

	if blocks[len(blocks)-1].crcTicket != nil {
		return nil, wrap("new wear leveling", KindInvalidValue, nil)
	}

	finalBlocks := make([]wearLevelingBlock, len(blocks))
	for i, b := range blocks {
		if b.crcTicket == nil {
			continue
		}
		chunks := make([]*crcFile, wearLevelingChunksPerBlock)
		for j := int64(0); j < wearLevelingChunksPerBlock; j++ {
			chunkOffset := j*wearLevelingChunkLen + b.physicalBlock*wearLevelingPhysicalBlockLen
			data, err := NewSubFile(parent, chunkOffset, wearLevelingChunkLen)
			if err != nil {
				return nil, err
			}
			crcRegion, err := NewSubFile(b.crcTicket, j, 1)
			if err != nil {
				return nil, err
			}
			stub, err := newXorCrcStub(crcRegion)
			if err != nil {
				return nil, err
			}
			cf, err := newCrcFile(stub, data)
			if err != nil {
				return nil, err
			}
			chunks[j] = cf
		}
		finalBlocks[i].data = chunks
	}

	w := &WearLeveling{blocks: finalBlocks}
	w.trace("recovered wear leveling block map", "virtualBlocks", len(finalBlocks))
	return w, nil
}

func (w *WearLeveling) Len() int64 {
	return int64(len(w.blocks)-1) * wearLevelingPhysicalBlockLen
}

func (w *WearLeveling) Read(pos int64, buf []byte) error {
	end := pos + int64(len(buf))
	if pos < 0 || end > w.Len() {
		return wrap("read", KindOutOfBound, nil)
	}
	beginChunk := pos / wearLevelingChunkLen
	endChunk := divideUp(end, wearLevelingChunkLen)
	for i := beginChunk; i < endChunk; i++ {
		chunkBegin := i * wearLevelingChunkLen
		chunkEnd := chunkBegin + wearLevelingChunkLen
		dataBegin := max64(chunkBegin, pos)
		dataEnd := min64(chunkEnd, end)
		dst := buf[dataBegin-pos : dataEnd-pos]

		block := i / wearLevelingChunksPerBlock
		chunk := i % wearLevelingChunksPerBlock
		if w.blocks[block].data != nil {
			if err := w.blocks[block].data[chunk].Read(dataBegin-chunkBegin, dst); err != nil {
				return err
			}
		} else {
			for j := range dst {
				dst[j] = 0xFF
			}
		}
	}
	return nil
}

// Write is unsupported: wear_leveling.rs never implements block
// reallocation, only recovery of whatever assignment the journal last
// committed.
func (w *WearLeveling) Write(pos int64, buf []byte) error {
	return wrap("write", KindUnsupported, nil)
}

// Commit is unsupported for the same reason as Write.
func (w *WearLeveling) Commit() error {
	return wrap("commit", KindUnsupported, nil)
}
