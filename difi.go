package save3ds

import (
	"encoding/binary"
	"log/slog"
)

const (
	difiHeaderLen      = 0x44
	ivfcDescriptorLen  = 0x78
	dpfsDescriptorLen  = 0x50
	dpfsSelectorOffset = 0x39 // offset of DifiHeader.dpfs_selector
)

// difiHeader is the fixed-width little-endian header at the start of a
// Difi descriptor region, porting difi_partition.rs's DifiHeader.
type difiHeader struct {
	magic                 [4]byte
	version               uint32
	ivfcDescriptorOffset  uint64
	ivfcDescriptorSize    uint64
	dpfsDescriptorOffset  uint64
	dpfsDescriptorSize    uint64
	partitionHashOffset   uint64
	partitionHashSize     uint64
	externalIvfcLevel4    uint8
	dpfsSelector          uint8
	padding               uint16
	ivfcLevel4Offset      uint64
}

func (h *difiHeader) marshal() []byte {
	b := make([]byte, difiHeaderLen)
	copy(b[0:4], h.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.version)
	binary.LittleEndian.PutUint64(b[8:16], h.ivfcDescriptorOffset)
	binary.LittleEndian.PutUint64(b[16:24], h.ivfcDescriptorSize)
	binary.LittleEndian.PutUint64(b[24:32], h.dpfsDescriptorOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.dpfsDescriptorSize)
	binary.LittleEndian.PutUint64(b[40:48], h.partitionHashOffset)
	binary.LittleEndian.PutUint64(b[48:56], h.partitionHashSize)
	b[56] = h.externalIvfcLevel4
	b[57] = h.dpfsSelector
	binary.LittleEndian.PutUint16(b[58:60], h.padding)
	binary.LittleEndian.PutUint64(b[60:68], h.ivfcLevel4Offset)
	return b
}

func unmarshalDifiHeader(b []byte) difiHeader {
	var h difiHeader
	copy(h.magic[:], b[0:4])
	h.version = binary.LittleEndian.Uint32(b[4:8])
	h.ivfcDescriptorOffset = binary.LittleEndian.Uint64(b[8:16])
	h.ivfcDescriptorSize = binary.LittleEndian.Uint64(b[16:24])
	h.dpfsDescriptorOffset = binary.LittleEndian.Uint64(b[24:32])
	h.dpfsDescriptorSize = binary.LittleEndian.Uint64(b[32:40])
	h.partitionHashOffset = binary.LittleEndian.Uint64(b[40:48])
	h.partitionHashSize = binary.LittleEndian.Uint64(b[48:56])
	h.externalIvfcLevel4 = b[56]
	h.dpfsSelector = b[57]
	h.padding = binary.LittleEndian.Uint16(b[58:60])
	h.ivfcLevel4Offset = binary.LittleEndian.Uint64(b[60:68])
	return h
}

// ivfcDescriptor describes the four nested Ivfc levels inside a Difi
// partition, porting difi_partition.rs's IvfcDescriptor.
type ivfcDescriptor struct {
	magic           [4]byte
	version         uint32
	masterHashSize  uint64
	level1Offset    uint64
	level1Size      uint64
	level1BlockLog  uint32
	level2Offset    uint64
	level2Size      uint64
	level2BlockLog  uint32
	level3Offset    uint64
	level3Size      uint64
	level3BlockLog  uint32
	level4Offset    uint64
	level4Size      uint64
	level4BlockLog  uint32
	descriptorSize  uint64
}

func (d *ivfcDescriptor) marshal() []byte {
	b := make([]byte, ivfcDescriptorLen)
	copy(b[0:4], d.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], d.version)
	binary.LittleEndian.PutUint64(b[8:16], d.masterHashSize)
	binary.LittleEndian.PutUint64(b[16:24], d.level1Offset)
	binary.LittleEndian.PutUint64(b[24:32], d.level1Size)
	binary.LittleEndian.PutUint32(b[32:36], d.level1BlockLog)
	binary.LittleEndian.PutUint64(b[40:48], d.level2Offset)
	binary.LittleEndian.PutUint64(b[48:56], d.level2Size)
	binary.LittleEndian.PutUint32(b[56:60], d.level2BlockLog)
	binary.LittleEndian.PutUint64(b[64:72], d.level3Offset)
	binary.LittleEndian.PutUint64(b[72:80], d.level3Size)
	binary.LittleEndian.PutUint32(b[80:84], d.level3BlockLog)
	binary.LittleEndian.PutUint64(b[88:96], d.level4Offset)
	binary.LittleEndian.PutUint64(b[96:104], d.level4Size)
	binary.LittleEndian.PutUint32(b[104:108], d.level4BlockLog)
	binary.LittleEndian.PutUint64(b[112:120], d.descriptorSize)
	return b
}

func unmarshalIvfcDescriptor(b []byte) ivfcDescriptor {
	var d ivfcDescriptor
	copy(d.magic[:], b[0:4])
	d.version = binary.LittleEndian.Uint32(b[4:8])
	d.masterHashSize = binary.LittleEndian.Uint64(b[8:16])
	d.level1Offset = binary.LittleEndian.Uint64(b[16:24])
	d.level1Size = binary.LittleEndian.Uint64(b[24:32])
	d.level1BlockLog = binary.LittleEndian.Uint32(b[32:36])
	d.level2Offset = binary.LittleEndian.Uint64(b[40:48])
	d.level2Size = binary.LittleEndian.Uint64(b[48:56])
	d.level2BlockLog = binary.LittleEndian.Uint32(b[56:60])
	d.level3Offset = binary.LittleEndian.Uint64(b[64:72])
	d.level3Size = binary.LittleEndian.Uint64(b[72:80])
	d.level3BlockLog = binary.LittleEndian.Uint32(b[80:84])
	d.level4Offset = binary.LittleEndian.Uint64(b[88:96])
	d.level4Size = binary.LittleEndian.Uint64(b[96:104])
	d.level4BlockLog = binary.LittleEndian.Uint32(b[104:108])
	d.descriptorSize = binary.LittleEndian.Uint64(b[112:120])
	return d
}

// dpfsDescriptor describes the three nested Dpfs levels, porting
// difi_partition.rs's DpfsDescriptor.
type dpfsDescriptor struct {
	magic          [4]byte
	version        uint32
	level1Offset   uint64
	level1Size     uint64
	level1BlockLog uint32
	level2Offset   uint64
	level2Size     uint64
	level2BlockLog uint32
	level3Offset   uint64
	level3Size     uint64
	level3BlockLog uint32
}

func (d *dpfsDescriptor) marshal() []byte {
	b := make([]byte, dpfsDescriptorLen)
	copy(b[0:4], d.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], d.version)
	binary.LittleEndian.PutUint64(b[8:16], d.level1Offset)
	binary.LittleEndian.PutUint64(b[16:24], d.level1Size)
	binary.LittleEndian.PutUint32(b[24:28], d.level1BlockLog)
	binary.LittleEndian.PutUint64(b[32:40], d.level2Offset)
	binary.LittleEndian.PutUint64(b[40:48], d.level2Size)
	binary.LittleEndian.PutUint32(b[48:52], d.level2BlockLog)
	binary.LittleEndian.PutUint64(b[56:64], d.level3Offset)
	binary.LittleEndian.PutUint64(b[64:72], d.level3Size)
	binary.LittleEndian.PutUint32(b[72:76], d.level3BlockLog)
	return b
}

func unmarshalDpfsDescriptor(b []byte) dpfsDescriptor {
	var d dpfsDescriptor
	copy(d.magic[:], b[0:4])
	d.version = binary.LittleEndian.Uint32(b[4:8])
	d.level1Offset = binary.LittleEndian.Uint64(b[8:16])
	d.level1Size = binary.LittleEndian.Uint64(b[16:24])
	d.level1BlockLog = binary.LittleEndian.Uint32(b[24:28])
	d.level2Offset = binary.LittleEndian.Uint64(b[32:40])
	d.level2Size = binary.LittleEndian.Uint64(b[40:48])
	d.level2BlockLog = binary.LittleEndian.Uint32(b[48:52])
	d.level3Offset = binary.LittleEndian.Uint64(b[56:64])
	d.level3Size = binary.LittleEndian.Uint64(b[64:72])
	d.level3BlockLog = binary.LittleEndian.Uint32(b[72:76])
	return d
}

// DifiPartitionParam configures a new Difi partition's layout, porting
// difi_partition.rs's DifiPartitionParam.
type DifiPartitionParam struct {
	DpfsLevel2BlockLen int64
	DpfsLevel3BlockLen int64
	IvfcLevel1BlockLen int64
	IvfcLevel2BlockLen int64
	IvfcLevel3BlockLen int64
	IvfcLevel4BlockLen int64
	DataLen            int64
	ExternalIvfcLevel4 bool
}

type difiPartitionInfo struct {
	header         difiHeader
	ivfc           ivfcDescriptor
	dpfs           dpfsDescriptor
	descriptorLen  int64
	partitionLen   int64
}

func ilog(blockLen int64) uint32 {
	n := uint32(0)
	for blockLen > 1 {
		blockLen >>= 1
		n++
	}
	return n
}

// ivfcAlign aligns offset to blockLen when len is at least 4 blocks,
// otherwise to 8 bytes — spec.md §4.5.1's layout-derivation rule.
func ivfcAlign(offset, length, blockLen int64) int64 {
	if length >= 4*blockLen {
		return alignUp(offset, blockLen)
	}
	return alignUp(offset, 8)
}

func calculateDifiInfo(param *DifiPartitionParam) difiPartitionInfo {
	ivfcLevel4Len := param.DataLen
	ivfcLevel3Len := divideUp(ivfcLevel4Len, param.IvfcLevel4BlockLen) * 0x20
	ivfcLevel2Len := divideUp(ivfcLevel3Len, param.IvfcLevel3BlockLen) * 0x20
	ivfcLevel1Len := divideUp(ivfcLevel2Len, param.IvfcLevel2BlockLen) * 0x20
	masterHashLen := divideUp(ivfcLevel1Len, param.IvfcLevel1BlockLen) * 0x20

	ivfcLevel1Offset := int64(0)
	ivfcLevel2Offset := ivfcAlign(ivfcLevel1Offset+ivfcLevel1Len, ivfcLevel2Len, param.IvfcLevel2BlockLen)
	ivfcLevel3Offset := ivfcAlign(ivfcLevel2Offset+ivfcLevel2Len, ivfcLevel3Len, param.IvfcLevel3BlockLen)
	ivfcLevel4Offset := ivfcAlign(ivfcLevel3Offset+ivfcLevel3Len, ivfcLevel4Len, param.IvfcLevel4BlockLen)
	ivfcEnd := ivfcLevel4Offset + ivfcLevel4Len

	duplicateDataLen := ivfcEnd
	if param.ExternalIvfcLevel4 {
		duplicateDataLen = ivfcLevel4Offset
	}

	dpfsLevel3Len := alignUp(duplicateDataLen, param.DpfsLevel3BlockLen)
	dpfsLevel2Len := alignUp((1+(dpfsLevel3Len/param.DpfsLevel3BlockLen-1)/32)*4, param.DpfsLevel2BlockLen)
	dpfsLevel1Len := (1 + (dpfsLevel2Len/param.DpfsLevel2BlockLen-1)/32) * 4

	dpfsLevel1Offset := int64(0)
	dpfsLevel2Offset := dpfsLevel1Offset + dpfsLevel1Len*2
	dpfsLevel3Offset := alignUp(dpfsLevel2Offset+dpfsLevel2Len*2, param.DpfsLevel3BlockLen)
	dpfsEnd := dpfsLevel3Offset + dpfsLevel3Len*2

	var partitionLen, externalIvfcLevel4Offset int64
	if param.ExternalIvfcLevel4 {
		externalIvfcLevel4Offset = alignUp(dpfsEnd, param.IvfcLevel4BlockLen)
		partitionLen = externalIvfcLevel4Offset + ivfcLevel4Len
	} else {
		partitionLen = dpfsEnd
	}

	dpfs := dpfsDescriptor{
		magic:          [4]byte{'D', 'P', 'F', 'S'},
		version:        0x10000,
		level1Offset:   uint64(dpfsLevel1Offset),
		level1Size:     uint64(dpfsLevel1Len),
		level2Offset:   uint64(dpfsLevel2Offset),
		level2Size:     uint64(dpfsLevel2Len),
		level2BlockLog: ilog(param.DpfsLevel2BlockLen),
		level3Offset:   uint64(dpfsLevel3Offset),
		level3Size:     uint64(dpfsLevel3Len),
		level3BlockLog: ilog(param.DpfsLevel3BlockLen),
	}

	ivfc := ivfcDescriptor{
		magic:          [4]byte{'I', 'V', 'F', 'C'},
		version:        0x20000,
		masterHashSize: uint64(masterHashLen),
		level1Offset:   uint64(ivfcLevel1Offset),
		level1Size:     uint64(ivfcLevel1Len),
		level1BlockLog: ilog(param.IvfcLevel1BlockLen),
		level2Offset:   uint64(ivfcLevel2Offset),
		level2Size:     uint64(ivfcLevel2Len),
		level2BlockLog: ilog(param.IvfcLevel2BlockLen),
		level3Offset:   uint64(ivfcLevel3Offset),
		level3Size:     uint64(ivfcLevel3Len),
		level3BlockLog: ilog(param.IvfcLevel3BlockLen),
		level4Offset:   uint64(ivfcLevel4Offset),
		level4Size:     uint64(ivfcLevel4Len),
		level4BlockLog: ilog(param.IvfcLevel4BlockLen),
		descriptorSize: ivfcDescriptorLen,
	}

	ivfcDescriptorOffset := int64(difiHeaderLen)
	dpfsDescriptorOffset := ivfcDescriptorOffset + ivfcDescriptorLen
	masterHashOffset := dpfsDescriptorOffset + dpfsDescriptorLen
	descriptorLen := masterHashOffset + masterHashLen

	header := difiHeader{
		magic:                [4]byte{'D', 'I', 'F', 'I'},
		version:              0x10000,
		ivfcDescriptorOffset: uint64(ivfcDescriptorOffset),
		ivfcDescriptorSize:   ivfcDescriptorLen,
		dpfsDescriptorOffset: uint64(dpfsDescriptorOffset),
		dpfsDescriptorSize:   dpfsDescriptorLen,
		partitionHashOffset:  uint64(masterHashOffset),
		partitionHashSize:    uint64(masterHashLen),
		ivfcLevel4Offset:     uint64(externalIvfcLevel4Offset),
	}
	if param.ExternalIvfcLevel4 {
		header.externalIvfcLevel4 = 1
	}

	return difiPartitionInfo{
		header:        header,
		ivfc:          ivfc,
		dpfs:          dpfs,
		descriptorLen: descriptorLen,
		partitionLen:  partitionLen,
	}
}

// CalculateDifiSize returns the required (descriptorLen, partitionLen)
// for a partition with the given parameters, without allocating anything.
func CalculateDifiSize(param *DifiPartitionParam) (descriptorLen, partitionLen int64) {
	info := calculateDifiInfo(param)
	return info.descriptorLen, info.partitionLen
}

// FormatDifiPartition writes the three zeroed sub-descriptors (Difi
// header, Ivfc descriptor, Dpfs descriptor) to descriptor at their
// computed offsets. The caller writes payload and Commits separately to
// materialize hashes and selectors (spec.md §4.5).
func FormatDifiPartition(descriptor BlockDevice, param *DifiPartitionParam) error {
	info := calculateDifiInfo(param)
	if err := descriptor.Write(0, info.header.marshal()); err != nil {
		return err
	}
	if err := descriptor.Write(int64(info.header.ivfcDescriptorOffset), info.ivfc.marshal()); err != nil {
		return err
	}
	if err := descriptor.Write(int64(info.header.dpfsDescriptorOffset), info.dpfs.marshal()); err != nil {
		return err
	}
	return nil
}

// Difi is the composite partition wiring Dual+Dpfs×2+Ivfc×4 behind one
// descriptor header, porting difi_partition.rs's DifiPartition
// (spec.md §4.5).
type Difi struct {
	withLogger
	dpfsLevel1 *Dual
	dpfsLevel2 *Dpfs
	dpfsLevel3 *Dpfs
	ivfcLevel1 *Ivfc
	ivfcLevel2 *Ivfc
	ivfcLevel3 *Ivfc
	ivfcLevel4 *Ivfc
}

// SetLogger attaches a logger to the Difi and every layer it composes.
func (d *Difi) SetLogger(log *slog.Logger) {
	d.withLogger.SetLogger(log)
	d.dpfsLevel1.SetLogger(log)
	d.dpfsLevel2.SetLogger(log)
	d.dpfsLevel3.SetLogger(log)
	d.ivfcLevel1.SetLogger(log)
	d.ivfcLevel2.SetLogger(log)
	d.ivfcLevel3.SetLogger(log)
	d.ivfcLevel4.SetLogger(log)
}

// NewDifi parses descriptor and builds the full layer stack over
// partition. descriptor carries the Difi/Ivfc/Dpfs headers and the
// master hash; partition is the raw payload region.
func NewDifi(descriptor, partition BlockDevice) (*Difi, error) {
	var hbuf [difiHeaderLen]byte
	if err := descriptor.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header := unmarshalDifiHeader(hbuf[:])
	if header.magic != [4]byte{'D', 'I', 'F', 'I'} || header.version != 0x10000 {
		return nil, wrap("new difi", KindMagicMismatch, nil)
	}
	if header.ivfcDescriptorSize != ivfcDescriptorLen {
		return nil, wrap("new difi", KindSizeMismatch, nil)
	}
	ivfcBuf := make([]byte, ivfcDescriptorLen)
	if err := descriptor.Read(int64(header.ivfcDescriptorOffset), ivfcBuf); err != nil {
		return nil, err
	}
	ivfc := unmarshalIvfcDescriptor(ivfcBuf)
	if ivfc.magic != [4]byte{'I', 'V', 'F', 'C'} || ivfc.version != 0x20000 {
		return nil, wrap("new difi", KindMagicMismatch, nil)
	}
	if header.partitionHashSize != ivfc.masterHashSize {
		return nil, wrap("new difi", KindSizeMismatch, nil)
	}

	if header.dpfsDescriptorSize != dpfsDescriptorLen {
		return nil, wrap("new difi", KindSizeMismatch, nil)
	}
	dpfsBuf := make([]byte, dpfsDescriptorLen)
	if err := descriptor.Read(int64(header.dpfsDescriptorOffset), dpfsBuf); err != nil {
		return nil, err
	}
	dpfs := unmarshalDpfsDescriptor(dpfsBuf)
	if dpfs.magic != [4]byte{'D', 'P', 'F', 'S'} || dpfs.version != 0x10000 {
		return nil, wrap("new difi", KindMagicMismatch, nil)
	}

	dpfsLevel0, err := NewSubFile(descriptor, dpfsSelectorOffset, 1)
	if err != nil {
		return nil, err
	}

	dpfsLevel1PairA, err := NewSubFile(partition, int64(dpfs.level1Offset), int64(dpfs.level1Size))
	if err != nil {
		return nil, err
	}
	dpfsLevel1PairB, err := NewSubFile(partition, int64(dpfs.level1Offset+dpfs.level1Size), int64(dpfs.level1Size))
	if err != nil {
		return nil, err
	}
	dpfsLevel2PairA, err := NewSubFile(partition, int64(dpfs.level2Offset), int64(dpfs.level2Size))
	if err != nil {
		return nil, err
	}
	dpfsLevel2PairB, err := NewSubFile(partition, int64(dpfs.level2Offset+dpfs.level2Size), int64(dpfs.level2Size))
	if err != nil {
		return nil, err
	}
	dpfsLevel3PairA, err := NewSubFile(partition, int64(dpfs.level3Offset), int64(dpfs.level3Size))
	if err != nil {
		return nil, err
	}
	dpfsLevel3PairB, err := NewSubFile(partition, int64(dpfs.level3Offset+dpfs.level3Size), int64(dpfs.level3Size))
	if err != nil {
		return nil, err
	}

	dpfsLevel1, err := NewDual(dpfsLevel0, [2]BlockDevice{dpfsLevel1PairA, dpfsLevel1PairB})
	if err != nil {
		return nil, err
	}
	dpfsLevel2, err := NewDpfs(dpfsLevel1, [2]BlockDevice{dpfsLevel2PairA, dpfsLevel2PairB}, 1<<dpfs.level2BlockLog)
	if err != nil {
		return nil, err
	}
	dpfsLevel3, err := NewDpfs(dpfsLevel2, [2]BlockDevice{dpfsLevel3PairA, dpfsLevel3PairB}, 1<<dpfs.level3BlockLog)
	if err != nil {
		return nil, err
	}

	ivfcLevel0, err := NewSubFile(descriptor, int64(header.partitionHashOffset), int64(header.partitionHashSize))
	if err != nil {
		return nil, err
	}

	ivfcLevel1Data, err := NewSubFile(dpfsLevel3, int64(ivfc.level1Offset), int64(ivfc.level1Size))
	if err != nil {
		return nil, err
	}
	ivfcLevel1, err := NewIvfc(ivfcLevel0, ivfcLevel1Data, 1<<ivfc.level1BlockLog)
	if err != nil {
		return nil, err
	}

	ivfcLevel2Data, err := NewSubFile(dpfsLevel3, int64(ivfc.level2Offset), int64(ivfc.level2Size))
	if err != nil {
		return nil, err
	}
	ivfcLevel2, err := NewIvfc(ivfcLevel1, ivfcLevel2Data, 1<<ivfc.level2BlockLog)
	if err != nil {
		return nil, err
	}

	ivfcLevel3Data, err := NewSubFile(dpfsLevel3, int64(ivfc.level3Offset), int64(ivfc.level3Size))
	if err != nil {
		return nil, err
	}
	ivfcLevel3, err := NewIvfc(ivfcLevel2, ivfcLevel3Data, 1<<ivfc.level3BlockLog)
	if err != nil {
		return nil, err
	}

	var ivfcLevel4Data BlockDevice
	if header.externalIvfcLevel4 == 0 {
		ivfcLevel4Data, err = NewSubFile(dpfsLevel3, int64(ivfc.level4Offset), int64(ivfc.level4Size))
	} else {
		ivfcLevel4Data, err = NewSubFile(partition, int64(header.ivfcLevel4Offset), int64(ivfc.level4Size))
	}
	if err != nil {
		return nil, err
	}
	ivfcLevel4, err := NewIvfc(ivfcLevel3, ivfcLevel4Data, 1<<ivfc.level4BlockLog)
	if err != nil {
		return nil, err
	}

	return &Difi{
		dpfsLevel1: dpfsLevel1,
		dpfsLevel2: dpfsLevel2,
		dpfsLevel3: dpfsLevel3,
		ivfcLevel1: ivfcLevel1,
		ivfcLevel2: ivfcLevel2,
		ivfcLevel3: ivfcLevel3,
		ivfcLevel4: ivfcLevel4,
	}, nil
}

func (d *Difi) Read(pos int64, buf []byte) error  { return d.ivfcLevel4.Read(pos, buf) }
func (d *Difi) Write(pos int64, buf []byte) error { return d.ivfcLevel4.Write(pos, buf) }
func (d *Difi) Len() int64                        { return d.ivfcLevel4.Len() }

// Commit cascades bottom-up through the Ivfc levels (4→1) then top-down
// through the Dpfs levels (3→2→1): each Ivfc commit writes its hash
// device, which is the next data device inward, so the outer Ivfc levels
// must commit after the inner ones or they'd hash stale data; the Dpfs
// order mirrors it the other way because the selector device nests the
// same way (spec.md §4.5).
func (d *Difi) Commit() error {
	if err := d.ivfcLevel4.Commit(); err != nil {
		return err
	}
	if err := d.ivfcLevel3.Commit(); err != nil {
		return err
	}
	if err := d.ivfcLevel2.Commit(); err != nil {
		return err
	}
	if err := d.ivfcLevel1.Commit(); err != nil {
		return err
	}
	if err := d.dpfsLevel3.Commit(); err != nil {
		return err
	}
	if err := d.dpfsLevel2.Commit(); err != nil {
		return err
	}
	d.debug("committed partition")
	return d.dpfsLevel1.Commit()
}
