package save3ds

import (
	"encoding/binary"
	"log/slog"
)

const disaHeaderLen = 0x69

// disaHeader is the fixed record at offset 0x100 of a Disa container,
// porting disa.rs's DisaHeader. Bytes [0, 0x100) ahead of it hold the
// AES-CMAC signature over this header (spec.md §4.6).
type disaHeader struct {
	magic                [4]byte
	version               uint32
	partitionCount        uint32
	padding1              uint32
	secondaryTableOffset  uint64
	primaryTableOffset    uint64
	tableSize             uint64
	partitionDescOffset   [2]uint64
	partitionDescSize     [2]uint64
	partitionOffset       [2]uint64
	partitionSize         [2]uint64
	activeTable           uint8
}

func unmarshalDisaHeader(b []byte) disaHeader {
	var h disaHeader
	copy(h.magic[:], b[0:4])
	h.version = binary.LittleEndian.Uint32(b[4:8])
	h.partitionCount = binary.LittleEndian.Uint32(b[8:12])
	h.padding1 = binary.LittleEndian.Uint32(b[12:16])
	h.secondaryTableOffset = binary.LittleEndian.Uint64(b[16:24])
	h.primaryTableOffset = binary.LittleEndian.Uint64(b[24:32])
	h.tableSize = binary.LittleEndian.Uint64(b[32:40])
	h.partitionDescOffset[0] = binary.LittleEndian.Uint64(b[40:48])
	h.partitionDescSize[0] = binary.LittleEndian.Uint64(b[48:56])
	h.partitionDescOffset[1] = binary.LittleEndian.Uint64(b[56:64])
	h.partitionDescSize[1] = binary.LittleEndian.Uint64(b[64:72])
	h.partitionOffset[0] = binary.LittleEndian.Uint64(b[72:80])
	h.partitionSize[0] = binary.LittleEndian.Uint64(b[80:88])
	h.partitionOffset[1] = binary.LittleEndian.Uint64(b[88:96])
	h.partitionSize[1] = binary.LittleEndian.Uint64(b[96:104])
	h.activeTable = b[104]
	return h
}

func (h *disaHeader) marshal() []byte {
	b := make([]byte, disaHeaderLen)
	copy(b[0:4], h.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.version)
	binary.LittleEndian.PutUint32(b[8:12], h.partitionCount)
	binary.LittleEndian.PutUint32(b[12:16], h.padding1)
	binary.LittleEndian.PutUint64(b[16:24], h.secondaryTableOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.primaryTableOffset)
	binary.LittleEndian.PutUint64(b[32:40], h.tableSize)
	binary.LittleEndian.PutUint64(b[40:48], h.partitionDescOffset[0])
	binary.LittleEndian.PutUint64(b[48:56], h.partitionDescSize[0])
	binary.LittleEndian.PutUint64(b[56:64], h.partitionDescOffset[1])
	binary.LittleEndian.PutUint64(b[64:72], h.partitionDescSize[1])
	binary.LittleEndian.PutUint64(b[72:80], h.partitionOffset[0])
	binary.LittleEndian.PutUint64(b[80:88], h.partitionSize[0])
	binary.LittleEndian.PutUint64(b[88:96], h.partitionOffset[1])
	binary.LittleEndian.PutUint64(b[96:104], h.partitionSize[1])
	b[104] = h.activeTable
	return b
}

// Disa is a 1- or 2-partition save container: a CMAC-signed header holds
// an A/B master table (itself Ivfc-protected) whose entries describe each
// partition's Difi layout (spec.md §4.6). Unlike disa.rs's own
// unfinished version, the header here is routed through SignedFile
// whenever a signer is given; with a nil signer (the Bare signing
// variant) it is read and written unsigned.
type Disa struct {
	withLogger
	headerFile BlockDevice
	tableUpper *Dual
	tableLower *Ivfc
	partitions []*Difi
}

// loggable is implemented by every layer type that carries a withLogger.
type loggable interface {
	SetLogger(log *slog.Logger)
}

// SetLogger attaches a logger to the Disa and every layer it composes.
func (d *Disa) SetLogger(log *slog.Logger) {
	d.withLogger.SetLogger(log)
	if l, ok := d.headerFile.(loggable); ok {
		l.SetLogger(log)
	}
	d.tableUpper.SetLogger(log)
	d.tableLower.SetLogger(log)
	for _, p := range d.partitions {
		p.SetLogger(log)
	}
}

// NewDisa parses a Disa container out of file. If signer is non-nil, the
// header at [0x100, 0x200) is authenticated by a SignedFile keyed by
// key, with its signature stored at [0, 0x10).
func NewDisa(file BlockDevice, signer Signer, key [16]byte) (*Disa, error) {
	headerBare, err := NewSubFile(file, 0x100, 0x100)
	if err != nil {
		return nil, err
	}
	var headerFile BlockDevice = headerBare
	if signer != nil {
		sig, err := NewSubFile(file, 0, 0x10)
		if err != nil {
			return nil, err
		}
		headerFile, err = NewSignedFile(sig, headerBare, signer, key)
		if err != nil {
			return nil, err
		}
	}

	var hbuf [disaHeaderLen]byte
	if err := headerFile.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header := unmarshalDisaHeader(hbuf[:])
	if header.magic != [4]byte{'D', 'I', 'S', 'A'} || header.version != 0x40000 {
		return nil, wrap("new disa", KindMagicMismatch, nil)
	}
	if header.partitionCount != 1 && header.partitionCount != 2 {
		return nil, wrap("new disa", KindInvalidValue, nil)
	}

	tableSelector, err := NewSubFile(headerFile, 0x68, 1)
	if err != nil {
		return nil, err
	}
	tableHash, err := NewSubFile(headerFile, 0x6C, 0x20)
	if err != nil {
		return nil, err
	}
	primary, err := NewSubFile(file, int64(header.primaryTableOffset), int64(header.tableSize))
	if err != nil {
		return nil, err
	}
	secondary, err := NewSubFile(file, int64(header.secondaryTableOffset), int64(header.tableSize))
	if err != nil {
		return nil, err
	}
	tableUpper, err := NewDual(tableSelector, [2]BlockDevice{primary, secondary})
	if err != nil {
		return nil, err
	}
	tableLower, err := NewIvfc(tableHash, tableUpper, int64(header.tableSize))
	if err != nil {
		return nil, err
	}

	partitions := make([]*Difi, header.partitionCount)
	for i := 0; i < int(header.partitionCount); i++ {
		descriptor, err := NewSubFile(tableLower, int64(header.partitionDescOffset[i]), int64(header.partitionDescSize[i]))
		if err != nil {
			return nil, err
		}
		partition, err := NewSubFile(file, int64(header.partitionOffset[i]), int64(header.partitionSize[i]))
		if err != nil {
			return nil, err
		}
		difi, err := NewDifi(descriptor, partition)
		if err != nil {
			return nil, err
		}
		partitions[i] = difi
	}

	return &Disa{
		headerFile: headerFile,
		tableUpper: tableUpper,
		tableLower: tableLower,
		partitions: partitions,
	}, nil
}

// PartitionCount returns 1 or 2.
func (d *Disa) PartitionCount() int { return len(d.partitions) }

// Partition returns the Difi partition at index (0-based).
func (d *Disa) Partition(index int) *Difi { return d.partitions[index] }

// Commit cascades partitions, then the master table (Ivfc before Dual,
// same inner-before-outer rule as Difi), then the header.
func (d *Disa) Commit() error {
	for _, p := range d.partitions {
		if err := p.Commit(); err != nil {
			return err
		}
	}
	if err := d.tableLower.Commit(); err != nil {
		return err
	}
	if err := d.tableUpper.Commit(); err != nil {
		return err
	}
	d.debug("committed disa container", "partitions", len(d.partitions))
	return d.headerFile.Commit()
}
