package save3ds

import (
	"encoding/binary"
	"log/slog"
)

const diffHeaderLen = 0x5C

// diffHeader is the fixed record at offset 0x100 of a Diff container,
// porting diff.rs's DiffHeader. Bytes [0, 0x100) ahead of it hold the
// AES-CMAC signature over this header when the container is signed
// (spec.md §4.6).
type diffHeader struct {
	magic                [4]byte
	version              uint32
	secondaryTableOffset uint64
	primaryTableOffset   uint64
	tableSize            uint64
	partitionOffset      uint64
	partitionSize        uint64
	activeTable          uint8
	padding              [3]byte
	sha                  [0x20]byte
	uniqueID             uint64
}

func unmarshalDiffHeader(b []byte) diffHeader {
	var h diffHeader
	copy(h.magic[:], b[0:4])
	h.version = binary.LittleEndian.Uint32(b[4:8])
	h.secondaryTableOffset = binary.LittleEndian.Uint64(b[8:16])
	h.primaryTableOffset = binary.LittleEndian.Uint64(b[16:24])
	h.tableSize = binary.LittleEndian.Uint64(b[24:32])
	h.partitionOffset = binary.LittleEndian.Uint64(b[32:40])
	h.partitionSize = binary.LittleEndian.Uint64(b[40:48])
	h.activeTable = b[48]
	copy(h.padding[:], b[49:52])
	copy(h.sha[:], b[52:84])
	h.uniqueID = binary.LittleEndian.Uint64(b[84:92])
	return h
}

func (h *diffHeader) marshal() []byte {
	b := make([]byte, diffHeaderLen)
	copy(b[0:4], h.magic[:])
	binary.LittleEndian.PutUint32(b[4:8], h.version)
	binary.LittleEndian.PutUint64(b[8:16], h.secondaryTableOffset)
	binary.LittleEndian.PutUint64(b[16:24], h.primaryTableOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.tableSize)
	binary.LittleEndian.PutUint64(b[32:40], h.partitionOffset)
	binary.LittleEndian.PutUint64(b[40:48], h.partitionSize)
	b[48] = h.activeTable
	copy(b[49:52], h.padding[:])
	copy(b[52:84], h.sha[:])
	binary.LittleEndian.PutUint64(b[84:92], h.uniqueID)
	return b
}

// Diff is a single-partition container with a unique id, used for
// extdata blobs and title databases (spec.md §4.6). Structurally it is
// Disa with exactly one partition plus a uniqueID field; it is kept as
// its own type because its header layout and signing defaults differ
// (Diff is signed by default in every container that uses it, Disa's
// Save variant can be Bare).
type Diff struct {
	withLogger
	headerFile BlockDevice
	tableUpper *Dual
	tableLower *Ivfc
	partition  *Difi
	uniqueID   uint64
}

// SetLogger attaches a logger to the Diff and every layer it composes.
func (d *Diff) SetLogger(log *slog.Logger) {
	d.withLogger.SetLogger(log)
	if l, ok := d.headerFile.(loggable); ok {
		l.SetLogger(log)
	}
	d.tableUpper.SetLogger(log)
	d.tableLower.SetLogger(log)
	d.partition.SetLogger(log)
}

// NewDiff parses a Diff container out of file, as NewDisa does for Disa.
func NewDiff(file BlockDevice, signer Signer, key [16]byte) (*Diff, error) {
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

	var hbuf [diffHeaderLen]byte
	if err := headerFile.Read(0, hbuf[:]); err != nil {
		return nil, err
	}
	header := unmarshalDiffHeader(hbuf[:])
	if header.magic != [4]byte{'D', 'I', 'F', 'F'} || header.version != 0x30000 {
		return nil, wrap("new diff", KindMagicMismatch, nil)
	}

	tableSelector, err := NewSubFile(headerFile, 0x30, 1)
	if err != nil {
		return nil, err
	}
	tableHash, err := NewSubFile(headerFile, 0x34, 0x20)
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

	partitionData, err := NewSubFile(file, int64(header.partitionOffset), int64(header.partitionSize))
	if err != nil {
		return nil, err
	}
	partition, err := NewDifi(tableLower, partitionData)
	if err != nil {
		return nil, err
	}

	return &Diff{
		headerFile: headerFile,
		tableUpper: tableUpper,
		tableLower: tableLower,
		partition:  partition,
		uniqueID:   header.uniqueID,
	}, nil
}

// Partition returns the container's single Difi partition.
func (d *Diff) Partition() *Difi { return d.partition }

// UniqueID returns the identifier a referencing file info cross-checks
// on open (spec.md's extdata `unique_id` check).
func (d *Diff) UniqueID() uint64 { return d.uniqueID }

// Commit cascades the partition, then the master table, then the header.
func (d *Diff) Commit() error {
	if err := d.partition.Commit(); err != nil {
		return err
	}
	if err := d.tableLower.Commit(); err != nil {
		return err
	}
	if err := d.tableUpper.Commit(); err != nil {
		return err
	}
	d.debug("committed diff container", "uniqueID", d.uniqueID)
	return d.headerFile.Commit()
}
