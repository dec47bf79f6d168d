package dimcard

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// On-card progress record, one 256-byte page at the start of the plan's
// reserved sector. Layout (little-endian, fixed width; this is persisted
// format, do not reorder):
//
//	0x00  magic "ORPR" (4)
//	0x04  format version (1)
//	0x05  reserved, zero (3)
//	0x08  owning card serial (16)
//	0x18  plan id (8)
//	0x20  last completed step index, uint32 (4)
//	0x24  checksum snapshot at that step (32)
//	0x44  crc32-C over bytes 0x00..0x44 (4)
//
// The rest of the page is 0xFF. A page program is the chip's write
// atomicity unit, so the record commits in a single bounded write; a crash
// between the sector erase and the program leaves a record that fails the
// magic/crc check and reads as absent, which is safe because steps are
// idempotent.
const (
	progressMagic         = "ORPR"
	progressFormatVersion = 1
	progressRecordLength  = 0x48
)

var progressCrcTable = crc32.MakeTable(crc32.Castagnoli)

type ProgressRecord struct {
	Serial    [SerialLength]byte
	Plan      PlanID
	StepIndex uint32
	Checksum  Checksum
}

func (r *ProgressRecord) encode() []byte {
	page := bytes.Repeat([]byte{0xFF}, FlashPageSize)
	copy(page[0x00:], progressMagic)
	page[0x04] = progressFormatVersion
	page[0x05], page[0x06], page[0x07] = 0, 0, 0
	copy(page[0x08:], r.Serial[:])
	copy(page[0x18:], r.Plan[:])
	binary.LittleEndian.PutUint32(page[0x20:], r.StepIndex)
	copy(page[0x24:], r.Checksum[:])
	crc := crc32.Checksum(page[:0x44], progressCrcTable)
	binary.LittleEndian.PutUint32(page[0x44:], crc)
	return page
}

// Parse a record page. Returns nil (not an error) for anything that isn't
// a well-formed record: never-written flash, torn saves, unknown versions.
func parseProgressRecord(page []byte) *ProgressRecord {
	if len(page) < progressRecordLength {
		return nil
	}
	if string(page[0x00:0x04]) != progressMagic {
		return nil
	}
	if page[0x04] != progressFormatVersion {
		return nil
	}
	crc := crc32.Checksum(page[:0x44], progressCrcTable)
	if binary.LittleEndian.Uint32(page[0x44:]) != crc {
		return nil
	}
	var r ProgressRecord
	copy(r.Serial[:], page[0x08:0x18])
	copy(r.Plan[:], page[0x18:0x20])
	r.StepIndex = binary.LittleEndian.Uint32(page[0x20:])
	copy(r.Checksum[:], page[0x24:0x44])
	return &r
}

// ProgressStore reads and writes the single progress record in the plan's
// reserved sector. There is only ever one active card, so one record with
// overwrite-in-place semantics is all that's needed.
type ProgressStore struct {
	flash  Flash
	offset uint32
}

func NewProgressStore(f Flash, offset uint32) *ProgressStore {
	return &ProgressStore{flash: f, offset: offset}
}

// Load the record, or nil if none is present (or a previous save tore).
func (s *ProgressStore) Load() (*ProgressRecord, error) {
	page, err := s.flash.Read(s.offset, FlashPageSize)
	if err != nil {
		return nil, err
	}
	return parseProgressRecord(page), nil
}

// Overwrite the record. Durability is not re-verified here; the next
// session's Load is the integrity check.
func (s *ProgressStore) Save(r *ProgressRecord) error {
	if err := s.flash.EraseSector(s.offset); err != nil {
		return err
	}
	return s.flash.Write(s.offset, r.encode())
}
