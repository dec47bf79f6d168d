package dimcard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Checksum is the fixed-width content hash used everywhere a step or a
// progress record needs to describe region contents: sha256, full width.
type Checksum [sha256.Size]byte

func ChecksumBytes(data []byte) Checksum {
	return sha256.Sum256(data)
}

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Parse a hex checksum string (as used in plan scripts).
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	raw, err := hex.DecodeString(s)
	if err != nil {
		return c, err
	}
	if len(raw) != len(c) {
		return c, cardErrorf(ErrChecksumMismatch, "checksum must be %d bytes, got %d", len(c), len(raw))
	}
	copy(c[:], raw)
	return c, nil
}

// Checksum of a freshly erased region (all 0xFF) of the given length.
func ErasedChecksum(length int) Checksum {
	return ChecksumBytes(bytes.Repeat([]byte{0xFF}, length))
}

// Checksum of an all-zero region of the given length.
func ZeroChecksum(length int) Checksum {
	return ChecksumBytes(make([]byte, length))
}

// Read a region off the card and hash it.
func ChecksumRegion(f Flash, offset uint32, length int) (Checksum, error) {
	data, err := f.Read(offset, length)
	if err != nil {
		return Checksum{}, err
	}
	return ChecksumBytes(data), nil
}
