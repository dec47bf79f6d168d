package dimcard

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SPI NOR command set shared by every chip the supported card families use.
const (
	opReadID      = 0x9F
	opReadStatus  = 0x05
	opReadConfig  = 0x15
	opWriteStatus = 0x01
	opWriteEnable = 0x06
	opRead        = 0x03
	opPageProgram = 0x02
	opSectorErase = 0x20 // 4KB
	opBlockErase  = 0xD8 // 64KB
)

const (
	FlashPageSize   = 256
	FlashSectorSize = 4096
	FlashBlockSize  = 65536

	statusWIP = 0x01 // write in progress
	statusWEL = 0x02 // write enable latch
	statusQE  = 0x40 // quad enable, must be preserved across protection changes
	statusBP  = 0x3C // block protection bits BP0-3

	// Datasheet worst case for a block erase is 1s; add margin.
	WriteWaitTimeout = 1200 * time.Millisecond
	writePollDelay   = 2 * time.Millisecond
)

// JEDEC manufacturer bank 1 assignments for the vendors seen in the wild.
var JedecManufacturerKeys = map[byte]string{
	0x01: "Spansion",
	0x14: "Cypress",
	0x1C: "EON",
	0x1F: "Adesto(Atmel)",
	0x20: "Micron",
	0x37: "AMIC",
	0x9D: "ISSI",
	0xC2: "Macronix",
	0xC8: "Giga Device",
	0xBF: "Microchip",
	0xEF: "Winbond",
}

// The three-byte JEDEC identifier returned by RDID.
type JedecID [3]byte

func (j JedecID) String() string {
	return hex.EncodeToString(j[:])
}

func (j JedecID) Manufacturer() string {
	if name, ok := JedecManufacturerKeys[j[0]]; ok {
		return name
	}
	return "unknown"
}

// Static description of a storage chip we know how to drive. The table below
// is the complete set of chips found in genuine cards; anything else fails
// classification with WrongFlashChip.
type FlashDescriptor struct {
	ID       JedecID
	Name     string
	Capacity int
	// Chips with a configuration register (Macronix style) need WRSR to
	// carry both bytes when touching block protection.
	HasConfigReg bool
}

var KnownFlash = []FlashDescriptor{
	{ID: JedecID{0xC2, 0x20, 0x16}, Name: "MX25L3233F", Capacity: 0x400000, HasConfigReg: true},
	{ID: JedecID{0xC8, 0x40, 0x14}, Name: "GD25Q80E", Capacity: 0x100000},
	{ID: JedecID{0xC8, 0x40, 0x15}, Name: "GD25Q16E", Capacity: 0x200000},
}

func LookupFlash(id JedecID) *FlashDescriptor {
	for i := range KnownFlash {
		if KnownFlash[i].ID == id {
			return &KnownFlash[i]
		}
	}
	return nil
}

// Flash is the raw block access contract the engine runs against. No method
// verifies its own writes: read-back verification is the engine's policy.
type Flash interface {
	Identify() (JedecID, error)
	Read(offset uint32, length int) ([]byte, error)
	Write(offset uint32, data []byte) error
	EraseSector(offset uint32) error
	EraseBlock(offset uint32) error
	SetProtection(on bool) error
}

// SpiFlash drives a NOR chip through a reader bridge Transport. Every
// transaction goes through the bounded retry wrapper, so persistent
// transport faults resolve to CardNotResponding rather than a hang.
type SpiFlash struct {
	tr    Transport
	retry RetryConfig
	desc  *FlashDescriptor
}

func NewSpiFlash(tr Transport) *SpiFlash {
	return &SpiFlash{tr: tr, retry: DefaultRetry}
}

func NewSpiFlashRetry(tr Transport, retry RetryConfig) *SpiFlash {
	return &SpiFlash{tr: tr, retry: retry}
}

// Descriptor of the identified chip, nil before Identify (or for chips not
// in the table).
func (f *SpiFlash) Descriptor() *FlashDescriptor {
	return f.desc
}

func (f *SpiFlash) transfer(write []byte, readlen int) ([]byte, error) {
	var result []byte
	err := f.retry.Do(func() error {
		var terr error
		result, terr = f.tr.Transfer(write, readlen)
		return terr
	})
	return result, err
}

func (f *SpiFlash) Identify() (JedecID, error) {
	var id JedecID
	resp, err := f.transfer([]byte{opReadID}, 3)
	if err != nil {
		return id, err
	}
	copy(id[:], resp)
	f.desc = LookupFlash(id)
	return id, nil
}

func (f *SpiFlash) readStatus() (byte, error) {
	resp, err := f.transfer([]byte{opReadStatus}, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (f *SpiFlash) readConfig() (byte, error) {
	resp, err := f.transfer([]byte{opReadConfig}, 1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (f *SpiFlash) writeEnable() error {
	_, err := f.transfer([]byte{opWriteEnable}, 0)
	return err
}

// Poll the status register until WIP and WEL clear, bounded by
// WriteWaitTimeout. Timing out means the chip wedged mid-write.
func (f *SpiFlash) waitWriteComplete() error {
	deadline := time.Now().Add(WriteWaitTimeout)
	for {
		sr, err := f.readStatus()
		if err != nil {
			return err
		}
		if sr&(statusWIP|statusWEL) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return cardErrorf(ErrCardNotResponding, "write did not complete within %s", WriteWaitTimeout)
		}
		time.Sleep(writePollDelay)
	}
}

func addressedCommand(op byte, offset uint32) []byte {
	return []byte{op, byte(offset >> 16), byte(offset >> 8), byte(offset)}
}

func (f *SpiFlash) Read(offset uint32, length int) ([]byte, error) {
	result := make([]byte, 0, length)
	for length > 0 {
		chunk := length
		if chunk > MaxTransfer {
			chunk = MaxTransfer
		}
		resp, err := f.transfer(addressedCommand(opRead, offset), chunk)
		if err != nil {
			return nil, err
		}
		result = append(result, resp...)
		offset += uint32(chunk)
		length -= chunk
	}
	return result, nil
}

// Program data starting at offset, split on page boundaries. The target
// range must already be erased; Write never erases.
func (f *SpiFlash) Write(offset uint32, data []byte) error {
	for len(data) > 0 {
		chunk := FlashPageSize - int(offset%FlashPageSize)
		if chunk > len(data) {
			chunk = len(data)
		}
		if err := f.writeEnable(); err != nil {
			return err
		}
		cmd := append(addressedCommand(opPageProgram, offset), data[:chunk]...)
		if _, err := f.transfer(cmd, 0); err != nil {
			return err
		}
		if err := f.waitWriteComplete(); err != nil {
			return err
		}
		offset += uint32(chunk)
		data = data[chunk:]
	}
	return nil
}

func (f *SpiFlash) erase(op byte, offset uint32) error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if _, err := f.transfer(addressedCommand(op, offset), 0); err != nil {
		return err
	}
	return f.waitWriteComplete()
}

func (f *SpiFlash) EraseSector(offset uint32) error {
	if offset%FlashSectorSize != 0 {
		return fmt.Errorf("Sector erase offset 0x%06x not sector aligned", offset)
	}
	return f.erase(opSectorErase, offset)
}

func (f *SpiFlash) EraseBlock(offset uint32) error {
	if offset%FlashBlockSize != 0 {
		return fmt.Errorf("Block erase offset 0x%06x not block aligned", offset)
	}
	return f.erase(opBlockErase, offset)
}

// Set or clear the BP0-3 block protection bits, preserving QE. Chips with a
// configuration register get it written back untouched alongside the status
// byte, since WRSR on those parts always writes both.
func (f *SpiFlash) SetProtection(on bool) error {
	sr, err := f.readStatus()
	if err != nil {
		return err
	}
	sr &= statusQE
	if on {
		sr |= statusBP
	}
	cmd := []byte{opWriteStatus, sr}
	if f.desc != nil && f.desc.HasConfigReg {
		cr, err := f.readConfig()
		if err != nil {
			return err
		}
		cmd = append(cmd, cr)
	}
	if err := f.writeEnable(); err != nil {
		return err
	}
	if _, err := f.transfer(cmd, 0); err != nil {
		return err
	}
	return f.waitWriteComplete()
}
