package dimcard

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// The reader bridge is a dumb serial dongle holding the card slot: it
// shuttles SPI frames to the card, samples the card-detect line and drives
// the two LEDs. All policy lives on this side of the wire.
//
// Protocol (single-letter commands, big-endian lengths):
//
//	'V'                          -> 10 byte version string ("OPENRESET" + digit)
//	'd'                          -> 1 byte card detect (1 = present)
//	'x' <bits>                   -> 1 byte ack
//	't' <wlen:2> <rlen:2> <data> -> rlen bytes of SPI read data
type Transport interface {
	// One SPI transaction: assert CS, clock out write, clock in readlen
	// bytes, release CS.
	Transfer(write []byte, readlen int) ([]byte, error)
	// Sample the card-detect line.
	CardDetect() (bool, error)
	// Set the raw LED bits (see LedPower / LedStatus).
	SetLed(bits uint8) error
}

const (
	LedPower  uint8 = 0x01
	LedStatus uint8 = 0x02

	// Largest SPI payload a single bridge frame may carry, either
	// direction. Longer operations are chunked by the flash driver.
	MaxTransfer = 4096

	BridgeVersionPrefix = "OPENRESET"
	bridgeVersionLength = 10
)

// Bridge VID/PID pairs (RP2040-based readers enumerate as Pico CDC).
var BridgeVidPidTable = map[string]string{
	"VID:PID=2E8A:000A": "OpenReset Bridge (Pico)",
	"VID:PID=2E8A:0009": "OpenReset Bridge (Pico prototype)",
}

func VersionCommand() []byte {
	return []byte{'V'}
}

func DetectCommand() []byte {
	return []byte{'d'}
}

func LedCommand(bits uint8) []byte {
	return []byte{'x', bits}
}

// Produce the framing for one SPI transaction (data follows separately).
func TransferCommand(writelen int, readlen int) []byte {
	return []byte{'t',
		byte(writelen >> 8), byte(writelen & 0xFF),
		byte(readlen >> 8), byte(readlen & 0xFF),
	}
}

// wire latches the first error and turns partial reads/writes into
// fully-blocking ones, so command sequences read linearly and check the
// error once at the end.
type wire struct {
	rw  io.ReadWriter
	err error
}

func (w *wire) loop(b []byte, f func([]byte) (int, error)) {
	if w.err != nil {
		return
	}
	done := 0
	for done < len(b) {
		count, err := f(b[done:])
		if err != nil {
			w.err = err
			return
		}
		if count <= 0 {
			w.err = errors.New("PROGRAM ERROR: wire transfer made no progress")
			return
		}
		done += count
	}
}

func (w *wire) write(b []byte) { w.loop(b, w.rw.Write) }
func (w *wire) read(b []byte)  { w.loop(b, w.rw.Read) }

// BridgeTransport implements Transport over a serial connection to the
// reader bridge.
type BridgeTransport struct {
	conn io.ReadWriter
}

func NewBridgeTransport(conn io.ReadWriter) *BridgeTransport {
	return &BridgeTransport{conn: conn}
}

func (t *BridgeTransport) Transfer(write []byte, readlen int) ([]byte, error) {
	if len(write) > MaxTransfer || readlen > MaxTransfer {
		return nil, fmt.Errorf("Transfer too large: %d out, %d in (max %d)", len(write), readlen, MaxTransfer)
	}
	w := wire{rw: t.conn}
	w.write(TransferCommand(len(write), readlen))
	w.write(write)
	result := make([]byte, readlen)
	w.read(result)
	return result, w.err
}

func (t *BridgeTransport) CardDetect() (bool, error) {
	w := wire{rw: t.conn}
	w.write(DetectCommand())
	var sample [1]byte
	w.read(sample[:])
	return sample[0] != 0, w.err
}

func (t *BridgeTransport) SetLed(bits uint8) error {
	w := wire{rw: t.conn}
	w.write(LedCommand(bits))
	var ack [1]byte
	w.read(ack[:])
	return w.err
}

// Handshake with the bridge and return its version string.
func (t *BridgeTransport) Hello() (string, error) {
	w := wire{rw: t.conn}
	w.write(VersionCommand())
	version := make([]byte, bridgeVersionLength)
	w.read(version)
	if w.err != nil {
		return "", w.err
	}
	if !strings.HasPrefix(string(version), BridgeVersionPrefix) {
		return "", fmt.Errorf("Device doesn't speak the bridge protocol (got %q)", string(version))
	}
	return string(version), nil
}

// Basic info about a candidate bridge port, before opening it.
type BridgeInfo struct {
	Port    string
	VidPid  string
	Product string
	Board   string
}

func (b *BridgeInfo) SmallString() string {
	return fmt.Sprintf("%s(%s)", b.Port, b.Board)
}

// Scan the system for serial ports that look like reader bridges. Ports are
// not opened; this only inspects enumeration data.
func GetBridgeDevices() ([]*BridgeInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	result := make([]*BridgeInfo, 0)
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		vidpid := fmt.Sprintf("VID:PID=%s:%s", strings.ToUpper(port.VID), strings.ToUpper(port.PID))
		board, ok := BridgeVidPidTable[vidpid]
		if !ok {
			continue
		}
		result = append(result, &BridgeInfo{
			Port:    port.Name,
			VidPid:  vidpid,
			Product: port.Product,
			Board:   board,
		})
	}
	return result, nil
}

// Open the given port (or the first bridge found, for "any") and handshake.
func ConnectBridge(device string) (io.ReadWriteCloser, *BridgeInfo, error) {
	var info *BridgeInfo
	if device == "any" || device == "" {
		devices, err := GetBridgeDevices()
		if err != nil {
			return nil, nil, err
		}
		if len(devices) == 0 {
			return nil, nil, errors.New("No reader bridge found")
		}
		info = devices[0]
	} else {
		info = &BridgeInfo{Port: device, Board: "user-specified"}
	}
	mode := &serial.Mode{BaudRate: 115200}
	conn, err := serial.Open(info.Port, mode)
	if err != nil {
		return nil, nil, err
	}
	tr := NewBridgeTransport(conn)
	if _, err := tr.Hello(); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, info, nil
}
