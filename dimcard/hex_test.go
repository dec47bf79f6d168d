package dimcard

import (
	"bytes"
	"strings"
	"testing"
)

// Two records with a gap between them, starting at 0x0010.
const sampleHex = `:10001000000102030405060708090A0B0C0D0E0F68
:04002000DEADBEEFA4
:00000001FF
`

func TestHexToBin(t *testing.T) {
	bin, err := HexToBin(strings.NewReader(sampleHex))
	if err != nil {
		t.Fatalf("HexToBin failed: %s", err)
	}
	// Image spans 0x0010 to 0x0024, based at the lowest address.
	if len(bin) != 0x14 {
		t.Fatalf("Expected 0x14 bytes, got 0x%x", len(bin))
	}
	for i := 0; i < 16; i++ {
		if bin[i] != byte(i) {
			t.Fatalf("Byte %d is 0x%02x", i, bin[i])
		}
	}
	if !bytes.Equal(bin[0x10:], []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("Second segment wrong: %v", bin[0x10:])
	}
}

func TestHexToBin_GapFill(t *testing.T) {
	gapped := `:0100100042AD
:01002000AA35
:00000001FF
`
	bin, err := HexToBin(strings.NewReader(gapped))
	if err != nil {
		t.Fatalf("HexToBin failed: %s", err)
	}
	if len(bin) != 0x11 {
		t.Fatalf("Expected 0x11 bytes, got 0x%x", len(bin))
	}
	if bin[0] != 0x42 || bin[0x10] != 0xAA {
		t.Fatal("Segment data misplaced")
	}
	for i := 1; i < 0x10; i++ {
		if bin[i] != 0xFF {
			t.Fatalf("Gap byte %d not erased-filled", i)
		}
	}
}

func TestHexToBin_BadInput(t *testing.T) {
	if _, err := HexToBin(strings.NewReader("not a hex file")); err == nil {
		t.Fatal("Expected garbage input to fail")
	}
}
