package dimcard

import (
	"bytes"
	"testing"
)

// pipeConn is a scripted io.ReadWriter: reads come from the preloaded
// response buffer, writes are captured for inspection.
type pipeConn struct {
	responses bytes.Buffer
	written   bytes.Buffer
}

func (p *pipeConn) Read(b []byte) (int, error) {
	return p.responses.Read(b)
}

func (p *pipeConn) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

func TestBridgeTransport_TransferFraming(t *testing.T) {
	conn := &pipeConn{}
	conn.responses.Write([]byte{0xAA, 0xBB})
	tr := NewBridgeTransport(conn)
	result, err := tr.Transfer([]byte{0x9F}, 2)
	if err != nil {
		t.Fatalf("Transfer failed: %s", err)
	}
	if !bytes.Equal(result, []byte{0xAA, 0xBB}) {
		t.Fatalf("Wrong response data: %v", result)
	}
	expect := []byte{'t', 0x00, 0x01, 0x00, 0x02, 0x9F}
	if !bytes.Equal(conn.written.Bytes(), expect) {
		t.Fatalf("Wrong framing: %v, expected %v", conn.written.Bytes(), expect)
	}
}

func TestBridgeTransport_TransferTooLarge(t *testing.T) {
	tr := NewBridgeTransport(&pipeConn{})
	if _, err := tr.Transfer(make([]byte, MaxTransfer+1), 0); err == nil {
		t.Fatal("Expected oversized write to be rejected")
	}
	if _, err := tr.Transfer(nil, MaxTransfer+1); err == nil {
		t.Fatal("Expected oversized read to be rejected")
	}
}

func TestBridgeTransport_CardDetect(t *testing.T) {
	conn := &pipeConn{}
	conn.responses.Write([]byte{0x01, 0x00})
	tr := NewBridgeTransport(conn)
	present, err := tr.CardDetect()
	if err != nil {
		t.Fatalf("CardDetect failed: %s", err)
	}
	if !present {
		t.Fatal("Expected card present")
	}
	present, err = tr.CardDetect()
	if err != nil {
		t.Fatalf("CardDetect failed: %s", err)
	}
	if present {
		t.Fatal("Expected card absent")
	}
	if !bytes.Equal(conn.written.Bytes(), []byte{'d', 'd'}) {
		t.Fatalf("Wrong detect framing: %v", conn.written.Bytes())
	}
}

func TestBridgeTransport_SetLed(t *testing.T) {
	conn := &pipeConn{}
	conn.responses.Write([]byte{0x00})
	tr := NewBridgeTransport(conn)
	if err := tr.SetLed(LedPower | LedStatus); err != nil {
		t.Fatalf("SetLed failed: %s", err)
	}
	if !bytes.Equal(conn.written.Bytes(), []byte{'x', 0x03}) {
		t.Fatalf("Wrong led framing: %v", conn.written.Bytes())
	}
}

func TestBridgeTransport_Hello(t *testing.T) {
	conn := &pipeConn{}
	conn.responses.WriteString("OPENRESET1")
	tr := NewBridgeTransport(conn)
	version, err := tr.Hello()
	if err != nil {
		t.Fatalf("Hello failed: %s", err)
	}
	if version != "OPENRESET1" {
		t.Fatalf("Wrong version: %s", version)
	}
}

func TestBridgeTransport_HelloWrongDevice(t *testing.T) {
	conn := &pipeConn{}
	conn.responses.WriteString("ATAOK\r\n???")
	tr := NewBridgeTransport(conn)
	if _, err := tr.Hello(); err == nil {
		t.Fatal("Expected a protocol mismatch error")
	}
}

func TestWire_ShortReads(t *testing.T) {
	// The wire must keep reading until the buffer fills even when the
	// underlying reader returns one byte at a time.
	conn := &pipeConn{}
	conn.responses.Write([]byte{1, 2, 3, 4})
	w := wire{rw: &oneByteReader{inner: conn}}
	buf := make([]byte, 4)
	w.read(buf)
	if w.err != nil {
		t.Fatalf("Read failed: %s", w.err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("Wrong data: %v", buf)
	}
}

type oneByteReader struct {
	inner *pipeConn
}

func (o *oneByteReader) Read(b []byte) (int, error) {
	if len(b) > 1 {
		b = b[:1]
	}
	return o.inner.Read(b)
}

func (o *oneByteReader) Write(b []byte) (int, error) {
	return o.inner.Write(b)
}
