package dimcard

import (
	"bytes"
	"fmt"
	"testing"
)

const testCardSize = 0x10000

// memFlash is an in-memory Flash for engine and store tests: starts fully
// erased, tracks destructive operations so tests can assert what was (not)
// touched.
type memFlash struct {
	data      []byte
	jedec     JedecID
	protected bool

	eraseLog []uint32
	writeLog []uint32
	// Remaining reads that should fail, for retry/transport-fault tests.
	failReads int
}

func newMemFlash(size int) *memFlash {
	return &memFlash{
		data:  bytes.Repeat([]byte{0xFF}, size),
		jedec: JedecID{0xC8, 0x40, 0x14},
	}
}

func (m *memFlash) Identify() (JedecID, error) {
	return m.jedec, nil
}

func (m *memFlash) Read(offset uint32, length int) ([]byte, error) {
	if m.failReads > 0 {
		m.failReads--
		return nil, fmt.Errorf("injected read failure")
	}
	if int(offset)+length > len(m.data) {
		return nil, fmt.Errorf("read past end of card: 0x%06x+%d", offset, length)
	}
	result := make([]byte, length)
	copy(result, m.data[offset:])
	return result, nil
}

func (m *memFlash) Write(offset uint32, data []byte) error {
	if int(offset)+len(data) > len(m.data) {
		return fmt.Errorf("write past end of card: 0x%06x+%d", offset, len(data))
	}
	copy(m.data[offset:], data)
	m.writeLog = append(m.writeLog, offset)
	return nil
}

func (m *memFlash) eraseRange(offset uint32, size uint32) error {
	if int(offset+size) > len(m.data) {
		return fmt.Errorf("erase past end of card: 0x%06x", offset)
	}
	for i := offset; i < offset+size; i++ {
		m.data[i] = 0xFF
	}
	m.eraseLog = append(m.eraseLog, offset)
	return nil
}

func (m *memFlash) EraseSector(offset uint32) error {
	return m.eraseRange(offset, FlashSectorSize)
}

func (m *memFlash) EraseBlock(offset uint32) error {
	return m.eraseRange(offset, FlashBlockSize)
}

func (m *memFlash) SetProtection(on bool) error {
	m.protected = on
	return nil
}

// Destructive operations (erases) below the given offset, to prove plan
// regions were left alone.
func (m *memFlash) erasesBelow(offset uint32) int {
	count := 0
	for _, addr := range m.eraseLog {
		if addr < offset {
			count++
		}
	}
	return count
}

// Seed a recognizable test card: deterministic ID region content at 0x10,
// a family probe registered for it, serial returned for assertions. Family
// names must be unique per test since probes are global.
func seedTestCard(t *testing.T, f *memFlash, family string) [SerialLength]byte {
	t.Helper()
	region := make([]byte, 0x22)
	copy(region, family)
	for i := len(family); i < len(region); i++ {
		region[i] = byte(0x30 + i)
	}
	copy(f.data[0x10:], region)
	RegisterFamily(FamilyProbe{
		Family:       Family(family),
		IDOffset:     0x10,
		IDLength:     0x22,
		VersionIndex: -1,
		Digest:       ChecksumBytes(region),
	})
	var serial [SerialLength]byte
	copy(serial[:], region)
	return serial
}

const (
	testStepLength     = FlashSectorSize
	testStepBase       = uint32(0x2000)
	testProgressOffset = uint32(0x8000)
)

func testStepPayload(index int) []byte {
	return bytes.Repeat([]byte{byte(0xA0 + index)}, testStepLength)
}

// A three step patch plan over erased regions: every step has a strict
// precondition (erased) and a payload postcondition.
func registerTestPlan(reg *PlanRegistry, family string) {
	erased := ErasedChecksum(testStepLength)
	steps := make([]Step, 3)
	for i := range steps {
		pre := erased
		payload := testStepPayload(i)
		steps[i] = Step{
			Offset:  testStepBase + uint32(i)*testStepLength,
			Length:  testStepLength,
			Pre:     &pre,
			Post:    ChecksumBytes(payload),
			Payload: payload,
			Unit:    EraseSector,
		}
	}
	plan := &Plan{
		ID:             MakePlanID("TESTPLAN"),
		Family:         Family(family),
		Steps:          steps,
		ProgressOffset: testProgressOffset,
	}
	reg.Register(Family(family), 0, func(f Flash, id *CardIdentity) (*Plan, error) {
		return plan, nil
	})
}

func checkRegion(t *testing.T, f *memFlash, offset uint32, expect []byte) {
	t.Helper()
	if !bytes.Equal(f.data[offset:int(offset)+len(expect)], expect) {
		t.Fatalf("Region at 0x%06x doesn't hold expected content", offset)
	}
}
