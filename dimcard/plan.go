package dimcard

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// How a step clears its target range before (or instead of) programming.
type EraseUnit int

const (
	EraseSector EraseUnit = iota // 4KB sectors
	EraseBlock                   // 64KB blocks
)

func (u EraseUnit) size() uint32 {
	if u == EraseBlock {
		return FlashBlockSize
	}
	return FlashSectorSize
}

// Step is one raw modify operation: erase the target range and, for patch
// steps, program the payload. Pre gates execution (nil = unconditional,
// used by erase steps whose target holds variable user data); Post is the
// required state after the step and doubles as the already-applied marker.
type Step struct {
	Offset  uint32
	Length  int
	Pre     *Checksum
	Post    Checksum
	Payload []byte // nil for pure-erase steps
	Unit    EraseUnit
}

// Perform the step's destructive work. No verification happens here; the
// engine owns the read-back policy.
func (s *Step) apply(f Flash) error {
	unit := s.Unit.size()
	for addr := s.Offset; addr < s.Offset+uint32(s.Length); addr += unit {
		var err error
		if s.Unit == EraseBlock {
			err = f.EraseBlock(addr)
		} else {
			err = f.EraseSector(addr)
		}
		if err != nil {
			return err
		}
	}
	if s.Payload != nil {
		return f.Write(s.Offset, s.Payload)
	}
	return nil
}

// Fixed-width plan identifier, stored in progress records.
type PlanID [8]byte

func MakePlanID(name string) PlanID {
	var id PlanID
	copy(id[:], name)
	return id
}

func (p PlanID) String() string {
	return strings.TrimRight(string(p[:]), "\x00")
}

// Plan is the immutable ordered sequence of steps for one session. Selected
// once per session and never mutated afterwards.
type Plan struct {
	ID     PlanID
	Family Family
	Steps  []Step
	// Start of the reserved progress sector. Per plan because the chips
	// differ in size and some plans rewrite the top of their chip.
	ProgressOffset uint32
	// Plans for chips that ship with block protection engaged need it
	// lifted for the duration of the run.
	ManageProtection bool
}

// Reject plans whose steps could corrupt the progress record: nothing a
// step writes may overlap the reserved sector.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("Plan %s has no steps", p.ID)
	}
	resStart := p.ProgressOffset
	resEnd := p.ProgressOffset + FlashSectorSize
	for i, s := range p.Steps {
		if s.Length <= 0 {
			return fmt.Errorf("Plan %s step %d has length %d", p.ID, i, s.Length)
		}
		if s.Payload != nil && len(s.Payload) != s.Length {
			return fmt.Errorf("Plan %s step %d payload is %d bytes, want %d", p.ID, i, len(s.Payload), s.Length)
		}
		unit := s.Unit.size()
		if s.Offset%unit != 0 {
			return fmt.Errorf("Plan %s step %d offset 0x%06x not aligned to erase unit", p.ID, i, s.Offset)
		}
		// The erase footprint rounds up to the erase unit.
		start := s.Offset
		end := s.Offset + ((uint32(s.Length)+unit-1)/unit)*unit
		if start < resEnd && end > resStart {
			return fmt.Errorf("Plan %s step %d overlaps the progress region", p.ID, i)
		}
	}
	return nil
}

// A PlanBuilder constructs the plan for an identified card. Builders may
// read the card (the header rebuild does) but must not write it.
type PlanBuilder func(f Flash, id *CardIdentity) (*Plan, error)

type planKey struct {
	family  Family
	version int
}

// PlanRegistry maps family + content version to a plan builder.
type PlanRegistry struct {
	builders map[planKey]PlanBuilder
}

func NewPlanRegistry() *PlanRegistry {
	reg := &PlanRegistry{builders: make(map[planKey]PlanBuilder)}
	reg.Register(FamilyDiM, 0, dimErasePlan)
	reg.Register(FamilyTamaSma, 0, tamaSmaHeaderPlan)
	reg.Register(FamilyPreData, 0, preDataWipePlan)
	return reg
}

func (r *PlanRegistry) Register(family Family, version int, b PlanBuilder) {
	r.builders[planKey{family, version}] = b
}

// The family/version combinations with a registered plan, sorted.
type PlanInfo struct {
	Family  Family
	Version int
}

func (r *PlanRegistry) Available() []PlanInfo {
	result := make([]PlanInfo, 0, len(r.builders))
	for key := range r.builders {
		result = append(result, PlanInfo{Family: key.family, Version: key.version})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Family != result[j].Family {
			return result[i].Family < result[j].Family
		}
		return result[i].Version < result[j].Version
	})
	return result
}

// Build and validate the plan for the identified card. A missing entry is
// the NoPatchAvailable terminal error.
func (r *PlanRegistry) Select(f Flash, id *CardIdentity) (*Plan, error) {
	builder, ok := r.builders[planKey{id.Family, id.Version}]
	if !ok {
		return nil, cardErrorf(ErrNoPatchAvailable, "no plan for family %s version %d", id.Family, id.Version)
	}
	plan, err := builder(f, id)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ---------------------------------------------------------------------------
// Builtin plans
// ---------------------------------------------------------------------------

// Usage-data blocks on a DiM card. Erasing them returns the card to its
// factory state.
var dimEraseAddrs = []uint32{0x10000, 0x90000, 0xA0000}

func dimErasePlan(f Flash, id *CardIdentity) (*Plan, error) {
	erased := ErasedChecksum(FlashBlockSize)
	steps := make([]Step, 0, len(dimEraseAddrs))
	for _, addr := range dimEraseAddrs {
		steps = append(steps, Step{
			Offset: addr,
			Length: FlashBlockSize,
			Post:   erased,
			Unit:   EraseBlock,
		})
	}
	return &Plan{
		ID:               MakePlanID("DIMERASE"),
		Family:           FamilyDiM,
		Steps:            steps,
		ProgressOffset:   0x3FF000, // last sector of the 4MB MX25L3233F
		ManageProtection: true,
	}, nil
}

const (
	tamaHeaderSector = 0x1000 // whole first sector is rebuilt
	tamaHeaderPage   = 0x100
	tamaLockStart    = 0x04
	tamaLockEnd      = 0x10
	tamaSumStart     = 0x40
	tamaSumEnd       = 0x50
)

// Rebuild the TamaSma header sector: clear the lock bytes, recompute the
// header md5 (stored little-endian, i.e. reversed digest), zero the
// remainder of the sector. Built against the live header so the payload is
// exact for this card.
func tamaSmaHeaderPlan(f Flash, id *CardIdentity) (*Plan, error) {
	live, err := f.Read(0, tamaHeaderSector)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, tamaHeaderSector)
	copy(payload[:tamaHeaderPage], live[:tamaHeaderPage])
	for i := tamaLockStart; i < tamaLockEnd; i++ {
		payload[i] = 0
	}
	sum := md5.Sum(payload[:tamaSumStart])
	for i := 0; i < len(sum); i++ {
		payload[tamaSumStart+i] = sum[len(sum)-1-i]
	}
	for i := tamaSumEnd; i < tamaHeaderPage; i++ {
		payload[i] = 0
	}

	pre := ChecksumBytes(live)
	return &Plan{
		ID:     MakePlanID("TAMAHDR"),
		Family: FamilyTamaSma,
		Steps: []Step{{
			Offset:  0,
			Length:  tamaHeaderSector,
			Pre:     &pre,
			Post:    ChecksumBytes(payload),
			Payload: payload,
			Unit:    EraseSector,
		}},
		ProgressOffset: 0x1000, // sector after the rebuilt header
	}, nil
}

// Lock area at the top of the PreData chip: three sectors erased and
// zero-filled.
var preDataWipeAddrs = []uint32{0xFD000, 0xFE000, 0xFF000}

func preDataWipePlan(f Flash, id *CardIdentity) (*Plan, error) {
	zeros := make([]byte, FlashSectorSize)
	post := ZeroChecksum(FlashSectorSize)
	steps := make([]Step, 0, len(preDataWipeAddrs))
	for _, addr := range preDataWipeAddrs {
		steps = append(steps, Step{
			Offset:  addr,
			Length:  FlashSectorSize,
			Post:    post,
			Payload: zeros,
			Unit:    EraseSector,
		})
	}
	return &Plan{
		ID:             MakePlanID("PREDATA"),
		Family:         FamilyPreData,
		Steps:          steps,
		ProgressOffset: 0xFC000, // sector below the wiped lock area
	}, nil
}
