package dimcard

import (
	"encoding/hex"
	"log"
)

// Family is the card/content category a probe recognizes. The builtin set
// covers every card the device supports; plan scripts may add more.
type Family string

const (
	FamilyDiM     Family = "dim"
	FamilyTamaSma Family = "tamasma"
	FamilyPreData Family = "predata"
)

const SerialLength = 16

// FamilyProbe describes how to recognize one card family: hash a fixed ID
// region and compare against the digest of known-genuine content. The card
// serial is the leading bytes of the same region, which no plan ever
// permanently destroys.
type FamilyProbe struct {
	Family   Family
	IDOffset uint32
	IDLength int
	// Index into the ID region holding the content version byte, masked to
	// zero before hashing so every version of a family shares one digest.
	// -1 when the family has a single known version.
	VersionIndex int
	Digest       Checksum
	// Expected chip for this family; nil skips the chip check (cards built
	// around interchangeable generic parts).
	ChipID *JedecID
}

func mustChecksum(hexdigest string) Checksum {
	c, err := ParseChecksum(hexdigest)
	if err != nil {
		panic("bad builtin digest: " + err.Error())
	}
	return c
}

func jedec(a, b, c byte) *JedecID {
	id := JedecID{a, b, c}
	return &id
}

// Digests of the ID regions of genuine cards, taken from known-good units.
var familyProbes = []FamilyProbe{
	{
		Family:       FamilyDiM,
		IDOffset:     0x10,
		IDLength:     0x22,
		VersionIndex: -1,
		Digest:       mustChecksum("b2dcb5077c68d2d540de10459a0618232a2117d348ac10f2898fb15c61468482"),
		ChipID:       jedec(0xC2, 0x20, 0x16), // MX25L3233F
	},
	{
		Family:       FamilyTamaSma,
		IDOffset:     0x10,
		IDLength:     0x22,
		VersionIndex: -1,
		Digest:       mustChecksum("12efbb0ad793d7d0d216dadb301466a2c3d0b1b1777ccd9bfe4d29d2c77a7fba"),
	},
	{
		Family:       FamilyPreData,
		IDOffset:     0x10,
		IDLength:     0x20,
		VersionIndex: -1,
		Digest:       mustChecksum("da153a437d99e07891fcc77346d67a0cde9c75a14480283701c8e28b51a60b74"),
		ChipID:       jedec(0xC8, 0x40, 0x14), // GD25Q80E
	},
}

// Add a probe to the recognition set (used by plan scripts for field-built
// cards). Probes are matched in registration order, builtins first.
func RegisterFamily(probe FamilyProbe) {
	familyProbes = append(familyProbes, probe)
}

// Everything the session knows about the inserted card. Derived fresh each
// session, never persisted except as the serial inside a progress record.
type CardIdentity struct {
	Family  Family
	Version int
	Serial  [SerialLength]byte
	Jedec   JedecID
	Chip    *FlashDescriptor
}

func (id *CardIdentity) SerialString() string {
	return hex.EncodeToString(id.Serial[:])
}

// Classify the inserted card: family probe first, chip check second. The
// ordering is deliberate; a card that is the wrong type entirely must
// report WrongCardType even if its chip is also unrecognized.
func Classify(f Flash) (*CardIdentity, error) {
	var matched *FamilyProbe
	version := 0
	var idRegion []byte
	for i := range familyProbes {
		probe := &familyProbes[i]
		region, err := f.Read(probe.IDOffset, probe.IDLength)
		if err != nil {
			return nil, err
		}
		hashed := region
		v := 0
		if probe.VersionIndex >= 0 && probe.VersionIndex < len(region) {
			hashed = make([]byte, len(region))
			copy(hashed, region)
			v = int(hashed[probe.VersionIndex])
			hashed[probe.VersionIndex] = 0
		}
		if ChecksumBytes(hashed) == probe.Digest {
			matched = probe
			version = v
			idRegion = region
			break
		}
		idRegion = region
	}
	if matched == nil {
		log.Printf("Card type check failed. Read data: %s", hex.EncodeToString(idRegion))
		return nil, cardErrorf(ErrWrongCardType, "ID region matched no known family")
	}

	jid, err := f.Identify()
	if err != nil {
		return nil, err
	}
	if matched.ChipID != nil && *matched.ChipID != jid {
		log.Printf("Flash ID didn't match. Read ID: %s (%s)", jid, jid.Manufacturer())
		return nil, cardErrorf(ErrWrongFlashChip, "chip %s not valid for family %s", jid, matched.Family)
	}

	id := &CardIdentity{
		Family:  matched.Family,
		Version: version,
		Jedec:   jid,
		Chip:    LookupFlash(jid),
	}
	copy(id.Serial[:], idRegion)
	return id, nil
}
