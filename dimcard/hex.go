package dimcard

import (
	"io"

	"github.com/marcinbor85/gohex"
)

// Flatten an Intel HEX stream into a contiguous binary. Gaps between
// segments are filled with 0xFF (erased flash), and the image starts at the
// lowest segment address.
func HexToBin(reader io.Reader) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(reader); err != nil {
		return nil, err
	}
	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return []byte{}, nil
	}
	base := segments[0].Address
	end := base
	for _, seg := range segments {
		if seg.Address < base {
			base = seg.Address
		}
		if segEnd := seg.Address + uint32(len(seg.Data)); segEnd > end {
			end = segEnd
		}
	}
	result := make([]byte, end-base)
	for i := range result {
		result[i] = 0xFF
	}
	for _, seg := range segments {
		copy(result[seg.Address-base:], seg.Data)
	}
	return result, nil
}
