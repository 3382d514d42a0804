package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

var ErrInvalidPartialSearch = errors.New("invalid partial search")

// PartialSearch asks a peer for its blocks of TTH while telling it ours.
// Parts of nil means no blocks.
type PartialSearch struct {
	TTH       string
	BlockSize int64
	Parts     *roaring.Bitmap
}

func (p PartialSearch) String() string {
	return fmt.Sprintf("PSR TR%s BS%d PI%s", p.TTH, p.BlockSize, EncodeParts(p.Parts))
}

// ParsePartialSearch parses the String form. Fields may come in any order.
func ParsePartialSearch(line string) (PartialSearch, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "PSR" {
		return PartialSearch{}, ErrInvalidPartialSearch
	}

	p := PartialSearch{Parts: roaring.New()}
	for _, f := range fields[1:] {
		if len(f) < 2 {
			return PartialSearch{}, fmt.Errorf("%w: field %q", ErrInvalidPartialSearch, f)
		}
		switch f[:2] {
		case "TR":
			p.TTH = f[2:]
		case "BS":
			bs, err := strconv.ParseInt(f[2:], 10, 64)
			if err != nil || bs <= 0 {
				return PartialSearch{}, fmt.Errorf("%w: block size %q", ErrInvalidPartialSearch, f[2:])
			}
			p.BlockSize = bs
		case "PI":
			parts, err := DecodeParts(f[2:])
			if err != nil {
				return PartialSearch{}, fmt.Errorf("%w: %v", ErrInvalidPartialSearch, err)
			}
			p.Parts = parts
		}
	}
	if p.TTH == "" {
		return PartialSearch{}, fmt.Errorf("%w: missing hash", ErrInvalidPartialSearch)
	}
	return p, nil
}
