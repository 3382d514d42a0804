package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
)

// EncodeParts renders a block bitmap as comma separated start,end block pairs
// with exclusive ends.
func EncodeParts(parts *roaring.Bitmap) string {
	if parts == nil || parts.IsEmpty() {
		return ""
	}
	var (
		b          strings.Builder
		start, end uint32
		open       bool
	)
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(start), 10))
		b.WriteByte(',')
		b.WriteString(strconv.FormatUint(uint64(end), 10))
	}
	it := parts.Iterator()
	for it.HasNext() {
		i := it.Next()
		if open && i == end {
			end++
			continue
		}
		if open {
			flush()
		}
		start, end, open = i, i+1, true
	}
	flush()
	return b.String()
}

// DecodeParts parses the EncodeParts form.
func DecodeParts(s string) (*roaring.Bitmap, error) {
	parts := roaring.New()
	if s == "" {
		return parts, nil
	}
	fields := strings.Split(s, ",")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd number of part bounds: %d", len(fields))
	}
	for i := 0; i < len(fields); i += 2 {
		start, err := strconv.ParseUint(fields[i], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid part start: %w", err)
		}
		end, err := strconv.ParseUint(fields[i+1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid part end: %w", err)
		}
		if end <= start {
			return nil, fmt.Errorf("empty part %d-%d", start, end)
		}
		parts.AddRange(start, end)
	}
	return parts, nil
}
