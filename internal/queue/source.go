package queue

import (
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/samber/lo"
)

// SourceFlag records why a source is limited or excluded.
type SourceFlag uint16

const (
	SourceFileNotAvailable SourceFlag = 1 << iota
	SourceRemoved
	SourceBadTree
	SourceSlow
	SourceNoTree
	SourcePartial
	SourceTTHInconsistency
	SourceUntrusted
	SourceNoNeedParts
)

// hardSourceFlags exclude a source for the rest of the session.
const hardSourceFlags = SourceRemoved | SourceTTHInconsistency

var sourceFlagNames = []struct {
	flag SourceFlag
	name string
}{
	{SourceFileNotAvailable, "file-not-available"},
	{SourceRemoved, "removed"},
	{SourceBadTree, "bad-tree"},
	{SourceSlow, "slow"},
	{SourceNoTree, "no-tree"},
	{SourcePartial, "partial"},
	{SourceTTHInconsistency, "tth-inconsistency"},
	{SourceUntrusted, "untrusted"},
	{SourceNoNeedParts, "no-needed-parts"},
}

func (f SourceFlag) Has(o SourceFlag) bool {
	return f&o != 0
}

func (f SourceFlag) String() string {
	var names []string
	for _, n := range sourceFlagNames {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Source is a peer known to have the content of a QueueItem.
type Source struct {
	User      HintedUser
	Flags     SourceFlag
	Partial   *PartialSource
	removedAt time.Time
}

func (s *Source) IsSet(f SourceFlag) bool {
	return s.Flags.Has(f)
}

func (s *Source) SetFlag(f SourceFlag) {
	s.Flags |= f
}

func (s *Source) UnsetFlag(f SourceFlag) {
	s.Flags &^= f
}

func (s *Source) RemovedAt() time.Time {
	return s.removedAt
}

// updateHubHint moves the hub hint to one of the hubs the user is online
// on when the current hint is not among them.
func (s *Source) updateHubHint(hubs []string) {
	if len(hubs) > 0 && !lo.Contains(hubs, s.User.Hub) {
		s.User.Hub = hubs[0]
	}
}

// PartialSource describes a peer that is itself still downloading the file
// and shares the blocks it already has.
type PartialSource struct {
	BlockSize      int64
	Parts          *roaring.Bitmap
	NextQuery      time.Time
	PendingQueries int
}

func NewPartialSource(blockSize int64, parts *roaring.Bitmap) *PartialSource {
	if parts == nil {
		parts = roaring.New()
	}
	return &PartialSource{BlockSize: blockSize, Parts: parts}
}

// ranges converts the block bitmap into sorted byte ranges clipped to size.
func (p *PartialSource) ranges(fileSize, fallbackBlock int64) []Segment {
	bs := p.BlockSize
	if bs <= 0 {
		bs = fallbackBlock
	}
	var out []Segment
	it := p.Parts.Iterator()
	for it.HasNext() {
		i := int64(it.Next())
		start := i * bs
		if start >= fileSize {
			break
		}
		end := min64(start+bs, fileSize)
		if n := len(out); n > 0 && out[n-1].End() == start {
			out[n-1].Size = end - out[n-1].Start
			continue
		}
		out = append(out, Segment{Start: start, Size: end - start})
	}
	return out
}
