package queue

import (
	"fmt"
	"math"

	"github.com/google/btree"
)

// Segment is the half-open byte range [Start, Start+Size). A Size of -1
// extends to the end of the file.
type Segment struct {
	Start      int64
	Size       int64
	Overlapped bool
}

func (s Segment) End() int64 {
	if s.Size < 0 {
		return math.MaxInt64
	}
	return s.Start + s.Size
}

func (s Segment) Empty() bool {
	return s.Size == 0
}

func (s Segment) Contains(o Segment) bool {
	return s.Start <= o.Start && o.End() <= s.End()
}

func (s Segment) Overlaps(o Segment) bool {
	if s.Size == 0 || o.Size == 0 || s.Size < -1 || o.Size < -1 {
		return false
	}
	return s.Start < o.End() && o.Start < s.End()
}

func (s Segment) String() string {
	if s.Size < 0 {
		return fmt.Sprintf("[%d, EOF)", s.Start)
	}
	return fmt.Sprintf("[%d, %d)", s.Start, s.End())
}

func overlapLen(a, b Segment) int64 {
	n := min64(a.End(), b.End()) - max64(a.Start, b.Start)
	if n < 0 {
		return 0
	}
	return n
}

func segmentLess(a, b Segment) bool {
	return a.Start < b.Start
}

// segmentSet keeps disjoint, coalesced segments ordered by start.
type segmentSet struct {
	tree  *btree.BTreeG[Segment]
	bytes int64
}

func newSegmentSet() *segmentSet {
	return &segmentSet{tree: btree.NewG[Segment](8, segmentLess)}
}

func (s *segmentSet) Len() int {
	return s.tree.Len()
}

func (s *segmentSet) Bytes() int64 {
	return s.bytes
}

func (s *segmentSet) Segments() []Segment {
	out := make([]Segment, 0, s.tree.Len())
	s.tree.Ascend(func(seg Segment) bool {
		out = append(out, seg)
		return true
	})
	return out
}

// Add merges seg and returns the number of bytes it newly covers.
func (s *segmentSet) Add(seg Segment) int64 {
	if seg.Size <= 0 {
		return 0
	}
	seg.Overlapped = false

	var touching []Segment
	s.tree.DescendLessOrEqual(seg, func(prev Segment) bool {
		if prev.End() >= seg.Start {
			touching = append(touching, prev)
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(Segment{Start: seg.Start + 1}, func(next Segment) bool {
		if next.Start > seg.End() {
			return false
		}
		touching = append(touching, next)
		return true
	})

	added := seg.Size
	start, end := seg.Start, seg.End()
	for _, o := range touching {
		added -= overlapLen(seg, o)
		start = min64(start, o.Start)
		end = max64(end, o.End())
		s.tree.Delete(o)
		s.bytes -= o.Size
	}
	s.tree.ReplaceOrInsert(Segment{Start: start, Size: end - start})
	s.bytes += end - start
	return added
}

// Covers reports whether seg lies entirely inside one done segment.
func (s *segmentSet) Covers(seg Segment) bool {
	covered := false
	s.tree.DescendLessOrEqual(Segment{Start: seg.Start}, func(prev Segment) bool {
		covered = prev.Contains(seg)
		return false
	})
	return covered
}

func (s *segmentSet) Clear() {
	s.tree.Clear(false)
	s.bytes = 0
}
