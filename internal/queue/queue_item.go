package queue

import (
	"math"
	"path"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"swarmq/internal/hashing"
)

// ItemFlag describes what kind of content a QueueItem is.
type ItemFlag uint16

const (
	ItemUserList ItemFlag = 1 << iota
	ItemPartialList
	ItemClientView
	ItemMatchQueue
	ItemPrivate
)

func (f ItemFlag) Has(o ItemFlag) bool {
	return f&o != 0
}

// ItemStatus tracks a finished item through verification and moving.
type ItemStatus uint8

const (
	ItemQueued ItemStatus = iota
	ItemDownloaded
	ItemHashing
	ItemHashed
	ItemMoved
	ItemHashFailed
)

func (s ItemStatus) String() string {
	switch s {
	case ItemQueued:
		return "queued"
	case ItemDownloaded:
		return "downloaded"
	case ItemHashing:
		return "hashing"
	case ItemHashed:
		return "hashed"
	case ItemMoved:
		return "completed"
	case ItemHashFailed:
		return "hash-failed"
	}
	return "unknown"
}

// QueueItem is one target file and its download state. It is not safe for
// concurrent use; the Manager serializes access.
type QueueItem struct {
	target       string
	tempTarget   string
	size         int64
	tth          hashing.Value
	priority     Priority
	autoPriority bool
	added        time.Time
	flags        ItemFlag
	status       ItemStatus
	maxSegments  int
	blockSize    int64
	smallFile    bool
	rechecking   bool
	listPath     string

	done       *segmentSet
	sources    []*Source
	badSources []*Source
	downloads  []*Download
	bundle     BundleToken
}

func NewQueueItem(target string, size int64, tth hashing.Value, prio Priority, flags ItemFlag, added time.Time) *QueueItem {
	return &QueueItem{
		target:      target,
		size:        size,
		tth:         tth,
		priority:    prio,
		flags:       flags,
		added:       added,
		maxSegments: 1,
		done:        newSegmentSet(),
	}
}

func (qi *QueueItem) Target() string         { return qi.target }
func (qi *QueueItem) TempTarget() string     { return qi.tempTarget }
func (qi *QueueItem) Size() int64            { return qi.size }
func (qi *QueueItem) TTH() hashing.Value     { return qi.tth }
func (qi *QueueItem) Priority() Priority     { return qi.priority }
func (qi *QueueItem) AutoPriority() bool     { return qi.autoPriority }
func (qi *QueueItem) Added() time.Time       { return qi.added }
func (qi *QueueItem) Flags() ItemFlag        { return qi.flags }
func (qi *QueueItem) Status() ItemStatus     { return qi.status }
func (qi *QueueItem) Bundle() BundleToken    { return qi.bundle }
func (qi *QueueItem) MaxSegments() int       { return qi.maxSegments }
func (qi *QueueItem) Done() []Segment        { return qi.done.Segments() }
func (qi *QueueItem) DownloadedBytes() int64 { return qi.done.Bytes() }

func (qi *QueueItem) SetMaxSegments(n int) {
	if n < 1 {
		n = 1
	}
	qi.maxSegments = n
}

func (qi *QueueItem) Sources() []*Source {
	return append([]*Source(nil), qi.sources...)
}

func (qi *QueueItem) BadSources() []*Source {
	return append([]*Source(nil), qi.badSources...)
}

func (qi *QueueItem) Downloads() []*Download {
	return append([]*Download(nil), qi.downloads...)
}

func (qi *QueueItem) isFileList() bool {
	return qi.flags.Has(ItemUserList | ItemPartialList)
}

// usesSmallSlot reports whether the item may be fetched through a slot
// reserved for small transfers.
func (qi *QueueItem) usesSmallSlot() bool {
	return qi.isFileList() || qi.smallFile
}

func (qi *QueueItem) Extension() string {
	return strings.ToLower(path.Ext(qi.target))
}

// BlockSize is the verification granularity: the tree block size when the
// tree is known, the default for the file size otherwise.
func (qi *QueueItem) BlockSize() int64 {
	if qi.blockSize > 0 {
		return qi.blockSize
	}
	return hashing.BlockSizeFor(qi.size)
}

func (qi *QueueItem) IsFinished() bool {
	if qi.size < 0 {
		return false
	}
	if qi.size == 0 {
		return qi.status != ItemQueued
	}
	segs := qi.done.Segments()
	return len(segs) == 1 && segs[0].Start == 0 && segs[0].Size == qi.size
}

func (qi *QueueItem) IsRunning() bool {
	return len(qi.downloads) > 0
}

func (qi *QueueItem) IsWaiting() bool {
	return len(qi.downloads) == 0
}

// AddFinishedSegment merges seg into the done set. It returns the number of
// newly covered bytes and the transfers whose whole range is now done.
func (qi *QueueItem) AddFinishedSegment(seg Segment) (int64, []*Download) {
	if seg.Size < 0 {
		seg.Size = qi.size - seg.Start
	}
	if qi.size >= 0 && seg.End() > qi.size {
		seg.Size = qi.size - seg.Start
	}
	added := qi.done.Add(seg)

	var superseded []*Download
	kept := qi.downloads[:0]
	for _, d := range qi.downloads {
		if d.Type == DownloadFile && qi.done.Covers(d.Segment) {
			superseded = append(superseded, d)
			continue
		}
		kept = append(kept, d)
	}
	qi.downloads = kept
	return added, superseded
}

func (qi *QueueItem) resetDownloaded() {
	qi.done.Clear()
}

func (qi *QueueItem) addDownload(d *Download) {
	if d.Segment.Overlapped {
		for _, other := range qi.downloads {
			if other.Segment.Contains(d.Segment) {
				other.overlapped.Store(true)
				break
			}
		}
	}
	qi.downloads = append(qi.downloads, d)
}

func (qi *QueueItem) removeDownload(d *Download) bool {
	for i, other := range qi.downloads {
		if other == d {
			qi.downloads = append(qi.downloads[:i], qi.downloads[i+1:]...)
			return true
		}
	}
	return false
}

func (qi *QueueItem) hasDownload(d *Download) bool {
	for _, other := range qi.downloads {
		if other == d {
			return true
		}
	}
	return false
}

func (qi *QueueItem) downloadsFrom(user UserID) []*Download {
	var out []*Download
	for _, d := range qi.downloads {
		if d.User.User == user {
			out = append(out, d)
		}
	}
	return out
}

func findSource(list []*Source, user UserID) int {
	for i, s := range list {
		if s.User.User == user {
			return i
		}
	}
	return -1
}

func (qi *QueueItem) Source(user UserID) (*Source, bool) {
	if i := findSource(qi.sources, user); i >= 0 {
		return qi.sources[i], true
	}
	return nil, false
}

func (qi *QueueItem) BadSource(user UserID) (*Source, bool) {
	if i := findSource(qi.badSources, user); i >= 0 {
		return qi.badSources[i], true
	}
	return nil, false
}

func (qi *QueueItem) IsSource(user UserID) bool {
	return findSource(qi.sources, user) >= 0
}

func (qi *QueueItem) IsBadSource(user UserID) bool {
	return findSource(qi.badSources, user) >= 0
}

// isBadSourceExcept reports whether user is a bad source for a reason other
// than those in except. Soft removals expire after cooldown.
func (qi *QueueItem) isBadSourceExcept(user UserID, except SourceFlag, cooldown time.Duration, now time.Time) bool {
	s, ok := qi.BadSource(user)
	if !ok {
		return false
	}
	if s.Flags.Has(hardSourceFlags) {
		return true
	}
	if cooldown > 0 && !s.removedAt.IsZero() && now.Sub(s.removedAt) >= cooldown {
		return false
	}
	return s.Flags&^except != 0
}

// AddSource registers user as a source, taking it out of the bad list.
func (qi *QueueItem) AddSource(user HintedUser) *Source {
	if s, ok := qi.Source(user.User); ok {
		return s
	}
	var s *Source
	if i := findSource(qi.badSources, user.User); i >= 0 {
		s = qi.badSources[i]
		qi.badSources = append(qi.badSources[:i], qi.badSources[i+1:]...)
		s.Flags = 0
		s.removedAt = time.Time{}
		s.User = user
	} else {
		s = &Source{User: user}
	}
	qi.sources = append(qi.sources, s)
	return s
}

// RemoveSource moves user to the bad list with reason.
func (qi *QueueItem) RemoveSource(user UserID, reason SourceFlag) {
	i := findSource(qi.sources, user)
	if i < 0 {
		if s, ok := qi.BadSource(user); ok {
			s.SetFlag(reason)
		}
		return
	}
	s := qi.sources[i]
	qi.sources = append(qi.sources[:i], qi.sources[i+1:]...)
	s.SetFlag(reason)
	s.removedAt = time.Now()
	qi.badSources = append(qi.badSources, s)
}

// expiredBadSources lists the soft bad sources whose cooldown has passed.
func (qi *QueueItem) expiredBadSources(cooldown time.Duration, now time.Time) []UserID {
	var out []UserID
	for _, s := range qi.badSources {
		if s.Flags.Has(hardSourceFlags) || s.removedAt.IsZero() {
			continue
		}
		if now.Sub(s.removedAt) >= cooldown {
			out = append(out, s.User.User)
		}
	}
	return out
}

// ReaddSource restores a bad source unless it was removed for a hard reason.
func (qi *QueueItem) ReaddSource(user UserID) (*Source, bool) {
	s, ok := qi.BadSource(user)
	if !ok || s.Flags.Has(hardSourceFlags) {
		return nil, false
	}
	return qi.AddSource(s.User), true
}

// GetNextSegment picks the next range to request from a source. A zero-size
// result means nothing can be assigned; a Start of -1 means the segment limit
// is reached.
func (qi *QueueItem) GetNextSegment(blockSize, wantedSize, lastSpeed int64, partial *PartialSource, allowOverlap bool) Segment {
	if qi.size < 0 {
		return Segment{Start: 0, Size: -1}
	}
	if qi.size == 0 || qi.IsFinished() {
		return Segment{}
	}
	if blockSize <= 0 {
		blockSize = qi.BlockSize()
	}

	if (qi.maxSegments <= 1 || blockSize >= qi.size) && partial == nil {
		if len(qi.downloads) > 0 {
			return qi.checkOverlaps(blockSize, lastSpeed, partial, allowOverlap)
		}
		start, end := int64(0), qi.size
		if segs := qi.done.Segments(); len(segs) > 0 {
			if segs[0].Start > 0 {
				end = roundUp(segs[0].Start, blockSize)
			} else {
				start = roundDown(segs[0].End(), blockSize)
				if len(segs) > 1 {
					end = roundUp(segs[1].Start, blockSize)
				}
			}
		}
		end = min64(end, qi.size)
		return Segment{Start: start, Size: end - start}
	}

	if len(qi.downloads) >= qi.maxSegments {
		return Segment{Start: -1}
	}

	donePart := float64(qi.done.Bytes()) / float64(qi.size)
	targetSize := int64(float64(wantedSize) * math.Max(0.25, 1-donePart*donePart))
	if targetSize > blockSize {
		targetSize = roundDown(targetSize, blockSize)
	} else {
		targetSize = blockSize
	}

	var remote []Segment
	if partial != nil {
		remote = partial.ranges(qi.size, blockSize)
	}

	doneSegs := qi.done.Segments()
	var needed []Segment
	start, curSize := int64(0), targetSize
	for start < qi.size {
		end := min64(qi.size, start+curSize)
		block := Segment{Start: start, Size: end - start}

		overlaps := false
		for _, d := range doneSegs {
			if curSize <= blockSize {
				dstart, dend := d.Start, d.End()
				if dstart != start || dend != end {
					dstart = roundUp(dstart, blockSize)
					if dend < qi.size {
						dend = roundDown(dend, blockSize)
					}
				}
				if block.Overlaps(Segment{Start: dstart, Size: dend - dstart}) {
					overlaps = true
					break
				}
			} else if block.Overlaps(d) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			for _, d := range qi.downloads {
				if block.Overlaps(d.Segment) {
					overlaps = true
					break
				}
			}
		}

		if !overlaps {
			if partial == nil {
				return block
			}
			for _, r := range remote {
				if n := overlapLen(block, r); n > 0 {
					needed = append(needed, Segment{Start: max64(block.Start, r.Start), Size: n})
				}
			}
		}

		if overlaps && curSize > blockSize {
			curSize -= blockSize
		} else {
			start = end
			curSize = targetSize
		}
	}

	if len(needed) > 0 {
		seg := needed[0]
		for _, n := range needed[1:] {
			if n.Start != seg.End() || n.End()-seg.Start > targetSize {
				break
			}
			seg.Size = n.End() - seg.Start
		}
		seg.Size = min64(seg.Size, targetSize)
		return seg
	}

	return qi.checkOverlaps(blockSize, lastSpeed, partial, allowOverlap)
}

// checkOverlaps offers the tail of a running transfer that the new source
// is expected to finish more than twice as fast.
func (qi *QueueItem) checkOverlaps(blockSize, lastSpeed int64, partial *PartialSource, allowOverlap bool) Segment {
	if !allowOverlap || partial != nil || lastSpeed <= 0 {
		return Segment{}
	}
	now := time.Now()
	for _, d := range qi.downloads {
		if d.Type != DownloadFile || d.Overlapped() || d.Start.IsZero() {
			continue
		}
		if now.Sub(d.Start) < overlapMinRunning {
			continue
		}
		left := d.SecondsLeft(now)
		if left < overlapMinSecondsLeft {
			continue
		}
		pos := roundDown(d.Pos(), blockSize)
		size := d.Segment.Size - pos
		if size <= 0 {
			continue
		}
		if 2*(size/lastSpeed) < left {
			return Segment{Start: d.Segment.Start + pos, Size: size, Overlapped: true}
		}
	}
	return Segment{}
}

// HasSegment reports whether user could be handed work for this item right
// now. It does not modify the item.
func (qi *QueueItem) HasSegment(user UserID, onlineHubs []string, wantedSize, lastSpeed int64, smallSlot, allowOverlap bool) (bool, error) {
	src, ok := qi.Source(user)
	if !ok {
		return false, ErrNotSource
	}
	if qi.IsFinished() || qi.status != ItemQueued {
		return false, ErrFinished
	}
	if qi.rechecking {
		return false, ErrRechecking
	}
	if len(onlineHubs) == 0 {
		return false, ErrUserOffline
	}
	if smallSlot && !qi.usesSmallSlot() {
		return false, ErrSmallSlotOnly
	}

	if qi.isFileList() {
		if qi.IsWaiting() {
			return true, nil
		}
		return false, ErrAlreadyRunning
	}

	for _, d := range qi.downloads {
		if d.Type == DownloadTree {
			return false, ErrTreeInProgress
		}
	}

	seg := qi.GetNextSegment(qi.BlockSize(), wantedSize, lastSpeed, src.Partial, allowOverlap)
	switch {
	case seg.Start == -1:
		return false, ErrSegmentLimit
	case seg.Size == 0:
		if src.Partial != nil {
			return false, ErrNoNeededPart
		}
		return false, ErrNoFreeBlock
	}
	return true, nil
}

// PartialInfo returns the blocks that are completely downloaded.
func (qi *QueueItem) PartialInfo(blockSize int64) *roaring.Bitmap {
	parts := roaring.New()
	if blockSize <= 0 || qi.size <= 0 {
		return parts
	}
	for _, seg := range qi.done.Segments() {
		first := roundUp(seg.Start, blockSize) / blockSize
		var last int64
		if seg.End() >= qi.size {
			last = (qi.size + blockSize - 1) / blockSize
		} else {
			last = seg.End() / blockSize
		}
		if last > first {
			parts.AddRange(uint64(first), uint64(last))
		}
	}
	return parts
}

// IsNeededPart reports whether parts contains a block not yet downloaded.
func (qi *QueueItem) IsNeededPart(parts *roaring.Bitmap, blockSize int64) bool {
	if parts == nil || blockSize <= 0 {
		return false
	}
	it := parts.Iterator()
	for it.HasNext() {
		start := int64(it.Next()) * blockSize
		if start >= qi.size {
			break
		}
		block := Segment{Start: start, Size: min64(blockSize, qi.size-start)}
		if !qi.done.Covers(block) {
			return true
		}
	}
	return false
}

func (qi *QueueItem) info() ItemInfo {
	info := ItemInfo{
		Target:     qi.target,
		TempTarget: qi.tempTarget,
		Size:       qi.size,
		Downloaded: qi.done.Bytes(),
		TTH:        qi.tth,
		Priority:   qi.priority,
		Auto:       qi.autoPriority,
		Status:     qi.status.String(),
		Bundle:     qi.bundle,
		Running:    len(qi.downloads),
		Added:      qi.added,
	}
	for _, s := range qi.sources {
		info.Sources = append(info.Sources, s.User)
	}
	for _, s := range qi.badSources {
		info.BadSources = append(info.BadSources, s.User)
	}
	return info
}
