package queue

import (
	"path"
	"sort"
	"strings"

	"swarmq/internal/hashing"
)

// RemoteFile is one entry of a peer's advertised directory listing.
type RemoteFile struct {
	Path string
	Size int64
	TTH  hashing.Value
}

// Match pairs a queued item with the remote file that has its content.
type Match struct {
	Item   *QueueItem
	Remote RemoteFile
}

// FileQueue indexes queue items by target path and by content hash. Items
// without a hash (file lists and hashless adds) are indexed by target only,
// so FindTTH never returns them. Every hashed item is in both indexes.
type FileQueue struct {
	byTarget  map[string]*QueueItem
	byTTH     map[hashing.Value][]*QueueItem
	queueSize int64
}

func NewFileQueue() *FileQueue {
	return &FileQueue{
		byTarget: make(map[string]*QueueItem),
		byTTH:    make(map[hashing.Value][]*QueueItem),
	}
}

func remaining(qi *QueueItem) int64 {
	if qi.size <= 0 {
		return 0
	}
	return qi.size - qi.done.Bytes()
}

// Add indexes qi. A target that is already present yields a *DupeError.
func (fq *FileQueue) Add(qi *QueueItem) error {
	if existing, ok := fq.byTarget[qi.target]; ok {
		return &DupeError{Target: qi.target, Existing: existing}
	}
	fq.byTarget[qi.target] = qi
	if !qi.tth.IsZero() {
		fq.byTTH[qi.tth] = append(fq.byTTH[qi.tth], qi)
	}
	if !qi.isFileList() {
		fq.queueSize += remaining(qi)
	}
	return nil
}

func (fq *FileQueue) Remove(qi *QueueItem) {
	if fq.byTarget[qi.target] != qi {
		return
	}
	delete(fq.byTarget, qi.target)
	fq.removeTTH(qi)
	if !qi.isFileList() {
		fq.queueSize -= remaining(qi)
	}
}

func (fq *FileQueue) removeTTH(qi *QueueItem) {
	if qi.tth.IsZero() {
		return
	}
	items := fq.byTTH[qi.tth]
	for i, other := range items {
		if other == qi {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(fq.byTTH, qi.tth)
		return
	}
	fq.byTTH[qi.tth] = items
}

// bytesFinished accounts for n newly downloaded bytes of a queued item.
func (fq *FileQueue) bytesFinished(qi *QueueItem, n int64) {
	if !qi.isFileList() {
		fq.queueSize -= n
	}
}

// bytesLost accounts for n downloaded bytes that were discarded.
func (fq *FileQueue) bytesLost(qi *QueueItem, n int64) {
	if !qi.isFileList() {
		fq.queueSize += n
	}
}

func (fq *FileQueue) Find(target string) (*QueueItem, bool) {
	qi, ok := fq.byTarget[target]
	return qi, ok
}

func (fq *FileQueue) FindTTH(tth hashing.Value) []*QueueItem {
	return append([]*QueueItem(nil), fq.byTTH[tth]...)
}

// FindSizeExt returns unfinished items of exactly size whose target ends in
// ext (case-insensitive, with or without the leading dot).
func (fq *FileQueue) FindSizeExt(size int64, ext string) []*QueueItem {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	var out []*QueueItem
	for _, qi := range fq.byTarget {
		if qi.size != size || qi.IsFinished() {
			continue
		}
		if ext != "" && qi.Extension() != ext {
			continue
		}
		out = append(out, qi)
	}
	sortItems(out)
	return out
}

// MatchDir intersects a remote listing with the queue by content hash.
// Finished items and file lists never match.
func (fq *FileQueue) MatchDir(files []RemoteFile) []Match {
	var out []Match
	for _, f := range files {
		if f.TTH.IsZero() {
			continue
		}
		for _, qi := range fq.byTTH[f.TTH] {
			if qi.IsFinished() || qi.isFileList() || qi.size != f.Size {
				continue
			}
			out = append(out, Match{Item: qi, Remote: f})
		}
	}
	return out
}

// Move re-keys qi under newTarget.
func (fq *FileQueue) Move(qi *QueueItem, newTarget string) error {
	newTarget = path.Clean(newTarget)
	if fq.byTarget[qi.target] != qi {
		return queueErr(qi.target, ErrNotFound)
	}
	if existing, ok := fq.byTarget[newTarget]; ok {
		return &DupeError{Target: newTarget, Existing: existing}
	}
	delete(fq.byTarget, qi.target)
	qi.target = newTarget
	fq.byTarget[newTarget] = qi
	return nil
}

func (fq *FileQueue) Len() int {
	return len(fq.byTarget)
}

// TotalQueueSize is the number of bytes still to download.
func (fq *FileQueue) TotalQueueSize() int64 {
	return fq.queueSize
}

// Items returns all items ordered by target.
func (fq *FileQueue) Items() []*QueueItem {
	out := make([]*QueueItem, 0, len(fq.byTarget))
	for _, qi := range fq.byTarget {
		out = append(out, qi)
	}
	sortItems(out)
	return out
}

func sortItems(items []*QueueItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].target < items[j].target })
}
