package queue

import (
	"strings"
	"time"
)

// BundleToken identifies a bundle. Items refer to their bundle only through
// its token.
type BundleToken string

type BundleStatus uint8

const (
	BundleNew BundleStatus = iota
	BundleQueued
	BundleDownloaded
	BundleHashing
	BundleHashed
	BundleFailedMissing
	BundleSharingFailed
	BundleFinished
	BundleShared
)

var bundleStatusNames = [...]string{
	"new", "queued", "downloaded", "hashing", "hashed",
	"failed-missing", "sharing-failed", "finished", "shared",
}

func (s BundleStatus) String() string {
	if int(s) < len(bundleStatusNames) {
		return bundleStatusNames[s]
	}
	return "unknown"
}

// Failed reports whether the status is a terminal failure visible to the user.
func (s BundleStatus) Failed() bool {
	return s == BundleFailedMissing || s == BundleSharingFailed
}

var bundleTransitions = map[BundleStatus][]BundleStatus{
	BundleNew:           {BundleQueued},
	BundleQueued:        {BundleDownloaded},
	BundleDownloaded:    {BundleHashing, BundleQueued},
	BundleHashing:       {BundleHashed, BundleQueued},
	BundleHashed:        {BundleFinished, BundleFailedMissing, BundleSharingFailed, BundleQueued},
	BundleFailedMissing: {BundleHashed, BundleQueued},
	BundleSharingFailed: {BundleHashed, BundleQueued},
	BundleFinished:      {BundleShared, BundleQueued},
	BundleShared:        {},
}

// BundleSource counts how many items of the bundle a user is a source for.
type BundleSource struct {
	User  HintedUser
	Files int
	Size  int64
}

// Bundle groups the items of one logical download: a directory, or a single
// file. Directory targets end with a slash.
type Bundle struct {
	token        BundleToken
	target       string
	fileBundle   bool
	priority     Priority
	autoPriority bool
	status       BundleStatus
	added        time.Time

	items        []*QueueItem
	sources      []*BundleSource
	runningItems map[UserID][]*QueueItem
	userQueue    [priorityLast]map[UserID][]*QueueItem
	downloads    []*Download
}

func NewBundle(token BundleToken, target string, fileBundle bool, prio Priority, added time.Time) *Bundle {
	b := &Bundle{
		token:        token,
		target:       target,
		fileBundle:   fileBundle,
		priority:     prio,
		added:        added,
		runningItems: make(map[UserID][]*QueueItem),
	}
	for i := range b.userQueue {
		b.userQueue[i] = make(map[UserID][]*QueueItem)
	}
	return b
}

func (b *Bundle) Token() BundleToken     { return b.token }
func (b *Bundle) Target() string         { return b.target }
func (b *Bundle) IsFileBundle() bool     { return b.fileBundle }
func (b *Bundle) Priority() Priority     { return b.priority }
func (b *Bundle) AutoPriority() bool     { return b.autoPriority }
func (b *Bundle) Status() BundleStatus   { return b.status }
func (b *Bundle) Added() time.Time       { return b.added }
func (b *Bundle) Items() []*QueueItem    { return append([]*QueueItem(nil), b.items...) }
func (b *Bundle) Sources() []BundleSource {
	out := make([]BundleSource, 0, len(b.sources))
	for _, s := range b.sources {
		out = append(out, *s)
	}
	return out
}

// Contains reports whether target belongs under the bundle.
func (b *Bundle) Contains(target string) bool {
	if b.fileBundle {
		return b.target == target
	}
	return strings.HasPrefix(target, b.target)
}

func (b *Bundle) Size() int64 {
	var n int64
	for _, qi := range b.items {
		if qi.size > 0 {
			n += qi.size
		}
	}
	return n
}

// DownloadedBytes sums the items' progress on every call.
func (b *Bundle) DownloadedBytes() int64 {
	var n int64
	for _, qi := range b.items {
		n += qi.done.Bytes()
	}
	return n
}

// Speed is the combined rate of the running transfers.
func (b *Bundle) Speed(now time.Time) int64 {
	var n int64
	for _, d := range b.downloads {
		n += d.Speed(now)
	}
	return n
}

func (b *Bundle) IsDownloaded() bool {
	if len(b.items) == 0 {
		return false
	}
	for _, qi := range b.items {
		if !qi.IsFinished() {
			return false
		}
	}
	return true
}

// SetStatus applies a state transition. Repeating the current status is a
// no-op; an invalid transition is refused.
func (b *Bundle) SetStatus(s BundleStatus) bool {
	if b.status == s {
		return true
	}
	for _, next := range bundleTransitions[b.status] {
		if next == s {
			b.status = s
			return true
		}
	}
	return false
}

func (b *Bundle) findSource(user UserID) int {
	for i, s := range b.sources {
		if s.User.User == user {
			return i
		}
	}
	return -1
}

func (b *Bundle) IsSource(user UserID) bool {
	return b.findSource(user) >= 0
}

// AddSource counts one more item for user and reports whether the user is
// new to the bundle.
func (b *Bundle) AddSource(user HintedUser, size int64) bool {
	if i := b.findSource(user.User); i >= 0 {
		b.sources[i].Files++
		b.sources[i].Size += size
		b.sources[i].User.Hub = user.Hub
		return false
	}
	b.sources = append(b.sources, &BundleSource{User: user, Files: 1, Size: size})
	return true
}

// RemoveSource counts one item less for user and reports whether that was
// the user's last item.
func (b *Bundle) RemoveSource(user UserID, size int64) bool {
	i := b.findSource(user)
	if i < 0 {
		return false
	}
	s := b.sources[i]
	s.Files--
	s.Size -= size
	if s.Files > 0 {
		return false
	}
	b.sources = append(b.sources[:i], b.sources[i+1:]...)
	return true
}

// AddUserQueue registers qi for user in its priority bucket.
func (b *Bundle) AddUserQueue(qi *QueueItem, user HintedUser) bool {
	bucket := b.userQueue[qi.priority]
	for _, other := range bucket[user.User] {
		if other == qi {
			return false
		}
	}
	bucket[user.User] = append(bucket[user.User], qi)
	return b.AddSource(user, qi.size)
}

// RemoveUserQueue unregisters qi for user and reports whether the user has
// no items left in the bundle.
func (b *Bundle) RemoveUserQueue(qi *QueueItem, user UserID) bool {
	for p := range b.userQueue {
		items := b.userQueue[p][user]
		for i, other := range items {
			if other != qi {
				continue
			}
			items = append(items[:i], items[i+1:]...)
			if len(items) == 0 {
				delete(b.userQueue[p], user)
			} else {
				b.userQueue[p][user] = items
			}
			return b.RemoveSource(user, qi.size)
		}
	}
	return false
}

func (b *Bundle) rotateUserQueue(qi *QueueItem, user UserID) {
	items := b.userQueue[qi.priority][user]
	for i, other := range items {
		if other == qi {
			items = append(items[:i], items[i+1:]...)
			b.userQueue[qi.priority][user] = append(items, qi)
			return
		}
	}
}

// AddQueue adds qi to the bundle and registers it for each of its sources.
// It returns the users that are new to the bundle.
func (b *Bundle) AddQueue(qi *QueueItem) []HintedUser {
	if !b.attach(qi) {
		return nil
	}
	var added []HintedUser
	for _, s := range qi.sources {
		if b.AddUserQueue(qi, s.User) {
			added = append(added, s.User)
		}
	}
	return added
}

// attach adds qi to the items without registering its sources.
func (b *Bundle) attach(qi *QueueItem) bool {
	for _, other := range b.items {
		if other == qi {
			return false
		}
	}
	b.items = append(b.items, qi)
	qi.bundle = b.token
	return true
}

// RemoveQueue removes qi from the bundle and all of its user buckets. It
// returns the users that no longer have any item in the bundle.
func (b *Bundle) RemoveQueue(qi *QueueItem) []UserID {
	for i, other := range b.items {
		if other == qi {
			b.items = append(b.items[:i], b.items[i+1:]...)
			break
		}
	}
	var gone []UserID
	for _, s := range qi.sources {
		if b.RemoveUserQueue(qi, s.User.User) {
			gone = append(gone, s.User.User)
		}
	}
	return gone
}

// GetNextQI scans the bundle's own buckets from Highest down to minPrio and
// returns the first item that has work for user.
func (b *Bundle) GetNextQI(user UserID, onlineHubs []string, minPrio Priority, wantedSize, lastSpeed int64, smallSlot, allowOverlap bool) (*QueueItem, error) {
	if minPrio < PriorityLowest {
		minPrio = PriorityLowest
	}
	var lastErr error
	for p := PriorityHighest; p >= minPrio; p-- {
		for _, qi := range b.userQueue[p][user] {
			ok, err := qi.HasSegment(user, onlineHubs, wantedSize, lastSpeed, smallSlot, allowOverlap)
			if ok {
				return qi, nil
			}
			lastErr = err
		}
	}
	return nil, lastErr
}

// AddRunningItem records that user downloads qi and reports whether qi was
// not running for user before.
func (b *Bundle) AddRunningItem(qi *QueueItem, user UserID) bool {
	for _, other := range b.runningItems[user] {
		if other == qi {
			return false
		}
	}
	b.runningItems[user] = append(b.runningItems[user], qi)
	return true
}

// RemoveRunningItem reports whether user has no running items left.
func (b *Bundle) RemoveRunningItem(qi *QueueItem, user UserID) bool {
	items := b.runningItems[user]
	for i, other := range items {
		if other == qi {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(b.runningItems, user)
		return true
	}
	b.runningItems[user] = items
	return false
}

func (b *Bundle) RunningUsers() []UserID {
	out := make([]UserID, 0, len(b.runningItems))
	for u := range b.runningItems {
		out = append(out, u)
	}
	return out
}

func (b *Bundle) addDownload(d *Download) {
	b.downloads = append(b.downloads, d)
}

func (b *Bundle) removeDownload(d *Download) {
	for i, other := range b.downloads {
		if other == d {
			b.downloads = append(b.downloads[:i], b.downloads[i+1:]...)
			return
		}
	}
}

func (b *Bundle) info(now time.Time) BundleInfo {
	info := BundleInfo{
		Token:      b.token,
		Target:     b.target,
		FileBundle: b.fileBundle,
		Priority:   b.priority,
		Auto:       b.autoPriority,
		Status:     b.status.String(),
		Size:       b.Size(),
		Downloaded: b.DownloadedBytes(),
		Speed:      b.Speed(now),
		Items:      len(b.items),
		Running:    len(b.runningItems),
		Added:      b.added,
	}
	for _, s := range b.sources {
		info.Sources = append(info.Sources, s.User)
	}
	return info
}
