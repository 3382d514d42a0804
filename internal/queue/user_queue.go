package queue

// UserQueue orders the work available from each user. Items without a
// bundle and Highest priority bundled items live in the per-user priority
// list; bundles live in per-priority, per-user lists. Within a bucket the
// earliest added entry is always tried first, so a user with many entries
// at one priority keeps being offered the oldest one while it has work.
// Only PutDownload with rotateQueue moves an entry to the end of its bucket.
type UserQueue struct {
	prioQueue   map[UserID][]*QueueItem
	bundleQueue [priorityLast]map[UserID][]*Bundle
	running     map[UserID][]*QueueItem
	bundleOf    func(BundleToken) *Bundle
}

// NewUserQueue resolves item bundle tokens through bundleOf.
func NewUserQueue(bundleOf func(BundleToken) *Bundle) *UserQueue {
	uq := &UserQueue{
		prioQueue: make(map[UserID][]*QueueItem),
		running:   make(map[UserID][]*QueueItem),
		bundleOf:  bundleOf,
	}
	for i := range uq.bundleQueue {
		uq.bundleQueue[i] = make(map[UserID][]*Bundle)
	}
	return uq
}

func (uq *UserQueue) bundle(qi *QueueItem) *Bundle {
	if qi.bundle == "" || uq.bundleOf == nil {
		return nil
	}
	return uq.bundleOf(qi.bundle)
}

func (uq *UserQueue) inPrioQueue(qi *QueueItem) bool {
	return qi.bundle == "" || qi.priority == PriorityHighest
}

// AddQI makes qi available from user.
func (uq *UserQueue) AddQI(qi *QueueItem, user HintedUser) {
	if uq.inPrioQueue(qi) {
		uq.insertPrio(qi, user.User)
	}
	if b := uq.bundle(qi); b != nil && b.AddUserQueue(qi, user) {
		uq.AddBundle(b, user.User)
	}
}

// AddQIAll registers qi for every current source.
func (uq *UserQueue) AddQIAll(qi *QueueItem) {
	for _, s := range qi.sources {
		uq.AddQI(qi, s.User)
	}
}

func (uq *UserQueue) insertPrio(qi *QueueItem, user UserID) {
	items := uq.prioQueue[user]
	for _, other := range items {
		if other == qi {
			return
		}
	}
	pos := len(items)
	for i, other := range items {
		if other.priority < qi.priority {
			pos = i
			break
		}
	}
	items = append(items, nil)
	copy(items[pos+1:], items[pos:])
	items[pos] = qi
	uq.prioQueue[user] = items
}

func (uq *UserQueue) removePrio(qi *QueueItem, user UserID) {
	items := uq.prioQueue[user]
	for i, other := range items {
		if other == qi {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(uq.prioQueue, user)
		return
	}
	uq.prioQueue[user] = items
}

// RemoveQI withdraws qi from user. With removeRunning the item is also
// dropped from the user's running list.
func (uq *UserQueue) RemoveQI(qi *QueueItem, user UserID, removeRunning bool) {
	if removeRunning {
		uq.removeRunning(qi, user)
	}
	uq.removePrio(qi, user)
	if b := uq.bundle(qi); b != nil && b.RemoveUserQueue(qi, user) {
		uq.RemoveBundle(b, user)
	}
}

// RemoveQIAll withdraws qi from every current source.
func (uq *UserQueue) RemoveQIAll(qi *QueueItem, removeRunning bool) {
	for _, s := range qi.sources {
		uq.RemoveQI(qi, s.User.User, removeRunning)
	}
}

func (uq *UserQueue) AddBundle(b *Bundle, user UserID) {
	bucket := uq.bundleQueue[b.priority]
	for _, other := range bucket[user] {
		if other == b {
			return
		}
	}
	bucket[user] = append(bucket[user], b)
}

func (uq *UserQueue) RemoveBundle(b *Bundle, user UserID) {
	for p := range uq.bundleQueue {
		bundles := uq.bundleQueue[p][user]
		for i, other := range bundles {
			if other != b {
				continue
			}
			bundles = append(bundles[:i], bundles[i+1:]...)
			if len(bundles) == 0 {
				delete(uq.bundleQueue[p], user)
			} else {
				uq.bundleQueue[p][user] = bundles
			}
			return
		}
	}
}

// GetNextPrioQI scans the flat priority list of user.
func (uq *UserQueue) GetNextPrioQI(user UserID, onlineHubs []string, minPrio Priority, wantedSize, lastSpeed int64, smallSlot, allowOverlap bool) (*QueueItem, error) {
	if minPrio < PriorityLowest {
		minPrio = PriorityLowest
	}
	var lastErr error
	for _, qi := range uq.prioQueue[user] {
		if qi.priority < minPrio {
			break
		}
		if b := uq.bundle(qi); b != nil && b.priority == PriorityPaused {
			continue
		}
		ok, err := qi.HasSegment(user, onlineHubs, wantedSize, lastSpeed, smallSlot, allowOverlap)
		if ok {
			return qi, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// GetNextBundleQI scans bundle buckets from Highest down to minPrio. The
// first bundle offering work wins; lower buckets are not examined.
func (uq *UserQueue) GetNextBundleQI(user UserID, onlineHubs []string, minPrio Priority, wantedSize, lastSpeed int64, smallSlot, allowOverlap bool) (*QueueItem, error) {
	if minPrio < PriorityLowest {
		minPrio = PriorityLowest
	}
	var lastErr error
	for p := PriorityHighest; p >= minPrio; p-- {
		for _, b := range uq.bundleQueue[p][user] {
			qi, err := b.GetNextQI(user, onlineHubs, minPrio, wantedSize, lastSpeed, smallSlot, allowOverlap)
			if qi != nil {
				return qi, nil
			}
			if err != nil {
				lastErr = err
			}
		}
	}
	return nil, lastErr
}

// GetNext returns the next item with work for user, trying the priority
// list before bundles.
func (uq *UserQueue) GetNext(user UserID, onlineHubs []string, minPrio Priority, wantedSize, lastSpeed int64, smallSlot, allowOverlap bool) (*QueueItem, error) {
	qi, prioErr := uq.GetNextPrioQI(user, onlineHubs, minPrio, wantedSize, lastSpeed, smallSlot, allowOverlap)
	if qi != nil {
		return qi, nil
	}
	qi, bundleErr := uq.GetNextBundleQI(user, onlineHubs, minPrio, wantedSize, lastSpeed, smallSlot, allowOverlap)
	if qi != nil {
		return qi, nil
	}
	switch {
	case bundleErr != nil:
		return nil, bundleErr
	case prioErr != nil:
		return nil, prioErr
	}
	return nil, ErrNothingQueued
}

// AddDownload reserves d on qi and marks qi as running for the user.
func (uq *UserQueue) AddDownload(qi *QueueItem, d *Download) {
	user := d.User.User
	qi.addDownload(d)
	found := false
	for _, other := range uq.running[user] {
		if other == qi {
			found = true
			break
		}
	}
	if !found {
		uq.running[user] = append(uq.running[user], qi)
	}
	if b := uq.bundle(qi); b != nil {
		b.AddRunningItem(qi, user)
		b.addDownload(d)
	}
}

// RemoveDownload releases the range reserved by d.
func (uq *UserQueue) RemoveDownload(qi *QueueItem, d *Download) {
	qi.removeDownload(d)
	uq.releaseBundleDownload(qi, d)
	if len(qi.downloadsFrom(d.User.User)) == 0 {
		uq.removeRunning(qi, d.User.User)
	}
}

func (uq *UserQueue) releaseBundleDownload(qi *QueueItem, d *Download) {
	if b := uq.bundle(qi); b != nil {
		b.removeDownload(d)
	}
}

func (uq *UserQueue) removeRunning(qi *QueueItem, user UserID) {
	items := uq.running[user]
	for i, other := range items {
		if other == qi {
			items = append(items[:i], items[i+1:]...)
			break
		}
	}
	if len(items) == 0 {
		delete(uq.running, user)
	} else {
		uq.running[user] = items
	}
	if b := uq.bundle(qi); b != nil {
		b.RemoveRunningItem(qi, user)
	}
}

func (uq *UserQueue) Running(user UserID) []*QueueItem {
	return append([]*QueueItem(nil), uq.running[user]...)
}

// SetQIPriority moves qi to the buckets of prio for every source.
func (uq *UserQueue) SetQIPriority(qi *QueueItem, prio Priority) {
	sources := qi.Sources()
	for _, s := range sources {
		uq.removePrio(qi, s.User.User)
		if b := uq.bundle(qi); b != nil && b.RemoveUserQueue(qi, s.User.User) {
			uq.RemoveBundle(b, s.User.User)
		}
	}
	qi.priority = prio
	for _, s := range sources {
		uq.AddQI(qi, s.User)
	}
}

// SetBundlePriority moves b to the bucket of prio for every bundle source.
func (uq *UserQueue) SetBundlePriority(b *Bundle, prio Priority) {
	users := b.Sources()
	for _, s := range users {
		uq.RemoveBundle(b, s.User.User)
	}
	b.priority = prio
	for _, s := range users {
		uq.AddBundle(b, s.User.User)
	}
}

// RotateQI moves qi to the end of its buckets for user.
func (uq *UserQueue) RotateQI(qi *QueueItem, user UserID) {
	if uq.inPrioQueue(qi) {
		items := uq.prioQueue[user]
		for i, other := range items {
			if other != qi {
				continue
			}
			items = append(items[:i], items[i+1:]...)
			end := len(items)
			for j, rest := range items {
				if rest.priority < qi.priority {
					end = j
					break
				}
			}
			items = append(items, nil)
			copy(items[end+1:], items[end:])
			items[end] = qi
			uq.prioQueue[user] = items
			break
		}
	}
	if b := uq.bundle(qi); b != nil {
		b.rotateUserQueue(qi, user)
	}
}

// RunningUsers lists the users with at least one running item.
func (uq *UserQueue) RunningUsers() []UserID {
	out := make([]UserID, 0, len(uq.running))
	for u := range uq.running {
		out = append(out, u)
	}
	return out
}
