package queue

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"swarmq/internal/hashing"
)

// FileRequest queues a single file. File lists set ItemUserList or
// ItemPartialList, require a Source and have unknown size. ListPath names
// the remote directory of a partial list. A zero Priority is resolved from
// the size.
type FileRequest struct {
	Target   string
	Size     int64
	TTH      hashing.Value
	Source   *HintedUser
	Priority Priority
	Flags    ItemFlag
	ListPath string
	Added    time.Time
}

type BundleFile struct {
	Name     string
	Size     int64
	TTH      hashing.Value
	Priority Priority
}

// BundleRequest queues the files of a remote directory under Target.
type BundleRequest struct {
	Target   string
	Files    []BundleFile
	Source   *HintedUser
	Priority Priority
	Added    time.Time
}

// AddFile queues one file. Adding a target that is already queued with the
// same content only adds the source.
func (m *Manager) AddFile(req FileRequest) (ItemInfo, error) {
	target, err := validateTarget(req.Target)
	if err != nil {
		return ItemInfo{}, err
	}
	isList := req.Flags.Has(ItemUserList | ItemPartialList)
	switch {
	case isList && req.Source == nil:
		return ItemInfo{}, queueErr(target, ErrInvalidParameter)
	case isList:
		req.Size = -1
	case req.Size < 0:
		return ItemInfo{}, queueErr(target, ErrInvalidParameter)
	case req.Size == 0:
		if err := m.files.CreateEmpty(target); err != nil {
			return ItemInfo{}, &FileError{Path: target, Op: "create", Err: err}
		}
		return ItemInfo{Target: target, Status: ItemMoved.String(), Added: time.Now()}, nil
	}
	if req.Added.IsZero() {
		req.Added = time.Now()
	}

	var (
		evs     []Event
		connect []HintedUser
	)
	m.mu.Lock()
	var b *Bundle
	newBundle := false
	if !isList {
		if b = m.findBundleLocked(target); b == nil {
			prio := m.resolvePriority(req.Priority, req.Size)
			b = NewBundle(BundleToken(uuid.NewString()), target, true, prio, req.Added)
			b.autoPriority = req.Priority == PriorityDefault && prio != PriorityHighest
			m.bundles[b.token] = b
			newBundle = true
		}
	}

	qi, created, err := m.addItemLocked(target, req.Size, req.TTH, req.Priority, req.Flags, req.Added, b, &evs)
	if err != nil {
		if newBundle {
			delete(m.bundles, b.token)
		}
		m.mu.Unlock()
		return ItemInfo{}, err
	}
	if newBundle && !created {
		delete(m.bundles, b.token)
		newBundle = false
	}
	if created && req.Flags.Has(ItemPartialList) {
		qi.listPath = req.ListPath
		if qi.listPath == "" {
			qi.listPath = "/"
		}
	}
	if newBundle {
		b.SetStatus(BundleQueued)
		evs = append(evs, Event{Type: EventBundleAdded, Bundle: b.token, Target: b.target})
	} else if b != nil && created {
		m.requeueBundleLocked(b, &evs)
	}

	if req.Source != nil {
		newUser, err := m.addSourceLocked(qi, *req.Source, 0, &evs)
		if err != nil && !created {
			m.mu.Unlock()
			m.events.Publish(evs...)
			return ItemInfo{}, err
		}
		if err == nil && newUser {
			connect = append(connect, *req.Source)
		}
	}
	info := qi.info()
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
	m.connectSources(connect)
	return info, nil
}

// AddBundle queues a directory. An existing directory bundle containing the
// target absorbs the files; bundles below the target are merged into the
// new bundle.
func (m *Manager) AddBundle(req BundleRequest) (BundleInfo, error) {
	dir, err := dirTarget(req.Target)
	if err != nil {
		return BundleInfo{}, err
	}
	if req.Added.IsZero() {
		req.Added = time.Now()
	}

	type entry struct {
		target string
		file   BundleFile
	}
	var (
		entries []entry
		empty   []string
	)
	for _, f := range req.Files {
		name := filepath.Clean(f.Name)
		if name == "." || filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			m.Logger.Warn().Str("bundle", dir).Str("file", f.Name).Msg("Skipping invalid bundle file name")
			continue
		}
		target := filepath.Join(dir, name)
		if f.Size == 0 {
			empty = append(empty, target)
			continue
		}
		if f.Size < 0 {
			continue
		}
		entries = append(entries, entry{target: target, file: f})
	}
	if len(entries) == 0 && len(empty) == 0 {
		return BundleInfo{}, queueErr(dir, ErrNoFiles)
	}

	var (
		evs     []Event
		connect []HintedUser
	)
	m.mu.Lock()
	b := m.findBundleLocked(dir)
	newBundle := b == nil
	if newBundle {
		prio := req.Priority
		if prio == PriorityDefault {
			prio = PriorityNormal
		}
		b = NewBundle(BundleToken(uuid.NewString()), dir, false, prio, req.Added)
		b.autoPriority = req.Priority == PriorityDefault
		m.bundles[b.token] = b
		for _, other := range m.bundles {
			if other != b && strings.HasPrefix(other.target, dir) {
				m.mergeBundleLocked(b, other, &evs)
			}
		}
	}

	added := 0
	for _, e := range entries {
		qi, created, err := m.addItemLocked(e.target, e.file.Size, e.file.TTH, e.file.Priority, 0, req.Added, b, &evs)
		if err != nil {
			m.Logger.Warn().Err(err).Str("target", e.target).Msg("Failed to add bundle file")
			continue
		}
		if created {
			added++
		}
		if req.Source == nil {
			continue
		}
		newUser, err := m.addSourceLocked(qi, *req.Source, 0, &evs)
		if err == nil && newUser {
			connect = append(connect, *req.Source)
		}
	}

	if newBundle && len(b.items) == 0 && len(empty) == 0 {
		delete(m.bundles, b.token)
		m.mu.Unlock()
		m.events.Publish(evs...)
		return BundleInfo{}, queueErr(dir, ErrNoFiles)
	}
	if newBundle {
		b.SetStatus(BundleQueued)
		evs = append(evs, Event{Type: EventBundleAdded, Bundle: b.token, Target: b.target})
	} else if added > 0 {
		m.requeueBundleLocked(b, &evs)
	}
	info := b.info(time.Now())
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
	for _, target := range empty {
		if err := m.files.CreateEmpty(target); err != nil {
			m.Logger.Error().Err(err).Str("target", target).Msg("Failed to create empty file")
		}
	}
	m.connectSources(connect)
	return info, nil
}

// addItemLocked creates the item for target or returns the queued item with
// the same content.
func (m *Manager) addItemLocked(target string, size int64, tth hashing.Value, prio Priority, flags ItemFlag, added time.Time, b *Bundle, evs *[]Event) (*QueueItem, bool, error) {
	resolved := m.resolvePriority(prio, size)
	qi := NewQueueItem(target, size, tth, resolved, flags, added)
	qi.autoPriority = prio == PriorityDefault && resolved != PriorityHighest
	qi.smallFile = size >= 0 && size <= int64(m.config.SmallFileSize.Bytes())
	qi.SetMaxSegments(m.segmentsFor(size))
	if bs, ok := m.services.Hasher.TreeInfo(tth); ok {
		qi.blockSize = bs
	}
	if !qi.isFileList() {
		qi.tempTarget = m.tempTarget(qi)
	}

	if err := m.fileQueue.Add(qi); err != nil {
		var dupe *DupeError
		if !errors.As(err, &dupe) {
			return nil, false, err
		}
		existing := dupe.Existing
		if existing.size != size || existing.tth != tth {
			return nil, false, queueErr(target, ErrTargetExists)
		}
		return existing, false, nil
	}

	if b != nil {
		b.AddQueue(qi)
	}
	*evs = append(*evs, Event{Type: EventItemAdded, Target: qi.target, Bundle: qi.bundle})
	return qi, true, nil
}

// addSourceLocked adds user as a source of qi and reports whether the user
// is new to the item's bundle. Bad sources are refused unless every reason
// they were removed for is in except.
func (m *Manager) addSourceLocked(qi *QueueItem, user HintedUser, except SourceFlag, evs *[]Event) (bool, error) {
	if qi.IsSource(user.User) {
		return false, queueErr(qi.target, ErrDuplicateSource)
	}
	if qi.isBadSourceExcept(user.User, except, m.config.SourceCooldown, time.Now()) {
		return false, queueErr(qi.target, ErrBadSource)
	}

	b := m.bundleOf(qi.bundle)
	known := b != nil && b.IsSource(user.User)

	qi.AddSource(user)
	if qi.status == ItemQueued && !qi.IsFinished() {
		m.userQueue.AddQI(qi, user)
	}
	*evs = append(*evs, Event{Type: EventItemSources, Target: qi.target, User: user.User})
	if b != nil && !known && b.IsSource(user.User) {
		*evs = append(*evs, Event{Type: EventBundleSources, Bundle: b.token, User: user.User})
	}
	m.markDirty()
	return !known, nil
}

// mergeBundleLocked moves every item of other into b and drops other.
func (m *Manager) mergeBundleLocked(b, other *Bundle, evs *[]Event) {
	for _, qi := range other.Items() {
		m.userQueue.RemoveQIAll(qi, false)
		other.RemoveQueue(qi)
		for _, d := range qi.downloads {
			other.removeDownload(d)
			other.RemoveRunningItem(qi, d.User.User)
		}

		qi.bundle = ""
		if qi.status == ItemQueued && !qi.IsFinished() {
			for _, u := range b.AddQueue(qi) {
				m.userQueue.AddBundle(b, u.User)
			}
			m.userQueue.AddQIAll(qi)
		} else {
			b.attach(qi)
		}
		for _, d := range qi.downloads {
			d.Bundle = b.token
			b.addDownload(d)
			b.AddRunningItem(qi, d.User.User)
		}
	}
	delete(m.bundles, other.token)
	*evs = append(*evs, Event{Type: EventBundleMerged, Bundle: other.token, Target: b.target})
}

// requeueBundleLocked returns a downloaded or failed bundle to Queued after
// new files were added to it.
func (m *Manager) requeueBundleLocked(b *Bundle, evs *[]Event) {
	if b.status == BundleQueued || b.status == BundleNew {
		return
	}
	if b.SetStatus(BundleQueued) {
		*evs = append(*evs, Event{Type: EventBundleStatus, Bundle: b.token, Status: b.status.String()})
	}
}

// AddSource adds user as a source of the queued target.
func (m *Manager) AddSource(target string, user HintedUser) error {
	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(target)
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	newUser, err := m.addSourceLocked(qi, user, 0, &evs)
	m.mu.Unlock()

	m.events.Publish(evs...)
	if err == nil && newUser {
		m.connectSources([]HintedUser{user})
	}
	return err
}

// ReaddSource restores a source removed for a soft reason.
func (m *Manager) ReaddSource(target string, user UserID) error {
	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(target)
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	bad, ok := qi.BadSource(user)
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	hinted := bad.User
	_, ok = qi.ReaddSource(user)
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrBadSource)
	}
	if qi.status == ItemQueued && !qi.IsFinished() {
		m.userQueue.AddQI(qi, hinted)
	}
	evs = append(evs, Event{Type: EventItemSources, Target: qi.target, User: user})
	m.markDirty()
	m.mu.Unlock()

	m.events.Publish(evs...)
	m.connectSources([]HintedUser{hinted})
	return nil
}

// MatchListing adds user as a source of every queued item whose content
// appears in the user's listing. It returns the number of matched items and
// of newly added sources.
func (m *Manager) MatchListing(user HintedUser, files []RemoteFile) (int, int) {
	var (
		evs     []Event
		newUser bool
		added   int
	)
	m.mu.Lock()
	matches := m.fileQueue.MatchDir(files)
	for _, match := range matches {
		if match.Item.IsSource(user.User) {
			continue
		}
		isNew, err := m.addSourceLocked(match.Item, user, SourceFileNotAvailable, &evs)
		if err != nil {
			continue
		}
		added++
		newUser = newUser || isNew
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
	if newUser {
		m.connectSources([]HintedUser{user})
	}
	return len(matches), added
}

// connectSources asks the connection service to connect to each online
// user once.
func (m *Manager) connectSources(users []HintedUser) {
	conns := m.services.Connections
	if conns == nil {
		return
	}
	seen := make(map[UserID]bool, len(users))
	for _, u := range users {
		if seen[u.User] || !conns.IsOnline(u.User) {
			continue
		}
		seen[u.User] = true
		token := newToken()
		conns.ExpectIncoming(token, u.User, u.Hub)
		if err := conns.Connect(u, token, m.config.SecureConnections); err != nil {
			m.Logger.Warn().Err(err).Str("user", string(u.User)).Msg("Failed to connect to source")
		}
	}
}
