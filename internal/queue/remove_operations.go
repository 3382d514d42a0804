package queue

import (
	"errors"
	"os"
	"path/filepath"
)

// dropItemLocked removes qi from every structure and returns its bundle.
// Running transfers are superseded and the temp file is deleted in the
// background unless the item already reached its target.
func (m *Manager) dropItemLocked(qi *QueueItem, evs *[]Event) *Bundle {
	for _, d := range qi.Downloads() {
		qi.removeDownload(d)
		m.releaseDownloadLocked(qi, d)
		*evs = append(*evs, Event{Type: EventDownloadSuperseded, Target: qi.target, User: d.User.User, Download: d})
	}
	m.userQueue.RemoveQIAll(qi, true)
	m.fileQueue.Remove(qi)
	delete(m.finishing, qi.target)

	b := m.bundleOf(qi.bundle)
	if b != nil {
		for _, u := range b.RemoveQueue(qi) {
			m.userQueue.RemoveBundle(b, u)
		}
	}
	*evs = append(*evs, Event{Type: EventItemRemoved, Target: qi.target, Bundle: qi.bundle})

	if qi.tempTarget != "" && qi.status != ItemMoved {
		temp := qi.tempTarget
		m.goBackground(func() {
			if err := m.files.Remove(temp); err != nil {
				m.Logger.Warn().Err(err).Str("path", temp).Msg("Failed to delete temp file")
			}
		})
	}
	return b
}

// removeItemLocked removes qi and updates its bundle: an empty bundle is
// dropped, a bundle whose remaining items are all downloaded moves on.
func (m *Manager) removeItemLocked(qi *QueueItem, evs *[]Event) {
	b := m.dropItemLocked(qi, evs)
	if b == nil {
		return
	}
	if len(b.items) == 0 {
		delete(m.bundles, b.token)
		*evs = append(*evs, Event{Type: EventBundleRemoved, Bundle: b.token, Target: b.target})
		return
	}
	if b.status == BundleQueued && b.IsDownloaded() {
		m.setBundleStatusLocked(b, BundleDownloaded, evs)
		m.setBundleStatusLocked(b, BundleHashing, evs)
		m.checkBundleHashedLocked(b, evs)
	}
}

func (m *Manager) removeBundleLocked(b *Bundle, keepFinished bool, evs *[]Event) {
	for _, qi := range b.Items() {
		if keepFinished && qi.status == ItemMoved {
			m.fileQueue.Remove(qi)
			for _, u := range b.RemoveQueue(qi) {
				m.userQueue.RemoveBundle(b, u)
			}
			continue
		}
		m.dropItemLocked(qi, evs)
	}
	delete(m.bundles, b.token)
	delete(m.scanning, b.token)
	*evs = append(*evs, Event{Type: EventBundleRemoved, Bundle: b.token, Target: b.target})
}

// RemoveFile removes a queued target, aborting its transfers.
func (m *Manager) RemoveFile(target string) error {
	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(filepath.Clean(target))
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	m.removeItemLocked(qi, &evs)
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// RemoveBundle removes a bundle and all of its unfinished items. Files that
// already reached their target stay on disk.
func (m *Manager) RemoveBundle(token BundleToken) error {
	var evs []Event
	m.mu.Lock()
	b, ok := m.bundles[token]
	if !ok {
		m.mu.Unlock()
		return queueErr(string(token), ErrNotFound)
	}
	m.removeBundleLocked(b, true, &evs)
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// RemoveSource removes user from every item, for reason.
func (m *Manager) RemoveSource(user UserID, reason SourceFlag) int {
	var evs []Event
	m.mu.Lock()
	n := 0
	for _, qi := range m.fileQueue.Items() {
		if qi.IsSource(user) {
			m.removeFileSourceLocked(qi, user, reason, &evs)
			n++
		}
	}
	if n > 0 {
		m.markDirty()
		m.updateGauges()
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
	return n
}

// RemoveFileSource removes user from one item, for reason.
func (m *Manager) RemoveFileSource(target string, user UserID, reason SourceFlag) error {
	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(filepath.Clean(target))
	if !ok || !qi.IsSource(user) {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	m.removeFileSourceLocked(qi, user, reason, &evs)
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// removeFileSourceLocked releases the transfers of user on qi before the
// source goes, so their segments return to the pool. A file list without
// sources is removed.
func (m *Manager) removeFileSourceLocked(qi *QueueItem, user UserID, reason SourceFlag, evs *[]Event) {
	for _, d := range qi.downloadsFrom(user) {
		qi.removeDownload(d)
		m.releaseDownloadLocked(qi, d)
		*evs = append(*evs, Event{Type: EventDownloadSuperseded, Target: qi.target, User: user, Download: d})
	}
	m.userQueue.RemoveQI(qi, user, true)
	qi.RemoveSource(user, reason)
	*evs = append(*evs, Event{Type: EventItemSources, Target: qi.target, Bundle: qi.bundle, User: user})

	if qi.isFileList() && len(qi.sources) == 0 {
		m.removeItemLocked(qi, evs)
	}
}

// MoveFile changes the target of a waiting item. The new target must stay
// inside the item's directory bundle; a file bundle follows its item.
func (m *Manager) MoveFile(target, newTarget string) error {
	dst, err := validateTarget(newTarget)
	if err != nil {
		return err
	}

	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(filepath.Clean(target))
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	if qi.IsRunning() || qi.status != ItemQueued {
		m.mu.Unlock()
		return queueErr(target, ErrItemRunning)
	}
	b := m.bundleOf(qi.bundle)
	if b != nil && !b.fileBundle && !b.Contains(dst) {
		m.mu.Unlock()
		return queueErr(dst, ErrInvalidTarget)
	}
	if other := m.findBundleLocked(dst); other != nil && other != b {
		m.mu.Unlock()
		return queueErr(dst, ErrTargetExists)
	}

	old := qi.target
	if err := m.fileQueue.Move(qi, dst); err != nil {
		m.mu.Unlock()
		var dupe *DupeError
		if errors.As(err, &dupe) {
			return queueErr(dst, ErrTargetExists)
		}
		return err
	}
	if b != nil && b.fileBundle {
		b.target = dst
	}
	evs = append(evs, Event{Type: EventItemMoved, Target: dst, Bundle: qi.bundle, Status: old})
	m.markDirty()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
