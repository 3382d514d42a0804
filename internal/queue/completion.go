package queue

import (
	"fmt"
	"time"

	"swarmq/internal/hashing"
)

// itemDownloadedLocked moves a fully downloaded item out of the dispatch
// structure and starts its completion.
func (m *Manager) itemDownloadedLocked(qi *QueueItem, evs *[]Event) {
	if qi.status != ItemQueued {
		return
	}
	for _, d := range qi.Downloads() {
		qi.removeDownload(d)
		m.releaseDownloadLocked(qi, d)
		*evs = append(*evs, Event{Type: EventDownloadSuperseded, Target: qi.target, User: d.User.User, Download: d})
	}
	m.userQueue.RemoveQIAll(qi, true)
	m.setItemStatusLocked(qi, ItemDownloaded, evs)

	if b := m.bundleOf(qi.bundle); b != nil && b.IsDownloaded() {
		m.setBundleStatusLocked(b, BundleDownloaded, evs)
		m.setBundleStatusLocked(b, BundleHashing, evs)
	}
	m.scheduleFinishLocked(qi)
}

func (m *Manager) setItemStatusLocked(qi *QueueItem, s ItemStatus, evs *[]Event) {
	if qi.status == s {
		return
	}
	qi.status = s
	*evs = append(*evs, Event{Type: EventItemStatus, Target: qi.target, Bundle: qi.bundle, Status: s.String()})
}

func (m *Manager) setBundleStatusLocked(b *Bundle, s BundleStatus, evs *[]Event) bool {
	if b.status == s {
		return true
	}
	if !b.SetStatus(s) {
		m.Logger.Warn().
			Str("bundle", string(b.token)).
			Str("from", b.status.String()).
			Str("to", s.String()).
			Msg("Refused bundle status change")
		return false
	}
	*evs = append(*evs, Event{Type: EventBundleStatus, Bundle: b.token, Target: b.target, Status: s.String()})
	return true
}

// scheduleFinishLocked hands the temp file of a downloaded item to the hash
// service. At most one completion per target is in flight.
func (m *Manager) scheduleFinishLocked(qi *QueueItem) {
	if qi.status != ItemDownloaded || m.finishing[qi.target] {
		return
	}
	target, temp, size, tth := qi.target, qi.tempTarget, qi.size, qi.tth
	started := m.goBackground(func() {
		m.services.Hasher.RequestHash(temp, size, func(tree *hashing.Tree, err error) {
			m.onItemHashed(target, tth, tree, err)
		})
	})
	if !started {
		return
	}
	m.finishing[target] = true
	qi.status = ItemHashing
}

// onItemHashed verifies the hashed temp file against the expected root and
// moves it to its target.
func (m *Manager) onItemHashed(target string, expected hashing.Value, tree *hashing.Tree, hashErr error) {
	var evs []Event
	if hashErr != nil {
		m.Logger.Error().Err(hashErr).Str("target", target).Msg("Failed to hash downloaded file")
		m.mu.Lock()
		if qi, ok := m.fileQueue.Find(target); ok && qi.status == ItemHashing {
			m.setItemStatusLocked(qi, ItemDownloaded, &evs)
			evs = append(evs, Event{Type: EventItemFileError, Target: target, Bundle: qi.bundle, Err: hashErr})
		}
		delete(m.finishing, target)
		m.mu.Unlock()
		m.events.Publish(evs...)
		return
	}

	if !expected.IsZero() && tree.Root != expected {
		herr := &HashError{Target: target, Expected: expected, Actual: tree.Root}
		m.Logger.Warn().Err(herr).Msg("Downloaded file is corrupt")
		m.mu.Lock()
		if qi, ok := m.fileQueue.Find(target); ok && qi.status == ItemHashing {
			m.setItemStatusLocked(qi, ItemHashFailed, &evs)
			evs = append(evs, Event{Type: EventItemHashFailed, Target: target, Bundle: qi.bundle, Err: herr})
			m.goBackground(func() {
				if _, err := m.Recheck(m.ctx, target); err != nil {
					m.Logger.Error().Err(err).Str("target", target).Msg("Failed to recheck corrupt file")
				}
			})
		}
		delete(m.finishing, target)
		m.mu.Unlock()
		m.events.Publish(evs...)
		return
	}

	m.mu.Lock()
	qi, ok := m.fileQueue.Find(target)
	if !ok || qi.status != ItemHashing {
		delete(m.finishing, target)
		m.mu.Unlock()
		return
	}
	m.setItemStatusLocked(qi, ItemHashed, &evs)
	temp := qi.tempTarget
	m.mu.Unlock()
	m.events.Publish(evs...)
	evs = evs[:0]

	moveErr := m.files.Move(temp, target)

	m.mu.Lock()
	delete(m.finishing, target)
	qi, ok = m.fileQueue.Find(target)
	if !ok || qi.status != ItemHashed {
		m.mu.Unlock()
		return
	}
	if moveErr != nil {
		ferr := &FileError{Path: target, Op: "move", Err: moveErr}
		m.Logger.Error().Err(ferr).Msg("Failed to move finished file")
		evs = append(evs, Event{Type: EventItemFileError, Target: target, Bundle: qi.bundle, Err: ferr})
		m.mu.Unlock()
		m.events.Publish(evs...)
		return
	}

	m.setItemStatusLocked(qi, ItemMoved, &evs)
	evs = append(evs, Event{Type: EventItemFinished, Target: target, Bundle: qi.bundle})
	if b := m.bundleOf(qi.bundle); b != nil {
		m.checkBundleHashedLocked(b, &evs)
	}
	m.markDirty()
	m.mu.Unlock()

	m.Logger.Info().Str("target", target).Msg("File finished")
	m.events.Publish(evs...)
}

// checkBundleHashedLocked advances a bundle whose items are all in place
// and starts the share scan.
func (m *Manager) checkBundleHashedLocked(b *Bundle, evs *[]Event) {
	if !b.IsDownloaded() {
		return
	}
	for _, qi := range b.items {
		if qi.status != ItemMoved {
			return
		}
	}
	if b.status == BundleQueued {
		m.setBundleStatusLocked(b, BundleDownloaded, evs)
	}
	if b.status == BundleDownloaded {
		m.setBundleStatusLocked(b, BundleHashing, evs)
	}
	if m.setBundleStatusLocked(b, BundleHashed, evs) {
		m.scheduleScanLocked(b)
	}
}

func (m *Manager) scheduleScanLocked(b *Bundle) {
	if b.status != BundleHashed || m.scanning[b.token] {
		return
	}
	token, target := b.token, b.target
	files := make([]string, 0, len(b.items))
	for _, qi := range b.items {
		files = append(files, qi.target)
	}
	if m.goBackground(func() { m.scanBundle(token, target, files) }) {
		m.scanning[token] = true
	}
}

// scanBundle runs the share checks of a hashed bundle and, when they pass,
// shares it and drops it from the queue.
func (m *Manager) scanBundle(token BundleToken, target string, files []string) {
	result := ScanOK
	if m.services.Scanner != nil {
		result = m.services.Scanner.ScanBundle(m.ctx, target, files)
	}

	next := BundleFinished
	switch result {
	case ScanMissing:
		next = BundleFailedMissing
	case ScanSharingFailed:
		next = BundleSharingFailed
	}

	var evs []Event
	m.mu.Lock()
	delete(m.scanning, token)
	b, ok := m.bundles[token]
	if !ok || b.status != BundleHashed {
		m.mu.Unlock()
		return
	}
	m.setBundleStatusLocked(b, next, &evs)
	m.markDirty()
	m.mu.Unlock()
	m.events.Publish(evs...)

	if next != BundleFinished {
		m.Logger.Warn().Str("bundle", target).Str("status", next.String()).Msg("Bundle failed share checks")
		return
	}

	if m.services.Scanner != nil {
		if err := m.services.Scanner.ShareBundle(m.ctx, target); err != nil {
			m.Logger.Error().Err(fmt.Errorf("failed to share bundle %s: %w", target, err)).Msg("Bundle stays finished")
			return
		}
	}

	evs = evs[:0]
	m.mu.Lock()
	b, ok = m.bundles[token]
	if ok && b.status == BundleFinished && m.setBundleStatusLocked(b, BundleShared, &evs) {
		m.removeBundleLocked(b, false, &evs)
		m.markDirty()
		m.updateGauges()
	}
	m.mu.Unlock()

	m.Logger.Info().Str("bundle", target).Msg("Bundle shared")
	m.events.Publish(evs...)
}

// RescanBundle repeats the share checks of a failed bundle.
func (m *Manager) RescanBundle(token BundleToken) error {
	var evs []Event
	m.mu.Lock()
	b, ok := m.bundles[token]
	if !ok {
		m.mu.Unlock()
		return queueErr(string(token), ErrNotFound)
	}
	if !b.status.Failed() {
		m.mu.Unlock()
		return queueErr(b.target, ErrInvalidParameter)
	}
	m.setBundleStatusLocked(b, BundleHashed, &evs)
	m.scheduleScanLocked(b)
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// retryFinishing restarts completion for items whose hashing or move failed
// and for hashed bundles without a running scan.
func (m *Manager) retryFinishing() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, qi := range m.fileQueue.Items() {
		switch qi.status {
		case ItemDownloaded:
			m.scheduleFinishLocked(qi)
		case ItemHashed:
			if !m.finishing[qi.target] {
				qi.status = ItemDownloaded
				m.scheduleFinishLocked(qi)
			}
		}
	}
	for _, b := range m.bundles {
		if b.status == BundleHashed {
			m.scheduleScanLocked(b)
		}
	}
}

func (m *Manager) finishRetryRoutine() {
	ticker := time.NewTicker(finishRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.retryFinishing()
		case <-m.ctx.Done():
			return
		}
	}
}
