package queue

import (
	"path/filepath"
	"time"
)

// SetItemPriority changes the priority of one item and turns off its
// automatic priority. The bundle of a single file follows the item.
func (m *Manager) SetItemPriority(target string, prio Priority) error {
	if !prio.Valid() || prio == PriorityDefault {
		return queueErr(target, ErrInvalidParameter)
	}

	var evs []Event
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(filepath.Clean(target))
	if !ok {
		m.mu.Unlock()
		return queueErr(target, ErrNotFound)
	}
	qi.autoPriority = false
	m.setItemPriorityLocked(qi, prio, &evs)
	if b := m.bundleOf(qi.bundle); b != nil && b.fileBundle {
		b.autoPriority = false
		m.setBundlePriorityLocked(b, prio, &evs)
	}
	m.markDirty()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// SetBundlePriority changes the priority of a bundle and turns off its
// automatic priority. Paused bundles are skipped by dispatch.
func (m *Manager) SetBundlePriority(token BundleToken, prio Priority) error {
	if !prio.Valid() || prio == PriorityDefault {
		return queueErr(string(token), ErrInvalidParameter)
	}

	var evs []Event
	m.mu.Lock()
	b, ok := m.bundles[token]
	if !ok {
		m.mu.Unlock()
		return queueErr(string(token), ErrNotFound)
	}
	b.autoPriority = false
	m.setBundlePriorityLocked(b, prio, &evs)
	if b.fileBundle {
		for _, qi := range b.items {
			qi.autoPriority = false
			m.setItemPriorityLocked(qi, prio, &evs)
		}
	}
	m.markDirty()
	m.mu.Unlock()

	m.events.Publish(evs...)
	return nil
}

// SetItemAutoPriority toggles automatic priority of an item.
func (m *Manager) SetItemAutoPriority(target string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	qi, ok := m.fileQueue.Find(filepath.Clean(target))
	if !ok {
		return queueErr(target, ErrNotFound)
	}
	qi.autoPriority = enabled
	if b := m.bundleOf(qi.bundle); b != nil && b.fileBundle {
		b.autoPriority = enabled
	}
	m.markDirty()
	return nil
}

// SetBundleAutoPriority toggles automatic priority of a bundle and its items.
func (m *Manager) SetBundleAutoPriority(token BundleToken, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bundles[token]
	if !ok {
		return queueErr(string(token), ErrNotFound)
	}
	b.autoPriority = enabled
	for _, qi := range b.items {
		if !qi.smallFile {
			qi.autoPriority = enabled
		}
	}
	m.markDirty()
	return nil
}

func (m *Manager) setItemPriorityLocked(qi *QueueItem, prio Priority, evs *[]Event) {
	if qi.priority == prio {
		return
	}
	if qi.status == ItemQueued && !qi.IsFinished() {
		m.userQueue.SetQIPriority(qi, prio)
	} else {
		qi.priority = prio
	}
	*evs = append(*evs, Event{Type: EventItemPriority, Target: qi.target, Bundle: qi.bundle, Status: prio.String()})
}

func (m *Manager) setBundlePriorityLocked(b *Bundle, prio Priority, evs *[]Event) {
	if b.priority == prio {
		return
	}
	m.userQueue.SetBundlePriority(b, prio)
	*evs = append(*evs, Event{Type: EventBundlePriority, Bundle: b.token, Target: b.target, Status: prio.String()})
}

// calculateAutoPriorities applies the auto priority policy to the queued
// bundles that have automatic priority. Items with automatic priority
// follow their bundle.
func (m *Manager) calculateAutoPriorities() {
	var evs []Event
	m.mu.Lock()
	now := time.Now()
	var stats []BundleStat
	for _, b := range m.bundles {
		if !b.autoPriority || b.status != BundleQueued || b.priority == PriorityPaused {
			continue
		}
		stats = append(stats, BundleStat{
			Token:      b.token,
			Added:      b.added,
			Speed:      b.Speed(now),
			Size:       b.Size(),
			Downloaded: b.DownloadedBytes(),
		})
	}
	if len(stats) == 0 {
		m.mu.Unlock()
		return
	}

	for token, prio := range m.services.AutoPriority(stats) {
		b, ok := m.bundles[token]
		if !ok || !prio.Valid() || prio == PriorityDefault {
			continue
		}
		m.setBundlePriorityLocked(b, prio, &evs)
		for _, qi := range b.items {
			if qi.autoPriority {
				m.setItemPriorityLocked(qi, prio, &evs)
			}
		}
	}
	if len(evs) > 0 {
		m.markDirty()
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
}
