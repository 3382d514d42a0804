package queue

import "time"

// saveRoutine writes the queue when it changed, at most once per
// MinSaveInterval.
func (m *Manager) saveRoutine() {
	ticker := time.NewTicker(m.config.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.dirty.Load() && m.saveLimiter.Allow() {
				m.SaveQueue()
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) autoPriorityRoutine() {
	ticker := time.NewTicker(m.config.AutoPriorityInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.calculateAutoPriorities()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) partialQueryRoutine() {
	interval := m.config.PartialQueryInterval / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.queryPartialSources()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) sourceCooldownRoutine() {
	interval := m.config.SourceCooldown / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.readdExpiredSources(time.Now())
		case <-m.ctx.Done():
			return
		}
	}
}

// readdExpiredSources gives soft bad sources another chance once their
// cooldown has passed. It returns the number of restored sources.
func (m *Manager) readdExpiredSources(now time.Time) int {
	var (
		evs      []Event
		restored int
		users    []HintedUser
	)
	m.mu.Lock()
	for _, qi := range m.fileQueue.Items() {
		for _, user := range qi.expiredBadSources(m.config.SourceCooldown, now) {
			s, ok := qi.ReaddSource(user)
			if !ok {
				continue
			}
			if qi.status == ItemQueued && !qi.IsFinished() {
				m.userQueue.AddQI(qi, s.User)
			}
			evs = append(evs, Event{Type: EventItemSources, Target: qi.target, User: user})
			users = append(users, s.User)
			restored++
		}
	}
	if restored > 0 {
		m.markDirty()
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
	m.connectSources(users)
	if restored > 0 {
		m.Logger.Debug().Int("sources", restored).Msg("Restored sources after cooldown")
	}
	return restored
}
