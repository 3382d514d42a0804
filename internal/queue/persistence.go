package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anacrolix/torrent/bencode"

	"swarmq/internal/hashing"
)

type queueRecord struct {
	Version int64          `bencode:"version"`
	Bundles []bundleRecord `bencode:"bundles"`
	Files   []fileRecord   `bencode:"files"`
}

type bundleRecord struct {
	Token        string `bencode:"token"`
	Target       string `bencode:"target"`
	FileBundle   int64  `bencode:"file_bundle"`
	Priority     int64  `bencode:"priority"`
	AutoPriority int64  `bencode:"auto_priority"`
	Added        int64  `bencode:"added"`
	Status       int64  `bencode:"status"`
}

type fileRecord struct {
	Target       string          `bencode:"target"`
	TempTarget   string          `bencode:"temp_target,omitempty"`
	Size         int64           `bencode:"size"`
	TTH          string          `bencode:"tth,omitempty"`
	Added        int64           `bencode:"added"`
	Priority     int64           `bencode:"priority"`
	AutoPriority int64           `bencode:"auto_priority"`
	Flags        int64           `bencode:"flags"`
	Bundle       string          `bencode:"bundle,omitempty"`
	MaxSegments  int64           `bencode:"max_segments"`
	Done         []segmentRecord `bencode:"done,omitempty"`
	Sources      []sourceRecord  `bencode:"sources,omitempty"`
}

type segmentRecord struct {
	Start int64 `bencode:"start"`
	Size  int64 `bencode:"size"`
}

type sourceRecord struct {
	CID   string `bencode:"cid"`
	Hub   string `bencode:"hub,omitempty"`
	Flags int64  `bencode:"flags"`
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// SaveQueue writes the queue file. Saving is best effort: a failure is
// logged, leaves the previous file intact and keeps the queue dirty.
func (m *Manager) SaveQueue() error {
	m.dirty.Store(false)

	m.mu.RLock()
	rec := m.snapshotLocked()
	m.mu.RUnlock()

	data, err := bencode.Marshal(rec)
	if err == nil {
		err = m.store.Write(data)
	}
	if err != nil {
		m.dirty.Store(true)
		queueSaves.WithLabelValues("error").Inc()
		m.Logger.Error().Err(err).Str("path", m.store.Path()).Msg("Failed to save queue")
		return fmt.Errorf("failed to save queue: %w", err)
	}

	queueSaves.WithLabelValues("ok").Inc()
	m.Logger.Debug().Int("files", len(rec.Files)).Int("bundles", len(rec.Bundles)).Msg("Queue saved")
	m.events.Publish(Event{Type: EventQueueSaved, Time: time.Now()})
	return nil
}

// Queue files store priorities from 0 (paused) to 5 (highest).
func storedPriority(p Priority) int64 {
	return int64(p - PriorityPaused)
}

func loadedPriority(v int64) Priority {
	if v < 0 || v > int64(PriorityHighest-PriorityPaused) {
		return PriorityDefault
	}
	return PriorityPaused + Priority(v)
}

func (m *Manager) snapshotLocked() queueRecord {
	rec := queueRecord{Version: queueFileVersion}
	for _, b := range m.bundles {
		rec.Bundles = append(rec.Bundles, bundleRecord{
			Token:        string(b.token),
			Target:       b.target,
			FileBundle:   boolInt(b.fileBundle),
			Priority:     storedPriority(b.priority),
			AutoPriority: boolInt(b.autoPriority),
			Added:        b.added.Unix(),
			Status:       int64(b.status),
		})
	}
	sort.Slice(rec.Bundles, func(i, j int) bool { return rec.Bundles[i].Token < rec.Bundles[j].Token })

	for _, qi := range m.fileQueue.Items() {
		if qi.isFileList() {
			continue
		}
		fr := fileRecord{
			Target:       qi.target,
			TempTarget:   qi.tempTarget,
			Size:         qi.size,
			Added:        qi.added.Unix(),
			Priority:     storedPriority(qi.priority),
			AutoPriority: boolInt(qi.autoPriority),
			Flags:        int64(qi.flags),
			Bundle:       string(qi.bundle),
			MaxSegments:  int64(qi.maxSegments),
		}
		if !qi.tth.IsZero() {
			fr.TTH = qi.tth.String()
		}
		for _, seg := range qi.done.Segments() {
			fr.Done = append(fr.Done, segmentRecord{Start: seg.Start, Size: seg.Size})
		}
		for _, s := range qi.sources {
			fr.Sources = append(fr.Sources, sourceRecord{CID: string(s.User.User), Hub: s.User.Hub, Flags: int64(s.Flags)})
		}
		rec.Files = append(rec.Files, fr)
	}
	return rec
}

// LoadQueue restores the queue file, falling back to the backup when the
// current file is unreadable. Invalid entries are skipped. Items that were
// completely downloaded resume their completion.
func (m *Manager) LoadQueue() error {
	rec, err := m.readQueue()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var evs []Event
	m.mu.Lock()
	loaded, skipped := m.restoreLocked(rec, &evs)
	m.updateGauges()
	m.mu.Unlock()

	m.Logger.Info().
		Int("files", loaded).
		Int("skipped", skipped).
		Int("bundles", len(rec.Bundles)).
		Msg("Queue loaded")
	m.events.Publish(evs...)
	m.connectLoadedSources()
	return nil
}

func (m *Manager) readQueue() (queueRecord, error) {
	var rec queueRecord
	data, err := m.store.Read()
	if err == nil {
		if err = bencode.Unmarshal(data, &rec); err == nil {
			return rec, nil
		}
		m.Logger.Warn().Err(err).Str("path", m.store.Path()).Msg("Queue file is corrupt, trying backup")
	} else if !errors.Is(err, os.ErrNotExist) {
		return rec, &FileError{Path: m.store.Path(), Op: "read", Err: err}
	}

	backup, berr := m.store.ReadBackup()
	if berr != nil {
		if errors.Is(berr, os.ErrNotExist) && errors.Is(err, os.ErrNotExist) {
			return rec, os.ErrNotExist
		}
		return rec, fmt.Errorf("failed to read queue: %w", err)
	}
	rec = queueRecord{}
	if err := bencode.Unmarshal(backup, &rec); err != nil {
		return rec, fmt.Errorf("failed to decode queue backup: %w", err)
	}
	return rec, nil
}

func (m *Manager) restoreLocked(rec queueRecord, evs *[]Event) (int, int) {
	failed := make(map[BundleToken]BundleStatus)
	for _, br := range rec.Bundles {
		target, err := validateTarget(br.Target)
		prio := loadedPriority(br.Priority)
		if err != nil || br.Token == "" || !prio.Valid() {
			m.Logger.Warn().Str("bundle", br.Target).Msg("Skipping invalid queued bundle")
			continue
		}
		if br.FileBundle == 0 {
			target += string(filepath.Separator)
		}
		b := NewBundle(BundleToken(br.Token), target, br.FileBundle != 0, prio, time.Unix(br.Added, 0))
		b.autoPriority = br.AutoPriority != 0
		b.SetStatus(BundleQueued)
		if s := BundleStatus(br.Status); s.Failed() {
			failed[b.token] = s
		}
		m.bundles[b.token] = b
	}

	loaded, skipped := 0, 0
	for _, fr := range rec.Files {
		if m.restoreFileLocked(fr, evs) {
			loaded++
		} else {
			skipped++
		}
	}

	for _, b := range m.bundles {
		if len(b.items) == 0 {
			delete(m.bundles, b.token)
			continue
		}
		if !b.IsDownloaded() {
			continue
		}
		m.setBundleStatusLocked(b, BundleDownloaded, evs)
		m.setBundleStatusLocked(b, BundleHashing, evs)
		if s, ok := failed[b.token]; ok {
			if m.setBundleStatusLocked(b, BundleHashed, evs) {
				m.setBundleStatusLocked(b, s, evs)
			}
			continue
		}
		m.checkBundleHashedLocked(b, evs)
	}
	for _, qi := range m.fileQueue.Items() {
		m.scheduleFinishLocked(qi)
	}
	return loaded, skipped
}

func (m *Manager) restoreFileLocked(fr fileRecord, evs *[]Event) bool {
	target, err := validateTarget(fr.Target)
	if err != nil || fr.Size <= 0 {
		m.Logger.Warn().Str("target", fr.Target).Msg("Skipping invalid queued file")
		return false
	}
	var tth hashing.Value
	if fr.TTH != "" {
		if tth, err = hashing.Parse(fr.TTH); err != nil {
			m.Logger.Warn().Err(err).Str("target", target).Msg("Skipping queued file with invalid hash")
			return false
		}
	}
	prio := loadedPriority(fr.Priority)
	if !prio.Valid() {
		prio = PriorityNormal
	}

	b := m.bundles[BundleToken(fr.Bundle)]
	if b == nil {
		b = NewBundle(BundleToken(newToken()), target, true, prio, time.Unix(fr.Added, 0))
		b.autoPriority = fr.AutoPriority != 0
		b.SetStatus(BundleQueued)
		m.bundles[b.token] = b
	}

	qi, created, err := m.addItemLocked(target, fr.Size, tth, prio, ItemFlag(fr.Flags), time.Unix(fr.Added, 0), b, evs)
	if err != nil || !created {
		m.Logger.Warn().Err(err).Str("target", target).Msg("Skipping duplicate queued file")
		return false
	}
	qi.autoPriority = fr.AutoPriority != 0
	if fr.TempTarget != "" {
		qi.tempTarget = fr.TempTarget
	}
	if fr.MaxSegments > 0 {
		qi.SetMaxSegments(int(fr.MaxSegments))
	}
	for _, s := range fr.Done {
		if s.Start < 0 || s.Size <= 0 || s.Start+s.Size > qi.size {
			continue
		}
		n, _ := qi.AddFinishedSegment(Segment{Start: s.Start, Size: s.Size})
		m.fileQueue.bytesFinished(qi, n)
	}

	if qi.IsFinished() {
		qi.status = ItemDownloaded
		if m.files.Exists(target) && !m.files.Exists(qi.tempTarget) {
			qi.status = ItemMoved
		}
	}

	for _, s := range fr.Sources {
		if s.CID == "" {
			continue
		}
		user := HintedUser{User: UserID(s.CID), Hub: s.Hub}
		if _, err := m.addSourceLocked(qi, user, 0, evs); err != nil {
			continue
		}
		if src, ok := qi.Source(user.User); ok {
			src.Flags = SourceFlag(s.Flags) &^ hardSourceFlags
		}
	}
	return true
}

// connectLoadedSources connects to the online sources of the loaded queue.
func (m *Manager) connectLoadedSources() {
	if m.services.Connections == nil {
		return
	}
	m.mu.RLock()
	var users []HintedUser
	for _, b := range m.bundles {
		for _, s := range b.Sources() {
			users = append(users, s.User)
		}
	}
	m.mu.RUnlock()
	m.connectSources(users)
}
