package queue

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/bits-and-blooms/bloom/v3"

	"swarmq/internal/hashing"
)

// partialItemLocked returns the unfinished item with tth that is large
// enough to be shared while downloading and has a known tree.
func (m *Manager) partialItemLocked(tth hashing.Value) (*QueueItem, int64, bool) {
	minSize := int64(m.config.PartialShareMinSize.Bytes())
	for _, qi := range m.fileQueue.FindTTH(tth) {
		if qi.size < minSize || qi.status != ItemQueued || qi.IsFinished() {
			continue
		}
		bs := qi.blockSize
		if bs <= 0 {
			var ok bool
			if bs, ok = m.services.Hasher.TreeInfo(tth); !ok {
				continue
			}
			qi.blockSize = bs
		}
		return qi, bs, true
	}
	return nil, 0, false
}

// HandlePartialSearch answers a peer asking which blocks of tth we have.
func (m *Manager) HandlePartialSearch(user UserID, tth hashing.Value) (*roaring.Bitmap, int64, error) {
	if !m.config.PartialSharing {
		return nil, 0, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	qi, bs, ok := m.partialItemLocked(tth)
	if !ok {
		return nil, 0, queueErr(tth.String(), ErrNotFound)
	}
	parts := qi.PartialInfo(bs)
	if parts.IsEmpty() {
		return nil, 0, queueErr(qi.target, ErrNotFound)
	}
	m.Logger.Debug().Str("target", qi.target).Str("user", string(user)).Uint64("parts", parts.GetCardinality()).Msg("Answered partial search")
	return parts, bs, nil
}

// HandlePartialResult records the blocks a peer reported for tth. A peer
// that is not yet a source becomes a partial source when it has blocks we
// need. Our own blocks are returned so the peer can use us in turn.
func (m *Manager) HandlePartialResult(user HintedUser, tth hashing.Value, ps *PartialSource) (*roaring.Bitmap, error) {
	if !m.config.PartialSharing {
		return nil, ErrNotFound
	}
	if ps == nil || ps.Parts == nil {
		return nil, ErrInvalidParameter
	}

	var (
		evs     []Event
		connect bool
	)
	m.mu.Lock()
	qi, bs, ok := m.partialItemLocked(tth)
	if !ok {
		m.mu.Unlock()
		return nil, queueErr(tth.String(), ErrNotFound)
	}
	if ps.BlockSize <= 0 {
		ps.BlockSize = bs
	}
	next := time.Now().Add(m.config.PartialQueryInterval)

	if src, ok := qi.Source(user.User); ok {
		if src.Partial != nil {
			src.Partial.Parts = ps.Parts
			src.Partial.BlockSize = ps.BlockSize
			src.Partial.PendingQueries = 0
			src.Partial.NextQuery = next
			src.User.Hub = user.Hub
		}
	} else {
		if !qi.IsNeededPart(ps.Parts, ps.BlockSize) {
			m.mu.Unlock()
			return nil, queueErr(qi.target, ErrNoNeededPart)
		}
		isNew, err := m.addSourceLocked(qi, user, SourceNoNeedParts|SourceFileNotAvailable, &evs)
		if err != nil {
			m.mu.Unlock()
			m.events.Publish(evs...)
			return nil, err
		}
		src, _ := qi.Source(user.User)
		src.SetFlag(SourcePartial)
		src.Partial = &PartialSource{BlockSize: ps.BlockSize, Parts: ps.Parts, NextQuery: next}
		connect = isNew
	}
	ours := qi.PartialInfo(bs)
	m.markDirty()
	m.mu.Unlock()

	m.events.Publish(evs...)
	if connect {
		m.connectSources([]HintedUser{user})
	}
	return ours, nil
}

type partialQuery struct {
	user      HintedUser
	tth       hashing.Value
	blockSize int64
	ours      *roaring.Bitmap
}

// queryPartialSources refreshes the block lists of due partial sources and
// drops the ones that stopped answering.
func (m *Manager) queryPartialSources() {
	if m.services.Partial == nil || !m.config.PartialSharing {
		return
	}

	var (
		evs     []Event
		queries []partialQuery
	)
	now := time.Now()
	m.mu.Lock()
	for _, qi := range m.fileQueue.Items() {
		if qi.status != ItemQueued || qi.IsFinished() {
			continue
		}
		for _, src := range qi.Sources() {
			p := src.Partial
			if p == nil || now.Before(p.NextQuery) {
				continue
			}
			if p.PendingQueries >= maxPartialQueries {
				m.removeFileSourceLocked(qi, src.User.User, SourceNoNeedParts, &evs)
				continue
			}
			p.PendingQueries++
			p.NextQuery = now.Add(m.config.PartialQueryInterval)
			queries = append(queries, partialQuery{
				user:      src.User,
				tth:       qi.tth,
				blockSize: qi.BlockSize(),
				ours:      qi.PartialInfo(qi.BlockSize()),
			})
			evs = append(evs, Event{Type: EventPartialQuery, Target: qi.target, Bundle: qi.bundle, User: src.User.User})
		}
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
	for _, q := range queries {
		if err := m.services.Partial.SendPartialQuery(q.user, q.tth, q.blockSize, q.ours); err != nil {
			m.Logger.Debug().Err(err).Str("user", string(q.user.User)).Msg("Failed to send partial query")
		}
	}
}

// GetBloom builds a bloom filter of m bits and k hash functions over the
// hashes of queued and shared files.
func (m *Manager) GetBloom(bits, hashes uint) (*bloom.BloomFilter, error) {
	if bits == 0 || hashes == 0 || hashes > 64 {
		return nil, fmt.Errorf("invalid bloom parameters m=%d k=%d: %w", bits, hashes, ErrInvalidParameter)
	}
	filter := bloom.New(bits, hashes)

	m.mu.RLock()
	for _, qi := range m.fileQueue.Items() {
		if !qi.tth.IsZero() {
			filter.Add(qi.tth[:])
		}
	}
	m.mu.RUnlock()

	if m.services.Shared != nil {
		for _, tth := range m.services.Shared.SharedTTHs() {
			filter.Add(tth[:])
		}
	}
	return filter, nil
}
