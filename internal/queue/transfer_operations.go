package queue

import (
	"time"

	"swarmq/internal/hashing"
)

// DownloadRequest describes a connection asking for work.
type DownloadRequest struct {
	User       HintedUser
	OnlineHubs []string
	WantedSize int64
	LastSpeed  int64
	SmallSlot  bool
}

// GetDownload picks the next item for the user, reserves a segment of it
// and returns the transfer descriptor. Reservation happens under the same
// lock as the selection, so concurrent callers never receive the same range
// unless the overlap rules allow it.
func (m *Manager) GetDownload(req DownloadRequest) (*Download, error) {
	if m.ctx.Err() != nil {
		return nil, ErrManagerClosed
	}
	wanted := req.WantedSize
	if wanted <= 0 {
		wanted = int64(m.config.ChunkSize.Bytes())
	}
	user := req.User.User

	m.mu.Lock()
	qi, err := m.userQueue.GetNext(user, req.OnlineHubs, PriorityLowest, wanted, req.LastSpeed, req.SmallSlot, m.allowOverlap())
	if qi == nil {
		m.mu.Unlock()
		return nil, err
	}

	src, _ := qi.Source(user)
	src.updateHubHint(req.OnlineHubs)

	d := &Download{
		Token:      newToken(),
		User:       src.User,
		Target:     qi.target,
		TempTarget: qi.tempTarget,
		TTH:        qi.tth,
		Path:       qi.listPath,
		Bundle:     qi.bundle,
		Start:      time.Now(),
		Segment:    Segment{Start: 0, Size: -1},
	}
	switch {
	case qi.flags.Has(ItemPartialList):
		d.Type = DownloadPartialList
	case qi.flags.Has(ItemUserList):
		d.Type = DownloadFullList
	case m.needsTreeLocked(qi, src):
		d.Type = DownloadTree
	default:
		d.Type = DownloadFile
		seg := qi.GetNextSegment(qi.BlockSize(), wanted, req.LastSpeed, src.Partial, m.allowOverlap())
		if seg.Size == 0 || seg.Start < 0 {
			m.mu.Unlock()
			return nil, ErrNoFreeBlock
		}
		d.Segment = seg
	}

	m.userQueue.AddDownload(qi, d)
	m.transfers[d.Token] = qi
	runningDownloads.Set(float64(len(m.transfers)))
	segmentsAssigned.WithLabelValues(d.Type.String()).Inc()
	m.mu.Unlock()

	m.Logger.Debug().
		Str("target", d.Target).
		Str("user", string(user)).
		Str("type", d.Type.String()).
		Str("segment", d.Segment.String()).
		Msg("Download assigned")
	m.events.Publish(Event{Type: EventDownloadStarted, Target: d.Target, Bundle: d.Bundle, User: user, Download: d})
	return d, nil
}

// needsTreeLocked reports whether the hash tree of qi must be fetched from
// src before any content.
func (m *Manager) needsTreeLocked(qi *QueueItem, src *Source) bool {
	if qi.tth.IsZero() || qi.blockSize > 0 || qi.size <= hashing.MinBlockSize {
		return false
	}
	if bs, ok := m.services.Hasher.TreeInfo(qi.tth); ok {
		qi.blockSize = bs
		return false
	}
	return !src.IsSet(SourceNoTree)
}

// PutDownload returns a transfer. On success its segment is marked done;
// on failure the segment is released, keeping the complete blocks received
// so far. noAccess removes the source from the item; rotateQueue moves the
// item behind its peers in the user's buckets.
func (m *Manager) PutDownload(d *Download, finished, noAccess, rotateQueue bool) {
	var evs []Event
	m.mu.Lock()
	m.putDownloadLocked(d, finished, noAccess, rotateQueue, &evs)
	m.markDirty()
	m.updateGauges()
	m.mu.Unlock()

	m.events.Publish(evs...)
}

func (m *Manager) putDownloadLocked(d *Download, finished, noAccess, rotateQueue bool, evs *[]Event) {
	qi, ok := m.transfers[d.Token]
	if !ok {
		return
	}
	m.releaseDownloadLocked(qi, d)
	user := d.User.User

	switch d.Type {
	case DownloadTree:
		src, _ := qi.Source(user)
		if finished {
			if bs, ok := m.services.Hasher.TreeInfo(qi.tth); ok {
				qi.blockSize = bs
				return
			}
			if src != nil {
				src.SetFlag(SourceBadTree | SourceNoTree)
			}
			return
		}
		if noAccess && src != nil {
			src.SetFlag(SourceNoTree)
		}

	case DownloadFullList, DownloadPartialList:
		if finished {
			*evs = append(*evs, Event{Type: EventItemFinished, Target: qi.target, User: user})
			m.removeItemLocked(qi, evs)
			return
		}
		if noAccess {
			m.removeItemLocked(qi, evs)
		}

	default:
		if finished {
			m.addDoneLocked(qi, d.Segment, evs)
		} else {
			if !d.Overlapped() && d.Pos() > 0 {
				keep := roundDown(min64(d.Pos(), d.Segment.Size), qi.BlockSize())
				if keep > 0 {
					m.addDoneLocked(qi, Segment{Start: d.Segment.Start, Size: keep}, evs)
				}
			}
			if noAccess {
				m.removeFileSourceLocked(qi, user, SourceFileNotAvailable, evs)
			} else if rotateQueue {
				m.userQueue.RotateQI(qi, user)
			}
		}
		if qi.IsFinished() {
			m.itemDownloadedLocked(qi, evs)
		}
	}
}

// addDoneLocked records finished bytes and supersedes transfers that no
// longer have anything left to fetch.
func (m *Manager) addDoneLocked(qi *QueueItem, seg Segment, evs *[]Event) {
	added, superseded := qi.AddFinishedSegment(seg)
	m.fileQueue.bytesFinished(qi, added)
	bytesFinished.Add(float64(added))

	bs := qi.BlockSize()
	for _, other := range qi.Downloads() {
		if !other.Overlapped() || other.Type != DownloadFile {
			continue
		}
		pos := min64(other.Pos(), other.Segment.Size)
		tail := Segment{Start: other.Segment.Start + pos, Size: other.Segment.Size - pos}
		if tail.Size > 0 && !qi.done.Covers(tail) {
			continue
		}
		qi.removeDownload(other)
		if keep := roundDown(pos, bs); keep > 0 {
			n, _ := qi.AddFinishedSegment(Segment{Start: other.Segment.Start, Size: keep})
			m.fileQueue.bytesFinished(qi, n)
			bytesFinished.Add(float64(n))
		}
		superseded = append(superseded, other)
	}

	for _, sd := range superseded {
		m.releaseDownloadLocked(qi, sd)
		*evs = append(*evs, Event{Type: EventDownloadSuperseded, Target: qi.target, User: sd.User.User, Download: sd})
	}
}

// releaseDownloadLocked frees the reservation of d once.
func (m *Manager) releaseDownloadLocked(qi *QueueItem, d *Download) {
	if _, ok := m.transfers[d.Token]; !ok {
		return
	}
	delete(m.transfers, d.Token)
	m.userQueue.RemoveDownload(qi, d)
	runningDownloads.Set(float64(len(m.transfers)))
}

// CancelDownloads returns every transfer of user as failed, releasing the
// reserved segments. It is a no-op for users without transfers.
func (m *Manager) CancelDownloads(user UserID) int {
	var evs []Event
	m.mu.Lock()
	var cancelled []*Download
	for _, qi := range m.userQueue.Running(user) {
		cancelled = append(cancelled, qi.downloadsFrom(user)...)
	}
	for _, d := range cancelled {
		m.putDownloadLocked(d, false, false, false, &evs)
		evs = append(evs, Event{Type: EventDownloadSuperseded, Target: d.Target, User: user, Download: d})
	}
	if len(cancelled) > 0 {
		m.markDirty()
		m.updateGauges()
	}
	m.mu.Unlock()

	m.events.Publish(evs...)
	return len(cancelled)
}

// Running returns the transfers currently reserved for user.
func (m *Manager) Running(user UserID) []*Download {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Download
	for _, qi := range m.userQueue.Running(user) {
		out = append(out, qi.downloadsFrom(user)...)
	}
	return out
}
