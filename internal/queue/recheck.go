package queue

import (
	"context"
	"io"
	"path/filepath"

	"swarmq/internal/hashing"
)

// RecheckResult summarizes an integrity check of a temp file.
type RecheckResult struct {
	Target    string `json:"target"`
	Verified  int64  `json:"verified"`
	Discarded int64  `json:"discarded"`
	Finished  bool   `json:"finished"`
}

// Recheck verifies the downloaded blocks of target against its hash tree.
// Blocks that fail are marked missing again and the item is requeued.
// Concurrent calls for the same target share one check.
func (m *Manager) Recheck(ctx context.Context, target string) (RecheckResult, error) {
	target = filepath.Clean(target)
	v, err, _ := m.rechecks.Do(target, func() (interface{}, error) {
		return m.recheck(ctx, target)
	})
	if err != nil {
		rechecks.WithLabelValues("error").Inc()
		return RecheckResult{}, err
	}
	res := v.(RecheckResult)
	if res.Discarded > 0 {
		rechecks.WithLabelValues("corrupt").Inc()
	} else {
		rechecks.WithLabelValues("ok").Inc()
	}
	return res, nil
}

func (m *Manager) recheck(ctx context.Context, target string) (RecheckResult, error) {
	m.mu.Lock()
	qi, ok := m.fileQueue.Find(target)
	switch {
	case !ok:
		m.mu.Unlock()
		return RecheckResult{}, queueErr(target, ErrNotFound)
	case qi.isFileList() || qi.status == ItemMoved:
		m.mu.Unlock()
		return RecheckResult{}, queueErr(target, ErrInvalidParameter)
	case qi.IsRunning() || qi.status == ItemHashing || qi.rechecking:
		m.mu.Unlock()
		return RecheckResult{}, queueErr(target, ErrItemRunning)
	}
	qi.rechecking = true
	temp, size, tth, status := qi.tempTarget, qi.size, qi.tth, qi.status
	old := qi.done.Segments()
	oldBytes := qi.done.Bytes()
	m.mu.Unlock()

	verified, err := m.verifyBlocks(ctx, temp, size, tth, old, status == ItemHashFailed)

	var evs []Event
	m.mu.Lock()
	defer func() {
		m.mu.Unlock()
		m.events.Publish(evs...)
	}()
	qi.rechecking = false
	if err != nil {
		return RecheckResult{}, err
	}
	if cur, ok := m.fileQueue.Find(target); !ok || cur != qi {
		return RecheckResult{}, queueErr(target, ErrNotFound)
	}

	qi.done = verified
	discarded := oldBytes - verified.Bytes()
	m.fileQueue.bytesLost(qi, discarded)

	if qi.status != ItemQueued {
		qi.status = ItemQueued
		evs = append(evs, Event{Type: EventItemStatus, Target: qi.target, Bundle: qi.bundle, Status: qi.status.String()})
	}
	finished := qi.IsFinished()
	if finished {
		m.itemDownloadedLocked(qi, &evs)
	} else {
		m.userQueue.AddQIAll(qi)
		if b := m.bundleOf(qi.bundle); b != nil {
			m.requeueBundleLocked(b, &evs)
		}
	}
	evs = append(evs, Event{Type: EventItemRechecked, Target: qi.target, Bundle: qi.bundle})
	m.markDirty()
	m.updateGauges()

	m.Logger.Info().
		Str("target", target).
		Int64("verified", verified.Bytes()).
		Int64("discarded", discarded).
		Msg("Recheck finished")
	return RecheckResult{Target: target, Verified: verified.Bytes(), Discarded: discarded, Finished: finished}, nil
}

// verifyBlocks returns the blocks of done that match the tree of tth. A
// file without a known tree can only be checked when it fits one block;
// otherwise discardAll decides between dropping everything and failing.
func (m *Manager) verifyBlocks(ctx context.Context, path string, size int64, tth hashing.Value, done []Segment, discardAll bool) (*segmentSet, error) {
	verified := newSegmentSet()

	tree, ok := m.services.Hasher.Tree(tth)
	if !ok && size <= hashing.BlockSizeFor(size) {
		tree, ok = &hashing.Tree{Root: tth, FileSize: size, BlockSize: hashing.BlockSizeFor(size), Leaves: []hashing.Value{tth}}, true
	}
	if !ok {
		if discardAll {
			return verified, nil
		}
		return nil, queueErr(path, ErrNoTree)
	}

	f, err := m.files.Open(path)
	if err != nil {
		if isNotExist(err) {
			return verified, nil
		}
		return nil, &FileError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	have := newSegmentSet()
	for _, seg := range done {
		have.Add(seg)
	}
	buf := make([]byte, tree.BlockSize)
	for i := 0; i < tree.BlockCount(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start, n := tree.BlockRange(i)
		block := Segment{Start: start, Size: n}
		if !have.Covers(block) {
			continue
		}
		if _, err := f.ReadAt(buf[:n], start); err != nil && err != io.EOF {
			return nil, &FileError{Path: path, Op: "read", Err: err}
		}
		if tree.VerifyBlock(i, buf[:n]) {
			verified.Add(block)
		}
	}
	return verified, nil
}
