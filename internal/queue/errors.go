package queue

import (
	"errors"
	"fmt"

	"swarmq/internal/hashing"
)

var (
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrTargetExists     = errors.New("target already queued with different content")
	ErrDuplicateSource  = errors.New("user is already a source")
	ErrBadSource        = errors.New("user is a bad source for this file")
	ErrNotFound         = errors.New("not found")
	ErrItemRunning      = errors.New("item is being downloaded")
	ErrNoTree           = errors.New("hash tree not available")
	ErrNoFiles          = errors.New("no files to add")
	ErrManagerClosed    = errors.New("queue manager closed")

	// ErrNoDownload is wrapped by every reason a connection gets no work.
	ErrNoDownload       = errors.New("no download")
	ErrNoFreeBlock      = fmt.Errorf("%w: no free block", ErrNoDownload)
	ErrNoNeededPart     = fmt.Errorf("%w: source has no needed parts", ErrNoDownload)
	ErrUserOffline      = fmt.Errorf("%w: user offline", ErrNoDownload)
	ErrSmallSlotOnly    = fmt.Errorf("%w: only small files allowed", ErrNoDownload)
	ErrRechecking       = fmt.Errorf("%w: item is being rechecked", ErrNoDownload)
	ErrSegmentLimit     = fmt.Errorf("%w: segment limit reached", ErrNoDownload)
	ErrNotSource        = fmt.Errorf("%w: user is not a source", ErrNoDownload)
	ErrTreeInProgress   = fmt.Errorf("%w: tree download in progress", ErrNoDownload)
	ErrAlreadyRunning   = fmt.Errorf("%w: already downloading", ErrNoDownload)
	ErrFinished         = fmt.Errorf("%w: item finished", ErrNoDownload)
	ErrNothingQueued    = fmt.Errorf("%w: nothing queued", ErrNoDownload)
)

// QueueError rejects invalid input synchronously.
type QueueError struct {
	Target string
	Err    error
}

func (e *QueueError) Error() string {
	if e.Target == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Target, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// FileError reports local I/O failures on temporary or target files. The
// affected item stays queued.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// DupeError is returned by FileQueue when the target is already indexed.
type DupeError struct {
	Target   string
	Existing *QueueItem
}

func (e *DupeError) Error() string {
	return fmt.Sprintf("%s: target already queued", e.Target)
}

// HashError reports content whose hash does not match the expected root.
type HashError struct {
	Target   string
	Expected hashing.Value
	Actual   hashing.Value
}

func (e *HashError) Error() string {
	return fmt.Sprintf("%s: hash mismatch, expected %s got %s", e.Target, e.Expected, e.Actual)
}

func queueErr(target string, err error) error {
	return &QueueError{Target: target, Err: err}
}
