package queue

import (
	"fmt"
	"strings"
	"time"

	"swarmq/internal/hashing"
)

const (
	overlapMinRunning     = 4 * time.Second
	overlapMinSecondsLeft = 10
	maxPartialQueries     = 5
	queueFileVersion      = 1
	finishRetryInterval   = 30 * time.Second
)

// UserID is the client id (CID) of a peer.
type UserID string

// HintedUser is a peer together with the hub it was last seen on.
type HintedUser struct {
	User UserID `json:"cid"`
	Hub  string `json:"hub"`
}

func (u HintedUser) String() string {
	return string(u.User) + "@" + u.Hub
}

// Priority orders dispatch. The zero value is PriorityDefault, which add
// operations resolve from the file size.
type Priority int8

const (
	PriorityDefault Priority = iota
	PriorityPaused
	PriorityLowest
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityHighest

	priorityLast
)

var priorityNames = [...]string{"default", "paused", "lowest", "low", "normal", "high", "highest"}

func (p Priority) String() string {
	if p < PriorityDefault || p >= priorityLast {
		return fmt.Sprintf("priority(%d)", int8(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is a concrete priority an item or bundle can hold.
func (p Priority) Valid() bool {
	return p >= PriorityPaused && p < priorityLast
}

func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityDefault, fmt.Errorf("%w: unknown priority %q", ErrInvalidParameter, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ItemInfo is a read-only snapshot of a QueueItem.
type ItemInfo struct {
	Target     string        `json:"target"`
	TempTarget string        `json:"tempTarget,omitempty"`
	Size       int64         `json:"size"`
	Downloaded int64         `json:"downloaded"`
	TTH        hashing.Value `json:"tth"`
	Priority   Priority      `json:"priority"`
	Auto       bool          `json:"autoPriority"`
	Status     string        `json:"status"`
	Bundle     BundleToken   `json:"bundle,omitempty"`
	Sources    []HintedUser  `json:"sources"`
	BadSources []HintedUser  `json:"badSources,omitempty"`
	Running    int           `json:"running"`
	Added      time.Time     `json:"added"`
}

// BundleInfo is a read-only snapshot of a Bundle.
type BundleInfo struct {
	Token      BundleToken  `json:"token"`
	Target     string       `json:"target"`
	FileBundle bool         `json:"fileBundle"`
	Priority   Priority     `json:"priority"`
	Auto       bool         `json:"autoPriority"`
	Status     string       `json:"status"`
	Size       int64        `json:"size"`
	Downloaded int64        `json:"downloaded"`
	Speed      int64        `json:"speed"`
	Items      int          `json:"items"`
	Sources    []HintedUser `json:"sources"`
	Running    int          `json:"running"`
	Added      time.Time    `json:"added"`
}

func roundDown(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	return v - v%block
}

func roundUp(v, block int64) int64 {
	if block <= 0 {
		return v
	}
	return ((v + block - 1) / block) * block
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
