package queue

import (
	"math"
	"time"

	"go.uber.org/atomic"

	"swarmq/internal/hashing"
	"swarmq/internal/protocol"
)

type DownloadType uint8

const (
	DownloadFile DownloadType = iota
	DownloadFullList
	DownloadPartialList
	DownloadTree
)

func (t DownloadType) String() string {
	switch t {
	case DownloadFile:
		return "file"
	case DownloadFullList:
		return "full-list"
	case DownloadPartialList:
		return "partial-list"
	case DownloadTree:
		return "tree"
	}
	return "unknown"
}

// Download describes one reserved transfer handed to a connection. The
// connection reports progress through SetPos/AddPos and returns the
// descriptor with Manager.PutDownload. The exported fields are not written
// after the descriptor is handed out.
type Download struct {
	Token      string
	User       HintedUser
	Type       DownloadType
	Target     string
	TempTarget string
	TTH        hashing.Value
	Path       string
	Segment    Segment
	Bundle     BundleToken
	Start      time.Time

	pos        atomic.Int64
	overlapped atomic.Bool
}

// Overlapped reports whether the segment duplicates another transfer, either
// because it was reserved as an overlap or because a faster source has since
// been given its tail.
func (d *Download) Overlapped() bool {
	return d.Segment.Overlapped || d.overlapped.Load()
}

// Pos is the number of bytes received for the segment so far.
func (d *Download) Pos() int64 {
	return d.pos.Load()
}

func (d *Download) SetPos(n int64) {
	d.pos.Store(n)
}

func (d *Download) AddPos(n int64) int64 {
	return d.pos.Add(n)
}

// Speed is the average rate in bytes per second since Start.
func (d *Download) Speed(now time.Time) int64 {
	elapsed := now.Sub(d.Start).Seconds()
	if d.Start.IsZero() || elapsed <= 0 {
		return 0
	}
	return int64(float64(d.Pos()) / elapsed)
}

// SecondsLeft estimates the remaining time of the segment at the current
// speed. A stalled transfer never finishes.
func (d *Download) SecondsLeft(now time.Time) int64 {
	speed := d.Speed(now)
	if speed <= 0 {
		return math.MaxInt64
	}
	left := d.Segment.Size - d.Pos()
	if left <= 0 {
		return 0
	}
	return left / speed
}

// Request renders the GET command for the transfer.
func (d *Download) Request() protocol.GetRequest {
	g := protocol.GetRequest{Start: d.Segment.Start, Bytes: d.Segment.Size}
	switch d.Type {
	case DownloadTree:
		g.Type = protocol.TypeTree
		g.Identifier = protocol.TTHIdentifier(d.TTH.String())
		g.Start, g.Bytes = 0, -1
	case DownloadFullList, DownloadPartialList:
		g.Type = protocol.TypeList
		g.Identifier = d.Path
		if g.Identifier == "" {
			g.Identifier = "/"
		}
		g.Start, g.Bytes = 0, -1
	default:
		g.Type = protocol.TypeFile
		g.Identifier = protocol.TTHIdentifier(d.TTH.String())
	}
	return g
}
