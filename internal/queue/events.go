package queue

import (
	"sync"
	"time"
)

type EventType string

const (
	EventItemAdded          EventType = "item.added"
	EventItemRemoved        EventType = "item.removed"
	EventItemMoved          EventType = "item.moved"
	EventItemFinished       EventType = "item.finished"
	EventItemStatus         EventType = "item.status"
	EventItemPriority       EventType = "item.priority"
	EventItemSources        EventType = "item.sources"
	EventItemRechecked      EventType = "item.rechecked"
	EventItemHashFailed     EventType = "item.hash_failed"
	EventItemFileError      EventType = "item.file_error"
	EventBundleAdded        EventType = "bundle.added"
	EventBundleRemoved      EventType = "bundle.removed"
	EventBundleMerged       EventType = "bundle.merged"
	EventBundleStatus       EventType = "bundle.status"
	EventBundlePriority     EventType = "bundle.priority"
	EventBundleSources      EventType = "bundle.sources"
	EventDownloadStarted    EventType = "download.started"
	EventDownloadSuperseded EventType = "download.superseded"
	EventPartialQuery       EventType = "partial.query"
	EventQueueSaved         EventType = "queue.saved"
)

// Event is a notification about a queue change. Fields that do not apply to
// the event type are left empty.
type Event struct {
	Type     EventType
	Target   string
	Bundle   BundleToken
	User     UserID
	Download *Download
	Status   string
	Err      error
	Time     time.Time
}

type Subscriber func(Event)

// EventBus delivers events to subscribers synchronously, in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]Subscriber)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *EventBus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *EventBus) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	now := time.Now()
	for _, e := range events {
		if e.Time.IsZero() {
			e.Time = now
		}
		for _, fn := range subs {
			fn(e)
		}
	}
}
