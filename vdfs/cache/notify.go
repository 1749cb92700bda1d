package cache

import (
	"sync"
	"time"
)

// ChangeKind identifies the store mutation behind a ChangeEvent
type ChangeKind int

const (
	// ChangeInsert is raised for every inserted node
	ChangeInsert ChangeKind = iota
	// ChangeRename is raised when a node or subtree is rekeyed
	ChangeRename
	// ChangeDelete is raised when a node (and its subtree) is removed
	ChangeDelete
	// ChangeInvalidate is raised when a node is dropped and its parent unparsed
	ChangeInvalidate
	// ChangeClear is raised when the whole cache is dropped
	ChangeClear
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeRename:
		return "rename"
	case ChangeDelete:
		return "delete"
	case ChangeInvalidate:
		return "invalidate"
	case ChangeClear:
		return "clear"
	default:
		return "unknown"
	}
}

// ChangeEvent tells observers that the cache changed.
type ChangeEvent struct {
	Kind    ChangeKind
	Path    string
	OldPath string // For rename events
	At      time.Time
}

const subscriberBuffer = 64

// Broadcaster fans change events out to subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan ChangeEvent]struct{}
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan ChangeEvent]struct{}),
	}
}

// Subscribe registers a new observer. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event ChangeEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
