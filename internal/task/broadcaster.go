package task

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"comicshelf/internal/catalog"
)

// EventType distinguishes broadcast payloads.
type EventType string

const (
	// EventCreated is sent once when a task is inserted.
	EventCreated EventType = "task_created"
	// EventUpdated is sent on every subsequent mutation.
	EventUpdated EventType = "task_updated"
)

// Event is the unit of fan-out: one task snapshot plus what happened to it.
type Event struct {
	Type EventType     `json:"type"`
	Task *catalog.Task `json:"task"`
}

const defaultMailboxSize = 64

// Broadcaster fans task events out to subscribers. Every subscriber owns a
// bounded mailbox; Publish never blocks, and a subscriber whose mailbox is
// full is dropped rather than allowed to stall the publisher.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	mailboxSize int
	logger      *zap.Logger
}

// NewBroadcaster returns an empty Broadcaster. A non-positive mailboxSize
// falls back to the default.
func NewBroadcaster(mailboxSize int, logger *zap.Logger) *Broadcaster {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		mailboxSize: mailboxSize,
		logger:      logger,
	}
}

// Subscribe registers a new mailbox and returns its receive channel together
// with a cancel function. Cancel is idempotent and closes the channel, so
// receivers see the subscription end as a channel close.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, b.mailboxSize)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish delivers evt to every live subscriber without blocking. A full
// mailbox means the subscriber stopped draining; it is unsubscribed and its
// channel closed so the receiver notices.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			delete(b.subscribers, id)
			close(ch)
			b.logger.Warn("dropping slow task event subscriber",
				zap.String("subscriber_id", id),
				zap.Int("mailbox_size", b.mailboxSize))
		}
	}
}

// SubscriberCount reports how many mailboxes are currently registered.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close unsubscribes everyone. Pending mailbox contents remain readable until
// the receiver drains to the close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
