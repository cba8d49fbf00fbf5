// Package eventbus fans out worker progress, completion, and reconcile
// events to external subscribers without letting a slow subscriber
// back-pressure the publishing worker.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/archiveforge/git-archiver/internal/core"
)

// subscriberBuffer is the number of events queued for a subscriber before
// the bus starts dropping that subscriber's oldest unread events.
const subscriberBuffer = 64

// Subscription is a handle returned by Subscribe. Events arrive on C and
// Close unregisters the subscription and closes C.
type Subscription struct {
	C      <-chan core.Event
	bus    *Bus
	id     uint64
	ch     chan core.Event
	closed bool
	mu     sync.Mutex
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.remove(s.id)
	close(s.ch)
}

// Bus is the process-wide Event Bus (C10). The zero value is not usable;
// construct with New. Subscriber lists are protected by a lock that is held
// only to copy the slice, never while delivering.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan core.Event
}

// New returns a ready-to-use Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]chan core.Event),
	}
}

// Subscribe registers a new subscriber. Subscribers attach once and are
// expected to remain for the process lifetime; callers that need to detach
// early should call Subscription.Close.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan core.Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{C: ch, bus: b, id: id, ch: ch}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers event to every current subscriber. Delivery is
// best-effort per subscriber: a subscriber whose buffer is full has its
// oldest pending event dropped to make room, rather than blocking the
// publishing worker or any other subscriber.
func (b *Bus) Publish(event core.Event) {
	b.mu.Lock()
	targets := make([]chan core.Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		b.deliver(ch, event)
	}
}

func (b *Bus) deliver(ch chan core.Event, event core.Event) {
	select {
	case ch <- event:
		return
	default:
	}
	// Buffer full: drop the oldest queued event for this subscriber and
	// retry once, rather than blocking the worker that is publishing.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- event:
	default:
		b.logger.Warn("event bus: dropped event for slow subscriber")
	}
}

// PublishProgress is a convenience wrapper around Publish for TaskProgress.
func (b *Bus) PublishProgress(p core.TaskProgress) {
	b.Publish(core.Event{Progress: &p})
}

// PublishRepoUpdated is a convenience wrapper around Publish for RepoUpdated.
func (b *Bus) PublishRepoUpdated(repo core.Repository) {
	b.Publish(core.Event{Updated: &core.RepoUpdated{Repo: repo}})
}

// PublishError is a convenience wrapper around Publish for TaskError.
func (b *Bus) PublishError(repoID int64, kind, message string) {
	b.Publish(core.Event{Error: &core.TaskError{RepoID: repoID, Kind: kind, Message: message}})
}
