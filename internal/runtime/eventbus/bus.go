// Package eventbus is the in-process lifecycle event channel. Publishing
// never blocks: a full ring evicts its oldest event.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// Kind tags a lifecycle event.
type Kind string

const (
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
	KindError    Kind = "ERROR"
)

// Event is transient. Request and Outcome point at records owned by the
// audit path and must not be modified by subscribers.
type Event struct {
	Seq           uint64                 `json:"seq"`
	Kind          Kind                   `json:"kind"`
	CorrelationID string                 `json:"correlation_id"`
	At            time.Time              `json:"at"`
	Core          model.Core             `json:"core,omitempty"`
	Request       *model.RequestSnapshot `json:"request,omitempty"`
	Outcome       *model.ResponseOutcome `json:"outcome,omitempty"`
}

// Bus is a fixed-capacity ring shared by all subscribers. Each subscriber
// keeps its own cursor, so a slow subscriber only loses events to eviction
// and never slows down publishers or other subscribers.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	oldest   uint64
	next     uint64
	notify   chan struct{}
	capacity int

	dropped     atomic.Uint64
	subscribers atomic.Int64
}

// New returns a bus holding at most capacity events.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring:     make([]Event, capacity),
		notify:   make(chan struct{}),
		capacity: capacity,
	}
}

// Publish appends ev, evicting the oldest event when the ring is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	if b.next-b.oldest == uint64(b.capacity) {
		b.ring[b.oldest%uint64(b.capacity)] = Event{}
		b.oldest++
		b.dropped.Add(1)
	}
	ev.Seq = b.next
	b.ring[b.next%uint64(b.capacity)] = ev
	b.next++
	wake := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(wake)
}

// Dropped returns how many events were evicted from the ring.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Stats is a point-in-time view of the bus.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Buffered    int    `json:"buffered"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int64  `json:"subscribers"`
}

func (b *Bus) Stats() Stats {
	b.mu.Lock()
	buffered := int(b.next - b.oldest)
	published := b.next
	b.mu.Unlock()
	return Stats{
		Capacity:    b.capacity,
		Buffered:    buffered,
		Published:   published,
		Dropped:     b.dropped.Load(),
		Subscribers: b.subscribers.Load(),
	}
}

// Subscribe attaches a reader positioned at the oldest retained event.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	cursor := b.oldest
	b.mu.Unlock()
	b.subscribers.Add(1)
	return &Subscription{bus: b, cursor: cursor, closed: make(chan struct{})}
}

// Subscription is an at-most-once view of the bus. It is not safe for
// concurrent use by multiple readers.
type Subscription struct {
	bus       *Bus
	cursor    uint64
	missed    atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// Next blocks until an event is available, ctx is done or the subscription
// is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		select {
		case <-s.closed:
			return Event{}, errorspkg.ErrSubscriptionClosed
		default:
		}
		b := s.bus
		b.mu.Lock()
		if s.cursor < b.oldest {
			s.missed.Add(b.oldest - s.cursor)
			s.cursor = b.oldest
		}
		if s.cursor < b.next {
			ev := b.ring[s.cursor%uint64(b.capacity)]
			s.cursor++
			b.mu.Unlock()
			return ev, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-s.closed:
			return Event{}, errorspkg.ErrSubscriptionClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Run calls fn for every event until ctx is done or the subscription closes.
// It blocks; start it on the subscriber's own goroutine.
func (s *Subscription) Run(ctx context.Context, fn func(Event)) error {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		fn(ev)
	}
}

// Missed returns how many events were evicted before this subscriber read them.
func (s *Subscription) Missed() uint64 { return s.missed.Load() }

// Close detaches the subscription and unblocks a pending Next.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.bus.subscribers.Add(-1)
	})
}
