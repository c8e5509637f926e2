// Package bus implements the bounded-ring internal event bus: every
// published event is durably appended via an EventStore and fanned out to
// live subscribers over fixed-capacity channels. A slow subscriber drops
// events (and counts its lag) rather than blocking publishers.
package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arwlocal/runtime/internal/app/alog"
	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/metrics"
	"github.com/arwlocal/runtime/internal/app/storage"
)

// DefaultSubscriberCapacity is the per-subscriber channel depth; beyond this
// many un-consumed events a subscriber starts lagging.
const DefaultSubscriberCapacity = 256

// Bus fans out events appended to an EventStore to any number of live
// subscribers, filtered by kind prefix.
type Bus struct {
	log   *alog.Logger
	store storage.EventStore
	cap   int

	mu   sync.RWMutex
	subs map[int64]*subscription
	next int64
}

type subscription struct {
	prefix string
	ch     chan core.Event
	lag    atomic.Int64
}

// New returns a Bus that appends every Publish call to store and lets
// Subscribe callers tail it live. capacity <= 0 uses DefaultSubscriberCapacity.
func New(store storage.EventStore, log *alog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultSubscriberCapacity
	}
	return &Bus{
		log:   log,
		store: store,
		cap:   capacity,
		subs:  make(map[int64]*subscription),
	}
}

// Publish durably appends event and fans it out to matching subscribers.
// Publish never blocks on a slow subscriber: if its channel is full, the
// event is dropped for that subscriber and its lag counter increments.
func (b *Bus) Publish(ctx context.Context, event core.Event) (core.Event, error) {
	stored, err := b.store.AppendEvent(ctx, event)
	if err != nil {
		return core.Event{}, err
	}
	metrics.BusPublished.Inc()
	metrics.EventsTotal.WithLabelValues(stored.Kind).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := 0
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(stored.Kind, sub.prefix) {
			continue
		}
		matched++
		select {
		case sub.ch <- stored:
			metrics.BusDelivered.Inc()
		default:
			sub.lag.Add(1)
			metrics.BusLagged.Inc()
		}
	}
	if matched == 0 {
		metrics.BusNoReceivers.Inc()
	} else {
		metrics.BusReceivers.Add(float64(matched))
	}
	return stored, nil
}

// Subscription is returned by Subscribe; callers must call Close when done
// to release the channel and stop counting lag.
type Subscription struct {
	Events <-chan core.Event
	id     int64
	bus    *Bus
}

// Lag reports how many events have been dropped for this subscriber since
// it was created.
func (s *Subscription) Lag() int64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		return sub.lag.Load()
	}
	return 0
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// Subscribe registers a new live listener. prefix, if non-empty, restricts
// delivery to events whose Kind starts with it (e.g. "action.").
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscription{prefix: prefix, ch: make(chan core.Event, b.cap)}
	b.subs[id] = sub
	return &Subscription{Events: sub.ch, id: id, bus: b}
}

// SubscriberCount reports the number of live subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Since replays durably stored events with id > sinceID, for /events and
// StreamEvents requests that pass an after cursor or ask for a replay.
func (b *Bus) Since(ctx context.Context, sinceID int64, limit int) ([]core.Event, error) {
	return b.store.ListEventsSince(ctx, sinceID, limit)
}
