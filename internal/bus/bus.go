// SPDX-License-Identifier: MIT

// Package bus is the in-memory pub/sub fan-out for session, log, and port
// events. Topics are session ids plus a global "all" topic. Delivery is
// best-effort: a full subscriber queue drops its oldest event and the
// subscriber later receives one Lagged sentinel carrying the count.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/devsupd/devsupd/internal/metrics"
)

// TopicAll receives every event regardless of session.
const TopicAll = "all"

// DefaultQueueCap is the per-subscriber queue bound.
const DefaultQueueCap = 256

// ErrClosed is returned by Next once a subscription or the bus is closed.
var ErrClosed = errors.New("bus: subscription closed")

// Bus fans events out to bounded subscriber queues. Publish never blocks.
type Bus struct {
	queueCap int

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
	closed bool
}

// New creates a bus. queueCap <= 0 selects DefaultQueueCap.
func New(queueCap int) *Bus {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Bus{
		queueCap: queueCap,
		subs:     make(map[string]map[uint64]*Subscription),
	}
}

// Publish delivers ev to the session topic and the global topic. A slow
// subscriber loses its oldest queued event; the producer is never delayed.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var targets []*Subscription
	if sid := ev.Session(); sid != "" {
		for _, s := range b.subs[sid] {
			targets = append(targets, s)
		}
	}
	for _, s := range b.subs[TopicAll] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.offer(ev)
	}
}

// Subscribe registers a queue on the given session topic; sessionID == ""
// subscribes to everything. The caller must Close the subscription.
func (b *Bus) Subscribe(sessionID string) (*Subscription, error) {
	topic := sessionID
	if topic == "" {
		topic = TopicAll
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &Subscription{
		bus:   b,
		topic: topic,
		id:    b.nextID,
		ch:    make(chan Event, b.queueCap),
	}
	m, ok := b.subs[topic]
	if !ok {
		m = make(map[uint64]*Subscription)
		b.subs[topic] = m
	}
	m[sub.id] = sub
	return sub, nil
}

// Close terminates every subscription. Pending Next calls return ErrClosed
// after draining their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[uint64]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.shut()
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[topic]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(b.subs, topic)
		}
	}
}

// Subscription is one bounded event queue. Next interleaves a Lagged sentinel
// ahead of the next event whenever drops occurred since the last read.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	ch    chan Event

	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: evict the oldest, then retry once. If the retry still
	// fails the new event itself counts as dropped; either way the
	// subscriber owes a Lagged sentinel.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		metrics.IncBusDrop(s.topic)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		metrics.IncBusDrop(s.topic)
	}
}

// Next returns the next event, a Lagged sentinel if events were dropped, or
// an error when the context ends or the subscription closes.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	if d := s.dropped.Swap(0); d > 0 {
		return Lagged{Dropped: d}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	}
}

// C exposes the raw queue for select-based consumers. Callers using C must
// check Dropped themselves to surface lag.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns and resets the number of events lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Swap(0) }

// Close releases the subscriber slot and its queue.
func (s *Subscription) Close() {
	s.bus.remove(s.topic, s.id)
	s.shut()
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
