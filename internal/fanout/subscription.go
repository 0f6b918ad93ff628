package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Filter selects the events a subscription receives.
// An empty DeviceIDs matches every device; an empty Kinds matches every kind.
type Filter struct {
	DeviceIDs []string
	Kinds     []Kind
}

type compiledFilter struct {
	devices map[string]struct{}
	kinds   map[Kind]struct{}
}

func compile(f Filter) compiledFilter {
	var c compiledFilter
	if len(f.DeviceIDs) > 0 {
		c.devices = make(map[string]struct{}, len(f.DeviceIDs))
		for _, id := range f.DeviceIDs {
			c.devices[id] = struct{}{}
		}
	}
	if len(f.Kinds) > 0 {
		c.kinds = make(map[Kind]struct{}, len(f.Kinds))
		for _, k := range f.Kinds {
			c.kinds[k] = struct{}{}
		}
	}
	return c
}

func (c compiledFilter) match(ev Event) bool {
	if c.devices != nil {
		if _, ok := c.devices[ev.DeviceID]; !ok {
			return false
		}
	}
	if c.kinds != nil {
		if _, ok := c.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

// Subscription is one observer's bounded event queue.
type Subscription struct {
	id      string
	filter  compiledFilter
	created time.Time

	// mu serialises producers and close. Consumers read ch without it.
	mu          sync.Mutex
	ch          chan Event
	closed      bool
	err         error
	consecutive int

	dropped atomic.Uint64
}

func newSubscription(id string, f Filter, size int, now time.Time) *Subscription {
	return &Subscription{
		id:      id,
		filter:  compile(f),
		created: now,
		ch:      make(chan Event, size),
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Created returns when the subscription was opened.
func (s *Subscription) Created() time.Time { return s.created }

// C returns the event channel. It is closed when the subscription ends;
// Err then reports why.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were discarded for this subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Queued returns the number of events waiting to be read.
func (s *Subscription) Queued() int { return len(s.ch) }

// Err returns nil while the subscription is open, ErrClosed after
// Unsubscribe, or a *SubscriberOverrunError after eviction.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Next blocks until an event is available, the subscription ends, or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// offer enqueues ev, discarding the oldest queued event when full.
// It reports whether an event was dropped and whether the subscription
// crossed the eviction threshold.
func (s *Subscription) offer(ev Event, evictAfter int) (dropped, overrun bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	select {
	case s.ch <- ev:
		s.consecutive = 0
		return false, false
	default:
	}

	// Full. The consumer may have freed a slot since; only count a drop
	// when the oldest event is actually discarded.
	select {
	case <-s.ch:
	default:
		s.ch <- ev
		s.consecutive = 0
		return false, false
	}
	s.ch <- ev

	s.dropped.Add(1)
	s.consecutive++
	return true, evictAfter > 0 && s.consecutive >= evictAfter
}

// close ends the subscription once. Later calls keep the first reason.
func (s *Subscription) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	close(s.ch)
	return true
}
