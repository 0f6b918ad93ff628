package fanout

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscription queue length when Config leaves it unset.
const DefaultQueueSize = 256

// Logger defines the logging interface used by the Broadcaster.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives broadcaster counters. Implemented by internal/metrics.
type Metrics interface {
	EventPublished(kind string)
	EventDropped(kind string)
	SubscriberEvicted()
	SetSubscribers(n int)
}

// Config holds broadcaster settings.
type Config struct {
	// QueueSize bounds each subscription's queue.
	QueueSize int

	// EvictAfterDrops closes a subscription that drops this many events in
	// a row. Zero keeps slow subscriptions open forever.
	EvictAfterDrops int
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Subscriptions int                 `json:"subscriptions"`
	Published     uint64              `json:"published"`
	Dropped       uint64              `json:"dropped"`
	Evicted       uint64              `json:"evicted"`
	Subscribers   []SubscriptionStats `json:"subscribers"`
}

// SubscriptionStats describes one open subscription.
type SubscriptionStats struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Queued  int       `json:"queued"`
	Dropped uint64    `json:"dropped"`
}

// Broadcaster forwards events to any number of subscriptions. Publish never
// blocks: each subscription owns a bounded queue and a slow one loses its
// oldest events without affecting the others.
type Broadcaster struct {
	cfg Config

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// New creates a Broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EvictAfterDrops < 0 {
		cfg.EvictAfterDrops = 0
	}
	return &Broadcaster{
		cfg:    cfg,
		subs:   make(map[string]*Subscription),
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the broadcaster.
func (b *Broadcaster) SetLogger(logger Logger) {
	b.logger = logger
}

// SetMetrics attaches a metrics sink.
func (b *Broadcaster) SetMetrics(m Metrics) {
	b.metrics = m
}

// Subscribe opens a subscription. After Close the returned subscription is
// already closed with ErrClosed.
func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	sub := newSubscription(uuid.NewString(), f, b.cfg.QueueSize, b.now().UTC())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close(ErrClosed)
		return sub
	}
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SetSubscribers(n)
	}
	b.logger.Debug("subscription opened", "subscription_id", sub.id, "subscriptions", n)
	return sub
}

// Unsubscribe closes sub and releases it. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.remove(sub, ErrClosed)
}

func (b *Broadcaster) remove(sub *Subscription, reason error) {
	b.mu.Lock()
	if b.subs[sub.id] == sub {
		delete(b.subs, sub.id)
	}
	n := len(b.subs)
	b.mu.Unlock()

	if sub.close(reason) {
		if b.metrics != nil {
			b.metrics.SetSubscribers(n)
		}
		b.logger.Debug("subscription closed", "subscription_id", sub.id, "dropped", sub.Dropped(), "subscriptions", n)
	}
}

// Publish delivers ev to every matching subscription and returns immediately.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now().UTC()
	}
	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.EventPublished(string(ev.Kind))
	}

	var overrun []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.filter.match(ev) {
			continue
		}
		dropped, evict := sub.offer(ev, b.cfg.EvictAfterDrops)
		if dropped {
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.EventDropped(string(ev.Kind))
			}
		}
		if evict {
			overrun = append(overrun, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overrun {
		b.evict(sub)
	}
}

func (b *Broadcaster) evict(sub *Subscription) {
	err := &SubscriberOverrunError{SubscriptionID: sub.id, Dropped: sub.Dropped()}
	b.remove(sub, err)
	b.evicted.Add(1)
	if b.metrics != nil {
		b.metrics.SubscriberEvicted()
	}
	b.logger.Warn("slow subscriber evicted", "subscription_id", sub.id, "dropped", err.Dropped)
}

// Stats returns a snapshot of broadcaster counters. Subscribers are sorted by creation time.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	subs := make([]SubscriptionStats, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, SubscriptionStats{
			ID:      sub.id,
			Created: sub.created,
			Queued:  sub.Queued(),
			Dropped: sub.Dropped(),
		})
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Created.Equal(subs[j].Created) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].Created.Before(subs[j].Created)
	})

	return Stats{
		Subscriptions: len(subs),
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
		Evicted:       b.evicted.Load(),
		Subscribers:   subs,
	}
}

// Close ends every subscription with ErrClosed. Later Publish calls are no-ops
// for observers; later Subscribe calls return closed subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(ErrClosed)
	}
	if b.metrics != nil {
		b.metrics.SetSubscribers(0)
	}
	b.logger.Info("broadcaster closed", "subscriptions", len(subs))
}
