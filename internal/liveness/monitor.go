package liveness

import (
	"context"
	"sync"
	"time"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultHeartbeatTimeout = 15 * time.Second
	DefaultSweepInterval    = 5 * time.Second
)

// Expirer demotes a device that missed its deadline. It must ignore the call
// if the device was seen after seenAt or is not online.
// Implemented by device.Registry.
type Expirer interface {
	Expire(id string, seenAt time.Time) bool
}

// Logger defines the logging interface used by the Monitor.
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

// Metrics receives sweep results. Implemented by internal/metrics.
type Metrics interface {
	LivenessSweep(tracked, expired int)
}

// Config holds monitor timing.
type Config struct {
	// HeartbeatTimeout is the silence after which a device is declared offline.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often deadlines are checked. Must be shorter
	// than HeartbeatTimeout.
	SweepInterval time.Duration
}

type entry struct {
	seenAt   time.Time
	deadline time.Time
}

// Monitor tracks one deadline per device and demotes devices whose
// deadline has passed. A device is offline at most one SweepInterval after
// its deadline.
type Monitor struct {
	cfg     Config
	expirer Expirer

	mu      sync.Mutex
	entries map[string]entry

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// New creates a monitor that reports expiries to expirer.
func New(cfg Config, expirer Expirer) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	return &Monitor{
		cfg:     cfg,
		expirer: expirer,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics attaches a metrics sink.
func (m *Monitor) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// Touch resets id's deadline to seenAt + HeartbeatTimeout.
func (m *Monitor) Touch(id string, seenAt time.Time) {
	m.mu.Lock()
	m.entries[id] = entry{seenAt: seenAt, deadline: seenAt.Add(m.cfg.HeartbeatTimeout)}
	m.mu.Unlock()
}

// Forget stops tracking id.
func (m *Monitor) Forget(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Deadline returns id's current deadline.
func (m *Monitor) Deadline(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.deadline, ok
}

// Tracked returns the number of devices with a deadline.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep expires every device whose deadline is at or before now and
// returns how many were demoted. Fired entries are removed; the next
// message re-arms them.
func (m *Monitor) Sweep(now time.Time) int {
	type due struct {
		id     string
		seenAt time.Time
	}

	m.mu.Lock()
	var expired []due
	for id, e := range m.entries {
		if !now.Before(e.deadline) {
			expired = append(expired, due{id: id, seenAt: e.seenAt})
			delete(m.entries, id)
		}
	}
	tracked := len(m.entries)
	m.mu.Unlock()

	// Expire takes registry locks; never call it while holding m.mu.
	demoted := 0
	for _, d := range expired {
		if m.expirer.Expire(d.id, d.seenAt) {
			demoted++
			m.logger.Info("device heartbeat timeout",
				"device_id", d.id,
				"last_seen", d.seenAt,
				"timeout", m.cfg.HeartbeatTimeout,
			)
		}
	}

	if m.metrics != nil {
		m.metrics.LivenessSweep(tracked, demoted)
	}
	return demoted
}

// Grace extends every deadline to at least now + HeartbeatTimeout. It is
// called after a transport gap, during which devices could not have been
// heard even if they were reporting.
func (m *Monitor) Grace(now time.Time) {
	floor := now.Add(m.cfg.HeartbeatTimeout)

	m.mu.Lock()
	extended := 0
	for id, e := range m.entries {
		if e.deadline.Before(floor) {
			e.deadline = floor
			m.entries[id] = e
			extended++
		}
	}
	m.mu.Unlock()

	m.logger.Info("liveness deadlines extended after transport gap", "devices", extended, "until", floor)
}

// Start begins periodic sweeping. Call Stop to shut down.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
// Safe to call multiple times (uses sync.Once).
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Debug("liveness sweep", "demoted", n)
			}
		}
	}
}
