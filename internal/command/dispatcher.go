package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/protocol"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultTimeout   = 10 * time.Second
	DefaultRetention = time.Hour

	maxActionLength = 64
)

// Publisher hands a message to the transport without waiting for delivery.
// done reports the broker outcome later. Implemented by mqtt.Client.
type Publisher interface {
	PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error)) error
}

// Targets answers which devices exist. Implemented by device.Registry.
type Targets interface {
	Exists(id string) bool
	IDs() []string
}

// Logger defines the logging interface used by the Dispatcher.
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

// Metrics receives command counters. Implemented by internal/metrics.
type Metrics interface {
	CommandSubmitted()
	CommandFinished(status string, latency time.Duration)
	SetCommandsInFlight(n int)
}

// Config holds dispatcher settings.
type Config struct {
	// Timeout is how long a sent command waits for its ack.
	Timeout time.Duration

	// Retention is how long terminal commands stay queryable.
	Retention time.Duration

	// QoS is the MQTT QoS used for command publishes.
	QoS byte

	// RetainLast also publishes a retained copy on devices/{id}/commands/last.
	RetainLast bool

	// Source is written into every command envelope.
	Source string
}

type entry struct {
	cmd   Command
	timer *time.Timer
	done  chan struct{}
}

// Dispatcher publishes commands, matches acknowledgements by correlation id
// and times out the ones that never get answered.
//
// The command table is guarded by a single mutex. Resolve and the timeout
// timer race under it: whichever gets there first wins and the other is a
// no-op.
type Dispatcher struct {
	cfg     Config
	pub     Publisher
	targets Targets
	events  fanout.Publisher

	mu       sync.Mutex
	commands map[string]*entry
	closed   bool
	closing  chan struct{}

	// Shutdown coordination for the retention loop.
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger  Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string
}

// New creates a Dispatcher.
func New(cfg Config, pub Publisher, targets Targets, events fanout.Publisher) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if events == nil {
		events = fanout.Discard
	}
	return &Dispatcher{
		cfg:      cfg,
		pub:      pub,
		targets:  targets,
		events:   events,
		commands: make(map[string]*entry),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		logger:   noopLogger{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics attaches a metrics sink.
func (d *Dispatcher) SetMetrics(m Metrics) {
	d.metrics = m
}

func validate(action string, params map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return fmt.Errorf("%w: action cannot be empty", ErrInvalidAction)
	}
	if len(action) > maxActionLength {
		return fmt.Errorf("%w: action exceeds %d characters", ErrInvalidAction, maxActionLength)
	}
	return protocol.CheckParams(params)
}

// Submit sends action to target and returns its correlation id.
//
// An unregistered target fails with *InvalidTargetError before anything is
// published. A transport refusal returns the correlation id together with
// an error wrapping ErrPublishFailed; the command is then in state failed.
func (d *Dispatcher) Submit(ctx context.Context, target, action string, params map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validate(action, params); err != nil {
		return "", err
	}
	if !d.targets.Exists(target) {
		return "", &InvalidTargetError{DeviceID: target}
	}
	return d.dispatch(target, "", strings.TrimSpace(action), params)
}

// Broadcast sends action to every device registered at the time of the
// call. Each device gets its own correlation id; all share one broadcast id.
// Devices registered afterwards are not included.
func (d *Dispatcher) Broadcast(ctx context.Context, action string, params map[string]any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(action, params); err != nil {
		return nil, err
	}

	targets := d.targets.IDs()
	broadcastID := d.newID()
	action = strings.TrimSpace(action)

	ids := make([]string, 0, len(targets))
	var errs []error
	for _, target := range targets {
		id, err := d.dispatch(target, broadcastID, action, params)
		if errors.Is(err, ErrClosed) {
			return ids, err
		}
		if err != nil {
			errs = append(errs, err)
		}
		ids = append(ids, id)
	}

	d.logger.Info("command broadcast",
		"broadcast_id", broadcastID,
		"action", action,
		"targets", len(targets),
		"failed", len(errs),
	)
	return ids, errors.Join(errs...)
}

func (d *Dispatcher) dispatch(target, broadcastID, action string, params map[string]any) (string, error) {
	now := d.now().UTC()
	e := &entry{
		cmd: Command{
			CorrelationID: d.newID(),
			DeviceID:      target,
			BroadcastID:   broadcastID,
			Action:        action,
			Params:        maps.Clone(params),
			Status:        StatusPending,
			SubmittedAt:   now,
		},
		done: make(chan struct{}),
	}
	id := e.cmd.CorrelationID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrClosed
	}
	d.commands[id] = e
	inFlight := d.inFlightLocked()
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.CommandSubmitted()
		d.metrics.SetCommandsInFlight(inFlight)
	}

	payload, err := json.Marshal(protocol.CommandMessage{
		Action:        action,
		CorrelationID: id,
		Timestamp:     now,
		Source:        d.cfg.Source,
		Params:        params,
	})
	if err != nil {
		err = fmt.Errorf("%w: encoding command: %w", ErrPublishFailed, err)
		d.fail(id, err)
		return id, err
	}

	err = d.pub.PublishAsync(protocol.CommandTopic(target), payload, d.cfg.QoS, false, func(err error) {
		if err != nil {
			d.fail(id, fmt.Errorf("%w: %w", ErrPublishFailed, err))
		}
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPublishFailed, err)
		d.fail(id, err)
		return id, err
	}

	if d.cfg.RetainLast {
		if err := d.pub.PublishAsync(protocol.LastCommandTopic(target), payload, d.cfg.QoS, true, nil); err != nil {
			d.logger.Warn("retained command copy not published", "device_id", target, "error", err)
		}
	}

	d.mu.Lock()
	if e.cmd.Status == StatusPending && !d.closed {
		e.cmd.Status = StatusSent
		e.cmd.SentAt = d.now().UTC()
		e.timer = time.AfterFunc(d.cfg.Timeout, func() { d.expire(id) })
	}
	d.mu.Unlock()

	d.logger.Debug("command sent",
		"correlation_id", id,
		"device_id", target,
		"action", action,
	)
	return id, nil
}

// Resolve records an acknowledgement. It reports whether the command moved
// to acknowledged; unknown, already terminal, or mismatched acks are no-ops.
func (d *Dispatcher) Resolve(correlationID string, result Result) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.commands[correlationID]
	if !ok {
		d.logger.Debug("ack for unknown command", "correlation_id", correlationID, "device_id", result.DeviceID)
		return false
	}
	if e.cmd.Status.Terminal() {
		d.logger.Debug("duplicate ack ignored", "correlation_id", correlationID, "status", e.cmd.Status)
		return false
	}
	if result.DeviceID != "" && result.DeviceID != e.cmd.DeviceID {
		d.logger.Warn("ack device mismatch ignored",
			"correlation_id", correlationID,
			"target", e.cmd.DeviceID,
			"from", result.DeviceID,
		)
		return false
	}

	r := result
	e.cmd.Result = &r
	d.finishLocked(e, StatusAcknowledged, nil)
	return true
}

// expire is the per-command timer callback.
func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.commands[id]
	if !ok || e.cmd.Status.Terminal() {
		return
	}
	d.finishLocked(e, StatusTimedOut, &CommandTimeoutError{
		CorrelationID: id,
		DeviceID:      e.cmd.DeviceID,
		Timeout:       d.cfg.Timeout,
	})
}

// fail moves a non-terminal command to failed.
func (d *Dispatcher) fail(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.commands[id]
	if !ok || e.cmd.Status.Terminal() {
		return
	}
	d.finishLocked(e, StatusFailed, err)
}

// finishLocked applies a terminal status. Caller holds d.mu.
func (d *Dispatcher) finishLocked(e *entry, status Status, err error) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	now := d.now().UTC()
	e.cmd.Status = status
	e.cmd.ResolvedAt = now
	e.cmd.Err = err
	if err != nil {
		e.cmd.Error = err.Error()
	}
	close(e.done)

	latency := now.Sub(e.cmd.SubmittedAt)
	if d.metrics != nil {
		d.metrics.CommandFinished(string(status), latency)
		d.metrics.SetCommandsInFlight(d.inFlightLocked())
	}

	switch status {
	case StatusAcknowledged:
		d.logger.Info("command acknowledged",
			"correlation_id", e.cmd.CorrelationID,
			"device_id", e.cmd.DeviceID,
			"success", e.cmd.Result.Success,
			"latency", latency,
		)
	default:
		d.logger.Warn("command "+string(status),
			"correlation_id", e.cmd.CorrelationID,
			"device_id", e.cmd.DeviceID,
			"error", err,
		)
	}

	d.events.Publish(fanout.Event{
		DeviceID: e.cmd.DeviceID,
		Kind:     fanout.KindCommandResult,
		Time:     now,
		Payload:  copyCommand(&e.cmd),
	})
}

func (d *Dispatcher) inFlightLocked() int {
	n := 0
	for _, e := range d.commands {
		if !e.cmd.Status.Terminal() {
			n++
		}
	}
	return n
}

func copyCommand(c *Command) Command {
	cpy := *c
	cpy.Params = maps.Clone(c.Params)
	if c.Result != nil {
		r := *c.Result
		cpy.Result = &r
	}
	return cpy
}

// Get returns a snapshot of the command.
func (d *Dispatcher) Get(correlationID string) (Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.commands[correlationID]
	if !ok {
		return Command{}, ErrCommandNotFound
	}
	return copyCommand(&e.cmd), nil
}

// List returns matching commands, newest first.
func (d *Dispatcher) List(f Filter) []Command {
	d.mu.Lock()
	out := make([]Command, 0, len(d.commands))
	for _, e := range d.commands {
		if f.match(&e.cmd) {
			out = append(out, copyCommand(&e.cmd))
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Wait blocks until the command is terminal, ctx is done, or the dispatcher
// closes, and returns its latest snapshot.
func (d *Dispatcher) Wait(ctx context.Context, correlationID string) (Command, error) {
	d.mu.Lock()
	e, ok := d.commands[correlationID]
	d.mu.Unlock()
	if !ok {
		return Command{}, ErrCommandNotFound
	}

	select {
	case <-e.done:
		return d.snapshot(e), nil
	case <-ctx.Done():
		return d.snapshot(e), ctx.Err()
	case <-d.closing:
		return d.snapshot(e), ErrClosed
	}
}

func (d *Dispatcher) snapshot(e *entry) Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyCommand(&e.cmd)
}

// Prune drops terminal commands resolved more than Retention before now
// and returns how many were removed.
func (d *Dispatcher) Prune(now time.Time) int {
	cutoff := now.Add(-d.cfg.Retention)

	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, e := range d.commands {
		if e.cmd.Status.Terminal() && e.cmd.ResolvedAt.Before(cutoff) {
			delete(d.commands, id)
			n++
		}
	}
	return n
}

// Start runs the retention loop until ctx is done or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	interval := d.cfg.Retention / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-ticker.C:
				if n := d.Prune(d.now()); n > 0 {
					d.logger.Debug("pruned resolved commands", "count", n)
				}
			}
		}
	}()
}

// Close stops every timer and the retention loop. Commands still in flight
// have an unknown outcome; their count is logged and returned.
// Safe to call multiple times.
func (d *Dispatcher) Close() int {
	unresolved := 0
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()

		d.mu.Lock()
		d.closed = true
		for _, e := range d.commands {
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			if !e.cmd.Status.Terminal() {
				unresolved++
			}
		}
		close(d.closing)
		d.mu.Unlock()

		if unresolved > 0 {
			d.logger.Warn("dispatcher closed with unresolved commands; outcome unknown", "count", unresolved)
		}
	})
	return unresolved
}
