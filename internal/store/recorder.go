package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/fanout"
)

// Defaults used when RecorderConfig leaves a field unset.
const (
	DefaultRecorderQueue = 1024
	DefaultFlushInterval = 5 * time.Second

	writeTimeout = 5 * time.Second
)

// Sink names used in metrics and logs.
const (
	SinkSQL    = "sql"
	SinkSeries = "influxdb"
)

// kindSave asks the worker to persist a device without any other event.
const kindSave fanout.Kind = "save"

// Writer is the relational side of the recorder. Implemented by *SQLStore.
type Writer interface {
	SaveDevices(ctx context.Context, devices []device.Device) error
	DeleteDevice(ctx context.Context, id string) error
	AppendStatus(ctx context.Context, rec StatusRecord) error
	LogCommand(ctx context.Context, c command.Command) error
}

// TimeSeries is the telemetry side of the recorder. Implemented by
// *influxdb.Client.
type TimeSeries interface {
	WriteTelemetry(deviceID string, fields map[string]any, at time.Time)
	WriteStatus(deviceID, from, to, reason string, at time.Time)
	WriteCommand(deviceID, action, status string, latency time.Duration, at time.Time)
}

// DeviceSource supplies current device snapshots. Implemented by
// device.Registry.
type DeviceSource interface {
	Get(id string) (device.Device, error)
}

// Logger defines the logging interface used by the Recorder.
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

// Metrics receives recorder counters. Implemented by internal/metrics.
type Metrics interface {
	RecorderDropped()
	RecorderWritten(sink string)
	RecorderFailed(sink string)
}

// RecorderConfig holds recorder settings.
type RecorderConfig struct {
	// Queue bounds the number of events waiting to be persisted.
	Queue int

	// FlushInterval is how often changed devices are upserted.
	FlushInterval time.Duration
}

// Recorder persists gateway events off the ingestion path.
//
// It is a fanout.Publisher: Publish never blocks. When the queue is full the
// event is dropped and counted. A single worker applies events in order;
// device rows are coalesced and upserted once per flush interval.
// Either writer may be nil.
type Recorder struct {
	cfg     RecorderConfig
	writer  Writer
	series  TimeSeries
	devices DeviceSource

	queue   chan fanout.Event
	dropped atomic.Uint64

	// dirty is owned by the worker goroutine.
	dirty map[string]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger  Logger
	metrics Metrics
}

// NewRecorder creates a Recorder. Call Start to begin writing.
func NewRecorder(cfg RecorderConfig, writer Writer, series TimeSeries, devices DeviceSource) *Recorder {
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultRecorderQueue
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Recorder{
		cfg:     cfg,
		writer:  writer,
		series:  series,
		devices: devices,
		queue:   make(chan fanout.Event, cfg.Queue),
		dirty:   make(map[string]struct{}),
		done:    make(chan struct{}),
		logger:  noopLogger{},
	}
}

// SetDevices sets the source device upserts are read from. It must be called
// before Start when the recorder was created ahead of the registry.
func (r *Recorder) SetDevices(devices DeviceSource) {
	r.devices = devices
}

// SetLogger sets the logger for the recorder.
func (r *Recorder) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics attaches a metrics sink.
func (r *Recorder) SetMetrics(m Metrics) {
	r.metrics = m
}

// Publish queues ev for persistence. It never blocks.
func (r *Recorder) Publish(ev fanout.Event) {
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.RecorderDropped()
		}
	}
}

// Save schedules an upsert of id's current snapshot, e.g. after a
// metadata change that emits no event.
func (r *Recorder) Save(id string) {
	r.Publish(fanout.Event{DeviceID: id, Kind: kindSave})
}

// Dropped returns how many events were discarded on a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Start launches the worker.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop drains queued events, flushes dirty devices and waits for the worker.
// Safe to call multiple times.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.queue:
			r.apply(ev)
		case <-ticker.C:
			r.flush()
		case <-ctx.Done():
			r.drain()
			return
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.apply(ev)
		default:
			r.flush()
			return
		}
	}
}

func (r *Recorder) apply(ev fanout.Event) {
	switch ev.Kind {
	case fanout.KindTelemetry:
		r.dirty[ev.DeviceID] = struct{}{}
		if u, ok := ev.Payload.(device.TelemetryUpdate); ok && r.series != nil {
			at := u.ReportedAt
			if at.IsZero() {
				at = ev.Time
			}
			r.series.WriteTelemetry(ev.DeviceID, u.Fields, at)
			r.written(SinkSeries)
		}

	case fanout.KindStatusChanged:
		r.dirty[ev.DeviceID] = struct{}{}
		change, ok := ev.Payload.(fanout.StatusChange)
		if !ok {
			return
		}
		if r.writer != nil {
			r.write("status history", ev.DeviceID, func(ctx context.Context) error {
				return r.writer.AppendStatus(ctx, StatusRecord{
					DeviceID:   ev.DeviceID,
					From:       change.From,
					To:         change.To,
					Reason:     change.Reason,
					OfflineFor: change.OfflineFor,
					ChangedAt:  ev.Time,
				})
			})
		}
		if r.series != nil {
			r.series.WriteStatus(ev.DeviceID, change.From, change.To, change.Reason, ev.Time)
			r.written(SinkSeries)
		}

	case fanout.KindCommandResult:
		cmd, ok := ev.Payload.(command.Command)
		if !ok {
			return
		}
		if r.writer != nil {
			r.write("command log", ev.DeviceID, func(ctx context.Context) error {
				return r.writer.LogCommand(ctx, cmd)
			})
		}
		if r.series != nil {
			r.series.WriteCommand(cmd.DeviceID, cmd.Action, string(cmd.Status), cmd.ResolvedAt.Sub(cmd.SubmittedAt), cmd.ResolvedAt)
			r.written(SinkSeries)
		}

	case fanout.KindDeviceRemoved:
		delete(r.dirty, ev.DeviceID)
		if r.writer != nil {
			r.write("device delete", ev.DeviceID, func(ctx context.Context) error {
				err := r.writer.DeleteDevice(ctx, ev.DeviceID)
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				return err
			})
		}

	case kindSave:
		r.dirty[ev.DeviceID] = struct{}{}
	}
}

// flush upserts every device changed since the last flush.
func (r *Recorder) flush() {
	if len(r.dirty) == 0 {
		return
	}
	if r.writer == nil || r.devices == nil {
		clear(r.dirty)
		return
	}

	batch := make([]device.Device, 0, len(r.dirty))
	for id := range r.dirty {
		d, err := r.devices.Get(id)
		if err != nil {
			continue // removed since
		}
		batch = append(batch, d)
	}
	clear(r.dirty)

	r.write("device upsert", "", func(ctx context.Context) error {
		return r.writer.SaveDevices(ctx, batch)
	})
}

func (r *Recorder) write(what, deviceID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		if r.metrics != nil {
			r.metrics.RecorderFailed(SinkSQL)
		}
		r.logger.Error("persisting event failed",
			"what", what,
			"device_id", deviceID,
			"error", err,
		)
		return
	}
	r.written(SinkSQL)
}

func (r *Recorder) written(sink string) {
	if r.metrics != nil {
		r.metrics.RecorderWritten(sink)
	}
}
