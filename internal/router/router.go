package router

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/protocol"
)

// Defaults used when Config leaves a field unset.
const (
	DefaultWorkers = 8
	DefaultQueue   = 256
)

// ErrNotRunning is returned by Handle before Start or after Stop.
var ErrNotRunning = errors.New("router: not running")

// Observer ingests device data and status. Implemented by device.Registry.
type Observer interface {
	Observe(deviceID string, payload []byte, channel protocol.Channel) error
}

// Resolver completes commands from acknowledgements. Implemented by
// command.Dispatcher.
type Resolver interface {
	Resolve(correlationID string, result command.Result) bool
}

// Logger defines the logging interface used by the Router.
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

// Metrics receives ingestion counters. Implemented by internal/metrics.
type Metrics interface {
	MessageReceived(channel string)
	MalformedMessage(reason string)
}

// Config holds router settings.
type Config struct {
	// Workers is the number of ingestion goroutines.
	Workers int

	// Queue is the buffer depth of each worker.
	Queue int
}

// Stats is a snapshot of the router counters.
type Stats struct {
	Received          uint64 `json:"received"`
	Processed         uint64 `json:"processed"`
	MalformedTopics   uint64 `json:"malformed_topics"`
	MalformedPayloads uint64 `json:"malformed_payloads"`
	MalformedAcks     uint64 `json:"malformed_acks"`
	UnmatchedAcks     uint64 `json:"unmatched_acks"`
	Backpressured     uint64 `json:"backpressured"`
}

type message struct {
	deviceID string
	channel  protocol.Channel
	topic    string
	payload  []byte
}

// Router classifies inbound topics and hands each message to the component
// that owns its channel.
//
// Messages are sharded over workers by device id, so one device's messages
// are always handled by the same goroutine in arrival order while different
// devices proceed concurrently. When a worker's queue is full Handle blocks,
// which pushes back on the transport instead of dropping data.
type Router struct {
	cfg      Config
	observer Observer
	resolver Resolver
	queues   []chan message

	// mu guards running. Handle holds the read lock while enqueueing so Stop
	// never closes a queue under a sender.
	mu      sync.RWMutex
	running bool
	stopped bool
	wg      sync.WaitGroup

	stopOnce sync.Once

	received          atomic.Uint64
	processed         atomic.Uint64
	malformedTopics   atomic.Uint64
	malformedPayloads atomic.Uint64
	malformedAcks     atomic.Uint64
	unmatchedAcks     atomic.Uint64
	backpressured     atomic.Uint64

	logger  Logger
	metrics Metrics
}

// New creates a Router. Call Start before delivering messages.
func New(cfg Config, observer Observer, resolver Resolver) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	queues := make([]chan message, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan message, cfg.Queue)
	}
	return &Router{
		cfg:      cfg,
		observer: observer,
		resolver: resolver,
		queues:   queues,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// SetMetrics attaches a metrics sink.
func (r *Router) SetMetrics(m Metrics) {
	r.metrics = m
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	for _, q := range r.queues {
		r.wg.Add(1)
		go r.worker(q)
	}

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	r.logger.Info("topic router started", "workers", r.cfg.Workers, "queue", r.cfg.Queue)
}

// Stop rejects new messages, lets the workers drain what is queued and
// waits for them to exit. Safe to call multiple times.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		wasRunning := r.running
		r.running = false
		r.stopped = true
		for _, q := range r.queues {
			close(q)
		}
		r.mu.Unlock()

		if wasRunning {
			r.wg.Wait()
			r.logger.Info("topic router stopped", "processed", r.processed.Load())
		}
	})
}

// Handle is the transport's message callback. Malformed topics are counted
// and dropped; they never produce an error for the transport. The only
// error is ErrNotRunning.
func (r *Router) Handle(topic string, payload []byte) error {
	deviceID, channel, err := protocol.ParseTopic(topic)
	if err != nil {
		r.malformedTopics.Add(1)
		r.countMalformed(protocol.ReasonTopic)
		r.logger.Debug("dropping message on malformed topic", "topic", topic, "error", err)
		return nil
	}
	if channel == protocol.ChannelCommands {
		// Our own egress, including the retained commands/last copy.
		return nil
	}

	r.received.Add(1)
	if r.metrics != nil {
		r.metrics.MessageReceived(string(channel))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return ErrNotRunning
	}

	msg := message{deviceID: deviceID, channel: channel, topic: topic, payload: payload}
	q := r.queues[r.shard(deviceID)]
	select {
	case q <- msg:
	default:
		r.backpressured.Add(1)
		q <- msg
	}
	return nil
}

func (r *Router) shard(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(r.queues)))
}

func (r *Router) worker(q <-chan message) {
	defer r.wg.Done()
	for msg := range q {
		r.process(msg)
		r.processed.Add(1)
	}
}

func (r *Router) process(msg message) {
	switch msg.channel {
	case protocol.ChannelData, protocol.ChannelStatus:
		if err := r.observer.Observe(msg.deviceID, msg.payload, msg.channel); err != nil {
			r.reject(msg, err)
		}

	case protocol.ChannelAck:
		ack, err := protocol.DecodeAck(msg.payload)
		if err != nil {
			r.reject(msg, err)
			return
		}
		ok := r.resolver.Resolve(ack.CorrelationID, command.Result{
			DeviceID: msg.deviceID,
			Success:  ack.Success,
			Detail:   ack.Detail,
		})
		if !ok {
			r.unmatchedAcks.Add(1)
		}
	}
}

func (r *Router) reject(msg message, err error) {
	reason := protocol.ReasonOf(err)
	switch reason {
	case protocol.ReasonPayload:
		r.malformedPayloads.Add(1)
	case protocol.ReasonAck:
		r.malformedAcks.Add(1)
	case "":
		r.logger.Warn("message rejected",
			"device_id", msg.deviceID,
			"channel", msg.channel,
			"error", err,
		)
		return
	}
	r.countMalformed(reason)
	r.logger.Debug("dropping malformed message",
		"device_id", msg.deviceID,
		"topic", msg.topic,
		"reason", reason,
		"error", err,
	)
}

func (r *Router) countMalformed(reason string) {
	if r.metrics != nil {
		r.metrics.MalformedMessage(reason)
	}
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Received:          r.received.Load(),
		Processed:         r.processed.Load(),
		MalformedTopics:   r.malformedTopics.Load(),
		MalformedPayloads: r.malformedPayloads.Load(),
		MalformedAcks:     r.malformedAcks.Load(),
		UnmatchedAcks:     r.unmatchedAcks.Load(),
		Backpressured:     r.backpressured.Load(),
	}
}
