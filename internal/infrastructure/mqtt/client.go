package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
)

// State is the connectivity state reported to the rest of the gateway.
type State string

// Connectivity states.
const (
	// StateConnected means the session is up and subscriptions are active.
	StateConnected State = "connected"

	// StateDegraded means the broker is unreachable and reconnection is in progress.
	StateDegraded State = "degraded"

	// StateDisconnected means the client was closed or never connected.
	StateDisconnected State = "disconnected"
)

// Client wraps paho.mqtt.golang for the gateway.
//
// It provides connection management, message publishing, subscription handling,
// automatic reconnection, and connectivity signalling.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// state and lostAt track connectivity. lostAt is zero until the first
	// unexpected disconnect, and is cleared again on reconnect.
	state  State
	lostAt time.Time
	connMu sync.RWMutex

	// Callbacks (optional, set via setters).
	onConnectivity func(State)
	onPossibleGap  func(lostAt, restoredAt time.Time)
	callbackMu     sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked sequentially, in arrival order, from paho's
// delivery goroutine. A slow handler delays every later message, so
// handlers should hand work off rather than process it inline.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// connectWait bounds how long Connect blocks on the initial CONNACK.
var connectWait = defaultConnectTimeout

// Connect makes a single attempt to establish a session with the broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Configures Last Will and Testament (LWT) for gateway presence
//  3. Enables auto-reconnect for drops after the session is established
//  4. Attempts the connection with a timeout
//  5. Publishes online status to fieldlink/gateway/status
//
// Failure is reported as a *ConnectionError. Use ConnectWithRetry for the
// backoff policy.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
		state:         StateDisconnected,
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("reconnecting to MQTT broker", "broker", brokerURL(cfg))
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectWait) {
		// Abort the attempt; paho otherwise completes it in the background
		// and the session outlives the returned error.
		c.client.Disconnect(0)
		return nil, &ConnectionError{
			Broker: brokerURL(cfg),
			Err:    fmt.Errorf("%w after %v", ErrTimeout, connectWait),
		}
	}
	if err := token.Error(); err != nil {
		return nil, &ConnectionError{Broker: brokerURL(cfg), Err: err}
	}

	// The OnConnectHandler runs asynchronously and may not have executed
	// yet; mark connected here so IsConnected() is true on return.
	c.connMu.Lock()
	if c.state != StateConnected {
		c.state = StateConnected
	}
	c.connMu.Unlock()

	return c, nil
}

// handleConnect is called when the connection is established (initial and reconnect).
func (c *Client) handleConnect() {
	now := time.Now()

	c.connMu.Lock()
	lostAt := c.lostAt
	c.lostAt = time.Time{}
	c.state = StateConnected
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishOnlineStatus()

	c.callbackMu.RLock()
	onConnectivity := c.onConnectivity
	onGap := c.onPossibleGap
	c.callbackMu.RUnlock()

	if onConnectivity != nil {
		onConnectivity(StateConnected)
	}

	// Messages published while we were away are gone (clean session).
	if !lostAt.IsZero() {
		if logger := c.getLogger(); logger != nil {
			logger.Info("MQTT session restored; messages during the outage may be missing",
				"outage", now.Sub(lostAt).String(),
			)
		}
		if onGap != nil {
			onGap(lostAt, now)
		}
	}
}

// handleDisconnect is called when the connection is lost unexpectedly.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.state = StateDegraded
	c.lostAt = time.Now()
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT connection lost", "error", err)
	}

	c.callbackMu.RLock()
	onConnectivity := c.onConnectivity
	c.callbackMu.RUnlock()

	if onConnectivity != nil {
		onConnectivity(StateDegraded)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Errors surface on the token; the next reconnect retries anyway.
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishOnlineStatus publishes the gateway's retained online status.
func (c *Client) publishOnlineStatus() {
	payload := buildOnlinePayload(c.cfg.Broker.ClientID)
	c.client.Publish(Topics{}.GatewayStatus(), byte(c.cfg.QoS), true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Publishes graceful offline status (different from LWT crash status)
//  2. Waits up to the quiesce period for in-flight publishes to be acknowledged
//  3. Disconnects from broker
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		payload := buildOfflinePayload(c.cfg.Broker.ClientID)
		token := c.client.Publish(Topics{}.GatewayStatus(), byte(c.cfg.QoS), true, payload)
		token.WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.state = StateDisconnected
	c.connMu.Unlock()

	c.callbackMu.RLock()
	onConnectivity := c.onConnectivity
	c.callbackMu.RUnlock()
	if onConnectivity != nil {
		onConnectivity(StateDisconnected)
	}

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state == StateConnected && c.client.IsConnected()
}

// State returns the last known connectivity state.
func (c *Client) State() State {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.state
}

// SetOnConnectivity sets a callback for every connectivity state change.
func (c *Client) SetOnConnectivity(callback func(State)) {
	c.callbackMu.Lock()
	c.onConnectivity = callback
	c.callbackMu.Unlock()
}

// SetOnPossibleGap sets a callback invoked after a reconnect, with the outage
// window during which inbound messages may have been lost.
func (c *Client) SetOnPossibleGap(callback func(lostAt, restoredAt time.Time)) {
	c.callbackMu.Lock()
	c.onPossibleGap = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connectivity, error, and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
