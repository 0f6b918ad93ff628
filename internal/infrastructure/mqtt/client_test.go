package mqtt

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt/mqtttest"
)

// testConfig returns an MQTT configuration pointing at the embedded broker.
func testConfig(b *mqtttest.Broker, clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     b.Host,
			Port:     b.Port,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     1,
		},
	}
}

func connectTest(t *testing.T, b *mqtttest.Broker, clientID string) *Client {
	t.Helper()
	client, err := Connect(testConfig(b, clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

// recordingLogger captures log calls.
type recordingLogger struct {
	mu       sync.Mutex
	warnings []string
	errors   []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warnings = append(l.warnings, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if got := client.State(); got != StateConnected {
		t.Errorf("State() = %q, want %q", got, StateConnected)
	}
}

func TestConnectInvalidBroker(t *testing.T) {
	b := mqtttest.Start(t)
	cfg := testConfig(b, "fl-test-invalid")
	cfg.Broker.Port = 1 // Nothing listens here

	_, err := Connect(cfg)
	if err == nil {
		t.Fatal("Connect() expected error for invalid broker")
	}

	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Connect() error = %T, want *ConnectionError", err)
	}
	if connErr.Broker != "tcp://127.0.0.1:1" {
		t.Errorf("ConnectionError.Broker = %q, want tcp://127.0.0.1:1", connErr.Broker)
	}
}

func TestConnectTimeoutAbandonsAttempt(t *testing.T) {
	orig := connectWait
	connectWait = 200 * time.Millisecond
	t.Cleanup(func() { connectWait = orig })

	// A listener that accepts but never answers CONNECT in time.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     ln.Addr().(*net.TCPAddr).Port,
			ClientID: "fl-test-timeout",
		},
		QoS: 1,
	}
	_, err = Connect(cfg)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("client never dialled the listener")
	}
	defer conn.Close()

	// A late CONNACK must not revive the abandoned session.
	if _, err := conn.Write([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		t.Fatalf("write CONNACK: %v", err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline() error = %v", err)
	}
	buf := make([]byte, 256)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatal("connection still open after Connect() timed out")
		}
		if !errors.Is(err, io.EOF) {
			t.Logf("read ended with %v", err)
		}
		return
	}
}

func TestClose(t *testing.T) {
	b := mqtttest.Start(t)
	client, err := Connect(testConfig(b, "fl-test-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	states := make(chan State, 4)
	client.SetOnConnectivity(func(s State) { states <- s })

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	// The initial connect callback runs asynchronously and may still
	// arrive after Close; only the last state matters.
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-states:
			if s == StateDisconnected {
				if got := client.State(); got != StateDisconnected {
					t.Errorf("State() = %q after Close(), want %q", got, StateDisconnected)
				}
				return
			}
		case <-deadline:
			t.Fatal("no disconnected callback on Close()")
		}
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-health")

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-health-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	b := mqtttest.Start(t)
	client, err := Connect(testConfig(b, "fl-test-health-disc"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close() //nolint:errcheck // Under test

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublishValidation(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-pub-validate")

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{name: "ok", topic: "devices/a/commands", payload: []byte(`{}`), qos: 1},
		{name: "nil payload", topic: "devices/a/commands", payload: nil, qos: 0},
		{name: "empty topic", topic: "", payload: []byte("x"), qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid qos", topic: "devices/a/commands", payload: []byte("x"), qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversized", topic: "devices/a/commands", payload: make([]byte, maxPayloadSize+1), qos: 1, wantErr: ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Publish() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishDisconnected(t *testing.T) {
	b := mqtttest.Start(t)
	client, err := Connect(testConfig(b, "fl-test-pub-disc"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close() //nolint:errcheck // Under test

	if err := client.Publish("devices/a/commands", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}

	called := false
	err = client.PublishAsync("devices/a/commands", []byte("x"), 1, false, func(error) { called = true })
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishAsync() error = %v, want ErrNotConnected", err)
	}
	if called {
		t.Error("PublishAsync() completion ran for a rejected publish")
	}
}

func TestPublishAsyncCompletes(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-pub-async")

	done := make(chan error, 1)
	if err := client.PublishAsync("devices/a/commands", []byte(`{"action":"REBOOT"}`), 1, false, func(err error) {
		done <- err
	}); err != nil {
		t.Fatalf("PublishAsync() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("PublishAsync() completion error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("PublishAsync() completion not called")
	}
}

func TestPublishWait(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-pub-wait")

	if err := client.PublishWait("devices/a/commands", []byte(`{}`), 1, false); err != nil {
		t.Errorf("PublishWait() error = %v", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

func TestSubscribeValidation(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-sub-validate")
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v, want ErrInvalidTopic", err)
	}
	if err := client.Subscribe("devices/#", 3, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if err := client.Subscribe("devices/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrSubscribeFailed", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestSubscriptionCount(t *testing.T) {
	b := mqtttest.Start(t)
	client := connectTest(t, b, "fl-test-sub")
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("devices/+/data", 1, noop); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Subscribe("devices/+/status", 1, noop); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	// Re-subscribing replaces the handler.
	if err := client.Subscribe("devices/+/data", 1, noop); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := client.SubscriptionCount(); got != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", got)
	}
}

func TestWildcardRoundtrip(t *testing.T) {
	b := mqtttest.Start(t)
	pub := connectTest(t, b, "fl-test-wild-pub")
	sub := connectTest(t, b, "fl-test-wild-sub")

	received := make(chan string, 3)
	if err := sub.Subscribe("devices/+/data", 1, func(topic string, _ []byte) error {
		received <- topic
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	want := []string{"devices/d1/data", "devices/d2/data", "devices/d3/data"}
	for _, topic := range want {
		if err := pub.PublishWait(topic, []byte(`{"temperature":21.5}`), 1, false); err != nil {
			t.Fatalf("PublishWait(%s) error = %v", topic, err)
		}
	}

	// OrderMatters: handlers see messages in publish order.
	for _, topic := range want {
		select {
		case got := <-received:
			if got != topic {
				t.Errorf("received %s, want %s", got, topic)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for %s", topic)
		}
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	b := mqtttest.Start(t)
	pub := connectTest(t, b, "fl-test-panic-pub")
	sub := connectTest(t, b, "fl-test-panic-sub")

	logger := &recordingLogger{}
	sub.SetLogger(logger)

	after := make(chan struct{}, 1)
	if err := sub.Subscribe("devices/+/status", 1, func(topic string, _ []byte) error {
		if topic == "devices/boom/status" {
			panic("boom")
		}
		after <- struct{}{}
		return errors.New("handler error")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := pub.PublishWait("devices/boom/status", []byte("online"), 1, false); err != nil {
		t.Fatalf("PublishWait() error = %v", err)
	}
	if err := pub.PublishWait("devices/ok/status", []byte("online"), 1, false); err != nil {
		t.Fatalf("PublishWait() error = %v", err)
	}

	select {
	case <-after:
	case <-time.After(3 * time.Second):
		t.Fatal("handler stopped receiving after a panic")
	}
	if logger.errorCount() != 1 {
		t.Errorf("logged errors = %d, want 1 (the recovered panic)", logger.errorCount())
	}
}

// =============================================================================
// Reconnection Tests
// =============================================================================

func TestReconnectRestoresSubscriptionsAndSignalsGap(t *testing.T) {
	b := mqtttest.Start(t)
	pub := connectTest(t, b, "fl-test-gap-pub")
	sub := connectTest(t, b, "fl-test-gap-sub")

	states := make(chan State, 8)
	sub.SetOnConnectivity(func(s State) { states <- s })

	gaps := make(chan time.Duration, 1)
	sub.SetOnPossibleGap(func(lostAt, restoredAt time.Time) {
		gaps <- restoredAt.Sub(lostAt)
	})

	received := make(chan struct{}, 4)
	if err := sub.Subscribe("devices/+/data", 1, func(string, []byte) error {
		received <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !b.Kick("fl-test-gap-sub") {
		t.Fatal("Kick() found no client")
	}

	waitState(t, states, StateDegraded)
	waitState(t, states, StateConnected)

	select {
	case d := <-gaps:
		if d < 0 {
			t.Errorf("gap duration = %v, want >= 0", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no possible-gap callback after reconnect")
	}

	// The subscription must be live again without the caller re-subscribing.
	deadline := time.After(5 * time.Second)
	for {
		if err := pub.Publish("devices/d1/data", []byte(`{"t":1}`), 1, false); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case <-received:
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatal("no message after reconnect; subscription not restored")
		}
	}
}

func waitState(t *testing.T, states <-chan State, want State) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("connectivity never reached %q", want)
		}
	}
}

// =============================================================================
// Topics Tests
// =============================================================================

func TestGatewayStatusTopic(t *testing.T) {
	if got := (Topics{}).GatewayStatus(); got != "fieldlink/gateway/status" {
		t.Errorf("GatewayStatus() = %q, want fieldlink/gateway/status", got)
	}
}
