package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fieldlink/internal/auth"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt/mqtttest"
)

const testSecret = "test-secret-for-development-only-32chars"

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// writeConfig writes a config file for run and points FIELDLINK_CONFIG at it.
func writeConfig(t *testing.T, mqttPort, apiPort, maxAttempts int) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := fmt.Sprintf(`
site:
  id: test-site

database:
  enabled: true
  driver: sqlite
  path: %q
  wal_mode: true
  busy_timeout: 5

mqtt:
  broker:
    host: "127.0.0.1"
    port: %d
    client_id: "fieldlink-test"
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 1
    max_attempts: %d

gateway:
  heartbeat_timeout: 15s
  sweep_interval: 1s

commands:
  timeout: 5s
  welcome_action: STATUS_REQUEST

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stderr

api:
  host: "127.0.0.1"
  port: %d

security:
  jwt:
    secret: %q
`, filepath.Join(tmpDir, "fieldlink.db"), mqttPort, maxAttempts, apiPort, testSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("FIELDLINK_CONFIG", configPath)
	return configPath
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("FIELDLINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("FIELDLINK_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("FIELDLINK_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_BrokerUnreachable verifies the process fails once the connection
// budget is spent.
func TestRun_BrokerUnreachable(t *testing.T) {
	writeConfig(t, freePort(t), freePort(t), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail when the broker is unreachable")
	}
	var connErr *mqtt.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("run() error = %v, want *mqtt.ConnectionError", err)
	}
}

// TestRun_CancelledDuringConnect verifies a shutdown signal while still
// retrying the broker is a clean exit.
func TestRun_CancelledDuringConnect(t *testing.T) {
	writeConfig(t, freePort(t), freePort(t), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Errorf("run() error = %v, want nil on cancellation", err)
	}
}

// TestRun_EndToEnd drives the gateway through a real broker: a device
// reports, receives the welcome command, acknowledges it, and the result is
// visible over HTTP.
func TestRun_EndToEnd(t *testing.T) {
	broker := mqtttest.Start(t)
	apiPort := freePort(t)
	writeConfig(t, broker.Port, apiPort, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1", apiPort)
	waitFor(t, 10*time.Second, func() bool {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	// Simulated device.
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", broker.Port)).
		SetClientID("esp32-e2e")
	dev := pahomqtt.NewClient(opts)
	if tok := dev.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("device connect: %v", tok.Error())
	}
	defer dev.Disconnect(100)

	commands := make(chan map[string]any, 4)
	tok := dev.Subscribe("devices/esp32-e2e/commands", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		var cmd map[string]any
		if json.Unmarshal(msg.Payload(), &cmd) == nil {
			commands <- cmd
		}
	})
	if !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("device subscribe: %v", tok.Error())
	}

	dev.Publish("devices/esp32-e2e/data", 1, false, `{"temperature":21.5,"wifi_rssi":-60}`).Wait()

	var welcome map[string]any
	select {
	case welcome = <-commands:
	case <-time.After(5 * time.Second):
		t.Fatal("welcome command not received")
	}
	if welcome["action"] != "STATUS_REQUEST" {
		t.Fatalf("welcome = %v, want STATUS_REQUEST", welcome)
	}
	correlationID, _ := welcome["correlationId"].(string)

	ack := fmt.Sprintf(`{"correlationId":%q,"success":true,"detail":"ok"}`, correlationID)
	dev.Publish("devices/esp32-e2e/ack", 1, false, ack).Wait()

	token, err := auth.GenerateAccessToken("e2e", auth.RoleViewer, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		var cmd struct {
			Status string `json:"status"`
		}
		return getJSON(baseURL+"/commands/"+correlationID, token, &cmd) == http.StatusOK && cmd.Status == "acknowledged"
	})

	var d struct {
		Status    string         `json:"status"`
		Telemetry map[string]any `json:"telemetry"`
	}
	if code := getJSON(baseURL+"/devices/esp32-e2e", token, &d); code != http.StatusOK {
		t.Fatalf("GET device status = %d", code)
	}
	if d.Status != "online" || d.Telemetry["temperature"] != 21.5 {
		t.Errorf("device = %+v", d)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

func TestRunToken(t *testing.T) {
	writeConfig(t, 1883, 8080, 1)

	var out bytes.Buffer
	if err := runToken([]string{"-subject", "bench", "-role", "operator"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "bench" || claims.Role != auth.RoleOperator {
		t.Errorf("claims = %+v", claims)
	}

	if err := runToken([]string{"-subject", "bench", "-role", "root"}, &out); err == nil {
		t.Error("runToken() with unknown role should fail")
	}
}

func TestRunMigrate(t *testing.T) {
	writeConfig(t, 1883, 8080, 1)
	ctx := context.Background()

	migrate := func(action string) string {
		t.Helper()
		var out bytes.Buffer
		if err := runMigrate(ctx, []string{action}, &out); err != nil {
			t.Fatalf("runMigrate(%s) error = %v", action, err)
		}
		return out.String()
	}

	out := migrate("status")
	if !strings.Contains(out, "current: none") || !strings.Contains(out, "pending  20260301_130000  audit_log") {
		t.Errorf("status on fresh database:\n%s", out)
	}

	out = migrate("up")
	if !strings.Contains(out, "current: 20260301_130000") || strings.Contains(out, "pending") {
		t.Errorf("status after up:\n%s", out)
	}

	out = migrate("down")
	if !strings.Contains(out, "rolled back 20260301_130000 audit_log") {
		t.Errorf("down output:\n%s", out)
	}
	if !strings.Contains(out, "current: 20260301_120000") || !strings.Contains(out, "pending  20260301_130000  audit_log") {
		t.Errorf("status after down:\n%s", out)
	}

	var out2 bytes.Buffer
	if err := runMigrate(ctx, []string{"sideways"}, &out2); err == nil {
		t.Error("runMigrate() with unknown action should fail")
	}
	if err := runMigrate(ctx, nil, &out2); err == nil {
		t.Error("runMigrate() without an action should fail")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func getJSON(url, token string, v any) int {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(v) //nolint:errcheck // caller checks fields
	}
	return resp.StatusCode
}
