package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/auth"
	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink/internal/metrics"
	"github.com/nerrad567/fieldlink/internal/protocol"
	"github.com/nerrad567/fieldlink/internal/store"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// =============================================================================
// Fakes
// =============================================================================

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) PublishAsync(topic string, _ []byte, _ byte, _ bool, _ func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fakeHistory struct {
	records  []store.StatusRecord
	commands []command.Command
	lastID   string
	limit    int
}

func (f *fakeHistory) StatusHistory(_ context.Context, deviceID string, limit int) ([]store.StatusRecord, error) {
	f.lastID, f.limit = deviceID, limit
	return f.records, nil
}

func (f *fakeHistory) CommandLog(_ context.Context, deviceID string, limit int) ([]command.Command, error) {
	f.lastID, f.limit = deviceID, limit
	return f.commands, nil
}

type fakeSaver struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSaver) Save(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (f *fakeAudit) Record(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := &audit.ListResult{Entries: []audit.Entry{}, Limit: filter.Limit, Offset: filter.Offset}
	for _, e := range f.entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		res.Entries = append(res.Entries, e)
	}
	res.Total = len(res.Entries)
	return res, nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeTransport struct {
	state mqtt.State
	subs  int
}

func (f fakeTransport) State() mqtt.State { return f.state }

func (f fakeTransport) SubscriptionCount() int { return f.subs }

// =============================================================================
// Helpers
// =============================================================================

type testEnv struct {
	srv      *Server
	handler  http.Handler
	registry *device.Registry
	commands *command.Dispatcher
	events   *fanout.Broadcaster
	pub      *capturePublisher
	history  *fakeHistory
	saver    *fakeSaver
	audit    *fakeAudit
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()

	events := fanout.New(fanout.Config{QueueSize: 16})
	registry := device.NewRegistry(events)
	pub := &capturePublisher{}
	commands := command.New(command.Config{Timeout: time.Minute}, pub, registry, events)
	t.Cleanup(func() {
		commands.Close()
		events.Close()
	})

	env := &testEnv{
		registry: registry,
		commands: commands,
		events:   events,
		pub:      pub,
		history:  &fakeHistory{},
		saver:    &fakeSaver{},
		audit:    &fakeAudit{},
	}

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15}},
		Logger:   logging.Discard(),
		Registry: registry,
		Commands: commands,
		Events:   events,
		History:  env.history,
		Saver:    env.saver,
		Audit:    env.audit,
		Version:  "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	env.handler = srv.Handler()
	return env
}

func tokenFor(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateAccessToken("test-"+string(role), role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error: %v", err)
	}
	return token
}

// do performs a request as role. An empty role sends no token.
func (e *testEnv) do(t *testing.T, role auth.Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, role))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) observe(t *testing.T, id, payload string) {
	t.Helper()
	if err := e.registry.Observe(id, []byte(payload), protocol.ChannelData); err != nil {
		t.Fatalf("Observe(%s) error: %v", id, err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	var e Error
	decode(t, rec, &e)
	if e.Code != code {
		t.Errorf("code = %q, want %q", e.Code, code)
	}
}

// =============================================================================
// Health and middleware
// =============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "", http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_Transport(t *testing.T) {
	tests := []struct {
		state      mqtt.State
		wantCode   int
		wantStatus string
	}{
		{mqtt.StateConnected, http.StatusOK, "ok"},
		{mqtt.StateDegraded, http.StatusOK, "degraded"},
		{mqtt.StateDisconnected, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			env := newTestEnv(t, func(d *Deps) { d.Transport = fakeTransport{state: tt.state} })

			rec := env.do(t, "", http.MethodGet, "/api/v1/health", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]any
			decode(t, rec, &body)
			if body["status"] != tt.wantStatus || body["mqtt"] != string(tt.state) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "", http.MethodGet, "/api/v1/health", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-req-1")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-req-1" {
		t.Errorf("X-Request-ID = %q, want client-req-1", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{"temperature":21}`)

	t.Run("missing token", func(t *testing.T) {
		rec := env.do(t, "", http.MethodGet, "/api/v1/devices", nil)
		assertError(t, rec, http.StatusUnauthorized, ErrCodeUnauthorized)
	})

	t.Run("bad token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assertError(t, rec, http.StatusUnauthorized, ErrCodeUnauthorized)
	})

	t.Run("viewer cannot command", func(t *testing.T) {
		rec := env.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/devices/esp32-a1/commands", map[string]any{"action": "LED"})
		assertError(t, rec, http.StatusForbidden, ErrCodeForbidden)
		if n := env.pub.count("devices/esp32-a1/commands"); n != 0 {
			t.Errorf("published %d commands, want 0", n)
		}
	})

	t.Run("operator cannot delete", func(t *testing.T) {
		rec := env.do(t, auth.RoleOperator, http.MethodDelete, "/api/v1/devices/esp32-a1", nil)
		assertError(t, rec, http.StatusForbidden, ErrCodeForbidden)
	})
}

// =============================================================================
// Devices
// =============================================================================

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{"temperature":21}`)
	env.observe(t, "esp32-b2", `{"temperature":19}`)
	env.observe(t, "esp32-c3", `{"temperature":18}`)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"all", "", 3},
		{"by status", "?status=online", 3},
		{"offline", "?status=offline", 0},
		{"by ids", "?ids=esp32-a1,esp32-c3", 2},
		{"by type", "?type=esp32", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices"+tt.query, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var body struct {
				Devices []device.Device `json:"devices"`
				Count   int             `json:"count"`
			}
			decode(t, rec, &body)
			if body.Count != tt.want || len(body.Devices) != tt.want {
				t.Errorf("count = %d, want %d", body.Count, tt.want)
			}
		})
	}

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices?status=sleeping", nil)
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1b2c3", `{"temperature":21.5}`)

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/esp32-a1b2c3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var d device.Device
	decode(t, rec, &d)
	if d.Name != "ESP32-a1b2c3" || d.Status != device.StatusOnline {
		t.Errorf("device = %+v", d)
	}
	if d.Telemetry["temperature"] != 21.5 {
		t.Errorf("Telemetry = %v", d.Telemetry)
	}

	rec = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/ghost", nil)
	assertError(t, rec, http.StatusNotFound, ErrCodeNotFound)
}

func TestDeviceStats(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)
	env.observe(t, "esp32-b2", `{}`)

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/stats", nil)
	var st device.Stats
	decode(t, rec, &st)
	if st.Total != 2 || st.Online != 2 {
		t.Errorf("stats = %+v, want 2 online", st)
	}
}

func TestUpdateDevice(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	rec := env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/esp32-a1", map[string]any{"name": "Greenhouse", "location": "north"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	var d device.Device
	decode(t, rec, &d)
	if d.Name != "Greenhouse" || d.Location != "north" {
		t.Errorf("device = %+v", d)
	}
	if len(env.saver.ids) != 1 || env.saver.ids[0] != "esp32-a1" {
		t.Errorf("saved = %v, want [esp32-a1]", env.saver.ids)
	}

	rec = env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/esp32-a1", map[string]any{"name": "  "})
	assertError(t, rec, http.StatusBadRequest, ErrCodeValidation)

	rec = env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/esp32-a1", map[string]any{})
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)

	rec = env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/esp32-a1", "{not json")
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)

	rec = env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/ghost", map[string]any{"name": "x"})
	assertError(t, rec, http.StatusNotFound, ErrCodeNotFound)
}

func TestDeleteDevice(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	sub := env.events.Subscribe(fanout.Filter{Kinds: []fanout.Kind{fanout.KindDeviceRemoved}})
	defer env.events.Unsubscribe(sub)

	rec := env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/esp32-a1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil || ev.DeviceID != "esp32-a1" {
		t.Errorf("device_removed event = %+v, %v", ev, err)
	}

	rec = env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/esp32-a1", nil)
	assertError(t, rec, http.StatusNotFound, ErrCodeNotFound)
}

func TestDeviceHistory(t *testing.T) {
	env := newTestEnv(t)
	env.history.records = []store.StatusRecord{
		{ID: "r2", DeviceID: "esp32-a1", From: "online", To: "offline", Reason: device.ReasonHeartbeatTimeout},
		{ID: "r1", DeviceID: "esp32-a1", From: "unknown", To: "online", Reason: device.ReasonDiscovered},
	}

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/esp32-a1/history?limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		History []store.StatusRecord `json:"history"`
		Count   int                  `json:"count"`
	}
	decode(t, rec, &body)
	if body.Count != 2 || body.History[0].To != "offline" {
		t.Errorf("history = %+v", body.History)
	}
	if env.history.lastID != "esp32-a1" || env.history.limit != 10 {
		t.Errorf("store called with (%q, %d)", env.history.lastID, env.history.limit)
	}

	rec = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/esp32-a1/history?limit=-1", nil)
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestDeviceHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.History = nil })

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/esp32-a1/history", nil)
	assertError(t, rec, http.StatusServiceUnavailable, ErrCodeUnavailable)
}

// =============================================================================
// Commands
// =============================================================================

func TestSubmitCommand(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	rec := env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/esp32-a1/commands",
		map[string]any{"action": "SERVO", "params": map[string]any{"angle": 90}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		CorrelationID string `json:"correlationId"`
	}
	decode(t, rec, &body)
	if body.CorrelationID == "" {
		t.Fatal("correlationId should be set")
	}
	if n := env.pub.count("devices/esp32-a1/commands"); n != 1 {
		t.Errorf("published %d commands, want 1", n)
	}

	cmd, err := env.commands.Get(body.CorrelationID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cmd.Action != "SERVO" || cmd.Status != command.StatusSent {
		t.Errorf("command = %+v", cmd)
	}
}

func TestSubmitCommand_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	rec := env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/ghost/commands", map[string]any{"action": "LED"})
	assertError(t, rec, http.StatusNotFound, ErrCodeInvalidTarget)
	if n := env.pub.count("devices/ghost/commands"); n != 0 {
		t.Errorf("published %d commands to ghost, want 0", n)
	}

	rec = env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/esp32-a1/commands", map[string]any{"action": ""})
	assertError(t, rec, http.StatusBadRequest, ErrCodeValidation)

	rec = env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/esp32-a1/commands", "nope")
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)
}

func TestBroadcastCommand(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)
	env.observe(t, "esp32-b2", `{}`)

	rec := env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/commands/broadcast", map[string]any{"action": "STATUS_REQUEST"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var body struct {
		CorrelationIDs []string `json:"correlationIds"`
	}
	decode(t, rec, &body)
	if len(body.CorrelationIDs) != 2 || body.CorrelationIDs[0] == body.CorrelationIDs[1] {
		t.Errorf("correlationIds = %v, want 2 distinct", body.CorrelationIDs)
	}

	rec = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands?device_id=esp32-b2", nil)
	var list struct {
		Commands []command.Command `json:"commands"`
	}
	decode(t, rec, &list)
	if len(list.Commands) != 1 || list.Commands[0].BroadcastID == "" {
		t.Errorf("commands for esp32-b2 = %+v", list.Commands)
	}
}

func TestGetCommand_Wait(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	id, err := env.commands.Submit(context.Background(), "esp32-a1", "LED", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		env.commands.Resolve(id, command.Result{DeviceID: "esp32-a1", Success: true, Detail: "on"})
	}()

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/"+id+"?wait=2s", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cmd command.Command
	decode(t, rec, &cmd)
	if cmd.Status != command.StatusAcknowledged || cmd.Result == nil || cmd.Result.Detail != "on" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestGetCommand_WaitElapses(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	id, err := env.commands.Submit(context.Background(), "esp32-a1", "LED", nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/"+id+"?wait=10ms", nil)
	var cmd command.Command
	decode(t, rec, &cmd)
	if rec.Code != http.StatusOK || cmd.Status != command.StatusSent {
		t.Errorf("status = %d, command = %+v; want 200 and still sent", rec.Code, cmd)
	}

	rec = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/"+id+"?wait=soon", nil)
	assertError(t, rec, http.StatusBadRequest, ErrCodeBadRequest)

	rec = env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/unknown-id", nil)
	assertError(t, rec, http.StatusNotFound, ErrCodeNotFound)
}

func TestListCommands_FromLog(t *testing.T) {
	env := newTestEnv(t)
	env.history.commands = []command.Command{{CorrelationID: "old-1", DeviceID: "esp32-a1", Status: command.StatusTimedOut}}

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands?source=log&device_id=esp32-a1", nil)
	var body struct {
		Commands []command.Command `json:"commands"`
	}
	decode(t, rec, &body)
	if len(body.Commands) != 1 || body.Commands[0].CorrelationID != "old-1" {
		t.Errorf("commands = %+v", body.Commands)
	}
}

// =============================================================================
// Audit
// =============================================================================

func TestAudit_RecordsOperatorActions(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)

	rec := env.do(t, auth.RoleOperator, http.MethodPost, "/api/v1/devices/esp32-a1/commands",
		map[string]any{"action": "REBOOT"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", rec.Code)
	}
	rec = env.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/esp32-a1",
		map[string]any{"name": "Boiler room"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want 200", rec.Code)
	}
	rec = env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/esp32-a1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	got := env.audit.actions()
	want := []string{audit.ActionCommandSubmit, audit.ActionDeviceUpdate, audit.ActionDeviceDelete}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("actions = %v, want %v", got, want)
	}

	first := env.audit.entries[0]
	if first.Subject != "test-operator" || first.Role != string(auth.RoleOperator) {
		t.Errorf("submit entry subject/role = %q/%q", first.Subject, first.Role)
	}
	if first.DeviceID != "esp32-a1" || first.Details["action"] != "REBOOT" {
		t.Errorf("submit entry = %+v", first)
	}
	if env.audit.entries[1].Details["name"] != "Boiler room" {
		t.Errorf("update details = %v", env.audit.entries[1].Details)
	}
}

func TestAudit_FailedActionNotRecorded(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/missing", nil)
	assertError(t, rec, http.StatusNotFound, ErrCodeNotFound)
	if n := len(env.audit.actions()); n != 0 {
		t.Errorf("recorded %d entries for a failed delete, want 0", n)
	}
}

func TestListAudit(t *testing.T) {
	env := newTestEnv(t)
	env.observe(t, "esp32-a1", `{}`)
	env.observe(t, "esp32-b2", `{}`)
	env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/esp32-a1", nil)
	env.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/devices/esp32-b2", nil)

	rec := env.do(t, auth.RoleAdmin, http.MethodGet, "/api/v1/audit?device_id=esp32-b2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var res audit.ListResult
	decode(t, rec, &res)
	if res.Total != 1 || len(res.Entries) != 1 || res.Entries[0].DeviceID != "esp32-b2" {
		t.Errorf("result = %+v", res)
	}

	tests := []struct {
		name   string
		role   auth.Role
		path   string
		status int
		code   string
	}{
		{"operator forbidden", auth.RoleOperator, "/api/v1/audit", http.StatusForbidden, ErrCodeForbidden},
		{"bad limit", auth.RoleAdmin, "/api/v1/audit?limit=abc", http.StatusBadRequest, ErrCodeBadRequest},
		{"negative offset", auth.RoleAdmin, "/api/v1/audit?offset=-1", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, env.do(t, tt.role, http.MethodGet, tt.path, nil), tt.status, tt.code)
		})
	}
}

func TestListAudit_Disabled(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Audit = nil })
	rec := env.do(t, auth.RoleAdmin, http.MethodGet, "/api/v1/audit", nil)
	assertError(t, rec, http.StatusServiceUnavailable, ErrCodeUnavailable)
}

// =============================================================================
// Diagnostics
// =============================================================================

func TestFanoutStats(t *testing.T) {
	env := newTestEnv(t)
	sub := env.events.Subscribe(fanout.Filter{})
	defer env.events.Unsubscribe(sub)

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/fanout/stats", nil)
	var st fanout.Stats
	decode(t, rec, &st)
	if st.Subscriptions != 1 || len(st.Subscribers) != 1 || st.Subscribers[0].ID != sub.ID() {
		t.Errorf("stats = %+v", st)
	}
}

func TestSystemMetrics(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Transport = fakeTransport{state: mqtt.StateConnected, subs: 1} })
	env.observe(t, "esp32-a1", `{}`)
	if _, err := env.commands.Submit(context.Background(), "esp32-a1", "LED", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/system", nil)
	var m SystemMetrics
	decode(t, rec, &m)
	if m.MQTT.State != "connected" {
		t.Errorf("MQTT.State = %q", m.MQTT.State)
	}
	if m.MQTT.Subscriptions != 1 {
		t.Errorf("MQTT.Subscriptions = %d, want 1", m.MQTT.Subscriptions)
	}
	if m.Devices.Online != 1 {
		t.Errorf("Devices = %+v", m.Devices)
	}
	if m.Commands.ByStatus["sent"] != 1 {
		t.Errorf("Commands = %+v", m.Commands)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("Runtime.Goroutines should be populated")
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	m := metrics.New(nil)
	env := newTestEnv(t, func(d *Deps) { d.Metrics = m.Handler() })

	rec := env.do(t, "", http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output should include Go runtime collectors")
	}
}

// =============================================================================
// WebSocket
// =============================================================================

func issueTicket(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := env.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/auth/ws-ticket", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ws-ticket status = %d", rec.Code)
	}
	var body struct {
		Ticket string `json:"ticket"`
	}
	decode(t, rec, &body)
	return body.Ticket
}

func dialWS(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func TestWebSocket_StreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ticket := issueTicket(t, env)
	ws, resp, err := dialWS(t, ts, "?ticket="+ticket+"&devices=esp32-a1&kinds=telemetry")
	if err != nil {
		t.Fatalf("dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if msg := readWS(t, ws); msg.Type != WSTypeWelcome {
		t.Fatalf("first message type = %q, want welcome", msg.Type)
	}

	env.observe(t, "esp32-b2", `{"temperature":30}`)
	env.observe(t, "esp32-a1", `{"temperature":21.5}`)

	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != string(fanout.KindTelemetry) || msg.DeviceID != "esp32-a1" {
		t.Fatalf("event = %+v, want esp32-a1 telemetry", msg)
	}
	payload, _ := msg.Payload.(map[string]any)
	fields, _ := payload["fields"].(map[string]any)
	if fields["temperature"] != 21.5 {
		t.Errorf("payload = %v", msg.Payload)
	}

	if env.srv.hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", env.srv.hub.ClientCount())
	}
}

func TestWebSocket_Ping(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ws, _, err := dialWS(t, ts, "?ticket="+issueTicket(t, env))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()
	readWS(t, ws) // welcome

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("reply = %+v, want pong p1", msg)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypeError {
		t.Errorf("reply = %+v, want error", msg)
	}
}

func TestWebSocket_SessionsCountedByRole(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	open := func(role auth.Role) {
		t.Helper()
		rec := env.do(t, role, http.MethodPost, "/api/v1/auth/ws-ticket", nil)
		var body struct {
			Ticket string `json:"ticket"`
		}
		decode(t, rec, &body)
		ws, resp, err := dialWS(t, ts, "?ticket="+body.Ticket)
		if err != nil {
			t.Fatalf("dial failed: %v (resp: %v)", err, resp)
		}
		t.Cleanup(func() { ws.Close() })
		if msg := readWS(t, ws); msg.Type != WSTypeWelcome {
			t.Fatalf("first message type = %q, want welcome", msg.Type)
		}
	}
	open(auth.RoleViewer)
	open(auth.RoleViewer)
	open(auth.RoleOperator)

	rec := env.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/system", nil)
	var m SystemMetrics
	decode(t, rec, &m)
	if m.WebSocket.ConnectedClients != 3 {
		t.Errorf("ConnectedClients = %d, want 3", m.WebSocket.ConnectedClients)
	}
	if m.WebSocket.ByRole["viewer"] != 2 || m.WebSocket.ByRole["operator"] != 1 {
		t.Errorf("ByRole = %v, want viewer:2 operator:1", m.WebSocket.ByRole)
	}
}

func TestWebSocket_TicketRules(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	t.Run("no ticket", func(t *testing.T) {
		_, resp, err := dialWS(t, ts, "")
		if err == nil {
			t.Fatal("expected error connecting without ticket")
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("single use", func(t *testing.T) {
		ticket := issueTicket(t, env)
		ws, _, err := dialWS(t, ts, "?ticket="+ticket)
		if err != nil {
			t.Fatalf("first dial failed: %v", err)
		}
		ws.Close()

		_, resp, err := dialWS(t, ts, "?ticket="+ticket)
		if err == nil {
			t.Fatal("ticket should not be reusable")
		}
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, resp, err := dialWS(t, ts, "?ticket="+issueTicket(t, env)+"&kinds=gossip")
		if err == nil {
			t.Fatal("expected error for unknown kind")
		}
		if resp != nil && resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("ticket requires auth", func(t *testing.T) {
		rec := env.do(t, "", http.MethodPost, "/api/v1/auth/ws-ticket", nil)
		assertError(t, rec, http.StatusUnauthorized, ErrCodeUnauthorized)
	})
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()
	ts.now = func() time.Time { return now }

	ticket := ts.issue("svc", auth.RoleViewer)
	now = now.Add(ticketTTL + time.Second)

	if _, ok := ts.consume(ticket); ok {
		t.Error("expired ticket should be rejected")
	}

	ts.issue("svc", auth.RoleViewer)
	ts.cleanExpired()
	if ts.len() != 1 {
		t.Errorf("len() = %d, want 1 unexpired ticket", ts.len())
	}
	now = now.Add(ticketTTL)
	ts.cleanExpired()
	if ts.len() != 0 {
		t.Errorf("len() = %d after expiry, want 0", ts.len())
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"registry", func(d *Deps) { d.Registry = nil }},
		{"commands", func(d *Deps) { d.Commands = nil }},
		{"events", func(d *Deps) { d.Events = nil }},
		{"secret", func(d *Deps) { d.Security.JWT.Secret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := fanout.New(fanout.Config{})
			reg := device.NewRegistry(events)
			deps := Deps{
				Logger:   logging.Discard(),
				Registry: reg,
				Commands: command.New(command.Config{}, &capturePublisher{}, reg, events),
				Events:   events,
				Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret}},
			}
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Errorf("New() without %s should fail", tt.name)
			}
		})
	}
}
