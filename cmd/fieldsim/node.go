package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink/internal/protocol"
)

// Firmware command actions.
const (
	actionStatusRequest  = "STATUS_REQUEST"
	actionServoAngle     = "SERVO_ANGLE"
	actionReboot         = "REBOOT"
	actionFirmwareUpdate = "FIRMWARE_UPDATE"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	baseFreeHeap   = 210_000
)

type nodeConfig struct {
	ID          string
	Broker      string
	Username    string
	Password    string
	Interval    time.Duration
	QoS         byte
	AckLoss     float64
	SilentAfter time.Duration
}

// node is one simulated ESP32. Sensor values drift between reports.
type node struct {
	cfg nodeConfig
	log *logging.Logger

	client pahomqtt.Client

	mu          sync.Mutex
	bootedAt    time.Time
	temperature float64
	humidity    float64
	servoAngle  int
	rng         *rand.Rand
}

func newNode(cfg nodeConfig, log *logging.Logger) *node {
	seed := uint64(time.Now().UnixNano())
	rng := rand.New(rand.NewPCG(seed, uint64(len(cfg.ID))))
	return &node{
		cfg:         cfg,
		log:         log.With("device_id", cfg.ID),
		bootedAt:    time.Now(),
		temperature: 18 + rng.Float64()*8,
		humidity:    40 + rng.Float64()*20,
		servoAngle:  90,
		rng:         rng,
	}
}

// Run connects, reports until ctx ends, and then announces offline.
func (n *node) Run(ctx context.Context) error {
	statusTopic := protocol.DeviceTopic(n.cfg.ID, protocol.ChannelStatus)

	opts := pahomqtt.NewClientOptions().
		AddBroker(n.cfg.Broker).
		SetClientID(n.cfg.ID).
		SetUsername(n.cfg.Username).
		SetPassword(n.cfg.Password).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectTimeout(connectTimeout).
		SetWill(statusTopic, "offline", n.cfg.QoS, false).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			// Resubscribe on every (re)connect; the session is not persistent.
			c.Subscribe(protocol.CommandTopic(n.cfg.ID), n.cfg.QoS, n.onCommand)
			n.publishStatus("online")
		})

	n.client = pahomqtt.NewClient(opts)
	token := n.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%s: connect timed out", n.cfg.ID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: connect: %w", n.cfg.ID, err)
	}
	n.log.Info("node connected")

	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	var silent <-chan time.Time
	if n.cfg.SilentAfter > 0 {
		timer := time.NewTimer(n.cfg.SilentAfter)
		defer timer.Stop()
		silent = timer.C
	}

	n.publishData("online")
	for {
		select {
		case <-ctx.Done():
			n.publishStatus("offline")
			n.client.Disconnect(250)
			n.log.Info("node disconnected")
			return nil
		case <-silent:
			n.log.Info("node going silent")
			ticker.Stop()
			silent = nil
		case <-ticker.C:
			n.publishData("online")
		}
	}
}

// reading advances the simulated sensors and returns a data payload.
func (n *node) reading(status string, now time.Time) map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.temperature = clamp(n.temperature+(n.rng.Float64()-0.5)*0.6, -10, 50)
	n.humidity = clamp(n.humidity+(n.rng.Float64()-0.5)*2, 0, 100)

	return map[string]any{
		"temperature": math.Round(n.temperature*10) / 10,
		"humidity":    math.Round(n.humidity*10) / 10,
		"status":      status,
		"uptime":      now.Sub(n.bootedAt).Milliseconds(),
		"free_heap":   baseFreeHeap - n.rng.IntN(20_000),
		"wifi_rssi":   -45 - n.rng.IntN(40),
		"node_id":     n.cfg.ID,
		"servo_angle": n.servoAngle,
		"timestamp":   now.UTC().Format(time.RFC3339),
	}
}

func (n *node) publishData(status string) {
	n.publishJSON(protocol.DeviceTopic(n.cfg.ID, protocol.ChannelData), n.reading(status, time.Now()))
}

func (n *node) publishStatus(status string) {
	n.publishJSON(protocol.DeviceTopic(n.cfg.ID, protocol.ChannelStatus), map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (n *node) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encoding payload failed", "topic", topic, "error", err)
		return
	}
	token := n.client.Publish(topic, n.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		n.log.Warn("publish failed", "topic", topic, "error", token.Error())
	}
}

func (n *node) onCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	ack, ok := n.execute(msg.Payload())
	if !ok {
		return
	}

	n.mu.Lock()
	drop := n.cfg.AckLoss > 0 && n.rng.Float64() < n.cfg.AckLoss
	n.mu.Unlock()
	if drop {
		n.log.Debug("dropping acknowledgement", "correlation_id", ack.CorrelationID)
		return
	}

	n.publishJSON(protocol.DeviceTopic(n.cfg.ID, protocol.ChannelAck), ack)
}

// execute applies a command and returns its acknowledgement. Commands
// without a correlation id cannot be acknowledged and are ignored.
func (n *node) execute(payload []byte) (protocol.Ack, bool) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		n.log.Warn("command is not JSON", "error", err)
		return protocol.Ack{}, false
	}
	id, _ := cmd[protocol.KeyCorrelationID].(string)
	if id == "" {
		return protocol.Ack{}, false
	}
	action, _ := cmd[protocol.KeyAction].(string)
	n.log.Info("command received", "action", action, "correlation_id", id)

	ack := protocol.Ack{CorrelationID: id, Success: true}
	switch action {
	case actionStatusRequest:
		n.publishData("online")
		ack.Detail = "status published"

	case actionServoAngle:
		angle, ok := cmd["angle"].(float64)
		if !ok || angle < 0 || angle > 180 {
			ack.Success = false
			ack.Detail = "angle must be between 0 and 180"
			break
		}
		n.mu.Lock()
		n.servoAngle = int(angle)
		n.mu.Unlock()
		n.publishData("servo_updated")
		ack.Detail = fmt.Sprintf("servo at %d", int(angle))

	case actionReboot:
		n.publishStatus("rebooting")
		n.mu.Lock()
		n.bootedAt = time.Now()
		n.mu.Unlock()
		n.publishStatus("online")
		ack.Detail = "rebooted"

	case actionFirmwareUpdate:
		if url, _ := cmd["url"].(string); url == "" {
			ack.Success = false
			ack.Detail = "url is required"
			break
		}
		n.publishStatus("updating")
		n.publishStatus("no_update_needed")
		ack.Detail = "no_update_needed"

	default:
		ack.Success = false
		ack.Detail = "unknown action: " + action
	}
	return ack, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
