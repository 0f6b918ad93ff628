package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fieldlink/internal/api"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink/internal/liveness"
	"github.com/nerrad567/fieldlink/internal/metrics"
	"github.com/nerrad567/fieldlink/internal/protocol"
	"github.com/nerrad567/fieldlink/internal/router"
)

// transport holds the broker session once it exists. Until then the
// gateway reports disconnected and command publishes fail fast.
type transport struct {
	client atomic.Pointer[mqtt.Client]
}

// State implements api.Transport.
func (t *transport) State() mqtt.State {
	c := t.client.Load()
	if c == nil {
		return mqtt.StateDisconnected
	}
	return c.State()
}

// SubscriptionCount implements api.Transport.
func (t *transport) SubscriptionCount() int {
	c := t.client.Load()
	if c == nil {
		return 0
	}
	return c.SubscriptionCount()
}

// PublishAsync implements command.Publisher.
func (t *transport) PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error)) error {
	c := t.client.Load()
	if c == nil {
		return mqtt.ErrNotConnected
	}
	return c.PublishAsync(topic, payload, qos, retained, done)
}

// ingress is everything the broker session feeds or signals.
type ingress struct {
	router  *router.Router
	monitor *liveness.Monitor
	metrics *metrics.Metrics
}

// supervise runs the API server and the broker session until ctx is
// cancelled or either of them fails. An exhausted connection budget is a
// failure.
func supervise(ctx context.Context, cfg *config.Config, log *logging.Logger, srv *api.Server, link *transport, in ingress) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		<-gctx.Done()
		if err := srv.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return runTransport(gctx, cfg.MQTT, log.Component("mqtt"), link, in)
	})

	return g.Wait()
}

// runTransport connects to the broker, routes device topics into the
// gateway and holds the session until ctx ends.
func runTransport(ctx context.Context, cfg config.MQTTConfig, log *logging.Logger, link *transport, in ingress) error {
	in.metrics.SetConnectivity(string(mqtt.StateDisconnected))

	policy := mqtt.PolicyFromConfig(cfg.Reconnect)
	policy.OnAttemptFailed = func(int, error, time.Duration) {
		in.metrics.SetConnectivity(string(mqtt.StateDegraded))
	}

	client, err := mqtt.ConnectWithRetry(ctx, cfg, policy, log)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		link.client.Store(nil)
		log.Info("disconnecting from MQTT")
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	client.SetOnConnectivity(func(s mqtt.State) {
		in.metrics.SetConnectivity(string(s))
		log.Info("MQTT connectivity changed", "state", s)
	})
	client.SetOnPossibleGap(func(lostAt, restoredAt time.Time) {
		log.Warn("MQTT session restored, device messages may have been lost",
			"lost_at", lostAt,
			"outage", restoredAt.Sub(lostAt).String(),
		)
		in.monitor.Grace(restoredAt)
	})
	in.metrics.SetConnectivity(string(client.State()))

	if err := client.Subscribe(protocol.SubscriptionPattern(), byte(cfg.QoS), in.router.Handle); err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}
	link.client.Store(client)

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	<-ctx.Done()
	return nil
}
