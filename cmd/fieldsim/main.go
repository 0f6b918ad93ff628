// fieldsim - ESP32 fleet simulator
//
// fieldsim connects a number of simulated ESP32 nodes to an MQTT broker.
// Each node publishes firmware-shaped telemetry on devices/{id}/data,
// announces itself on devices/{id}/status, and acknowledges commands
// received on devices/{id}/commands.
//
// Usage:
//
//	fieldsim -broker tcp://localhost:1883 -devices 5 -interval 10s
//
// Set -ack-loss to drop a fraction of acknowledgements and exercise command
// timeouts, or -silent-after to stop reporting and exercise offline detection.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
)

var version = "dev"

type options struct {
	broker      string
	username    string
	password    string
	devices     int
	prefix      string
	interval    time.Duration
	qos         int
	ackLoss     float64
	silentAfter time.Duration
	logLevel    string
}

func main() {
	var opts options
	flag.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&opts.username, "username", "", "MQTT username")
	flag.StringVar(&opts.password, "password", "", "MQTT password")
	flag.IntVar(&opts.devices, "devices", 3, "number of simulated nodes")
	flag.StringVar(&opts.prefix, "prefix", "esp32-sim-", "device ID prefix")
	flag.DurationVar(&opts.interval, "interval", 10*time.Second, "telemetry interval")
	flag.IntVar(&opts.qos, "qos", 1, "MQTT QoS for device messages")
	flag.Float64Var(&opts.ackLoss, "ack-loss", 0, "fraction of acknowledgements to drop (0-1)")
	flag.DurationVar(&opts.silentAfter, "silent-after", 0, "stop reporting after this long (0 = never)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if opts.devices < 1 {
		return fmt.Errorf("devices must be at least 1")
	}
	if opts.interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	log := logging.New(config.LoggingConfig{
		Level:  opts.logLevel,
		Format: "text",
		Output: "stderr",
	}, version)
	log.Info("starting fieldsim", "broker", opts.broker, "devices", opts.devices)

	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.devices {
		node := newNode(nodeConfig{
			ID:          fmt.Sprintf("%s%02d", opts.prefix, i+1),
			Broker:      opts.broker,
			Username:    opts.username,
			Password:    opts.password,
			Interval:    opts.interval,
			QoS:         byte(opts.qos),
			AckLoss:     opts.ackLoss,
			SilentAfter: opts.silentAfter,
		}, log)
		g.Go(func() error { return node.Run(gctx) })
	}

	err := g.Wait()
	log.Info("fieldsim stopped")
	return err
}
