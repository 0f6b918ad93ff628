// fieldlink - ESP32 field-device gateway
//
// fieldlink bridges a fleet of ESP32 devices speaking MQTT to operators on
// HTTP. It tracks every device it hears from, declares devices offline when
// they go quiet, dispatches commands with correlated acknowledgements, and
// streams device events to WebSocket observers.
//
// Usage:
//
//	fieldlink                              run the gateway
//	fieldlink token -subject ops -role operator
//	                                       print an access token for local use
//	fieldlink migrate status|up|down       inspect, apply or roll back the schema
//
// The configuration file is read from FIELDLINK_CONFIG, defaulting to
// configs/config.yaml.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/fieldlink/migrations"

	"github.com/nerrad567/fieldlink/internal/api"
	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/database"
	"github.com/nerrad567/fieldlink/internal/infrastructure/influxdb"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink/internal/liveness"
	"github.com/nerrad567/fieldlink/internal/metrics"
	"github.com/nerrad567/fieldlink/internal/router"
	"github.com/nerrad567/fieldlink/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 {
		var err error
		switch os.Args[1] {
		case "token":
			err = runToken(os.Args[2:], os.Stdout)
		case "migrate":
			err = runMigrate(ctx, os.Args[2:], os.Stdout)
		default:
			err = fmt.Errorf("unknown command %q", os.Args[1])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
		return
	}

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the gateway and blocks until ctx is cancelled or a component
// fails. Components are closed in reverse order of creation.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fieldlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	m := metrics.New(nil)

	// Fan-out broadcaster for live observers.
	events := fanout.New(fanout.Config{
		QueueSize:       cfg.Fanout.QueueSize,
		EvictAfterDrops: cfg.Fanout.EvictAfterDrops,
	})
	events.SetLogger(log.Component("fanout"))
	events.SetMetrics(m)
	defer events.Close()

	// Persistence (optional).
	var (
		sqlStore *store.SQLStore
		writer   store.Writer
		history  api.HistoryStore
		auditLog audit.Repository
	)
	if cfg.Database.Enabled {
		db, dbErr := openDatabase(ctx, cfg.Database)
		if dbErr != nil {
			return dbErr
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database ready", "driver", db.Driver())

		sqlStore = store.NewSQLStore(db)
		writer = sqlStore
		history = sqlStore
		auditLog = audit.NewSQLRepository(db)
	} else {
		log.Info("database disabled, device state is memory-only")
	}

	var series store.TimeSeries
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			m.RecorderFailed(store.SinkSeries)
			log.Error("InfluxDB write error", "error", err)
		})
		series = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device registry. Its events go to observers and, when persistence is
	// on, to the recorder.
	var (
		registry *device.Registry
		recorder *store.Recorder
	)
	sinks := fanout.Publisher(events)
	if writer != nil || series != nil {
		recorder = store.NewRecorder(store.RecorderConfig{Queue: cfg.Database.RecorderQueue}, writer, series, nil)
		recorder.SetLogger(log.Component("recorder"))
		recorder.SetMetrics(m)
		sinks = fanout.Multi(events, recorder)
	}

	registry = device.NewRegistry(sinks)
	registry.SetLogger(log.Component("registry"))
	registry.SetMetrics(m)
	m.WatchDevices(func() (int, int, int) {
		st := registry.Stats()
		return st.Online, st.Offline, st.Unknown
	})

	if recorder != nil {
		recorder.SetDevices(registry)
		recorder.Start(ctx)
		defer func() {
			log.Info("stopping recorder")
			recorder.Stop()
		}()
	}

	if sqlStore != nil {
		restored, restoreErr := restoreDevices(ctx, sqlStore, registry)
		if restoreErr != nil {
			return restoreErr
		}
		log.Info("device registry restored", "devices", restored)
	}

	// Liveness monitor.
	monitor := liveness.New(liveness.Config{
		HeartbeatTimeout: cfg.Gateway.HeartbeatTimeout,
		SweepInterval:    cfg.Gateway.SweepInterval,
	}, registry)
	monitor.SetLogger(log.Component("liveness"))
	monitor.SetMetrics(m)
	registry.SetLiveness(monitor)

	// Command dispatcher. Publishes through the transport once it is up.
	link := &transport{}
	commands := command.New(command.Config{
		Timeout:    cfg.Commands.Timeout,
		Retention:  cfg.Commands.Retention,
		QoS:        byte(cfg.MQTT.QoS),
		RetainLast: cfg.Commands.RetainLast,
		Source:     cfg.Commands.Source,
	}, link, registry, sinks)
	commands.SetLogger(log.Component("commands"))
	commands.SetMetrics(m)

	if action := cfg.Commands.WelcomeAction; action != "" {
		registry.SetOnDiscover(func(d device.Device) {
			if _, submitErr := commands.Submit(ctx, d.ID, action, nil); submitErr != nil {
				log.Warn("welcome command not sent", "device_id", d.ID, "error", submitErr)
			}
		})
	}

	// Topic router.
	rt := router.New(router.Config{
		Workers: cfg.Gateway.RouterWorkers,
		Queue:   cfg.Gateway.RouterQueue,
	}, registry, commands)
	rt.SetLogger(log.Component("router"))
	rt.SetMetrics(m)

	// Start loops. Deferred stops run before the stores above are closed.
	monitor.Start(ctx)
	defer monitor.Stop()

	commands.Start(ctx)
	defer func() {
		if n := commands.Close(); n > 0 {
			log.Warn("commands abandoned at shutdown", "count", n)
		}
	}()

	rt.Start(ctx)
	defer rt.Stop()

	// HTTP API.
	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log.Component("api"),
		Registry:  registry,
		Commands:  commands,
		Events:    events,
		Router:    rt,
		History:   history,
		Audit:     auditLog,
		Transport: link,
		Metrics:   m.Handler(),
		Version:   version,
	}
	if recorder != nil {
		deps.Saver = recorder
	}
	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	log.Info("initialisation complete")
	err = supervise(ctx, cfg, log, srv, link, ingress{router: rt, monitor: monitor, metrics: m})
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if err != nil {
		log.Error("gateway stopping", "error", err)
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FIELDLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FIELDLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens the configured database and applies migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := dialDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// dialDatabase opens the configured database without touching the schema.
func dialDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Driver:       cfg.Driver,
		Path:         cfg.Path,
		WALMode:      cfg.WALMode,
		BusyTimeout:  cfg.BusyTimeout,
		DSN:          cfg.DSN,
		MaxOpenConns: cfg.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// restoreDevices seeds the registry with the devices known from earlier runs.
func restoreDevices(ctx context.Context, s *store.SQLStore, registry *device.Registry) (int, error) {
	devices, err := s.LoadDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading devices: %w", err)
	}
	n, err := registry.Restore(devices)
	if err != nil {
		return n, fmt.Errorf("restoring devices: %w", err)
	}
	return n, nil
}
