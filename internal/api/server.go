package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/fieldlink/internal/audit"
	"github.com/nerrad567/fieldlink/internal/command"
	"github.com/nerrad567/fieldlink/internal/device"
	"github.com/nerrad567/fieldlink/internal/fanout"
	"github.com/nerrad567/fieldlink/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink/internal/router"
	"github.com/nerrad567/fieldlink/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HistoryStore serves persisted history. Implemented by *store.SQLStore.
type HistoryStore interface {
	StatusHistory(ctx context.Context, deviceID string, limit int) ([]store.StatusRecord, error)
	CommandLog(ctx context.Context, deviceID string, limit int) ([]command.Command, error)
}

// DeviceSaver persists a device after an administrative change.
// Implemented by *store.Recorder.
type DeviceSaver interface {
	Save(id string)
}

// Transport reports broker connectivity. Implemented by *mqtt.Client.
type Transport interface {
	State() mqtt.State
	SubscriptionCount() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *device.Registry
	Commands *command.Dispatcher
	Events   *fanout.Broadcaster

	// Optional.
	Router    *router.Router
	History   HistoryStore
	Saver     DeviceSaver
	Audit     audit.Repository
	Transport Transport
	Metrics   http.Handler
	Version   string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket sessions.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  *device.Registry
	commands  *command.Dispatcher
	events    *fanout.Broadcaster
	router    *router.Router
	history   HistoryStore
	saver     DeviceSaver
	audit     audit.Repository
	transport Transport
	metrics   http.Handler
	version   string
	started   time.Time

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event broadcaster is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		commands:  deps.Commands,
		events:    deps.Events,
		router:    deps.Router,
		history:   deps.History,
		saver:     deps.Saver,
		audit:     deps.Audit,
		transport: deps.Transport,
		metrics:   deps.Metrics,
		version:   deps.Version,
		started:   time.Now(),
		hub:       NewHub(deps.Logger),
		tickets:   newTicketStore(),
	}, nil
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It binds the listener synchronously so a port conflict is reported here,
// then serves in a background goroutine until Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// WebSocket sessions are closed first. In-flight requests get up to 10
// seconds to complete.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
