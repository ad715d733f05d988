package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/httq/internal/audit"
	"github.com/nerrad567/httq/internal/bridge"
	"github.com/nerrad567/httq/internal/infrastructure/config"
	"github.com/nerrad567/httq/internal/infrastructure/database"
	"github.com/nerrad567/httq/internal/infrastructure/influxdb"
	"github.com/nerrad567/httq/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// snapshotInterval is how often engine gauges are sent to telemetry.
const snapshotInterval = 10 * time.Second

// Telemetry receives per-exchange points. *influxdb.Client implements it.
type Telemetry interface {
	WriteExchange(e influxdb.Exchange)
	WriteEngineSnapshot(s influxdb.EngineSnapshot)
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Bridge   config.BridgeConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Engine   *bridge.Engine

	// Optional.
	AuditRepo audit.Repository
	DB        *database.DB
	Telemetry Telemetry
	Version   string
}

// Server is the HTTP front of the bridge.
//
// Every path outside /_httq is bridged to MQTT; /_httq carries health,
// metrics and the exchange audit log.
type Server struct {
	cfg       config.APIConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	engine    *bridge.Engine
	parser    bridge.Parser
	auditRepo audit.Repository
	db        *database.DB
	telemetry Telemetry
	version   string
	startTime time.Time

	server *http.Server
	cancel context.CancelFunc // cancels background goroutines on Close()
	wg     sync.WaitGroup

	// auditCh serialises audit writes onto one goroutine.
	auditCh      chan *audit.Exchange
	auditDropped atomic.Int64
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("bridge engine is required")
	}

	s := &Server{
		cfg:    deps.Config,
		secCfg: deps.Security,
		logger: deps.Logger,
		engine: deps.Engine,
		parser: bridge.Parser{
			MaxBodySize: deps.Config.MaxBodySize,
			MaxTimeout:  config.Seconds(deps.Bridge.MaxSubscribeTimeout),
		},
		auditRepo: deps.AuditRepo,
		db:        deps.DB,
		telemetry: deps.Telemetry,
		version:   deps.Version,
		startTime: time.Now(),
	}
	if s.auditRepo != nil {
		s.auditCh = make(chan *audit.Exchange, auditChanSize)
	}
	return s, nil
}

// Handler returns the fully wired router. Start serves the same handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// Background workers (audit drain, telemetry sampling) run until Close.
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.startWorkers(srvCtx)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	// Bind synchronously so a busy port fails Start instead of only being logged.
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		addr := s.server.Addr
		s.server = nil
		s.cancel()
		s.wg.Wait()
		return fmt.Errorf("listening on %s: %w", addr, err)
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

// startWorkers launches the audit drain and the telemetry sampler.
func (s *Server) startWorkers(ctx context.Context) {
	if s.auditCh != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.drainAuditLog(ctx)
		}()
	}
	if s.telemetry != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sampleEngine(ctx, snapshotInterval)
		}()
	}
}

// sampleEngine writes pool and waiter gauges every interval.
func (s *Server) sampleEngine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.engine.Stats()
			s.telemetry.WriteEngineSnapshot(influxdb.EngineSnapshot{
				Connections: stats.Pool.Connections,
				References:  stats.Pool.References,
				Waiting:     stats.Waiting,
			})
		}
	}
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then stops
// the background workers after flushing queued audit records.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err != nil {
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
