// Package server wires every component into the running process, grounded
// on mcp-gateway/cmd/gateway/main.go's single-mux wiring style: one
// http.ServeMux carries /rpc, /sse, /messages, /ws, and /health, because
// net/http's mux already multiplexes paths onto one listener the same way
// the teacher's main.go does for /mcp, /sse and /health.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/akmatori/mcp-server/internal/config"
	"github.com/akmatori/mcp-server/internal/dispatch"
	"github.com/akmatori/mcp-server/internal/events"
	"github.com/akmatori/mcp-server/internal/exampletools"
	"github.com/akmatori/mcp-server/internal/lifecycle"
	"github.com/akmatori/mcp-server/internal/middleware"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/registry"
	"github.com/akmatori/mcp-server/internal/session"
	"github.com/akmatori/mcp-server/internal/transport"
)

// Server owns every component and exposes Run, the single entrypoint
// cmd/mcp-server/main.go calls.
type Server struct {
	cfg        *config.Config
	logger     *log.Logger
	sessions   *session.Registry
	registry   *registry.Registry
	bus        *events.Bus
	controller *dispatch.Controller
	engine     *transport.Engine
	httpServer *http.Server

	auditSink *events.GormAuditSink
	slackSink *events.SlackNotifier
}

// New constructs every component in the start order of spec.md §4.9:
// ConfigManager (cfg, already loaded by the caller) -> TelemetryInit
// (logger) -> ToolRegistry -> Dispatcher -> Transports.
func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	bus := events.NewBus()
	sessions := session.New()
	reg := registry.New()

	// Registered unprefixed (legacy root namespace) so it resolves as plain
	// "echo"/"add", exercising the §4.5 legacy root-namespace resolution
	// branch and matching spec.md §8 scenario 1's tools/call name:"echo".
	if _, err := reg.Register(exampletools.EchoModule{}, false); err != nil {
		return nil, err
	}

	limits := dispatch.DefaultLimits()
	limits.Global = cfg.Concurrency.Global
	limits.PerConnectionWS = cfg.Concurrency.PerConnectionWS
	limits.PerConnectionHTTP = cfg.Concurrency.PerConnectionHTTP
	limits.DefaultPerTool = cfg.Concurrency.DefaultPerTool
	limits.PerTool = cfg.Concurrency.PerTool
	limits.QueueDepth = cfg.Concurrency.QueueDepth
	limits.RequestTimeout = cfg.RequestTimeoutDefault
	controller := dispatch.NewController(limits)

	disp := dispatch.New(dispatch.ServerInfo{
		Name:    "mcp-server",
		Version: "0.1.0",
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{},
		},
	}, reg, controller, bus)

	chain := buildChain(cfg, logger, bus, disp.Handle)

	tcfg := transport.DefaultConfig()
	tcfg.MaxRequestBytes = cfg.MaxRequestBytes
	tcfg.PingInterval = cfg.PingInterval
	tcfg.AllowedOrigins = cfg.CORSOrigins

	engine := transport.NewEngine(tcfg, sessions, chain, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		sessions:   sessions,
		registry:   reg,
		bus:        bus,
		controller: controller,
		engine:     engine,
	}

	if cfg.AuditDatabaseURL != "" {
		sink, err := events.NewGormAuditSink(bus, cfg.AuditDatabaseURL)
		if err != nil {
			logger.Printf("warning: audit sink disabled: %v", err)
		} else {
			s.auditSink = sink
		}
	}
	if cfg.SlackWebhookURL != "" {
		s.slackSink = events.NewSlackNotifier(bus, cfg.SlackWebhookURL, 5)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: s.buildMux(),
	}

	return s, nil
}

// buildChain composes the middleware chain in configured order around the
// dispatcher's terminal handler, per spec.md §4.4.
func buildChain(cfg *config.Config, logger *log.Logger, bus *events.Bus, final pipeline.HandlerFunc) pipeline.HandlerFunc {
	metrics := middleware.NewMetrics()
	authenticator := middleware.NewJWTAuthenticator(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPassword, cfg.JWTExpiryHours)

	available := map[string]pipeline.Middleware{
		"logging":    middleware.NewLogging(logger),
		"validation": middleware.NewValidation(),
		"ratelimit": middleware.NewRateLimit(middleware.RateLimitConfig{
			RatePerSecond: cfg.Middleware.RateLimitRPS,
			Burst:         cfg.Middleware.RateLimitBurst,
		}),
		"auth":    middleware.NewAuth(middleware.AuthConfig{Enabled: cfg.Middleware.AuthEnabled}, authenticator),
		"metrics": metrics.Middleware(),
	}

	order := cfg.Middleware.Order
	if len(order) == 0 {
		order = []string{"logging", "validation", "ratelimit", "auth", "metrics"}
	}
	chain := make([]pipeline.Middleware, 0, len(order))
	for _, name := range order {
		if mw, ok := available[name]; ok {
			chain = append(chain, mw)
		}
	}
	return pipeline.Chain(chain, final)
}

func (s *Server) buildMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.engine.Config.RPCPath, s.engine.RPCHandler())
	mux.HandleFunc(s.engine.Config.SSEPath, s.engine.SSEHandler())
	mux.HandleFunc(s.engine.Config.MessagesPath, s.engine.MessagesHandler())
	mux.HandleFunc(s.engine.Config.WSPath, s.engine.WSHandler())
	mux.HandleFunc(s.engine.Config.HealthPath, s.engine.HealthHandler(s.controller.GlobalInFlight))

	cors := middleware.NewCORSMiddleware(s.cfg.CORSOrigins...)
	return middleware.RequestIDMiddleware(cors.Wrap(mux))
}

// Name, Start, Stop implement lifecycle.Transport for the single composite
// HTTP listener that fronts all three adapters.
func (s *Server) Name() string { return "http+ws+sse" }

// Start binds the listener synchronously, so it has returned once the
// socket is actually accepting connections, then runs Serve in the
// background. It must not block on ListenAndServe itself: that only returns
// on shutdown or failure, which would starve the Lifecycle Coordinator's
// Run of the chance to install its signal handler and drive graceful drain.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("http server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Run starts the Lifecycle Coordinator and blocks until a graceful shutdown
// completes, per spec.md §4.9.
func (s *Server) Run(ctx context.Context, gracePeriod time.Duration) error {
	coord := lifecycle.New([]lifecycle.Transport{s}, s.sessions, s.registry, s.bus, s.logger, gracePeriod)
	err := coord.Run(ctx, gracePeriod)

	if s.auditSink != nil {
		s.auditSink.Stop()
	}
	if s.slackSink != nil {
		s.slackSink.Stop()
	}
	return err
}
