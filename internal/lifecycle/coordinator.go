// Package lifecycle implements the Lifecycle Coordinator (C9): ordered
// startup, ordered graceful shutdown, and the double-signal force-close
// behavior of spec.md §4.9. Concurrent transport start/stop is grounded on
// pkg/llmapi/concurrency.go's golang.org/x/sync/errgroup usage, and the
// OS-signal trigger is grounded on mcp-gateway/cmd/gateway/main.go's
// signal.Notify(os.Interrupt, syscall.SIGTERM) shutdown goroutine.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/akmatori/mcp-server/internal/events"
	"github.com/akmatori/mcp-server/internal/registry"
	"github.com/akmatori/mcp-server/internal/session"
)

// Logger is the minimal logging surface the coordinator logs through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Transport is any long-running server component the coordinator starts and
// stops. In this module's wiring one composite transport implements it:
// internal/server's Server, a single *http.Server carrying the HTTP, WS, and
// SSE adapters, whose Start binds the listener and then serves in the
// background.
type Transport interface {
	Start() error
	Stop(ctx context.Context) error
	Name() string
}

// Coordinator runs the start order ConfigManager -> TelemetryInit ->
// ToolRegistry -> Dispatcher -> Transports and the reverse-order graceful
// stop of spec.md §4.9. ConfigManager/TelemetryInit/Dispatcher have already
// run by the time NewCoordinator is constructed in this module's wiring (see
// internal/server), so Coordinator's own responsibility is the Transports
// stage plus drain/shutdown sequencing.
type Coordinator struct {
	transports []Transport
	sessions   *session.Registry
	registry   *registry.Registry
	bus        *events.Bus
	logger     Logger

	drainTimeout time.Duration

	stopOnce    chan struct{}
	forceStop   chan struct{}
	serveErrors chan error
}

func New(transports []Transport, sessions *session.Registry, reg *registry.Registry, bus *events.Bus, logger Logger, drainTimeout time.Duration) *Coordinator {
	return &Coordinator{
		transports:   transports,
		sessions:     sessions,
		registry:     reg,
		bus:          bus,
		logger:       logger,
		drainTimeout: drainTimeout,
		stopOnce:     make(chan struct{}, 1),
		forceStop:    make(chan struct{}, 1),
		serveErrors:  make(chan error, len(transports)),
	}
}

// Start launches every transport's Start in its own background goroutine and
// returns as soon as they've all been launched, rather than waiting on them,
// so Run below reaches its signal.Notify/drain select even if a transport's
// Start blocks. Any error a transport's Start returns (such as a bind
// failure) is pushed onto serveErrors instead, where Run's select below can
// observe it.
func (c *Coordinator) Start() error {
	for _, t := range c.transports {
		t := t
		c.logger.Printf("starting transport %s", t.Name())
		go func() {
			if err := t.Start(); err != nil {
				c.serveErrors <- fmt.Errorf("transport %s: %w", t.Name(), err)
			}
		}()
	}
	return nil
}

// Run starts every transport, blocks until an OS SIGINT/SIGTERM is received,
// a transport fails, or ctx is cancelled, then runs the graceful stop
// sequence. A second signal during drain forces an immediate close, per
// spec.md §4.9.
func (c *Coordinator) Run(ctx context.Context, gracePeriod time.Duration) error {
	if err := c.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		c.logger.Printf("shutdown signal received, draining")
	case <-ctx.Done():
		c.logger.Printf("context cancelled, draining")
	case err := <-c.serveErrors:
		c.logger.Printf("transport failed to start, draining: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Stop(gracePeriod)
		close(done)
	}()

	select {
	case <-done:
	case <-sigCh:
		c.logger.Printf("second shutdown signal received, forcing immediate close")
		c.forceClose()
		<-done
	}
	return nil
}

// Stop runs spec.md §4.9's graceful stop order: transports stop accepting,
// Session.drain_all waits up to gracePeriod, the ToolRegistry shuts down its
// modules, then returns.
func (c *Coordinator) Stop(gracePeriod time.Duration) {
	c.bus.Publish(events.ServerDraining, nil)

	stopCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
	defer cancel()

	g := new(errgroup.Group)
	for _, t := range c.transports {
		t := t
		g.Go(func() error {
			return t.Stop(stopCtx)
		})
	}
	_ = g.Wait()

	c.sessions.DrainAll(gracePeriod)
	c.registry.ShutdownAll()
}

// forceClose is invoked on a second stop signal: it skips waiting for
// in-flight work and force-closes everything now.
func (c *Coordinator) forceClose() {
	c.sessions.DrainAll(0)
}
