// Package transport implements the three Transport Adapters (C2): HTTP,
// WebSocket, and the legacy SSE+POST pair, per spec.md §4.2. All three share
// one Engine, which owns the Session/Connection Registry reference and the
// composed middleware-chain-plus-dispatcher HandlerFunc they feed every
// decoded Frame into.
package transport

import (
	"context"
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/session"
)

// Logger is the minimal logging surface every adapter logs through.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config holds the adapter-independent knobs of spec.md §6.4.
type Config struct {
	MaxRequestBytes int64
	PingInterval    time.Duration
	AllowedOrigins  []string // "*" allowed explicitly, empty means allow-all
	RPCPath         string
	SSEPath         string
	MessagesPath    string
	WSPath          string
	HealthPath      string
}

func DefaultConfig() Config {
	return Config{
		MaxRequestBytes: 1 << 20,
		PingInterval:    30 * time.Second,
		RPCPath:         "/rpc",
		SSEPath:         "/sse",
		MessagesPath:    "/messages",
		WSPath:          "/ws",
		HealthPath:      "/health",
	}
}

// Engine is shared state for all three adapters.
type Engine struct {
	Config   Config
	Sessions *session.Registry
	Handle   pipeline.HandlerFunc
	Logger   Logger
}

func NewEngine(cfg Config, sessions *session.Registry, handle pipeline.HandlerFunc, logger Logger) *Engine {
	return &Engine{Config: cfg, Sessions: sessions, Handle: handle, Logger: logger}
}

// dispatchOne runs a single decoded *jsonrpc.Request through the engine's
// middleware chain and dispatcher, building the RequestContext spec.md §3
// calls an InFlightRequest. Returns nil for notifications the chain didn't
// short-circuit with an error.
func (e *Engine) dispatchOne(ctx context.Context, conn *session.Connection, credential string, req *jsonrpc.Request) *jsonrpc.Response {
	rc := &pipeline.RequestContext{
		Context:      ctx,
		ConnectionID: conn.ID,
		Connection:   conn,
		Method:       req.Method,
		AcceptedAt:   time.Now(),
		Credential:   credential,
	}
	if !req.IsNotification() {
		rc.RequestID = string(req.ID)
	}
	return e.Handle(rc, req)
}

// dispatchFrame runs every Request in frame (single or batch) concurrently,
// up to the per-connection concurrency limit enforced deeper in the
// dispatcher's Controller, and assembles the Response(s), per spec.md §4.6
// "Batches are dispatched element-wise, concurrently".
func (e *Engine) dispatchFrame(ctx context.Context, conn *session.Connection, credential string, frame *jsonrpc.Frame) []*jsonrpc.Response {
	reqs := frame.Requests()
	preErrors := frame.PreBatchErrors()

	type indexed struct {
		idx  int
		resp *jsonrpc.Response
	}
	results := make(chan indexed, len(reqs))
	for i, req := range reqs {
		go func(i int, req *jsonrpc.Request) {
			results <- indexed{idx: i, resp: e.dispatchOne(ctx, conn, credential, req)}
		}(i, req)
	}

	out := make([]*jsonrpc.Response, 0, len(reqs)+len(preErrors))
	collected := make([]*jsonrpc.Response, len(reqs))
	for range reqs {
		r := <-results
		collected[r.idx] = r.resp
	}
	for _, resp := range collected {
		if resp != nil {
			out = append(out, resp)
		}
	}
	out = append(out, preErrors...)
	return out
}

func (e *Engine) allowOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	if len(e.Config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range e.Config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
