package middleware

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
)

// MethodStats is a snapshot of one method's counters.
type MethodStats struct {
	Count        int64
	ErrorCount   int64
	TotalElapsed time.Duration
}

// Metrics is a minimal counter store for spec.md §4.4's Metrics middleware:
// per method it keeps a call count, an error count and the summed elapsed
// time. It records no latency histogram. The middleware never transforms a
// request or response.
type Metrics struct {
	mu    sync.Mutex
	stats map[string]*MethodStats
}

func NewMetrics() *Metrics {
	return &Metrics{stats: make(map[string]*MethodStats)}
}

func (m *Metrics) record(method string, elapsed time.Duration, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[method]
	if !ok {
		s = &MethodStats{}
		m.stats[method] = s
	}
	atomic.AddInt64(&s.Count, 1)
	if isError {
		atomic.AddInt64(&s.ErrorCount, 1)
	}
	s.TotalElapsed += elapsed
}

// Snapshot returns a copy of every method's counters.
func (m *Metrics) Snapshot() map[string]MethodStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]MethodStats, len(m.stats))
	for k, v := range m.stats {
		out[k] = *v
	}
	return out
}

// Middleware returns the Metrics middleware itself.
func (m *Metrics) Middleware() pipeline.Middleware {
	return func(rc *pipeline.RequestContext, req *jsonrpc.Request, next pipeline.HandlerFunc) *jsonrpc.Response {
		start := time.Now()
		resp := next(rc, req)
		m.record(req.Method, time.Since(start), resp != nil && resp.Error != nil)
		return resp
	}
}
