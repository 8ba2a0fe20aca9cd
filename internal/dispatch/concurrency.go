// Package dispatch implements the Request Router/Dispatcher (C6) and the
// Concurrency & Cancellation Controller (C7). Method-switch structure is
// grounded on mcp-gateway/internal/mcp/server.go's handleRequest; slot
// acquisition and the bounded queue are new, since the teacher has no
// backpressure model of its own.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

// Limits holds the concurrency knobs of spec.md §4.7.
type Limits struct {
	Global           int           // G
	PerConnectionWS  int           // C for WS/SSE
	PerConnectionHTTP int          // C for HTTP (normally 1)
	PerTool          map[string]int // T[name], falls back to DefaultPerTool
	DefaultPerTool   int
	QueueDepth       int           // Q
	RequestTimeout   time.Duration
	HardKillMultiple int           // hard_kill_after = HardKillMultiple * deadline
}

// DefaultLimits mirrors spec.md §4.7's stated defaults.
func DefaultLimits() Limits {
	return Limits{
		Global:            200,
		PerConnectionWS:   32,
		PerConnectionHTTP: 1,
		PerTool:           map[string]int{},
		DefaultPerTool:    32,
		QueueDepth:        256,
		RequestTimeout:    30 * time.Second,
		HardKillMultiple:  2,
	}
}

func (l Limits) perToolLimit(name string) int {
	if n, ok := l.PerTool[name]; ok {
		return n
	}
	return l.DefaultPerTool
}

// connState tracks one connection's in-flight count for the per-connection
// slot.
type connState struct {
	mu      sync.Mutex
	inFlight int
	limit    int
}

// Controller enforces the global, per-tool, and per-connection in-flight
// limits plus the bounded wait queue of spec.md §4.7. Queued callers poll
// for a free slot, so the order in which waiters are granted slots is not
// defined; the queue is not first-in, first-out.
type Controller struct {
	limits Limits

	mu          sync.Mutex
	globalCount int
	toolCounts  map[string]int
	conns       map[string]*connState

	queue chan struct{} // bounded queue depth Q; a buffered channel counting the callers waiting for a slot
}

func NewController(limits Limits) *Controller {
	return &Controller{
		limits:     limits,
		toolCounts: make(map[string]int),
		conns:      make(map[string]*connState),
		queue:      make(chan struct{}, limits.QueueDepth),
	}
}

// Slot represents acquired dispatch capacity; Release must be called exactly
// once.
type Slot struct {
	c            *Controller
	connID       string
	toolName     string
	hasToolSlot  bool
}

// ErrQueueFull is returned immediately when the bounded queue itself is at
// capacity, distinct from a deadline/context expiry while waiting in queue.
var ErrQueueFull = rpcerrors.Busy(map[string]interface{}{"reason": "queue full"})

// Acquire attempts to reserve a Global + per-connection (+ per-tool, if
// toolName is non-empty) slot. If any is unavailable, the caller is
// enqueued onto the bounded queue and retries every 2ms until a slot frees
// or ctx ends (waiters are not served in arrival order); if the queue itself
// is full, Acquire returns ErrQueueFull immediately per spec.md §4.7
// ("Queue-full returns backpressure error immediately").
func (c *Controller) Acquire(ctx context.Context, connID string, connLimit int, toolName string) (*Slot, *rpcerrors.Error) {
	cs := c.connStateFor(connID, connLimit)
	if slot, ok := c.tryAcquire(cs, toolName); ok {
		return slot, nil
	}

	select {
	case c.queue <- struct{}{}:
	default:
		return nil, ErrQueueFull
	}
	defer func() { <-c.queue }()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if slot, ok := c.tryAcquire(cs, toolName); ok {
			return slot, nil
		}
		select {
		case <-ctx.Done():
			return nil, rpcerrors.Timeout(nil)
		case <-ticker.C:
		}
	}
}

func (c *Controller) connStateFor(connID string, limit int) *connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.conns[connID]
	if !ok {
		cs = &connState{limit: limit}
		c.conns[connID] = cs
	}
	return cs
}

func (c *Controller) tryAcquire(cs *connState, toolName string) (*Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.globalCount >= c.limits.Global {
		return nil, false
	}
	cs.mu.Lock()
	connOK := cs.inFlight < cs.limit
	cs.mu.Unlock()
	if !connOK {
		return nil, false
	}
	hasToolSlot := toolName != ""
	if hasToolSlot {
		limit := c.limits.perToolLimit(toolName)
		if c.toolCounts[toolName] >= limit {
			return nil, false
		}
	}

	c.globalCount++
	cs.mu.Lock()
	cs.inFlight++
	cs.mu.Unlock()
	if hasToolSlot {
		c.toolCounts[toolName]++
	}

	return &Slot{c: c, toolName: toolName, hasToolSlot: hasToolSlot}, true
}

// Release frees the slots Acquire reserved. Safe to call exactly once.
func (s *Slot) Release(connID string) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.globalCount--
	if s.hasToolSlot {
		s.c.toolCounts[s.toolName]--
	}
	if cs, ok := s.c.conns[connID]; ok {
		cs.mu.Lock()
		cs.inFlight--
		cs.mu.Unlock()
	}
}

// Deadline computes min(request_timeout_default, tool_specific_timeout,
// client_requested_timeout), per spec.md §4.7.
func (c *Controller) Deadline(toolTimeout, clientRequested time.Duration) time.Duration {
	d := c.limits.RequestTimeout
	if toolTimeout > 0 && toolTimeout < d {
		d = toolTimeout
	}
	if clientRequested > 0 && clientRequested < d {
		d = clientRequested
	}
	return d
}

// HardKillAfter returns the wall-clock ceiling after which the dispatcher
// abandons an uncooperative tool call regardless of whether it has returned.
func (c *Controller) HardKillAfter(deadline time.Duration) time.Duration {
	mult := c.limits.HardKillMultiple
	if mult <= 0 {
		mult = 2
	}
	return deadline * time.Duration(mult)
}

// GlobalInFlight reports the current global in-flight count, for /health.
func (c *Controller) GlobalInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalCount
}
