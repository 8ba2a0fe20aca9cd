// Package session implements the Session & Connection Registry (C3).
//
// The shape of a tracked connection and its outbound sink is grounded on how
// mcp-gateway/internal/mcp/server.go's handleSSE function manages one
// long-lived http.ResponseWriter per client; this package generalizes that
// single-transport pattern into a registry shared by all three adapters.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport identifies which adapter owns a Connection.
type Transport int

const (
	HTTP Transport = iota
	WS
	SSE
)

func (t Transport) String() string {
	switch t {
	case HTTP:
		return "http"
	case WS:
		return "ws"
	case SSE:
		return "sse"
	default:
		return "unknown"
	}
}

// State is a Connection's lifecycle state, per spec.md §3.
type State int

const (
	Open State = iota
	Draining
	Closed
)

// Sink is the outbound message sink a Connection owns: for HTTP it delivers
// exactly one response; for WS/SSE it is a stream accepting any number of
// server-initiated frames until the connection closes.
type Sink interface {
	// Send delivers one outbound payload (already-encoded JSON bytes) to the
	// connection's stream. Send on a closed sink returns an error.
	Send(eventName string, payload []byte) error
	// Close terminates the sink's underlying transport resource.
	Close(reason string) error
}

// Connection represents one live transport attachment, per spec.md §3.
type Connection struct {
	ID            string
	TransportKind Transport
	RemoteAddr    string
	OpenedAt      time.Time

	mu           sync.Mutex
	lastActivity time.Time
	state        State
	sink         Sink
	pending      map[string]context.CancelFunc // request_id -> cancel
	sessionID    string                         // set only for SSE connections

	ctx       context.Context
	ctxCancel context.CancelFunc
}

// Context returns a context bound to the connection's lifetime: it is
// cancelled when the connection closes, so a request dispatched on it
// inherits cancellation on disconnect per spec.md §4.6.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TrackRequest registers an in-flight request's cancel function so the
// connection can cancel it on close, per spec.md §4.6 "Cancellation".
func (c *Connection) TrackRequest(requestID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[requestID] = cancel
}

func (c *Connection) UntrackRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// CancelRequest fires the tracked cancel function for one in-flight
// request, if still pending, and reports whether it found one to cancel.
// Unlike cancelAllPending (whole-connection teardown on close/drain), this
// targets a single request by its client-supplied id, for the dispatcher's
// notifications/cancelled handling per spec.md §9's optional explicit
// client cancel notification.
func (c *Connection) CancelRequest(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.pending[requestID]
	if !ok {
		return false
	}
	cancel()
	delete(c.pending, requestID)
	return true
}

// PendingCount reports how many requests originated on this connection are
// still in flight.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// cancelAllPending fires every tracked cancel function. Called with the lock
// held by the caller.
func (c *Connection) cancelAllPending() {
	for id, cancel := range c.pending {
		cancel()
		delete(c.pending, id)
	}
}

// Send delivers a frame over the connection's sink, touching last-activity.
func (c *Connection) Send(eventName string, payload []byte) error {
	c.Touch()
	return c.sink.Send(eventName, payload)
}

// Registry tracks every live Connection and the session bindings for SSE,
// per spec.md §4.3.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	sessions    map[string]string // session_id -> connection_id
	draining    bool
}

func New() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		sessions:    make(map[string]string),
	}
}

// Open registers a new Connection. Returns an error if the registry is
// already draining (spec.md §4.9: transports stop accepting before drain_all
// completes).
func (r *Registry) Open(kind Transport, remoteAddr string, sink Sink) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return nil, fmt.Errorf("server is draining")
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:            uuid.NewString(),
		TransportKind: kind,
		RemoteAddr:    remoteAddr,
		OpenedAt:      now,
		lastActivity:  now,
		state:         Open,
		sink:          sink,
		pending:       make(map[string]context.CancelFunc),
		ctx:           ctx,
		ctxCancel:     cancel,
	}
	r.connections[conn.ID] = conn
	return conn, nil
}

// BindSession issues a session id for an SSE connection, per spec.md §3
// ("Session (SSE only)"). A session_id maps to at most one open connection;
// Open is expected to have already registered conn.
func (r *Registry) BindSession(conn *Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := uuid.NewString()
	conn.mu.Lock()
	conn.sessionID = sid
	conn.mu.Unlock()
	r.sessions[sid] = conn.ID
	return sid
}

// LookupSession resolves a session id to its bound, still-open Connection.
func (r *Registry) LookupSession(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	connID, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	r.mu.RLock()
	conn, ok := r.connections[connID]
	r.mu.RUnlock()
	if !ok || conn.State() == Closed {
		return nil, false
	}
	return conn, true
}

// Lookup resolves a connection by its own id.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Close transitions conn to Closed, idempotently, cancelling any pending
// in-flight requests and releasing its session binding if it had one, per
// spec.md §4.3 ("close is idempotent").
func (r *Registry) Close(conn *Connection, reason string) {
	conn.mu.Lock()
	alreadyClosed := conn.state == Closed
	conn.state = Closed
	conn.cancelAllPending()
	sid := conn.sessionID
	conn.mu.Unlock()

	if alreadyClosed {
		return
	}

	conn.ctxCancel()
	_ = conn.sink.Close(reason)

	r.mu.Lock()
	delete(r.connections, conn.ID)
	if sid != "" {
		delete(r.sessions, sid)
	}
	r.mu.Unlock()
}

// DrainAll transitions every connection to Draining, stops accepting new
// inbound frames (via the draining flag Open checks), waits up to timeout
// for each connection's pending set to empty, then force-closes whatever
// remains, per spec.md §4.3 and §4.9.
func (r *Registry) DrainAll(timeout time.Duration) {
	r.mu.Lock()
	r.draining = true
	conns := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		c.mu.Lock()
		if c.state == Open {
			c.state = Draining
		}
		c.mu.Unlock()
		conns = append(conns, c)
	}
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		allEmpty := true
		for _, c := range conns {
			if c.PendingCount() > 0 {
				allEmpty = false
				break
			}
		}
		if allEmpty || time.Now().After(deadline) {
			break
		}
		<-ticker.C
	}

	for _, c := range conns {
		r.Close(c, "server shutting down")
	}
}

// IsDraining reports whether the registry has begun shutdown, for transports
// that must return 503/refuse new accepts once draining starts.
func (r *Registry) IsDraining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// Count returns the number of currently tracked connections, for /health.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
