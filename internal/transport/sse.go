package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/session"
)

// sseEvent is one frame written onto the wire, exactly the shape spec.md
// §4.2.3 and §6.1 require: "event: <name>\ndata: <one-line json>\n\n".
type sseEvent struct {
	name string
	data []byte
}

// sseSink is the session.Sink backing an SSE GET stream. Message events
// funnel through a single writer goroutine reading writeCh, and Close writes
// its final close event under the same wmu lock (nothing is written after
// it), which is what gives the stream its serialized-write guarantee: whatever order events are
// pushed onto writeCh is the order they hit the wire, matching
// other_examples' broadcast-channel-per-client pattern generalized to a
// single owned channel instead of a fan-out broker (this module has no need
// for cross-client broadcast; every SSE stream is private to one session).
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	writeCh chan sseEvent
	done    chan struct{}
	once    sync.Once
	wmu     sync.Mutex // held around every write to w
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	s := &sseSink{w: w, flusher: flusher, writeCh: make(chan sseEvent, 64), done: make(chan struct{})}
	go s.writeLoop()
	return s
}

func (s *sseSink) writeLoop() {
	for {
		select {
		case ev, ok := <-s.writeCh:
			if !ok {
				return
			}
			s.wmu.Lock()
			select {
			case <-s.done:
				s.wmu.Unlock()
				return
			default:
			}
			fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
			s.flusher.Flush()
			s.wmu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Send implements session.Sink. Because callers (the ordering buffer below)
// only call Send once an event is next-in-sequence, the channel's own FIFO
// ordering is sufficient to preserve accepted-order delivery.
func (s *sseSink) Send(eventName string, payload []byte) error {
	select {
	case s.writeCh <- sseEvent{name: eventName, data: payload}:
		return nil
	case <-s.done:
		return fmt.Errorf("sse stream closed")
	}
}

func (s *sseSink) Close(reason string) error {
	s.once.Do(func() {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		fmt.Fprintf(s.w, "event: close\ndata: %s\n\n", mustJSON(map[string]string{"reason": reason}))
		s.flusher.Flush()
		close(s.done)
	})
	return nil
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// orderBuffer implements spec.md §4.7's ordering guarantee: responses are
// emitted in the order their POSTs were accepted, not the order they
// finish. Each accepted POST claims the next sequence number; deliver
// buffers out-of-order completions until their predecessors have flushed.
type orderBuffer struct {
	mu          sync.Mutex
	nextSeq     uint64
	nextToFlush uint64
	ready       map[uint64][]*jsonrpc.Response
	sink        *sseSink
}

func newOrderBuffer(sink *sseSink) *orderBuffer {
	return &orderBuffer{ready: make(map[uint64][]*jsonrpc.Response), sink: sink}
}

// claim reserves the next sequence number at POST-acceptance time.
func (o *orderBuffer) claim() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.nextSeq
	o.nextSeq++
	return seq
}

// deliver supplies the (possibly empty) set of Responses produced for the
// POST that claimed seq, flushing every contiguous ready sequence number
// starting at nextToFlush.
func (o *orderBuffer) deliver(seq uint64, responses []*jsonrpc.Response) {
	o.mu.Lock()
	o.ready[seq] = responses
	for {
		batch, ok := o.ready[o.nextToFlush]
		if !ok {
			break
		}
		delete(o.ready, o.nextToFlush)
		o.nextToFlush++
		o.mu.Unlock()
		for _, resp := range batch {
			payload, err := jsonrpc.Encode(resp)
			if err != nil {
				continue
			}
			_ = o.sink.Send("message", payload)
		}
		o.mu.Lock()
	}
	o.mu.Unlock()
}

// sseConnEntry is what the messages handler looks up by session id.
type sseConnEntry struct {
	conn   *session.Connection
	buffer *orderBuffer
}

// sseRegistry maps session ids to their ordering buffer; the
// session.Registry already maps session ids to Connections, but the
// dispatch-order buffer is SSE-specific state the generic registry has no
// reason to carry.
type sseRegistry struct {
	mu      sync.RWMutex
	entries map[string]*sseConnEntry
}

func newSSERegistry() *sseRegistry {
	return &sseRegistry{entries: make(map[string]*sseConnEntry)}
}

func (r *sseRegistry) put(sessionID string, e *sseConnEntry) {
	r.mu.Lock()
	r.entries[sessionID] = e
	r.mu.Unlock()
}

func (r *sseRegistry) get(sessionID string) (*sseConnEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return e, ok
}

func (r *sseRegistry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// sseState is one package-level registry, created lazily on first use and
// shared by the SSEHandler/MessagesHandler of every Engine.
var sseStateOnce sync.Once
var sseState *sseRegistry

func ssrRegistry() *sseRegistry {
	sseStateOnce.Do(func() { sseState = newSSERegistry() })
	return sseState
}

// SSEHandler implements GET /sse of spec.md §4.2.3.
func (e *Engine) SSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.Sessions.IsDraining() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		sink := newSSESink(w, flusher)
		conn, err := e.Sessions.Open(session.SSE, r.RemoteAddr, sink)
		if err != nil {
			_ = sink.Close("server is draining")
			return
		}
		sessionID := e.Sessions.BindSession(conn)

		buffer := newOrderBuffer(sink)
		reg := ssrRegistry()
		reg.put(sessionID, &sseConnEntry{conn: conn, buffer: buffer})
		defer reg.remove(sessionID)
		defer e.Sessions.Close(conn, "stream ended")

		endpointPath := fmt.Sprintf("%s?sessionId=%s", e.Config.MessagesPath, sessionID)
		_ = sink.Send("endpoint", []byte(endpointPath))

		e.runSSEKeepalive(r.Context(), sink)
	}
}

// runSSEKeepalive emits event: ping every PingInterval until the client
// disconnects, per spec.md §4.2.3 "to keep intermediaries from idle-closing".
func (e *Engine) runSSEKeepalive(ctx context.Context, sink *sseSink) {
	ticker := time.NewTicker(e.Config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sink.done:
			return
		case <-ticker.C:
			if err := sink.Send("ping", []byte("{}")); err != nil {
				return
			}
		}
	}
}

// MessagesHandler implements POST /messages of spec.md §4.2.3.
func (e *Engine) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			sessionID = r.Header.Get("Mcp-Session-Id")
		}
		reg := ssrRegistry()
		entry, ok := reg.get(sessionID)
		if !ok {
			http.Error(w, "unknown or closed session", http.StatusNotFound)
			return
		}
		if entry.conn.State() == session.Closed {
			reg.remove(sessionID)
			http.Error(w, "unknown or closed session", http.StatusNotFound)
			return
		}

		body, status, ok := e.readBody(w, r)
		if !ok {
			http.Error(w, http.StatusText(status), status)
			return
		}

		seq := entry.buffer.claim()

		frame, decodeErr := jsonrpc.Decode(body)
		if decodeErr != nil {
			resp := jsonrpc.NewError(json.RawMessage("null"), decodeErr)
			entry.buffer.deliver(seq, []*jsonrpc.Response{resp})
			w.WriteHeader(http.StatusAccepted)
			return
		}

		credential := r.Header.Get("Mcp-Session-Id")
		go func() {
			responses := e.dispatchFrame(entry.conn.Context(), entry.conn, credential, frame)
			entry.buffer.deliver(seq, responses)
		}()

		w.WriteHeader(http.StatusAccepted)
	}
}
