package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/session"
)

// wsSink serializes every outbound write onto the single underlying
// websocket connection, since gorilla/websocket forbids concurrent writers,
// the same single-writer constraint internal/handlers/codex_ws.go works
// around with its own send-loop goroutine.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *wsSink) Send(eventName string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSink) Close(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsSink) closeWithCode(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	_ = s.conn.Close()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced by WSHandler (allowOrigin) before Upgrade
}

// WSHandler implements the WebSocket adapter of spec.md §4.2.2.
func (e *Engine) WSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.Sessions.IsDraining() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		if !e.allowOrigin(r.Header.Get("Origin")) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			e.Logger.Printf("ws upgrade failed: %v", err)
			return
		}
		conn.SetReadLimit(e.Config.MaxRequestBytes)

		sink := &wsSink{conn: conn}
		sconn, openErr := e.Sessions.Open(session.WS, r.RemoteAddr, sink)
		if openErr != nil {
			sink.closeWithCode(websocket.CloseTryAgainLater, "server is draining")
			return
		}
		defer e.Sessions.Close(sconn, "connection closed")

		credential := extractWSCredential(r)
		e.runWSLoop(conn, sconn, sink, credential)
	}
}

func extractWSCredential(r *http.Request) string {
	if tok := extractBearerCredential(r); tok != "" {
		return tok
	}
	return r.Header.Get("Sec-WebSocket-Protocol")
}

// runWSLoop reads frames until the peer disconnects or two consecutive
// pings go unanswered, per spec.md §4.2.2. Each text frame is one Frame (no
// fragmentation of a JSON value across frames), matching gorilla's
// message-at-a-time ReadMessage semantics.
func (e *Engine) runWSLoop(conn *websocket.Conn, sconn *session.Connection, sink *wsSink, credential string) {
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	stop := make(chan struct{})
	go e.startHeartbeat(sink, pongCh, stop)
	defer close(stop)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				e.Logger.Printf("ws %s unexpected close: %v", sconn.ID, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if int64(len(data)) > e.Config.MaxRequestBytes {
			sink.closeWithCode(websocket.CloseMessageTooBig, "message too large")
			return
		}

		frame, decodeErr := jsonrpc.Decode(data)
		if decodeErr != nil {
			resp := jsonrpc.NewError(json.RawMessage("null"), decodeErr)
			e.writeWSResponse(sink, resp)
			continue
		}

		go func(frame *jsonrpc.Frame) {
			responses := e.dispatchFrame(sconn.Context(), sconn, credential, frame)
			for _, resp := range responses {
				e.writeWSResponse(sink, resp)
			}
		}(frame)
	}
}

func (e *Engine) writeWSResponse(sink *wsSink, resp *jsonrpc.Response) {
	payload, err := jsonrpc.Encode(resp)
	if err != nil {
		e.Logger.Printf("ws encode failed: %v", err)
		return
	}
	_ = sink.Send("message", payload)
}

// startHeartbeat pings every PingInterval, the ticker-based pattern
// codex-worker/internal/ws/client.go uses for client-side heartbeats,
// adapted here for the server side. Two consecutive unanswered pings close
// the connection with 1011, per spec.md §4.2.2.
func (e *Engine) startHeartbeat(sink *wsSink, pongCh <-chan struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(e.Config.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sink.mu.Lock()
			closed := sink.closed
			conn := sink.conn
			sink.mu.Unlock()
			if closed {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				missed++
			} else {
				select {
				case <-pongCh:
					missed = 0
				case <-time.After(e.Config.PingInterval / 2):
					missed++
				}
			}
			if missed >= 2 {
				sink.closeWithCode(websocket.CloseInternalServerErr, "ping timeout")
				return
			}
		}
	}
}
