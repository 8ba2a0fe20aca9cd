package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
	"github.com/akmatori/mcp-server/internal/session"
)

// httpSink is a one-shot session.Sink: Send only records the payload handed
// to it, and RPCHandler never reads it back; RPCHandler writes the Responses
// dispatchFrame returns directly, matching spec.md §4.2.1 "Connection
// lifetime = one request. No server-initiated messages."
type httpSink struct {
	payload []byte
	event   string
}

func (s *httpSink) Send(eventName string, payload []byte) error {
	s.payload = payload
	s.event = eventName
	return nil
}

func (s *httpSink) Close(reason string) error { return nil }

// RPCHandler implements the HTTP adapter of spec.md §4.2.1.
func (e *Engine) RPCHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if e.Sessions.IsDraining() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}

		body, status, ok := e.readBody(w, r)
		if !ok {
			http.Error(w, http.StatusText(status), status)
			return
		}

		sink := &httpSink{}
		conn, err := e.Sessions.Open(session.HTTP, r.RemoteAddr, sink)
		if err != nil {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		defer e.Sessions.Close(conn, "request complete")

		frame, decodeErr := jsonrpc.Decode(body)
		if decodeErr != nil {
			resp := jsonrpc.NewError(json.RawMessage("null"), decodeErr)
			status := http.StatusOK
			if decodeErr.Code == rpcerrors.ParseError {
				// spec.md §4.2.1: "400 for non-JSON bodies" — the Response
				// frame invariant still holds, only the HTTP status
				// reflects that the body itself wasn't JSON.
				status = http.StatusBadRequest
			}
			e.writeJSONStatus(w, status, resp)
			return
		}

		credential := extractBearerCredential(r)
		responses := e.dispatchFrame(r.Context(), conn, credential, frame)

		if len(responses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if frame.IsBatch() {
			e.writeJSON(w, responses)
			return
		}
		e.writeJSON(w, responses[0])
	}
}

func (e *Engine) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, bool) {
	limited := http.MaxBytesReader(w, r.Body, e.Config.MaxRequestBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var maxErr *http.MaxBytesError
		if asMaxBytesError(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, false
		}
		return nil, http.StatusBadRequest, false
	}
	return body, http.StatusOK, true
}

func asMaxBytesError(err error, target **http.MaxBytesError) bool {
	for err != nil {
		if e, ok := err.(*http.MaxBytesError); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (e *Engine) writeJSON(w http.ResponseWriter, v interface{}) {
	e.writeJSONStatus(w, http.StatusOK, v)
}

func (e *Engine) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// extractBearerCredential pulls the Authorization: Bearer token out of an
// HTTP request for the Auth middleware's RequestContext.Credential slot, per
// spec.md §4.4 "HTTP header".
func extractBearerCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// HealthHandler implements the /health endpoint of spec.md §6.2: it reports
// the status (ok or draining), the tracked connection count and the global
// in-flight count. It does not report readiness per transport.
func (e *Engine) HealthHandler(globalInFlight func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draining := e.Sessions.IsDraining()
		status := "ok"
		if draining {
			status = "draining"
		}
		body := map[string]interface{}{
			"status":       status,
			"connections":  e.Sessions.Count(),
			"in_flight":    globalInFlight(),
		}
		w.Header().Set("Content-Type", "application/json")
		if draining {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
