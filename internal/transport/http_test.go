package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/session"
)

type discardLogger struct{}

func (discardLogger) Printf(format string, v ...interface{}) {}

func echoHandler(rc *pipeline.RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}
	return jsonrpc.NewResult(req.ID, map[string]interface{}{"method": req.Method})
}

func newTestEngine(handle pipeline.HandlerFunc) *Engine {
	return NewEngine(DefaultConfig(), session.New(), handle, discardLogger{})
}

func TestRPCHandlerRejectsNonPost(t *testing.T) {
	e := newTestEngine(echoHandler)
	req := httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRPCHandlerHappyPath(t *testing.T) {
	e := newTestEngine(echoHandler)
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error in response: %+v", resp.Error)
	}
}

func TestRPCHandlerNotificationReturns204(t *testing.T) {
	e := newTestEngine(echoHandler)
	body := `{"jsonrpc":"2.0","method":"ping"}`
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestRPCHandlerBatchReturnsArray(t *testing.T) {
	e := newTestEngine(echoHandler)
	body := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var responses []jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &responses); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}
}

func TestRPCHandlerMalformedBodyReturnsParseError(t *testing.T) {
	e := newTestEngine(echoHandler)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(`{not valid`))
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 per spec.md §4.2.1 (\"400 for non-JSON bodies\")", rec.Code)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("expected a parse error, got %+v", resp.Error)
	}
}

func TestRPCHandlerOversizedBodyReturns413(t *testing.T) {
	e := newTestEngine(echoHandler)
	e.Config.MaxRequestBytes = 10
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(strings.Repeat("a", 100)))
	rec := httptest.NewRecorder()
	e.RPCHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestHealthHandlerReportsOK(t *testing.T) {
	e := newTestEngine(echoHandler)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.HealthHandler(func() int { return 0 }).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthHandlerReportsDraining(t *testing.T) {
	e := newTestEngine(echoHandler)
	e.Sessions.DrainAll(0)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.HealthHandler(func() int { return 0 }).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 while draining", rec.Code)
	}
}

func TestExtractBearerCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := extractBearerCredential(req); got != "abc123" {
		t.Errorf("credential = %q, want abc123", got)
	}

	reqNone := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	if got := extractBearerCredential(reqNone); got != "" {
		t.Errorf("credential = %q, want empty", got)
	}
}
