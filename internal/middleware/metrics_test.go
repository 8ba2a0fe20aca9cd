package middleware

import (
	"encoding/json"
	"testing"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

func TestMetricsRecordsSuccessAndError(t *testing.T) {
	m := NewMetrics()
	mw := m.Middleware()
	rc := &pipeline.RequestContext{}

	okReq := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}
	mw(rc, okReq, passthrough)

	failing := func(rc *pipeline.RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
		return jsonrpc.NewError(req.ID, rpcerrors.Internal(nil))
	}
	errReq := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("2")}
	mw(rc, errReq, failing)

	snap := m.Snapshot()
	stats, ok := snap["ping"]
	if !ok {
		t.Fatal("expected stats recorded for method ping")
	}
	if stats.Count != 2 {
		t.Errorf("count = %d, want 2", stats.Count)
	}
	if stats.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", stats.ErrorCount)
	}
}
