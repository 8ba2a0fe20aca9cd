package middleware

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Printf(format string, v ...interface{}) {
	r.lines = append(r.lines, format)
}

func TestLoggingRecordsOneLinePerCall(t *testing.T) {
	logger := &recordingLogger{}
	mw := NewLogging(logger)
	rc := &pipeline.RequestContext{ConnectionID: "conn-1"}
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}

	resp := mw(rc, req, passthrough)
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected the request to pass through, got %+v", resp)
	}
	if len(logger.lines) != 1 {
		t.Fatalf("expected exactly one log line, got %d", len(logger.lines))
	}
	if !strings.Contains(logger.lines[0], "method=%s") {
		t.Errorf("log format missing method field: %q", logger.lines[0])
	}
}
