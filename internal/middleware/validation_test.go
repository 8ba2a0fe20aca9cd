package middleware

import (
	"encoding/json"
	"testing"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
)

func passthrough(rc *pipeline.RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
	return jsonrpc.NewResult(req.ID, map[string]interface{}{"ok": true})
}

func TestValidationPassesWellFormedRequest(t *testing.T) {
	mw := NewValidation()
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}
	resp := mw(&pipeline.RequestContext{}, req, passthrough)
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected the request to pass through, got %+v", resp)
	}
}

func TestValidationRejectsWrongVersion(t *testing.T) {
	mw := NewValidation()
	req := &jsonrpc.Request{JSONRPC: "1.0", Method: "ping", ID: json.RawMessage("1")}
	resp := mw(&pipeline.RequestContext{}, req, passthrough)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an invalid-request error")
	}
	if resp.Error.Code != -32600 {
		t.Errorf("code = %d, want -32600", resp.Error.Code)
	}
}

func TestValidationRejectsMissingMethod(t *testing.T) {
	mw := NewValidation()
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage("1")}
	resp := mw(&pipeline.RequestContext{}, req, passthrough)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an invalid-request error")
	}
}

func TestValidationOnNotificationReturnsNilNotError(t *testing.T) {
	mw := NewValidation()
	req := &jsonrpc.Request{JSONRPC: "1.0", Method: "ping"}
	resp := mw(&pipeline.RequestContext{}, req, passthrough)
	if resp != nil {
		t.Errorf("expected nil response for a malformed notification, got %+v", resp)
	}
}
