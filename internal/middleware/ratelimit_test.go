package middleware

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
)

func TestRateLimitAllowsWithinBurst(t *testing.T) {
	mw := NewRateLimit(RateLimitConfig{RatePerSecond: 1, Burst: 2, BucketIdleTTL: time.Minute})
	rc := &pipeline.RequestContext{ConnectionID: "conn-1"}
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}

	for i := 0; i < 2; i++ {
		resp := mw(rc, req, passthrough)
		if resp == nil || resp.Error != nil {
			t.Fatalf("call %d: expected success within burst, got %+v", i, resp)
		}
	}
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	mw := NewRateLimit(RateLimitConfig{RatePerSecond: 0.001, Burst: 1, BucketIdleTTL: time.Minute})
	rc := &pipeline.RequestContext{ConnectionID: "conn-1"}
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}

	if resp := mw(rc, req, passthrough); resp == nil || resp.Error != nil {
		t.Fatalf("first call should pass, got %+v", resp)
	}
	resp := mw(rc, req, passthrough)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected the second call to be rate-limited")
	}
	if resp.Error.Code != -32004 {
		t.Errorf("code = %d, want -32004", resp.Error.Code)
	}
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	mw := NewRateLimit(RateLimitConfig{RatePerSecond: 0.001, Burst: 1, BucketIdleTTL: time.Minute})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}

	rcA := &pipeline.RequestContext{ConnectionID: "conn-a"}
	rcB := &pipeline.RequestContext{ConnectionID: "conn-b"}

	if resp := mw(rcA, req, passthrough); resp == nil || resp.Error != nil {
		t.Fatalf("conn-a first call should pass, got %+v", resp)
	}
	if resp := mw(rcB, req, passthrough); resp == nil || resp.Error != nil {
		t.Fatalf("conn-b first call should pass on its own bucket, got %+v", resp)
	}
}

func TestRateLimitPrefersRateLimitKeyOverConnectionID(t *testing.T) {
	mw := NewRateLimit(RateLimitConfig{RatePerSecond: 0.001, Burst: 1, BucketIdleTTL: time.Minute})
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: "ping", ID: json.RawMessage("1")}

	rc := &pipeline.RequestContext{ConnectionID: "conn-1", RateLimitKey: "subject-x"}
	if resp := mw(rc, req, passthrough); resp == nil || resp.Error != nil {
		t.Fatalf("first call should pass, got %+v", resp)
	}
	rc2 := &pipeline.RequestContext{ConnectionID: "conn-2", RateLimitKey: "subject-x"}
	resp := mw(rc2, req, passthrough)
	if resp == nil || resp.Error == nil {
		t.Fatal("expected the shared subject key to be rate-limited across connections")
	}
}
