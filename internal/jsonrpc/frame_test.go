package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

func TestDecodeSingleRequest(t *testing.T) {
	frame, errResp := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp)
	}
	if frame.IsBatch() {
		t.Fatal("expected single frame")
	}
	if frame.Single.Method != "ping" {
		t.Errorf("method = %q, want ping", frame.Single.Method)
	}
	if frame.Single.IsNotification() {
		t.Error("expected a request, not a notification")
	}
}

func TestDecodeNotification(t *testing.T) {
	frame, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp)
	}
	if !frame.Single.IsNotification() {
		t.Error("expected a notification")
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, errResp := Decode([]byte(`{not valid json`))
	if errResp == nil {
		t.Fatal("expected parse error")
	}
	if errResp.Code != rpcerrors.ParseError {
		t.Errorf("code = %d, want %d", errResp.Code, rpcerrors.ParseError)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	_, errResp := Decode([]byte(``))
	if errResp == nil || errResp.Code != rpcerrors.ParseError {
		t.Fatalf("expected parse error, got %v", errResp)
	}
}

func TestDecodeWrongVersion(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`))
	if errResp == nil || errResp.Code != rpcerrors.InvalidRequest {
		t.Fatalf("expected invalid request, got %v", errResp)
	}
}

func TestDecodeMissingMethod(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"2.0","id":1}`))
	if errResp == nil || errResp.Code != rpcerrors.InvalidRequest {
		t.Fatalf("expected invalid request, got %v", errResp)
	}
}

func TestDecodeInvalidIDType(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"2.0","id":{},"method":"ping"}`))
	if errResp == nil || errResp.Code != rpcerrors.InvalidRequest {
		t.Fatalf("expected invalid request, got %v", errResp)
	}
}

func TestDecodeInvalidParamsType(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":"not an object"}`))
	if errResp == nil || errResp.Code != rpcerrors.InvalidRequest {
		t.Fatalf("expected invalid request, got %v", errResp)
	}
}

func TestDecodeEmptyBatch(t *testing.T) {
	_, errResp := Decode([]byte(`[]`))
	if errResp == nil || errResp.Code != rpcerrors.InvalidRequest {
		t.Fatalf("expected invalid request for empty batch, got %v", errResp)
	}
}

func TestDecodeBatchMixedNotification(t *testing.T) {
	frame, errResp := Decode([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"ping"}]`))
	if errResp != nil {
		t.Fatalf("unexpected error: %v", errResp)
	}
	if !frame.IsBatch() {
		t.Fatal("expected batch frame")
	}
	reqs := frame.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	notifications := 0
	for _, r := range reqs {
		if r.IsNotification() {
			notifications++
		}
	}
	if notifications != 1 {
		t.Errorf("expected 1 notification in batch, got %d", notifications)
	}
}

func TestDecodeBatchElementError(t *testing.T) {
	frame, errResp := Decode([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"}, {"bad":true}]`))
	if errResp != nil {
		t.Fatalf("unexpected top-level error: %v", errResp)
	}
	preErrors := frame.PreBatchErrors()
	if len(preErrors) != 1 {
		t.Fatalf("expected 1 pre-batch error, got %d", len(preErrors))
	}
	if preErrors[0].Error.Code != rpcerrors.InvalidRequest {
		t.Errorf("element error code = %d, want %d", preErrors[0].Error.Code, rpcerrors.InvalidRequest)
	}
}

func TestEncodeResultOmitsError(t *testing.T) {
	resp := NewResult(json.RawMessage("1"), map[string]interface{}{"ok": true})
	data, err := Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, hasErr := decoded["error"]; hasErr {
		t.Error("result response should not carry an error field")
	}
	if _, hasResult := decoded["result"]; !hasResult {
		t.Error("result response should carry a result field")
	}
}

func TestEncodeErrorOmitsResult(t *testing.T) {
	resp := NewError(json.RawMessage("1"), rpcerrors.MethodNotFoundErr(nil))
	data, err := Encode(resp)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, hasResult := decoded["result"]; hasResult {
		t.Error("error response should not carry a result field")
	}
}
