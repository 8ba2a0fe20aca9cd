// Package jsonrpc implements the Frame Codec (C1): decoding and encoding of
// JSON-RPC 2.0 messages, including batches, per spec.md §4.1.
//
// The type shapes are grounded on mcp-gateway/internal/mcp/protocol.go, but
// IDs use json.RawMessage rather than interface{} so a Request's id can be
// echoed back byte-for-byte without Go's float64-widening of JSON numbers,
// and so an unparseable id can be detected before it is ever unmarshalled
// into a Go type.
package jsonrpc

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

const Version = "2.0"

// Request is a single JSON-RPC request or notification (Request with no id).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether this message carries no id and therefore
// expects no Response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a single JSON-RPC response: exactly one of Result or Error is
// populated, never both, per spec.md §4.1 ("never emits error and result
// together").
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcerrors.Error `json:"error,omitempty"`
}

func NewResult(id json.RawMessage, result interface{}) *Response {
	if result == nil {
		result = map[string]interface{}{}
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func NewError(id json.RawMessage, err *rpcerrors.Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

var nullID = json.RawMessage("null")

// Frame is the decoded shape of one inbound HTTP/WS/SSE-POST body: either a
// single Request or a batch of Requests, per spec.md §3 ("Batch: JSON array
// of ≥1 Requests and/or Notifications").
type Frame struct {
	Single *Request
	Batch  []*elementResult
}

// elementResult carries either a successfully decoded Request or the error
// response that must be emitted in its place (malformed element inside a
// batch), preserving position so batch dispatch can skip bad elements
// without losing the overall array shape.
type elementResult struct {
	Request *Request
	ErrResp *Response
}

// IsBatch reports whether the decoded frame represents a JSON array rather
// than a single object.
func (f *Frame) IsBatch() bool { return f.Batch != nil }

// Requests returns every well-formed Request in the frame, in original
// order, for a single frame or for each array element of a batch frame.
func (f *Frame) Requests() []*Request {
	if !f.IsBatch() {
		if f.Single == nil {
			return nil
		}
		return []*Request{f.Single}
	}
	out := make([]*Request, 0, len(f.Batch))
	for _, el := range f.Batch {
		if el.Request != nil {
			out = append(out, el.Request)
		}
	}
	return out
}

// PreBatchErrors returns the error Responses produced for batch elements
// that failed to decode on their own, in original position order.
func (f *Frame) PreBatchErrors() []*Response {
	var out []*Response
	for _, el := range f.Batch {
		if el.ErrResp != nil {
			out = append(out, el.ErrResp)
		}
	}
	return out
}

// Decode parses raw bytes into a Frame, applying the validation rules of
// spec.md §4.1. A malformed top-level body returns a nil Frame and a
// *rpcerrors.Error with code -32700, whose Data carries a best-effort id
// extracted via gjson under "recovered_id" even though full unmarshalling
// failed; the transports answer such a frame with a response id of null.
func Decode(body []byte) (*Frame, *rpcerrors.Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, rpcerrors.Parse(bestEffortID(body))
	}

	if trimmed[0] == '[' {
		return decodeBatch(trimmed)
	}
	return decodeSingle(trimmed)
}

func decodeSingle(raw []byte) (*Frame, *rpcerrors.Error) {
	req, errResp := decodeOne(raw)
	if errResp != nil {
		return nil, errResp.err
	}
	return &Frame{Single: req}, nil
}

func decodeBatch(raw []byte) (*Frame, *rpcerrors.Error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, rpcerrors.Parse(bestEffortID(raw))
	}
	if len(elements) == 0 {
		return nil, rpcerrors.InvalidReq(nil)
	}

	results := make([]*elementResult, 0, len(elements))
	for _, el := range elements {
		req, errResp := decodeOne(el)
		if errResp != nil {
			results = append(results, &elementResult{ErrResp: errResp.toResponse(nullID)})
			continue
		}
		results = append(results, &elementResult{Request: req})
	}
	return &Frame{Batch: results}, nil
}

// decodingError pairs an *rpcerrors.Error with the id it should be reported
// against (which may not be nullID for shape-invalid requests that still
// carried a valid id).
type decodingError struct {
	err *rpcerrors.Error
	id  json.RawMessage
}

func (d *decodingError) toResponse(fallback json.RawMessage) *Response {
	id := d.id
	if id == nil {
		id = fallback
	}
	return NewError(id, d.err)
}

func decodeOne(raw []byte) (*Request, *decodingError) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &decodingError{err: rpcerrors.Parse(bestEffortID(raw))}
	}

	id, idErr := extractAndValidateID(generic["id"])
	if idErr != nil {
		return nil, &decodingError{err: idErr}
	}

	if v, ok := generic["jsonrpc"]; !ok || !isExactVersion(v) {
		return nil, &decodingError{err: rpcerrors.InvalidReq(nil), id: id}
	}

	method, ok := generic["method"]
	if !ok {
		return nil, &decodingError{err: rpcerrors.InvalidReq(nil), id: id}
	}
	var methodStr string
	if err := json.Unmarshal(method, &methodStr); err != nil || methodStr == "" {
		return nil, &decodingError{err: rpcerrors.InvalidReq(nil), id: id}
	}

	if params, ok := generic["params"]; ok && len(params) > 0 {
		t := bytes.TrimSpace(params)[0]
		if t != '{' && t != '[' {
			return nil, &decodingError{err: rpcerrors.InvalidReq(nil), id: id}
		}
	}

	req := &Request{JSONRPC: Version, Method: methodStr}
	if p, ok := generic["params"]; ok {
		req.Params = p
	}
	if _, ok := generic["id"]; ok {
		req.ID = id
	}
	return req, nil
}

func isExactVersion(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == Version
}

// extractAndValidateID validates the optional "id" member: it must be a
// string, number, or null if present at all. Absent id means a notification
// and is represented here as nil with no error.
func extractAndValidateID(raw json.RawMessage) (json.RawMessage, *rpcerrors.Error) {
	if len(raw) == 0 {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, rpcerrors.InvalidReq(nil)
		}
		return trimmed, nil
	default:
		var f float64
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, rpcerrors.InvalidReq(nil)
		}
		return trimmed, nil
	}
}

// bestEffortID pulls a plausible "id" field out of a body that otherwise
// failed full JSON-RPC decoding, using gjson rather than encoding/json so a
// malformed document (trailing comma, unterminated string elsewhere in the
// payload) doesn't prevent us from reporting the id the client probably
// meant. It is reported only in the error's data as "recovered_id"; the
// response itself keeps id=null, per spec.md §3's invariant that a parse
// failure still returns a shaped response.
func bestEffortID(raw []byte) map[string]interface{} {
	if !json.Valid(raw) {
		res := gjson.GetBytes(raw, "id")
		if res.Exists() {
			return map[string]interface{}{"recovered_id": res.Value()}
		}
		return nil
	}
	return nil
}

// Encode serializes a Response (or slice of Responses for a batch) back to
// wire bytes. Encoding is symmetric with Decode: the shape emitted here is
// exactly what decodeOne/decodeBatch accept, so round-tripping is exact
// modulo whitespace, per spec.md §8.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
