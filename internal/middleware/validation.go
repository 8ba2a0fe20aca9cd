package middleware

import (
	"bytes"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
)

// NewValidation returns the defense-in-depth Validation middleware of
// spec.md §4.4: the frame codec already enforces shape on decode, but this
// middleware re-checks jsonrpc/method/params before a request reaches the
// dispatcher, the way a second border guard catches what slipped past the
// first.
func NewValidation() pipeline.Middleware {
	return func(rc *pipeline.RequestContext, req *jsonrpc.Request, next pipeline.HandlerFunc) *jsonrpc.Response {
		invalidParams := false
		if len(req.Params) > 0 {
			t := bytes.TrimSpace(req.Params)
			invalidParams = len(t) == 0 || (t[0] != '{' && t[0] != '[')
		}
		if req.JSONRPC != jsonrpc.Version || req.Method == "" || invalidParams {
			if req.IsNotification() {
				return nil
			}
			return jsonrpc.NewError(req.ID, rpcerrors.InvalidReq(nil))
		}
		return next(rc, req)
	}
}
