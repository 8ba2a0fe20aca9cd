package middleware

import (
	"time"

	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
)

// Logger is the minimal surface this package logs through, satisfied by
// *log.Logger, matching the plain stdlib logging convention used throughout
// the rest of this module.
type Logger interface {
	Printf(format string, v ...interface{})
}

// NewLogging returns the Logging middleware of spec.md §4.4: it records
// method, request id, connection id, elapsed time and outcome, and never
// transforms the request or response.
func NewLogging(logger Logger) pipeline.Middleware {
	return func(rc *pipeline.RequestContext, req *jsonrpc.Request, next pipeline.HandlerFunc) *jsonrpc.Response {
		start := time.Now()
		resp := next(rc, req)
		elapsed := time.Since(start)

		outcome := "ok"
		if resp != nil && resp.Error != nil {
			outcome = "error"
		}
		logger.Printf("conn=%s request_id=%s method=%s elapsed=%s outcome=%s",
			rc.ConnectionID, rc.RequestID, req.Method, elapsed, outcome)
		return resp
	}
}
