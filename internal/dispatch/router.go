package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akmatori/mcp-server/internal/events"
	"github.com/akmatori/mcp-server/internal/jsonrpc"
	"github.com/akmatori/mcp-server/internal/pipeline"
	"github.com/akmatori/mcp-server/internal/registry"
	"github.com/akmatori/mcp-server/internal/rpcerrors"
	"github.com/akmatori/mcp-server/internal/session"
)

// ServerInfo is echoed by the built-in "initialize" method, per spec.md
// §4.6.1.
type ServerInfo struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Capabilities map[string]interface{} `json:"capabilities"`
}

// Dispatcher routes each inbound Request to a built-in MCP method or to a
// tool call, enforcing concurrency and deadlines, per spec.md §4.6. It holds
// only a borrowed reference to the ToolRegistry (spec.md §3 "Ownership").
type Dispatcher struct {
	info       ServerInfo
	registry   *registry.Registry
	controller *Controller
	bus        *events.Bus
}

func New(info ServerInfo, reg *registry.Registry, controller *Controller, bus *events.Bus) *Dispatcher {
	return &Dispatcher{info: info, registry: reg, controller: controller, bus: bus}
}

// callToolParams is the shape of tools/call's params, per spec.md §4.6.2.
type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Handle is the terminal pipeline.HandlerFunc the middleware chain wraps. It
// implements spec.md §4.6's three method classes.
func (d *Dispatcher) Handle(rc *pipeline.RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case "initialize":
		return d.respond(req, d.handleInitialize())
	case "tools/list":
		return d.respond(req, d.handleToolsList())
	case "ping":
		return d.respond(req, map[string]interface{}{}, nil)
	case "tools/call":
		return d.handleToolsCall(rc, req)
	case "notifications/cancelled":
		d.handleCancelNotification(rc, req)
		return nil
	default:
		if req.IsNotification() {
			return nil
		}
		return jsonrpc.NewError(req.ID, rpcerrors.MethodNotFoundErr(map[string]interface{}{"method": req.Method}))
	}
}

func (d *Dispatcher) respond(req *jsonrpc.Request, result interface{}, _ ...interface{}) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}
	return jsonrpc.NewResult(req.ID, result)
}

func (d *Dispatcher) handleInitialize() map[string]interface{} {
	return map[string]interface{}{
		"name":         d.info.Name,
		"version":      d.info.Version,
		"capabilities": d.info.Capabilities,
	}
}

func (d *Dispatcher) handleToolsList() map[string]interface{} {
	return map[string]interface{}{"tools": d.registry.List()}
}

// handleCancelNotification implements the optional notifications/cancelled
// client message of spec.md §5: requestId refers to the client-supplied id
// of the in-flight request being cancelled, which handleToolsCall tracks
// its cancel function under (see reqID below) so this can fire it directly
// rather than merely forgetting the tracking entry.
func (d *Dispatcher) handleCancelNotification(rc *pipeline.RequestContext, req *jsonrpc.Request) {
	var params struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	id := string(bytes.TrimSpace(params.RequestID))
	if id != "" && rc.Connection != nil {
		if !rc.Connection.CancelRequest(id) {
			var s string
			if json.Unmarshal(params.RequestID, &s) == nil {
				rc.Connection.CancelRequest(s)
			}
		}
	}
}

// handleToolsCall implements spec.md §4.6.2's lettered steps a-f.
func (d *Dispatcher) handleToolsCall(rc *pipeline.RequestContext, req *jsonrpc.Request) *jsonrpc.Response {
	isNotif := req.IsNotification()

	var params callToolParams
	if len(req.Params) == 0 {
		return d.errorOrNil(req, isNotif, rpcerrors.InvalidParamsErr(map[string]interface{}{"reason": "missing params"}))
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return d.errorOrNil(req, isNotif, rpcerrors.InvalidParamsErr(map[string]interface{}{"reason": "missing tool name"}))
	}

	// (b) resolve
	resolved, ok := d.registry.Resolve(params.Name)
	if !ok {
		return d.errorOrNil(req, isNotif, rpcerrors.MethodNotFoundErr(map[string]interface{}{"tool": params.Name}))
	}

	// (c) validate arguments against schema
	if err := resolved.ValidateArguments(params.Arguments); err != nil {
		return d.errorOrNil(req, isNotif, rpcerrors.InvalidParamsErr(map[string]interface{}{
			"tool":  params.Name,
			"error": err.Error(),
		}))
	}

	// (d) acquire a dispatch slot
	connLimit := d.controller.limits.PerConnectionHTTP
	connID := ""
	if rc.Connection != nil {
		connID = rc.Connection.ID
		if rc.Connection.TransportKind != session.HTTP {
			connLimit = d.controller.limits.PerConnectionWS
		}
	}
	acquireCtx, acquireCancel := context.WithTimeout(rc.Context, 5*time.Second)
	defer acquireCancel()
	slot, slotErr := d.controller.Acquire(acquireCtx, connID, connLimit, params.Name)
	if slotErr != nil {
		return d.errorOrNil(req, isNotif, slotErr)
	}
	defer slot.Release(connID)

	// (e) invoke with a cancellable context bound to the request deadline
	deadline := d.controller.Deadline(0, 0)
	callCtx, cancel := context.WithTimeout(rc.Context, deadline)
	defer cancel()

	// Track under the client's own request id so a later notifications/
	// cancelled naming that id can find and fire this call's cancel func;
	// notifications have no id, so they get an internal-only key that
	// nothing will ever reference by name (they're still cancelled on
	// connection teardown via cancelAllPending, just not individually).
	reqID := rc.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	if rc.Connection != nil {
		rc.Connection.TrackRequest(reqID, cancel)
		defer rc.Connection.UntrackRequest(reqID)
	}

	d.bus.Publish(events.RequestAccepted, map[string]interface{}{"request_id": reqID, "tool": params.Name})

	result, toolErr, uncaught := d.invokeWithHardKill(callCtx, resolved, params, rc, deadline)

	outcome := "ok"
	defer func() {
		d.bus.Publish(events.RequestCompleted, map[string]interface{}{"request_id": reqID, "tool": params.Name, "outcome": outcome})
	}()

	if uncaught != nil {
		outcome = "internal_error"
		return d.errorOrNil(req, isNotif, rpcerrors.Internal(map[string]interface{}{"tool": params.Name}))
	}
	if callCtx.Err() == context.DeadlineExceeded {
		outcome = "timeout"
		return d.errorOrNil(req, isNotif, rpcerrors.Timeout(map[string]interface{}{"tool": params.Name}))
	}
	if callCtx.Err() == context.Canceled {
		outcome = "cancelled"
		// spec.md §5: return -32005 to the caller "if still connected" — a
		// connection torn down on close/drain fires this same path via
		// cancelAllPending, but there the socket is gone and no response
		// can be delivered; only when the connection is still Open (an
		// explicit notifications/cancelled, or a deadline firing while the
		// client is still attached) is there anyone left to deliver it to.
		if rc.Connection != nil && rc.Connection.State() == session.Open {
			return d.errorOrNil(req, isNotif, rpcerrors.CancelledErr(map[string]interface{}{"tool": params.Name}))
		}
		return nil
	}
	if toolErr != nil {
		outcome = "tool_error"
		return d.errorOrNil(req, isNotif, rpcerrors.ToolFailed(map[string]interface{}{
			"tool":    params.Name,
			"kind":    toolErr.Kind,
			"message": toolErr.Message,
		}))
	}
	return d.respond(req, result)
}

func (d *Dispatcher) errorOrNil(req *jsonrpc.Request, isNotif bool, err *rpcerrors.Error) *jsonrpc.Response {
	if isNotif {
		return nil
	}
	return jsonrpc.NewError(req.ID, err)
}

// invokeWithHardKill calls the tool on its own goroutine so the dispatcher
// can abandon it at hard_kill_after even if the tool ignores cancellation,
// per spec.md §5 "hard wall-clock ceiling".
func (d *Dispatcher) invokeWithHardKill(
	ctx context.Context,
	resolved *registry.Resolved,
	params callToolParams,
	rc *pipeline.RequestContext,
	deadline time.Duration,
) (result interface{}, toolErr *registry.ToolError, uncaught error) {
	type outcome struct {
		result  interface{}
		toolErr *registry.ToolError
		panicV  interface{}
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicV: r}
			}
		}()
		cc := &registry.CallContext{Context: ctx, RequestID: rc.RequestID}
		res, te := resolved.Module.Call(cc, resolved.ToolName, params.Arguments)
		done <- outcome{result: res, toolErr: te}
	}()

	hardKill := d.controller.HardKillAfter(deadline)
	timer := time.NewTimer(hardKill)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.panicV != nil {
			return nil, nil, fmt.Errorf("panic: %v", o.panicV)
		}
		return o.result, o.toolErr, nil
	case <-ctx.Done():
		// Deadline/cancellation fired; give the tool one more beat to react
		// cooperatively before the hard kill ceiling, then abandon it.
		select {
		case o := <-done:
			if o.panicV != nil {
				return nil, nil, fmt.Errorf("panic: %v", o.panicV)
			}
			return o.result, o.toolErr, nil
		case <-timer.C:
			return nil, nil, nil
		}
	}
}
