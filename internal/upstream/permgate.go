package upstream

import (
	"context"
	"time"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/relayerr"
)

// permissionTimeout mirrors the Local API's gate (internal/localapi),
// per spec.md §4.7.
const permissionTimeout = 600 * time.Second

// gateOp implements the same permission-gated-mutation flow as the Local
// API's gateOp, for permission-gated RPCs arriving over the upstream link
// (spec.md §4.6 "rpc.fs.write|rpc.bash"): emit tool.call, register a
// oneshot waiter, emit run.permission_requested, wait for a decision, then
// run execute() on approval.
func (c *Client) gateOp(ctx context.Context, runID, actor, opTool string, opArgs map[string]any, opArgsSummary, prompt string, execute func() (any, error)) (any, error) {
	requestID := "req-" + actor + "-" + time.Now().UTC().Format("20060102T150405.000000000")

	c.Mgr.EmitRunEvent(runID, envelope.TypeToolCall, map[string]any{
		"actor": actor, "tool": opTool, "args_summary": opArgsSummary,
	})

	waitCh := c.Mgr.Waiters().Register(runID, requestID)

	c.Mgr.EmitRunEvent(runID, envelope.TypePermissionRequested, map[string]any{
		"request_id":      requestID,
		"reason":          "permission",
		"prompt":          prompt,
		"op_tool":         opTool,
		"op_args":         opArgs,
		"op_args_summary": opArgsSummary,
	})

	select {
	case decision := <-waitCh:
		if !decision {
			c.Mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
				"actor": actor, "tool": opTool, "request_id": requestID, "error": "denied",
			})
			return nil, relayerr.PermissionDenied
		}
		result, err := execute()
		if err != nil {
			c.Mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
				"actor": actor, "tool": opTool, "request_id": requestID, "error": err.Error(),
			})
			return nil, err
		}
		c.Mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
			"actor": actor, "tool": opTool, "request_id": requestID, "result": result,
		})
		return result, nil
	case <-time.After(permissionTimeout):
		c.Mgr.Waiters().Forget(runID, requestID)
		c.Mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
			"actor": actor, "tool": opTool, "request_id": requestID, "error": "timeout",
		})
		return nil, relayerr.Timeout
	case <-ctx.Done():
		c.Mgr.Waiters().Forget(runID, requestID)
		return nil, ctx.Err()
	}
}
