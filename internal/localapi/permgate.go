package localapi

import (
	"context"
	"fmt"
	"time"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/relayerr"
	"github.com/alderwick/relay/internal/run"
)

// permissionTimeout is the default wait for a permission-gated operation,
// per spec.md §4.7.
const permissionTimeout = 600 * time.Second

// gateOp implements the Local API mutation flow from spec.md §4.7: emit
// tool.call, register a oneshot waiter, emit run.permission_requested, wait
// for a decision, then run execute() on approval.
func gateOp(ctx context.Context, mgr *run.Manager, waiters *run.Waiters, runID, actor, opTool string, opArgs map[string]any, opArgsSummary, prompt string, execute func() (any, error)) (any, error) {
	requestID := "req-" + actor + "-" + time.Now().UTC().Format("20060102T150405.000000000")

	mgr.EmitRunEvent(runID, envelope.TypeToolCall, map[string]any{
		"actor": actor, "tool": opTool, "args_summary": opArgsSummary,
	})

	waitCh := waiters.Register(runID, requestID)

	mgr.EmitRunEvent(runID, envelope.TypePermissionRequested, map[string]any{
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
			mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
				"actor": actor, "tool": opTool, "request_id": requestID, "error": "denied",
			})
			return nil, fmt.Errorf("%w: operation denied", relayerr.PermissionDenied)
		}
		result, err := execute()
		if err != nil {
			mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
				"actor": actor, "tool": opTool, "request_id": requestID, "error": err.Error(),
			})
			return nil, err
		}
		mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
			"actor": actor, "tool": opTool, "request_id": requestID, "result": result,
		})
		return result, nil
	case <-time.After(permissionTimeout):
		waiters.Forget(runID, requestID)
		mgr.EmitRunEvent(runID, envelope.TypeToolResult, map[string]any{
			"actor": actor, "tool": opTool, "request_id": requestID, "error": "timeout",
		})
		return nil, fmt.Errorf("%w: permission decision", relayerr.Timeout)
	case <-ctx.Done():
		waiters.Forget(runID, requestID)
		return nil, ctx.Err()
	}
}
