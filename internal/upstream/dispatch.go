package upstream

import (
	"context"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/logger"
)

// dispatch routes one inbound frame by type, per spec.md §4.6's table.
// Blocking and permission-gated handlers run in their own goroutine so a
// suspended RPC never blocks the read loop or the heartbeat.
func (c *Client) dispatch(ctx context.Context, env envelope.Envelope) {
	switch env.Type {
	case envelope.TypeRunAck:
		c.handleAck(ctx, env)

	case envelope.TypeRunSendInput:
		c.handleSendInput(env)

	case envelope.TypeRunStop:
		c.handleStop(env)

	case envelope.TypePermissionApprove, envelope.TypePermissionDeny:
		c.handlePermissionDecision(env)

	case envelope.TypeRunResize:
		c.handleResize(env)

	case envelope.TypeRPCRunStart:
		go c.handleRPCRunStart(ctx, env)

	case envelope.TypeRPCFSRead, envelope.TypeRPCFSSearch, envelope.TypeRPCFSList,
		envelope.TypeRPCGitStatus, envelope.TypeRPCGitDiff,
		envelope.TypeRPCRunStop, envelope.TypeRPCRunsList:
		go c.handleBlockingRPC(ctx, env)

	case envelope.TypeRPCFSWrite, envelope.TypeRPCBash:
		go c.handleGatedRPC(ctx, env)

	case envelope.TypeRPCHostInfo, envelope.TypeRPCHostDoctor,
		envelope.TypeRPCHostCapabilities, envelope.TypeRPCHostLogsTail:
		go c.handleHostRPC(ctx, env)

	default:
		logger.Warn("unhandled inbound envelope type", "type", env.Type)
	}
}

type ackData struct {
	RunID   string `json:"run_id"`
	LastSeq int64  `json:"last_seq"`
}

func (c *Client) handleAck(ctx context.Context, env envelope.Envelope) {
	var d ackData
	if err := env.Decode(&d); err != nil || d.RunID == "" {
		return
	}
	if err := c.Spool.ApplyAck(ctx, d.RunID, d.LastSeq); err != nil {
		logger.Error("apply ack failed", "error", err, "run_id", d.RunID)
		return
	}
	if err := c.drainSpool(ctx, heartbeatDrain); err != nil {
		logger.Error("post-ack spool drain failed", "error", err)
	}
}

type sendInputData struct {
	RunID   string `json:"run_id"`
	Actor   string `json:"actor"`
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

func (c *Client) handleSendInput(env envelope.Envelope) {
	var d sendInputData
	if err := env.Decode(&d); err != nil {
		logger.Warn("bad run.send_input frame", "error", err)
		return
	}
	if err := c.Mgr.SendInput(d.RunID, d.Actor, d.InputID, d.Text); err != nil {
		logger.Warn("send_input failed", "error", err, "run_id", d.RunID)
	}
}

type stopData struct {
	RunID  string `json:"run_id"`
	Signal string `json:"signal"`
}

func (c *Client) handleStop(env envelope.Envelope) {
	var d stopData
	if err := env.Decode(&d); err != nil {
		logger.Warn("bad run.stop frame", "error", err)
		return
	}
	if d.Signal == "" {
		d.Signal = "SIGTERM"
	}
	if err := c.Mgr.StopRun(d.RunID, d.Signal); err != nil {
		logger.Warn("stop_run failed", "error", err, "run_id", d.RunID)
	}
}

type permissionDecisionData struct {
	RunID     string `json:"run_id"`
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
}

// handlePermissionDecision implements the "complete the matching pending
// oneshot if present; otherwise call decide_permission" rule from spec.md
// §4.6. The oneshot path serves Local API mutations; decide_permission
// serves agent-initiated elicitations and TUI prompts.
func (c *Client) handlePermissionDecision(env envelope.Envelope) {
	var d permissionDecisionData
	if err := env.Decode(&d); err != nil {
		logger.Warn("bad run.permission decision frame", "error", err)
		return
	}
	approve := env.Type == envelope.TypePermissionApprove
	if c.Mgr.Waiters().Resolve(d.RunID, d.RequestID, approve) {
		return
	}
	if err := c.Mgr.DecidePermission(d.RunID, d.Actor, d.RequestID, approve); err != nil {
		logger.Warn("decide_permission failed", "error", err, "run_id", d.RunID)
	}
}

type resizeData struct {
	RunID string `json:"run_id"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

func (c *Client) handleResize(env envelope.Envelope) {
	var d resizeData
	if err := env.Decode(&d); err != nil {
		return
	}
	if err := c.Mgr.ResizeRun(d.RunID, d.Cols, d.Rows); err != nil {
		logger.Warn("resize_run failed", "error", err, "run_id", d.RunID)
	}
}
