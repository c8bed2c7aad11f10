package upstream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/logger"
	"github.com/alderwick/relay/internal/ops"
	"github.com/alderwick/relay/internal/relayerr"
	"github.com/alderwick/relay/internal/runner"
)

// rpcRequest is the generic shape every inbound rpc.* envelope decodes
// into; individual handlers read only the fields their operation needs.
// Field names and the overall rpc.response envelope (below) are not fixed
// by spec.md's wire format — they are this implementation's concrete
// choice for the "request/response forms" spec.md §6.2 leaves open.
type rpcRequest struct {
	ID      string `json:"id"`
	RunID   string `json:"run_id,omitempty"`
	Actor   string `json:"actor,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Command string `json:"command,omitempty"`
	CWD     string `json:"cwd,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Path    string `json:"path,omitempty"`
	Query   string `json:"query,omitempty"`
	Staged  bool   `json:"staged,omitempty"`
	Signal  string `json:"signal,omitempty"`
	Content string `json:"content,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
	Lines   int    `json:"lines,omitempty"`
}

type rpcResponse struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (c *Client) replyRPC(id string, ok bool, result any, errMsg string) {
	env := envelope.New(envelope.TypeRPCResponse, rpcResponse{ID: id, OK: ok, Result: result, Error: errMsg})
	env.HostID = c.HostID
	c.send(env)
}

// summarize truncates prefix+body to maxLen, per spec.md §8 scenario 3's
// "op_args_summary <=80 chars starting cmd=" example.
func summarize(prefix, body string, maxLen int) string {
	full := prefix + body
	if len(full) > maxLen {
		return full[:maxLen]
	}
	return full
}

// handleRPCRunStart implements spec.md §4.6's "rpc.run.start: start a run,
// reply with rpc.response { result:{run_id} }".
func (c *Client) handleRPCRunStart(ctx context.Context, env envelope.Envelope) {
	var req rpcRequest
	if err := env.Decode(&req); err != nil {
		logger.Warn("bad rpc.run.start frame", "error", err)
		return
	}
	mode := runner.Mode(req.Mode)
	if mode == "" {
		mode = runner.ModeTUI
	}
	runID, err := c.Mgr.StartRun(req.Tool, req.Command, req.CWD, mode)
	if err != nil {
		c.replyRPC(req.ID, false, nil, err.Error())
		return
	}
	c.replyRPC(req.ID, true, map[string]any{"run_id": runID}, "")
}

// handleBlockingRPC implements the non-gated RPC table entries from
// spec.md §4.6: execute in a blocking task, emit tool.call/tool.result on
// the run (when one is named), then reply.
func (c *Client) handleBlockingRPC(ctx context.Context, env envelope.Envelope) {
	var req rpcRequest
	if err := env.Decode(&req); err != nil {
		logger.Warn("bad blocking rpc frame", "type", env.Type, "error", err)
		return
	}

	toolName := strings.TrimPrefix(env.Type, "rpc.")
	if req.RunID != "" {
		c.Mgr.EmitRunEvent(req.RunID, envelope.TypeToolCall, map[string]any{"actor": req.Actor, "tool": toolName})
	}
	emitResult := func(result any, errMsg string) {
		if req.RunID != "" {
			data := map[string]any{"actor": req.Actor, "tool": toolName}
			if errMsg != "" {
				data["error"] = errMsg
			} else {
				data["result"] = result
			}
			c.Mgr.EmitRunEvent(req.RunID, envelope.TypeToolResult, data)
		}
	}

	result, err := c.execBlockingRPC(ctx, env.Type, req)
	if err != nil {
		emitResult(nil, err.Error())
		c.replyRPC(req.ID, false, nil, err.Error())
		return
	}
	emitResult(result, "")
	c.replyRPC(req.ID, true, result, "")
}

func (c *Client) execBlockingRPC(ctx context.Context, typ string, req rpcRequest) (any, error) {
	switch typ {
	case envelope.TypeRPCFSRead:
		cwd, err := c.Mgr.GetRunCwd(req.RunID)
		if err != nil {
			return nil, err
		}
		abs, err := ops.SafeJoin(cwd, req.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		truncated := false
		if len(data) > fsReadMaxBytes {
			data = data[:fsReadMaxBytes]
			truncated = true
		}
		return map[string]any{"content": string(data), "truncated": truncated}, nil

	case envelope.TypeRPCFSSearch:
		cwd, err := c.Mgr.GetRunCwd(req.RunID)
		if err != nil {
			return nil, err
		}
		out, truncated, err := ops.Search(cwd, req.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": out, "truncated": truncated}, nil

	case envelope.TypeRPCFSList:
		cwd, err := c.Mgr.GetRunCwd(req.RunID)
		if err != nil {
			return nil, err
		}
		entries, err := ops.List(cwd, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil

	case envelope.TypeRPCGitStatus:
		cwd, err := c.Mgr.GetRunCwd(req.RunID)
		if err != nil {
			return nil, err
		}
		out, truncated, err := ops.Git(cwd, "status", "--porcelain=v1", "--branch")
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": out, "truncated": truncated}, nil

	case envelope.TypeRPCGitDiff:
		cwd, err := c.Mgr.GetRunCwd(req.RunID)
		if err != nil {
			return nil, err
		}
		args := []string{"diff"}
		if req.Staged {
			args = append(args, "--cached")
		}
		if req.Path != "" {
			if _, err := ops.SafeJoin(cwd, req.Path); err != nil {
				return nil, err
			}
			args = append(args, "--", req.Path)
		}
		out, truncated, err := ops.Git(cwd, args...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": out, "truncated": truncated}, nil

	case envelope.TypeRPCRunStop:
		signal := req.Signal
		if signal == "" {
			signal = "SIGTERM"
		}
		if err := c.Mgr.StopRun(req.RunID, signal); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil

	case envelope.TypeRPCRunsList:
		return map[string]any{"runs": c.Mgr.ListRuns()}, nil

	default:
		return nil, relayerr.BadInput
	}
}

const fsReadMaxBytes = 2 * 1024 * 1024

// handleGatedRPC implements spec.md §4.6's "rpc.fs.write|rpc.bash:
// permission-gated" entry.
func (c *Client) handleGatedRPC(ctx context.Context, env envelope.Envelope) {
	var req rpcRequest
	if err := env.Decode(&req); err != nil {
		logger.Warn("bad gated rpc frame", "type", env.Type, "error", err)
		return
	}
	if req.RunID == "" {
		c.replyRPC(req.ID, false, nil, "run_id is required")
		return
	}
	cwd, err := c.Mgr.GetRunCwd(req.RunID)
	if err != nil {
		c.replyRPC(req.ID, false, nil, err.Error())
		return
	}

	var opTool, opArgsSummary, prompt string
	var opArgs map[string]any
	var execute func() (any, error)

	switch env.Type {
	case envelope.TypeRPCFSWrite:
		abs, err := ops.SafeJoin(cwd, req.Path)
		if err != nil {
			c.replyRPC(req.ID, false, nil, err.Error())
			return
		}
		opTool = "fs.write"
		opArgs = map[string]any{"path": req.Path, "bytes": len(req.Content)}
		opArgsSummary = summarize("path=", req.Path, 80)
		prompt = "Write " + req.Path + "?"
		execute = func() (any, error) {
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(abs, []byte(req.Content), 0644); err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path, "bytes_written": len(req.Content)}, nil
		}

	case envelope.TypeRPCBash:
		opTool = "bash"
		opArgs = map[string]any{"command": req.Command}
		opArgsSummary = summarize("cmd=", req.Command, 80)
		prompt = "Run `" + req.Command + "`?"
		execute = func() (any, error) {
			execCtx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
			defer cancel()
			res, err := ops.Bash(execCtx, cwd, req.Command)
			if err != nil {
				return nil, err
			}
			return map[string]any{"output": res.Output, "truncated": res.Truncated, "exit_code": res.ExitCode}, nil
		}

	default:
		c.replyRPC(req.ID, false, nil, "unsupported op")
		return
	}

	result, err := c.gateOp(ctx, req.RunID, req.Actor, opTool, opArgs, opArgsSummary, prompt, execute)
	if err != nil {
		errMsg := "denied"
		switch {
		case relayerr.Is(err, relayerr.Timeout):
			errMsg = "timeout"
		case relayerr.Is(err, relayerr.PermissionDenied):
			errMsg = "denied"
		default:
			errMsg = err.Error()
		}
		c.replyRPC(req.ID, false, nil, errMsg)
		return
	}
	c.replyRPC(req.ID, true, result, "")
}

// handleHostRPC implements spec.md §4.6's diagnostic rpc.host.* replies,
// enriched per SPEC_FULL.md §6 ("rpc.host.doctor enrichment").
func (c *Client) handleHostRPC(ctx context.Context, env envelope.Envelope) {
	var req rpcRequest
	if err := env.Decode(&req); err != nil {
		logger.Warn("bad rpc.host frame", "type", env.Type, "error", err)
		return
	}

	switch env.Type {
	case envelope.TypeRPCHostInfo:
		c.replyRPC(req.ID, true, map[string]any{
			"host_id": c.HostID,
			"tools":   c.Mgr.Adapters().Tools(),
		}, "")

	case envelope.TypeRPCHostCapabilities:
		c.replyRPC(req.ID, true, map[string]any{
			"tools": c.Mgr.Adapters().Tools(),
			"modes": []string{string(runner.ModeTUI), string(runner.ModeStructured), string(runner.ModeAuto)},
		}, "")

	case envelope.TypeRPCHostDoctor:
		c.replyRPC(req.ID, true, c.doctorReport(ctx), "")

	case envelope.TypeRPCHostLogsTail:
		result, err := c.tailLog(req)
		if err != nil {
			c.replyRPC(req.ID, false, nil, err.Error())
			return
		}
		c.replyRPC(req.ID, true, result, "")

	default:
		c.replyRPC(req.ID, false, nil, "unsupported host rpc")
	}
}

// doctorReport assembles the diagnostic payload described in
// SPEC_FULL.md §6: per-tool binary resolution state, spool backlog, and
// structured-mode probe cache entries — all information the run manager
// and spool already track.
func (c *Client) doctorReport(ctx context.Context) map[string]any {
	adapters := c.Mgr.Adapters()
	tools := adapters.Tools()

	perTool := make(map[string]any, len(tools))
	for _, name := range tools {
		adapter, err := adapters.Get(name)
		if err != nil {
			continue
		}
		_, specErr := adapter.Spec(os.TempDir(), "", runner.ModeTUI)
		entry := map[string]any{"resolved": specErr == nil}
		if specErr != nil {
			entry["error"] = specErr.Error()
		}
		if ok, found := c.Mgr.ProbeCache().Get(name); found {
			entry["probe_ok"] = ok
			entry["probe_found"] = true
		}
		perTool[name] = entry
	}

	report := map[string]any{"tools": perTool}
	if pending, err := c.Spool.PendingCount(ctx); err == nil {
		report["spool_pending"] = pending
	}
	return report
}

// tailLog reads LogPath (if set), trimming first by byte cap then by line
// count (spec.md §4.6 "tail-trimming by byte cap then by line count").
func (c *Client) tailLog(req rpcRequest) (map[string]any, error) {
	if c.LogPath == "" {
		return nil, relayerr.BadInput
	}
	maxBytes := req.Bytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxLines := req.Lines
	if maxLines <= 0 {
		maxLines = 200
	}

	f, err := os.Open(c.LogPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	start := int64(0)
	if size > int64(maxBytes) {
		start = size - int64(maxBytes)
	}
	buf := make([]byte, size-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return nil, err
	}

	lines := strings.Split(string(buf), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return map[string]any{"text": strings.Join(lines, "\n")}, nil
}
