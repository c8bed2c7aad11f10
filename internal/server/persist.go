package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/logger"
)

// activeThrottle coalesces high-frequency "touch" writes (run last_active_at
// on every run.output, host last_seen_at on every heartbeat) to the rates
// spec.md §4.8 calls for: at most once a second per run, once per 5s per
// host.
type activeThrottle struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newActiveThrottle() *activeThrottle {
	return &activeThrottle{last: make(map[string]time.Time)}
}

// allow reports whether key may be written now, given interval.
func (t *activeThrottle) allow(key string, interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[key]
	now := time.Now()
	if ok && now.Sub(last) < interval {
		return false
	}
	t.last[key] = now
	return true
}

type permissionData struct {
	RequestID     string `json:"request_id"`
	Reason        string `json:"reason"`
	Prompt        string `json:"prompt"`
	OpTool        string `json:"op_tool"`
	OpArgsSummary string `json:"op_args_summary"`
}

type awaitingInputData struct {
	RequestID string `json:"request_id"`
}

type toolResultData struct {
	RequestID string `json:"request_id"`
}

type runStartedData struct {
	Tool    string `json:"tool"`
	CWD     string `json:"cwd"`
	Command string `json:"command"`
}

type runExitedData struct {
	ExitCode int `json:"exit_code"`
}

// persistHostEvent applies one inbound envelope from hostID to the store:
// durable envelopes are recorded in the events table (idempotent on
// (run_id, seq)) and, on first sight, drive the run's status transition per
// spec.md §4.8's rules. Returns the wire bytes to fan out to apps, or nil if
// the envelope should not be re-broadcast (a duplicate replay).
func (srv *Server) persistHostEvent(hostID string, env envelope.Envelope) []byte {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	if env.RunID != "" {
		srv.routing.set(env.RunID, hostID)
	}

	isNew := true
	if env.Durable() {
		raw, err := json.Marshal(env)
		if err != nil {
			logger.Error("marshal event for persistence failed", "error", err)
			return nil
		}
		inserted, err := srv.store.InsertEvent(EventRow{
			RunID: env.RunID, Seq: *env.Seq, HostID: hostID,
			Type: env.Type, TS: env.TS.Format(time.RFC3339Nano), JSON: string(raw),
		})
		if err != nil {
			logger.Error("persist event failed", "error", err, "type", env.Type)
			return nil
		}
		isNew = inserted
	}

	if isNew && env.RunID != "" {
		srv.applyStatusTransition(env, nowStr)
	}

	if srv.activeAt.allow("host:"+hostID, 5*time.Second) {
		if err := srv.store.TouchHostLastSeen(hostID, nowStr); err != nil {
			logger.Error("touch host last_seen failed", "error", err)
		}
	}

	if !isNew {
		return nil // replayed envelope: already broadcast the first time.
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

// applyStatusTransition updates the runs table per spec.md §4.8's bullet
// list for event type -> status/pending-column effect.
func (srv *Server) applyStatusTransition(env envelope.Envelope, now string) {
	switch env.Type {
	case envelope.TypeRunStarted:
		var d runStartedData
		env.Decode(&d)
		if err := srv.store.UpsertRun(RunRow{
			ID: env.RunID, HostID: env.HostID, Tool: d.Tool, CWD: d.CWD,
			Command: d.Command, Status: "running", StartedAt: now,
		}); err != nil {
			logger.Error("upsert run failed", "error", err, "run_id", env.RunID)
		}

	case envelope.TypeRunAwaitingInput:
		var d awaitingInputData
		env.Decode(&d)
		status := "awaiting_input"
		if d.RequestID != "" {
			status = "awaiting_approval"
		}
		if err := srv.store.UpdateRunStatus(env.RunID, status, now); err != nil {
			logger.Error("update run status failed", "error", err, "run_id", env.RunID)
		}

	case envelope.TypePermissionRequested:
		var d permissionData
		env.Decode(&d)
		if err := srv.store.SetRunPending(env.RunID, "awaiting_approval", d.RequestID, d.Reason, d.Prompt, d.OpTool, d.OpArgsSummary, now); err != nil {
			logger.Error("set run pending failed", "error", err, "run_id", env.RunID)
		}

	case envelope.TypeRunInput:
		if err := srv.store.ClearRunPending(env.RunID, "running", now); err != nil {
			logger.Error("clear run pending failed", "error", err, "run_id", env.RunID)
		}

	case envelope.TypeToolResult:
		var d toolResultData
		env.Decode(&d)
		if d.RequestID == "" {
			srv.touchRunActive(env.RunID, now)
			return
		}
		pending, err := srv.store.PendingRequestID(env.RunID)
		if err != nil {
			logger.Error("read pending request id failed", "error", err, "run_id", env.RunID)
			return
		}
		if pending == d.RequestID {
			if err := srv.store.ClearRunPending(env.RunID, "running", now); err != nil {
				logger.Error("clear run pending failed", "error", err, "run_id", env.RunID)
			}
		}

	case envelope.TypeRunExited:
		var d runExitedData
		env.Decode(&d)
		if err := srv.store.SetRunExited(env.RunID, d.ExitCode, now); err != nil {
			logger.Error("set run exited failed", "error", err, "run_id", env.RunID)
		}

	default:
		srv.touchRunActive(env.RunID, now)
	}
}

func (srv *Server) touchRunActive(runID, now string) {
	if !srv.activeAt.allow("run:"+runID, time.Second) {
		return
	}
	if err := srv.store.TouchRunActive(runID, now); err != nil {
		logger.Error("touch run active failed", "error", err, "run_id", runID)
	}
}
