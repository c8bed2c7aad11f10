package localapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/alderwick/relay/internal/ops"
)

const bashDefaultTimeout = 120 * time.Second

type bashRequest struct {
	Actor   string `json:"actor"`
	Command string `json:"command"`
}

// handleBash is permission-gated per spec.md §4.5/§4.7: a tool invoking it
// must wait for an operator decision before the command runs.
func (s *Server) handleBash(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req bashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	if req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}
	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := gateOp(r.Context(), s.mgr, s.waiters, id, req.Actor, "bash",
		map[string]any{"command": req.Command}, req.Command,
		"Run `"+req.Command+"`?",
		func() (any, error) {
			execCtx, cancel := context.WithTimeout(context.Background(), bashDefaultTimeout)
			defer cancel()
			res, err := ops.Bash(execCtx, cwd, req.Command)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"output":    res.Output,
				"truncated": res.Truncated,
				"exit_code": res.ExitCode,
			}, nil
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
