package localapi

import (
	"net/http"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/ops"
)

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.URL.Query().Get("actor")

	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolCall, map[string]any{"actor": actor, "tool": "git.status"})

	out, truncated, err := ops.Git(cwd, "status", "--porcelain=v1", "--branch")
	if err != nil {
		s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "git.status", "error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "git.status", "truncated": truncated})
	writeJSON(w, http.StatusOK, map[string]any{"output": out, "truncated": truncated})
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.URL.Query().Get("actor")
	path := r.URL.Query().Get("path")
	staged := r.URL.Query().Get("staged") == "true"

	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolCall, map[string]any{"actor": actor, "tool": "git.diff", "path": path, "staged": staged})

	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if path != "" {
		if _, safeErr := safeJoin(cwd, path); safeErr != nil {
			s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "git.diff", "error": safeErr.Error()})
			writeError(w, safeErr)
			return
		}
		args = append(args, "--", path)
	}

	out, truncated, err := ops.Git(cwd, args...)
	if err != nil {
		s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "git.diff", "error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "git.diff", "truncated": truncated})
	writeJSON(w, http.StatusOK, map[string]any{"output": out, "truncated": truncated})
}
