package localapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/ops"
)

const fsReadMaxBytes = 2 * 1024 * 1024

func safeJoin(cwd, rel string) (string, error) {
	return ops.SafeJoin(cwd, rel)
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.URL.Query().Get("actor")
	relPath := r.URL.Query().Get("path")

	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolCall, map[string]any{"actor": actor, "tool": "fs.read", "path": relPath})

	abs, err := safeJoin(cwd, relPath)
	if err != nil {
		s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "fs.read", "error": err.Error()})
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "fs.read", "error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	truncated := false
	if len(data) > fsReadMaxBytes {
		data = data[:fsReadMaxBytes]
		truncated = true
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "fs.read", "truncated": truncated})
	writeJSON(w, http.StatusOK, map[string]any{"content": string(data), "truncated": truncated})
}

func (s *Server) handleFSSearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.URL.Query().Get("actor")
	query := r.URL.Query().Get("q")

	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolCall, map[string]any{"actor": actor, "tool": "fs.search", "query": query})

	result, truncated, err := ops.Search(cwd, query)
	if err != nil {
		s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "fs.search", "error": err.Error()})
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mgr.EmitRunEvent(id, envelope.TypeToolResult, map[string]any{"actor": actor, "tool": "fs.search", "truncated": truncated})
	writeJSON(w, http.StatusOK, map[string]any{"output": result, "truncated": truncated})
}

type fsWriteRequest struct {
	Actor   string `json:"actor"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleFSWrite is permission-gated per spec.md §4.5/§4.7.
func (s *Server) handleFSWrite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fsWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	cwd, err := s.mgr.GetRunCwd(id)
	if err != nil {
		writeError(w, err)
		return
	}
	abs, err := safeJoin(cwd, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	summary := req.Path + " (" + strconv.Itoa(len(req.Content)) + " bytes)"
	result, err := gateOp(r.Context(), s.mgr, s.waiters, id, req.Actor, "fs.write",
		map[string]any{"path": req.Path, "bytes": len(req.Content)}, summary,
		"Write "+summary+"?",
		func() (any, error) {
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(abs, []byte(req.Content), 0644); err != nil {
				return nil, err
			}
			return map[string]any{"path": req.Path, "bytes_written": len(req.Content)}, nil
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
