// Package localapi implements HostD's Unix-socket HTTP front: the
// interface the relay CLI and an agent's own MCP side channel use to
// start/stop runs, write input, and invoke permission-gated filesystem,
// Git, and shell helpers (spec.md §4.5). Modeled on the teacher's
// http.ServeMux method-pattern routing (internal/relay/server.go).
package localapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alderwick/relay/internal/logger"
	"github.com/alderwick/relay/internal/relayerr"
	"github.com/alderwick/relay/internal/run"
	"github.com/alderwick/relay/internal/runner"
)

// Server is the Unix-socket HTTP listener described in spec.md §4.5/§6.3.
type Server struct {
	mgr        *run.Manager
	waiters    *run.Waiters
	sockPath   string
	mux        *http.ServeMux
	httpServer *http.Server
}

// New builds a Local API server bound to sockPath (e.g.
// $HOME/.relay/relay-hostd.sock).
func New(mgr *run.Manager, sockPath string) *Server {
	s := &Server{mgr: mgr, waiters: mgr.Waiters(), sockPath: sockPath, mux: http.NewServeMux()}
	s.routes()
	s.httpServer = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /runs", s.handleStartRun)
	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("POST /runs/{id}/input", s.handleSendInput)
	s.mux.HandleFunc("POST /runs/{id}/stop", s.handleStopRun)
	s.mux.HandleFunc("POST /runs/{id}/stdin", s.handleStdin)
	s.mux.HandleFunc("GET /runs/{id}/stdout", s.handleStdout)
	s.mux.HandleFunc("POST /runs/{id}/resize", s.handleResize)
	s.mux.HandleFunc("GET /runs/{id}/fs/read", s.handleFSRead)
	s.mux.HandleFunc("GET /runs/{id}/fs/search", s.handleFSSearch)
	s.mux.HandleFunc("POST /runs/{id}/fs/write", s.handleFSWrite)
	s.mux.HandleFunc("POST /runs/{id}/bash", s.handleBash)
	s.mux.HandleFunc("GET /runs/{id}/git/status", s.handleGitStatus)
	s.mux.HandleFunc("GET /runs/{id}/git/diff", s.handleGitDiff)
}

// ListenAndServe removes any stale socket file, binds a new one, and serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.sockPath)
	if err := os.MkdirAll(filepath.Dir(s.sockPath), 0755); err != nil {
		return err
	}
	lis, err := net.Listen("unix", s.sockPath)
	if err != nil {
		return err
	}
	os.Chmod(s.sockPath, 0600)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case relayerr.Is(err, relayerr.NotFound), relayerr.Is(err, relayerr.BadInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case relayerr.Is(err, relayerr.Timeout):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": "timeout"})
	case relayerr.Is(err, relayerr.PermissionDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "denied"})
	default:
		logger.Error("local api error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type startRunRequest struct {
	Tool    string `json:"tool"`
	Command string `json:"command"`
	CWD     string `json:"cwd"`
	Mode    string `json:"mode"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tool is required"})
		return
	}
	mode := runner.Mode(req.Mode)
	if mode == "" {
		mode = runner.ModeTUI
	}
	runID, err := s.mgr.StartRun(req.Tool, req.Command, req.CWD, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.mgr.ListRuns()})
}

type sendInputRequest struct {
	Actor   string `json:"actor"`
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

func (s *Server) handleSendInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req sendInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	if err := s.mgr.SendInput(id, req.Actor, req.InputID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type stopRunRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req stopRunRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Signal == "" {
		req.Signal = "SIGTERM"
	}
	if err := s.mgr.StopRun(id, req.Signal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStdin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	actor := r.URL.Query().Get("actor")
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			if wErr := s.mgr.WriteStdinBytes(id, actor, buf[:n]); wErr != nil {
				writeError(w, wErr)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStdout subscribes to the run's output stream and relays raw bytes,
// per the resolved Open Question in SPEC_FULL.md §9: /stdout streams
// application/octet-stream, not line-buffered text.
func (s *Server) handleStdout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.mgr.GetRun(id); err != nil {
		writeError(w, err)
		return
	}
	sub := s.mgr.Bus().Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if env.RunID != id || env.Type != "run.output" {
				continue
			}
			var data struct {
				Text string `json:"text"`
			}
			env.Decode(&data)
			w.Write([]byte(data.Text))
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			return
		}
	}
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json body"})
		return
	}
	if err := s.mgr.ResizeRun(id, req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
