package localapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alderwick/relay/internal/run"
	"github.com/alderwick/relay/internal/runner"
)

func newTestServer(t *testing.T) (*Server, *run.Manager, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolver := runner.NewResolver(nil)
	t.Cleanup(resolver.Close)
	probe := runner.NewProbeCache(time.Hour, 1000)
	t.Cleanup(probe.Close)
	reg := runner.NewRegistry(resolver, "auto")
	mgr := run.NewManager("host-test", "", reg, probe, 20*time.Millisecond, 4096, 2*time.Second)

	cwd := t.TempDir()
	runID, err := mgr.StartRun("shell", "cat", cwd, runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	t.Cleanup(func() { mgr.StopRun(runID, "SIGKILL") })

	s := New(mgr, filepath.Join(home, "relay-hostd.sock"))
	return s, mgr, runID
}

func TestHandleFSWriteThenRead(t *testing.T) {
	s, mgr, runID := newTestServer(t)
	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	cwd, err := mgr.GetRunCwd(runID)
	if err != nil {
		t.Fatalf("get run cwd: %v", err)
	}

	// Approve the pending permission in the background.
	go func() {
		deadline := time.After(2 * time.Second)
		sub := mgr.Bus().Subscribe()
		defer sub.Close()
		for {
			select {
			case env := <-sub.C():
				if env.Type == "run.permission_requested" {
					var data struct {
						RequestID string `json:"request_id"`
					}
					env.Decode(&data)
					mgr.DecidePermission(runID, "test", data.RequestID, true)
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	body, _ := json.Marshal(fsWriteRequest{Actor: "test", Path: "notes.txt", Content: "hello"})
	req, _ := http.NewRequest("POST", ts.URL+"/runs/"+runID+"/fs/write", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("write request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	data, err := os.ReadFile(filepath.Join(cwd, "notes.txt"))
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected 'hello', got %q", string(data))
	}

	resp2, err := http.Get(ts.URL + "/runs/" + runID + "/fs/read?path=notes.txt")
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	defer resp2.Body.Close()
	var readResp struct {
		Content string `json:"content"`
	}
	json.NewDecoder(resp2.Body).Decode(&readResp)
	if readResp.Content != "hello" {
		t.Fatalf("expected content 'hello', got %q", readResp.Content)
	}
}

func TestHandleFSReadRejectsPathEscape(t *testing.T) {
	s, _, runID := newTestServer(t)
	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/fs/read?path=../../etc/passwd")
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for path escape, got %d", resp.StatusCode)
	}
}

func TestHandleStartRunUnknownToolIsBadRequest(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	body, _ := json.Marshal(startRunRequest{Tool: "does-not-exist", CWD: t.TempDir()})
	resp, err := http.Post(ts.URL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleListRuns(t *testing.T) {
	s, _, runID := newTestServer(t)
	ts := httptest.NewServer(s.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Runs []run.Summary `json:"runs"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	found := false
	for _, r := range out.Runs {
		if r.RunID == runID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected run %s in list, got %+v", runID, out.Runs)
	}
}
