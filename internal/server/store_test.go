package server

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHostTokenRegisterAndLookup(t *testing.T) {
	st := newTestStore(t)

	if _, found, err := st.HostTokenHash("host-1"); err != nil || found {
		t.Fatalf("expected no existing host, found=%v err=%v", found, err)
	}
	if err := st.RegisterHost("host-1", "hash-abc", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("register host: %v", err)
	}
	hash, found, err := st.HostTokenHash("host-1")
	if err != nil || !found {
		t.Fatalf("expected registered host, found=%v err=%v", found, err)
	}
	if hash != "hash-abc" {
		t.Fatalf("expected hash-abc, got %q", hash)
	}
}

func TestUpsertRunAndStatusTransitions(t *testing.T) {
	st := newTestStore(t)

	if err := st.UpsertRun(RunRow{
		ID: "run-1", HostID: "host-1", Tool: "shell", CWD: "/tmp", Command: "bash",
		Status: "running", StartedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	if err := st.SetRunPending("run-1", "awaiting_approval", "req-1", "permission", "run `rm -rf`?", "bash", "rm -rf", "2026-01-01T00:00:01Z"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	pending, err := st.PendingRequestID("run-1")
	if err != nil {
		t.Fatalf("pending request id: %v", err)
	}
	if pending != "req-1" {
		t.Fatalf("expected pending req-1, got %q", pending)
	}

	if err := st.ClearRunPending("run-1", "running", "2026-01-01T00:00:02Z"); err != nil {
		t.Fatalf("clear pending: %v", err)
	}
	pending, err = st.PendingRequestID("run-1")
	if err != nil {
		t.Fatalf("pending request id: %v", err)
	}
	if pending != "" {
		t.Fatalf("expected cleared pending, got %q", pending)
	}

	if err := st.SetRunExited("run-1", 0, "2026-01-01T00:00:03Z"); err != nil {
		t.Fatalf("set exited: %v", err)
	}
	runs, err := st.ListRuns()
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "exited" {
		t.Fatalf("expected one exited run, got %+v", runs)
	}
}

func TestGetRunHostIDFallback(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpsertRun(RunRow{
		ID: "run-2", HostID: "host-2", Tool: "shell", CWD: "/tmp", Command: "bash",
		Status: "running", StartedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("upsert run: %v", err)
	}
	hostID, err := st.GetRunHostID("run-2")
	if err != nil {
		t.Fatalf("get run host id: %v", err)
	}
	if hostID != "host-2" {
		t.Fatalf("expected host-2, got %q", hostID)
	}
	if _, err := st.GetRunHostID("nonexistent"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestInsertEventIdempotent(t *testing.T) {
	st := newTestStore(t)
	row := EventRow{RunID: "run-3", Seq: 1, HostID: "host-1", Type: "run.output", TS: "2026-01-01T00:00:00Z", JSON: `{"type":"run.output"}`}

	inserted, err := st.InsertEvent(row)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted=true")
	}

	inserted, err = st.InsertEvent(row)
	if err != nil {
		t.Fatalf("insert event again: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate (run_id, seq) insert to report inserted=false")
	}

	events, err := st.ListEventsSince("run-3", 0, 10)
	if err != nil {
		t.Fatalf("list events since: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one stored event, got %d", len(events))
	}
}
