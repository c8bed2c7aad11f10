package run

import (
	"testing"
	"time"

	"github.com/alderwick/relay/internal/runner"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolver := runner.NewResolver(nil)
	t.Cleanup(resolver.Close)
	probe := runner.NewProbeCache(time.Hour, 1000)
	t.Cleanup(probe.Close)
	reg := runner.NewRegistry(resolver, "auto")
	return NewManager("host-test", "", reg, probe, 20*time.Millisecond, 4096, 2*time.Second)
}

func waitForEnvelope(t *testing.T, sub *Subscription, typ string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-sub.C():
			if env.Type == typ {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestStartRunShellEmitsStartedAndOutput(t *testing.T) {
	m := newTestManager(t)
	sub := m.Bus().Subscribe()
	defer sub.Close()

	runID, err := m.StartRun("shell", "echo hello-relay", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if runID == "" {
		t.Fatalf("expected non-empty run id")
	}

	if !waitForEnvelope(t, sub, "run.started", time.Second) {
		t.Fatalf("expected run.started envelope")
	}
	if !waitForEnvelope(t, sub, "run.output", 2*time.Second) {
		t.Fatalf("expected run.output envelope")
	}
}

func TestStartRunUnknownToolFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartRun("nonexistent-tool", "", t.TempDir(), runner.ModeTUI)
	if err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}

func TestSendInputUnknownRunIsNotFound(t *testing.T) {
	m := newTestManager(t)
	err := m.SendInput("run-does-not-exist", "user", "input-1", "hi")
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestSendInputDuplicateInputIDIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	runID, err := m.StartRun("shell", "cat", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer m.StopRun(runID, "SIGKILL")

	if err := m.SendInput(runID, "user", "dup-1", "hello\n"); err != nil {
		t.Fatalf("first send_input: %v", err)
	}
	if err := m.SendInput(runID, "user", "dup-1", "hello\n"); err != nil {
		t.Fatalf("duplicate send_input should succeed as a no-op: %v", err)
	}
}

func TestResizeRunClampsDimensions(t *testing.T) {
	m := newTestManager(t)
	runID, err := m.StartRun("shell", "cat", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer m.StopRun(runID, "SIGKILL")

	if err := m.ResizeRun(runID, 1, 1000); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

func TestStopRunUnknownIsNotFound(t *testing.T) {
	m := newTestManager(t)
	if err := m.StopRun("run-missing", "SIGTERM"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestListRunsReflectsLiveRun(t *testing.T) {
	m := newTestManager(t)
	runID, err := m.StartRun("shell", "cat", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer m.StopRun(runID, "SIGKILL")

	found := false
	for _, s := range m.ListRuns() {
		if s.RunID == runID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in ListRuns output", runID)
	}
}

func TestDecidePermissionOnUnknownRunRequestIDIsNoop(t *testing.T) {
	m := newTestManager(t)
	runID, err := m.StartRun("shell", "cat", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer m.StopRun(runID, "SIGKILL")

	if err := m.DecidePermission(runID, "user", "req-does-not-exist", true); err != nil {
		t.Fatalf("expected nil error for stale request_id, got %v", err)
	}
}

// A decision that arrives before its matching permission request must not
// poison the run's processed-input set: the later, real request for the
// same request_id has to still resolve (spec.md §8).
func TestDecidePermissionArrivingBeforeRequestDoesNotSwallowLaterDecision(t *testing.T) {
	m := newTestManager(t)
	runID, err := m.StartRun("shell", "cat", t.TempDir(), runner.ModeTUI)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer m.StopRun(runID, "SIGKILL")

	r, ok := m.registry.get(runID)
	if !ok {
		t.Fatalf("run %s not found in registry", runID)
	}

	const reqID = "req-race"

	// Premature decision: no PendingPermission set yet for reqID.
	if err := m.DecidePermission(runID, "user", reqID, true); err != nil {
		t.Fatalf("premature decision should be a no-op, got error: %v", err)
	}

	// The real request now arrives.
	r.setPendingPermission(&PendingPermission{
		RequestID:   reqID,
		Reason:      "permission",
		ApproveText: "y\n",
		DenyText:    "n\n",
	})
	r.setStatus(StatusAwaitingApproval)

	if err := m.DecidePermission(runID, "user", reqID, true); err != nil {
		t.Fatalf("real decision failed: %v", err)
	}

	if p := r.PendingPermission(); p != nil {
		t.Fatalf("expected pending permission to be cleared after decision, got %+v", p)
	}
	if got := r.Status(); got != StatusRunning {
		t.Fatalf("expected run to resume running after decision, got %s", got)
	}
}
