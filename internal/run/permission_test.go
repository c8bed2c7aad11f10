package run

import "testing"

func TestWaitersResolveDeliversDecision(t *testing.T) {
	w := NewWaiters()
	ch := w.Register("run-1", "req-1")
	if !w.Resolve("run-1", "req-1", true) {
		t.Fatalf("expected resolve to find the registered waiter")
	}
	if got := <-ch; !got {
		t.Fatalf("expected true decision, got %v", got)
	}
}

func TestWaitersResolveUnknownIsNoop(t *testing.T) {
	w := NewWaiters()
	if w.Resolve("run-1", "req-ghost", true) {
		t.Fatalf("expected resolve of unknown request_id to report not found")
	}
}

func TestWaitersResolveIsOnceOnly(t *testing.T) {
	w := NewWaiters()
	w.Register("run-1", "req-1")
	if !w.Resolve("run-1", "req-1", true) {
		t.Fatalf("first resolve should succeed")
	}
	if w.Resolve("run-1", "req-1", false) {
		t.Fatalf("second resolve of the same request_id must be a no-op")
	}
}

func TestWaitersResolveAllForRunDeniesEverything(t *testing.T) {
	w := NewWaiters()
	ch1 := w.Register("run-1", "req-1")
	ch2 := w.Register("run-1", "req-2")
	otherCh := w.Register("run-2", "req-1")

	w.ResolveAllForRun("run-1")

	if got := <-ch1; got {
		t.Fatalf("expected denied-by-default for req-1")
	}
	if got := <-ch2; got {
		t.Fatalf("expected denied-by-default for req-2")
	}

	select {
	case <-otherCh:
		t.Fatalf("run-2's waiter must not be resolved by run-1's cleanup")
	default:
	}
}

func TestWaitersForgetRemovesWithoutResolving(t *testing.T) {
	w := NewWaiters()
	w.Register("run-1", "req-1")
	w.Forget("run-1", "req-1")
	if w.Resolve("run-1", "req-1", true) {
		t.Fatalf("expected forgotten waiter to no longer be resolvable")
	}
}
