package spool

import (
	"context"
	"testing"
	"time"

	"github.com/alderwick/relay/internal/envelope"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkEnv(runID string, seq int64) envelope.Envelope {
	s := seq
	return envelope.Envelope{Type: envelope.TypeRunOutput, TS: time.Now().UTC(), RunID: runID, Seq: &s}
}

func TestInsertIsIdempotent(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	env := mkEnv("run-1", 1)
	if err := s.Insert(ctx, env); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, env); err != nil {
		t.Fatalf("duplicate insert should be ignored, not error: %v", err)
	}
	pending, err := s.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one event after duplicate insert, got %d", len(pending))
	}
}

func TestApplyAckTruncatesPending(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 4; seq++ {
		if err := s.Insert(ctx, mkEnv("run-1", seq)); err != nil {
			t.Fatalf("insert seq %d: %v", seq, err)
		}
	}
	if err := s.ApplyAck(ctx, "run-1", 2); err != nil {
		t.Fatalf("apply ack: %v", err)
	}
	pending, err := s.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, e := range pending {
		if *e.Seq <= 2 {
			t.Fatalf("pending returned acked seq %d", *e.Seq)
		}
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events (seq 3,4), got %d", len(pending))
	}
}

func TestApplyAckIsMonotonic(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		_ = s.Insert(ctx, mkEnv("run-1", seq))
	}
	if err := s.ApplyAck(ctx, "run-1", 4); err != nil {
		t.Fatalf("ack 4: %v", err)
	}
	// A stale ack for an older seq must not move the watermark backward.
	if err := s.ApplyAck(ctx, "run-1", 2); err != nil {
		t.Fatalf("ack 2: %v", err)
	}
	pending, _ := s.Pending(ctx, 100)
	if len(pending) != 1 || *pending[0].Seq != 5 {
		t.Fatalf("watermark regressed: pending=%v", pending)
	}
}

func TestPendingOrderedAcrossRuns(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	_ = s.Insert(ctx, mkEnv("run-b", 1))
	_ = s.Insert(ctx, mkEnv("run-a", 2))
	_ = s.Insert(ctx, mkEnv("run-a", 1))
	pending, err := s.Pending(ctx, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 events, got %d", len(pending))
	}
	if pending[0].RunID != "run-a" || *pending[0].Seq != 1 {
		t.Fatalf("expected run-a seq 1 first, got %+v", pending[0])
	}
	if pending[1].RunID != "run-a" || *pending[1].Seq != 2 {
		t.Fatalf("expected run-a seq 2 second, got %+v", pending[1])
	}
}

func TestPruneBefore(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	old := mkEnv("run-1", 1)
	old.TS = time.Now().Add(-100 * time.Hour)
	_ = s.Insert(ctx, old)
	_ = s.Insert(ctx, mkEnv("run-1", 2))

	n, err := s.PruneBefore(ctx, time.Now().Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
}
