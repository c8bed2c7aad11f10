package runner

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestProbeCache(t *testing.T, ttl time.Duration, maxRuns int) *ProbeCache {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	pc := NewProbeCache(ttl, maxRuns)
	t.Cleanup(pc.Close)
	return pc
}

func TestResolveModePassesThroughNonAuto(t *testing.T) {
	pc := newTestProbeCache(t, time.Hour, 5)
	called := false
	mode := pc.ResolveMode("codex", ModeTUI, func() bool { called = true; return true })
	if mode != ModeTUI {
		t.Fatalf("expected ModeTUI, got %v", mode)
	}
	if called {
		t.Fatalf("probe should not run for a pinned mode")
	}
}

func TestResolveModeProbesWhenEmpty(t *testing.T) {
	pc := newTestProbeCache(t, time.Hour, 5)
	calls := 0
	mode := pc.ResolveMode("codex", ModeAuto, func() bool { calls++; return true })
	if mode != ModeStructured {
		t.Fatalf("expected ModeStructured after successful probe, got %v", mode)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one probe, got %d", calls)
	}
}

func TestResolveModeCachesNegativeResult(t *testing.T) {
	pc := newTestProbeCache(t, time.Hour, 100)
	calls := 0
	probe := func() bool { calls++; return false }

	mode1 := pc.ResolveMode("opencode", ModeAuto, probe)
	mode2 := pc.ResolveMode("opencode", ModeAuto, probe)
	if mode1 != ModeTUI || mode2 != ModeTUI {
		t.Fatalf("expected both resolutions to fall back to TUI, got %v, %v", mode1, mode2)
	}
	if calls != 1 {
		t.Fatalf("expected the negative probe result to be cached (1 call), got %d", calls)
	}
}

func TestResolveModeReprobesAfterTTL(t *testing.T) {
	pc := newTestProbeCache(t, time.Millisecond, 1000)
	calls := 0
	probe := func() bool { calls++; return true }

	pc.ResolveMode("codex", ModeAuto, probe)
	time.Sleep(5 * time.Millisecond)
	pc.ResolveMode("codex", ModeAuto, probe)

	if calls != 2 {
		t.Fatalf("expected a reprobe after TTL expiry, got %d calls", calls)
	}
}

func TestResolveModeReprobesAfterRunCount(t *testing.T) {
	pc := newTestProbeCache(t, time.Hour, 2)
	calls := 0
	probe := func() bool { calls++; return true }

	pc.ResolveMode("codex", ModeAuto, probe) // probe #1, RunsSince reset to 0
	pc.ResolveMode("codex", ModeAuto, probe) // cached, RunsSince -> 1
	pc.ResolveMode("codex", ModeAuto, probe) // cached, RunsSince -> 2, hits maxRuns next call
	pc.ResolveMode("codex", ModeAuto, probe) // should reprobe

	if calls != 2 {
		t.Fatalf("expected reprobe once maxRuns elapsed, got %d calls", calls)
	}
}

func TestProbeCachePersistsAcrossInstances(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	pc1 := NewProbeCache(time.Hour, 100)
	pc1.Record("gemini", true)
	pc1.Close()

	pc2 := NewProbeCache(time.Hour, 100)
	defer pc2.Close()
	ok, found := pc2.Get("gemini")
	if !found || !ok {
		t.Fatalf("expected persisted positive probe result, got ok=%v found=%v", ok, found)
	}

	if _, err := filepath.Abs(pc2.path); err != nil {
		t.Fatalf("bad path: %v", err)
	}
}
