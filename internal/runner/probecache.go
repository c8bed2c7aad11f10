package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// probeEntry is one tool's cached structured-mode probe result (spec.md
// §9 "Structured-vs-TUI auto mode").
type probeEntry struct {
	OK        bool      `json:"ok"`
	ProbedAt  time.Time `json:"probed_at"`
	RunsSince int       `json:"runs_since"`
}

// ProbeCache persists, per tool, whether structured-mode spawning last
// succeeded, so `auto` mode doesn't reprobe every run. It's a flat JSON
// file under the relay home directory, watched with fsnotify so external
// edits (or a stale run clearing the file) are picked up live — mirroring
// Resolver's bin-map watch.
type ProbeCache struct {
	mu      sync.Mutex
	path    string
	ttl     time.Duration
	maxRuns int
	entries map[string]probeEntry
	watcher *fsnotify.Watcher
}

// NewProbeCache loads (or initializes empty) the probe cache at the default
// location, ~/.relay/probe-cache.json.
func NewProbeCache(ttl time.Duration, maxRuns int) *ProbeCache {
	pc := &ProbeCache{
		ttl:     ttl,
		maxRuns: maxRuns,
		entries: map[string]probeEntry{},
	}
	if home, err := os.UserHomeDir(); err == nil {
		pc.path = filepath.Join(home, ".relay", "probe-cache.json")
	}
	pc.load()
	pc.startWatcher()
	return pc
}

func (pc *ProbeCache) load() {
	if pc.path == "" {
		return
	}
	data, err := os.ReadFile(pc.path)
	if err != nil {
		return
	}
	var m map[string]probeEntry
	if json.Unmarshal(data, &m) != nil {
		return
	}
	pc.mu.Lock()
	pc.entries = m
	pc.mu.Unlock()
}

func (pc *ProbeCache) save() {
	if pc.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(pc.path), 0755); err != nil {
		return
	}
	pc.mu.Lock()
	data, err := json.MarshalIndent(pc.entries, "", "  ")
	pc.mu.Unlock()
	if err != nil {
		return
	}
	_ = os.WriteFile(pc.path, data, 0644)
}

func (pc *ProbeCache) startWatcher() {
	if pc.path == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := w.Add(filepath.Dir(pc.path)); err != nil {
		w.Close()
		return
	}
	pc.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(pc.path) {
					pc.load()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Close stops the watcher.
func (pc *ProbeCache) Close() {
	if pc.watcher != nil {
		pc.watcher.Close()
	}
}

// ShouldProbe reports whether tool needs a fresh structured-mode probe
// before this run: empty cache, stale TTL, or the configured run-count
// since the last probe has elapsed (spec.md §9).
func (pc *ProbeCache) ShouldProbe(tool string) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.entries[tool]
	if !ok {
		return true
	}
	if time.Since(e.ProbedAt) > pc.ttl {
		return true
	}
	if pc.maxRuns > 0 && e.RunsSince >= pc.maxRuns {
		return true
	}
	return false
}

// Get returns the cached probe result for tool, if any.
func (pc *ProbeCache) Get(tool string) (ok bool, found bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, present := pc.entries[tool]
	if !present {
		return false, false
	}
	return e.OK, true
}

// Record stores a fresh probe result (success or failure — a failed probe
// is cached too, so auto mode stops retrying until TTL or run-count lapse).
func (pc *ProbeCache) Record(tool string, ok bool) {
	pc.mu.Lock()
	pc.entries[tool] = probeEntry{OK: ok, ProbedAt: time.Now(), RunsSince: 0}
	pc.mu.Unlock()
	pc.save()
}

// NoteRun increments the runs-since-probe counter for tool, used to trigger
// a reprobe after RELAY_TOOL_MODE_AUTO_RUNS runs even within the TTL window.
func (pc *ProbeCache) NoteRun(tool string) {
	pc.mu.Lock()
	if e, ok := pc.entries[tool]; ok {
		e.RunsSince++
		pc.entries[tool] = e
	}
	pc.mu.Unlock()
	pc.save()
}

// ResolveMode turns a configured Mode (possibly ModeAuto) into a concrete
// ModeTUI/ModeStructured decision for tool, per spec.md §9. probeFn is
// invoked only when a fresh probe is actually needed.
func (pc *ProbeCache) ResolveMode(tool string, configured Mode, probeFn func() bool) Mode {
	if configured != ModeAuto {
		return configured
	}
	if pc.ShouldProbe(tool) {
		ok := probeFn()
		pc.Record(tool, ok)
		if ok {
			return ModeStructured
		}
		return ModeTUI
	}
	pc.NoteRun(tool)
	if ok, found := pc.Get(tool); found && ok {
		return ModeStructured
	}
	return ModeTUI
}
