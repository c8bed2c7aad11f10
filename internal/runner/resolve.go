package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/alderwick/relay/internal/relayerr"
)

// shimMarker is embedded in relay's own shim wrapper scripts so Resolver
// can refuse to spawn through one and recurse forever (spec.md §4.3).
const shimMarker = "RELAY_SHIM_MARKER_DO_NOT_REMOVE"

const shimProbeBytes = 2048

// Resolver resolves a logical tool name to an executable path, honoring
// spec.md §4.3's precedence: env override, then ~/.relay/bin-map.json, then
// PATH lookup. The bin-map file is watched with fsnotify so edits apply to
// a running host without a restart.
type Resolver struct {
	mu          sync.RWMutex
	envOverride map[string]string // tool -> path, from RELAY_<TOOL>_BIN
	binMap      map[string]string // tool -> path, from ~/.relay/bin-map.json
	binMapPath  string
	watcher     *fsnotify.Watcher
}

// NewResolver builds a Resolver. envOverride is typically
// config.HostConfig.BinOverrides.
func NewResolver(envOverride map[string]string) *Resolver {
	r := &Resolver{envOverride: envOverride, binMap: map[string]string{}}
	if home, err := os.UserHomeDir(); err == nil {
		r.binMapPath = filepath.Join(home, ".relay", "bin-map.json")
	}
	r.reloadBinMap()
	r.startWatcher()
	return r
}

func (r *Resolver) reloadBinMap() {
	if r.binMapPath == "" {
		return
	}
	data, err := os.ReadFile(r.binMapPath)
	if err != nil {
		return
	}
	var m map[string]string
	if json.Unmarshal(data, &m) != nil {
		return
	}
	r.mu.Lock()
	r.binMap = m
	r.mu.Unlock()
}

// startWatcher watches bin-map.json for changes; failures to start a
// watcher (e.g. sandboxed environments without inotify) are non-fatal —
// the resolver simply won't pick up live edits.
func (r *Resolver) startWatcher() {
	if r.binMapPath == "" {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	dir := filepath.Dir(r.binMapPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.Close()
		return
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(r.binMapPath) {
					r.reloadBinMap()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// Close stops the bin-map watcher.
func (r *Resolver) Close() {
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Resolve returns the absolute path to tool's binary, applying spec.md
// §4.3's precedence and shim-recursion guard. The returned path is
// guaranteed to exist, be executable, and not be a relay shim.
func (r *Resolver) Resolve(tool string) (string, error) {
	candidate := r.candidate(tool)
	if candidate == "" {
		candidate = tool
	}

	path, err := lookPath(candidate)
	if err != nil {
		// lookPath only searches PATH; a literal path (from override/bin-map)
		// that isn't found on PATH may still be a direct filesystem path.
		if filepath.IsAbs(candidate) || strings.Contains(candidate, string(filepath.Separator)) {
			if st, statErr := os.Stat(candidate); statErr == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
				path = candidate
			} else {
				return "", fmt.Errorf("resolve %s: %w", tool, err)
			}
		} else {
			return "", fmt.Errorf("resolve %s: %w", tool, err)
		}
	}

	isShim, err := isShimBinary(path)
	if err != nil {
		return "", fmt.Errorf("probe %s for shim marker: %w", path, err)
	}
	if isShim {
		return "", fmt.Errorf("resolve %s: %w: %s is a relay shim — refusing to spawn to avoid recursion", tool, relayerr.PermissionDenied, path)
	}
	return path, nil
}

func (r *Resolver) candidate(tool string) string {
	key := strings.ToUpper(tool)
	if v, ok := r.envOverride[key]; ok && v != "" {
		return v
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.binMap[tool]; ok && v != "" {
		return v
	}
	return ""
}

// isShimBinary reads the first shimProbeBytes of path and checks for the
// embedded shim marker.
func isShimBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, shimProbeBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return bytes.Contains(buf[:n], []byte(shimMarker)), nil
}
