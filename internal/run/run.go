package run

import (
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/alderwick/relay/internal/runner"
)

// Status is a run's lifecycle state (spec.md §3).
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingInput    Status = "awaiting_input"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExited           Status = "exited"
)

const (
	stdinLineBufMax = 64 * 1024
	fsReadMax       = 2 * 1024 * 1024
)

// Run represents one live tool invocation. Per spec.md §5, mutable state is
// split into per-field fine-grained locks rather than one coarse mutex, so
// the output pump flushing PTY bytes never blocks an input write or vice
// versa.
type Run struct {
	ID      string
	HostID  string
	Tool    string
	CWD     string
	Command string

	StartedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File // nil for structured adapters

	promptRegex *regexp.Regexp
	structured  bool
	mode        runner.Mode

	// statusMu guards status/pending/timestamps — the fields the server's
	// persistence layer and the Local API both read and the output pump and
	// permission decisions both write.
	statusMu      sync.Mutex
	status        Status
	lastActiveAt  time.Time
	endedAt       *time.Time
	exitCode      *int
	pendingPerm   *PendingPermission
	pid           int

	// seqMu guards the monotonic per-run seq counter — the single producer
	// invariant from spec.md §3.
	seqMu   sync.Mutex
	nextSeq int64

	// inputMu guards the idempotency set and the raw-byte line buffer fed by
	// write_stdin_bytes.
	inputMu        sync.Mutex
	processedInput map[string]struct{}
	lineBuf        []byte

	// writerMu guards the single writer (PTY fd or structured runtime) so
	// concurrent send_input/decide_permission calls don't interleave bytes.
	writerMu sync.Mutex
	writer   inputWriter

	// structuredMu guards Codex-MCP/OpenCode runtime state, kept out of
	// statusMu so a long-running structured prompt doesn't stall status
	// reads.
	structuredMu sync.Mutex
	codex        *codexState
	opencode     *opencodeState

	bus *Bus
}

// inputWriter abstracts "write text to the child" across PTY and structured
// adapters.
type inputWriter interface {
	WriteInput(text string) error
}

func (r *Run) nextSequence() int64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.nextSeq++
	return r.nextSeq
}

// Status returns the run's current lifecycle status.
func (r *Run) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.status
}

// setStatus transitions status and bumps last_active_at, observing the
// coalescing rule from spec.md §4.8 (the HostD side doesn't need the
// 1-second coalesce — that's the server's write-amplification concern — but
// last_active_at is still tracked locally for doctor/diagnostics).
func (r *Run) setStatus(s Status) {
	r.statusMu.Lock()
	r.status = s
	r.lastActiveAt = time.Now()
	r.statusMu.Unlock()
}

func (r *Run) touch() {
	r.statusMu.Lock()
	r.lastActiveAt = time.Now()
	r.statusMu.Unlock()
}

// PendingPermission returns the run's current pending permission, if any.
func (r *Run) PendingPermission() *PendingPermission {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return r.pendingPerm
}

// setPendingPermission installs p as the run's sole pending permission.
// Per spec.md §4.7's invariant, a run has at most one pending permission;
// callers must check PendingPermission() == nil under the same lock
// ordering discipline (only the output pump / RPC handler installs one, and
// only after confirming none exists).
func (r *Run) setPendingPermission(p *PendingPermission) {
	r.statusMu.Lock()
	r.pendingPerm = p
	r.statusMu.Unlock()
}

func (r *Run) clearPendingPermission() {
	r.statusMu.Lock()
	r.pendingPerm = nil
	r.statusMu.Unlock()
}

// markProcessed records id as handled and reports whether it was already
// present (i.e. this call is a duplicate).
func (r *Run) markProcessed(id string) (alreadyDone bool) {
	r.inputMu.Lock()
	defer r.inputMu.Unlock()
	if _, ok := r.processedInput[id]; ok {
		return true
	}
	r.processedInput[id] = struct{}{}
	return false
}

func (r *Run) resize(cols, rows int) error {
	if r.ptmx == nil {
		return nil // no-op for structured runs, per spec.md §4.4
	}
	if cols < 2 {
		cols = 2
	}
	if cols > 500 {
		cols = 500
	}
	if rows < 1 {
		rows = 1
	}
	if rows > 200 {
		rows = 200
	}
	return pty.Setsize(r.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Registry is the process-wide run_id → *Run map. Per spec.md §5, readers
// predominate so it is guarded by an RWMutex.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]*Run{}}
}

func (reg *Registry) put(r *Run) {
	reg.mu.Lock()
	reg.runs[r.ID] = r
	reg.mu.Unlock()
}

func (reg *Registry) get(id string) (*Run, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runs[id]
	return r, ok
}

func (reg *Registry) remove(id string) {
	reg.mu.Lock()
	delete(reg.runs, id)
	reg.mu.Unlock()
}

// List returns a snapshot of every live run.
func (reg *Registry) List() []*Run {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Run, 0, len(reg.runs))
	for _, r := range reg.runs {
		out = append(out, r)
	}
	return out
}

// Summary is the observability-friendly view of a Run returned by list_runs.
type Summary struct {
	RunID     string     `json:"run_id"`
	HostID    string     `json:"host_id"`
	Tool      string     `json:"tool"`
	CWD       string     `json:"cwd"`
	Command   string     `json:"command"`
	PID       int        `json:"pid"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Summary snapshots r into a Summary.
func (r *Run) Summary() Summary {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	return Summary{
		RunID:     r.ID,
		HostID:    r.HostID,
		Tool:      r.Tool,
		CWD:       r.CWD,
		Command:   r.Command,
		PID:       r.pid,
		Status:    r.status,
		StartedAt: r.StartedAt,
		EndedAt:   r.endedAt,
		ExitCode:  r.exitCode,
	}
}
