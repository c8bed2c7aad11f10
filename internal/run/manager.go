package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/alderwick/relay/internal/envelope"
	"github.com/alderwick/relay/internal/relayerr"
	"github.com/alderwick/relay/internal/runner"
)

// Manager owns the run registry and every operation on it (spec.md §4.4).
// It has no knowledge of the spool or the upstream link — it only produces
// envelopes onto its Bus; wiring those to durable storage and the network
// is the upstream link's job (internal/upstream), keeping the run manager
// testable in isolation.
type Manager struct {
	HostID string

	registry   *Registry
	bus        *Bus
	waiters    *Waiters
	adapters   *runner.Registry
	probeCache *runner.ProbeCache
	hostdSock  string

	ptyFlushInterval time.Duration
	ptyMaxBatchBytes int
	probeTimeout     time.Duration
}

// NewManager constructs a Manager. hostdSock is the local unix socket path
// injected into every child's RELAY_HOSTD_SOCK env var.
func NewManager(hostID, hostdSock string, adapters *runner.Registry, probeCache *runner.ProbeCache, flushInterval time.Duration, maxBatchBytes int, probeTimeout time.Duration) *Manager {
	return &Manager{
		HostID:           hostID,
		registry:         NewRegistry(),
		bus:              NewBus(),
		waiters:          NewWaiters(),
		adapters:         adapters,
		probeCache:       probeCache,
		hostdSock:        hostdSock,
		ptyFlushInterval: flushInterval,
		ptyMaxBatchBytes: maxBatchBytes,
		probeTimeout:     probeTimeout,
	}
}

// Bus exposes the manager's envelope fan-out for the upstream link and the
// Local API's /stdout route to subscribe to.
func (m *Manager) Bus() *Bus { return m.bus }

// Waiters exposes the shared permission-waiter table for the Local API and
// upstream link's permission-gated RPC handlers.
func (m *Manager) Waiters() *Waiters { return m.waiters }

// Adapters exposes the runner registry for rpc.host.doctor/capabilities
// diagnostics.
func (m *Manager) Adapters() *runner.Registry { return m.adapters }

// ProbeCache exposes the structured-mode probe cache for rpc.host.doctor
// diagnostics.
func (m *Manager) ProbeCache() *runner.ProbeCache { return m.probeCache }

func (m *Manager) newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// emit publishes an envelope carrying a fresh monotonic seq for r, stamped
// with the manager's host_id.
func (m *Manager) emit(r *Run, typ string, data any) {
	seq := r.nextSequence()
	env := envelope.New(typ, data).WithRun(m.HostID, r.ID, seq)
	m.bus.Publish(env)
}

func (m *Manager) emitRunOutput(r *Run, stream, text string) {
	m.emit(r, envelope.TypeRunOutput, map[string]any{"stream": stream, "text": text})
}

// StartRun spawns tool via its adapter and registers the new run (spec.md
// §4.4). cwd defaults to the process's current working directory when
// empty.
func (m *Manager) StartRun(tool, cmdline, cwd string, mode runner.Mode) (string, error) {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("%w: resolve default cwd: %v", relayerr.Transient, err)
		}
		cwd = wd
	}

	adapter, err := m.adapters.Get(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %v", relayerr.BadInput, err)
	}

	resolvedMode := mode
	if resolvedMode == runner.ModeAuto {
		resolvedMode = m.probeCache.ResolveMode(tool, runner.ModeAuto, func() bool {
			return m.probeStructured(adapter, cwd)
		})
	}

	spec, err := adapter.Spec(cwd, cmdline, resolvedMode)
	if err != nil {
		if relayerr.Is(err, relayerr.PermissionDenied) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", relayerr.Fatal, err)
	}
	if len(spec.Argv) == 0 {
		return "", fmt.Errorf("%w: adapter produced empty argv", relayerr.Fatal)
	}

	runID := m.newID("run")
	r := &Run{
		ID:             runID,
		HostID:         m.HostID,
		Tool:           tool,
		CWD:            cwd,
		Command:        cmdline,
		StartedAt:      time.Now(),
		status:         StatusRunning,
		lastActiveAt:   time.Now(),
		processedInput: map[string]struct{}{},
		promptRegex:    spec.PromptRegex,
		structured:     spec.Structured,
		mode:           resolvedMode,
		bus:            m.bus,
	}

	env := buildEnv(spec.Env, relayEnvOverlay(runID, tool, m.hostdSock, cwd))

	if spec.Structured {
		if err := m.startStructured(r, tool, spec.Argv, env); err != nil {
			return "", err
		}
	} else {
		if err := m.startPTY(r, spec.Argv, env); err != nil {
			return "", err
		}
	}

	m.registry.put(r)
	m.emit(r, envelope.TypeRunStarted, map[string]any{
		"tool": tool, "cwd": cwd, "command": cmdline, "pid": r.pid,
	})
	return runID, nil
}

func relayEnvOverlay(runID, tool, hostdSock, cwd string) map[string]string {
	return map[string]string{
		"RELAY_RUN_ID":     runID,
		"RELAY_TOOL":       tool,
		"RELAY_HOSTD_SOCK": hostdSock,
		"RELAY_CWD":        cwd,
	}
}

func buildEnv(overlay, relaySpecific map[string]string) []string {
	out := os.Environ()
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	for k, v := range relaySpecific {
		out = append(out, k+"="+v)
	}
	return out
}

func (m *Manager) startPTY(r *Run, argv, env []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = r.CWD
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		return fmt.Errorf("%w: start pty: %v", relayerr.Transient, err)
	}
	r.ptmx = ptmx
	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.writer = ptyWriter{r: r}

	go m.runPTYOutputPump(r)
	go m.runExitWaiter(r)
	return nil
}

// runExitWaiter blocks on the child's exit and emits run.exited, removing
// the run from the registry (spec.md §4.4.2).
func (m *Manager) runExitWaiter(r *Run) {
	err := r.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	if r.ptmx != nil {
		r.ptmx.Close()
	}
	now := time.Now()
	r.statusMu.Lock()
	r.status = StatusExited
	r.endedAt = &now
	ec := exitCode
	r.exitCode = &ec
	r.pendingPerm = nil
	r.statusMu.Unlock()

	m.waiters.ResolveAllForRun(r.ID)
	m.emit(r, envelope.TypeRunExited, map[string]any{"exit_code": exitCode})
	m.registry.remove(r.ID)
}

// SendInput writes text to the child (spec.md §4.4). Duplicate inputID
// values are reported as success without side effects.
func (m *Manager) SendInput(runID, actor, inputID, text string) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}
	if r.markProcessed("input:" + inputID) {
		return nil
	}

	r.clearPendingPermission()
	r.setStatus(StatusRunning)

	if r.structured {
		go m.submitStructuredPrompt(r, text)
	} else {
		r.writerMu.Lock()
		err := r.writer.WriteInput(text)
		r.writerMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: write stdin: %v", relayerr.Transient, err)
		}
	}

	redacted, sum := redactForLog(text)
	m.emit(r, envelope.TypeRunInput, map[string]any{
		"actor": actor, "input_id": inputID, "text_redacted": redacted, "text_sha256": sum,
	})
	return nil
}

// WriteStdinBytes appends raw bytes to the run's line buffer, splitting on
// line terminators and emitting one run.input per complete line (spec.md
// §4.4).
func (m *Manager) WriteStdinBytes(runID, actor string, data []byte) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}

	r.inputMu.Lock()
	r.lineBuf = append(r.lineBuf, data...)
	if len(r.lineBuf) > stdinLineBufMax {
		r.lineBuf = r.lineBuf[len(r.lineBuf)-stdinLineBufMax:]
	}
	var lines []string
	start := 0
	buf := r.lineBuf
	for i := 0; i < len(buf); i++ {
		if buf[i] == '\n' {
			end := i
			if end > start && buf[end-1] == '\r' {
				end--
			}
			lines = append(lines, string(buf[start:end]))
			start = i + 1
		}
	}
	r.lineBuf = append([]byte{}, buf[start:]...)
	r.inputMu.Unlock()

	if r.structured {
		// Structured adapters have no raw byte sink — each complete line is
		// its own prompt submission, same as SendInput (spec.md §4.4.3).
		for _, line := range lines {
			r.clearPendingPermission()
			r.setStatus(StatusRunning)
			go m.submitStructuredPrompt(r, line)
		}
	} else if r.writer != nil {
		r.writerMu.Lock()
		err := r.writer.WriteInput(string(data))
		r.writerMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: write stdin bytes: %v", relayerr.Transient, err)
		}
	}

	for _, line := range lines {
		synthID := m.newID("stdin")
		redacted, sum := redactForLog(line)
		m.emit(r, envelope.TypeRunInput, map[string]any{
			"actor": actor, "input_id": synthID, "text_redacted": redacted, "text_sha256": sum,
		})
	}
	return nil
}

// DecidePermission resolves a pending permission (spec.md §4.4, §4.7).
func (m *Manager) DecidePermission(runID, actor, requestID string, approve bool) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}

	// A decision is only ever "processed" once it actually matches a live
	// waiter or the run's own pending permission — marking it up front would
	// let a decision that arrives before run.permission_requested poison the
	// processed-set and swallow the real, later decision for the same
	// request_id (spec.md §8: a premature grant must be idempotently
	// dropped, not treated as having resolved the request).
	if m.waiters.Resolve(runID, requestID, approve) {
		r.markProcessed("perm:" + requestID)
		return nil
	}

	pending := r.PendingPermission()
	if pending == nil || pending.RequestID != requestID {
		return nil // stale/unknown request_id is a no-op, not an error
	}
	if r.markProcessed("perm:" + requestID) {
		return nil
	}
	r.clearPendingPermission()
	r.setStatus(StatusRunning)

	if pending.RPCRequestID != "" {
		return m.replyElicitation(r, pending.RPCRequestID, approve)
	}

	text := pending.DenyText
	if approve {
		text = pending.ApproveText
	}
	r.writerMu.Lock()
	err := r.writer.WriteInput(text)
	r.writerMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: write permission decision: %v", relayerr.Transient, err)
	}
	return nil
}

// StopRun signals the run's child (spec.md §4.4).
func (m *Manager) StopRun(runID, signal string) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}

	if r.structured {
		if signal == "SIGINT" {
			m.cancelStructuredPrompt(r)
			return nil
		}
		now := time.Now()
		r.statusMu.Lock()
		r.status = StatusExited
		r.endedAt = &now
		ec := 0
		r.exitCode = &ec
		r.pendingPerm = nil
		r.statusMu.Unlock()
		m.stopStructuredChild(r)
		m.waiters.ResolveAllForRun(r.ID)
		m.emit(r, envelope.TypeRunExited, map[string]any{"exit_code": 0})
		m.registry.remove(r.ID)
		return nil
	}

	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	sig := syscall.SIGTERM
	switch signal {
	case "SIGKILL":
		sig = syscall.SIGKILL
	case "SIGINT":
		sig = syscall.SIGINT
	}
	return r.cmd.Process.Signal(sig)
}

// ResizeRun resizes a PTY run's terminal (spec.md §4.4).
func (m *Manager) ResizeRun(runID string, cols, rows int) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}
	return r.resize(cols, rows)
}

// GetRunCwd returns a run's working directory.
func (m *Manager) GetRunCwd(runID string) (string, error) {
	r, ok := m.registry.get(runID)
	if !ok {
		return "", fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}
	return r.CWD, nil
}

// ListRuns returns a snapshot of every live run.
func (m *Manager) ListRuns() []Summary {
	runs := m.registry.List()
	out := make([]Summary, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Summary())
	}
	return out
}

// GetRun returns the live Run for runID, used by the Local API's fs/git/bash
// handlers that need the cwd and the emit helper directly.
func (m *Manager) GetRun(runID string) (*Run, error) {
	r, ok := m.registry.get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}
	return r, nil
}

// EmitRunEvent emits an arbitrary envelope on behalf of a caller outside the
// output pump (e.g. the Local API emitting tool.call/tool.result).
func (m *Manager) EmitRunEvent(runID, typ string, data any) error {
	r, ok := m.registry.get(runID)
	if !ok {
		return fmt.Errorf("%w: unknown run %s", relayerr.NotFound, runID)
	}
	m.emit(r, typ, data)
	return nil
}

// probeStructured attempts a short-lived structured-mode handshake to
// decide whether ModeAuto should resolve to ModeStructured for this tool,
// per spec.md §9. Only Codex currently advertises a real JSON-RPC probe;
// other tools report failure so auto mode defaults them to TUI.
func (m *Manager) probeStructured(adapter runner.Adapter, cwd string) bool {
	if adapter.Name() != "codex" {
		return false
	}
	spec, err := adapter.Spec(cwd, "", runner.ModeStructured)
	if err != nil || len(spec.Argv) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	return probeCodexMCP(ctx, spec.Argv, cwd)
}
