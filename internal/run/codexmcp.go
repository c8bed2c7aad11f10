package run

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/alderwick/relay/internal/envelope"
)

// jsonrpcMsg is a minimal JSON-RPC 2.0 envelope — request, response, or
// notification, matching the shape Codex's `codex mcp` subprocess speaks
// (spec.md §4.4.3).
type jsonrpcMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// codexState is the per-run Codex MCP session: a JSON-RPC writer, a
// next-id counter, and the thread/conversation id pinning subsequent
// prompts to the same session (spec.md §3 "Adapter-specific state").
type codexState struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex // guards stdin writes and the session ids
	nextID int64

	promptMu sync.Mutex // serializes prompt submission

	pending map[int64]chan jsonrpcMsg
	pendMu  sync.Mutex

	threadID       string
	conversationID string
}

func (c *codexState) allocID() int64 {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *codexState) registerWaiter(id int64) chan jsonrpcMsg {
	ch := make(chan jsonrpcMsg, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	return ch
}

func (c *codexState) resolve(id int64, msg jsonrpcMsg) {
	c.pendMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendMu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *codexState) writeMsg(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.stdin.Write(raw); err != nil {
		return err
	}
	_, err = c.stdin.Write([]byte("\n"))
	return err
}

// startCodexMCP spawns `codex mcp`, performs the initialize handshake
// within the manager's probe timeout, and launches the reader goroutines
// (spec.md §4.4.3).
func (m *Manager) startCodexMCP(r *Run, argv, env []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = r.CWD

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("codex mcp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("codex mcp stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("codex mcp stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start codex mcp: %w", err)
	}

	cs := &codexState{cmd: cmd, stdin: stdin, pending: map[int64]chan jsonrpcMsg{}}
	r.codex = cs
	r.pid = cmd.Process.Pid
	r.writer = codexInputWriter{r: r}

	go m.codexReadLoop(r, cs, stdout)
	go m.passthroughStderr(r, stderr)
	go m.runStructuredExitWaiter(r, cmd)

	ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
	defer cancel()
	if err := m.codexInitialize(ctx, r, cs); err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("codex mcp initialize: %w", err)
	}
	return nil
}

func (m *Manager) codexInitialize(ctx context.Context, r *Run, cs *codexState) error {
	id := cs.allocID()
	waiter := cs.registerWaiter(id)
	if err := cs.writeMsg(jsonrpcMsg{JSONRPC: "2.0", ID: rawInt(id), Method: "initialize", Params: json.RawMessage(`{}`)}); err != nil {
		return err
	}
	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return fmt.Errorf("initialize error: %s", resp.Error.Message)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := cs.writeMsg(jsonrpcMsg{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return err
	}

	listID := cs.allocID()
	listWaiter := cs.registerWaiter(listID)
	if err := cs.writeMsg(jsonrpcMsg{JSONRPC: "2.0", ID: rawInt(listID), Method: "tools/list"}); err != nil {
		return err
	}
	select {
	case resp := <-listWaiter:
		if resp.Error != nil {
			return fmt.Errorf("tools/list error: %s", resp.Error.Message)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (m *Manager) codexReadLoop(r *Run, cs *codexState, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var msg jsonrpcMsg
		if err := json.Unmarshal(line, &msg); err != nil {
			m.emitRunOutput(r, "stdout", string(line))
			continue
		}

		switch {
		case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
			var id int64
			if json.Unmarshal(msg.ID, &id) == nil {
				cs.resolve(id, msg)
			}
		case msg.Method == "elicitation/create":
			m.onCodexElicitation(r, msg)
		default:
			m.emitRunOutput(r, "stdout", string(line))
		}
	}
}

// onCodexElicitation turns a server-initiated elicitation/create request
// into a pending permission (spec.md §4.4.3).
func (m *Manager) onCodexElicitation(r *Run, msg jsonrpcMsg) {
	if r.PendingPermission() != nil {
		return
	}
	var params struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	reqID := string(msg.ID)
	requestID := m.newID("req")
	r.setStatus(StatusAwaitingApproval)
	prompt := truncate(params.Message, promptTruncateLen)
	r.setPendingPermission(&PendingPermission{
		RequestID:    requestID,
		Reason:       "elicitation",
		Prompt:       prompt,
		RPCRequestID: reqID,
	})
	m.emit(r, envelope.TypePermissionRequested, map[string]any{
		"request_id": requestID, "reason": "elicitation", "prompt": prompt,
	})
	m.emit(r, envelope.TypeRunAwaitingInput, map[string]any{"request_id": requestID, "prompt": prompt})
}

// replyElicitation answers a pending Codex elicitation via JSON-RPC.
func (m *Manager) replyElicitation(r *Run, rpcRequestID string, approve bool) error {
	action := "decline"
	if approve {
		action = "accept"
	}
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(rpcRequestID),
		"result": map[string]any{
			"action":  action,
			"content": map[string]any{"approved": approve},
		},
	}
	if r.codex == nil {
		return fmt.Errorf("codex state missing for run %s", r.ID)
	}
	return r.codex.writeMsg(resp)
}

// submitStructuredPrompt routes a send_input call to the appropriate
// structured runtime.
func (m *Manager) submitStructuredPrompt(r *Run, prompt string) {
	if r.codex != nil {
		m.submitCodexPrompt(r, prompt)
		return
	}
	if r.opencode != nil {
		m.submitOpenCodePrompt(r, prompt)
	}
}

// submitCodexPrompt serializes prompt submission per-run (spec.md §4.4.3):
// the first prompt calls tool "codex", subsequent prompts call
// "codex-reply" with the pinned thread/conversation id.
func (m *Manager) submitCodexPrompt(r *Run, prompt string) {
	cs := r.codex
	cs.promptMu.Lock()
	defer cs.promptMu.Unlock()
	cs.mu.Lock()
	tool := "codex"
	args := map[string]any{"prompt": prompt, "cwd": r.CWD}
	if cs.threadID != "" || cs.conversationID != "" {
		tool = "codex-reply"
		args = map[string]any{"prompt": prompt, "threadId": cs.threadID, "conversationId": cs.conversationID}
	}
	cs.mu.Unlock()

	id := cs.allocID()
	waiter := cs.registerWaiter(id)
	params, _ := json.Marshal(map[string]any{"name": tool, "arguments": args})
	if err := cs.writeMsg(jsonrpcMsg{JSONRPC: "2.0", ID: rawInt(id), Method: "tools/call", Params: params}); err != nil {
		m.emitRunOutput(r, "stderr", fmt.Sprintf("codex tools/call failed: %v", err))
		return
	}

	resp := <-waiter
	m.handleCodexCallResult(r, cs, resp)
}

func (m *Manager) handleCodexCallResult(r *Run, cs *codexState, resp jsonrpcMsg) {
	if resp.Error != nil {
		m.emitRunOutput(r, "stderr", resp.Error.Message)
		return
	}
	var result struct {
		IsError           bool   `json:"isError"`
		StructuredContent struct {
			ThreadID       string `json:"threadId"`
			ConversationID string `json:"conversationId"`
		} `json:"structuredContent"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return
	}
	cs.mu.Lock()
	if result.StructuredContent.ThreadID != "" {
		cs.threadID = result.StructuredContent.ThreadID
	}
	if result.StructuredContent.ConversationID != "" {
		cs.conversationID = result.StructuredContent.ConversationID
	}
	cs.mu.Unlock()

	stream := "stdout"
	if result.IsError {
		stream = "stderr"
	}
	for _, c := range result.Content {
		m.emitRunOutput(r, stream, c.Text)
	}
}

type codexInputWriter struct{ r *Run }

func (w codexInputWriter) WriteInput(text string) error { return nil }

func (m *Manager) passthroughStderr(r *Run, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		m.emitRunOutput(r, "stderr", scanner.Text())
	}
}

func (m *Manager) runStructuredExitWaiter(r *Run, cmd *exec.Cmd) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	now := time.Now()
	r.statusMu.Lock()
	if r.status == StatusExited {
		r.statusMu.Unlock()
		return // already stopped via stop_run
	}
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

// probeCodexMCP performs a best-effort initialize handshake against a
// throwaway `codex mcp` child to decide whether structured mode is viable,
// per spec.md §9's auto-mode probe.
func probeCodexMCP(ctx context.Context, argv []string, cwd string) bool {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false
	}
	if cmd.Start() != nil {
		return false
	}
	defer cmd.Process.Kill()

	req, _ := json.Marshal(jsonrpcMsg{JSONRPC: "2.0", ID: rawInt(1), Method: "initialize", Params: json.RawMessage(`{}`)})
	stdin.Write(req)
	stdin.Write([]byte("\n"))

	resultCh := make(chan bool, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			var msg jsonrpcMsg
			if json.Unmarshal(scanner.Bytes(), &msg) == nil && msg.ID != nil {
				resultCh <- msg.Error == nil
				return
			}
		}
		resultCh <- false
	}()

	select {
	case ok := <-resultCh:
		return ok
	case <-ctx.Done():
		return false
	}
}

func rawInt(id int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", id))
}
