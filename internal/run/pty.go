package run

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alderwick/relay/internal/envelope"
)

const promptTruncateLen = 200

// ptyWriter adapts *os.File (the PTY master) to the inputWriter interface.
type ptyWriter struct{ r *Run }

func (w ptyWriter) WriteInput(text string) error {
	_, err := w.r.ptmx.Write([]byte(text))
	return err
}

// runPTYOutputPump is the blocking-reader + batching-flusher pair described
// in spec.md §4.4.1. It runs as two goroutines sharing a bounded channel:
// one does the blocking PTY read, the other batches and flushes. Returns
// once the PTY reader hits EOF; the exit waiter
// (separate goroutine, see manager.go) drives run.exited.
func (m *Manager) runPTYOutputPump(r *Run) {
	chunks := make(chan []byte, 64)

	go func() {
		defer close(chunks)
		buf := make([]byte, 32*1024)
		for {
			n, err := r.ptmx.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				chunks <- cp
			}
			if err != nil {
				return
			}
		}
	}()

	flushInterval := m.ptyFlushInterval
	maxBatch := m.ptyMaxBatchBytes
	if flushInterval <= 0 {
		flushInterval = 120 * time.Millisecond
	}
	if maxBatch <= 0 {
		maxBatch = 16 * 1024
	}

	timer := time.NewTimer(flushInterval)
	defer timer.Stop()
	var batch []byte

	flush := func() {
		if len(batch) == 0 {
			return
		}
		text := decodeLossy(batch)
		batch = nil
		m.emitRunOutput(r, "stdout", text)
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				flush()
				return
			}
			if m.detectPrompt(r, chunk) {
				// Prompt-immediate flush: surface the prompt text to the UI
				// before the approval modal appears (spec.md §4.4.1).
				batch = append(batch, chunk...)
				flush()
				m.onPromptDetected(r, chunk)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(flushInterval)
				continue
			}
			batch = append(batch, chunk...)
			if len(batch) >= maxBatch {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(flushInterval)
			}
		case <-timer.C:
			flush()
			timer.Reset(flushInterval)
		}
	}
}

// decodeLossy converts raw PTY bytes to a UTF-8 string, substituting the
// replacement character for invalid sequences rather than erroring — PTY
// output routinely straddles multi-byte boundaries across read() calls.
func decodeLossy(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

func (m *Manager) detectPrompt(r *Run, chunk []byte) bool {
	if r.promptRegex == nil {
		return false
	}
	return r.promptRegex.Match(chunk)
}

// onPromptDetected installs a pending TUI permission and emits
// run.permission_requested / run.awaiting_input (spec.md §4.4.1).
func (m *Manager) onPromptDetected(r *Run, chunk []byte) {
	if r.PendingPermission() != nil {
		return // invariant: at most one pending permission per run
	}
	r.setStatus(StatusAwaitingApproval)
	reqID := m.newID("req")
	prompt := truncate(decodeLossy(chunk), promptTruncateLen)
	r.setPendingPermission(&PendingPermission{
		RequestID:   reqID,
		Reason:      "permission",
		Prompt:      prompt,
		ApproveText: "y\n",
		DenyText:    "n\n",
	})
	m.emit(r, envelope.TypePermissionRequested, map[string]any{
		"request_id": reqID,
		"reason":     "permission",
		"prompt":     prompt,
	})
	m.emit(r, envelope.TypeRunAwaitingInput, map[string]any{
		"request_id": reqID,
		"prompt":     prompt,
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
