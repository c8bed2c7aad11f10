package run

import (
	"encoding/hex"
	"encoding/json"

	"github.com/alderwick/relay/internal/redact"
)

// sharedRedactor is process-wide: every run.input envelope is redacted with
// the same ruleset the Local API and the rest of HostD use (spec.md §4.1).
// SetRedactor lets the host binary install its configured extra patterns
// before the first run starts.
var sharedRedactor = redact.New(nil)

// SetRedactor installs the process-wide redactor used when stamping
// run.input envelopes.
func SetRedactor(r *redact.Redactor) { sharedRedactor = r }

func redactForLog(text string) (redactedText, sha256Hex string) {
	res := sharedRedactor.Redact(text)
	return res.Text, hex.EncodeToString(res.SHA256[:])
}

// redactRawJSON decodes raw (a structured adapter's tool input/output) and
// applies RedactJSON's recursive string-leaf redaction, per spec.md §4.1.
// Malformed or empty raw is passed through as nil rather than erroring —
// tool payloads are best-effort diagnostics, not contractual data.
func redactRawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return sharedRedactor.RedactJSON(v)
}
