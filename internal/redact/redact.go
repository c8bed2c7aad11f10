// Package redact applies spec.md §4.1's fixed ruleset to strip secrets from
// text before it is persisted or forwarded, while preserving a sha256 of the
// original so downstream systems can correlate redacted events without ever
// holding the plaintext.
package redact

import (
	"crypto/sha256"
	"regexp"
	"sort"
)

// rule is applied in order. The key=value and Authorization patterns have two
// capturing groups: group 1 (the key) is kept and the rest of the match is
// replaced by the mask. The catch-all has none (whole match is masked).
type rule struct {
	pattern *regexp.Regexp
}

var baseRules = []rule{
	// key=value secrets: api_key, token, password, secret, authorization
	{pattern: regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*['"]?([A-Za-z0-9\-_.~+/]{6,})['"]?`)},
	// Authorization: Bearer <x>
	{pattern: regexp.MustCompile(`(?i)(Authorization:\s*Bearer)\s+([A-Za-z0-9\-_.~+/=]+)`)},
	// long URL-safe token (>=32 chars), applied last as a catch-all
	{pattern: regexp.MustCompile(`[A-Za-z0-9\-_]{32,}`)},
}

const mask = "***REDACTED***"

// Redactor holds the base ruleset plus any caller-supplied extra patterns
// (REDACTION_EXTRA_REGEX), applied between the key=value rules and the
// long-token catch-all, per spec.md §4.1's stated rule order.
type Redactor struct {
	extra []*regexp.Regexp
}

// New builds a Redactor. extraPatterns are raw regex source strings (e.g.
// from a comma-separated REDACTION_EXTRA_REGEX env var); invalid patterns
// are skipped rather than failing construction, since a bad user-supplied
// pattern should not take down redaction for the whole process.
func New(extraPatterns []string) *Redactor {
	r := &Redactor{}
	for _, p := range extraPatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.extra = append(r.extra, re)
	}
	return r
}

// Result is the output of Redact: the redacted text plus the sha256 of the
// original, unredacted text.
type Result struct {
	Text       string
	SHA256     [32]byte
}

// Redact applies the key=value rules, Authorization rule, extra patterns,
// then the long-token catch-all, in that fixed order, and returns the
// sha256 of the original text.
func (r *Redactor) Redact(text string) Result {
	sum := sha256.Sum256([]byte(text))
	out := text
	out = baseRules[0].pattern.ReplaceAllString(out, "$1="+mask)
	out = baseRules[1].pattern.ReplaceAllString(out, "$1 "+mask)
	for _, re := range r.extra {
		out = re.ReplaceAllString(out, mask)
	}
	out = baseRules[2].pattern.ReplaceAllString(out, mask)
	return Result{Text: out, SHA256: sum}
}

// RedactJSON recursively walks v (as produced by encoding/json unmarshal
// into any — maps, slices, and scalars) and redacts string leaves only,
// leaving numbers, bools, and structural shape untouched.
func (r *Redactor) RedactJSON(v any) any {
	switch val := v.(type) {
	case string:
		return r.Redact(val).Text
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = r.RedactJSON(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = r.RedactJSON(e)
		}
		return out
	default:
		return v
	}
}
