// Package runner translates a (tool, cmdline, cwd) triple into a concrete
// child-process specification, per spec.md §4.3. It owns binary resolution,
// shim-recursion detection, and per-tool prompt regexes; it does not spawn
// anything itself — that is the run manager's job (internal/run).
package runner

import (
	"os/exec"
	"regexp"
	"strings"
)

// Mode selects how an agent's child process is driven.
type Mode string

const (
	ModeTUI        Mode = "tui"
	ModeStructured Mode = "structured"
	ModeAuto       Mode = "auto"
)

// basePromptRegex matches the common interactive confirmation prompts
// shared by every TUI adapter (spec.md §4.3).
var basePromptRegex = regexp.MustCompile(`(?i)(proceed|continue|are you sure|confirm)|\[y/n\]|\(y/n\)`)

// ChildSpec is the concrete child-process specification an adapter
// produces: argv, an env overlay layered on top of the relay-specific env,
// and the regex used for prompt detection in PTY mode.
type ChildSpec struct {
	Argv        []string
	Env         map[string]string
	PromptRegex *regexp.Regexp
	Structured  bool // true if this spec should be driven via JSON-RPC/JSONL instead of a PTY
}

// Adapter maps a logical tool name to a ChildSpec.
type Adapter interface {
	// Name is the logical tool name, e.g. "codex".
	Name() string
	// Spec builds the child-process specification for the given raw
	// command line and working directory. cmdline is the user-supplied
	// command: the agent adapters append a non-empty cmdline to their argv
	// as one argument, the shell adapter tokenizes it (or wraps it in
	// bash -lc), and Codex in structured mode ignores it.
	Spec(cwd, cmdline string, mode Mode) (ChildSpec, error)
}

// relayEnv builds the fixed relay-specific environment overlay every
// adapter's child gets, per spec.md §4.3.
func relayEnv(runID, tool, hostdSock, cwd string) map[string]string {
	return map[string]string{
		"RELAY_RUN_ID":     runID,
		"RELAY_TOOL":       tool,
		"RELAY_HOSTD_SOCK": hostdSock,
		"RELAY_CWD":        cwd,
	}
}

// hasShellMeta reports whether cmd contains characters that require shell
// interpretation, per spec.md §4.3's "falls back to bash -lc" rule.
func hasShellMeta(cmd string) bool {
	return strings.ContainsAny(cmd, "|&;<>(){}$`\"'*?[]~#!\\\n")
}

// tokenizeOrShell returns the argv for an arbitrary command line: tokenized
// on whitespace when it contains no shell metacharacters, or wrapped in
// `bash -lc` otherwise.
func tokenizeOrShell(cmd string) []string {
	if cmd == "" {
		return nil
	}
	if hasShellMeta(cmd) {
		return []string{"bash", "-lc", cmd}
	}
	return strings.Fields(cmd)
}

// lookPath is overridable in tests.
var lookPath = exec.LookPath
