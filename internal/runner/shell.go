package runner

import "os"

// ShellAdapter spawns a plain interactive shell, used for the "shell" tool —
// a run with no agent CLI at all, just an interactive PTY session (spec.md
// §2, tool set).
type ShellAdapter struct{}

func NewShellAdapter() *ShellAdapter { return &ShellAdapter{} }

func (a *ShellAdapter) Name() string { return "shell" }

func (a *ShellAdapter) Spec(cwd, cmdline string, mode Mode) (ChildSpec, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	argv := tokenizeOrShell(cmdline)
	if len(argv) == 0 {
		argv = []string{shell, "-l"}
	}
	return ChildSpec{Argv: argv, PromptRegex: basePromptRegex}, nil
}
