package runner

import "regexp"

// codexPromptRegex extends basePromptRegex with Codex's own approval
// wording, observed in its interactive TUI approval prompts.
var codexPromptRegex = regexp.MustCompile(basePromptRegex.String() + `|allow\s+.*\?|permission\s+.*\?|approve\s+.*\?`)

// CodexAdapter drives OpenAI's codex CLI, in either its TUI ("codex") or its
// structured MCP ("codex mcp") shape, selected by Mode.
type CodexAdapter struct {
	resolver *Resolver
}

func NewCodexAdapter(r *Resolver) *CodexAdapter { return &CodexAdapter{resolver: r} }

func (a *CodexAdapter) Name() string { return "codex" }

func (a *CodexAdapter) Spec(cwd, cmdline string, mode Mode) (ChildSpec, error) {
	bin, err := a.resolver.Resolve("codex")
	if err != nil {
		return ChildSpec{}, err
	}
	if mode == ModeStructured {
		return ChildSpec{
			Argv:       []string{bin, "mcp"},
			Structured: true,
		}, nil
	}
	argv := []string{bin}
	if cmdline != "" {
		argv = append(argv, cmdline)
	}
	return ChildSpec{
		Argv:        argv,
		PromptRegex: codexPromptRegex,
	}, nil
}
