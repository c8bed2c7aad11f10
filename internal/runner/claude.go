package runner

// ClaudeAdapter drives Anthropic's claude CLI. Claude only ever runs as a
// TUI child — it has no JSONL/MCP structured mode in spec scope, so Mode is
// accepted but ignored beyond documenting the interface.
type ClaudeAdapter struct {
	resolver *Resolver
}

func NewClaudeAdapter(r *Resolver) *ClaudeAdapter { return &ClaudeAdapter{resolver: r} }

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) Spec(cwd, cmdline string, mode Mode) (ChildSpec, error) {
	bin, err := a.resolver.Resolve("claude")
	if err != nil {
		return ChildSpec{}, err
	}
	argv := []string{bin}
	if cmdline != "" {
		argv = append(argv, cmdline)
	}
	return ChildSpec{
		Argv:        argv,
		PromptRegex: basePromptRegex,
	}, nil
}
