package runner

import (
	"fmt"
	"sort"
)

// Registry maps logical tool names to their Adapter.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the fixed set of adapters for the tools spec.md names:
// codex, claude, gemini, iflow, opencode, shell.
func NewRegistry(resolver *Resolver, openCodePermissionMode string) *Registry {
	reg := &Registry{adapters: map[string]Adapter{}}
	for _, a := range []Adapter{
		NewCodexAdapter(resolver),
		NewClaudeAdapter(resolver),
		NewGeminiAdapter(resolver),
		NewIFlowAdapter(resolver),
		NewOpenCodeAdapter(resolver, openCodePermissionMode),
		NewShellAdapter(),
	} {
		reg.adapters[a.Name()] = a
	}
	return reg
}

// Get returns the adapter for tool, or an error if the tool name is unknown.
func (r *Registry) Get(tool string) (Adapter, error) {
	a, ok := r.adapters[tool]
	if !ok {
		return nil, fmt.Errorf("runner: unknown tool %q", tool)
	}
	return a, nil
}

// Tools returns the sorted set of supported tool names, used by
// rpc.host.doctor and CLI help text.
func (r *Registry) Tools() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
