package runner

import "regexp"

// opencodePromptRegex covers OpenCode's TUI permission wording in addition
// to the shared confirmation phrases.
var opencodePromptRegex = regexp.MustCompile(basePromptRegex.String() + `|grant\s+permission|allow\s+this\s+action`)

// OpenCodeAdapter drives the opencode CLI. Its structured mode runs
// `opencode run --format json` and reads JSONL from it. ModeAuto is resolved
// by the run manager through the probe cache before Spec is called; that
// probe only succeeds for Codex, so auto resolves OpenCode to ModeTUI.
type OpenCodeAdapter struct {
	resolver       *Resolver
	permissionMode string // "auto" | "inherit", from config.HostConfig.OpenCodePermissionMode
}

func NewOpenCodeAdapter(r *Resolver, permissionMode string) *OpenCodeAdapter {
	if permissionMode == "" {
		permissionMode = "auto"
	}
	return &OpenCodeAdapter{resolver: r, permissionMode: permissionMode}
}

func (a *OpenCodeAdapter) Name() string { return "opencode" }

func (a *OpenCodeAdapter) Spec(cwd, cmdline string, mode Mode) (ChildSpec, error) {
	bin, err := a.resolver.Resolve("opencode")
	if err != nil {
		return ChildSpec{}, err
	}

	env := map[string]string{}
	if a.permissionMode == "auto" {
		env["OPENCODE_PERMISSION"] = "auto"
	}

	if mode == ModeStructured {
		argv := []string{bin, "run", "--format", "json"}
		if cmdline != "" {
			argv = append(argv, cmdline)
		}
		return ChildSpec{
			Argv:       argv,
			Env:        env,
			Structured: true,
		}, nil
	}

	argv := []string{bin}
	if cmdline != "" {
		argv = append(argv, cmdline)
	}
	return ChildSpec{
		Argv:        argv,
		Env:         env,
		PromptRegex: opencodePromptRegex,
	}, nil
}
