// Package ops holds the filesystem/git helpers shared by the Local API
// (internal/localapi) and the upstream RPC handlers (internal/upstream) —
// both expose the same permission-gated fs/bash/git surface over two
// different transports (spec.md §4.5 and §4.6), so the path-safety
// invariant and the git/search plumbing live in one place instead of two.
package ops

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/alderwick/relay/internal/relayerr"
)

const (
	// SearchOutputMaxBytes caps a single fs.search response.
	SearchOutputMaxBytes = 1024 * 1024
	// GitOutputMaxBytes caps a single git.status/git.diff response.
	GitOutputMaxBytes = 1024 * 1024
	// BashOutputMaxChars caps a single bash_exec response; per spec.md §8,
	// a command exceeding this returns only the trailing characters.
	BashOutputMaxChars = 256 * 1024
)

// SafeJoin resolves rel under cwd per spec.md §4.5's path safety rule:
// reject absolute paths, reject any ".." component, canonicalize both cwd
// and the target, and require the target's canonical form to be prefixed
// by the canonical cwd. For a path that does not yet exist (e.g. a write
// target), the parent directory is canonicalized and the file name
// re-appended.
func SafeJoin(cwd, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", relayerr.BadInput)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute paths are rejected", relayerr.PermissionDenied)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: path escapes cwd", relayerr.PermissionDenied)
		}
	}

	canonCWD, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fmt.Errorf("%w: resolve cwd: %v", relayerr.BadInput, err)
	}
	target := filepath.Join(cwd, rel)

	canonTarget, err := filepath.EvalSymlinks(target)
	if err != nil {
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(target))
		if err2 != nil {
			return "", fmt.Errorf("%w: resolve parent dir: %v", relayerr.BadInput, err2)
		}
		canonTarget = filepath.Join(parent, filepath.Base(target))
	}

	if !strings.HasPrefix(canonTarget, canonCWD+string(filepath.Separator)) && canonTarget != canonCWD {
		return "", fmt.Errorf("%w: path escapes cwd", relayerr.PermissionDenied)
	}
	return canonTarget, nil
}

// Search runs a bounded ripgrep query scoped to cwd.
func Search(cwd, query string) (output string, truncated bool, err error) {
	cmd := exec.Command("rg", "--line-number", "--max-count", "200", "--", query, ".")
	cmd.Dir = cwd
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return "", false, runErr
		}
		// rg exits 1 on "no matches" — not an error, just an empty result.
	}
	text := out.String()
	if len(text) > SearchOutputMaxBytes {
		return text[:SearchOutputMaxBytes], true, nil
	}
	return text, false, nil
}

// Entry is one directory entry returned by List.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// List reads the directory at rel (resolved under cwd via SafeJoin) and
// returns its entries, used by the upstream link's rpc.fs.list handler
// (spec.md §4.6 — not exposed over the Local API).
func List(cwd, rel string) ([]Entry, error) {
	abs, err := SafeJoin(cwd, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relayerr.BadInput, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{Name: e.Name(), IsDir: e.IsDir()})
	}
	return out, nil
}

// BashResult is the outcome of a bounded shell invocation.
type BashResult struct {
	Output    string
	Truncated bool
	ExitCode  int
}

// Bash runs command under bash -c in cwd, bounded by timeout, capping
// output at BashOutputMaxChars. Per spec.md §8's boundary behavior, a
// truncated result keeps the TRAILING characters (the most recent output),
// not the leading ones.
func Bash(ctx context.Context, cwd, command string) (BashResult, error) {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return BashResult{}, relayerr.Timeout
	}

	output := out.String()
	truncated := false
	if len(output) > BashOutputMaxChars {
		output = output[len(output)-BashOutputMaxChars:]
		truncated = true
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return BashResult{}, runErr
		}
	}
	return BashResult{Output: output, Truncated: truncated, ExitCode: exitCode}, nil
}

// Git runs a bounded git subcommand scoped to cwd.
func Git(cwd string, args ...string) (output string, truncated bool, err error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return "", false, runErr
		}
		return stderr.String(), false, nil
	}
	text := out.String()
	if len(text) > GitOutputMaxBytes {
		return text[:GitOutputMaxBytes], true, nil
	}
	return text, false, nil
}
