// Command relay is the thin client described in spec.md §6.7: it launches a
// run via HostD's Local API and, when attached to a terminal (or when
// --attach is forced), proxies keystrokes and output between the local
// terminal and the run. `relay mcp` instead speaks line-delimited JSON-RPC
// 2.0 on stdio, bridging an AI agent's own tool calls into HostD — or,
// standalone, executing them directly under --root. Modeled on the
// teacher's cmd/wt/main.go (cobra root + per-tool subcommands hitting a
// Unix-socket client) and cmd/wt/egg.go (raw-terminal attach loop).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/alderwick/relay/internal/mcpserver"
	"github.com/alderwick/relay/internal/relayclient"
)

func main() {
	var sockFlag string

	root := &cobra.Command{
		Use:   "relay",
		Short: "Drive interactive CLI agents through relayd-host",
	}
	root.PersistentFlags().StringVar(&sockFlag, "sock", defaultSocketPath(), "HostD Local API Unix socket path")

	for _, tool := range []string{"codex", "claude", "iflow", "gemini", "opencode", "shell"} {
		root.AddCommand(runCmd(tool, &sockFlag))
	}
	root.AddCommand(mcpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay/relay-hostd.sock"
	}
	return filepath.Join(home, ".relay", "relay-hostd.sock")
}

// runCmd builds the `relay <tool>` subcommand shared by codex/claude/iflow/
// gemini/opencode/shell (spec.md §6.7).
func runCmd(tool string, sockFlag *string) *cobra.Command {
	var (
		cmdFlag    string
		cwdFlag    string
		attachFlag bool
		noAttach   bool
	)

	cmd := &cobra.Command{
		Use:   tool,
		Short: fmt.Sprintf("Start a %s run", tool),
		RunE: func(cmd *cobra.Command, args []string) error {
			attach := isatty.IsTerminal(os.Stdin.Fd()) || attachFlag
			if noAttach {
				attach = false
			}
			return runTool(cmd.Context(), *sockFlag, tool, cmdFlag, cwdFlag, attach)
		},
	}
	cmd.Flags().StringVar(&cmdFlag, "cmd", "", "command line to run (default: the tool name itself)")
	cmd.Flags().StringVar(&cwdFlag, "cwd", "", "working directory (default: current directory)")
	cmd.Flags().BoolVar(&attachFlag, "attach", false, "force terminal attach even without a TTY")
	cmd.Flags().BoolVar(&noAttach, "no-attach", false, "start the run and return immediately without attaching")
	return cmd
}

func runTool(ctx context.Context, sockPath, tool, cmdLine, cwd string, attach bool) error {
	c := relayclient.New(sockPath)

	if cmdLine == "" {
		cmdLine = tool
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getwd: %w", err)
		}
		cwd = wd
	}

	runID, err := c.StartRun(relayclient.StartRunRequest{Tool: tool, Command: cmdLine, CWD: cwd})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	fmt.Fprintf(os.Stderr, "relay: started %s (%s)\n", runID, tool)

	if !attach {
		return nil
	}
	return attachRun(ctx, c, runID)
}

// attachRun proxies the local terminal's stdin/stdout to the run's /stdin
// and /stdout streams, putting the terminal into raw+noecho mode for the
// duration (spec.md §6.7), and forwards SIGWINCH as a resize call.
func attachRun(ctx context.Context, c *relayclient.Client, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fd := int(os.Stdin.Fd())
	var restore *term.State
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err == nil {
			restore = old
			defer term.Restore(fd, restore)
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				if w, h, err := term.GetSize(fd); err == nil {
					c.Resize(runID, w, h)
				}
			}
		}
	}()
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			c.Resize(runID, w, h)
		}
	}

	stdout, err := c.StreamStdout(ctx, runID)
	if err != nil {
		return fmt.Errorf("open stdout stream: %w", err)
	}
	defer stdout.Close()

	outDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(os.Stdout, stdout)
		outDone <- err
	}()

	inDone := make(chan error, 1)
	go func() {
		inDone <- c.StreamStdin(ctx, runID, os.Stdin)
	}()

	select {
	case <-outDone:
		cancel()
		return nil
	case err := <-inDone:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("stdin stream: %w", err)
		}
		<-outDone
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mcpCmd implements `relay mcp` (spec.md §6.7): a JSON-RPC 2.0 tool server
// on stdio. When RELAY_HOSTD_SOCK and RELAY_RUN_ID are set in the
// environment (meaning this process was spawned as a tool child of HostD),
// tool calls forward to HostD's Local API; otherwise they act locally
// under --root.
func mcpCmd() *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the relay MCP tool server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getwd: %w", err)
				}
				root = wd
			}
			sock := os.Getenv("RELAY_HOSTD_SOCK")
			runID := os.Getenv("RELAY_RUN_ID")
			srv := mcpserver.New(root, sock, runID)
			return srv.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "root directory for standalone tool execution (default: current directory)")
	return cmd
}
