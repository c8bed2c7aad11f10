package relayclient

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alderwick/relay/internal/localapi"
	"github.com/alderwick/relay/internal/run"
	"github.com/alderwick/relay/internal/runner"
)

// setup starts a real Local API server over a Unix socket, grounded on the
// teacher's internal/transport test setup (wait for the socket file to
// appear, then dial it).
func setup(t *testing.T) (*Client, *run.Manager) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	resolver := runner.NewResolver(nil)
	t.Cleanup(resolver.Close)
	probe := runner.NewProbeCache(time.Hour, 1000)
	t.Cleanup(probe.Close)
	reg := runner.NewRegistry(resolver, "auto")
	mgr := run.NewManager("host-test", "", reg, probe, 20*time.Millisecond, 4096, 2*time.Second)

	sock := filepath.Join(home, "relay-hostd.sock")
	srv := localapi.New(mgr, sock)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("local api did not start in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	return New(sock), mgr
}

func TestStartRunAndStop(t *testing.T) {
	c, mgr := setup(t)
	cwd := t.TempDir()

	runID, err := c.StartRun(StartRunRequest{Tool: "shell", Command: "cat", CWD: cwd})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if runID == "" {
		t.Fatal("expected non-empty run_id")
	}

	if _, err := mgr.GetRun(runID); err != nil {
		t.Fatalf("run not registered: %v", err)
	}

	if err := c.StopRun(runID, "SIGKILL"); err != nil {
		t.Fatalf("stop run: %v", err)
	}
}

func TestStartRunUnknownTool(t *testing.T) {
	c, _ := setup(t)
	if _, err := c.StartRun(StartRunRequest{Tool: "not-a-real-tool", Command: "x", CWD: t.TempDir()}); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestResizeClamps(t *testing.T) {
	c, mgr := setup(t)
	cwd := t.TempDir()
	runID, err := c.StartRun(StartRunRequest{Tool: "shell", Command: "cat", CWD: cwd})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	t.Cleanup(func() { mgr.StopRun(runID, "SIGKILL") })

	if err := c.Resize(runID, 1, 0); err != nil {
		t.Fatalf("resize: %v", err)
	}
}

func TestStreamStdinAndStdout(t *testing.T) {
	c, mgr := setup(t)
	cwd := t.TempDir()
	runID, err := c.StartRun(StartRunRequest{Tool: "shell", Command: "cat", CWD: cwd})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	t.Cleanup(func() { mgr.StopRun(runID, "SIGKILL") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stdout, err := c.StreamStdout(ctx, runID)
	if err != nil {
		t.Fatalf("stream stdout: %v", err)
	}
	defer stdout.Close()

	go c.StreamStdin(ctx, runID, strings.NewReader("hello\n"))

	buf := make([]byte, 64)
	readDone := make(chan struct{})
	var n int
	var readErr error
	go func() {
		n, readErr = stdout.Read(buf)
		close(readDone)
	}()

	select {
	case <-readDone:
		if readErr != nil && readErr != io.EOF {
			t.Fatalf("read stdout: %v", readErr)
		}
		if n == 0 {
			t.Fatal("expected some output echoed back")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed output")
	}
}
