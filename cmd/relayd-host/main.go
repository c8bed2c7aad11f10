// Command relayd-host is the per-workstation daemon (spec.md §4): it spawns
// and supervises AI CLI agents, exposes the Local API over a Unix socket,
// and maintains the upstream link to relayd-server. Modeled on the
// teacher's cmd/wtd (cobra root + signal.NotifyContext graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/alderwick/relay/internal/config"
	"github.com/alderwick/relay/internal/localapi"
	"github.com/alderwick/relay/internal/logger"
	"github.com/alderwick/relay/internal/redact"
	"github.com/alderwick/relay/internal/run"
	"github.com/alderwick/relay/internal/runner"
	"github.com/alderwick/relay/internal/spool"
	"github.com/alderwick/relay/internal/upstream"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd-host",
		Short: "relay host daemon",
		RunE:  runHostD,
	}
	root.Flags().String("log-level", "info", "log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHostD(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.LoadHostConfig()
	if err != nil {
		return fmt.Errorf("load host config: %w", err)
	}
	if err := logger.Init(logLevel, cfg.LogPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	run.SetRedactor(redact.New(cfg.RedactionExtraRegex))

	sp, err := spool.Open(cfg.SpoolDBPath)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer sp.Close()

	resolver := runner.NewResolver(cfg.BinOverrides)
	defer resolver.Close()

	probeCache := runner.NewProbeCache(time.Duration(cfg.ToolModeAutoTTLSecs)*time.Second, cfg.ToolModeAutoRuns)
	defer probeCache.Close()

	adapters := runner.NewRegistry(resolver, cfg.OpenCodePermissionMode)

	mgr := run.NewManager(cfg.HostID, cfg.LocalSocket, adapters, probeCache, cfg.PTYFlushInterval, cfg.PTYMaxBatchBytes, cfg.CodexProbeTimeout)

	localSrv := localapi.New(mgr, cfg.LocalSocket)

	upClient := upstream.New(cfg.ServerBaseURL, cfg.HostID, cfg.HostToken, mgr, sp)
	upClient.LogPath = cfg.LogPath

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go sp.RunPruneLoop(ctx, time.Hour, 72*time.Hour)

	errCh := make(chan error, 3)
	go func() {
		logger.Info("local api listening", "socket", cfg.LocalSocket)
		errCh <- localSrv.ListenAndServe(ctx)
	}()
	go func() {
		logger.Info("upstream link starting", "server", cfg.ServerBaseURL, "host_id", cfg.HostID)
		errCh <- upClient.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}
