// Command relayd-server is the central routing daemon (spec.md §4.8): it
// terminates HostD's upstream link, authenticates apps, persists events,
// and fans state out to connected apps. Modeled on the teacher's cmd/wtd
// (cobra root + signal.NotifyContext graceful shutdown).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/alderwick/relay/internal/config"
	"github.com/alderwick/relay/internal/logger"
	"github.com/alderwick/relay/internal/server"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd-server",
		Short: "relay central routing server",
		RunE:  runServerD,
	}
	root.Flags().String("log-level", "info", "log level: debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServerD(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg := config.LoadServerConfig()
	if err := logger.Init(logLevel, cfg.LogPath); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if cfg.AdminUsername == "" || cfg.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD_HASH must be set")
	}

	store, err := server.OpenStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	defer store.Close()

	srv := server.New(store, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("relayd-server listening", "addr", cfg.BindAddr)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
