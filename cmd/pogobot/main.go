// Command pogobot forwards scanner sightings and raids to Telegram
// subscribers.
//
// Usage:
//
//	pogobot --config ./config.yaml            # serve
//	pogobot validate --config ./config.yaml
//	pogobot import --config ./config.yaml subscribers.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pogobot/internal/app"
	"pogobot/internal/config"
	logx "pogobot/pkg/logx"
	"pogobot/pkg/systemd"
)

func main() {
	// Secrets usually live in .env next to the config.
	_ = godotenv.Load(".env")

	var cfgPath string
	root := &cobra.Command{
		Use:           "pogobot",
		Short:         "Sighting and raid notifications for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(validateCmd(&cfgPath))
	root.AddCommand(importCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), *cfgPath)
		},
	}
}

func validateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.ParseConfig(*cfgPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", *cfgPath)
			return nil
		},
	}
}

func importCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <subscribers.yaml>",
		Short: "Copy a subscribers document into the configured storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*cfgPath).Parse()
			if err != nil {
				return err
			}
			log := logx.NewConsole(cfg.Logging.Level)
			st, err := app.ImportSubscribers(cmd.Context(), cfg, args[0], log)
			if err != nil {
				return err
			}
			log.Info("subscribers imported",
				logx.Int("filters", st.Filters),
				logx.Int("users", st.Users),
				logx.Int("groups", st.Groups),
			)
			return nil
		},
	}
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	_, _ = systemd.Ready()
	go func() { _ = systemd.Watchdog(ctx) }()

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-parent.Done():
		reason = app.StopAppStop
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = systemd.Stopping()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
