package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebridge/internal/log"
)

const (
	shutdownTimeout = 5 * time.Second
	drainInterval   = 100 * time.Millisecond
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the voice relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if err := cfg.RequireAPIKey(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wireApp(ctx, cfg, log.L())
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	regCtx, stopRegistry := context.WithCancel(context.Background())
	defer stopRegistry()
	go func() {
		if err := a.registry.Run(regCtx); err != nil {
			a.logger.Error("registry stopped", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.server.Listen(a.cfg.Server.Addr) }()

	a.logger.Info("voicebridge started",
		"version", version,
		"addr", a.cfg.Server.Addr,
		"model", a.cfg.Realtime.Model,
		"default_strategy", a.cfg.Session.DefaultStrategy,
	)

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		a.store.Close()
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", "error", err)
	}
	a.drain(shutdownCtx)

	if err := a.store.Close(); err != nil {
		a.logger.Warn("memory store close", "error", err)
	}
	a.logger.Info("goodbye")
	return nil
}

// drain waits for live sessions to finish their disconnect cleanup.
func (a *app) drain(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for a.sessions.Stats().Snapshot().SessionsActive > 0 {
		select {
		case <-ctx.Done():
			a.logger.Warn("sessions still active at shutdown", "active", a.sessions.Stats().Snapshot().SessionsActive)
			return
		case <-ticker.C:
		}
	}
}
