package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/internal/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the AS4 endpoint and the background workers",
		Long: `Start the MSH server.

Examples:
  msh serve --config /etc/msh/msh.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, newLogger(cfg.Logging, os.Stderr))
	if err != nil {
		return err
	}
	a.start(ctx)

	errc := make(chan error, 1)
	go func() { errc <- a.server.Start() }()

	select {
	case err = <-errc:
		if err != nil {
			err = fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := a.shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}
