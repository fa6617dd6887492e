package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/splitsync/internal/cache"
	"github.com/mesh-intelligence/splitsync/internal/ledger"
	"github.com/mesh-intelligence/splitsync/internal/server"
)

const pruneInterval = time.Hour

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = current.cfg.Server.Addr
			}
			return serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}

func serve(ctx context.Context, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, logger := current.cfg, current.logger

	backend, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Detach()

	layer, err := cache.Open(cfg.Cache, logger)
	if err != nil {
		return systemError("opening cache: %w", err)
	}
	defer layer.Close()

	m, err := openMirror(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	svc := ledger.NewService(backend, layer, ledger.WithLogger(logger))
	ob := newOutbox(backend, m)
	srv := server.New(svc, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx, addr) })
	g.Go(func() error { return ob.Run(ctx, cfg.Outbox.FlushInterval, cfg.Outbox.BatchSize) })
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := ob.Prune(ctx, cfg.Outbox.Retention); err != nil {
					logger.Warn("pruning outbox", slog.String("error", err.Error()))
				}
			}
		}
	})

	logger.Info("splitsync serving",
		slog.String("addr", addr),
		slog.String("data_dir", cfg.DataDir),
		slog.String("mirror", cfg.Mirror.Kind),
	)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
