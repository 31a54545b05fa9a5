package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the store open, flushing periodically and exposing metrics",
	Long: `serve opens the store and keeps it open until interrupted. Every
store.flush_interval the index is flushed to the persistent layer; when
metrics are enabled the Prometheus endpoint is served on metrics.port.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := config.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		logger.Info("Store %s open: block size %d, device %s", env.Store.ID(), env.Store.BlockSize(), cfg.Device.Type)

		g, gctx := errgroup.WithContext(ctx)
		if srv := env.Metrics.Server; srv != nil {
			g.Go(func() error { return srv.Start(gctx) })
		}
		if interval := cfg.Store.FlushInterval; interval > 0 {
			g.Go(func() error { return flushLoop(gctx, env, interval) })
		}

		<-gctx.Done()
		logger.Info("Shutting down")
		runErr := g.Wait()
		if errors.Is(runErr, context.Canceled) {
			runErr = nil
		}

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := env.Close(closeCtx); err != nil {
			return errors.Join(runErr, fmt.Errorf("failed to close store: %w", err))
		}
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// flushLoop flushes the store every interval until ctx is done. A failed
// flush is logged and retried on the next tick.
func flushLoop(ctx context.Context, env *config.Environment, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := env.Store.Flush(ctx); err != nil {
				logger.Error("Periodic flush failed: %v", err)
				continue
			}
			logger.Debug("Periodic flush completed in %v", time.Since(start))
		}
	}
}
