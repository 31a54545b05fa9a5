// Command extentctl operates an extent store: it formats and opens the
// store described by a configuration file and reads, writes, truncates
// and inspects its objects.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/config"
	"github.com/marmos91/extentstore/pkg/store/object"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:   "extentctl",
		Short: "Inspect and modify an extent store",
		Long: `extentctl opens the store described by its configuration file
(default $XDG_CONFIG_HOME/extentstore/config.yaml) and runs one operation
against it. Changes are flushed to the persistent index on exit.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/extentstore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logs")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and applies its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if debug {
		level = "DEBUG"
	}
	logger.SetLevel(level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withStore opens the configured store, runs fn and closes the store,
// flushing it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, env *config.Environment) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	env, err := config.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	runErr := fn(ctx, env)
	if err := env.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close store: %w", err)
	}
	return runErr
}

// withHandle opens object args[0] of the configured store and runs fn on it.
func withHandle(cmd *cobra.Command, args []string, opts object.HandleOptions, fn func(ctx context.Context, h *object.DataObjectHandle) error) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid object id %q: %w", args[0], err)
	}
	return withStore(cmd, func(ctx context.Context, env *config.Environment) error {
		h, err := env.Store.OpenObject(ctx, id, opts)
		if err != nil {
			return err
		}
		if err := fn(ctx, h); err != nil {
			return err
		}
		return h.Flush(ctx)
	})
}

// parseSize parses a byte count flag or argument ("4096", "4KiB").
func parseSize(s string) (uint64, error) {
	n, err := config.ParseByteSize(s)
	if err != nil {
		return 0, err
	}
	return n.Bytes(), nil
}
