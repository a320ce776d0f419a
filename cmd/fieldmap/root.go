package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/fieldmap/internal/config"
	"github.com/banshee-data/fieldmap/internal/monitoring"
	"github.com/banshee-data/fieldmap/internal/version"
)

var logf, opsf = monitoring.Prefixed("fieldmap")

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// cliContext carries the loaded configuration through the command tree.
type cliContext struct {
	Config     *config.Config
	ConfigPath string
	Logger     *zap.Logger
}

type cliContextKey struct{}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var restore func()

	cmd := &cobra.Command{
		Use:   "fieldmap",
		Short: "Reconstruct and render spatiotemporal fields from point measurements",
		Long: "fieldmap interpolates scattered measurements onto a grid clipped to a\n" +
			"boundary, renders per-timestamp heatmaps and encodes smooth animations\n" +
			"across timestamps.",
		Version: version.Get().String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cc, err := initContext(cmd, opts)
			if err != nil {
				return err
			}
			restore = monitoring.UseZap(cc.Logger)
			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if restore != nil {
				restore()
			}
			if cc, err := getCLIContext(cmd); err == nil {
				_ = cc.Logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (.yaml, .json or .toml)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error); overrides log.level")
	pf.StringVar(&opts.LogFormat, "log-format", "", "log format (console, json); overrides log.format")

	cmd.AddCommand(
		newServeCmd(),
		newHeatmapCmd(),
		newAnimateCmd(),
		newLegendCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return cmd
}

func initContext(cmd *cobra.Command, opts *rootOptions) (*cliContext, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config initialization failed: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	logger, err := monitoring.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("logger initialization failed: %w", err)
	}
	return &cliContext{Config: cfg, ConfigPath: opts.ConfigPath, Logger: logger}, nil
}

func getCLIContext(cmd *cobra.Command) (*cliContext, error) {
	if ctx := cmd.Context(); ctx != nil {
		if cc, ok := ctx.Value(cliContextKey{}).(*cliContext); ok {
			return cc, nil
		}
	}
	return nil, errors.New("command context not initialised")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
			return nil
		},
	}
}
