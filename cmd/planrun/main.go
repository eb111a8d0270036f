// Command planrun executes methods of compiled planrt programs.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sbl8/planrt/backend"
	"github.com/sbl8/planrt/backend/shard"
	"github.com/sbl8/planrt/config"
	"github.com/sbl8/planrt/internal/ctxlog"
	"github.com/sbl8/planrt/internal/logging"
	"github.com/sbl8/planrt/internal/telemetry"
	"github.com/sbl8/planrt/runtime"
)

// backendHooks register optional delegate backends. Build-tagged files append
// to it.
var backendHooks []func(*backend.Registry, *config.Config) error

// app is the state shared by every subcommand.
type app struct {
	configPath string
	useMmap    bool
	cfg        *config.Config
	telemetry  *telemetry.Telemetry
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "planrun",
		Short:        "Run methods of planrt programs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.telemetry == nil {
				return nil
			}
			return a.telemetry.Shutdown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a planrt YAML config")
	root.PersistentFlags().BoolVar(&a.useMmap, "mmap", false, "map the program instead of reading it")
	root.AddCommand(
		newRunCmd(a),
		newPrefillCmd(a),
		newGenerateCmd(a),
		newBenchCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.cfg = config.Default()
	if a.configPath != "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	if a.useMmap {
		a.cfg.Runtime.UseMmap = true
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.New(a.cfg.Logging, cmd.ErrOrStderr())
	ctx = ctxlog.WithLogger(ctx, logger)

	tel, err := telemetry.Init(ctx, a.cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.telemetry = tel
	if a.cfg.Telemetry.Metrics == "prometheus" {
		addr, err := tel.ServeMetrics(a.cfg.Telemetry.PrometheusAddr)
		if err != nil {
			return err
		}
		logger.Info("serving metrics", "addr", addr)
	}
	cmd.SetContext(ctx)
	return nil
}

// engine opens the program at path with every configured backend.
func (a *app) engine(path string) (*runtime.Engine, error) {
	reg := backend.NewRegistry()
	if err := shard.Register(reg, a.cfg.ShardOptions()); err != nil {
		return nil, err
	}
	for _, hook := range backendHooks {
		if err := hook(reg, a.cfg); err != nil {
			return nil, err
		}
	}
	opts := a.cfg.EngineOptions()
	opts.Backends = reg
	e, err := runtime.Load(path, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return e, nil
}
