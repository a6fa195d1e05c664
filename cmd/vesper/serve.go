package main

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

	"github.com/seantiz/vesper/internal/api"
	"github.com/seantiz/vesper/internal/config"
	"github.com/seantiz/vesper/internal/engine"
	"github.com/seantiz/vesper/internal/guest"
	"github.com/seantiz/vesper/internal/host"
	"github.com/seantiz/vesper/internal/relay"
	"github.com/seantiz/vesper/internal/settings"
)

// shutdownGrace is added to the teardown timeout when stopping engines on exit.
const shutdownGrace = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lifecycle service and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vesper: starting",
		"listen_addr", cfg.ListenAddr,
		"settings_driver", cfg.SettingsDriver,
		"settings_path", cfg.SettingsPath,
		"launcher", cfg.Launcher,
	)

	store, err := settings.Open(cfg.SettingsDriver, cfg.SettingsPath)
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer store.Close()

	launcher, err := newLauncher(cfg, logger)
	if err != nil {
		return err
	}

	plugin := relay.NewPlugin(store, launcher, logger)
	plugin.Coordinator().SetTeardownTimeout(cfg.TeardownTimeout)

	sched := host.NewScheduler(cfg.TaskBudget, logger)
	adapter := host.NewAdapter(plugin.Coordinator(), store, sched, logger, host.Options{
		RefreshDelay:  cfg.RefreshDelay,
		FetchInterval: cfg.FetchInterval,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if began, err := adapter.OnAppLaunch(ctx); err != nil {
		logger.Error("launch hook failed", "error", err)
	} else if began {
		logger.Info("foreground auto-started")
	}

	srv := api.NewServer(cfg.ListenAddr, plugin, adapter, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return adapter.Run(gctx)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout+shutdownGrace)
	defer cancel()
	if err := sched.Close(shutdownCtx); err != nil {
		logger.Error("scheduler close", "error", err)
	}
	if err := plugin.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}

	logger.Info("vesper: stopped")
	return runErr
}

// newLauncher builds the engine launcher selected by cfg.
func newLauncher(cfg config.Config, logger *slog.Logger) (engine.Launcher, error) {
	switch cfg.Launcher {
	case config.LauncherInProc:
		reg := engine.NewRegistry()
		guest.RegisterEntrypoints(reg, guest.Builtins(), logger)
		return engine.NewFuncLauncher(reg, logger), nil
	case config.LauncherProcess:
		binary := cfg.EngineBinary
		if binary == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolve engine binary: %w", err)
			}
			binary = self
		}
		l := engine.NewProcessLauncher(binary, nil, logger)
		l.SetGracePeriod(cfg.TeardownTimeout / 2)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
	}
}
