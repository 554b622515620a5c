package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sysmetrics/connreg/internal/api"
	"github.com/sysmetrics/connreg/internal/backend"
	"github.com/sysmetrics/connreg/internal/guard"
	"github.com/sysmetrics/connreg/internal/health"
	"github.com/sysmetrics/connreg/internal/registry"
)

// NewServeCommand creates the serve command, the long-running service:
// it loads the secrets, connects to every platform, starts the health
// supervisor and the status API, and reloads on SIGHUP.
func NewServeCommand(cfg *Config) *cobra.Command {
	var (
		listen        string
		startDegraded bool
		probeInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to all platforms and serve the status API",
		Long: `Load the connection secret, open a connection to every declared
platform, and keep serving until interrupted.

By default startup fails if any platform cannot be reached. With
--start-degraded the service starts anyway and the health supervisor
keeps retrying unreachable platforms in the background.

SIGHUP re-reads the secret and applies it atomically: unchanged
platforms keep their connections, changed ones reconnect, removed ones
are closed. If the new secret does not parse, the running set is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), cfg, listen, startDegraded, probeInterval)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", api.DefaultConfig().Addr, "Status API listen address")
	cmd.Flags().BoolVar(&startDegraded, "start-degraded", false, "Start even if some platforms are unreachable")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", health.DefaultConfig().Interval, "Health probe interval")

	return cmd
}

func runServe(ctx context.Context, cfg *Config, listen string, startDegraded bool, probeInterval time.Duration) error {
	bundle, err := cfg.loadBundle()
	if err != nil {
		return err
	}

	shared, err := cfg.loadShared()
	if err != nil {
		return err
	}
	g := guard.New(shared)
	defer func() {
		g.Destroy()
		guard.Purge()
	}()

	valid, failures, err := cfg.validateBundle(bundle, g.HasSecret())
	if err != nil {
		return err
	}
	for name, verr := range failures {
		cfg.Logger.Warn("platform %s rejected: %v", name, verr)
	}
	if len(valid) == 0 && !startDegraded {
		return fmt.Errorf("no valid platforms in %s (use --start-degraded to wait for rotation)", cfg.ConnectionsPath)
	}

	reg := registry.New(backend.NewSet(), g, cfg.Logger, registry.DefaultOptions())
	defer reg.Close()

	connectFailures := reg.Reload(ctx, valid)
	for name, cerr := range connectFailures {
		cfg.Logger.Error("platform %s: %v", name, cerr)
	}
	if len(connectFailures) > 0 && !startDegraded {
		return fmt.Errorf("%d platform(s) unreachable at startup (use --start-degraded to continue)", len(connectFailures))
	}
	cfg.Logger.Info("registered %d of %d platform(s)", len(reg.Names()), len(valid))

	healthCfg := health.DefaultConfig()
	healthCfg.Interval = probeInterval
	sup := health.New(reg, healthCfg, cfg.Logger)
	sup.Start(ctx)
	defer sup.Stop()

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = listen
	server := api.New(reg, sup, cfg.Logger, apiCfg)
	server.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cfg.Logger.Warn("status API shutdown: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			switch sig {
			case syscall.SIGHUP:
				reload(ctx, cfg, g, reg)
			default:
				cfg.Logger.Info("received %v, shutting down", sig)
				return nil
			}
		}
	}
}

// reload re-reads the secret and applies it to the registry. A secret
// that fails to parse leaves the running set untouched.
func reload(ctx context.Context, cfg *Config, g *guard.Guard, reg *registry.Registry) {
	cfg.Logger.Info("reload requested, re-reading %s", cfg.ConnectionsPath)

	bundle, err := cfg.loadBundle()
	if err != nil {
		cfg.Logger.Error("reload aborted, keeping current platforms: %v", err)
		return
	}

	valid, failures, err := cfg.validateBundle(bundle, g.HasSecret())
	if err != nil {
		cfg.Logger.Error("reload aborted, keeping current platforms: %v", err)
		return
	}
	for name, verr := range failures {
		cfg.Logger.Warn("platform %s rejected: %v", name, verr)
	}

	connectFailures := reg.Reload(ctx, valid)
	for name, cerr := range connectFailures {
		cfg.Logger.Error("platform %s: %v", name, cerr)
	}
	cfg.Logger.Info("reload complete: %d platform(s) registered (generation %d)", len(reg.Names()), reg.Generation())
}
