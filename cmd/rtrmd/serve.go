package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/rtrm/pkg/accountant"
	"github.com/cuemby/rtrm/pkg/appmanager"
	"github.com/cuemby/rtrm/pkg/config"
	"github.com/cuemby/rtrm/pkg/events"
	"github.com/cuemby/rtrm/pkg/log"
	"github.com/cuemby/rtrm/pkg/metrics"
	"github.com/cuemby/rtrm/pkg/platform"
	"github.com/cuemby/rtrm/pkg/rpc"
	"github.com/cuemby/rtrm/pkg/scheduler"
	rtrmsync "github.com/cuemby/rtrm/pkg/sync"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, args []string) error {
	testPlugins, _ := cmd.Flags().GetBool("test-plugins")
	if testPlugins {
		return runPluginSelfTest()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.WithComponent("rtrmd")
	rtrmsync.Slack = cfg.SyncSlack

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	acct := accountant.New()
	descriptions, err := platform.Discover()
	if err != nil {
		return fmt.Errorf("discover platform resources: %w", err)
	}
	for _, d := range descriptions {
		for _, r := range d.ResourceList() {
			if err := acct.Register(r.Path, r.Units, r.Total); err != nil {
				return fmt.Errorf("register resource %s: %w", r.Path.String(), err)
			}
		}
	}
	acct.SetPlatformReady()

	host, err := platform.NewHost(cfg.CgroupRoot)
	if err != nil {
		return fmt.Errorf("init host platform proxy: %w", err)
	}
	proxy := platform.NewCompositeProxy(host)

	apps := appmanager.New(cfg.MinRecipeVersion, broker, acct, proxy)

	server := rpc.NewServer(apps)
	syncMgr := rtrmsync.NewManager(server, acct, proxy)
	policy := scheduler.NewGreedyValuePolicy(apps.PriorityOf)
	invoker := scheduler.NewInvoker(apps, acct, syncMgr, policy, cfg.SchedulerTick)
	server.SetInvoker(invoker)

	listener, err := rpc.NewListener(filepath.Join(cfg.FIFODir, "rtrmd.fifo"))
	if err != nil {
		return fmt.Errorf("create rpc listener: %w", err)
	}

	collector := metrics.NewCollector(apps, acct)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("accountant", true, "ready")
	metrics.RegisterComponent("platform", true, "ready")
	metrics.RegisterComponent("rpc", false, "starting")
	metrics.RegisterComponent("scheduler", true, "ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go invoker.Run(ctx)

	serveErrCh := make(chan error, 1)
	go func() {
		metrics.RegisterComponent("rpc", true, "ready")
		if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			serveErrCh <- err
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info().
		Str("fifo_dir", cfg.FIFODir).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("rtrmd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		logger.Error().Err(err).Msg("rpc listener failed")
		cancel()
		return err
	case err := <-httpErrCh:
		logger.Error().Err(err).Msg("metrics server failed")
	}

	cancel()
	invoker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

// loadConfig builds the daemon's Config from --config if given, falling
// back to config.Default() for everything a file doesn't specify.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return config.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if pluginsDir, _ := cmd.Flags().GetString("plugins-dir"); pluginsDir != "" {
		cfg.PluginsDir = pluginsDir
	}

	if cfg.MinRecipeVersion == 0 {
		cfg.MinRecipeVersion = 1
	}

	if err := os.MkdirAll(cfg.FIFODir, 0o755); err != nil {
		return config.Config{}, fmt.Errorf("create fifo dir %s: %w", cfg.FIFODir, err)
	}

	return cfg, nil
}
