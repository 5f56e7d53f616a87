package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/feedmail/internal/logger"
	"github.com/marmos91/feedmail/pkg/api"
	"github.com/marmos91/feedmail/pkg/config"
	"github.com/marmos91/feedmail/pkg/feed"
	"github.com/marmos91/feedmail/pkg/gc"
	"github.com/marmos91/feedmail/pkg/purge"
	"github.com/marmos91/feedmail/pkg/store/kv"
)

const usage = `feedmail - email-to-feed deletion and purge service

Usage:
  feedmail <command> [flags]

Commands:
  init               Write a default configuration file
  serve              Run the admin API, purge workers and orphan collector
  purge <feedID>     Delete a feed and purge all of its content
  gc                 Run one orphan collection pass

Run 'feedmail <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "purge":
		err = runPurge(os.Args[2:])
	case "gc":
		err = runGC(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to write (default: $XDG_CONFIG_HOME/feedmail/config.yaml)")
	force := fs.Bool("force", false, "Overwrite an existing file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(*force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

// app holds everything built from a loaded configuration.
type app struct {
	cfg     *config.Config
	store   kv.Store
	repo    *feed.Repository
	engine  *purge.Engine
	metrics *config.MetricsResult
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	// Metrics first so the store is created instrumented
	metricsResult := config.InitializeMetrics(cfg)

	store, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		return nil, err
	}

	repo := feed.NewRepository(store)
	engine := purge.NewEngine(repo, cfg.Purge.EngineConfig())
	engine.SetMetrics(metricsResult.PurgeMetrics)

	return &app{
		cfg:     cfg,
		store:   store,
		repo:    repo,
		engine:  engine,
		metrics: metricsResult,
	}, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/feedmail/config.yaml)")
	_ = fs.Parse(args)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("Failed to close store: %v", err)
		}
	}()

	cfg := a.cfg
	logger.Info("feedmail starting")
	logger.Info("  Store: %s", cfg.Store.Type)
	logger.Info("  API: %s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info("  Purge: workers=%d page_limit=%d delete_concurrency=%d",
		cfg.Purge.Workers, cfg.Purge.DefaultPageLimit, cfg.Purge.DeleteConcurrency)

	// NewScheduler registers itself as the engine's purge handoff
	scheduler := purge.NewScheduler(a.engine, cfg.Purge.SchedulerConfig())
	scheduler.Start()

	collector, err := gc.NewCollector(a.repo, scheduler, gc.Config{
		Enabled:  cfg.GC.Enabled,
		Interval: cfg.GC.Interval,
		DryRun:   cfg.GC.DryRun,
	})
	if err != nil {
		return err
	}
	collector.Start()

	apiServer := api.NewServer(api.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, a.engine, a.repo, scheduler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return apiServer.Start(gctx) })
	if a.metrics.Server != nil {
		g.Go(func() error { return a.metrics.Server.Start(gctx) })
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- g.Wait() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running on port %d. Press Ctrl+C to stop.", cfg.Server.Port)

	var serveErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
		cancel()
		serveErr = <-serverDone
	case serveErr = <-serverDone:
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := collector.Stop(shutdownCtx); err != nil {
		logger.Warn("Orphan collector did not stop cleanly: %v", err)
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warn("Purge scheduler did not stop cleanly: %v", err)
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("Server stopped gracefully")
	return nil
}

func runPurge(args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	limit := fs.Int("limit", 0, "Keys per purge step (default: purge.default_page_limit)")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up after this long")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: feedmail purge [flags] <feedID>")
	}
	feedID := fs.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, *timeout)
	defer timeoutCancel()

	a, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	existed, err := a.engine.FastDelete(ctx, feedID)
	if err != nil {
		return err
	}
	if !existed {
		logger.Info("Feed %s had no config record; purging leftover content", feedID)
	}

	stats, err := a.engine.PurgeAll(ctx, feedID, *limit)
	if err != nil {
		return err
	}

	// A server may have queued the same purge; it is done now.
	if err := a.store.Delete(ctx, purge.PendingKey(feedID)); err != nil {
		logger.Warn("Failed to clear pending marker of %s: %v", feedID, err)
	}

	fmt.Printf("Purged feed %s: deleted=%d steps=%d passes=%d\n",
		feedID, stats.Deleted, stats.Steps, stats.Passes)
	return nil
}

func runGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dryRun := fs.Bool("dry-run", false, "Report orphans without purging them")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.store.Close() }()

	collector, err := gc.NewCollector(a.repo, inlinePurge{engine: a.engine, store: a.store}, gc.Config{
		DryRun: *dryRun,
	})
	if err != nil {
		return err
	}

	stats, err := collector.RunNow(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Orphan collection: %s\n", stats.Summary())
	return nil
}

// inlinePurge purges each orphan synchronously; the one-shot gc command has
// no background workers to hand them to.
type inlinePurge struct {
	engine *purge.Engine
	store  kv.Store
}

func (p inlinePurge) Schedule(ctx context.Context, feedID string) error {
	stats, err := p.engine.PurgeAll(ctx, feedID, 0)
	if err != nil {
		return err
	}
	logger.Info("Purged orphaned feed %s: deleted=%d", feedID, stats.Deleted)
	return p.store.Delete(ctx, purge.PendingKey(feedID))
}
