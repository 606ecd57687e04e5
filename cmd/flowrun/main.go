package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowrun/internal/api"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

const usage = `usage: flowrun <command> [flags]

commands:
  serve     run the HTTP API (and the worker when no shared queue is configured)
  worker    consume the shared queue, fire schedules and sweep stale executions
  mcp       serve the MCP tools over stdio
  install   write ~/.flowrun/settings.json
  version   print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "worker":
		err = runWorker()
	case "mcp":
		err = runMCP()
	case "install":
		runInstall(os.Args[2:])
	case "version", "-v", "--version":
		printVersion()
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg Config, level *slog.LevelVar) *slog.Logger {
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewWithLeveler(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

// startEngine runs the worker, the scheduler and the sweeper until ctx is
// done. The returned wait blocks until the worker has drained.
func startEngine(ctx context.Context, a *app) (wait func(), err error) {
	parts, err := a.withEngine(ctx)
	if err != nil {
		return nil, err
	}
	if rq, ok := a.queue.(*queue.RedisQueue); ok {
		n, err := rq.RequeueInflight(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			a.logger.Info("requeued interrupted jobs", slog.Int("count", n))
		}
	}
	if err := parts.scheduler.Start(ctx); err != nil {
		return nil, err
	}
	parts.sweeper.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := parts.worker.Run(ctx); err != nil {
			a.logger.Error("worker stopped", slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("worker started", slog.Int("concurrency", a.cfg.Concurrency))

	return func() {
		_ = parts.scheduler.Stop()
		parts.sweeper.Stop()
		wg.Wait()
	}, nil
}

func runServe() error {
	cfg := loadConfig()
	var level slog.LevelVar
	logger := newLogger(cfg, &level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	defer writePidFile()()

	waitEngine := func() {}
	if !a.sharedQueue() || cfg.InlineWorker {
		if waitEngine, err = startEngine(ctx, a); err != nil {
			return err
		}
	}

	build := func(c Config) http.Handler {
		return api.NewServer(api.Deps{
			Service:        a.service,
			Gatherer:       a.registry,
			AllowedOrigins: c.AllowedOrigins,
			StaticDir:      c.StaticDir,
			Logger:         logger,
		}).Handler()
	}
	swapper := newHandlerSwapper(build(cfg))
	go watchReload(ctx, cfg, &level, logger, func(c Config) { swapper.Swap(build(c)) })

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: swapper, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr), slog.String("public_url", cfg.PublicURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	stop()
	waitEngine()
	return nil
}

func runWorker() error {
	cfg := loadConfig()
	var level slog.LevelVar
	logger := newLogger(cfg, &level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if !a.sharedQueue() {
		return errors.New("worker needs REDIS_URL; without it `flowrun serve` runs the worker in-process")
	}

	go watchReload(ctx, cfg, &level, logger, nil)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		msrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer msrv.Close()
	}

	wait, err := startEngine(ctx, a)
	if err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down, waiting for running executions")
	wait()
	return nil
}

func runMCP() error {
	cfg := loadConfig()
	var level slog.LevelVar
	logger := newLogger(cfg, &level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	waitEngine := func() {}
	if !a.sharedQueue() {
		if waitEngine, err = startEngine(ctx, a); err != nil {
			return err
		}
	}

	srv := mcp.NewServer(mcp.ServerDeps{Service: a.service, Version: version, Logger: logger})
	err = srv.Serve(ctx)
	stop()
	waitEngine()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchReload re-reads the settings on SIGHUP. The log level applies at
// once; apply receives the new config for handler-level changes; anything
// else is reported as needing a restart.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger, apply func(Config)) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next := loadConfig()
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if d.OriginsChanged && apply != nil {
			apply(next)
			logger.Info("allowed origins changed", slog.Any("origins", next.AllowedOrigins))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
		}
		current = next
	}
}
