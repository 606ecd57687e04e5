package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/integrations"
	"github.com/rendis/flowrun/internal/nodes"
	"github.com/rendis/flowrun/internal/queue"
	"github.com/rendis/flowrun/internal/scheduler"
	"github.com/rendis/flowrun/internal/service"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/validation"
	"github.com/rendis/flowrun/pkg/schema"
)

// app is the wired set of components shared by every subcommand.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	queue    queue.Queue
	redis    *goredis.Client
	registry *prometheus.Registry
	metrics  *engine.Metrics
	service  *service.Service

	closers []func()
}

// newApp opens the store and the queue and builds the service layer.
// Node integrations are only wired by withEngine.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = engine.NewMetrics(a.registry)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	policy := queue.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.Delay = time.Duration(cfg.RetryDelay)

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, schema.NewError(schema.ErrCodeConfig, "invalid REDIS_URL").WithCause(err)
		}
		a.redis = goredis.NewClient(opts)
		rq := queue.NewRedisQueue(a.redis, policy, queue.WithRedisLogger(logger))
		if err := rq.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.queue = rq
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		logger.Info("using redis queue", slog.String("addr", opts.Addr))
	} else {
		a.queue = queue.NewMemoryQueue(policy)
		logger.Info("using in-memory queue")
	}
	a.closers = append(a.closers, func() { _ = a.queue.Close() })

	v, err := validation.New()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = service.New(a.store, a.queue, v, scheduler.NewRegistrar(a.queue, logger),
		service.WithLogger(logger),
		service.WithPublicURL(cfg.PublicURL))
	return a, nil
}

// sharedQueue reports whether other processes can see this queue.
func (a *app) sharedQueue() bool { return a.redis != nil }

// engineParts are the components that consume the queue.
type engineParts struct {
	worker    *engine.Worker
	scheduler *scheduler.Scheduler
	sweeper   *engine.Sweeper
}

// withEngine wires node integrations into a coordinator and returns the
// worker, scheduler and sweeper around it.
func (a *app) withEngine(ctx context.Context) (*engineParts, error) {
	svc, err := a.nodeServices(ctx)
	if err != nil {
		return nil, err
	}
	executor := nodes.NewExecutor(svc, a.logger)
	live := engine.NewLiveExecutions()
	coord := engine.NewCoordinator(a.store, executor,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithLiveExecutions(live))

	return &engineParts{
		worker:    engine.NewWorker(a.queue, coord, a.cfg.Concurrency, a.logger),
		scheduler: scheduler.NewScheduler(a.queue, time.Duration(a.cfg.SchedulerInterval), a.logger),
		sweeper:   engine.NewSweeper(a.store, time.Duration(a.cfg.StaleAfter), time.Minute, a.metrics, a.logger,
			engine.SkipLive(live)),
	}, nil
}

// nodeServices builds the clients node executors call. Unconfigured
// integrations stay nil so their nodes fail with CONFIG_ERROR.
func (a *app) nodeServices(ctx context.Context) (nodes.Services, error) {
	cfg := a.cfg
	breaker := integrations.DefaultBreakerConfig()
	client := integrations.NewJSONClient(integrations.HTTPConfig{
		Timeout:       time.Duration(cfg.HTTPTimeout),
		RatePerSecond: cfg.HTTPRate,
		Burst:         int(cfg.HTTPRate) + 1,
		Breaker:       &breaker,
	})

	svc := nodes.Services{HTTP: client, From: cfg.MailFrom}

	if slack := integrations.NewSlackPoster(client, cfg.SlackWebhookURL); slack != nil {
		svc.Slack = slack
	}
	if cfg.ResendAPIKey != "" {
		mailer, err := integrations.NewResendMailer(cfg.ResendAPIKey, cfg.ResendBaseURL)
		if err != nil {
			return svc, err
		}
		svc.Mailer = mailer
	}

	objects, err := integrations.NewS3Fetcher(ctx, integrations.S3Config{
		Region:          cfg.AWSRegion,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	})
	if err != nil {
		a.logger.Warn("s3 unavailable, parseCSV nodes will fail", slog.String("error", err.Error()))
	} else {
		svc.Objects = objects
	}

	rows := integrations.NewRowService(client, cfg.DataServiceURL)
	svc.Enricher = rows
	svc.Sinks = map[schema.NodeType]nodes.RowSink{
		schema.NodeAirtable: rows.Sink(integrations.AirtablePath),
		schema.NodePostgres: rows.Sink(integrations.PostgresPath),
	}
	if cfg.ProcessedDBURL != "" {
		pg, err := integrations.NewPostgresSink(ctx, cfg.ProcessedDBURL, integrations.WithPostgresLogger(a.logger))
		if err != nil {
			return svc, fmt.Errorf("connect processed db: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		svc.Sinks[schema.NodePostgres] = pg
	}
	return svc, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
