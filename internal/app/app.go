// Package app is the composition root. It owns the queue, the worker pool
// and every adapter, and hands them to the services by reference.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/ai"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/loader"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/qdrant"
	memoryqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/memory"
	postgresqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/postgres"
	redisqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/sercha-rag/internal/adapters/driven/redis"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driving/http"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/core/services"
	"github.com/custodia-labs/sercha-rag/internal/metrics"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
	"github.com/custodia-labs/sercha-rag/internal/worker"
)

// eventBuffer is the capacity of the worker event channel
const eventBuffer = 1024

// apiShutdownTimeout bounds how long in-flight HTTP requests may finish
const apiShutdownTimeout = 15 * time.Second

// App wires every component for one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	Queue      driven.JobQueue
	Index      driven.VectorIndex
	Lock       driven.DistributedLock // nil with in-memory backends
	Embedding  driven.EmbeddingService
	Completion driven.CompletionService

	// Services
	Pipeline  *services.IngestionPipeline
	Ingestion driving.IngestionService
	Query     driving.QueryService
	Scheduler *services.Scheduler

	// Runtime
	Pool      *worker.Pool
	Collector *metrics.Collector
	Server    *http.Server

	events    chan domain.JobEvent
	closers   []func() error
	closeOnce sync.Once
}

// Option customises New, mostly for tests and alternative providers.
type Option func(*options)

type options struct {
	embedding   driven.EmbeddingService
	completion  driven.CompletionService
	loader      driven.DocumentLoader
	queue       driven.JobQueue
	index       driven.VectorIndex
	redisClient redis.UniversalClient
	version     string
	queueOnly   bool
}

// WithEmbedding uses svc instead of building one from configuration.
func WithEmbedding(svc driven.EmbeddingService) Option {
	return func(o *options) { o.embedding = svc }
}

// WithCompletion uses svc instead of building one from configuration.
func WithCompletion(svc driven.CompletionService) Option {
	return func(o *options) { o.completion = svc }
}

// WithLoader replaces the default MIME-dispatching document loader.
func WithLoader(l driven.DocumentLoader) Option {
	return func(o *options) { o.loader = l }
}

// WithQueue uses q instead of the configured queue backend.
func WithQueue(q driven.JobQueue) Option {
	return func(o *options) { o.queue = q }
}

// WithIndex uses idx instead of the configured vector backend.
func WithIndex(idx driven.VectorIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithRedisClient reuses an existing client for the redis backends.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *options) { o.redisClient = c }
}

// QueueOnly stops New after the queue, the ingestion service and the purge
// scheduler. Queue administration needs no AI provider or vector index.
func QueueOnly() Option {
	return func(o *options) { o.queueOnly = true }
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds the application. On error every resource opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidInput)
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// ===== Connections =====
	redisClient, db, err := a.connect(ctx, o)
	if err != nil {
		return nil, err
	}

	// ===== Distributed lock (Redis if available, otherwise PostgreSQL advisory locks) =====
	switch {
	case redisClient != nil:
		a.Lock = redisadapter.NewLock(redisClient)
		logger.Info("using redis distributed lock")
	case db != nil:
		a.Lock = postgres.NewAdvisoryLock(db)
		logger.Info("using postgres advisory lock")
	}

	// ===== Job queue =====
	if a.Queue, err = a.buildQueue(ctx, o, redisClient, db); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Queue.Close)

	a.Ingestion = services.NewIngestionService(a.Queue, cfg.Queue.MaxAttempts, logger)
	a.Scheduler = services.NewScheduler(services.SchedulerConfig{
		Queue:        a.Queue,
		Lock:         a.Lock,
		Logger:       logger,
		Interval:     cfg.Maintenance.PurgeInterval,
		PurgeAfter:   cfg.Maintenance.PurgeAfter,
		LockRequired: a.Lock != nil,
	})
	if o.queueOnly {
		return a, nil
	}

	// ===== Vector index =====
	a.Index = o.index
	if a.Index == nil {
		if a.Index, err = buildIndex(cfg, db); err != nil {
			return nil, err
		}
	}
	logger.Info("vector index ready", "backend", cfg.Vector.Backend, "collection", a.Index.Collection())

	// ===== AI services =====
	factory := ai.NewFactory()
	a.Embedding = o.embedding
	if a.Embedding == nil {
		if a.Embedding, err = factory.CreateEmbeddingService(&cfg.Embedding.EmbeddingSettings); err != nil {
			return nil, fmt.Errorf("embedding service: %w", err)
		}
		if a.Embedding == nil {
			return nil, fmt.Errorf("%w: embedding provider %q needs an API key", domain.ErrNotConfigured, cfg.Embedding.Provider)
		}
		a.closers = append(a.closers, a.Embedding.Close)
	}
	a.Embedding = ai.NewRateLimitedEmbedding(a.Embedding, cfg.Embedding.RateLimit, int(cfg.Embedding.RateLimit))

	a.Completion = o.completion
	if a.Completion == nil {
		if a.Completion, err = factory.CreateCompletionService(&cfg.LLM); err != nil {
			return nil, fmt.Errorf("completion service: %w", err)
		}
		if a.Completion == nil {
			return nil, fmt.Errorf("%w: llm provider %q needs an API key", domain.ErrNotConfigured, cfg.LLM.Provider)
		}
		a.closers = append(a.closers, a.Completion.Close)
	}

	if err := a.checkDimension(ctx); err != nil {
		return nil, err
	}

	// ===== Pipeline =====
	docLoader := o.loader
	if docLoader == nil {
		docLoader = loader.New(loader.DefaultRegistry(loader.ExecRunner{}, cfg.PDFToTextPath), logger)
	}
	chunker := postprocessors.NewChunker(postprocessors.ChunkConfig{
		MaxChunkSize:       cfg.Chunking.Size,
		Overlap:            cfg.Chunking.Overlap,
		PreserveSentences:  true,
		PreserveParagraphs: true,
	})

	a.Pipeline = services.NewIngestionPipeline(services.PipelineConfig{
		Loader:           docLoader,
		Chunker:          chunker,
		Embedding:        a.Embedding,
		Index:            a.Index,
		Lock:             a.Lock,
		Logger:           logger,
		BatchSize:        cfg.Embedding.BatchSize,
		EmbedMaxAttempts: cfg.Embedding.MaxAttempts,
	})

	// ===== Services =====
	a.Query = services.NewQueryService(services.QueryConfig{
		Embedding:       a.Embedding,
		Index:           a.Index,
		Completion:      a.Completion,
		Logger:          logger,
		TopK:            cfg.Query.TopK,
		MaxContextChars: cfg.Query.MaxContextChars,
	})

	// ===== Worker pool and event consumer =====
	a.events = make(chan domain.JobEvent, eventBuffer)
	a.Collector = metrics.NewCollector(a.events, logger)
	a.Pool = worker.NewPool(worker.Config{
		Queue:         a.Queue,
		Pipeline:      a.Pipeline,
		Scheduler:     a.Scheduler,
		Events:        a.events,
		Logger:        logger,
		Concurrency:   cfg.Worker.Concurrency,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
	})

	// ===== HTTP server =====
	a.Server = http.NewServer(
		http.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			Version:        o.version,
			UploadDir:      cfg.Server.UploadDir,
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			CORSOrigins:    cfg.Server.CORSOrigins,
		},
		a.Ingestion,
		a.Query,
		a.Collector,
		map[string]http.Pinger{
			"queue": a.Queue,
			"index": http.PingFunc(a.Index.HealthCheck),
		},
		logger,
	)

	return a, nil
}

// connect opens the Redis and Postgres connections the backends need.
func (a *App) connect(ctx context.Context, o options) (redis.UniversalClient, *postgres.DB, error) {
	cfg := a.Config

	needRedis := o.queue == nil && cfg.Queue.Backend == config.BackendRedis
	needDB := (o.queue == nil && cfg.Queue.Backend == config.BackendPostgres) ||
		(!o.queueOnly && o.index == nil && cfg.Vector.Backend == config.BackendPGVector)

	redisClient := o.redisClient
	if redisClient == nil && needRedis {
		a.Logger.Info("connecting to redis")
		client, err := redisadapter.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
		}
		a.closers = append(a.closers, client.Close)
		redisClient = client
	}

	var db *postgres.DB
	if needDB {
		a.Logger.Info("connecting to postgres")
		dbCfg := postgres.DefaultConfig(cfg.Database.URL)
		dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
		dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
		dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime

		var err error
		if db, err = postgres.Connect(ctx, dbCfg); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
		}
		a.closers = append(a.closers, db.Close)

		// Idempotent
		if err := db.InitSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return redisClient, db, nil
}

func (a *App) buildQueue(ctx context.Context, o options, redisClient redis.UniversalClient, db *postgres.DB) (driven.JobQueue, error) {
	if o.queue != nil {
		return o.queue, nil
	}

	qc := a.Config.Queue
	switch qc.Backend {
	case config.BackendRedis:
		opts := redisqueue.DefaultOptions()
		opts.VisibilityTimeout = qc.VisibilityTimeout
		opts.PollInterval = qc.PollInterval
		opts.RetryBackoff = qc.RetryBackoff
		opts.JobTTL = qc.JobTTL
		a.Logger.Info("using redis job queue", "consumer", opts.ConsumerName)
		return redisqueue.NewQueue(ctx, redisClient, opts)
	case config.BackendPostgres:
		a.Logger.Info("using postgres job queue")
		return postgresqueue.NewQueue(db.DB, postgresqueue.Options{
			VisibilityTimeout: qc.VisibilityTimeout,
			PollInterval:      qc.PollInterval,
			RetryBackoff:      qc.RetryBackoff,
		}), nil
	case config.BackendMemory:
		a.Logger.Warn("using in-memory job queue, jobs are lost on restart")
		return memoryqueue.NewQueue(memoryqueue.Options{
			VisibilityTimeout: qc.VisibilityTimeout,
			PollInterval:      qc.PollInterval,
			RetryBackoff:      qc.RetryBackoff,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown queue backend %q", domain.ErrInvalidInput, qc.Backend)
	}
}

func buildIndex(cfg *config.Config, db *postgres.DB) (driven.VectorIndex, error) {
	vc := cfg.Vector
	switch vc.Backend {
	case config.BackendQdrant:
		qc := qdrant.DefaultConfig(vc.QdrantURL, vc.Collection)
		qc.APIKey = vc.APIKey
		return qdrant.NewIndex(qc), nil
	case config.BackendPGVector:
		return postgres.NewVectorIndex(db, vc.Collection), nil
	case config.BackendMemory:
		return memory.NewVectorIndex(vc.Collection), nil
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", domain.ErrInvalidInput, vc.Backend)
	}
}

// checkDimension refuses to start when the configured embedding model
// disagrees with an existing collection. An unreachable index is only
// logged so the API can still come up and report it on /ready.
func (a *App) checkDimension(ctx context.Context) error {
	want := a.Embedding.Dimensions()
	if want <= 0 {
		// Learned from the first response
		return nil
	}

	have, err := a.Index.Dimension(ctx)
	switch {
	case errors.Is(err, domain.ErrCollectionNotFound):
		return nil
	case err != nil:
		a.Logger.Warn("could not read collection dimension", "collection", a.Index.Collection(), "error", err)
		return nil
	case have > 0 && have != want:
		return fmt.Errorf("%w: collection %q has dimension %d, embedding model %q produces %d",
			domain.ErrDimensionMismatch, a.Index.Collection(), have, a.Embedding.Model(), want)
	}
	return nil
}

// RunWorker processes jobs until ctx is cancelled, then drains the pool.
func (a *App) RunWorker(ctx context.Context) error {
	go a.Collector.Run(context.WithoutCancel(ctx))

	if err := a.Pool.Start(ctx); err != nil {
		return err
	}
	a.Logger.Info("worker started", "concurrency", a.Config.Worker.Concurrency)

	<-ctx.Done()

	a.Logger.Info("stopping worker")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Worker.ShutdownGrace+apiShutdownTimeout)
	defer cancel()
	return a.Pool.Stop(stopCtx)
}

// RunAPI serves HTTP until ctx is cancelled.
func (a *App) RunAPI(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), apiShutdownTimeout)
	defer cancel()
	if err := a.Server.Stop(stopCtx); err != nil {
		return err
	}
	return <-errCh
}

// Serve runs the API and the worker together. The first to fail stops both.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.RunAPI(ctx) })
	g.Go(func() error { return a.RunWorker(ctx) })
	return g.Wait()
}

// Close releases every resource in reverse order of acquisition. The
// worker pool must already be stopped.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		if a.events != nil {
			close(a.events)
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
