// Package bootstrap builds the components shared by the server, the worker
// and the operator CLI from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/client"
	"github.com/visualmatrix/api/internal/config"
	"github.com/visualmatrix/api/internal/dispatch"
	"github.com/visualmatrix/api/internal/health"
	"github.com/visualmatrix/api/internal/logging"
	"github.com/visualmatrix/api/internal/provider"
	"github.com/visualmatrix/api/internal/queue"
	"github.com/visualmatrix/api/internal/registry"
	"github.com/visualmatrix/api/internal/service"
	"github.com/visualmatrix/api/internal/store"
	"github.com/visualmatrix/api/internal/worker"
)

// Runtime holds the long-lived clients of one process.
type Runtime struct {
	Config *config.Config
	Log    zerolog.Logger

	Redis    *redis.Client
	Store    store.Store
	Objects  client.ObjectStore
	LocalDir string // empty when objects live in R2

	Adapters   *provider.Set
	Loader     *provider.ImageLoader
	Monitor    *health.Monitor
	Dispatcher *dispatch.Dispatcher

	Asynq    *asynq.Client
	Enqueuer *queue.Enqueuer

	Jobs     *service.JobService
	Uploads  *service.UploadService
	Channels *service.ChannelService
}

func RedisClientOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// Open connects to redis, the configured store and object storage and
// wires the services on top of them.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	rt.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not available")
	}

	st, err := openStore(ctx, cfg, rt.Redis, log)
	if err != nil {
		rt.Redis.Close()
		return nil, err
	}
	rt.Store = st

	if err := rt.openObjects(ctx); err != nil {
		rt.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: 10 * time.Minute}
	rt.Adapters = provider.NewDefaultSet(provider.Options{HTTPClient: httpClient})
	rt.Loader = provider.NewImageLoader(httpClient, cfg.Dispatch.MaxImageEdge, rt.LocalDir)
	rt.Monitor = health.NewMonitor(rt.Store, rt.Adapters, cfg.Health.ProbeTimeout, cfg.Health.Concurrency, log)
	rt.Dispatcher = dispatch.New(registry.New(rt.Store), rt.Adapters, rt.Monitor, cfg.Dispatch.CallTimeout, log)

	rt.Asynq = asynq.NewClient(RedisClientOpt(cfg))
	rt.Enqueuer = queue.NewEnqueuer(rt.Asynq,
		queue.Policy{MaxAttempts: cfg.Pipeline.MaxAttempts, Backoff: cfg.Pipeline.AnalysisBackoff, Factor: 1},
		queue.Policy{MaxAttempts: cfg.Pipeline.MaxAttempts, Backoff: cfg.Pipeline.GenerationBackoff, Factor: 2},
	)

	rt.Jobs = service.NewJobService(rt.Store, rt.Store, rt.Enqueuer, cfg.Pipeline.BaseGenerationCost, cfg.Pipeline.MaxQuantity)
	rt.Uploads = service.NewUploadService(rt.Objects, rt.Loader, int64(cfg.Server.BodyLimitMB)<<20)
	rt.Channels = service.NewChannelService(rt.Store, rt.Monitor)
	return rt, nil
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis", "":
		return store.NewRedis(rdb), nil
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		pg, err := store.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return pg, nil
	case "memory":
		log.Warn().Msg("using in-memory store; state is lost on restart and not shared between processes")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (rt *Runtime) openObjects(ctx context.Context) error {
	if rt.Config.R2.Configured() {
		r2, err := client.NewR2Client(ctx, &rt.Config.R2)
		if err != nil {
			return err
		}
		rt.Objects = r2
		return nil
	}

	rt.Log.Info().Str("dir", rt.Config.Storage.LocalDir).Msg("R2 storage not configured, using local storage")
	local, err := client.NewLocalStore(rt.Config.Storage.LocalDir, rt.Config.Storage.PublicBaseURL)
	if err != nil {
		return err
	}
	rt.Objects = local
	rt.LocalDir = local.Dir()
	return nil
}

// NewWorkerServer builds the asynq server and binds the stage and health
// handlers. Events go to notifier.
func (rt *Runtime) NewWorkerServer(notifier worker.Notifier) (*asynq.Server, *asynq.ServeMux) {
	cfg := rt.Config
	srv := asynq.NewServer(RedisClientOpt(cfg), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			queue.QueueAnalysis:   cfg.Worker.AnalysisWeight,
			queue.QueueGeneration: cfg.Worker.GenerationWeight,
			queue.QueueHealth:     cfg.Worker.HealthWeight,
		},
		Logger:   logging.NewAsynqLogger(rt.Log),
		LogLevel: logging.AsynqLevel(cfg.Server.LogLevel),
	})

	orchestrator := worker.NewOrchestrator(
		rt.Store, rt.Store, rt.Dispatcher, rt.Loader, rt.Objects, notifier, rt.Enqueuer,
		worker.Options{
			ClaimTTL:              cfg.Pipeline.ClaimTTL,
			GenerationConcurrency: cfg.Pipeline.GenerationConcurrency,
		},
		rt.Log,
	)

	mux := asynq.NewServeMux()
	orchestrator.Register(mux)
	worker.NewHealthWorker(rt.Monitor, rt.Log).Register(mux)
	return srv, mux
}

// NewScheduler builds the periodic health sweep scheduler.
func (rt *Runtime) NewScheduler() (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(RedisClientOpt(rt.Config), &asynq.SchedulerOpts{
		Logger:   logging.NewAsynqLogger(rt.Log),
		LogLevel: logging.AsynqLevel(rt.Config.Server.LogLevel),
	})
	id, err := health.RegisterSweep(scheduler, rt.Config.Health.Schedule)
	if err != nil {
		return nil, err
	}
	rt.Log.Info().Str("entry_id", id).Str("schedule", rt.Config.Health.Schedule).Msg("health sweep scheduled")
	return scheduler, nil
}

func (rt *Runtime) Close() {
	if rt.Asynq != nil {
		rt.Asynq.Close()
	}
	if rt.Store != nil {
		rt.Store.Close()
	}
	if rt.Redis != nil {
		rt.Redis.Close()
	}
}
