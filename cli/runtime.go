package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"fileconvert/config"
	"fileconvert/pipeline"
	"fileconvert/registry"
	"fileconvert/services"
	"fileconvert/webhook"
	"fileconvert/worker"

	"github.com/redis/go-redis/v9"
)

// runtime is one fully wired process: backends, pipeline service, worker
// pool and webhook notifier.
type runtime struct {
	cfg      *config.Config
	db       *sql.DB
	svc      *pipeline.Service
	pool     *worker.Pool
	notifier *webhook.Notifier
	closers  []func() error
}

func newRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.NewDefault()
	if cfg.GotenbergURL != "" {
		if err := services.NewGotenbergService(cfg.GotenbergURL).Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register gotenberg conversions: %w", err)
		}
		log.Printf("Gotenberg URL: %s", cfg.GotenbergURL)
	}
	return reg, nil
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}

	limits := services.QuotaLimits{Conversions: cfg.QuotaConversionsLimit, StorageMB: cfg.QuotaStorageLimitMB}
	deps := pipeline.Deps{
		Registry: reg,
		Limits: pipeline.Limits{
			MaxInputBytes:   cfg.MaxInputBytes,
			DefaultPriority: cfg.DefaultPriority,
			MaxRetries:      cfg.MaxRetries,
			MaxBatchFiles:   cfg.MaxBatchFiles,
		},
	}

	switch cfg.Backend {
	case config.BackendMemory:
		log.Println("Using in-memory backend; state is lost on exit")
		deps.Store = services.NewMemoryStore()
		deps.Quota = services.NewMemoryQuota(limits)
		deps.Queue = services.NewMemoryQueue(cfg.PollInterval)
		deps.Blobs = services.NewMemoryBlobStore()

	case config.BackendPostgres:
		db, err := services.OpenDatabase(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.db = db
		rt.closers = append(rt.closers, db.Close)
		log.Println("Connected to database successfully")

		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rt.closers = append(rt.closers, redisClient.Close)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Println("Connected to Redis successfully")

		blobs, err := services.NewS3Service(cfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to initialize S3: %w", err)
		}

		deps.Store = services.NewPostgresStore(db)
		deps.Quota = services.NewPostgresQuota(db, limits)
		deps.Queue = services.NewRedisQueue(redisClient, cfg.ReadyQueue, cfg.DelayedQueue, cfg.PollInterval)
		deps.Blobs = blobs
		log.Printf("Listening on Redis queues: %s, %s", cfg.ReadyQueue, cfg.DelayedQueue)

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	rt.notifier = webhook.NewNotifier(deps.Store, webhook.OptionsFromConfig(cfg))
	deps.Notifier = rt.notifier

	rt.svc = pipeline.NewService(deps)
	rt.pool = worker.NewPool(cfg, deps, rt.svc.Coordinator())
	return rt, nil
}

// requireDB fails for commands that only make sense against Postgres.
func (rt *runtime) requireDB() (*sql.DB, error) {
	if rt.db == nil {
		return nil, errors.New("this command requires the postgres backend")
	}
	return rt.db, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Printf("Failed to close resource: %v", err)
		}
	}
	rt.closers = nil
}
