package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/target/exportd/config"
	redisadapter "github.com/target/exportd/internal/adapters/redis"
	"github.com/target/exportd/internal/adapters/storage"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/memstore"
	"github.com/target/exportd/internal/data/sqlitestore"
)

// Infrastructure holds the connections opened for the configured backends.
// Connections a deployment does not need are nil.
type Infrastructure struct {
	DB          *sql.DB
	SQLite      *sql.DB
	RedisClient redis.UniversalClient
}

// InitInfrastructure opens only the connections the configuration needs and
// applies Postgres migrations when enabled.
func InitInfrastructure(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	dbCfg := DatabaseConfig{
		DBConfig:     cfg.Postgres,
		RedisConfig:  cfg.Redis,
		SQLiteConfig: cfg.SQLite,
		Logger:       logger,
	}

	infra := &Infrastructure{}
	var err error
	if cfg.NeedsPostgres() {
		if infra.DB, err = ConnectDB(ctx, dbCfg); err != nil {
			return nil, err
		}
		if cfg.Postgres.RunMigrationsOnStart {
			if err = RunMigrations(ctx, infra.DB, logger); err != nil {
				return nil, errors.Join(err, infra.Close())
			}
		} else if logger != nil {
			logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
		}
	}
	if cfg.NeedsSQLite() {
		if infra.SQLite, err = OpenSQLite(ctx, dbCfg); err != nil {
			return nil, errors.Join(err, infra.Close())
		}
	}
	if cfg.NeedsRedis() {
		if infra.RedisClient, err = ConnectRedis(ctx, dbCfg); err != nil {
			return nil, errors.Join(err, infra.Close())
		}
	}
	return infra, nil
}

// Close closes every open connection.
func (i *Infrastructure) Close() error {
	if i == nil {
		return nil
	}
	var errs []error
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if i.SQLite != nil {
		if err := i.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}
	}
	if i.RedisClient != nil {
		if err := i.RedisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Backends are the port implementations selected by configuration.
type Backends struct {
	Jobs    core.JobStore
	Queue   core.Queue
	Storage core.Storage
}

// BuildBackends selects the job store, queue and storage implementations.
func BuildBackends(cfg *config.AppConfig, infra *Infrastructure, logger *slog.Logger) (*Backends, error) {
	if cfg == nil || infra == nil {
		return nil, errors.New("config and infrastructure are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	jobs, err := buildJobStore(cfg.Backends.Store, infra, logger)
	if err != nil {
		return nil, err
	}
	queue, err := buildQueue(cfg.Backends, infra, logger)
	if err != nil {
		return nil, err
	}
	st, err := buildStorage(cfg.Storage, infra)
	if err != nil {
		return nil, err
	}

	logger.Info("export backends selected",
		"store", cfg.Backends.Store,
		"queue", cfg.Backends.Queue,
		"storage", cfg.Storage.Backend,
	)
	return &Backends{Jobs: jobs, Queue: queue, Storage: st}, nil
}

//nolint:ireturn // the backend is chosen at runtime.
func buildJobStore(backend string, infra *Infrastructure, logger *slog.Logger) (core.JobStore, error) {
	switch backend {
	case config.BackendPostgres:
		if infra.DB == nil {
			return nil, errors.New("postgres job store requires a database connection")
		}
		return data.NewExportJobRepo(infra.DB, data.ExportJobRepoConfig{Logger: logger}), nil
	case config.BackendSQLite:
		if infra.SQLite == nil {
			return nil, errors.New("sqlite job store requires an open sqlite database")
		}
		return sqlitestore.NewStore(infra.SQLite, sqlitestore.Config{Logger: logger}), nil
	case config.BackendMemory:
		logger.Warn("using in-memory job store; jobs are lost on restart")
		return memstore.NewStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown job store backend %q", backend)
	}
}

//nolint:ireturn // the backend is chosen at runtime.
func buildQueue(cfg config.BackendConfig, infra *Infrastructure, logger *slog.Logger) (core.Queue, error) {
	switch cfg.Queue {
	case config.BackendPostgres:
		if infra.DB == nil {
			return nil, errors.New("postgres queue requires a database connection")
		}
		return data.NewExportQueueRepo(infra.DB, data.ExportJobRepoConfig{Logger: logger}), nil
	case config.BackendRedis:
		if infra.RedisClient == nil {
			return nil, errors.New("redis queue requires a redis connection")
		}
		return redisadapter.NewQueue(infra.RedisClient, redisadapter.QueueOptions{
			Prefix: cfg.QueuePrefix,
			Logger: logger,
		}), nil
	case config.BackendSQLite:
		if infra.SQLite == nil {
			return nil, errors.New("sqlite queue requires an open sqlite database")
		}
		return sqlitestore.NewQueue(infra.SQLite, sqlitestore.Config{Logger: logger}), nil
	case config.BackendMemory:
		return memstore.NewQueue(nil), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue)
	}
}

//nolint:ireturn // the backend is chosen at runtime.
func buildStorage(cfg config.StorageConfig, infra *Infrastructure) (core.Storage, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal:
		return storage.NewLocal(cfg.LocalRoot)
	case config.StorageBackendRedis:
		if infra.RedisClient == nil {
			return nil, errors.New("redis storage requires a redis connection")
		}
		return redisadapter.NewArtifactStore(infra.RedisClient, cfg.RedisPrefix, cfg.RedisTTL), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
