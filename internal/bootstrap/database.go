package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/sqlitestore"
)

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig     config.DBConfig
	RedisConfig  config.RedisConfig
	SQLiteConfig config.SQLiteConfig
	Logger       *slog.Logger
}

// postgresDSN builds the pgx DSN with url.URL so credentials are escaped.
func postgresDSN(cfg config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("sslmode", cfg.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens the Postgres pool backing the job store and queue, sized
// from configuration, and verifies it with a ping.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	dbCfg := cfg.DBConfig
	dbCfg.Sanitize()

	db, err := sql.Open("pgx", postgresDSN(dbCfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(dbCfg.MaxOpenConns)
	db.SetMaxIdleConns(dbCfg.MaxIdleConns)
	db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, dbCfg.ConnectTimeout)
	defer cancel()
	if pingErr := db.PingContext(pingCtx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "database connected",
			"host", dbCfg.Host,
			"port", dbCfg.Port,
			"database", dbCfg.Name,
			"max_open_conns", dbCfg.MaxOpenConns,
		)
	}
	return db, nil
}

type redisMode string

const (
	redisModeDirect   redisMode = "direct"
	redisModeSentinel redisMode = "sentinel"
	redisModeCluster  redisMode = "cluster"
)

// redisTarget is the resolved connection plan for one Redis deployment shape.
type redisTarget struct {
	mode redisMode
	opts *redis.UniversalOptions
}

// describe renders the target for logs without credentials.
func (t redisTarget) describe() string {
	switch t.mode {
	case redisModeSentinel:
		return "sentinel:" + t.opts.MasterName
	case redisModeCluster:
		return "cluster:" + strings.Join(t.opts.Addrs, ",")
	default:
		if len(t.opts.Addrs) == 0 {
			return ""
		}
		return t.opts.Addrs[0]
	}
}

//nolint:ireturn // the deployment shape picks a single, sentinel, or cluster client at runtime.
func (t redisTarget) client() redis.UniversalClient {
	switch t.mode {
	case redisModeCluster:
		return redis.NewClusterClient(t.opts.Cluster())
	case redisModeSentinel:
		return redis.NewFailoverClient(t.opts.Failover())
	default:
		return redis.NewClient(t.opts.Simple())
	}
}

// resolveRedisTarget validates the Redis configuration and turns it into
// client options. Cluster mode falls back to the URI when no nodes are listed.
func resolveRedisTarget(cfg config.RedisConfig) (redisTarget, error) {
	base := &redis.UniversalOptions{
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.ConnectTimeout,
	}

	switch {
	case cfg.UseCluster:
		base.DB = 0 // cluster has no database index
		base.Addrs = normalizeAddrs(cfg.ClusterNodes)
		if len(base.Addrs) == 0 {
			if err := applyRedisURI(base, cfg.URI); err != nil {
				return redisTarget{}, fmt.Errorf("parse redis cluster url: %w", err)
			}
			base.DB = 0
		}
		if len(base.Addrs) == 0 {
			return redisTarget{}, errors.New("redis cluster configuration requires at least one address")
		}
		return redisTarget{mode: redisModeCluster, opts: base}, nil

	case cfg.UseSentinel:
		base.Addrs = normalizeAddrs(cfg.SentinelNodes)
		if len(base.Addrs) == 0 {
			return redisTarget{}, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		base.MasterName = strings.TrimSpace(cfg.SentinelMasterName)
		if base.MasterName == "" {
			return redisTarget{}, errors.New("redis sentinel configuration requires a master name")
		}
		base.SentinelPassword = cfg.SentinelPassword
		return redisTarget{mode: redisModeSentinel, opts: base}, nil

	default:
		if strings.TrimSpace(cfg.URI) == "" {
			return redisTarget{}, errors.New("redis direct configuration requires a URI")
		}
		if err := applyRedisURI(base, cfg.URI); err != nil {
			return redisTarget{}, fmt.Errorf("parse redis url: %w", err)
		}
		return redisTarget{mode: redisModeDirect, opts: base}, nil
	}
}

// applyRedisURI copies address, credentials, database and TLS from a
// redis:// or rediss:// URL into opts. A bare host:port only sets the address.
func applyRedisURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}
	if !isRedisURL(uri) {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return err
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

// ConnectRedis establishes a connection to Redis.
//
//nolint:ireturn // returning redis.UniversalClient lets us pick single, sentinel, or cluster clients at runtime.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	redisCfg := cfg.RedisConfig
	redisCfg.Sanitize()

	target, err := resolveRedisTarget(redisCfg)
	if err != nil {
		return nil, err
	}
	client := target.client()

	pingCtx, cancel := context.WithTimeout(ctx, redisCfg.ConnectTimeout)
	defer cancel()
	if pingErr := client.Ping(pingCtx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "redis connected", "mode", target.mode, "addr", target.describe())
	}
	return client, nil
}

func normalizeAddrs(raw []string) []string {
	result := make([]string, 0, len(raw))
	for _, addr := range raw {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations applies the export_jobs and export_queue schema.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := data.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}

// OpenSQLite opens the embedded job database and applies its schema.
func OpenSQLite(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sqlitestore.Open(ctx, cfg.SQLiteConfig.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.Logger != nil {
		cfg.Logger.InfoContext(ctx, "sqlite opened", "path", cfg.SQLiteConfig.Path)
	}
	return db, nil
}
