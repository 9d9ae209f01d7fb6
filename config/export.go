package config

import (
	"strings"
	"time"
)

// Backend names accepted by STORE_BACKEND and QUEUE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	StorageBackendLocal = "local"
	StorageBackendRedis = "redis"
)

// BackendConfig selects the job store and queue implementations.
type BackendConfig struct {
	// Store is one of postgres, sqlite, memory.
	Store string `env:"STORE_BACKEND" envDefault:"postgres"`

	// Queue is one of postgres, redis, sqlite, memory.
	Queue string `env:"QUEUE_BACKEND" envDefault:"postgres"`

	// QueuePrefix namespaces Redis queue keys.
	QueuePrefix string `env:"QUEUE_REDIS_PREFIX" envDefault:"exportd:queue:"`

	// PollInterval is how long an idle worker waits for a wake-up before polling.
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
}

// Sanitize normalises backend names; unknown names fall back to postgres.
func (b *BackendConfig) Sanitize() {
	b.Store = normaliseBackend(b.Store, BackendPostgres, BackendSQLite, BackendMemory)
	b.Queue = normaliseBackend(b.Queue, BackendPostgres, BackendRedis, BackendSQLite, BackendMemory)
	if b.PollInterval < 100*time.Millisecond {
		b.PollInterval = 100 * time.Millisecond
	}
	if strings.TrimSpace(b.QueuePrefix) == "" {
		b.QueuePrefix = "exportd:queue:"
	}
}

func normaliseBackend(v string, allowed ...string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}

// StorageConfig selects where source items and artifacts live.
type StorageConfig struct {
	// Backend is one of local, redis.
	Backend string `env:"STORAGE_BACKEND" envDefault:"local"`

	// LocalRoot is the root directory of the local backend.
	LocalRoot string `env:"STORAGE_LOCAL_ROOT" envDefault:"./data/artifacts"`

	// RedisPrefix namespaces blob keys of the redis backend.
	RedisPrefix string `env:"STORAGE_REDIS_PREFIX" envDefault:"exportd:blob:"`

	// RedisTTL expires blobs on the redis backend; zero keeps them until deleted.
	RedisTTL time.Duration `env:"STORAGE_REDIS_TTL" envDefault:"0s"`
}

// Sanitize normalises storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Backend = normaliseBackend(s.Backend, StorageBackendLocal, StorageBackendRedis)
	s.LocalRoot = strings.TrimSpace(s.LocalRoot)
	if s.LocalRoot == "" {
		s.LocalRoot = "./data/artifacts"
	}
	if s.RedisTTL < 0 {
		s.RedisTTL = 0
	}
}

// RenderConfig contains render engine configuration.
type RenderConfig struct {
	// PresetsFile is an optional YAML file of named render settings merged over the built-ins.
	PresetsFile string `env:"RENDER_PRESETS_FILE"`

	// RateLimit caps renders per second across the process; zero disables throttling.
	RateLimit float64 `env:"RENDER_RATE_LIMIT" envDefault:"0"`

	// RateBurst is the token bucket size used with RateLimit.
	RateBurst int `env:"RENDER_RATE_BURST" envDefault:"1"`

	// MaxSourceBytes bounds the size of one source item.
	MaxSourceBytes int64 `env:"RENDER_MAX_SOURCE_BYTES" envDefault:"52428800"`

	// Default render settings applied to fields a request leaves empty.
	DefaultFormat  string  `env:"RENDER_DEFAULT_FORMAT"  envDefault:"png"`
	DefaultQuality int     `env:"RENDER_DEFAULT_QUALITY" envDefault:"90"`
	DefaultWidth   int     `env:"RENDER_DEFAULT_WIDTH"   envDefault:"1290"`
	DefaultHeight  int     `env:"RENDER_DEFAULT_HEIGHT"  envDefault:"2796"`
	DefaultScale   float64 `env:"RENDER_DEFAULT_SCALE"   envDefault:"2"`
}

// Sanitize applies guardrails to render configuration values.
func (r *RenderConfig) Sanitize() {
	r.PresetsFile = strings.TrimSpace(r.PresetsFile)
	r.DefaultFormat = strings.ToLower(strings.TrimSpace(r.DefaultFormat))
	if r.RateLimit < 0 {
		r.RateLimit = 0
	}
	if r.RateBurst < 1 {
		r.RateBurst = 1
	}
	if r.MaxSourceBytes <= 0 {
		r.MaxSourceBytes = 50 << 20
	}
}

// defaultMaxItems matches the EXPORT_MAX_ITEMS default; an unset or
// non-positive limit falls back to it.
const defaultMaxItems = 500

// ExportConfig contains intake limits and artifact retention.
type ExportConfig struct {
	// Retention is how long artifacts stay retrievable after completion.
	Retention time.Duration `env:"EXPORT_RETENTION" envDefault:"168h"` // 7 days

	// MaxItems bounds the number of items in one export request.
	MaxItems int `env:"EXPORT_MAX_ITEMS" envDefault:"500"`

	// RedisProgress publishes progress events on Redis pub/sub for other processes.
	RedisProgress bool `env:"EXPORT_REDIS_PROGRESS" envDefault:"false"`

	// ProgressPrefix namespaces progress channels.
	ProgressPrefix string `env:"EXPORT_PROGRESS_PREFIX" envDefault:"exportd:progress:"`
}

// Sanitize applies guardrails to export configuration values.
func (e *ExportConfig) Sanitize() {
	if e.Retention < time.Minute {
		e.Retention = time.Minute
	}
	if e.MaxItems < 1 {
		e.MaxItems = defaultMaxItems
	}
	if strings.TrimSpace(e.ProgressPrefix) == "" {
		e.ProgressPrefix = "exportd:progress:"
	}
}
