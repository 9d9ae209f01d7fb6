package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/domain/model"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "worker only",
			modes: []config.ServiceMode{config.ServiceModeWorker},
			want:  1,
		},
		{
			name:  "sweeper only",
			modes: []config.ServiceMode{config.ServiceModeSweeper},
			want:  1,
		},
		{
			name:  "all services enabled",
			modes: []config.ServiceMode{config.ServiceModeWorker, config.ServiceModeSweeper},
			want:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "worker only",
			modes: []config.ServiceMode{config.ServiceModeWorker},
			want:  2,
		},
		{
			name:  "all services enabled",
			modes: []config.ServiceMode{config.ServiceModeWorker, config.ServiceModeSweeper},
			want:  3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), "level %q", in)
	}
}

func TestGetEnabledServices(t *testing.T) {
	assert.Empty(t, GetEnabledServices(nil))
	assert.Equal(t, []string{"worker", "sweeper"}, GetEnabledServices(&config.AppConfig{Services: "sweeper,worker"}))
	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))
}

func TestValidateServiceConfig(t *testing.T) {
	require.Error(t, ValidateServiceConfig(nil))
	require.Error(t, ValidateServiceConfig(&config.AppConfig{Services: "http"}))
	require.NoError(t, ValidateServiceConfig(&config.AppConfig{Services: "worker"}))
}

func memoryConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{
		Services: "worker,sweeper",
		Backends: config.BackendConfig{Store: config.BackendMemory, Queue: config.BackendMemory},
		Storage:  config.StorageConfig{Backend: config.StorageBackendLocal, LocalRoot: t.TempDir()},
		Retry:    config.RetryConfig{MaxAttempts: 3},
	}
	cfg.Sanitize()
	return cfg
}

func TestBuildBackends_Memory(t *testing.T) {
	cfg := memoryConfig(t)
	infra, err := InitInfrastructure(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, infra.DB)
	assert.Nil(t, infra.SQLite)
	assert.Nil(t, infra.RedisClient)

	backends, err := BuildBackends(cfg, infra, nil)
	require.NoError(t, err)
	assert.NotNil(t, backends.Jobs)
	assert.NotNil(t, backends.Queue)
	assert.NotNil(t, backends.Storage)
	require.NoError(t, infra.Close())
}

func TestBuildBackends_MissingConnections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.AppConfig)
	}{
		{"postgres store", func(c *config.AppConfig) { c.Backends.Store = config.BackendPostgres }},
		{"sqlite queue", func(c *config.AppConfig) { c.Backends.Queue = config.BackendSQLite }},
		{"redis queue", func(c *config.AppConfig) { c.Backends.Queue = config.BackendRedis }},
		{"redis storage", func(c *config.AppConfig) { c.Storage.Backend = config.StorageBackendRedis }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig(t)
			tt.mutate(cfg)
			_, err := BuildBackends(cfg, &Infrastructure{}, nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadPresetCatalog(t *testing.T) {
	builtin, err := LoadPresetCatalog("")
	require.NoError(t, err)
	require.Contains(t, builtin, "iphone-6.7")

	path := filepath.Join(t.TempDir(), "presets.yaml")
	body := "presets:\n  story: {format: jpeg, quality: 70, width: 1080, height: 1920, scale: 1}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	merged, err := LoadPresetCatalog(path)
	require.NoError(t, err)
	assert.Contains(t, merged, "iphone-6.7", "built-ins survive a custom file")
	story, ok := merged.Lookup("story")
	require.True(t, ok)
	assert.Equal(t, model.ImageFormatJPEG, story.Format)
	assert.Equal(t, 70, story.Quality)

	_, err = LoadPresetCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultRenderSettings(t *testing.T) {
	got := DefaultRenderSettings(config.RenderConfig{DefaultFormat: "jpeg", DefaultQuality: 60})
	want := model.DefaultRenderSettings()
	assert.Equal(t, model.ImageFormatJPEG, got.Format)
	assert.Equal(t, 60, got.Quality)
	assert.Equal(t, want.Width, got.Width)
	assert.Equal(t, want.Height, got.Height)
	assert.InDelta(t, want.Scale, got.Scale, 0)
}

func TestNewServices_Memory(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Render.RateLimit = 5
	infra := &Infrastructure{}
	backends, err := BuildBackends(cfg, infra, nil)
	require.NoError(t, err)

	services, err := NewServices(&ServiceDeps{Config: cfg, Infra: infra, Backends: backends})
	require.NoError(t, err)
	assert.NotNil(t, services.Export)
	assert.NotNil(t, services.Aggregator)
	assert.NotNil(t, services.Render)
	assert.NotNil(t, services.Progress)
	assert.Nil(t, services.Observability.MetricsSink, "metrics are off by default")
	assert.NotNil(t, services.Observability.FailureNotifier)

	worker, err := NewWorkerRunner(cfg, services, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, worker)

	sweep, err := NewSweeperRunner(cfg, services, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, sweep)
}

func TestNewServices_RequiresDeps(t *testing.T) {
	_, err := NewServices(nil)
	require.Error(t, err)
	_, err = NewServices(&ServiceDeps{Config: &config.AppConfig{}})
	require.Error(t, err)
}

func TestRunServicesWithShutdown_RequiresConfig(t *testing.T) {
	require.Error(t, RunServicesWithShutdown(nil))
	require.Error(t, RunServicesWithShutdown(&ServiceOrchestrationConfig{}))
}
