package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the export worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeSweeper runs the artifact expiration sweeper.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: worker, sweeper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains export worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines per process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobTimeout bounds the wall-clock time of one attempt.
	JobTimeout time.Duration `env:"WORKER_JOB_TIMEOUT" envDefault:"5m"`

	// Lease is the queue lease duration; it is extended every Lease/3 while a job runs.
	Lease time.Duration `env:"WORKER_LEASE" envDefault:"30s"`

	// ID prefixes worker names; defaults to the hostname plus a short random suffix.
	ID string `env:"WORKER_ID"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobTimeout < time.Second {
		w.JobTimeout = time.Second
	}
	if w.Lease < 5*time.Second {
		w.Lease = 5 * time.Second
	}
	w.ID = strings.TrimSpace(w.ID)
}

// RetryConfig contains the automatic retry policy.
type RetryConfig struct {
	// MaxAttempts is the number of attempts, including the first, before a job fails.
	MaxAttempts int `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`

	// BaseDelay is the backoff after the first failed attempt; it doubles per attempt.
	BaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.MaxAttempts < 1 {
		r.MaxAttempts = 1
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 2 * time.Second
	}
	if r.MaxDelay < r.BaseDelay {
		r.MaxDelay = r.BaseDelay
	}
}

// SweeperConfig contains artifact expiration sweeper configuration.
type SweeperConfig struct {
	// Interval is the sweep tick interval. Each start is delayed by up to 10% jitter.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"15m"`

	// BatchSize is the maximum number of expired jobs loaded per query.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"100"`

	// Concurrency bounds parallel storage deletes.
	Concurrency int `env:"SWEEPER_CONCURRENCY" envDefault:"4"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	// Enforce a minimum interval to prevent excessive store load
	if s.Interval < time.Minute {
		s.Interval = time.Minute
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
}
