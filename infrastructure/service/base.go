package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
)

const healthCheckTimeout = 5 * time.Second

// DependencyChecker probes a dependency (a store, an LLM endpoint, a bus)
// and reports whether it is currently reachable.
type DependencyChecker interface {
	CheckHealth(ctx context.Context) error
}

// BaseConfig contains shared configuration for all long-running components
// in the runtime (the tick scheduler, the coordination fabric, the
// introspection surface).
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
	// RequiredEnv lists environment variables that must be present for the
	// component to be considered healthy.
	RequiredEnv []string
	// Dependencies are probed during CheckHealth.
	Dependencies map[string]DependencyChecker
}

// BaseService wraps the common lifecycle every runtime component needs:
// - Safe stop channel management (sync.Once prevents double-close panic)
// - Optional hydrate hook for loading state on startup
// - Background worker management, including a ticker-worker convenience
// - A statistics provider for the introspection /info endpoint
// - Aggregated health state across declared dependencies
type BaseService struct {
	id      string
	name    string
	version string
	mux     *http.ServeMux

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)

	requiredEnv     []string
	dependencies    map[string]DependencyChecker
	healthMu        sync.RWMutex
	depHealthy      map[string]bool
	envLoaded       bool
	lastHealthCheck time.Time
	startTime       time.Time

	logger *logging.Logger
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg *BaseConfig) *BaseService {
	cfgValue := BaseConfig{}
	if cfg != nil {
		cfgValue = *cfg
	}

	logger := cfgValue.Logger
	if logger == nil {
		name := cfgValue.ID
		if name == "" {
			name = "component"
		}
		logger = logging.NewFromEnv(name)
	}

	return &BaseService{
		id:           cfgValue.ID,
		name:         cfgValue.Name,
		version:      cfgValue.Version,
		mux:          http.NewServeMux(),
		stopCh:       make(chan struct{}),
		requiredEnv:  mergeUniqueStrings(cfgValue.RequiredEnv),
		dependencies: cfgValue.Dependencies,
		depHealthy:   make(map[string]bool),
		envLoaded:    len(cfgValue.RequiredEnv) == 0,
		logger:       logger,
	}
}

// ID returns the component identifier.
func (b *BaseService) ID() string { return b.id }

// Name returns the human-readable component name.
func (b *BaseService) Name() string { return b.name }

// Version returns the component version.
func (b *BaseService) Version() string { return b.version }

// Router returns the component's ServeMux, used for the introspection surface.
func (b *BaseService) Router() *http.ServeMux { return b.mux }

// Logger returns the component's structured logger.
func (b *BaseService) Logger() *logging.Logger {
	if b == nil {
		return logging.NewFromEnv("component")
	}
	if b.logger != nil {
		return b.logger
	}
	name := b.id
	if name == "" {
		name = "component"
	}
	b.logger = logging.NewFromEnv(name)
	return b.logger
}

// WithHydrate sets an optional hydrate hook executed during Start.
// The hydrate function runs after Start but before background workers launch.
// Use this to load persistent state (episodes, vector index, registry) into memory.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider function for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers receive the context and should respect context cancellation and
// StopChan().
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

type tickerWorkerConfig struct {
	name           string
	runImmediately bool
}

// TickerWorkerOption configures AddTickerWorker behavior.
type TickerWorkerOption func(*tickerWorkerConfig)

// WithTickerWorkerName sets a friendly name used in error logs.
func WithTickerWorkerName(name string) TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.name = name
	}
}

// WithTickerWorkerImmediate causes the worker to run once immediately on
// start, before waiting for the first ticker interval. Used by the fast and
// slow tick cadences so the first tick isn't delayed by a full interval.
func WithTickerWorkerImmediate() TickerWorkerOption {
	return func(cfg *tickerWorkerConfig) {
		cfg.runImmediately = true
	}
}

// AddTickerWorker registers a periodic background worker. This wraps the
// common ticker loop pattern shared by the fast tick, slow tick, and sweep
// workers throughout the runtime.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerWorkerOption) *BaseService {
	cfg := tickerWorkerConfig{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	worker := func(ctx context.Context) {
		logWorkerError := func(err error) {
			if err == nil {
				return
			}
			entry := b.Logger().WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runImmediately {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			default:
			}

			if err := fn(ctx); err != nil {
				logWorkerError(err)
			}
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					logWorkerError(err)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins all registered workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals workers to exit. Idempotent via sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// Workers is an alias for WorkerCount.
func (b *BaseService) Workers() int {
	return b.WorkerCount()
}

// CheckHealth refreshes the cached health state by probing declared
// dependencies and required environment variables.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	depHealthy := make(map[string]bool, len(b.dependencies))
	for name, dep := range b.dependencies {
		if dep == nil {
			continue
		}
		depHealthy[name] = dep.CheckHealth(ctx) == nil
	}

	envLoaded := true
	for _, name := range b.requiredEnv {
		if name == "" {
			continue
		}
		if os.Getenv(name) == "" {
			envLoaded = false
			break
		}
	}

	b.healthMu.Lock()
	b.depHealthy = depHealthy
	b.envLoaded = envLoaded || len(b.requiredEnv) == 0
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus returns the aggregated health status string.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	deps := make(map[string]bool, len(b.depHealthy))
	for k, v := range b.depHealthy {
		deps[k] = v
	}

	details := map[string]any{
		"dependencies": deps,
		"env_loaded":   len(b.requiredEnv) == 0 || b.envLoaded,
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()

	return details
}

func (b *BaseService) healthStatusLocked() string {
	for _, healthy := range b.depHealthy {
		if !healthy {
			return "unhealthy"
		}
	}
	if len(b.requiredEnv) > 0 && !b.envLoaded {
		return "degraded"
	}
	return "healthy"
}

func mergeUniqueStrings(values []string, extras ...string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0, len(values)+len(extras))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	for _, v := range extras {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ HealthChecker = (*BaseService)(nil)

// HealthChecker provides custom health check logic to the introspection surface.
type HealthChecker interface {
	HealthStatus() string
	HealthDetails() map[string]any
}
