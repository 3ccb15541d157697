// Command agentd runs the long-running cognitive agent process: the tick
// scheduler, the protected LLM access pipeline, the memory substrate, the
// event bus, the multi-agent coordination fabric, and the introspection
// surface, wired together and brought down with an ordered graceful
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	"github.com/R3E-Network/agentcore/infrastructure/middleware"
	"github.com/R3E-Network/agentcore/infrastructure/resilience"
	"github.com/R3E-Network/agentcore/infrastructure/service"
	"github.com/R3E-Network/agentcore/infrastructure/state"
	"github.com/R3E-Network/agentcore/internal/coordination/consensus"
	"github.com/R3E-Network/agentcore/internal/coordination/msgbus"
	"github.com/R3E-Network/agentcore/internal/coordination/registry"
	"github.com/R3E-Network/agentcore/internal/coordination/tasks"
	"github.com/R3E-Network/agentcore/internal/eventbus"
	"github.com/R3E-Network/agentcore/internal/introspection"
	"github.com/R3E-Network/agentcore/internal/llm"
	"github.com/R3E-Network/agentcore/internal/memory/episodic"
	"github.com/R3E-Network/agentcore/internal/memory/vector"
	"github.com/R3E-Network/agentcore/internal/scheduler"
	"github.com/R3E-Network/agentcore/internal/startup"
	"github.com/R3E-Network/agentcore/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("agentd", cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	validator := startup.New(startup.DefaultConfig())
	preflight := validator.Run(ctx, cfg)
	for _, check := range preflight.Checks {
		fields := map[string]any{"check": check.Name, "passed": check.Passed, "fatal": check.Fatal}
		if check.Passed {
			log.Info(ctx, "startup check passed", fields)
		} else {
			fields["message"] = check.Message
			log.Warn(ctx, "startup check failed", fields)
		}
	}
	if !preflight.Healthy {
		log.Fatal(ctx, "startup validation failed", fmt.Errorf("%d issue(s): %v", len(preflight.Issues), preflight.Issues))
	}

	mx := metrics.New("agentd")
	samplerCtx, stopSampler := context.WithCancel(ctx)
	mx.StartProcessSampler(samplerCtx, 15*time.Second)

	if err := os.MkdirAll(cfg.Database.DataDir, 0o755); err != nil {
		log.Fatal(ctx, "create data directory", err)
	}

	episodicStore, err := episodic.Open(cfg.Database.EpisodicDSN())
	if err != nil {
		log.Fatal(ctx, "open episodic store", err)
	}
	vectorStore, err := vector.Open(cfg.Database.VectorDSN(), cfg.LLM.EmbeddingDim)
	if err != nil {
		log.Fatal(ctx, "open vector store", err)
	}
	msgBus, err := msgbus.Open(cfg.Database.MessageDSN(), msgbus.DefaultConfig(), log)
	if err != nil {
		log.Fatal(ctx, "open message bus", err)
	}
	consensusEngine, err := consensus.Open(cfg.Database.ConsensusDSN())
	if err != nil {
		log.Fatal(ctx, "open consensus engine", err)
	}

	stateBackend, err := state.NewFileBackend(cfg.Database.DataDir)
	if err != nil {
		log.Fatal(ctx, "open registry state backend", err)
	}
	heartbeatTimeout := time.Duration(cfg.Agent.HeartbeatSec * 3 * float64(time.Second))
	reg, err := registry.New(stateBackend, heartbeatTimeout)
	if err != nil {
		log.Fatal(ctx, "open agent registry", err)
	}
	if err := reg.Register(ctx, registry.Record{
		ID:           cfg.Agent.ID,
		Role:         registry.RoleGeneralist,
		Capabilities: cfg.Agent.Capabilities,
		Status:       registry.StatusOnline,
	}); err != nil {
		log.Fatal(ctx, "register self in agent registry", err)
	}

	taskCoordinator := tasks.New(tasks.DefaultConfig(), reg, nil)

	bus := eventbus.New()
	bus.MarkCritical("step.alarm")
	bus.MarkCritical("tick.degraded")

	llmClient, err := llm.New(llm.Config{
		BaseURL:            cfg.LLM.BaseURL,
		ChatModel:          cfg.LLM.ChatModel,
		EmbedModel:         cfg.LLM.EmbedModel,
		EmbeddingDim:       cfg.LLM.EmbeddingDim,
		Timeout:            time.Duration(cfg.LLM.TimeoutSeconds * float64(time.Second)),
		RequestsPerSecond:  cfg.LLM.RequestsPerSecond,
		Burst:              cfg.LLM.Burst,
		CacheTTL:           cfg.LLM.CacheTTL,
		CacheMaxSize:       cfg.LLM.CacheMaxSize,
		CircuitMaxFailures: cfg.LLM.CircuitMaxFailures,
		CircuitTimeout:     cfg.LLM.CircuitTimeout,
		RetryMaxAttempts:   cfg.LLM.RetryMaxAttempts,
		PerTickChatBudget:  cfg.LLM.PerTickChatBudget,
		PerTickEmbedBudget: cfg.LLM.PerTickEmbedBudget,
	}, log, mx)
	if err != nil {
		log.Fatal(ctx, "construct llm client", err)
	}

	healthChecker := service.NewDeepHealthChecker(5 * time.Second)
	healthChecker.Register("llm", func(ctx context.Context) *service.ComponentHealth {
		if ok, detail := llmClient.Healthy(); !ok {
			return &service.ComponentHealth{Status: "degraded", Message: detail}
		}
		return &service.ComponentHealth{Status: "healthy"}
	})
	healthChecker.Register("episodic", func(ctx context.Context) *service.ComponentHealth {
		if _, err := episodicStore.Count(ctx); err != nil {
			return &service.ComponentHealth{Status: "unhealthy", Message: err.Error()}
		}
		return &service.ComponentHealth{Status: "healthy"}
	})
	healthChecker.Register("vector", func(ctx context.Context) *service.ComponentHealth {
		if _, err := vectorStore.Count(ctx); err != nil {
			return &service.ComponentHealth{Status: "unhealthy", Message: err.Error()}
		}
		return &service.ComponentHealth{Status: "healthy"}
	})
	healthChecker.Register("eventbus", func(ctx context.Context) *service.ComponentHealth {
		h := bus.Health()
		if !h.Healthy {
			return &service.ComponentHealth{Status: "degraded", Message: fmt.Sprintf("degraded handlers: %v", h.DegradedHandlers)}
		}
		return &service.ComponentHealth{Status: "healthy", Details: map[string]any{"dead_letters": h.DeadLetterCount}}
	})
	healthChecker.Register("circuit-breakers", func(ctx context.Context) *service.ComponentHealth {
		states := llmClient.BreakerStates()
		details := make(map[string]any, len(states))
		status := "healthy"
		for op, st := range states {
			details[op] = st.String()
			if st != resilience.StateClosed {
				status = "degraded"
			}
		}
		return &service.ComponentHealth{Status: status, Details: details}
	})

	health := criticalHealthView{checker: healthChecker, critical: cfg.Health.CriticalComponents}

	sched := scheduler.New(schedulerConfig(cfg), log, mx, bus, episodicStore, health, llmClient)
	registerSteps(sched, log, reg, msgBus, taskCoordinator, consensusEngine, bus, cfg, episodicStore, vectorStore)

	introspectionServer := introspection.New(introspection.Deps{
		Episodic: episodicStore,
		Registry: reg,
		MsgBus:   msgBus,
		Tasks:    taskCoordinator,
		Health:   healthChecker,
		Bus:      bus,
		Metrics:  mx,
		Log:      log,
	})
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: wrapIntrospectionMiddleware(introspectionServer.Handler(), log, mx),
	}

	if err := msgBus.StartSweeper(msgbus.DefaultConfig().SweepInterval); err != nil {
		log.Fatal(ctx, "start message bus sweeper", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal(ctx, "start scheduler", err)
	}

	go func() {
		log.Info(ctx, "introspection server listening", map[string]any{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(ctx, "introspection server stopped unexpectedly", err, nil)
		}
	}()

	shutdownTimeout := time.Duration(cfg.Shutdown.TotalTimeoutSeconds * float64(time.Second))
	shutdown := middleware.NewGracefulShutdown(httpServer, shutdownTimeout, log)
	shutdown.OnShutdown("process-sampler", func(ctx context.Context) error {
		stopSampler()
		return nil
	})
	shutdown.OnShutdown("scheduler", func(ctx context.Context) error {
		return sched.Stop()
	})
	shutdown.OnShutdown("llm-client", func(ctx context.Context) error {
		return nil
	})
	shutdown.OnShutdown("registry", func(ctx context.Context) error {
		return reg.Unregister(ctx, cfg.Agent.ID)
	})
	shutdown.OnShutdown("consensus-engine", func(ctx context.Context) error {
		return consensusEngine.Close()
	})
	shutdown.OnShutdown("message-bus", func(ctx context.Context) error {
		return msgBus.Close()
	})
	shutdown.OnShutdown("vector-store", func(ctx context.Context) error {
		return vectorStore.Close()
	})
	shutdown.OnShutdown("episodic-store", func(ctx context.Context) error {
		return episodicStore.Close()
	})

	shutdown.ListenForSignals()
	shutdown.Wait()
	log.Info(ctx, "agentd exited cleanly", nil)
}

// wrapIntrospectionMiddleware layers the ambient HTTP middleware stack
// around the gin-routed introspection handler, outermost first: recovery,
// request logging/metrics, security headers, CORS, a body-size cap, a
// per-caller rate limiter, and a per-request timeout.
func wrapIntrospectionMiddleware(next http.Handler, log *logging.Logger, mx *metrics.Metrics) http.Handler {
	h := middleware.NewTimeoutMiddleware(10 * time.Second).Handler(next)
	h = middleware.NewRateLimiter(20, 40, log).Handler(h)
	h = middleware.NewBodyLimitMiddleware(1 << 20).Handler(h)
	h = middleware.NewCORSMiddleware(&middleware.CORSConfig{AllowedOrigins: []string{"*"}}).Handler(h)
	h = middleware.NewSecurityHeadersMiddleware(nil).Handler(h)
	h = middleware.MetricsMiddleware("agentd", mx)(h)
	h = middleware.LoggingMiddleware(log)(h)
	h = middleware.NewRecoveryMiddleware(log).Handler(h)
	return h
}

// criticalHealthView narrows DeepHealthChecker's full component set down to
// the names configured as critical (§6 health.critical_components), so an
// unhealthy non-critical component (e.g. a coordination-fabric store still
// warming up) doesn't gate the scheduler into degraded mode. An empty
// critical list falls back to the checker's own all-components verdict.
type criticalHealthView struct {
	checker *service.DeepHealthChecker
	critical []string
}

func (v criticalHealthView) Degraded(ctx context.Context) bool {
	if len(v.critical) == 0 {
		return v.checker.Degraded(ctx)
	}
	agg := v.checker.CheckAll(ctx, false)
	for _, name := range v.critical {
		if c, ok := agg.Components[name]; ok && c.Status != "healthy" {
			return true
		}
	}
	return false
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		FastPeriod:     time.Duration(cfg.Scheduler.FastTickSeconds * float64(time.Second)),
		SlowPeriod:     time.Duration(cfg.Scheduler.HeavyTickSeconds * float64(time.Second)),
		GracePeriod:    time.Duration(cfg.Scheduler.HeavyTickGraceSeconds * float64(time.Second)),
		AlarmThreshold: 5,
		ServiceName:    "agentd",
	}
}

// registerSteps wires the generic coordination-fabric maintenance work into
// the scheduler's fast and slow cadences: heartbeats and stale-agent sweeps
// run fast, task/consensus housekeeping runs slow alongside the LLM-bearing
// reflection work a concrete agent behavior package would add.
func registerSteps(
	sched *scheduler.Scheduler,
	log *logging.Logger,
	reg *registry.Registry,
	msgBus *msgbus.Bus,
	taskCoordinator *tasks.Coordinator,
	consensusEngine *consensus.Engine,
	bus *eventbus.Bus,
	cfg *config.Config,
	episodicStore *episodic.Store,
	vectorStore *vector.Store,
) {
	sched.AddFastStep(scheduler.StepFunc{
		StepName: "heartbeat",
		Fn: func(ctx context.Context, tick scheduler.Tick) scheduler.Outcome {
			if err := reg.Heartbeat(ctx, cfg.Agent.ID, 0); err != nil {
				log.Warn(ctx, "self heartbeat failed", map[string]any{"error": err.Error()})
				return scheduler.OutcomeError
			}
			return scheduler.OutcomeOK
		},
	})
	sched.AddFastStep(scheduler.StepFunc{
		StepName: "registry-sweep",
		Fn: func(ctx context.Context, tick scheduler.Tick) scheduler.Outcome {
			if _, err := reg.SweepStale(ctx); err != nil {
				return scheduler.OutcomeError
			}
			return scheduler.OutcomeOK
		},
	})

	sched.AddSlowStep(scheduler.StepFunc{
		StepName: "task-assignment",
		Fn: func(ctx context.Context, tick scheduler.Tick) scheduler.Outcome {
			if tick.Degraded {
				return scheduler.OutcomeSkipped
			}
			taskCoordinator.AssignPending(ctx)
			return scheduler.OutcomeOK
		},
	})
	sched.AddSlowStep(scheduler.StepFunc{
		StepName: "consensus-sweep",
		Fn: func(ctx context.Context, tick scheduler.Tick) scheduler.Outcome {
			if _, err := consensusEngine.SweepDeadlines(ctx); err != nil {
				return scheduler.OutcomeError
			}
			return scheduler.OutcomeOK
		},
	})
	sched.AddSlowStep(scheduler.StepFunc{
		StepName: "memory-maintenance",
		Fn: func(ctx context.Context, tick scheduler.Tick) scheduler.Outcome {
			return runMemoryMaintenance(ctx, log, episodicStore, vectorStore, cfg)
		},
	})
}

// runMemoryMaintenance archives stale episodes and trims the vector store on
// the cadence named by memory.archive_after_days / vector_cleanup_after_days
// (§6), preserving vectors linked to a failed episode even past cutoff.
func runMemoryMaintenance(ctx context.Context, log *logging.Logger, episodicStore *episodic.Store, vectorStore *vector.Store, cfg *config.Config) scheduler.Outcome {
	outcome := scheduler.OutcomeOK

	if _, err := episodicStore.ArchiveOlderThan(ctx, cfg.Memory.ArchiveAfterDays); err != nil {
		log.Warn(ctx, "episodic archival failed", map[string]any{"error": err.Error()})
		outcome = scheduler.OutcomeDegraded
	}

	important, err := episodicStore.ByOutcome(ctx, episodic.OutcomeFailure, 1000)
	if err != nil {
		log.Warn(ctx, "loading important episodes for vector cleanup failed", map[string]any{"error": err.Error()})
		outcome = scheduler.OutcomeDegraded
	}
	keep := make(map[int64]struct{}, len(important))
	for _, e := range important {
		keep[e.ID] = struct{}{}
	}

	cleanupAfter := time.Duration(cfg.Memory.VectorCleanupAfterDays) * 24 * time.Hour
	if _, err := vectorStore.Cleanup(ctx, cleanupAfter, keep); err != nil {
		log.Warn(ctx, "vector cleanup failed", map[string]any{"error": err.Error()})
		outcome = scheduler.OutcomeDegraded
	}

	return outcome
}
