// Package scheduler drives the two-cadence cooperative tick loop: a fast
// tick for lightweight polling steps and a slow tick for LLM calls, memory
// consolidation, and reflection.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	"github.com/R3E-Network/agentcore/infrastructure/service"
	"github.com/R3E-Network/agentcore/internal/agenterrors"
	"github.com/R3E-Network/agentcore/internal/eventbus"
	"github.com/R3E-Network/agentcore/internal/memory/episodic"
)

// Outcome is the terminal disposition of a single step run.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDegraded Outcome = "degraded"
	OutcomeError    Outcome = "error"
)

// Tick carries the context a step needs to decide what to do.
type Tick struct {
	Number   uint64
	Cadence  string // "fast" or "slow"
	Deadline time.Time
	Degraded bool // true when the pre-tick health snapshot flagged a dependency unhealthy
}

// Step is one named unit of work executed in a fixed order within a cadence.
type Step interface {
	Name() string
	Run(ctx context.Context, tick Tick) Outcome
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, tick Tick) Outcome
}

func (f StepFunc) Name() string { return f.StepName }
func (f StepFunc) Run(ctx context.Context, tick Tick) Outcome {
	return f.Fn(ctx, tick)
}

// HealthSnapshot reports whether the components a step depends on are
// currently healthy. The scheduler consults this once per tick (C12).
type HealthSnapshot interface {
	Degraded(ctx context.Context) bool
}

// BudgetResetter is implemented by internal/llm.Client; ResetBudget is
// called atomically at the top of every slow tick, before any step runs.
type BudgetResetter interface {
	ResetBudget()
}

// Config controls tick cadence, grace period, and alarm thresholds.
type Config struct {
	FastPeriod       time.Duration
	SlowPeriod       time.Duration
	GracePeriod      time.Duration
	AlarmThreshold   int
	ServiceName      string
}

// DefaultConfig returns the spec's default periods.
func DefaultConfig() Config {
	return Config{
		FastPeriod:     time.Second,
		SlowPeriod:     60 * time.Second,
		GracePeriod:    30 * time.Second,
		AlarmThreshold: 5,
		ServiceName:    "scheduler",
	}
}

type stepState struct {
	consecutiveErrors int
}

// Scheduler runs the fast and slow step lists on independent tickers, built
// on infrastructure/service.BaseService's ticker-worker convenience.
type Scheduler struct {
	*service.BaseService

	cfg     Config
	log     *logging.Logger
	mx      *metrics.Metrics
	bus     *eventbus.Bus
	journal *episodic.Store
	health  HealthSnapshot
	budget  BudgetResetter

	fastSteps []Step
	slowSteps []Step

	mu         sync.Mutex
	fastTickNo uint64
	slowTickNo uint64
	stepState  map[string]*stepState
}

// New constructs a Scheduler. health and budget may be nil (no degradation
// gating / no budget reset, respectively), useful for tests that exercise a
// single cadence in isolation.
func New(cfg Config, log *logging.Logger, mx *metrics.Metrics, bus *eventbus.Bus, journal *episodic.Store, health HealthSnapshot, budget BudgetResetter) *Scheduler {
	if cfg.FastPeriod <= 0 {
		cfg.FastPeriod = time.Second
	}
	if cfg.SlowPeriod <= 0 {
		cfg.SlowPeriod = 60 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.AlarmThreshold <= 0 {
		cfg.AlarmThreshold = 5
	}

	s := &Scheduler{
		BaseService: service.NewBase(&service.BaseConfig{ID: "scheduler", Name: "tick-scheduler", Logger: log}),
		cfg:         cfg,
		log:         log,
		mx:          mx,
		bus:         bus,
		journal:     journal,
		health:      health,
		budget:      budget,
		stepState:   make(map[string]*stepState),
	}
	return s
}

// AddFastStep registers a step in the fast-cadence rotation, in call order.
func (s *Scheduler) AddFastStep(step Step) { s.fastSteps = append(s.fastSteps, step) }

// AddSlowStep registers a step in the slow-cadence rotation, in call order.
func (s *Scheduler) AddSlowStep(step Step) { s.slowSteps = append(s.slowSteps, step) }

// Start wires the fast and slow ticker workers, then delegates to BaseService.Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.AddTickerWorker(s.cfg.FastPeriod, func(ctx context.Context) error {
		s.runCadence(ctx, "fast", s.fastSteps, &s.fastTickNo)
		return nil
	}, service.WithTickerWorkerName("fast-tick"), service.WithTickerWorkerImmediate())

	s.AddTickerWorker(s.cfg.SlowPeriod, func(ctx context.Context) error {
		if s.budget != nil {
			s.budget.ResetBudget()
		}
		s.runCadence(ctx, "slow", s.slowSteps, &s.slowTickNo)
		return nil
	}, service.WithTickerWorkerName("slow-tick"), service.WithTickerWorkerImmediate())

	return s.BaseService.Start(ctx)
}

func (s *Scheduler) runCadence(ctx context.Context, cadence string, steps []Step, counter *uint64) {
	s.mu.Lock()
	*counter++
	tickNo := *counter
	s.mu.Unlock()

	start := time.Now()
	deadline := start.Add(s.cfg.GracePeriod)
	tickCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	degraded := false
	if s.health != nil {
		degraded = s.health.Degraded(tickCtx)
	}

	tick := Tick{Number: tickNo, Cadence: cadence, Deadline: deadline, Degraded: degraded}

	outcomes := make(map[string]Outcome, len(steps))
	for _, step := range steps {
		select {
		case <-tickCtx.Done():
			outcomes[step.Name()] = OutcomeSkipped
			continue
		default:
		}

		outcome := s.runStep(tickCtx, step, tick)
		outcomes[step.Name()] = outcome
	}

	duration := time.Since(start)
	if s.mx != nil {
		status := "ok"
		for _, o := range outcomes {
			if o == OutcomeError {
				status = "error"
				break
			}
			if o == OutcomeDegraded && status == "ok" {
				status = "degraded"
			}
		}
		s.mx.RecordTick(s.cfg.ServiceName, cadence, status, duration)
		if duration > s.periodFor(cadence) {
			s.mx.RecordTickOverrun(s.cfg.ServiceName, cadence)
		}
	}

	if s.bus != nil {
		payload := map[string]any{
			"cadence":      cadence,
			"tick_no":      tickNo,
			"duration_ms":  duration.Milliseconds(),
			"step_outcomes": outcomes,
		}
		_ = s.bus.Publish(ctx, "tick.completed", payload)
		if tick.Degraded {
			// Distinct from eventbus.HandlerDegradedTopic, which the bus itself
			// publishes when a subscriber handler accumulates repeated failures.
			// This signals that a tick ran under a degraded health snapshot.
			_ = s.bus.Publish(ctx, "tick.degraded", map[string]any{
				"cadence": cadence,
				"tick_no": tickNo,
			})
		}
	}
}

// episodicOutcomeFor maps a step's terminal Outcome onto the episodic
// journal's outcome vocabulary. Only an unhandled failure is recorded as
// outcome=error; a degraded step is recorded as outcome=failure and a
// skipped step as outcome=neutral.
func episodicOutcomeFor(outcome Outcome) episodic.Outcome {
	switch outcome {
	case OutcomeError:
		return episodic.OutcomeError
	case OutcomeDegraded:
		return episodic.OutcomeFailure
	case OutcomeSkipped:
		return episodic.OutcomeNeutral
	default:
		return episodic.OutcomeUnknown
	}
}

func (s *Scheduler) periodFor(cadence string) time.Duration {
	if cadence == "fast" {
		return s.cfg.FastPeriod
	}
	return s.cfg.SlowPeriod
}

// runStep wraps a single step invocation with the uniform error boundary:
// panics are recovered and converted to OutcomeError, every non-ok outcome
// is journaled, and an above-threshold run of consecutive errors raises the
// step's alarm on the event bus without removing it from rotation.
func (s *Scheduler) runStep(ctx context.Context, step Step, tick Tick) (outcome Outcome) {
	stepStart := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeError
			s.logStepResult(ctx, step.Name(), tick, outcome, fmt.Errorf("panic: %v", r), stepStart)
		}
	}()

	outcome = step.Run(ctx, tick)
	s.logStepResult(ctx, step.Name(), tick, outcome, nil, stepStart)
	return outcome
}

func (s *Scheduler) logStepResult(ctx context.Context, name string, tick Tick, outcome Outcome, panicErr error, start time.Time) {
	entry := s.log.WithContext(ctx).
		WithField("tick_no", tick.Number).
		WithField("cadence", tick.Cadence).
		WithField("step", name)

	if panicErr != nil {
		entry = entry.WithError(panicErr)
	}

	switch outcome {
	case OutcomeOK:
		entry.Debug("step completed")
	case OutcomeSkipped:
		entry.Debug("step skipped")
	case OutcomeDegraded:
		entry.Warn("step degraded")
	case OutcomeError:
		entry.Warn("step failed")
	}

	s.mu.Lock()
	st, ok := s.stepState[name]
	if !ok {
		st = &stepState{}
		s.stepState[name] = st
	}
	if outcome == OutcomeError {
		st.consecutiveErrors++
	} else {
		st.consecutiveErrors = 0
	}
	consecutive := st.consecutiveErrors
	s.mu.Unlock()

	if s.journal != nil && outcome != OutcomeOK {
		errClass := agenterrors.ClassHandlerFailure
		desc := fmt.Sprintf("step %q returned %s", name, outcome)
		if panicErr != nil {
			desc = fmt.Sprintf("step %q panicked: %v", name, panicErr)
		}
		_, _ = s.journal.AddEpisode(ctx, "step."+string(outcome), desc, episodicOutcomeFor(outcome), map[string]any{
			"step":    name,
			"cadence": tick.Cadence,
			"tick_no": tick.Number,
			"class":   string(errClass),
		})
	}

	if outcome == OutcomeError && consecutive >= s.cfg.AlarmThreshold && s.bus != nil {
		_ = s.bus.Publish(ctx, "step.alarm", map[string]any{
			"step":               name,
			"consecutive_errors": consecutive,
			"cadence":            tick.Cadence,
		})
	}
}
