package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	"github.com/R3E-Network/agentcore/internal/eventbus"
	"github.com/R3E-Network/agentcore/internal/memory/episodic"
)

func testLogger() *logging.Logger { return logging.New("scheduler-test", "error", "json") }
func testMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry("scheduler-test", prometheus.NewRegistry())
}

func testJournal(t *testing.T) *episodic.Store {
	t.Helper()
	s, err := episodic.Open(filepath.Join(t.TempDir(), "episodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type countingResetter struct{ n int32 }

func (r *countingResetter) ResetBudget() { atomic.AddInt32(&r.n, 1) }

func TestRunCadenceExecutesStepsInOrder(t *testing.T) {
	var order []string
	bus := eventbus.New()
	s := New(DefaultConfig(), testLogger(), testMetrics(), bus, testJournal(t), nil, nil)

	s.AddFastStep(StepFunc{StepName: "a", Fn: func(ctx context.Context, tick Tick) Outcome {
		order = append(order, "a")
		return OutcomeOK
	}})
	s.AddFastStep(StepFunc{StepName: "b", Fn: func(ctx context.Context, tick Tick) Outcome {
		order = append(order, "b")
		return OutcomeOK
	}})

	s.runCadence(context.Background(), "fast", s.fastSteps, &s.fastTickNo)

	assert.Equal(t, []string{"a", "b"}, order)
}

func TestRunCadenceIsolatesPanickingStep(t *testing.T) {
	bus := eventbus.New()
	s := New(DefaultConfig(), testLogger(), testMetrics(), bus, testJournal(t), nil, nil)

	var ranAfter bool
	s.AddFastStep(StepFunc{StepName: "panics", Fn: func(ctx context.Context, tick Tick) Outcome {
		panic("boom")
	}})
	s.AddFastStep(StepFunc{StepName: "after", Fn: func(ctx context.Context, tick Tick) Outcome {
		ranAfter = true
		return OutcomeOK
	}})

	assert.NotPanics(t, func() {
		s.runCadence(context.Background(), "fast", s.fastSteps, &s.fastTickNo)
	})
	assert.True(t, ranAfter, "a panicking step must not stop the rest of the tick")
}

func TestRunCadenceJournalsNonOKOutcomes(t *testing.T) {
	journal := testJournal(t)
	bus := eventbus.New()
	s := New(DefaultConfig(), testLogger(), testMetrics(), bus, journal, nil, nil)

	s.AddFastStep(StepFunc{StepName: "fails", Fn: func(ctx context.Context, tick Tick) Outcome {
		return OutcomeError
	}})

	s.runCadence(context.Background(), "fast", s.fastSteps, &s.fastTickNo)

	rows, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "step.error", rows[0].EventType)
}

func TestAlarmRaisedAfterConsecutiveErrors(t *testing.T) {
	bus := eventbus.New()
	var alarms int32
	require.NoError(t, bus.Subscribe("step.alarm", "counter", func(ctx context.Context, e eventbus.Event) error {
		atomic.AddInt32(&alarms, 1)
		return nil
	}))

	cfg := DefaultConfig()
	cfg.AlarmThreshold = 3
	s := New(cfg, testLogger(), testMetrics(), bus, testJournal(t), nil, nil)

	s.AddFastStep(StepFunc{StepName: "flaky", Fn: func(ctx context.Context, tick Tick) Outcome {
		return OutcomeError
	}})

	for i := 0; i < 3; i++ {
		s.runCadence(context.Background(), "fast", s.fastSteps, &s.fastTickNo)
	}

	// Publish is synchronous fan-out, but give goroutines a moment regardless.
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&alarms), int32(1))
}

func TestStartResetsBudgetBeforeEachSlowTick(t *testing.T) {
	resetter := &countingResetter{}
	bus := eventbus.New()
	cfg := DefaultConfig()
	cfg.FastPeriod = time.Hour // keep the fast cadence from interfering
	cfg.SlowPeriod = 20 * time.Millisecond
	s := New(cfg, testLogger(), testMetrics(), bus, testJournal(t), nil, resetter)

	var sawResetBeforeStep int32
	s.AddSlowStep(StepFunc{StepName: "check", Fn: func(ctx context.Context, tick Tick) Outcome {
		if atomic.LoadInt32(&resetter.n) >= 1 {
			atomic.StoreInt32(&sawResetBeforeStep, 1)
		}
		return OutcomeOK
	}})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	defer cancel()
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&sawResetBeforeStep))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&resetter.n), int32(1))
}

type alwaysDegraded struct{}

func (alwaysDegraded) Degraded(ctx context.Context) bool { return true }

func TestDegradedHealthSnapshotPropagatesToTick(t *testing.T) {
	bus := eventbus.New()
	s := New(DefaultConfig(), testLogger(), testMetrics(), bus, testJournal(t), alwaysDegraded{}, nil)

	var sawDegraded bool
	s.AddFastStep(StepFunc{StepName: "check", Fn: func(ctx context.Context, tick Tick) Outcome {
		sawDegraded = tick.Degraded
		return OutcomeOK
	}})

	s.runCadence(context.Background(), "fast", s.fastSteps, &s.fastTickNo)
	assert.True(t, sawDegraded)
}
