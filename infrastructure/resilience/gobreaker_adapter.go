package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/R3E-Network/agentcore/internal/agenterrors"
)

// GobreakerAdapter wraps github.com/sony/gobreaker/v2 behind the same
// Execute(ctx, fn) shape as CircuitBreaker. It exists alongside the
// hand-rolled CircuitBreaker so the embed path can run both in parallel and
// compare outcomes rather than trusting one implementation blind.
type GobreakerAdapter struct {
	gb *gobreaker.CircuitBreaker[any]
}

// NewGobreakerAdapter builds a GobreakerAdapter from the same Config used by
// the hand-rolled breaker.
func NewGobreakerAdapter(cfg Config) *GobreakerAdapter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	halfOpenMax := uint32(cfg.HalfOpenMax)

	settings := gobreaker.Settings{
		MaxRequests: halfOpenMax,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(fromGobreaker(from), fromGobreaker(to))
		}
	}

	return &GobreakerAdapter{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current gobreaker state mapped onto our State type.
func (g *GobreakerAdapter) State() State {
	return fromGobreaker(g.gb.State())
}

// fromGobreaker maps a gobreaker state onto ours; the two enums number
// their states differently.
func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Execute runs fn under gobreaker protection. ctx is accepted for symmetry
// with CircuitBreaker.Execute; gobreaker itself does not consult it.
func (g *GobreakerAdapter) Execute(_ context.Context, fn func() error) error {
	_, err := g.gb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return ErrCircuitOpen
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrTooManyRequests
	}
	return err
}

// BackoffRetry executes fn using github.com/cenkalti/backoff/v4's exponential
// backoff, mirroring Retry's RetryConfig knobs. Kept alongside Retry so the
// embed path exercises both the hand-rolled and ecosystem backoff
// implementations. An error classified as non-retryable (e.g. validation) is
// wrapped in backoff.Permanent so it stops the retry loop on the first try.
func BackoffRetry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	if cfg.Jitter > 0 {
		bo.RandomizationFactor = cfg.Jitter
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if _, classified := agenterrors.ClassOf(err); classified && !agenterrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
