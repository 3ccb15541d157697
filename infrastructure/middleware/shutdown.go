// Package middleware provides HTTP middleware for the service layer.
package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
)

// ShutdownHook is a named cleanup step run during graceful shutdown, each
// under its own bounded timeout.
type ShutdownHook struct {
	Name string
	Run  func(ctx context.Context) error
}

// GracefulShutdown captures SIGINT/SIGTERM, transitions the process into a
// stopping state, and runs registered hooks in reverse registration order
// (last-registered component stops first, mirroring dependency order: the
// introspection server stops before the stores it reads from), each under
// its own timeout, with the whole sequence bounded by a total budget.
type GracefulShutdown struct {
	mu            sync.Mutex
	server        *http.Server
	hookTimeout   time.Duration
	totalTimeout  time.Duration
	log           *logging.Logger
	hooks         []ShutdownHook
	shutdownChan  chan struct{}
	shutdownOnce  sync.Once
}

// NewGracefulShutdown creates a shutdown manager. server may be nil for
// processes with no HTTP listener to drain. totalTimeout is the overall
// shutdown_timeout_total budget (default 30s); hookTimeout bounds each
// individual hook (default 10s).
func NewGracefulShutdown(server *http.Server, totalTimeout time.Duration, log *logging.Logger) *GracefulShutdown {
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:       server,
		totalTimeout: totalTimeout,
		hookTimeout:  10 * time.Second,
		log:          log,
		shutdownChan: make(chan struct{}),
	}
}

// SetHookTimeout overrides the per-hook timeout (default 10s).
func (g *GracefulShutdown) SetHookTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.hookTimeout = d
	g.mu.Unlock()
}

// OnShutdown registers a named hook. Hooks run in reverse registration
// order: components that accept work should register first so they stop
// (refuse new work, drain in-flight) before the stores and buses they
// depend on.
func (g *GracefulShutdown) OnShutdown(name string, run func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, ShutdownHook{Name: name, Run: run})
}

// ListenForSignals blocks the calling goroutine's signal channel setup and
// triggers Shutdown on SIGINT/SIGTERM in a background goroutine.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		ctx := context.Background()
		if g.log != nil {
			g.log.WithContext(ctx).WithField("signal", sig.String()).Info("received shutdown signal")
		}
		g.Shutdown(ctx)
	}()
}

// Shutdown runs every registered hook in reverse order under its own
// timeout, bounded overall by totalTimeout, then stops the HTTP server if
// one was given. Hooks still running when their own timeout (or the total
// budget) expires are logged and skipped rather than awaited forever.
func (g *GracefulShutdown) Shutdown(ctx context.Context) {
	g.shutdownOnce.Do(func() {
		g.mu.Lock()
		hooks := append([]ShutdownHook(nil), g.hooks...)
		hookTimeout := g.hookTimeout
		g.mu.Unlock()

		totalCtx, cancel := context.WithTimeout(ctx, g.totalTimeout)
		defer cancel()

		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			hookCtx, hookCancel := context.WithTimeout(totalCtx, hookTimeout)
			err := g.runHook(hookCtx, hook)
			hookCancel()

			if err != nil && g.log != nil {
				g.log.WithContext(ctx).WithField("hook", hook.Name).WithError(err).Warn("shutdown hook failed")
			}
			if totalCtx.Err() != nil {
				if g.log != nil {
					g.log.WithContext(ctx).Warn("shutdown total budget exceeded; remaining hooks skipped")
				}
				break
			}
		}

		if g.server != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), hookTimeout)
			defer shutdownCancel()
			if err := g.server.Shutdown(shutdownCtx); err != nil && g.log != nil {
				g.log.WithContext(ctx).WithError(err).Warn("http server shutdown error")
			}
		}

		close(g.shutdownChan)
	})
}

// runHook invokes a hook, recovering a panic into an error so one broken
// hook never prevents the rest of the shutdown sequence from running. If
// ctx expires before the hook returns, runHook returns immediately but the
// hook's goroutine is allowed to finish in the background (its result is
// discarded via the buffered channel).
func (g *GracefulShutdown) runHook(ctx context.Context, hook ShutdownHook) error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- &panicError{name: hook.Name, value: r}
			}
		}()
		result <- hook.Run(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type panicError struct {
	name  string
	value any
}

func (p *panicError) Error() string {
	return "panic in shutdown hook " + p.name
}

// Wait blocks until shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.shutdownChan
}
