package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAllAggregatesHealthyComponents(t *testing.T) {
	d := NewDeepHealthChecker(time.Second)
	d.Register("episodic", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: "healthy"}
	})
	d.Register("vector", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: "healthy"}
	})

	agg := d.CheckAll(context.Background(), true)
	assert.True(t, agg.Healthy)
	assert.Empty(t, agg.Issues)
	require.Len(t, agg.Components, 2)
}

func TestCheckAllSurfacesUnhealthyComponent(t *testing.T) {
	d := NewDeepHealthChecker(time.Second)
	d.Register("llm", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: "unhealthy", Message: "circuit open"}
	})

	agg := d.CheckAll(context.Background(), true)
	assert.False(t, agg.Healthy)
	require.Len(t, agg.Issues, 1)
	assert.Contains(t, agg.Issues[0], "circuit open")
}

func TestCheckAllCachesUntilTTLExpires(t *testing.T) {
	d := NewDeepHealthChecker(time.Second)
	d.SetCacheTTL(50 * time.Millisecond)

	calls := 0
	d.Register("store", func(ctx context.Context) *ComponentHealth {
		calls++
		return &ComponentHealth{Status: "healthy"}
	})

	d.CheckAll(context.Background(), false)
	d.CheckAll(context.Background(), false)
	assert.Equal(t, 1, calls, "second call within TTL should hit the cache")

	time.Sleep(60 * time.Millisecond)
	d.CheckAll(context.Background(), false)
	assert.Equal(t, 2, calls, "call after TTL expiry should re-run checks")
}

func TestCheckAllForceBypassesCache(t *testing.T) {
	d := NewDeepHealthChecker(time.Second)
	calls := 0
	d.Register("store", func(ctx context.Context) *ComponentHealth {
		calls++
		return &ComponentHealth{Status: "healthy"}
	})

	d.CheckAll(context.Background(), false)
	d.CheckAll(context.Background(), true)
	assert.Equal(t, 2, calls)
}

func TestDegradedReflectsLastAggregate(t *testing.T) {
	d := NewDeepHealthChecker(time.Second)
	d.Register("vector", func(ctx context.Context) *ComponentHealth {
		return &ComponentHealth{Status: "degraded", Message: "slow"}
	})

	assert.True(t, d.Degraded(context.Background()))
}

func TestDatabaseHealthCheckReportsPingError(t *testing.T) {
	check := DatabaseHealthCheck("episodic", func(ctx context.Context) error {
		return errors.New("disk full")
	})
	result := check(context.Background())
	assert.Equal(t, "unhealthy", result.Status)
	assert.Contains(t, result.Message, "disk full")
}
