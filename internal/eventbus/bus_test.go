package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanOutToAllSubscribers(t *testing.T) {
	b := New()
	var count int32

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Subscribe("tick.fast", "sub", func(ctx context.Context, e Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		}))
	}

	err := b.Publish(context.Background(), "tick.fast", "payload")
	require.NoError(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&count))
}

func TestPublishNoSubscribersIsNoop(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), "unused.topic", nil)
	assert.NoError(t, err)
}

func TestPublishIsolatesFailingHandler(t *testing.T) {
	b := New()
	b.MarkCritical("agent.message")
	var goodRan bool
	var mu sync.Mutex

	require.NoError(t, b.Subscribe("agent.message", "bad", func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, b.Subscribe("agent.message", "good", func(ctx context.Context, e Event) error {
		mu.Lock()
		goodRan = true
		mu.Unlock()
		return nil
	}))

	err := b.Publish(context.Background(), "agent.message", "hi")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, goodRan)

	dl := b.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "bad", dl[0].Handler)

	errs := b.HandlerErrors("bad")
	require.Len(t, errs, 1)
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	b := New()
	b.MarkCritical("topic")
	require.NoError(t, b.Subscribe("topic", "panics", func(ctx context.Context, e Event) error {
		panic("unexpected")
	}))

	err := b.Publish(context.Background(), "topic", nil)
	require.Error(t, err)
	assert.Len(t, b.DeadLetters(), 1)
}

func TestPublishHandlerTimeout(t *testing.T) {
	b := NewWithConfig(Config{HandlerTimeout: 10 * time.Millisecond, DeadLetterCapacity: 10})
	b.MarkCritical("slow")
	require.NoError(t, b.Subscribe("slow", "slow-handler", func(ctx context.Context, e Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := b.Publish(context.Background(), "slow", nil)
	require.Error(t, err)

	dl := b.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "slow-handler", dl[0].Handler)
}

func TestDeadLetterCapacityEviction(t *testing.T) {
	b := NewWithConfig(Config{HandlerTimeout: time.Second, DeadLetterCapacity: 2})
	b.MarkCritical("t")
	require.NoError(t, b.Subscribe("t", "h", func(ctx context.Context, e Event) error {
		return errors.New("fail")
	}))

	for i := 0; i < 5; i++ {
		_ = b.Publish(context.Background(), "t", i)
	}

	assert.Len(t, b.DeadLetters(), 2)
}

func TestHandlerErrorRingIsBoundedAndTracksAllFailures(t *testing.T) {
	b := NewWithConfig(Config{HandlerTimeout: time.Second, HandlerErrorCapacity: 3})
	require.NoError(t, b.Subscribe("noncritical", "h", func(ctx context.Context, e Event) error {
		return errors.New("fail")
	}))

	for i := 0; i < 5; i++ {
		_ = b.Publish(context.Background(), "noncritical", i)
	}

	// Not marked critical: no dead letters, but every failure is still
	// tracked in the bounded per-handler ring.
	assert.Empty(t, b.DeadLetters())
	errs := b.HandlerErrors("h")
	assert.Len(t, errs, 3)
}

func TestHandlerDegradedAlertFiresAfterThreshold(t *testing.T) {
	b := New()
	var alerts int32
	require.NoError(t, b.Subscribe(HandlerDegradedTopic, "watcher", func(ctx context.Context, e Event) error {
		atomic.AddInt32(&alerts, 1)
		return nil
	}))
	require.NoError(t, b.Subscribe("flaky", "flaky-handler", func(ctx context.Context, e Event) error {
		return errors.New("fail")
	}))

	for i := 0; i < HandlerDegradedThreshold; i++ {
		_ = b.Publish(context.Background(), "flaky", i)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&alerts) == 1
	}, time.Second, 10*time.Millisecond)

	h := b.Health()
	assert.False(t, h.Healthy)
	assert.Contains(t, h.DegradedHandlers, "flaky-handler")
}

func TestSubscribeValidation(t *testing.T) {
	b := New()
	assert.Error(t, b.Subscribe("", "name", func(ctx context.Context, e Event) error { return nil }))
	assert.Error(t, b.Subscribe("topic", "name", nil))
}

func TestTopicsAndSubscriberCount(t *testing.T) {
	b := New()
	require.NoError(t, b.Subscribe("a", "h1", func(ctx context.Context, e Event) error { return nil }))
	require.NoError(t, b.Subscribe("a", "h2", func(ctx context.Context, e Event) error { return nil }))
	require.NoError(t, b.Subscribe("b", "h3", func(ctx context.Context, e Event) error { return nil }))

	assert.ElementsMatch(t, []string{"a", "b"}, b.Topics())
	assert.Equal(t, 2, b.SubscriberCount("a"))
	assert.Equal(t, 1, b.SubscriberCount("b"))
	assert.Equal(t, 0, b.SubscriberCount("missing"))
}
