package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	"github.com/R3E-Network/agentcore/internal/agenterrors"
)

func testLogger() *logging.Logger { return logging.New("llm-test", "error", "json") }

func testMetrics() *metrics.Metrics {
	return metrics.NewWithRegistry("llm-test", prometheus.NewRegistry())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	c, err := New(Config{
		BaseURL:            srv.URL,
		ChatModel:          "test-chat",
		EmbedModel:         "test-embed",
		EmbeddingDim:       3,
		Timeout:            2 * time.Second,
		RequestsPerSecond:  100,
		Burst:              100,
		CacheTTL:           time.Minute,
		CacheMaxSize:       10,
		CircuitMaxFailures: 3,
		CircuitTimeout:     50 * time.Millisecond,
		RetryMaxAttempts:   2,
		PerTickChatBudget:  5,
		PerTickEmbedBudget: 5,
	}, testLogger(), testMetrics())
	require.NoError(t, err)
	return c, srv
}

func TestChatSuccess(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponseBody{Content: "hello"})
	})
	defer srv.Close()

	out, err := c.Chat(context.Background(), "system", []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestChatCacheHitAvoidsSecondCall(t *testing.T) {
	var calls int32
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(chatResponseBody{Content: "cached-answer"})
	})
	defer srv.Close()

	ctx := context.Background()
	_, err := c.Chat(ctx, "sys", []ChatMessage{{Role: "user", Content: "same"}})
	require.NoError(t, err)
	_, err = c.Chat(ctx, "sys", []ChatMessage{{Role: "user", Content: "same"}})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChatBudgetExhausted(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponseBody{Content: "x"})
	})
	defer srv.Close()
	c.cfg.PerTickChatBudget = 1
	c.ResetBudget()

	ctx := context.Background()
	_, err := c.Chat(ctx, "", []ChatMessage{{Role: "user", Content: "one"}})
	require.NoError(t, err)

	_, err = c.Chat(ctx, "", []ChatMessage{{Role: "user", Content: "two"}})
	require.Error(t, err)
	class, ok := agenterrors.ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.ClassBudgetExhausted, class)
}

func TestChatUpstreamErrorClassifiedTransient(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()

	_, err := c.Chat(context.Background(), "", []ChatMessage{{Role: "user", Content: "fail"}})
	require.Error(t, err)
	assert.True(t, agenterrors.IsRetryable(err) || func() bool {
		class, _ := agenterrors.ClassOf(err)
		return class == agenterrors.ClassTransient
	}())
}

func TestEmbedSuccessAndDimensionCheck(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponseBody{Embedding: []float32{0.1, 0.2, 0.3}})
	})
	defer srv.Close()

	vec, err := c.Embed(context.Background(), "some text")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestEmbedDimensionMismatch(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponseBody{Embedding: []float32{0.1, 0.2}})
	})
	defer srv.Close()

	_, err := c.Embed(context.Background(), "mismatch")
	require.Error(t, err)
	class, ok := agenterrors.ClassOf(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.ClassValidation, class)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("prompt", "system")
	b := Fingerprint("prompt", "system")
	c := Fingerprint("prompt", "other-system")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer srv.Close()
	c.cfg.RetryMaxAttempts = 1

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = c.Chat(ctx, "", []ChatMessage{{Role: "user", Content: "trip"}})
	}

	_, err := c.Chat(ctx, "", []ChatMessage{{Role: "user", Content: "should be open now"}})
	require.Error(t, err)
}
