// Package llm implements the protected LLM access pipeline: rate limiter,
// response cache, circuit breaker, and retry-with-backoff, composed around
// chat and embedding calls with a per-tick call budget.
package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/agentcore/infrastructure/cache"
	"github.com/R3E-Network/agentcore/infrastructure/httputil"
	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	"github.com/R3E-Network/agentcore/infrastructure/ratelimit"
	"github.com/R3E-Network/agentcore/infrastructure/resilience"
	"github.com/R3E-Network/agentcore/internal/agenterrors"
)

// operation class names used to key rate limiters, breakers, and metrics.
const (
	OpChat  = "chat"
	OpEmbed = "embed"
)

// Config configures the LLM client's four-stage pipeline and per-tick budget.
type Config struct {
	BaseURL            string
	ChatModel          string
	EmbedModel         string
	EmbeddingDim       int
	Timeout            time.Duration
	RequestsPerSecond  float64
	Burst              int
	CacheTTL           time.Duration
	CacheMaxSize       int
	CircuitMaxFailures int
	CircuitTimeout     time.Duration
	RetryMaxAttempts   int
	PerTickChatBudget  int
	PerTickEmbedBudget int
}

// ChatMessage is a single turn in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type chatResponseBody struct {
	Content string `json:"content"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponseBody struct {
	Embedding []float32 `json:"embedding"`
}

// Client is the singleton LLM access pipeline shared by all scheduler steps.
// It serializes call admission through its rate limiters and budget counters
// but chat/embed calls themselves may run concurrently up to the budget.
type Client struct {
	cfg    Config
	http   *http.Client
	log    *logging.Logger
	mx     *metrics.Metrics
	cache  *cache.Cache
	limits map[string]*ratelimit.RateLimiter
	breakers map[string]*resilience.CircuitBreaker
	embedGobreaker *resilience.GobreakerAdapter

	chatBudget  int64
	embedBudget int64
}

// New builds a Client. baseURL is normalized and the returned http.Client is
// scoped to cfg.Timeout.
func New(cfg Config, log *logging.Logger, mx *metrics.Metrics) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient, baseURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	cfg.BaseURL = baseURL

	c := &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log,
		mx:   mx,
		cache: cache.NewCache(cache.CacheConfig{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    cfg.CacheMaxSize,
		}),
		limits: map[string]*ratelimit.RateLimiter{
			OpChat:  ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}),
			OpEmbed: ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: cfg.RequestsPerSecond, Burst: cfg.Burst}),
		},
		breakers: map[string]*resilience.CircuitBreaker{
			OpChat: resilience.New(resilience.Config{
				MaxFailures: cfg.CircuitMaxFailures,
				Timeout:     cfg.CircuitTimeout,
				OnStateChange: func(_, to resilience.State) {
					mx.SetCircuitBreakerState("llm", OpChat, int(to))
				},
			}),
			OpEmbed: resilience.New(resilience.Config{
				MaxFailures: cfg.CircuitMaxFailures,
				Timeout:     cfg.CircuitTimeout,
				OnStateChange: func(_, to resilience.State) {
					mx.SetCircuitBreakerState("llm", OpEmbed, int(to))
				},
			}),
		},
	}
	c.embedGobreaker = resilience.NewGobreakerAdapter(resilience.Config{
		MaxFailures: cfg.CircuitMaxFailures,
		Timeout:     cfg.CircuitTimeout,
	})

	c.ResetBudget()
	return c, nil
}

// ResetBudget restores the per-tick chat and embed call budgets. The
// scheduler calls this atomically at the top of every slow tick, before any
// step starts (§4.1).
func (c *Client) ResetBudget() {
	atomic.StoreInt64(&c.chatBudget, int64(c.cfg.PerTickChatBudget))
	atomic.StoreInt64(&c.embedBudget, int64(c.cfg.PerTickEmbedBudget))
}

func (c *Client) budgetFor(op string) *int64 {
	if op == OpEmbed {
		return &c.embedBudget
	}
	return &c.chatBudget
}

// takeBudget decrements the budget at attempt start; callers must call
// refundBudget if they fast-fail before a network attempt.
func (c *Client) takeBudget(op string) bool {
	remaining := atomic.AddInt64(c.budgetFor(op), -1)
	if remaining < 0 {
		atomic.AddInt64(c.budgetFor(op), 1)
		return false
	}
	return true
}

func (c *Client) refundBudget(op string) {
	atomic.AddInt64(c.budgetFor(op), 1)
}

// Healthy reports whether the LLM access pipeline is fit to serve: neither
// breaker may be open. Used by the deep health checker (C12).
func (c *Client) Healthy() (ok bool, detail string) {
	for _, op := range []string{OpChat, OpEmbed} {
		if st := c.breakers[op].State(); st == resilience.StateOpen {
			return false, fmt.Sprintf("%s circuit breaker is open", op)
		}
	}
	return true, ""
}

// BreakerStates reports the current state of every named circuit breaker the
// client owns, for the circuit breaker registry health check (C12).
func (c *Client) BreakerStates() map[string]resilience.State {
	states := make(map[string]resilience.State, len(c.breakers))
	for op, b := range c.breakers {
		states[op] = b.State()
	}
	return states
}

// Fingerprint returns the stable SHA-256 hex digest of prompt+system prompt
// used as the C5 cache key and for log correlation.
func Fingerprint(prompt, systemPrompt string) string {
	h := sha256.Sum256([]byte(systemPrompt + "\x00" + prompt))
	return hex.EncodeToString(h[:])
}

// Chat runs a chat completion through the full four-stage pipeline.
func (c *Client) Chat(ctx context.Context, systemPrompt string, messages []ChatMessage) (string, error) {
	prompt := flattenMessages(messages)
	key := Fingerprint(prompt, systemPrompt)

	if !c.limits[OpChat].Allow() {
		return "", agenterrors.BudgetExhausted("llm", "chat rate limit exceeded").WithDetail("stage", "rate_limiter")
	}

	if cached, ok := c.cache.Get(key); ok {
		c.mx.RecordLLMCacheLookup("llm", "hit")
		return cached.(string), nil
	}
	c.mx.RecordLLMCacheLookup("llm", "miss")

	if !c.takeBudget(OpChat) {
		return "", agenterrors.BudgetExhausted("llm", "chat budget exhausted for this tick")
	}

	result, err := c.callWithPipeline(ctx, OpChat, func(ctx context.Context) (string, error) {
		return c.doChat(ctx, systemPrompt, messages)
	})
	if err != nil {
		return "", err
	}

	c.cache.Set(key, result, c.cfg.CacheTTL)
	return result, nil
}

// Embed runs an embedding call through the full four-stage pipeline, also
// exercising the gobreaker-backed reference breaker and cenkalti/backoff
// retry alongside the hand-rolled implementations.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "embed:" + Fingerprint(text, "")

	if !c.limits[OpEmbed].Allow() {
		return nil, agenterrors.BudgetExhausted("llm", "embed rate limit exceeded").WithDetail("stage", "rate_limiter")
	}

	if cached, ok := c.cache.Get(key); ok {
		c.mx.RecordLLMCacheLookup("llm", "hit")
		return cached.([]float32), nil
	}
	c.mx.RecordLLMCacheLookup("llm", "miss")

	if !c.takeBudget(OpEmbed) {
		return nil, agenterrors.BudgetExhausted("llm", "embed budget exhausted for this tick")
	}

	// Run the hand-rolled breaker/retry for the primary path. Whenever the
	// primary path fails, for any reason, the gobreaker/backoff reference
	// implementation makes its own attempt, and its success replaces the
	// primary failure.
	var vec []float32
	primaryErr := c.breakers[OpEmbed].Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{
			MaxAttempts:  c.cfg.RetryMaxAttempts,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		}, func() error {
			v, err := c.doEmbed(ctx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
	})

	if primaryErr != nil {
		refErr := c.embedGobreaker.Execute(ctx, func() error {
			return resilience.BackoffRetry(ctx, resilience.RetryConfig{
				MaxAttempts:  c.cfg.RetryMaxAttempts,
				InitialDelay: time.Second,
				MaxDelay:     10 * time.Second,
				Multiplier:   2,
			}, func() error {
				v, err := c.doEmbed(ctx, text)
				if err != nil {
					return err
				}
				vec = v
				return nil
			})
		})
		if refErr == nil {
			primaryErr = nil
		}
	}

	if primaryErr != nil {
		if primaryErr == resilience.ErrCircuitOpen || primaryErr == resilience.ErrTooManyRequests {
			c.refundBudget(OpEmbed)
		}
		return nil, classifyPipelineError(primaryErr, OpEmbed)
	}

	if len(vec) != c.cfg.EmbeddingDim && c.cfg.EmbeddingDim > 0 {
		return nil, agenterrors.Validation("llm", fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(vec), c.cfg.EmbeddingDim))
	}

	c.cache.Set(key, vec, c.cfg.CacheTTL)
	return vec, nil
}

// callWithPipeline runs fn under the circuit breaker and retry stages in
// order (C4, C6). The rate limiter (C3) and cache (C5) stages are handled by
// the caller, in that order, before this is reached: the rate limiter must
// fail fast ahead of the cache lookup, and cache hit/miss decisions depend on
// the operation's key shape.
func (c *Client) callWithPipeline(ctx context.Context, op string, fn func(context.Context) (string, error)) (string, error) {
	var result string
	start := time.Now()
	err := c.breakers[op].Execute(ctx, func() error {
		return resilience.Retry(ctx, resilience.RetryConfig{
			MaxAttempts:  c.cfg.RetryMaxAttempts,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		}, func() error {
			r, err := fn(ctx)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	duration := time.Since(start)
	c.log.LogLLMCall(ctx, op, c.modelFor(op), duration, err)

	if err != nil {
		// Only refund the budget when the breaker fast-failed before any
		// network attempt (stage C); a transient failure after exhausted
		// retries already spent real network attempts and keeps the charge.
		if err == resilience.ErrCircuitOpen || err == resilience.ErrTooManyRequests {
			c.refundBudget(op)
		}
		c.mx.RecordLLMCall("llm", op, "failed", duration)
		return "", classifyPipelineError(err, op)
	}

	c.mx.RecordLLMCall("llm", op, "success", duration)
	return result, nil
}

func (c *Client) modelFor(op string) string {
	if op == OpEmbed {
		return c.cfg.EmbedModel
	}
	return c.cfg.ChatModel
}

func classifyPipelineError(err error, op string) error {
	switch err {
	case resilience.ErrCircuitOpen, resilience.ErrTooManyRequests:
		return agenterrors.CircuitOpen("llm", err).WithDetail("operation", op)
	}
	return agenterrors.Transient("llm", op+" call failed after retries", err)
}

func flattenMessages(messages []ChatMessage) string {
	var buf bytes.Buffer
	for _, m := range messages {
		buf.WriteString(m.Role)
		buf.WriteString(": ")
		buf.WriteString(m.Content)
		buf.WriteString("\n")
	}
	return buf.String()
}

func (c *Client) doChat(ctx context.Context, systemPrompt string, messages []ChatMessage) (string, error) {
	all := make([]ChatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		all = append(all, ChatMessage{Role: "system", Content: systemPrompt})
	}
	all = append(all, messages...)

	body, err := json.Marshal(chatRequest{Model: c.cfg.ChatModel, Messages: all})
	if err != nil {
		return "", agenterrors.Validation("llm", "encode chat request").WithDetail("error", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat", bytes.NewReader(body))
	if err != nil {
		return "", agenterrors.Transient("llm", "build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", agenterrors.Transient("llm", "chat request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", agenterrors.Transient("llm", fmt.Sprintf("chat upstream status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return "", agenterrors.Validation("llm", fmt.Sprintf("chat upstream status %d", resp.StatusCode))
	}

	var out chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", agenterrors.Transient("llm", "decode chat response", err)
	}
	return out.Content, nil
}

func (c *Client) doEmbed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.EmbedModel, Input: text})
	if err != nil {
		return nil, agenterrors.Validation("llm", "encode embed request").WithDetail("error", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, agenterrors.Transient("llm", "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, agenterrors.Transient("llm", "embed request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, agenterrors.Transient("llm", fmt.Sprintf("embed upstream status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, agenterrors.Validation("llm", fmt.Sprintf("embed upstream status %d", resp.StatusCode))
	}

	var out embedResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, agenterrors.Transient("llm", "decode embed response", err)
	}
	return out.Embedding, nil
}
