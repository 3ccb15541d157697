// Package config loads the top-level configuration for an agent process.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the introspection HTTP/websocket surface (C18).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the SQLite-backed durable stores (C9, C10, C15, C17).
// Each store gets its own file so that archival/VACUUM on one never blocks
// writers on another.
type DatabaseConfig struct {
	DataDir       string `json:"data_dir" env:"AGENT_DATA_DIR"`
	EpisodicFile  string `json:"episodic_file" env:"AGENT_EPISODIC_DB"`
	VectorFile    string `json:"vector_file" env:"AGENT_VECTOR_DB"`
	MessageFile   string `json:"message_file" env:"AGENT_MESSAGE_DB"`
	ConsensusFile string `json:"consensus_file" env:"AGENT_CONSENSUS_DB"`
	RegistryFile  string `json:"registry_file" env:"AGENT_REGISTRY_FILE"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// LLMConfig controls the rate-limited, cached, circuit-breaker-protected LLM
// access pipeline (C3-C7).
type LLMConfig struct {
	BaseURL             string        `json:"base_url" env:"AGENT_LLM_BASE_URL"`
	ChatModel           string        `json:"chat_model" env:"AGENT_LLM_CHAT_MODEL"`
	EmbedModel          string        `json:"embed_model" env:"AGENT_LLM_EMBED_MODEL"`
	EmbeddingDim        int           `json:"embedding_dim" env:"AGENT_LLM_EMBEDDING_DIM"`
	TimeoutSeconds      float64       `json:"timeout_sec" env:"AGENT_LLM_TIMEOUT_SEC"`
	RequestsPerSecond   float64       `json:"requests_per_second" env:"AGENT_LLM_RPS"`
	Burst               int           `json:"burst" env:"AGENT_LLM_BURST"`
	CacheTTL            time.Duration `json:"cache_ttl" env:"AGENT_LLM_CACHE_TTL"`
	CacheMaxSize        int           `json:"cache_max_size" env:"AGENT_LLM_CACHE_MAX_SIZE"`
	CircuitMaxFailures  int           `json:"circuit_max_failures" env:"AGENT_LLM_CIRCUIT_MAX_FAILURES"`
	CircuitTimeout      time.Duration `json:"circuit_timeout" env:"AGENT_LLM_CIRCUIT_TIMEOUT"`
	RetryMaxAttempts    int           `json:"retry_max_attempts" env:"AGENT_LLM_RETRY_MAX_ATTEMPTS"`
	PerTickChatBudget   int           `json:"per_tick_chat_budget" env:"AGENT_LLM_PER_TICK_CHAT_BUDGET"`
	PerTickEmbedBudget  int           `json:"per_tick_embed_budget" env:"AGENT_LLM_PER_TICK_EMBED_BUDGET"`
}

// SchedulerConfig controls the two-cadence tick scheduler (C13).
type SchedulerConfig struct {
	FastTickSeconds      float64 `json:"fast_tick_sec" env:"AGENT_FAST_TICK_SEC"`
	HeavyTickSeconds     float64 `json:"heavy_tick_sec" env:"AGENT_HEAVY_TICK_SEC"`
	HeavyTickGraceSeconds float64 `json:"heavy_tick_grace_sec" env:"AGENT_HEAVY_TICK_GRACE_SEC"`
}

// AgentConfig identifies this process within the multi-agent coordination
// fabric (C14-C17).
type AgentConfig struct {
	ID           string   `json:"id" env:"AGENT_ID"`
	Capabilities []string `json:"capabilities"`
	HeartbeatSec float64  `json:"heartbeat_sec" env:"AGENT_HEARTBEAT_SEC"`
}

// MemoryConfig controls the cadence of episodic archival and vector cleanup
// maintenance (C9, C10).
type MemoryConfig struct {
	ArchiveAfterDays       int `json:"archive_after_days" env:"AGENT_ARCHIVE_AFTER_DAYS"`
	VectorCleanupAfterDays int `json:"vector_cleanup_after_days" env:"AGENT_VECTOR_CLEANUP_AFTER_DAYS"`
}

// HealthConfig names the subset of registered health checks (C12) whose
// failure is treated as tick-degrading; an unhealthy non-critical component
// is still reported but does not gate scheduler steps.
type HealthConfig struct {
	CriticalComponents []string `json:"critical_components"`
}

// ShutdownConfig bounds the graceful shutdown sequence (C11).
type ShutdownConfig struct {
	TotalTimeoutSeconds float64 `json:"total_timeout_sec" env:"AGENT_SHUTDOWN_TIMEOUT_SEC"`
}

// TracingConfig configures optional span attribute propagation. No exporter
// is wired in this module; it exists so deployments that front this process
// with an OTLP-aware proxy can still template resource attributes.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Config is the top-level configuration structure.
type Config struct {
	// Strict, when true, makes loading from a YAML file reject any field
	// the schema doesn't recognize instead of silently ignoring it.
	Strict    bool            `json:"strict"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
	LLM       LLMConfig       `json:"llm"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Memory    MemoryConfig    `json:"memory"`
	Health    HealthConfig    `json:"health"`
	Shutdown  ShutdownConfig  `json:"shutdown"`
	Agent     AgentConfig     `json:"agent"`
	Tracing   TracingConfig   `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8099,
		},
		Database: DatabaseConfig{
			DataDir:       "data",
			EpisodicFile:  "episodic.db",
			VectorFile:    "vector.db",
			MessageFile:   "messages.db",
			ConsensusFile: "consensus.db",
			RegistryFile:  "registry.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		LLM: LLMConfig{
			BaseURL:            "http://localhost:11434",
			ChatModel:          "gpt-4o-mini",
			EmbedModel:         "text-embedding-3-small",
			EmbeddingDim:       768,
			TimeoutSeconds:     30.0,
			RequestsPerSecond:  2,
			Burst:              4,
			CacheTTL:           5 * time.Minute,
			CacheMaxSize:       100,
			CircuitMaxFailures: 5,
			CircuitTimeout:     30 * time.Second,
			RetryMaxAttempts:   3,
			PerTickChatBudget:  5,
			PerTickEmbedBudget: 20,
		},
		Scheduler: SchedulerConfig{
			FastTickSeconds:       1.0,
			HeavyTickSeconds:      60.0,
			HeavyTickGraceSeconds: 30.0,
		},
		Memory: MemoryConfig{
			ArchiveAfterDays:       90,
			VectorCleanupAfterDays: 90,
		},
		Health: HealthConfig{
			CriticalComponents: []string{"llm", "episodic", "vector", "eventbus", "circuit-breakers"},
		},
		Shutdown: ShutdownConfig{
			TotalTimeoutSeconds: 30,
		},
		Agent: AgentConfig{
			HeartbeatSec: 10,
		},
		Tracing: TracingConfig{},
	}
}

// EpisodicDSN returns the sqlite DSN for the episodic store.
func (c DatabaseConfig) EpisodicDSN() string { return filepath.Join(c.DataDir, c.EpisodicFile) }

// VectorDSN returns the sqlite DSN for the vector store.
func (c DatabaseConfig) VectorDSN() string { return filepath.Join(c.DataDir, c.VectorFile) }

// MessageDSN returns the sqlite DSN for the multi-agent message bus.
func (c DatabaseConfig) MessageDSN() string { return filepath.Join(c.DataDir, c.MessageFile) }

// ConsensusDSN returns the sqlite DSN for the consensus proposal store.
func (c DatabaseConfig) ConsensusDSN() string { return filepath.Join(c.DataDir, c.ConsensusFile) }

// RegistryPath returns the path to the atomic JSON agent registry file.
func (c DatabaseConfig) RegistryPath() string { return filepath.Join(c.DataDir, c.RegistryFile) }

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// strict is read from the raw document first since Config.Strict itself
	// isn't known until something has been decoded.
	var probe struct {
		Strict bool `yaml:"strict"`
	}
	_ = yaml.Unmarshal(data, &probe)

	if probe.Strict || cfg.Strict {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("strict decode %s: %w", path, err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
	if strings.TrimSpace(c.Agent.ID) == "" {
		c.Agent.ID = "agent-1"
	}
}
