package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadServicesConfig loads the services configuration from config/services.yaml
func LoadServicesConfig() (*ServicesConfig, error) {
	return LoadServicesConfigFromPath(filepath.Join("config", "services.yaml"))
}

// LoadServicesConfigFromPath loads the services configuration from a specific path
func LoadServicesConfigFromPath(path string) (*ServicesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read services config: %w", err)
	}

	var cfg ServicesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse services config: %w", err)
	}

	// Validate that all services have required fields
	for id, settings := range cfg.Services {
		if settings.Port == 0 {
			return nil, fmt.Errorf("service %s: port is required", id)
		}
	}

	return &cfg, nil
}

// LoadServicesConfigOrDefault loads services config or returns default if file not found
func LoadServicesConfigOrDefault() *ServicesConfig {
	cfg, err := LoadServicesConfig()
	if err != nil {
		// Return default configuration with all services enabled
		return DefaultServicesConfig()
	}
	return cfg
}

// DefaultServicesConfig returns the default components configuration for a
// single agent process.
func DefaultServicesConfig() *ServicesConfig {
	return &ServicesConfig{
		Services: map[string]*ServiceSettings{
			"scheduler": {
				Enabled:     true,
				Port:        0,
				Description: "Fast/heavy tick scheduler driving the perceive-plan-act loop",
			},
			"llm": {
				Enabled:     true,
				Port:        0,
				Description: "Rate-limited, cached, circuit-breaker-protected LLM access pipeline",
			},
			"memory": {
				Enabled:     true,
				Port:        0,
				Description: "Episodic log and vector embedding memory substrate",
			},
			"eventbus": {
				Enabled:     true,
				Port:        0,
				Description: "In-process publish/subscribe event bus",
			},
			"coordination": {
				Enabled:     true,
				Port:        0,
				Description: "Agent registry, durable message bus, task coordinator, consensus",
			},
			"introspection": {
				Enabled:     true,
				Port:        8099,
				Description: "Read-only HTTP and websocket introspection surface",
			},
		},
	}
}
