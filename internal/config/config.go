// Package config loads process configuration from environment variables
// (the seven OTOMATA_ variables this service recognizes) plus an optional
// config.yaml for agent model routing, hot-reloaded via fsnotify.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration resolved at startup.
type Config struct {
	DatabaseURL   string // OTOMATA_DATABASE_URL, required
	MasterKeyRaw  string // OTOMATA_MASTER_KEY, required
	APIKey        string // OTOMATA_API_KEY, optional — disables auth when empty
	PollInterval  time.Duration // OTOMATA_POLL_INTERVAL seconds, default 5
	CORSOrigins   []string      // OTOMATA_CORS_ORIGINS, comma-separated, default ["*"]
	DefaultModel  string        // OTOMATA_AGENT_MODEL, optional
	ConfigPath    string        // OTOMATA_CONFIG_PATH, optional path to config.yaml
}

// Load resolves Config from the process environment.
func Load() (Config, error) {
	dbURL := os.Getenv("OTOMATA_DATABASE_URL")
	if dbURL == "" {
		return Config{}, fmt.Errorf("config: OTOMATA_DATABASE_URL is required")
	}
	masterKey := os.Getenv("OTOMATA_MASTER_KEY")
	if masterKey == "" {
		return Config{}, fmt.Errorf("config: OTOMATA_MASTER_KEY is required")
	}

	pollInterval := 5 * time.Second
	if raw := os.Getenv("OTOMATA_POLL_INTERVAL"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid OTOMATA_POLL_INTERVAL: %w", err)
		}
		pollInterval = time.Duration(secs) * time.Second
	}

	origins := []string{"*"}
	if raw := os.Getenv("OTOMATA_CORS_ORIGINS"); raw != "" {
		origins = splitCSV(raw)
	}

	return Config{
		DatabaseURL:  dbURL,
		MasterKeyRaw: masterKey,
		APIKey:       os.Getenv("OTOMATA_API_KEY"),
		PollInterval: pollInterval,
		CORSOrigins:  origins,
		DefaultModel: os.Getenv("OTOMATA_AGENT_MODEL"),
		ConfigPath:   os.Getenv("OTOMATA_CONFIG_PATH"),
	}, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ModelRoute names the model to use for one named routing key (e.g. a
// tenant or chat category), loaded from an optional YAML config file.
type ModelRoute struct {
	Model string `yaml:"model"`
}

// AgentModelConfig is the optional YAML-configured model routing table:
// a default model plus per-key overrides.
type AgentModelConfig struct {
	DefaultModel string                `yaml:"default_model"`
	Routes       map[string]ModelRoute `yaml:"routes"`
}

// RoutingTable resolves the model for a routing key (a chat's tenant)
// against the currently-loaded AgentModelConfig. Swap replaces the
// table atomically, so a reload goroutine can install a fresh config
// while turns resolve models concurrently.
type RoutingTable struct {
	override string // env-provided model, beats the YAML default
	fallback string // built-in last resort
	cfg      atomic.Pointer[AgentModelConfig]
}

// NewRoutingTable builds a table seeded with cfg. override is the
// env-configured model ("" for none); fallback is the built-in default
// used when nothing else names a model.
func NewRoutingTable(override, fallback string, cfg AgentModelConfig) *RoutingTable {
	t := &RoutingTable{override: override, fallback: fallback}
	t.cfg.Store(&cfg)
	return t
}

// Swap installs a freshly-loaded config, typically from the watcher's
// reload signal.
func (t *RoutingTable) Swap(cfg AgentModelConfig) {
	t.cfg.Store(&cfg)
}

// ModelFor resolves, in order: the key's explicit route, the env
// override, the YAML default_model, the built-in fallback.
func (t *RoutingTable) ModelFor(key string) string {
	cfg := t.cfg.Load()
	if route, ok := cfg.Routes[key]; ok && route.Model != "" {
		return route.Model
	}
	if t.override != "" {
		return t.override
	}
	if cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return t.fallback
}

// LoadAgentModelConfig reads and parses an AgentModelConfig from path.
// A missing file is not an error: it returns a zero-value config so
// callers fall back to the OTOMATA_AGENT_MODEL environment default.
func LoadAgentModelConfig(path string) (AgentModelConfig, error) {
	if path == "" {
		return AgentModelConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return AgentModelConfig{}, nil
	}
	if err != nil {
		return AgentModelConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg AgentModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentModelConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
