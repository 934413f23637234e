// Package config handles placefinder configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/placefinder/config.yaml, /etc/placefinder/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "placefinder", "config.yaml"))
	}

	paths = append(paths, "/etc/placefinder/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all placefinder configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	LLM          LLMConfig          `yaml:"llm"`
	Embeddings   EmbeddingsConfig   `yaml:"embeddings"`
	Database     DatabaseConfig     `yaml:"database"`
	Session      SessionConfig      `yaml:"session"`
	Agent        AgentConfig        `yaml:"agent"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	ProfileCache ProfileCacheConfig `yaml:"profile_cache"`
	Tracing      TracingConfig      `yaml:"tracing"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig selects and configures the reasoner backend.
type LLMConfig struct {
	// Provider is "ollama" or "openai" (any OpenAI-compatible endpoint,
	// e.g. OpenRouter or a local LM Studio).
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`

	// NativeTools advertises the tool schemas through the provider's
	// function-calling API. When false the reasoner relies purely on the
	// text step format in the system prompt.
	NativeTools bool `yaml:"native_tools"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Provider string `yaml:"provider"` // ollama or openai
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// DatabaseConfig locates the places database. The vector index lives in
// the same SQLite file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig defines the chat history / location cache.
type SessionConfig struct {
	Backend     string        `yaml:"backend"` // sqlite (default) or badger
	Path        string        `yaml:"path"`
	TTL         time.Duration `yaml:"ttl"`          // chat history
	LocationTTL time.Duration `yaml:"location_ttl"` // last known location
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxIterations    int           `yaml:"max_iterations"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	HistoryTurns     int           `yaml:"history_turns"`
}

// BreakerConfig tunes the circuit breakers placed in front of every
// backend the retrieval tools depend on.
type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

// ProfileCacheConfig bounds the per-user profile cache.
type ProfileCacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP/HTTP traces URL
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults are applied to any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case "ollama":
			c.LLM.BaseURL = "http://localhost:11434"
		default:
			c.LLM.BaseURL = "https://openrouter.ai/api/v1"
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "google/gemini-2.5-flash"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "openai"
	}
	if c.Embeddings.BaseURL == "" {
		switch c.Embeddings.Provider {
		case "ollama":
			c.Embeddings.BaseURL = "http://localhost:11434"
		default:
			c.Embeddings.BaseURL = "http://localhost:1234/v1"
		}
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-bge-m3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "places.db"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "sqlite"
	}
	if c.Session.Path == "" {
		c.Session.Path = "session.db"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.LocationTTL == 0 {
		c.Session.LocationTTL = c.Session.TTL
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.MaxExecutionTime == 0 {
		c.Agent.MaxExecutionTime = 60 * time.Second
	}
	if c.Agent.HistoryTurns == 0 {
		c.Agent.HistoryTurns = 4
	}
	if c.Breaker.MaxRequests == 0 {
		c.Breaker.MaxRequests = 1
	}
	if c.Breaker.Interval == 0 {
		c.Breaker.Interval = time.Minute
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.ProfileCache.TTL == 0 {
		c.ProfileCache.TTL = 5 * time.Minute
	}
	if c.ProfileCache.MaxEntries == 0 {
		c.ProfileCache.MaxEntries = 10000
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "http://localhost:6006/v1/traces"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "placefinder"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.LLM.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported (valid: ollama, openai)", c.LLM.Provider))
	}
	switch c.Embeddings.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q is not supported (valid: ollama, openai)", c.Embeddings.Provider))
	}
	switch c.Session.Backend {
	case "sqlite", "badger":
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not supported (valid: sqlite, badger)", c.Session.Backend))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	if c.Agent.MaxExecutionTime < 0 {
		errs = append(errs, fmt.Errorf("agent.max_execution_time must not be negative"))
	}
	if c.ProfileCache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("profile_cache.max_entries must not be negative"))
	}
	if c.Tracing.Enabled {
		if u, err := url.Parse(c.Tracing.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("tracing.endpoint %q must be an http(s) URL", c.Tracing.Endpoint))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
