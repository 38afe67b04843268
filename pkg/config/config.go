package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	errandErrors "github.com/odvcencio/errand/pkg/errors"
)

const (
	// DirName is the per-user and per-project configuration directory.
	DirName = ".errand"

	defaultModel   = "gpt-4o-mini"
	defaultBaseURL = "https://api.openai.com/v1"

	maxIterationsCeiling = 5
)

// Config is the complete errand configuration.
type Config struct {
	Runner    RunnerConfig    `yaml:"runner"`
	Model     ModelConfig     `yaml:"model"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Encoding  EncodingConfig  `yaml:"encoding"`
}

// RunnerConfig bounds the tool loop.
type RunnerConfig struct {
	MaxIterations    int                      `yaml:"max_iterations"`
	Deadline         time.Duration            `yaml:"deadline"`
	ToolTimeout      time.Duration            `yaml:"tool_timeout"`
	ToolTimeouts     map[string]time.Duration `yaml:"tool_timeouts"`
	MaxParallelTools int                      `yaml:"max_parallel_tools"`
	ProgressBuffer   int                      `yaml:"progress_buffer"`
	SystemPrompt     string                   `yaml:"system_prompt"`
}

// ModelConfig describes the OpenAI-compatible chat endpoint.
type ModelConfig struct {
	BaseURL           string               `yaml:"base_url"`
	APIKey            string               `yaml:"api_key"`
	Model             string               `yaml:"model"`
	Temperature       float64              `yaml:"temperature"`
	Timeout           time.Duration        `yaml:"timeout"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	MaxRetries        int                  `yaml:"max_retries"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds the model client breaker thresholds.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

// BusConfig selects the progress transport.
type BusConfig struct {
	Kind        string        `yaml:"kind"`
	URL         string        `yaml:"url"`
	Prefix      string        `yaml:"prefix"`
	PersistRuns bool          `yaml:"persist_runs"`
	RetainFor   time.Duration `yaml:"retain_for"`
}

type ServerConfig struct {
	Listen         string        `yaml:"listen"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
	Tracing bool `yaml:"tracing"`
}

// EncodingConfig controls how tool payloads are attached to model-facing
// outcome text.
type EncodingConfig struct {
	UseToon       bool `yaml:"use_toon"`
	AttachPayload bool `yaml:"attach_payload"`
}

// PayloadFormat resolves the encoding section to a codec format name.
func (e EncodingConfig) PayloadFormat() string {
	switch {
	case !e.AttachPayload:
		return "none"
	case e.UseToon:
		return "toon"
	default:
		return "json"
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Runner: RunnerConfig{
			MaxIterations:    3,
			Deadline:         20 * time.Second,
			ToolTimeout:      10 * time.Second,
			ToolTimeouts:     map[string]time.Duration{},
			MaxParallelTools: 5,
			ProgressBuffer:   64,
		},
		Model: ModelConfig{
			BaseURL:           defaultBaseURL,
			Model:             defaultModel,
			Temperature:       0.2,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			MaxRetries:        2,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(homeDir(), DirName, "errand.db"),
		},
		Bus: BusConfig{
			Kind:      "memory",
			URL:       "nats://127.0.0.1:4222",
			Prefix:    "errand",
			RetainFor: 24 * time.Hour,
		},
		Server: ServerConfig{
			Listen:    "127.0.0.1:8740",
			Heartbeat: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:   filepath.Join(homeDir(), DirName, "logs"),
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
		Encoding: EncodingConfig{
			UseToon:       true,
			AttachPayload: true,
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, ~/.errand/config.yaml, ./.errand/config.yaml, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if home := homeDir(); home != "" {
		userConfigPath := filepath.Join(home, DirName, "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, loadError(err, "loading user config", userConfigPath)
		}
	}

	projectConfigPath := filepath.Join(".", DirName, "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, loadError(err, "loading project config", projectConfigPath)
	}

	return finish(cfg, configEnv)
}

// LoadFromPath loads a single explicit file on top of the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	configEnv := loadConfigEnvVars()

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, loadError(err, "loading config", path)
	}
	return finish(cfg, configEnv)
}

func finish(cfg *Config, configEnv map[string]string) (*Config, error) {
	applyEnvOverrides(cfg, configEnv)
	cfg.Storage.Path = expandHomeDir(cfg.Storage.Path)
	cfg.Logging.Dir = expandHomeDir(cfg.Logging.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ERRAND_* variables. Values from the process
// environment win over ~/.errand/config.env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return configEnv[key]
	}

	if v := get("ERRAND_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := get("ERRAND_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := get("ERRAND_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	} else if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = get("OPENAI_API_KEY")
	}
	if v := get("ERRAND_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := get("ERRAND_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Runner.MaxIterations = n
		}
	}
	if v := get("ERRAND_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			cfg.Runner.Deadline = d
		}
	}
	if v := get("ERRAND_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			cfg.Runner.ToolTimeout = d
		}
	}
	if v := get("ERRAND_BUS"); v != "" {
		cfg.Bus.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := get("ERRAND_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := get("ERRAND_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := get("ERRAND_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := get("ERRAND_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	if val, ok := parseBool(get("ERRAND_USE_TOON")); ok {
		cfg.Encoding.UseToon = val
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errandErrors.Newf(errandErrors.ErrCodeConfigInvalid, format, args...)
	}

	if c.Runner.MaxIterations < 1 || c.Runner.MaxIterations > maxIterationsCeiling {
		return invalid("runner.max_iterations must be between 1 and %d, got %d", maxIterationsCeiling, c.Runner.MaxIterations)
	}
	if c.Runner.Deadline <= 0 {
		return invalid("runner.deadline must be positive")
	}
	if c.Runner.ToolTimeout <= 0 {
		return invalid("runner.tool_timeout must be positive")
	}
	for name, d := range c.Runner.ToolTimeouts {
		if d <= 0 {
			return invalid("runner.tool_timeouts.%s must be positive", name)
		}
	}
	if c.Runner.MaxParallelTools < 1 {
		return invalid("runner.max_parallel_tools must be at least 1")
	}
	if c.Runner.ProgressBuffer < 1 {
		return invalid("runner.progress_buffer must be at least 1")
	}

	if strings.TrimSpace(c.Model.Model) == "" {
		return invalid("model.model is required")
	}
	if strings.TrimSpace(c.Model.BaseURL) == "" {
		return invalid("model.base_url is required")
	}
	if c.Model.Timeout <= 0 {
		return invalid("model.timeout must be positive")
	}
	if c.Model.RequestsPerSecond < 0 {
		return invalid("model.requests_per_second must not be negative")
	}

	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if strings.TrimSpace(c.Bus.URL) == "" {
			return invalid("bus.url is required for the nats bus")
		}
	default:
		return invalid("invalid bus kind: %s (valid: memory, nats)", c.Bus.Kind)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return invalid("storage.path is required")
	}
	if c.Server.Heartbeat <= 0 {
		return invalid("server.heartbeat must be positive")
	}
	return nil
}

// HasAPIKey reports whether a model API key is configured.
func (c *Config) HasAPIKey() bool {
	return strings.TrimSpace(c.Model.APIKey) != ""
}

func parseBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return os.Getenv("HOME")
	}
	return home
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		if home := homeDir(); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
