// Package config provides configuration loading for voxchaind.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then environment variables. See LoadWithFile for the precedence rules.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete voxchaind configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Store         StoreConfig         `koanf:"store"`
	NATS          NATSConfig          `koanf:"nats"`
	Governor      GovernorConfig      `koanf:"governor"`
	Tuner         TunerConfig         `koanf:"tuner"`
	Retrieval     RetrievalConfig     `koanf:"retrieval"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Speech        SpeechConfig        `koanf:"speech"`
	Session       SessionConfig       `koanf:"session"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"otlp_endpoint"`
	Protocol        string  `koanf:"otlp_protocol"` // grpc or http/protobuf
	Insecure        bool    `koanf:"insecure"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"` // SQLite database file
}

// NATSConfig configures lifecycle event publishing.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"subject_prefix"`
}

// GovernorConfig overrides resilience unit settings. Zero fields keep the
// built-in default for that dependency.
type GovernorConfig struct {
	Ceiling int                   `koanf:"ceiling"`
	Units   map[string]UnitConfig `koanf:"units"`
}

// UnitConfig overrides one governed dependency (asr, tts or llm).
type UnitConfig struct {
	FailureRateThreshold float64       `koanf:"failure_rate_threshold"`
	WindowSize           int           `koanf:"window_size"`
	MinimumCalls         int           `koanf:"minimum_calls"`
	OpenTimeout          time.Duration `koanf:"open_timeout"`
	HalfOpenCalls        int           `koanf:"half_open_calls"`
	BulkheadLimit        int           `koanf:"bulkhead_limit"`
	BulkheadMaxWait      time.Duration `koanf:"bulkhead_max_wait"`
	LimitPerPeriod       int           `koanf:"limit_per_period"`
	RefreshPeriod        time.Duration `koanf:"refresh_period"`
	LimiterTimeout       time.Duration `koanf:"limiter_timeout"`
	MaxAttempts          int           `koanf:"max_attempts"`
	InitialInterval      time.Duration `koanf:"initial_interval"`
	MaxInterval          time.Duration `koanf:"max_interval"`
	Multiplier           float64       `koanf:"multiplier"`
	Jitter               float64       `koanf:"jitter"`
}

// TunerConfig controls the adaptive tuning loop.
type TunerConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval"`
	Floor     int           `koanf:"floor"`
	LimitStep int           `koanf:"limit_step"`
	// MemoryBudget in bytes bounds the heap used for memory pressure.
	// Zero uses GOMEMLIMIT or the cgroup limit.
	MemoryBudget uint64 `koanf:"memory_budget"`
}

// RetrievalConfig configures the command template library.
type RetrievalConfig struct {
	TemplateFile    string `koanf:"template_file"`
	Watch           bool   `koanf:"watch"`
	IncludeBuiltins bool   `koanf:"include_builtins"`
	Candidates      int    `koanf:"candidates"`
}

// LLMConfig configures the OpenAI-compatible plan generator.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	Temperature float64 `koanf:"temperature"`
}

// EmbeddingsConfig configures the remote embedder. An empty BaseURL
// disables embeddings and retrieval falls back to term frequency.
type EmbeddingsConfig struct {
	BaseURL           string  `koanf:"base_url"`
	Model             string  `koanf:"model"`
	APIKey            Secret  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"rps"`
	Burst             int     `koanf:"burst"`
}

// SpeechConfig configures the ASR and TTS clients. An empty BaseURL
// disables speech: audio input is rejected and replies carry no audio.
type SpeechConfig struct {
	BaseURL       string        `koanf:"base_url"`
	APIKey        Secret        `koanf:"api_key"`
	Timeout       time.Duration `koanf:"timeout"`
	Voice         string        `koanf:"voice"` // empty uses the synthesizer default
	SpeedRatio    float64       `koanf:"speed_ratio"`
	AudioDir      string        `koanf:"audio_dir"`
	PublicBaseURL string        `koanf:"public_base_url"`
	AudioPrefix   string        `koanf:"audio_prefix"`
}

// Enabled reports whether speech endpoints are configured.
func (s SpeechConfig) Enabled() bool { return strings.TrimSpace(s.BaseURL) != "" }

// SessionConfig controls session lifetime.
type SessionConfig struct {
	TTL            time.Duration `koanf:"ttl"`
	ExpirySchedule string        `koanf:"expiry_schedule"`
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.Observability.SamplingRate)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (must be json or console)", c.Logging.Format)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store path required for sqlite driver")
		}
	default:
		return fmt.Errorf("invalid store driver %q (must be %s or %s)", c.Store.Driver, StoreMemory, StoreSQLite)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}

	if c.Governor.Ceiling < 1 {
		return fmt.Errorf("governor ceiling must be positive, got %d", c.Governor.Ceiling)
	}
	for name, u := range c.Governor.Units {
		switch name {
		case "asr", "tts", "llm":
		default:
			return fmt.Errorf("unknown governed dependency %q", name)
		}
		if u.FailureRateThreshold < 0 || u.FailureRateThreshold > 1 {
			return fmt.Errorf("governor.%s: failure rate threshold must be between 0 and 1", name)
		}
		if u.Jitter < 0 || u.Jitter > 1 {
			return fmt.Errorf("governor.%s: jitter must be between 0 and 1", name)
		}
		if u.BulkheadLimit > c.Governor.Ceiling || u.LimitPerPeriod > c.Governor.Ceiling {
			return fmt.Errorf("governor.%s: limits exceed ceiling %d", name, c.Governor.Ceiling)
		}
	}

	if c.Tuner.Enabled {
		if c.Tuner.Interval <= 0 {
			return errors.New("tuner interval must be positive")
		}
		if c.Tuner.Floor < 1 || c.Tuner.Floor > c.Governor.Ceiling {
			return fmt.Errorf("tuner floor must be between 1 and %d", c.Governor.Ceiling)
		}
	}

	if c.Retrieval.Candidates < 1 {
		return errors.New("retrieval candidates must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be between 0 and 2, got %v", c.LLM.Temperature)
	}
	if c.Embeddings.RequestsPerSecond < 0 {
		return errors.New("embeddings rps must be >= 0")
	}
	if c.Speech.Enabled() && c.Speech.AudioDir == "" {
		return errors.New("speech audio dir required when speech is enabled")
	}

	if c.Session.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if strings.TrimSpace(c.Session.ExpirySchedule) == "" {
		return errors.New("session expiry schedule required")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "voxchaind"
	}
	if cfg.Observability.Endpoint == "" {
		cfg.Observability.Endpoint = "localhost:4317"
		cfg.Observability.Insecure = true
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Store.Driver == StoreSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(configDir(), "voxchain.db")
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Prefix == "" {
		cfg.NATS.Prefix = "voxchain"
	}

	if cfg.Governor.Ceiling == 0 {
		cfg.Governor.Ceiling = 100
	}

	if cfg.Tuner.Interval == 0 {
		cfg.Tuner.Interval = time.Minute
	}
	if cfg.Tuner.Floor == 0 {
		cfg.Tuner.Floor = 1
	}
	if cfg.Tuner.LimitStep == 0 {
		cfg.Tuner.LimitStep = 5
	}

	if cfg.Retrieval.Candidates == 0 {
		cfg.Retrieval.Candidates = 5
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.2
	}

	if cfg.Embeddings.BaseURL != "" && cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 1
	}

	if cfg.Speech.Timeout == 0 {
		cfg.Speech.Timeout = 10 * time.Second
	}
	if cfg.Speech.AudioDir == "" {
		cfg.Speech.AudioDir = filepath.Join(os.TempDir(), "voxchain", "audio")
	}
	if cfg.Speech.AudioPrefix == "" {
		cfg.Speech.AudioPrefix = "reply"
	}
	if cfg.Speech.PublicBaseURL == "" {
		cfg.Speech.PublicBaseURL = fmt.Sprintf("http://%s:%d/audio", cfg.Server.Host, cfg.Server.Port)
	}

	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 30 * time.Minute
	}
	if cfg.Session.ExpirySchedule == "" {
		cfg.Session.ExpirySchedule = "@every 1m"
	}
}

// configDir returns ~/.config/voxchain, or the working directory when the
// home directory is unknown.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "voxchain")
}
