package logging

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/voxchain/internal/config"
)

// TraceLevel sits below Debug. Used for per-admission governor detail.
const TraceLevel = zapcore.Level(-2)

// ParseLevel parses a level name, accepting "trace".
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// Config controls encoding, outputs, sampling and redaction.
type Config struct {
	Level  zapcore.Level
	Format string // json or console

	// Stdout writes encoded records to standard output.
	Stdout bool
	// OTEL forwards records to the OpenTelemetry log bridge when a provider
	// is supplied.
	OTEL bool

	Sampling  SamplingConfig
	Caller    bool
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig thins records below Error per Tick. Errors are never
// sampled.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field keys whose values are masked and value
// patterns that mask any string field.
type RedactionConfig struct {
	Keys     []string
	Patterns []string
}

// DefaultRedaction masks provider credentials and bearer headers.
func DefaultRedaction() RedactionConfig {
	return RedactionConfig{
		Keys: []string{"api_key", "apikey", "authorization", "token", "password", "secret"},
		Patterns: []string{
			`(?i)bearer\s+\S+`,
			`\bsk-[A-Za-z0-9_-]{8,}`,
		},
	}
}

// NewDefaultConfig returns JSON info logging to stdout with sampling and
// redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       time.Second,
			Initial:    100,
			Thereafter: 10,
		},
		Caller:    true,
		Fields:    map[string]string{"service": "voxchaind"},
		Redaction: DefaultRedaction(),
	}
}

// FromConfig maps the logging section onto the defaults.
func FromConfig(lc config.LoggingConfig, service string) (*Config, error) {
	cfg := NewDefaultConfig()
	if lc.Level != "" {
		level, err := ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	if service != "" {
		cfg.Fields["service"] = service
	}
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be json or console, got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return fmt.Errorf("no log output enabled")
	}
	if c.Sampling.Enabled && (c.Sampling.Tick <= 0 || c.Sampling.Initial < 1 || c.Sampling.Thereafter < 0) {
		return fmt.Errorf("sampling needs a positive tick and initial count")
	}
	for _, p := range c.Redaction.Patterns {
		if len(p) > 200 {
			return fmt.Errorf("redaction pattern longer than 200 chars")
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("redaction pattern %q: %w", p, err)
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a key and value", k)
		}
	}
	return nil
}
