package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/voxchain/internal/config"
)

func TestFromObservability(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{
		EnableTelemetry: true,
		ServiceName:     "vox-test",
		Endpoint:        "collector.internal:4318",
		Protocol:        ProtocolHTTP,
		SamplingRate:    0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "vox-test", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "collector.internal:4318", cfg.Endpoint)
	assert.Equal(t, ProtocolHTTP, cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.InDelta(t, 0.25, cfg.SampleRate, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestFromObservability_Defaults(t *testing.T) {
	cfg := FromObservability(config.ObservabilityConfig{}, "")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "voxchaind", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, ProtocolGRPC, cfg.Protocol)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Enabled = false; c.Endpoint = "" }, ""},
		{"local insecure", func(c *Config) {}, ""},
		{"ipv6 loopback", func(c *Config) { c.Endpoint = "[::1]:4317" }, ""},
		{"http scheme loopback", func(c *Config) { c.Endpoint = "http://127.0.0.1:4318" }, ""},
		{"missing endpoint", func(c *Config) { c.Endpoint = "" }, "required"},
		{"bad protocol", func(c *Config) { c.Protocol = "thrift" }, "unsupported otlp protocol"},
		{"remote insecure", func(c *Config) { c.Endpoint = "otel.example.com:4317" }, "non-local"},
		{"sample rate", func(c *Config) { c.SampleRate = 2 }, "sample rate"},
		{"shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("localhost"))
	assert.True(t, isLoopback("localhost:4317"))
	assert.True(t, isLoopback("127.0.0.2:4317"))
	assert.True(t, isLoopback("https://[::1]:4318"))
	assert.False(t, isLoopback("10.0.0.4:4317"))
	assert.False(t, isLoopback("localhost.example.com:4317"))
}
