package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/voxchain/internal/config"
)

// OTLP transports.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config controls OTLP export of traces and metrics.
type Config struct {
	Enabled        bool
	Endpoint       string // host:port of the collector
	Protocol       string // grpc (default) or http/protobuf
	Insecure       bool   // plaintext; only allowed for loopback endpoints
	ServiceName    string
	ServiceVersion string
	// SampleRate is the parent-based trace ratio in [0,1].
	SampleRate float64
	// MetricInterval is the OTLP metric push period. Zero disables metric
	// export; Prometheus scraping is unaffected.
	MetricInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a disabled config aimed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		ServiceName:     "voxchaind",
		ServiceVersion:  "dev",
		SampleRate:      1,
		MetricInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromObservability builds a telemetry config from the observability
// section.
func FromObservability(obs config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	cfg.Insecure = obs.Insecure
	cfg.SampleRate = obs.SamplingRate
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
	}
	if obs.Protocol != "" {
		cfg.Protocol = obs.Protocol
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	return cfg
}

// Validate checks an enabled config. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" || c.ServiceName == "" || c.ServiceVersion == "" {
		return fmt.Errorf("endpoint, service name and service version are required when telemetry is enabled")
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		return fmt.Errorf("unsupported otlp protocol %q (must be %s or %s)", c.Protocol, ProtocolGRPC, ProtocolHTTP)
	}
	if c.Insecure && !isLoopback(c.Endpoint) {
		return fmt.Errorf("insecure export to non-local endpoint %q is not allowed", c.Endpoint)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1, got %v", c.SampleRate)
	}
	if c.MetricInterval < 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("metric interval must not be negative and shutdown timeout must be positive")
	}
	return nil
}

// isLoopback reports whether endpoint names localhost or a loopback IP,
// with or without a port or URL scheme.
func isLoopback(endpoint string) bool {
	host := hostPort(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// hostPort strips an http(s) scheme. The OTLP HTTP exporters take host:port.
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
