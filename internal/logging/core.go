package logging

import (
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = encodeLevel
	if format == "console" {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// encodeLevel names TraceLevel, which zap would print as "Level(-2)".
func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == TraceLevel {
		enc.AppendString("trace")
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

// buildCore tees the stdout and OTEL outputs and applies sampling.
func buildCore(cfg *Config, out zapcore.WriteSyncer, provider log.LoggerProvider, redactor *redactor) zapcore.Core {
	var cores []zapcore.Core
	if cfg.Stdout {
		cores = append(cores, zapcore.NewCore(&redactingEncoder{Encoder: newEncoder(cfg.Format), r: redactor}, out, cfg.Level))
	}
	if cfg.OTEL && provider != nil {
		cores = append(cores, otelzap.NewCore("github.com/fyrsmithlabs/voxchain",
			otelzap.WithLoggerProvider(provider)))
	}

	var core zapcore.Core
	switch len(cores) {
	case 0:
		core = zapcore.NewNopCore()
	case 1:
		core = cores[0]
	default:
		core = zapcore.NewTee(cores...)
	}
	return sample(core, cfg.Sampling)
}

// sample passes Error and above untouched and thins everything below.
func sample(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}
	errors := &levelRange{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	rest := &levelRange{Core: core, min: TraceLevel, max: zapcore.WarnLevel}
	return zapcore.NewTee(errors, zapcore.NewSamplerWithOptions(rest, cfg.Tick, cfg.Initial, cfg.Thereafter))
}

// levelRange admits entries with min <= level <= max.
type levelRange struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelRange) Enabled(l zapcore.Level) bool {
	return l >= c.min && l <= c.max && c.Core.Enabled(l)
}

func (c *levelRange) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelRange) With(fields []zapcore.Field) zapcore.Core {
	return &levelRange{Core: c.Core.With(fields), min: c.min, max: c.max}
}
