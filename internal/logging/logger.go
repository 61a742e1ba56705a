package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with methods that prepend ContextFields.
type Logger struct {
	zap *zap.Logger
	// ctx reports the caller of the context-aware methods.
	ctx *zap.Logger
}

func wrap(z *zap.Logger) *Logger {
	return &Logger{zap: z, ctx: z.WithOptions(zap.AddCallerSkip(2))}
}

// Option customizes NewLogger.
type Option func(*options)

type options struct {
	out zapcore.WriteSyncer
}

// WithOutput replaces stdout as the encoded output.
func WithOutput(w zapcore.WriteSyncer) Option {
	return func(o *options) { o.out = w }
}

// NewLogger creates a logger from cfg. provider may be nil, which disables
// the OTEL output.
func NewLogger(cfg *Config, provider log.LoggerProvider, opts ...Option) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	o := options{out: zapcore.Lock(os.Stdout)}
	for _, opt := range opts {
		opt(&o)
	}

	r, err := newRedactor(cfg.Redaction)
	if err != nil {
		return nil, err
	}

	zopts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Caller {
		zopts = append(zopts, zap.AddCaller())
	}
	z := zap.New(buildCore(cfg, o.out, provider, r), zopts...)
	for k, v := range cfg.Fields {
		z = z.With(zap.String(k, v))
	}
	return wrap(z), nil
}

func (l *Logger) log(ctx context.Context, level zapcore.Level, msg string, fields []zap.Field) {
	if ce := l.ctx.Check(level, msg); ce != nil {
		ce.Write(append(ContextFields(ctx), fields...)...)
	}
}

// Trace logs below Debug.
func (l *Logger) Trace(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, TraceLevel, msg, fields)
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields)
}

// Named returns a child logger for a component.
func (l *Logger) Named(name string) *Logger {
	return wrap(l.zap.Named(name))
}

// Underlying returns the *zap.Logger that services take.
func (l *Logger) Underlying() *zap.Logger {
	return l.zap
}

// Sync flushes buffered entries. EINVAL and ENOTTY from syncing a terminal
// are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == syscall.EINVAL || errno == syscall.ENOTTY) {
		return nil
	}
	return err
}
