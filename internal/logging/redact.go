package logging

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/voxchain/internal/config"
)

const redacted = "[REDACTED]"

// Secret logs a config.Secret as its redacted length, e.g. "[REDACTED:32]".
// Unset secrets log as "[UNSET]" so misconfiguration stays visible.
func Secret(key string, s config.Secret) zap.Field {
	if !s.IsSet() {
		return zap.String(key, "[UNSET]")
	}
	return zap.String(key, fmt.Sprintf("[REDACTED:%d]", len(s.Value())))
}

// isMarker reports values produced by Secret.
func isMarker(val string) bool {
	return val == "[UNSET]" || strings.HasPrefix(val, "[REDACTED")
}

// redactor masks values by field key or by value pattern.
type redactor struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{keys: make(map[string]bool, len(cfg.Keys))}
	for _, k := range cfg.Keys {
		r.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) key(k string) bool {
	return r != nil && r.keys[strings.ToLower(k)]
}

// text masks pattern matches inside s, keeping the rest readable.
func (r *redactor) text(s string) string {
	if r == nil {
		return s
	}
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// redactingEncoder masks sensitive keys and patterns in string-like fields
// and in the message.
type redactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.r.key(key) && !isMarker(val) {
		val = redacted
	}
	e.Encoder.AddString(key, e.r.text(val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.r.text(string(val)))
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val interface{}) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

// EncodeEntry routes per-call fields through the redacting Add* methods.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.r.text(ent.Message)
	clone := e.Clone().(*redactingEncoder)
	for _, f := range fields {
		f.AddTo(clone)
	}
	return clone.Encoder.EncodeEntry(ent, nil)
}
