package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/MadBomber/ragdoll-docs-sub001/internal/redact"
)

// redactingEncoder masks values of sensitive keys outright and scrubs
// credentials out of every other string, error and message.
type redactingEncoder struct {
	zapcore.Encoder
	keys     map[string]bool
	redactor *redact.Redactor
}

func newRedactingEncoder(base zapcore.Encoder, keys []string) (*redactingEncoder, error) {
	r, err := redact.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build log redactor: %w", err)
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return &redactingEncoder{Encoder: base, keys: set, redactor: r}, nil
}

func (e *redactingEncoder) sensitive(key string) bool {
	return e.keys[strings.ToLower(key)]
}

func (e *redactingEncoder) scrub(s string) string {
	return e.redactor.Redact(s).Text
}

func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.scrub(ent.Message)
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = e.field(f)
	}
	return e.Encoder.EncodeEntry(ent, out)
}

func (e *redactingEncoder) field(f zapcore.Field) zapcore.Field {
	if e.sensitive(f.Key) {
		return zap.String(f.Key, redact.DefaultReplacement)
	}
	switch f.Type {
	case zapcore.StringType:
		return zap.String(f.Key, e.scrub(f.String))
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			if msg := err.Error(); e.scrub(msg) != msg {
				return zap.String(f.Key, e.scrub(msg))
			}
		}
	}
	return f
}

// Fields attached with Logger.With reach the encoder through these.

func (e *redactingEncoder) AddString(key, val string) {
	if e.sensitive(key) {
		val = redact.DefaultReplacement
	}
	e.Encoder.AddString(key, e.scrub(val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	e.AddString(key, string(val))
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.sensitive(key) {
		e.Encoder.AddString(key, redact.DefaultReplacement)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{
		Encoder:  e.Encoder.Clone(),
		keys:     e.keys,
		redactor: e.redactor,
	}
}
