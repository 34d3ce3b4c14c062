package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// DefaultRedactedFields lists field names whose values are always redacted,
// case-insensitively. Covers the credential material this system handles:
// login passwords, upstream API keys, client secrets and session tokens.
func DefaultRedactedFields() []string {
	return []string{
		"password",
		"old_password",
		"new_password",
		"secret",
		"client_secret",
		"api_key",
		"upstream_key",
		"token",
		"signing_key",
		"authorization",
	}
}

// Secret creates a zap field carrying only the length of the value.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// RedactedString creates a zap field with the value replaced by its length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder and blanks values of sensitive
// field names. Non-string additions under a sensitive key are redacted too.
type RedactingEncoder struct {
	zapcore.Encoder
	redact map[string]bool
}

// NewRedactingEncoder wraps base with redaction for the given field names.
func NewRedactingEncoder(base zapcore.Encoder, fields []string) *RedactingEncoder {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[strings.ToLower(f)] = true
	}
	return &RedactingEncoder{Encoder: base, redact: m}
}

func (e *RedactingEncoder) shouldRedact(key string) bool {
	return e.redact[strings.ToLower(key)]
}

// AddString redacts values under sensitive keys.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.shouldRedact(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	e.Encoder.AddString(key, val)
}

// AddByteString redacts values under sensitive keys.
func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.shouldRedact(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, val)
}

// AddBinary redacts values under sensitive keys.
func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.shouldRedact(key) {
		e.Encoder.AddBinary(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected redacts the whole reflected value under sensitive keys.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.shouldRedact(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// Clone preserves redaction rules across encoder clones.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder: e.Encoder.Clone(),
		redact:  e.redact,
	}
}
