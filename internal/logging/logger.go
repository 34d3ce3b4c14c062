// Package logging builds the framesearch zap logger.
//
// Every logger produced here writes through a redacting encoder, so field
// names that commonly carry credential material (password, api_key, token,
// client_secret, ...) come out as "[REDACTED]" even if a call site passes
// them by mistake. The credential invariant — plaintext passwords, upstream
// secrets and decrypted keys never reach storage or logs — is enforced at
// the encoder, not by call-site discipline alone.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// New creates a production logger from config.
//
// Format "console" yields human-readable output for local runs; anything
// else produces JSON. Unknown levels fail rather than silently defaulting.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var base zapcore.Encoder
	if cfg.Format == "console" {
		base = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		base = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(
		NewRedactingEncoder(base, DefaultRedactedFields()),
		zapcore.Lock(os.Stderr),
		level,
	)

	return zap.New(core), nil
}
