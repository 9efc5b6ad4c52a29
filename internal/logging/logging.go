// Package logging builds the zap logger shared across the engine.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger at the given level name
// (debug, info, warn, error, dpanic, panic, fatal).
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: failed to build logger: %w", err)
	}
	return logger, nil
}

// RedactAuthorization masks all but the last four characters of a bearer
// token/credential so it is safe to log.
func RedactAuthorization(value string) string {
	const prefix = "Bearer "
	token := value
	hadPrefix := false
	if len(value) > len(prefix) && value[:len(prefix)] == prefix {
		token = value[len(prefix):]
		hadPrefix = true
	}

	if len(token) <= 4 {
		token = "****"
	} else {
		token = "****" + token[len(token)-4:]
	}

	if hadPrefix {
		return prefix + token
	}
	return token
}
