// Package logging builds the zap logger shared by the server and workers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string // json or console
	Development bool
}

// New constructs a zap logger using the provided options.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format := strings.ToLower(strings.TrimSpace(opts.Format)); format {
	case "":
		// keep the preset's encoding
	case "json", "console":
		cfg.Encoding = format
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	return cfg.Build()
}

// ForEnv picks development output outside production.
func ForEnv(level, env string) (*zap.Logger, error) {
	dev := env != "production"
	format := "json"
	if dev {
		format = "console"
	}
	return New(Options{Level: level, Format: format, Development: dev})
}

// ParseLevel maps a level name to a zap level; empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log level: unsupported value %q", level)
	}
	return l, nil
}
