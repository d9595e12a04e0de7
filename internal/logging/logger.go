// Package logging builds the zap loggers shared by every shield process.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every production log line.
const ServiceName = "osint-shield"

// Options selects the encoder and minimum level.
type Options struct {
	Development bool
	// Level is a zap level name ("debug", "info", "warn", "error"). Empty
	// means info.
	Level string
	// Version is recorded as the "version" field when set.
	Version string
}

// New builds a console logger for development or a JSON logger for
// production. Production lines carry service, version and host fields so
// worker and consumer output can be told apart once aggregated.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		level = parsed
	}

	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.InitialFields = productionFields(opts.Version)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func productionFields(version string) map[string]any {
	fields := map[string]any{"service": ServiceName}
	if version != "" {
		fields["version"] = version
	}
	if host, err := os.Hostname(); err == nil {
		fields["host"] = host
	}
	return fields
}
