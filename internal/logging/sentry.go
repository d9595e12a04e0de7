package logging

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SentryConfig configures error forwarding to Sentry.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// WithSentry initializes the Sentry SDK and returns a logger that forwards
// error-level entries as Sentry messages, plus a flush func for shutdown.
// An empty DSN returns the logger unchanged.
func WithSentry(logger *zap.Logger, cfg SentryConfig) (*zap.Logger, func(), error) {
	if cfg.DSN == "" {
		return logger, func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sentry init: %w", err)
	}
	hooked := logger.WithOptions(zap.Hooks(sentryHook))
	flush := func() {
		sentry.Flush(2 * time.Second)
	}
	return hooked, flush, nil
}

func sentryHook(entry zapcore.Entry) error {
	if entry.Level < zapcore.ErrorLevel {
		return nil
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("logger", entry.LoggerName)
		scope.SetLevel(sentry.LevelError)
		sentry.CaptureMessage(entry.Message)
	})
	return nil
}
