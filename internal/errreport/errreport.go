// Package errreport forwards terminal failures to Sentry when a DSN is configured.
package errreport

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/config"
)

var enabled bool

// Init configures the Sentry client. Without a DSN reporting stays disabled.
func Init(cfg config.SentryConfig, env string) error {
	if cfg.DSN == "" {
		return nil
	}
	environment := cfg.Environment
	if environment == "" {
		environment = env
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      environment,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}
	enabled = true
	logrus.Info("Sentry error reporting enabled")
	return nil
}

// Capture reports err with the given tags
func Capture(err error, tags map[string]string) {
	if !enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered reports to be sent
func Flush(timeout time.Duration) {
	if enabled {
		sentry.Flush(timeout)
	}
}
