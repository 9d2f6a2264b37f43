// Package monitoring implements the error reporter on top of Sentry.
package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kilianp07/qgdispatch/config"
	coremon "github.com/kilianp07/qgdispatch/core/monitoring"
)

// NewSentryReporter initializes the Sentry SDK. An empty DSN yields a no-op
// reporter so local runs need no account.
func NewSentryReporter(cfg config.SentryConfig) (coremon.Reporter, error) {
	if cfg.DSN == "" {
		return coremon.Nop{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
		ServerName:       "qgdispatch",
	})
	if err != nil {
		return nil, err
	}
	return &sentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

type sentryReporter struct {
	hub *sentry.Hub
}

func (s *sentryReporter) Report(r coremon.Report) {
	if r.Err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		if r.Component != "" {
			scope.SetTag("component", r.Component)
		}
		scope.SetTags(r.Tags)
		s.hub.CaptureException(r.Err)
	})
}

func (s *sentryReporter) Flush(timeout time.Duration) bool { return s.hub.Flush(timeout) }
