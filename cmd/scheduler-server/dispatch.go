package main

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/config"
	"github.com/ehr/scheduler/internal/platform/notification"
)

// newRemoteDispatcher builds a dispatcher that polls a running
// scheduler-server over HTTP. The returned func closes broker connections.
func newRemoteDispatcher(cfg *config.Config, logger zerolog.Logger) (*notification.Dispatcher, func(), error) {
	var closers []func() error
	register := func(fn func() error) { closers = append(closers, fn) }
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn().Err(err).Msg("close failed")
			}
		}
	}

	claimer, err := newClaimer(cfg, logger, register)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	publisher, err := newPublisher(cfg, logger, register)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	src := notification.NewHTTPSource(cfg.SchedulerURL, cfg.DispatchToken, &http.Client{Timeout: 10 * time.Second})
	d := notification.NewDispatcher(src, claimer, publisher, nil,
		logger.With().Str("component", "dispatcher").Logger(),
		notification.DispatcherConfig{Interval: cfg.DispatchInterval, ClaimTTL: cfg.DispatchClaimTTL},
	)
	return d, closeAll, nil
}
