package notification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/domain/reminder"
)

// DispatcherConfig controls the polling loop.
type DispatcherConfig struct {
	Interval time.Duration
	ClaimTTL time.Duration
}

// Dispatcher moves due reminders from a Source to a Publisher. Each task is
// claimed, re-checked, published and then acknowledged. A task whose publish
// fails is released and picked up again on a later tick.
type Dispatcher struct {
	source    Source
	claimer   Claimer
	publisher Publisher
	templates *TemplateEngine
	logger    zerolog.Logger
	cfg       DispatcherConfig
	now       func() time.Time
}

func NewDispatcher(src Source, claimer Claimer, pub Publisher, templates *TemplateEngine, logger zerolog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Dispatcher{
		source:    src,
		claimer:   claimer,
		publisher: pub,
		templates: templates,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// TickStats summarizes one pass over the due tasks.
type TickStats struct {
	Due       int
	Published int
	Skipped   int
	Failed    int
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.cfg.Interval).Msg("reminder dispatcher started")
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("reminder dispatch tick failed")
		}
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("reminder dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick dispatches every task due now. Per-task failures are logged and
// counted; only a failing Source aborts the tick.
func (d *Dispatcher) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	tasks, err := d.source.Due(ctx, d.now())
	if err != nil {
		return stats, err
	}
	stats.Due = len(tasks)

	for _, t := range tasks {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		switch err := d.dispatch(ctx, t); {
		case err == nil:
			stats.Published++
		case errors.Is(err, errClaimed), errors.Is(err, errStale):
			stats.Skipped++
		default:
			stats.Failed++
			d.logger.Warn().Err(err).Str("task_id", t.ID.String()).
				Str("appointment_id", t.AppointmentID.String()).Msg("reminder dispatch failed")
		}
	}
	if stats.Due > 0 {
		d.logger.Debug().Int("due", stats.Due).Int("published", stats.Published).
			Int("skipped", stats.Skipped).Int("failed", stats.Failed).Msg("reminder dispatch tick")
	}
	return stats, nil
}

var (
	errClaimed = errors.New("claimed by another dispatcher")
	errStale   = errors.New("no longer pending")
)

func (d *Dispatcher) dispatch(ctx context.Context, t reminder.Task) error {
	ok, err := d.claimer.Claim(ctx, t.ID, d.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errClaimed
	}

	// Cancellations after Due must not reach the patient.
	pending, err := d.source.Pending(ctx, t.ID)
	switch {
	case errors.Is(err, reminder.ErrTaskNotFound):
		pending, err = false, nil
	case err != nil:
		d.release(ctx, t)
		return err
	}
	if !pending {
		d.release(ctx, t)
		d.logger.Debug().Str("task_id", t.ID.String()).Msg("reminder invalidated after poll; skipped")
		return errStale
	}

	msg, err := d.templates.MessageFor(t)
	if err == nil {
		err = d.publisher.Publish(ctx, msg)
	}
	if err != nil {
		d.release(ctx, t)
		return err
	}

	// The claim is left to expire.
	if err := d.source.Ack(ctx, t.ID); err != nil && !errors.Is(err, reminder.ErrTaskNotFound) {
		d.logger.Warn().Err(err).Str("task_id", t.ID.String()).Msg("reminder published but not acknowledged")
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, t reminder.Task) {
	if err := d.claimer.Release(context.WithoutCancel(ctx), t.ID); err != nil {
		d.logger.Warn().Err(err).Str("task_id", t.ID.String()).Msg("releasing reminder claim failed")
	}
}
