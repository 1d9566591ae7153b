package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/household-sync/internal/models"
	"github.com/cenkalti/backoff/v4"
)

// Run drives the scheduler until ctx is cancelled. Cycles run one at a
// time on this goroutine; they start on SyncNow, on reconnection, and on
// the periodic timer. After a failed cycle the timer follows a capped
// exponential backoff instead of the regular interval. The timer does not
// start cycles while the monitor reports offline; reconnection does.
func (e *Engine) Run(ctx context.Context) error {
	unsub := e.monitor.Subscribe(func(online bool) {
		if online {
			e.SyncNow()
			return
		}

		e.markOffline()
	})
	defer unsub()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = e.cfg.BackoffMin
	retry.MaxInterval = e.cfg.BackoffMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	if e.monitor.Online() {
		e.SyncNow()
	}

	timer := time.NewTimer(e.cfg.Interval)
	defer timer.Stop()

	e.logger.Info("sync scheduler started",
		slog.String("household", e.cfg.HouseholdID),
		slog.Duration("interval", e.cfg.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync scheduler stopped")
			return nil

		case <-e.trigger:

		case <-timer.C:
			if !e.monitor.Online() {
				timer.Reset(e.cfg.Interval)
				continue
			}
		}

		res := e.runCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := e.cfg.Interval
		if res.state == models.StateIdle {
			retry.Reset()
		} else {
			delay = retry.NextBackOff()
		}

		e.logger.Debug("next timed sync", slog.Duration("in", delay))
		timer.Reset(delay)
	}
}

// SyncOnce runs one cycle synchronously and returns its error, if any.
// Meant for one-shot callers that do not run the scheduler loop.
func (e *Engine) SyncOnce(ctx context.Context) error {
	return e.runCycle(ctx).err
}

// markOffline moves an idle or failed scheduler to offline. A running
// cycle decides its own outcome.
func (e *Engine) markOffline() {
	e.mu.Lock()
	syncing := e.state == models.StateSyncing
	e.mu.Unlock()

	if !syncing {
		e.setState(models.StateOffline)
	}
}
