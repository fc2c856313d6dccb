package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/models"
	"github.com/phonerescue/phonerescue-server/internal/worker"
)

// RunWatchdog periodically sweeps active sessions and force-finalizes the
// ones whose worker went silent, and cancellations past their grace period.
// A stuck session must never hold its device lock forever.
func (c *Controller) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	log.Info().
		Dur("worker_timeout", c.cfg.WorkerTimeout).
		Dur("interval", c.cfg.WatchdogInterval).
		Msg("Session watchdog started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep applies the watchdog policy once
func (c *Controller) sweep(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	stale := make([]*activeSession, 0, len(c.active))
	for _, as := range c.active {
		stale = append(stale, as)
	}
	c.mu.Unlock()

	for _, as := range stale {
		as.mu.Lock()
		expiredCancel := as.cancelRequested && now.After(as.cancelDeadline)
		silentSince := now.Sub(as.lastReport)
		as.mu.Unlock()

		if expiredCancel {
			log.Warn().
				Str("session_id", as.sessionID.String()).
				Msg("Cancel grace period expired, force-finalizing session")
			c.finalize(as, worker.Cancelled())
			continue
		}

		if silentSince < c.cfg.WorkerTimeout {
			continue
		}

		// Paused sessions legitimately report nothing; only pending and
		// running sessions are subject to the timeout.
		session, err := c.store.GetSession(ctx, as.sessionID)
		if err != nil {
			log.Error().Err(err).Str("session_id", as.sessionID.String()).Msg("Watchdog failed to load session")
			continue
		}
		if session.Status != models.StatusPending && session.Status != models.StatusRunning {
			continue
		}

		log.Warn().
			Str("session_id", as.sessionID.String()).
			Dur("silent_for", silentSince).
			Msg("Worker stopped reporting, force-failing session")

		c.logEvent(session, models.EventTypeWatchdog, models.EventLevelWarning,
			"Worker timeout, session force-failed", models.Variables{
				"silentForSeconds": int64(silentSince.Seconds()),
			})

		c.finalize(as, worker.Failed("worker_timeout", "worker timeout"))
	}
}
