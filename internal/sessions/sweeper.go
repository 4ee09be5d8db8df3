package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// Sweeper periodically ends sessions that have been idle past the
// configured timeout. Sessions with a turn in flight are skipped and
// picked up on a later sweep.
type Sweeper struct {
	store    storage.SessionStore
	locker   *TurnLocker
	idle     time.Duration
	schedule string
	logger   *observability.Logger
	cron     *cron.Cron
}

// NewSweeper builds the sweeper. An idle timeout of zero disables it.
func NewSweeper(cfg config.SessionConfig, store storage.SessionStore, locker *TurnLocker, logger *observability.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		locker:   locker,
		idle:     cfg.IdleTimeout,
		schedule: cfg.ExpirySchedule,
		logger:   logger,
	}
}

// Start schedules sweeps on the configured cron expression.
func (s *Sweeper) Start() error {
	if s.idle <= 0 || s.schedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx := context.Background()
		if _, err := s.SweepOnce(ctx); err != nil && s.logger != nil {
			s.logger.Error(ctx, "session sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("sessions: invalid expiry schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// SweepOnce ends every active session idle past the timeout and returns
// how many were ended.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.idle)
	idle, err := s.store.ListIdleSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, session := range idle {
		if s.locker != nil && s.locker.Busy(session.ID) {
			continue
		}
		if err := s.store.UpdateStatus(ctx, session.ID, models.SessionEnded); err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "failed to end idle session",
					"session_id", session.ID,
					"error", err.Error())
			}
			continue
		}
		ended++
	}

	if ended > 0 && s.logger != nil {
		s.logger.Info(ctx, "ended idle sessions", "count", ended)
	}
	return ended, nil
}
