package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/csai/vm-range-controller/internal/config"
	"github.com/csai/vm-range-controller/internal/store"
)

// Sweeper is the background cleanup scheduler. On each tick it finds
// sessions past their expiry, and sessions stuck in stopping beyond the
// grace period, and drives them through the shared stop path. Stop's
// idempotent guard makes the sweep safe alongside user-initiated stops.
type Sweeper struct {
	mgr   *Manager
	cfg   config.CleanupConfig
	log   *slog.Logger
	cron  *cron.Cron
	vpnGC interface{ Sweep(now time.Time) int }
}

func NewSweeper(cfg config.CleanupConfig, mgr *Manager, vpnGC interface{ Sweep(now time.Time) int }, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		mgr:   mgr,
		cfg:   cfg,
		log:   logger,
		cron:  cron.New(),
		vpnGC: vpnGC,
	}
}

// Start schedules the sweep on its fixed interval.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %ds", s.cfg.IntervalSeconds)
	if _, err := s.cron.AddFunc(spec, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one cleanup pass and returns how many sessions it moved to a
// terminal state. A single session's teardown error is logged, never fatal
// to the pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	grace := time.Duration(s.cfg.StoppingGraceSeconds) * time.Second

	due, err := s.mgr.store.DueForCleanup(now, grace)
	if err != nil {
		s.log.Error("sweep_query_failed", slog.String("error", err.Error()))
		return 0
	}

	cleaned := 0
	for _, sess := range due {
		var err error
		switch {
		case sess.Status == store.StatusStopping:
			_, err = s.mgr.resumeTeardown(ctx, sess.ID)
		default:
			_, err = s.mgr.expireSession(ctx, sess.ID)
		}
		if err != nil {
			s.log.Warn("sweep_teardown_failed",
				slog.String("session_id", sess.ID),
				slog.String("status", sess.Status),
				slog.String("error", err.Error()),
			)
			continue
		}
		cleaned++
	}

	if s.vpnGC != nil {
		if n := s.vpnGC.Sweep(now); n > 0 {
			s.log.Info("vpn_profiles_swept", slog.Int("count", n))
		}
	}
	if cleaned > 0 {
		s.log.Info("sweep_completed", slog.Int("cleaned", cleaned), slog.Int("due", len(due)))
	}
	return cleaned
}
