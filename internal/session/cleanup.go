package session

import (
	"context"
	"log/slog"
	"time"
)

// ArmGraceTimer schedules deletion of an emptied session after the grace
// period. No-op if the session is occupied, already ended (teardown owns the
// timer slot then), or already deleted. A later attach cancels the timer.
func (r *Registry) ArmGraceTimer(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted || s.status == StatusEnded || len(s.members) > 0 {
		return
	}

	s.cancelCleanupLocked()
	s.cleanup = time.AfterFunc(r.limits.EmptyGrace, func() { r.reapIfEmpty(s) })
	r.log.Info("session.grace.armed", "code", s.Code, "grace", r.limits.EmptyGrace)
}

// reapIfEmpty is the grace timer callback. The emptiness precondition is
// re-verified at fire time to close the race against a concurrent attach.
func (r *Registry) reapIfEmpty(s *Session) {
	s.mu.Lock()
	if s.deleted || len(s.members) > 0 {
		s.mu.Unlock()
		return
	}
	s.cleanup = nil
	s.mu.Unlock()

	r.Delete(s.Code, "empty")
}

// ScheduleTeardown arms the short delay between a session-ended broadcast
// and the forced disconnect of the remaining room. Existence is re-checked
// at fire time via the idempotent Delete.
func (r *Registry) ScheduleTeardown(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted {
		return
	}

	s.cancelCleanupLocked()
	s.cleanup = time.AfterFunc(r.limits.EndDelay, func() {
		s.ShutdownAll("session ended")
		r.Delete(s.Code, "ended")
	})
}

// Sweeper is the periodic max-age sweep. Sessions older than the configured
// max age are expired regardless of activity or status: occupants get an
// expiry notice, connections are forced closed, and the session is deleted.
type Sweeper struct {
	log      *slog.Logger
	reg      *Registry
	interval time.Duration
}

// NewSweeper constructs a Sweeper over the given registry.
func NewSweeper(log *slog.Logger, reg *Registry, interval time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{log: log, reg: reg, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping on a fixed interval.
func (w *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			w.Sweep(now.UTC())
		}
	}
}

// Sweep expires every session older than the max age.
func (w *Sweeper) Sweep(now time.Time) {
	maxAge := w.reg.limits.MaxAge

	for _, s := range w.reg.Snapshot() {
		if now.Sub(s.CreatedAt) < maxAge {
			continue
		}
		s.Expire(now)
		if w.reg.Delete(s.Code, "expired") {
			w.log.Info("cleanup.sweep.expired", "code", s.Code, "age", now.Sub(s.CreatedAt))
		}
	}
}
