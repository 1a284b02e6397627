// Package lifecycle orchestrates credential state for one backend:
// proactive refresh scheduling, synchronous refresh for API callers,
// API-error triage, and account switching, over a credential store and
// a token relay.
package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// refreshSkew is how long before token expiry a proactive refresh is
// scheduled.
const refreshSkew = 5 * time.Minute

// stopper is the controllable half of a pending timer.
type stopper interface {
	Stop() bool
}

func realTimer(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

// Scheduler holds at most one pending refresh timer. Arming with a new
// credential cancels and replaces any prior timer, so sequential
// credential replacements never accumulate timers.
type Scheduler struct {
	logger *slog.Logger

	// now and newTimer are injectable for tests.
	now      func() time.Time
	newTimer func(time.Duration, func()) stopper

	mu      sync.Mutex
	pending stopper
	gen     uint64
}

// NewScheduler creates an unarmed scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		logger:   logger,
		now:      time.Now,
		newTimer: realTimer,
	}
}

// Arm schedules fire at expiresAt minus the refresh skew, replacing
// any pending timer. A zero expiresAt never arms a timer, and neither
// does an expiry already inside the skew window; in both cases the
// next API call's reactive refresh is the fallback.
func (s *Scheduler) Arm(expiresAt time.Time, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()

	if expiresAt.IsZero() {
		s.logger.Debug("refresh timer not armed, token lifetime unknown")

		return
	}

	delay := expiresAt.Add(-refreshSkew).Sub(s.now())
	if delay <= 0 {
		s.logger.Debug("refresh timer not armed, expiry inside skew window",
			slog.Time("expires_at", expiresAt),
		)

		return
	}

	s.gen++
	gen := s.gen

	s.pending = s.newTimer(delay, func() {
		// A timer superseded between firing and acquiring the lock
		// must not run its refresh.
		s.mu.Lock()
		stale := s.gen != gen
		if !stale {
			s.pending = nil
		}
		s.mu.Unlock()

		if stale {
			return
		}

		fire()
	})

	s.logger.Debug("refresh timer armed",
		slog.Duration("delay", delay),
		slog.Time("expires_at", expiresAt),
	)
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
}

func (s *Scheduler) cancelLocked() {
	s.gen++

	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

// Armed reports whether a timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending != nil
}
