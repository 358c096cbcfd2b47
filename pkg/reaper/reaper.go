// Package reaper implements the periodic session-reaping task: a
// ticker-driven sweep over a snapshot of the session registry that closes
// sessions which have outgrown their idle or absolute-age budget.
package reaper

import (
	"context"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/counters"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
)

const reapedCounter = "fbnet.command_runner.session.reaped"

// Reaper periodically scans the session registry and closes sessions that
// are over age or idle past their budget.
type Reaper struct {
	registry *session.Registry
	counters *counters.Registry

	period            time.Duration
	maxIdleTimeout    time.Duration
	maxLastAccessTime time.Duration
}

// New creates a Reaper. period is the scan interval (session_reap_period);
// maxIdleTimeout and maxLastAccessTime are the two process-wide ceilings
// (max_session_idle_timeout, max_session_last_access_timeout). counters
// may be nil if reap counts need not be published.
func New(reg *session.Registry, ctr *counters.Registry, period, maxIdleTimeout, maxLastAccessTime time.Duration) *Reaper {
	return &Reaper{
		registry:          reg,
		counters:          ctr,
		period:            period,
		maxIdleTimeout:    maxIdleTimeout,
		maxLastAccessTime: maxLastAccessTime,
	}
}

// Run blocks, sweeping every period until ctx is canceled. Intended to be
// launched as a long-lived service task canceled at shutdown.
func (r *Reaper) Run(ctx context.Context) {
	if r.period <= 0 {
		r.period = 60 * time.Second
	}
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs a single reap pass and returns the number of sessions closed.
// Exported so tests and a manual admin trigger can invoke it without waiting
// on the ticker.
func (r *Reaper) Sweep() int {
	now := time.Now()
	reaped := 0
	for _, s := range r.registry.Snapshot() {
		if !r.shouldReap(s, now) {
			continue
		}
		if err := s.Close(); err != nil {
			util.WithSession(s.Key.String()).WithError(err).Warn("reaper: error closing session")
		}
		reaped++
	}
	if reaped > 0 {
		util.WithField("count", reaped).Info("reaper: swept sessions")
		if r.counters != nil {
			r.counters.IncrementBy(reapedCounter, int64(reaped))
		}
	}
	return reaped
}

// shouldReap decides one session's fate: close unconditionally when the
// last access is older than the absolute ceiling, close when idle past the
// tighter of the session's own and the process-wide idle budget, otherwise
// leave it alone.
func (r *Reaper) shouldReap(s *session.Session, now time.Time) bool {
	age := now.Sub(s.LastAccess())

	if r.maxLastAccessTime > 0 && age > r.maxLastAccessTime {
		return true
	}
	if s.InUse() {
		return false
	}

	limit := r.maxIdleTimeout
	if sessionIdle := s.Options.IdleTimeout; sessionIdle > 0 && (limit <= 0 || sessionIdle < limit) {
		limit = sessionIdle
	}
	if limit <= 0 {
		return false
	}
	return age > limit
}
