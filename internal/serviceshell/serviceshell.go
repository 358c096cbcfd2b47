// Package serviceshell implements the service bootstrap/shutdown
// lifecycle: a root context canceled on SIGINT/SIGTERM, a registry of
// long-lived background tasks canceled with that context, and an
// exit_max_wait-bounded wait for the session registry to drain before the
// shell waits for those tasks to return.
package serviceshell

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
)

// Task is a long-lived background job the shell owns: it must return once
// ctx is canceled.
type Task func(ctx context.Context)

// Shell coordinates startup and graceful shutdown for cmdrunnerd: it owns the
// root context, launches named background tasks against it, and on
// SIGINT/SIGTERM (which cancels those tasks) waits up to ExitMaxWait for the
// session registry to drain, then waits for the tasks to return. Sessions
// still open after ExitMaxWait are not closed by the shell.
type Shell struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessions    *session.Registry
	exitMaxWait time.Duration

	wg sync.WaitGroup
}

// New creates a Shell whose root context is canceled on SIGINT or SIGTERM.
// sessions is the registry Shutdown drains against; exitMaxWait bounds how
// long Shutdown waits for that drain.
func New(sessions *session.Registry, exitMaxWait time.Duration) *Shell {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return &Shell{ctx: ctx, cancel: cancel, sessions: sessions, exitMaxWait: exitMaxWait}
}

// Context returns the shell's root context, canceled when a shutdown signal
// arrives or Shutdown is called directly.
func (s *Shell) Context() context.Context {
	return s.ctx
}

// Go launches fn as a background task under the shell's root context,
// tracked so Run can wait for it to exit before returning.
func (s *Shell) Go(name string, fn Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		util.WithField("task", name).Info("serviceshell: task started")
		fn(s.ctx)
		util.WithField("task", name).Info("serviceshell: task stopped")
	}()
}

// Run blocks until the root context is canceled (a shutdown signal, or an
// explicit Shutdown call), then drains open sessions and waits for every
// task launched via Go to return.
func (s *Shell) Run() {
	<-s.ctx.Done()
	util.Info("serviceshell: shutdown signal received, draining sessions")

	if s.sessions != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), s.exitMaxWait)
		if err := s.sessions.WaitDrained(drainCtx, 200*time.Millisecond); err != nil {
			util.WithField("open_sessions", s.sessions.Count()).
				Warn("serviceshell: exit_max_wait exceeded, forcing shutdown with sessions still open")
		}
		cancel()
	}

	s.wg.Wait()
	util.Info("serviceshell: all tasks stopped, exiting")
}

// Shutdown cancels the root context directly, for callers (tests, an admin
// RPC) that need to trigger the same drain-and-stop sequence without an OS
// signal.
func (s *Shell) Shutdown() {
	s.cancel()
}
