package serviceshell

import (
	"context"
	"testing"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/session"
)

func TestShellShutdownUnblocksRun(t *testing.T) {
	sh := New(session.NewRegistry(), 50*time.Millisecond)

	taskStopped := make(chan struct{})
	sh.Go("worker", func(ctx context.Context) {
		<-ctx.Done()
		close(taskStopped)
	})

	done := make(chan struct{})
	go func() {
		sh.Run()
		close(done)
	}()

	sh.Shutdown()

	select {
	case <-taskStopped:
	case <-time.After(time.Second):
		t.Fatal("task did not observe shutdown")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestShellRunReturnsPromptlyWithNoOpenSessions(t *testing.T) {
	reg := session.NewRegistry()
	sh := New(reg, 30*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sh.Run()
		close(done)
	}()

	start := time.Now()
	sh.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Run took %s, expected to return quickly with no open sessions", elapsed)
	}
}
