package session

import (
	"context"
	"testing"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	reg := NewRegistry()
	s := newSession(Key{ID: "s1", ClientIP: "1.2.3.4", ClientPort: 9}, &catalog.Device{Hostname: "dev1"}, vendorreg.NewDefault("cisco"), Options{})
	reg.Insert(s)

	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}

	got, err := reg.Get(s.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Error("Get returned a different session")
	}

	reg.Remove(s.Key)
	if reg.Count() != 0 {
		t.Errorf("Count() after Remove = %d, want 0", reg.Count())
	}
	if _, err := reg.Get(s.Key); cmderrors.CodeOf(err) != cmderrors.Lookup {
		t.Errorf("code = %v, want Lookup", cmderrors.CodeOf(err))
	}
}

func TestRegistryWaitDrained(t *testing.T) {
	reg := NewRegistry()
	s := newSession(Key{ID: "s1"}, &catalog.Device{Hostname: "dev1"}, vendorreg.NewDefault("cisco"), Options{})
	reg.Insert(s)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- reg.WaitDrained(ctx, 5*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Remove(s.Key)

	if err := <-done; err != nil {
		t.Fatalf("WaitDrained: %v", err)
	}
}

func TestRegistryWaitDrainedTimeout(t *testing.T) {
	reg := NewRegistry()
	s := newSession(Key{ID: "s1"}, &catalog.Device{Hostname: "dev1"}, vendorreg.NewDefault("cisco"), Options{})
	reg.Insert(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.WaitDrained(ctx, 5*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSessionInUseAndCapturedTime(t *testing.T) {
	s := newSession(Key{ID: "s1"}, &catalog.Device{Hostname: "dev1"}, vendorreg.NewDefault("cisco"), Options{})
	if s.InUse() {
		t.Error("new session should not be in use")
	}
	s.enter()
	if !s.InUse() {
		t.Error("expected in use after enter")
	}
	s.leave()
	if s.InUse() {
		t.Error("expected not in use after leave")
	}

	s.addCaptured(250 * time.Millisecond)
	s.addCaptured(250 * time.Millisecond)
	if s.CapturedMillis() != 500 {
		t.Errorf("CapturedMillis() = %d, want 500", s.CapturedMillis())
	}
	s.resetCaptured()
	if s.CapturedMillis() != 0 {
		t.Errorf("CapturedMillis() after reset = %d, want 0", s.CapturedMillis())
	}
}

func TestSessionPeerHelloSurfacedOnce(t *testing.T) {
	s := newSession(Key{ID: "s1"}, &catalog.Device{Hostname: "dev1"}, vendorreg.NewDefault("cisco"), Options{})
	s.netconfHello = []byte("hello-bytes")

	if got := s.peerHelloForResult(); string(got) != "hello-bytes" {
		t.Errorf("first call = %q", got)
	}
	if got := s.peerHelloForResult(); got != nil {
		t.Errorf("second call = %q, want nil", got)
	}
}
