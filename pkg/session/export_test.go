package session

import (
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// NewSessionForTest and the accessors below exist only to let
// reaping_test.go (package session_test, so it can import pkg/reaper
// without an import cycle) exercise state that is otherwise package-private.

func NewSessionForTest(key Key, d *catalog.Device, v *vendorreg.Vendor, opts Options) *Session {
	return newSession(key, d, v, opts)
}

func (s *Session) SetLastAccessForTest(t time.Time) {
	s.mu.Lock()
	s.lastAccess = t
	s.mu.Unlock()
}

func (s *Session) EnterForTest() {
	s.enter()
}
