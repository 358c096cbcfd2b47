// Package session implements the session engine: the registry of live
// sessions, the stream reader that buffers and pattern-waits on device
// output, and the three session kinds (CLI, console, NETCONF) built on top
// of golang.org/x/crypto/ssh.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// Key identifies a session in the registry: the triple (id, client_ip,
// client_port) that stays stable for the session's lifetime.
type Key struct {
	ID         string
	ClientIP   string
	ClientPort int32
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.ID, k.ClientIP, k.ClientPort)
}

// State is a session's lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// PeerInfo records which candidate address a session ended up using.
type PeerInfo struct {
	Address  string
	Port     int
	Pingable bool
}

// Session is the runtime state shared by CLI, console and NETCONF
// sessions.
type Session struct {
	Key Key

	Device  *catalog.Device
	Vendor  *vendorreg.Vendor
	Options Options

	mu          sync.Mutex
	state       State
	lastAccess  time.Time
	inUse       int32 // atomic
	capturedMS  int64 // atomic, ms spent blocked on external I/O
	openDurMS   int64
	exitStatus  *int
	netconfHello []byte // stored peer hello, surfaced once as CommandResult.capabilities
	helloSurfaced bool
	peer        *PeerInfo

	registry *Registry
	closer   func() error // kind-specific teardown, installed by the concrete session constructor
}

// Options is the per-call connect/run configuration a caller supplies,
// unified across the three session kinds.
type Options struct {
	// Connect-time.
	ExplicitAddress      string
	MgmtIP               bool
	FailoverToBackupIPs  bool
	OpenTimeout          time.Duration
	IdleTimeout          time.Duration
	SessionType          vendorreg.SessionType
	PreSetupCommands     []string
	ClearCommandOverride *string
	Raw                  bool // bypass output formatting; caller supplies end regex

	// Auth.
	Username string
	Password string

	// Console-only.
	ConsoleServer      string
	ConsolePort        int
	KickstartOK        bool
	KickShutdown       bool
	ConsoleLoginTimeout time.Duration
	ConsoleExpectDelay  time.Duration

	// NETCONF-only.
	Subsystem   string
	ExecCommand string

	// Host rewrite hook for HTTP-proxy or NAT deployments. Identity by default.
	RewriteHost func(addr string) string
}

func (o *Options) rewrite(addr string) string {
	if o.RewriteHost == nil {
		return addr
	}
	return o.RewriteHost(addr)
}

func newSession(key Key, d *catalog.Device, v *vendorreg.Vendor, opts Options) *Session {
	return &Session{
		Key:        key,
		Device:     d,
		Vendor:     v,
		Options:    opts,
		state:      StateCreated,
		lastAccess: time.Now(),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connected reports whether the session's transport is up.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// touch records an access for reaper bookkeeping.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns the last time this session was touched.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// InUse reports whether an operation is currently in flight on this session.
func (s *Session) InUse() bool {
	return atomic.LoadInt32(&s.inUse) != 0
}

// enter marks the session busy; every wire-touching operation must pair
// this with a deferred leave so the reaper never evicts a session with an
// operation in flight.
func (s *Session) enter() {
	atomic.StoreInt32(&s.inUse, 1)
}

func (s *Session) leave() {
	atomic.StoreInt32(&s.inUse, 0)
	s.touch()
}

// addCaptured accumulates externally-blocked time (bytes in flight,
// transport establishment) onto the captured-time accumulator.
func (s *Session) addCaptured(d time.Duration) {
	atomic.AddInt64(&s.capturedMS, d.Milliseconds())
}

// CapturedMillis returns the accumulated externally-blocked time.
func (s *Session) CapturedMillis() int64 {
	return atomic.LoadInt64(&s.capturedMS)
}

// resetCaptured zeroes the accumulator.
func (s *Session) resetCaptured() {
	atomic.StoreInt64(&s.capturedMS, 0)
}

// setOpenDuration records how long transport establishment took, measured
// once at connect time.
func (s *Session) setOpenDuration(d time.Duration) {
	atomic.StoreInt64(&s.openDurMS, d.Milliseconds())
}

// OpenDurationMillis returns the transport establishment time.
func (s *Session) OpenDurationMillis() int64 {
	return atomic.LoadInt64(&s.openDurMS)
}

// ResetCaptured is the exported form of resetCaptured, called by the
// dispatcher before each invocation on a reused session so every call
// reports only its own contribution.
func (s *Session) ResetCaptured() {
	s.resetCaptured()
}

// ExitStatus returns the remote command exit status, if one was observed.
func (s *Session) ExitStatus() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitStatus
}

func (s *Session) setExitStatus(code int) {
	s.mu.Lock()
	s.exitStatus = &code
	s.mu.Unlock()
}

// setCloser installs the kind-specific teardown (transport close, console
// logout) that Close invokes. Called once by each concrete constructor.
func (s *Session) setCloser(fn func() error) {
	s.closer = fn
}

// Close removes the session from its registry, marks it closed, and runs
// its kind-specific teardown. CLISession, ConsoleSession and NetconfSession
// all close through this path, and the reaper closes over it directly since
// Registry.Snapshot only deals in *Session.
func (s *Session) Close() error {
	if s.registry != nil {
		s.registry.Remove(s.Key)
	}
	s.setState(StateClosed)
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// peerHelloForResult returns the stored NETCONF hello exactly once: the
// first caller after connect gets it as a side-channel, later callers get
// nil.
func (s *Session) peerHelloForResult() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helloSurfaced || s.netconfHello == nil {
		return nil
	}
	s.helloSurfaced = true
	return s.netconfHello
}

// Registry is the process-wide table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Key]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*Session)}
}

// Insert adds s under its key. Called once, on construction.
func (r *Registry) Insert(s *Session) {
	s.registry = r
	r.mu.Lock()
	r.sessions[s.Key] = s
	r.mu.Unlock()
}

// Remove deletes the session keyed by key, if present.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Get looks up a session by its full key.
func (r *Registry) Get(key Key) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, cmderrors.New(cmderrors.Lookup, "session not found: %s", key)
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current set of live sessions; the reaper iterates
// this rather than holding the registry lock across closes.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// WaitDrained polls until the registry is empty or ctx is done.
func (r *Registry) WaitDrained(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
