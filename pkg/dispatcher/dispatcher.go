// Package dispatcher implements the service handler: the public
// run/bulk_run/open_session family, fan-out/load-balance chunking for bulk
// requests, and the exception classification/wrapping that sits at the RPC
// boundary. It ties the catalog, vendor registry, session engine and
// counters together.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gridrunner/cmdrunner/pkg/audit"
	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/counters"
	"github.com/gridrunner/cmdrunner/pkg/options"
	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

const (
	counterBulkRejected   = "fbnet.command_runner.dispatcher.bulk_rejected"
	counterBulkChunks     = "fbnet.command_runner.dispatcher.bulk_chunks"
	counterBulkRetries    = "fbnet.command_runner.dispatcher.bulk_retries"
	counterRunFailures    = "fbnet.command_runner.dispatcher.run_failures"
	statusSuccess         = "success"
)

// PeerDispatcher is the pluggable RPC forwarding hook bulk_run's fan-out
// uses to reach peer instances, narrowed to the one call bulk_run needs
// from the transport layer.
type PeerDispatcher interface {
	BulkRunLocal(ctx context.Context, devices []rpcif.BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, uuid string) (map[string][]*rpcif.CommandResult, error)
}

// loopbackPeer calls straight back into the owning Dispatcher's
// BulkRunLocal, for single-instance deployments and tests with no real
// peer fleet to forward to.
type loopbackPeer struct {
	d *Dispatcher
}

func (p *loopbackPeer) BulkRunLocal(ctx context.Context, devices []rpcif.BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, uuid string) (map[string][]*rpcif.CommandResult, error) {
	return p.d.BulkRunLocal(ctx, devices, timeout, openTimeout, clientIP, clientPort, uuid)
}

// Dispatcher implements rpcif.Dispatcher.
type Dispatcher struct {
	Catalog  *catalog.Catalog
	Vendors  *vendorreg.Registry
	Sessions *session.Registry
	Counters *counters.Registry
	Options  *options.Registry

	Peer PeerDispatcher

	bulkSessionCount int64 // atomic; bound to this instance so co-resident dispatchers don't share quota

	handlesMu sync.RWMutex
	handles   map[session.Key]*sessionHandle // persistent sessions opened via OpenSession/OpenRawSession
}

var _ rpcif.Dispatcher = (*Dispatcher)(nil)

// New builds a Dispatcher wired to its collaborators. If peer is nil, bulk
// fan-out forwards to itself via BulkRunLocal (loopback single-instance
// mode).
func New(cat *catalog.Catalog, vendors *vendorreg.Registry, sessions *session.Registry, ctr *counters.Registry, opts *options.Registry, peer PeerDispatcher) *Dispatcher {
	d := &Dispatcher{Catalog: cat, Vendors: vendors, Sessions: sessions, Counters: ctr, Options: opts, Peer: peer}
	if d.Peer == nil {
		d.Peer = &loopbackPeer{d: d}
	}
	return d
}

// ensureUUID returns id unchanged if non-empty, otherwise a newly
// generated one.
func ensureUUID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// debugAnnotate appends a "(DebugInfo: thrift_uuid=<uuid>)" suffix to a
// failure, preserving the original cmderrors.Code so it survives to
// rpcif.ToSessionException rather than collapsing to Unknown.
func debugAnnotate(err error, uuidStr string) error {
	if err == nil {
		return nil
	}
	suffixed := fmt.Sprintf("%s (DebugInfo: thrift_uuid=%s)", err.Error(), uuidStr)
	var ce *cmderrors.Error
	if errors.As(err, &ce) {
		return &cmderrors.Error{Code: ce.Code, Message: suffixed}
	}
	return errors.New(suffixed)
}

// validateDevice checks request inputs before any work happens: hostname
// required, and username/password only accepted together.
func validateDevice(d rpcif.Device) error {
	if strings.TrimSpace(d.Hostname) == "" {
		return cmderrors.New(cmderrors.Validation, "device request missing hostname")
	}
	if (d.Username != "") != (d.Password != "") {
		return cmderrors.New(cmderrors.Validation, "device %s: username and password must be supplied together", d.Hostname)
	}
	return nil
}

func validateSessionHandle(h rpcif.SessionHandle) error {
	if h.ID == "" {
		return cmderrors.New(cmderrors.Validation, "session handle missing id")
	}
	return nil
}

// Run opens a short-lived session as a scoped resource, runs one command,
// closes it, and classifies any failure at the RPC boundary.
func (d *Dispatcher) Run(ctx context.Context, command string, device rpcif.Device, timeout, openTimeout int, clientIP string, clientPort int32, callUUID string) (*rpcif.CommandResult, error) {
	callUUID = ensureUUID(callUUID)

	if err := validateDevice(device); err != nil {
		return nil, rpcif.ToSessionException(err)
	}

	start := time.Now()
	key := session.Key{ID: "run-" + callUUID, ClientIP: clientIP, ClientPort: clientPort}
	h, err := d.createSession(ctx, device, key, time.Duration(openTimeout)*time.Second)
	if err != nil {
		d.Counters.Increment(counterRunFailures)
		d.recordAudit(device.Hostname, command, false, err, time.Since(start), clientIP, clientPort, "", callUUID)
		return nil, rpcif.ToSessionException(debugAnnotate(err, callUUID))
	}
	defer h.Close()

	promptOverride := device.PromptOverrides[command]
	out, caps, err := h.run(command, time.Duration(timeout)*time.Second, promptOverride)
	d.recordAudit(device.Hostname, command, err == nil, err, time.Since(start), clientIP, clientPort, h.key.ID, callUUID)
	if err != nil {
		d.Counters.Increment(counterRunFailures)
		return nil, rpcif.ToSessionException(debugAnnotate(err, callUUID))
	}

	return &rpcif.CommandResult{Output: out, Status: statusSuccess, Command: command, UUID: callUUID, Capabilities: caps}, nil
}

func (d *Dispatcher) recordAudit(hostname, command string, success bool, err error, dur time.Duration, clientIP string, clientPort int32, sessionID, callUUID string) {
	ev := audit.NewEvent(hostname, command).WithDuration(dur).WithClient(clientIP, clientPort).WithThriftUUID(callUUID)
	if sessionID != "" {
		ev = ev.WithSession(sessionID)
	}
	if success {
		ev = ev.WithSuccess()
	} else {
		ev = ev.WithError(err)
	}
	if logErr := audit.Record(ev); logErr != nil {
		util.WithField("device", hostname).Warnf("dispatcher: audit record failed: %v", logErr)
	}
}

// GetCounters returns a snapshot of every registered counter.
func (d *Dispatcher) GetCounters(ctx context.Context) map[string]int64 {
	return d.Counters.All()
}

// GetRegexCounter returns a snapshot of the counters whose names match
// pattern.
func (d *Dispatcher) GetRegexCounter(ctx context.Context, pattern string) (map[string]int64, error) {
	re, err := compileCounterPattern(pattern)
	if err != nil {
		return nil, rpcif.ToSessionException(cmderrors.New(cmderrors.Validation, "invalid counter regex %q: %v", pattern, err))
	}
	return d.Counters.GetMatching(re), nil
}

// --- bulk admission bookkeeping -------------------------------------------------

func (d *Dispatcher) reserveBulkSlots(n int) bool {
	limit := int64(d.Options.BulkSessionLimit)
	for {
		cur := atomic.LoadInt64(&d.bulkSessionCount)
		if cur+int64(n) > limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&d.bulkSessionCount, cur, cur+int64(n)) {
			return true
		}
	}
}

func (d *Dispatcher) releaseBulkSlots(n int) {
	atomic.AddInt64(&d.bulkSessionCount, -int64(n))
}

// jitterSleep sleeps a uniform random duration in [min, max), honoring ctx
// cancellation. Both the bulk-local stagger and the remote-retry back-off
// use it.
func jitterSleep(ctx context.Context, min, max time.Duration) {
	d := max - min
	var extra time.Duration
	if d > 0 {
		extra = time.Duration(rand.Int63n(int64(d)))
	}
	select {
	case <-time.After(min + extra):
	case <-ctx.Done():
	}
}

func compileCounterPattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(pattern)
}

// sortedByHostname returns the bulk requests sorted by hostname so local
// batch execution is deterministic.
func sortedByHostname(reqs []rpcif.BulkRequest) []rpcif.BulkRequest {
	out := append([]rpcif.BulkRequest(nil), reqs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Device.Hostname < out[j].Device.Hostname })
	return out
}

