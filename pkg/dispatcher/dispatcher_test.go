package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/counters"
	"github.com/gridrunner/cmdrunner/pkg/options"
	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// fakeBackend is an in-memory catalog.Backend seeded by the test with
// exactly the devices it wants resolvable; anything else misses, letting
// catalog.Get synthesize its own "Device not found" Lookup error.
type fakeBackend struct {
	devices map[string]*catalog.Device
}

func (b *fakeBackend) FetchOne(ctx context.Context, hostname string) (*catalog.Device, error) {
	d, ok := b.devices[hostname]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (b *fakeBackend) FetchAll(ctx context.Context, nameFilter *regexp.Regexp) ([]*catalog.Device, error) {
	out := make([]*catalog.Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	return out, nil
}

// testHarness wires a Dispatcher against a single shared fake SSH device
// server, with devices test-dev-1..N registered in a fake catalog backend
// (test-dev-0 is deliberately left unregistered by the bulk-failure test).
type testHarness struct {
	dispatcher *Dispatcher
	counters   *counters.Registry
	opts       *options.Registry
}

func newTestHarness(t *testing.T, hostnames []string) *testHarness {
	t.Helper()

	addr := startFakeSSHServer(t, cliDeviceHandler)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	ctr := counters.New()
	vendors := vendorreg.NewRegistry(ctr)
	vendor := vendorreg.NewDefault("cisco")
	vendor.Port = port
	vendors.Put(vendor)

	devices := make(map[string]*catalog.Device, len(hostnames))
	for _, h := range hostnames {
		devices[h] = &catalog.Device{
			Hostname:   h,
			VendorName: "cisco",
			DefaultIP:  host,
			IPs:        []catalog.IPCandidate{{Address: host}},
		}
	}

	cat := catalog.New(catalog.Options{
		Backend: &fakeBackend{devices: devices},
		Vendors: vendors,
	})

	opts := options.Defaults()
	opts.BulkRunJitter = 0
	opts.BulkRetryDelayMin = 0
	opts.BulkRetryDelayMax = time.Millisecond

	d := New(cat, vendors, session.NewRegistry(), ctr, opts, nil)
	return &testHarness{dispatcher: d, counters: ctr, opts: opts}
}

func sessionException(t *testing.T, err error) *rpcif.SessionException {
	t.Helper()
	var se *rpcif.SessionException
	if !errors.As(err, &se) {
		t.Fatalf("error %v (%T) is not a *rpcif.SessionException", err, err)
	}
	return se
}

// An unknown device's run fails Lookup, with the
// hostname and "Device not found" both present in the message.
func TestDispatcherRunUnknownDevice(t *testing.T) {
	h := newTestHarness(t, nil)

	_, err := h.dispatcher.Run(context.Background(), "show version\n",
		rpcif.Device{Hostname: "test-dev-100"}, 5, 5, "127.0.0.1", 5000, "")
	if err == nil {
		t.Fatal("expected an error for an unknown device")
	}

	se := sessionException(t, err)
	if se.Code != cmderrors.Lookup {
		t.Errorf("code = %v, want Lookup", se.Code)
	}
	if !strings.Contains(se.Message, "Device not found") {
		t.Errorf("message %q does not contain %q", se.Message, "Device not found")
	}
	if !strings.Contains(se.Message, "test-dev-100") {
		t.Errorf("message %q does not contain %q", se.Message, "test-dev-100")
	}
}

// A single successful run against a reachable device
// returns a success CommandResult carrying the device's reply.
func TestDispatcherRunSuccess(t *testing.T) {
	h := newTestHarness(t, []string{"test-dev-1"})

	res, err := h.dispatcher.Run(context.Background(), "show version\n",
		rpcif.Device{Hostname: "test-dev-1"}, 5, 5, "127.0.0.1", 5000, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %q, want success", res.Status)
	}
	want := "$ show version\nMock response for show version"
	if res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
	if res.UUID == "" {
		t.Error("expected a generated uuid on the result")
	}
}

// bulk_run_local against 5 devices, one of which
// (test-dev-0) is not in the catalog, still returns exactly 5 entries; the
// missing device contributes a single synthetic Lookup failure and the rest
// succeed normally.
func TestDispatcherBulkRunLocalOneInvalidHost(t *testing.T) {
	h := newTestHarness(t, []string{"test-dev-1", "test-dev-2", "test-dev-3", "test-dev-4"})

	var devices []rpcif.BulkRequest
	for i := 0; i <= 4; i++ {
		devices = append(devices, rpcif.BulkRequest{
			Device:   rpcif.Device{Hostname: fmt.Sprintf("test-dev-%d", i)},
			Commands: []string{"show version"},
		})
	}

	result, err := h.dispatcher.BulkRunLocal(context.Background(), devices, 5, 5, "127.0.0.1", 5000, "")
	if err != nil {
		t.Fatalf("BulkRunLocal: %v", err)
	}
	if len(result) != 5 {
		t.Fatalf("len(result) = %d, want 5", len(result))
	}

	bad := result["test-dev-0"]
	if len(bad) != 1 {
		t.Fatalf("test-dev-0: len(results) = %d, want 1", len(bad))
	}
	if !strings.Contains(bad[0].Status, "Device not found") {
		t.Errorf("test-dev-0 status %q missing %q", bad[0].Status, "Device not found")
	}

	for i := 1; i <= 4; i++ {
		host := fmt.Sprintf("test-dev-%d", i)
		res, ok := result[host]
		if !ok || len(res) != 1 {
			t.Fatalf("%s: results = %v, want exactly 1", host, res)
		}
		if res[0].Status != "success" {
			t.Errorf("%s: status = %q, want success", host, res[0].Status)
		}
		if !strings.Contains(res[0].Output, "Mock response for show version") {
			t.Errorf("%s: output %q missing expected device reply", host, res[0].Output)
		}
	}
}

// With lb_threshold=2 and 10 devices, bulk_run splits
// into exactly 5 remote chunks and the merged result map carries all 10
// devices' replies.
func TestDispatcherBulkRunFanOut(t *testing.T) {
	var hostnames []string
	for i := 1; i <= 10; i++ {
		hostnames = append(hostnames, fmt.Sprintf("test-dev-%d", i))
	}
	h := newTestHarness(t, hostnames)
	h.opts.LBThreshold = 2

	var devices []rpcif.BulkRequest
	for _, host := range hostnames {
		devices = append(devices, rpcif.BulkRequest{
			Device:   rpcif.Device{Hostname: host},
			Commands: []string{"show version"},
		})
	}

	// timeout must clear RemoteCallOverhead (20s default) by more than 10s.
	result, err := h.dispatcher.BulkRun(context.Background(), devices, 40, 5, "127.0.0.1", 5000, "")
	if err != nil {
		t.Fatalf("BulkRun: %v", err)
	}
	if len(result) != 10 {
		t.Fatalf("len(result) = %d, want 10", len(result))
	}
	for _, host := range hostnames {
		res, ok := result[host]
		if !ok || len(res) != 1 || res[0].Status != "success" {
			t.Fatalf("%s: unexpected result %v", host, res)
		}
		if !strings.Contains(res[0].Output, "Mock response for show version") {
			t.Errorf("%s: output %q missing expected device reply", host, res[0].Output)
		}
	}

	chunks, _ := h.counters.Get(counterBulkChunks)
	if chunks != 5 {
		t.Errorf("bulk_chunks counter = %d, want 5", chunks)
	}
}

// close_session on an already-removed session fails Lookup.
func TestDispatcherCloseSessionAlreadyRemoved(t *testing.T) {
	h := newTestHarness(t, []string{"test-dev-1"})

	handle, err := h.dispatcher.OpenSession(context.Background(),
		rpcif.Device{Hostname: "test-dev-1"}, rpcif.SessionData{}, "127.0.0.1", 5001)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := h.dispatcher.CloseSession(context.Background(), *handle); err != nil {
		t.Fatalf("first CloseSession: %v", err)
	}

	err = h.dispatcher.CloseSession(context.Background(), *handle)
	if err == nil {
		t.Fatal("expected Lookup failure on double close")
	}
	se := sessionException(t, err)
	if se.Code != cmderrors.Lookup {
		t.Errorf("code = %v, want Lookup", se.Code)
	}
}

// A persistent session opened with OpenSession can be run multiple times
// via RunSession and then closed.
func TestDispatcherOpenRunCloseSession(t *testing.T) {
	h := newTestHarness(t, []string{"test-dev-1"})

	handle, err := h.dispatcher.OpenSession(context.Background(),
		rpcif.Device{Hostname: "test-dev-1"}, rpcif.SessionData{}, "127.0.0.1", 5002)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	res, err := h.dispatcher.RunSession(context.Background(), *handle, "show version", 5, "")
	if err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if res.Status != "success" {
		t.Errorf("status = %q, want success", res.Status)
	}

	res2, err := h.dispatcher.RunSession(context.Background(), *handle, "show interfaces", 5, "")
	if err != nil {
		t.Fatalf("second RunSession: %v", err)
	}
	if !strings.Contains(res2.Output, "Mock response for show interfaces") {
		t.Errorf("output %q missing expected device reply", res2.Output)
	}

	if err := h.dispatcher.CloseSession(context.Background(), *handle); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
}
