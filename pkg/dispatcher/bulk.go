package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
)

// BulkRun: below the load-balance threshold (and while this instance has
// local admission headroom) the whole request executes locally; otherwise
// it is split into lb_threshold-sized chunks, each forwarded to a peer
// instance over the same RPC surface, retrying a chunk that comes back
// InstanceOverloaded.
func (d *Dispatcher) BulkRun(ctx context.Context, devices []rpcif.BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, callUUID string) (map[string][]*rpcif.CommandResult, error) {
	callUUID = ensureUUID(callUUID)

	if len(devices) < d.Options.LBThreshold && atomic.LoadInt64(&d.bulkSessionCount) < int64(d.Options.BulkSessionLimit) {
		return d.BulkRunLocal(ctx, devices, timeout, openTimeout, clientIP, clientPort, callUUID)
	}

	perCmdTimeout := timeout - int(d.Options.RemoteCallOverhead.Seconds())
	if perCmdTimeout <= 10 {
		return nil, rpcif.ToSessionException(cmderrors.New(cmderrors.Assertion,
			"bulk_run: per-command remote timeout %ds (timeout %ds - remote_call_overhead %s) must exceed 10s", perCmdTimeout, timeout, d.Options.RemoteCallOverhead))
	}

	chunks := chunkRequests(devices, d.Options.LBThreshold)
	d.Counters.IncrementBy(counterBulkChunks, int64(len(chunks)))

	results := make([]map[string][]*rpcif.CommandResult, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []rpcif.BulkRequest) {
			defer wg.Done()
			results[i] = d.forwardChunkWithRetry(ctx, chunk, timeout, perCmdTimeout, openTimeout, clientIP, clientPort, callUUID)
		}(i, chunk)
	}
	wg.Wait()

	merged := make(map[string][]*rpcif.CommandResult, len(devices))
	for _, r := range results {
		for host, res := range r {
			merged[host] = res
		}
	}
	return merged, nil
}

func chunkRequests(devices []rpcif.BulkRequest, size int) [][]rpcif.BulkRequest {
	if size <= 0 {
		size = len(devices)
		if size == 0 {
			size = 1
		}
	}
	var chunks [][]rpcif.BulkRequest
	for i := 0; i < len(devices); i += size {
		end := i + size
		if end > len(devices) {
			end = len(devices)
		}
		chunks = append(chunks, devices[i:end])
	}
	return chunks
}

// forwardChunkWithRetry forwards one chunk to the peer dispatcher,
// retrying while the peer reports InstanceOverloaded, up to
// bulk_retry_limit times with a uniform-random back-off. A chunk that
// exhausts retries (or fails for any other reason) synthesizes a
// per-device failure map so BulkRun's merged result always has one entry
// per requested device.
func (d *Dispatcher) forwardChunkWithRetry(ctx context.Context, chunk []rpcif.BulkRequest, fullTimeout, perCmdTimeout, openTimeout int, clientIP string, clientPort int32, callUUID string) map[string][]*rpcif.CommandResult {
	// The remote gets the caller's full budget; the per-command timeout it
	// enforces is already reduced by remote_call_overhead.
	remoteDeadline := time.Duration(openTimeout+fullTimeout) * time.Second

	var lastErr error
	for retry := 0; ; retry++ {
		callCtx, cancel := context.WithTimeout(ctx, remoteDeadline)
		res, err := d.Peer.BulkRunLocal(callCtx, chunk, perCmdTimeout, openTimeout, clientIP, clientPort, callUUID)
		cancel()
		if err == nil {
			return res
		}
		lastErr = err

		var overloaded *rpcif.InstanceOverloaded
		if !errors.As(err, &overloaded) || retry >= d.Options.BulkRetryLimit {
			break
		}
		d.Counters.Increment(counterBulkRetries)
		util.WithField("retry", retry+1).Warnf("bulk_run: chunk overloaded, retrying: %v", err)
		jitterSleep(ctx, d.Options.BulkRetryDelayMin, d.Options.BulkRetryDelayMax)
	}

	return syntheticFailureMap(chunk, lastErr, callUUID)
}

func syntheticFailureMap(chunk []rpcif.BulkRequest, err error, callUUID string) map[string][]*rpcif.CommandResult {
	out := make(map[string][]*rpcif.CommandResult, len(chunk))
	for _, req := range chunk {
		out[req.Device.Hostname] = []*rpcif.CommandResult{{
			Status: err.Error(),
			UUID:   callUUID,
		}}
	}
	return out
}

// BulkRunLocal is the admission-controlled, locally executed bulk run.
// Every device is attempted concurrently after an independent random
// stagger; a device whose session never opens contributes one synthetic
// failure result instead of aborting the whole call.
func (d *Dispatcher) BulkRunLocal(ctx context.Context, devices []rpcif.BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, callUUID string) (map[string][]*rpcif.CommandResult, error) {
	callUUID = ensureUUID(callUUID)

	if !d.reserveBulkSlots(len(devices)) {
		d.Counters.Increment(counterBulkRejected)
		return nil, &rpcif.InstanceOverloaded{Message: "bulk_run_local: instance at capacity"}
	}
	defer d.releaseBulkSlots(len(devices))

	sorted := sortedByHostname(devices)

	var mu sync.Mutex
	out := make(map[string][]*rpcif.CommandResult, len(sorted))
	var wg sync.WaitGroup
	for _, req := range sorted {
		wg.Add(1)
		go func(req rpcif.BulkRequest) {
			defer wg.Done()
			jitterSleep(ctx, 0, d.Options.BulkRunJitter)
			res := d.runDeviceCommands(ctx, req.Device, req.Commands, timeout, openTimeout, clientIP, clientPort, callUUID)
			mu.Lock()
			out[req.Device.Hostname] = res
			mu.Unlock()
		}(req)
	}
	wg.Wait()

	return out, nil
}

// runDeviceCommands opens one session for req's device and runs every
// command against it, never returning an error: an open failure contributes
// a single synthetic CommandResult, and otherwise every command contributes
// its own result (success or failure), preserving input order.
func (d *Dispatcher) runDeviceCommands(ctx context.Context, dev rpcif.Device, commands []string, timeout, openTimeout int, clientIP string, clientPort int32, callUUID string) []*rpcif.CommandResult {
	key := session.Key{ID: "bulk-" + callUUID + "-" + dev.Hostname, ClientIP: clientIP, ClientPort: clientPort}
	h, err := d.createSession(ctx, dev, key, time.Duration(openTimeout)*time.Second)
	if err != nil {
		return []*rpcif.CommandResult{{Status: err.Error(), UUID: callUUID}}
	}
	defer h.Close()

	results := make([]*rpcif.CommandResult, 0, len(commands))
	for _, cmd := range commands {
		promptOverride := dev.PromptOverrides[cmd]
		out, caps, err := h.run(cmd, time.Duration(timeout)*time.Second, promptOverride)
		if err != nil {
			results = append(results, &rpcif.CommandResult{Command: cmd, Status: err.Error(), UUID: callUUID})
			continue
		}
		results = append(results, &rpcif.CommandResult{Output: out, Status: statusSuccess, Command: cmd, UUID: callUUID, Capabilities: caps})
	}
	return results
}
