package dispatcher

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
)

// defaultOpenTimeout is used when neither ExtraOptions nor the caller
// supplies an explicit open timeout for a persistent session.
const defaultOpenTimeout = 30 * time.Second

func mergeSessionData(dev rpcif.Device, data rpcif.SessionData) rpcif.Device {
	if data.Subsystem != "" {
		dev.Subsystem = data.Subsystem
	}
	if data.ExecCommand != "" {
		dev.ExecCommand = data.ExecCommand
	}
	if len(data.ExtraOptions) > 0 {
		merged := make(map[string]string, len(dev.ExtraOptions)+len(data.ExtraOptions))
		for k, v := range dev.ExtraOptions {
			merged[k] = v
		}
		for k, v := range data.ExtraOptions {
			merged[k] = v
		}
		dev.ExtraOptions = merged
	}
	return dev
}

func openTimeoutFor(dev rpcif.Device) time.Duration {
	if v, ok := dev.ExtraOptions["open_timeout"]; ok {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultOpenTimeout
}

// openPersistent is the shared construction path for OpenSession and
// OpenRawSession: validate, build a session key from the caller's client
// identity, construct the session, and remember it in the dispatcher's
// handle table so RunSession/CloseSession can find it again.
func (d *Dispatcher) openPersistent(ctx context.Context, dev rpcif.Device, data rpcif.SessionData, clientIP string, clientPort int32, raw bool) (*rpcif.SessionHandle, error) {
	if err := validateDevice(dev); err != nil {
		return nil, rpcif.ToSessionException(err)
	}
	dev = mergeSessionData(dev, data)
	dev.Raw = raw

	key := session.Key{ID: uuid.NewString(), ClientIP: clientIP, ClientPort: clientPort}
	h, err := d.createSession(ctx, dev, key, openTimeoutFor(dev))
	if err != nil {
		return nil, rpcif.ToSessionException(err)
	}
	d.rememberHandle(key, h)

	return &rpcif.SessionHandle{ID: key.ID, ClientIP: clientIP, ClientPort: clientPort}, nil
}

// OpenSession constructs a persistent session and returns its handle.
func (d *Dispatcher) OpenSession(ctx context.Context, dev rpcif.Device, data rpcif.SessionData, clientIP string, clientPort int32) (*rpcif.SessionHandle, error) {
	return d.openPersistent(ctx, dev, data, clientIP, clientPort, false)
}

// OpenRawSession constructs a persistent raw session: its run_command
// bypasses vendor prompt formatting and every run call must supply its own
// end-of-output regex.
func (d *Dispatcher) OpenRawSession(ctx context.Context, dev rpcif.Device, data rpcif.SessionData, clientIP string, clientPort int32) (*rpcif.SessionHandle, error) {
	return d.openPersistent(ctx, dev, data, clientIP, clientPort, true)
}

func (d *Dispatcher) runPersistent(handle rpcif.SessionHandle, command string, timeout int, promptOrRegex string) (*rpcif.CommandResult, error) {
	if err := validateSessionHandle(handle); err != nil {
		return nil, rpcif.ToSessionException(err)
	}
	key := session.Key{ID: handle.ID, ClientIP: handle.ClientIP, ClientPort: handle.ClientPort}
	h, err := d.lookupSession(key)
	if err != nil {
		return nil, rpcif.ToSessionException(err)
	}

	// Every invocation on a reused session reports only its own externally
	// blocked time.
	h.base.ResetCaptured()

	out, caps, err := h.run(command, time.Duration(timeout)*time.Second, promptOrRegex)
	if err != nil {
		return nil, rpcif.ToSessionException(err)
	}
	return &rpcif.CommandResult{Output: out, Status: statusSuccess, Command: command, Capabilities: caps}, nil
}

// RunSession runs one command on an open persistent session via the
// vendor's command-prompt path.
func (d *Dispatcher) RunSession(ctx context.Context, handle rpcif.SessionHandle, command string, timeout int, promptOverride string) (*rpcif.CommandResult, error) {
	return d.runPersistent(handle, command, timeout, promptOverride)
}

// RunRawSession runs one command on an open raw session; promptRegex is
// the mandatory caller-supplied end-of-output pattern.
func (d *Dispatcher) RunRawSession(ctx context.Context, handle rpcif.SessionHandle, command string, timeout int, promptRegex string) (*rpcif.CommandResult, error) {
	return d.runPersistent(handle, command, timeout, promptRegex)
}

func (d *Dispatcher) closePersistent(handle rpcif.SessionHandle) error {
	if err := validateSessionHandle(handle); err != nil {
		return rpcif.ToSessionException(err)
	}
	key := session.Key{ID: handle.ID, ClientIP: handle.ClientIP, ClientPort: handle.ClientPort}
	h, err := d.lookupSession(key)
	if err != nil {
		return rpcif.ToSessionException(err)
	}
	d.forgetHandle(key)
	if err := h.Close(); err != nil {
		return rpcif.ToSessionException(err)
	}
	return nil
}

// CloseSession closes an open persistent session. Closing an
// already-removed session fails Lookup.
func (d *Dispatcher) CloseSession(ctx context.Context, handle rpcif.SessionHandle) error {
	return d.closePersistent(handle)
}

// CloseRawSession closes an open raw session.
func (d *Dispatcher) CloseRawSession(ctx context.Context, handle rpcif.SessionHandle) error {
	return d.closePersistent(handle)
}
