package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/rpcif"
	"github.com/gridrunner/cmdrunner/pkg/session"
	"github.com/gridrunner/cmdrunner/pkg/util"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// sessionHandle unifies CLI, console and NETCONF sessions behind the one
// shape the dispatcher needs: run a command, get the underlying key back,
// close. NetconfSession.Run returns a capabilities side-channel the other
// two kinds never populate; every kind is flattened to the same
// (output, capabilities, error) triple.
type sessionHandle struct {
	key   session.Key
	base  *session.Session
	run   func(cmd string, timeout time.Duration, promptOverride string) (string, []byte, error)
	close func() error
}

func (h *sessionHandle) Close() error {
	return h.close()
}

func wrapCLI(s *session.CLISession, raw bool) *sessionHandle {
	return &sessionHandle{
		key:  s.Key,
		base: s.Session,
		run: func(cmd string, timeout time.Duration, promptOverride string) (string, []byte, error) {
			if raw {
				out, err := s.RunRaw(cmd, timeout, promptOverride)
				return out, nil, err
			}
			out, err := s.Run(cmd, timeout, promptOverride)
			return out, nil, err
		},
		close: s.Close,
	}
}

func wrapConsole(s *session.ConsoleSession) *sessionHandle {
	return &sessionHandle{
		key:  s.Key,
		base: s.Session,
		run: func(cmd string, timeout time.Duration, promptOverride string) (string, []byte, error) {
			out, err := s.Run(cmd, timeout, promptOverride)
			return out, nil, err
		},
		close: s.Close,
	}
}

func wrapNetconf(s *session.NetconfSession) *sessionHandle {
	return &sessionHandle{
		key:  s.Key,
		base: s.Session,
		run: func(cmd string, timeout time.Duration, _ string) (string, []byte, error) {
			return s.Run(cmd, timeout)
		},
		close: s.Close,
	}
}

// toSessionOptions translates the RPC-facing Device request into the
// session engine's per-call Options.
func toSessionOptions(dev rpcif.Device, openTimeout, idleTimeout time.Duration) (session.Options, error) {
	opts := session.Options{
		ExplicitAddress:     dev.ExplicitIP,
		MgmtIP:              dev.MgmtIP,
		FailoverToBackupIPs: dev.FailoverToBackupIPs,
		OpenTimeout:         openTimeout,
		IdleTimeout:         idleTimeout,
		PreSetupCommands:    dev.PreSetupCommands,
		ClearCommandOverride: dev.ClearCommandOverride,
		Raw:                 dev.Raw,
		Username:            dev.Username,
		Password:            dev.Password,
		Subsystem:           dev.Subsystem,
		ExecCommand:         dev.ExecCommand,
	}
	if dev.SessionType != "" {
		opts.SessionType = vendorreg.SessionType(dev.SessionType)
	}
	if dev.Console != "" {
		host, portStr, err := splitConsole(dev.Console)
		if err != nil {
			return opts, cmderrors.New(cmderrors.Validation, "device %s: invalid console designator %q: %v", dev.Hostname, dev.Console, err)
		}
		opts.ConsoleServer = host
		opts.ConsolePort = portStr
	}
	if v, ok := dev.ExtraOptions["port"]; ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			opts.ConsolePort = p
		}
	}
	return opts, nil
}

func splitConsole(designator string) (string, int, error) {
	parts := strings.SplitN(designator, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("expected server:port")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", parts[1], err)
	}
	return parts[0], port, nil
}

// createSession resolves the catalog device record, selects a session
// class via the vendor registry, and opens the matching session kind: a
// console designator always wins, then the vendor's session-type
// selection picks CLI or NETCONF.
func (d *Dispatcher) createSession(ctx context.Context, dev rpcif.Device, key session.Key, openTimeout time.Duration) (*sessionHandle, error) {
	record, err := d.Catalog.Get(ctx, dev.Hostname, true)
	if err != nil {
		return nil, err
	}
	vendor := record.Vendor
	if vendor == nil {
		vendor = d.Vendors.Get(record.VendorName)
	}

	opts, err := toSessionOptions(dev, openTimeout, d.Options.MaxSessionIdleTimeout)
	if err != nil {
		return nil, err
	}
	opts.ConsoleLoginTimeout = d.Options.ConsoleLoginTimeout

	if opts.ConsoleServer != "" {
		cs, err := session.NewConsoleSession(ctx, d.Sessions, key, record, vendor, opts)
		if err != nil {
			return nil, err
		}
		return wrapConsole(cs), nil
	}

	sessionType := d.Vendors.SelectSessionType(vendor, opts.SessionType)
	if sessionType == vendorreg.SessionSSHNetconf {
		ns, err := session.NewNetconfSession(ctx, d.Sessions, key, record, vendor, opts, d.Catalog.IsPingable)
		if err != nil {
			return nil, err
		}
		return wrapNetconf(ns), nil
	}

	cs, err := session.NewCLISession(ctx, d.Sessions, key, record, vendor, opts, d.Catalog.IsPingable)
	if err != nil {
		return nil, err
	}
	util.WithSession(key.ID).WithField("open_ms", cs.OpenDurationMillis()).Debug("dispatcher: session opened")
	return wrapCLI(cs, opts.Raw), nil
}

// lookupSession resolves an existing persistent session by its handle. The
// session.Registry only ever stores the common *session.Session base (the
// type every concrete kind embeds), so the dispatcher keeps its own
// kind-preserving side table of open sessionHandles alongside it, populated
// by openPersistent and consulted here and by closePersistent.
func (d *Dispatcher) lookupSession(key session.Key) (*sessionHandle, error) {
	d.handlesMu.RLock()
	h, ok := d.handles[key]
	d.handlesMu.RUnlock()
	if !ok {
		return nil, cmderrors.New(cmderrors.Lookup, "session not found: %s", key)
	}
	if h.base.State() == session.StateClosed {
		d.forgetHandle(key)
		return nil, cmderrors.New(cmderrors.Lookup, "session not found: %s", key)
	}
	return h, nil
}

func (d *Dispatcher) rememberHandle(key session.Key, h *sessionHandle) {
	d.handlesMu.Lock()
	if d.handles == nil {
		d.handles = make(map[session.Key]*sessionHandle)
	}
	d.handles[key] = h
	d.handlesMu.Unlock()
}

func (d *Dispatcher) forgetHandle(key session.Key) {
	d.handlesMu.Lock()
	delete(d.handles, key)
	d.handlesMu.Unlock()
}
