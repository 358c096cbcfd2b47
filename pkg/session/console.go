package session

import (
	"context"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// defaultConsoleExpectDelay is the short-wait budget used between console
// login-state transitions.
const defaultConsoleExpectDelay = 5 * time.Second

// ConsoleSession is a CLI session whose transport target is a console
// server rather than the device itself, prefixed by a login state machine.
type ConsoleSession struct {
	*CLISession
	raw bool
}

// NewConsoleSession dials the console server, runs the login state machine,
// then (unless the session is raw) runs the ordinary CLI setup sequence.
func NewConsoleSession(ctx context.Context, reg *Registry, key Key, d *catalog.Device, v *vendorreg.Vendor, opts Options) (*ConsoleSession, error) {
	base := newSession(key, d, v, opts)
	base.setState(StateConnecting)

	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	port := opts.ConsolePort
	if port == 0 {
		port = v.Port
	}
	addr := opts.rewrite(connAddr(opts.ConsoleServer, port))

	openStart := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, openTimeout)
	t, err := dialAndOpen(dialCtx, connectSpec{
		addr:        addr,
		username:    opts.Username,
		password:    opts.Password,
		openTimeout: openTimeout,
		termType:    "vt100",
		kind:        channelShell,
		onCaptured:  base.addCaptured,
	})
	cancel()
	if err != nil {
		return nil, err
	}
	base.setOpenDuration(time.Since(openStart))
	base.peer = &PeerInfo{Address: opts.ConsoleServer, Port: port}

	cli := &CLISession{Session: base, t: t}
	cs := &ConsoleSession{CLISession: cli, raw: opts.Raw}
	base.setCloser(cs.logoutAndClose)
	t.watchExit(base.setExitStatus)

	if err := cs.login(openTimeout); err != nil {
		cs.t.close()
		return nil, err
	}
	base.setState(StateConnected)
	if reg != nil {
		reg.Insert(base)
	}

	if !cs.raw {
		if err := cs.setup(opts.PreSetupCommands, v.SetupCommands, openTimeout); err != nil {
			cs.Close()
			return nil, err
		}
	}
	return cs, nil
}

// login drives the console server's login exchange to completion: answer
// banners with a bare carriage return, send the username and password each
// at most once, acknowledge interactive confirmations, and stop at the
// first ordinary command prompt.
func (s *ConsoleSession) login(openTimeout time.Duration) error {
	loginRe := s.Vendor.ConsoleLoginRegexp()
	expectDelay := s.Options.ConsoleExpectDelay
	if expectDelay <= 0 {
		expectDelay = defaultConsoleExpectDelay
	}
	loginLoginTimeout := s.Options.ConsoleLoginTimeout
	if loginLoginTimeout <= 0 {
		loginLoginTimeout = expectDelay
	}

	deadline := time.Now().Add(openTimeout)
	userSent := false
	passSent := false
	kickstarted := false
	nextDelay := expectDelay

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return cmderrors.New(cmderrors.ConnectionTimeout, "Timeout during connection setup: console login did not complete")
		}
		delay := nextDelay
		if delay > remaining {
			delay = remaining
		}
		nextDelay = expectDelay

		_, _, groups, err := s.t.reader.ReadUntilRegexp(loginRe, delay, 0)
		if err != nil {
			if cmderrors.CodeOf(err) == cmderrors.CommandExecutionTimeout {
				if s.Options.KickstartOK && userSent && !kickstarted {
					kickstarted = true
					_ = s.t.write([]byte("\x15\r\n"))
					continue
				}
				return cmderrors.New(cmderrors.ConnectionTimeout, "Timeout during connection setup: no console login prompt")
			}
			return err
		}

		switch {
		case groups["ignore"] != nil:
			_ = s.t.write([]byte("\r"))
		case groups["login"] != nil:
			if userSent {
				return cmderrors.New(cmderrors.Permission, "console login prompt repeated after username was sent")
			}
			_ = s.t.write([]byte(s.Options.Username + "\n"))
			userSent = true
		case groups["passwd"] != nil:
			if passSent {
				return cmderrors.New(cmderrors.Permission, "console password prompt repeated after password was sent")
			}
			if s.Options.Password == "" {
				return cmderrors.New(cmderrors.Permission, "console requested a password but none was provided")
			}
			_ = s.t.write([]byte(s.Options.Password + "\n"))
			passSent = true
			nextDelay = loginLoginTimeout
		case groups["interact_prompts"] != nil:
			_ = s.t.write([]byte("Y\n"))
		case groups["prompt"] != nil:
			_ = s.t.write([]byte("\n"))
			return nil
		default:
			// matched the outer group with no named subgroup populated;
			// treat as a prompt and stop.
			return nil
		}
	}
}

// logoutAndClose sends the vendor exit command, waits for a login prompt
// (retrying once on kick_shutdown), and tears down the transport. Installed
// as the session's closer so both Close and the reaper's unconditional
// Session.Close go through the same logout sequence.
func (s *ConsoleSession) logoutAndClose() error {
	exitCmd := s.Vendor.ExitCommand
	if exitCmd == "" {
		exitCmd = "exit"
	}
	_ = s.t.write([]byte(exitCmd + "\n"))

	loginRe := s.Vendor.ConsoleLoginRegexp()
	_, _, _, err := s.t.reader.ReadUntilRegexp(loginRe, 10*time.Second, 0)
	if err != nil && s.Options.KickShutdown {
		_ = s.t.write([]byte("\n"))
		_, _, _, _ = s.t.reader.ReadUntilRegexp(loginRe, 10*time.Second, 0)
	}

	return s.t.close()
}

// Close logs out of the console server and closes the underlying transport.
func (s *ConsoleSession) Close() error {
	return s.Session.Close()
}

// Run dispatches to the raw or formatted run_command path depending on
// whether the session was opened raw.
func (s *ConsoleSession) Run(command string, timeout time.Duration, promptOverride string) (string, error) {
	if !s.raw {
		return s.CLISession.Run(command, timeout, promptOverride)
	}
	return s.runRaw(command, timeout, promptOverride)
}

// runRaw implements the raw-session bypass: send the command, wait for the
// caller-supplied prompt regex, and return the concatenation of pre-match
// data and the matched bytes, unformatted.
func (s *ConsoleSession) runRaw(command string, timeout time.Duration, promptPattern string) (string, error) {
	if promptPattern == "" {
		return "", cmderrors.New(cmderrors.Validation, "raw session run_command requires a prompt regex")
	}
	info, err := resolveCommandInfo(s.Vendor, command, promptPattern)
	if err != nil {
		return "", err
	}

	s.enter()
	defer s.leave()

	if err := s.t.write(info.toSend); err != nil {
		return "", cmderrors.New(cmderrors.Connection, "writing raw command: %v", err)
	}
	before, matched, _, err := s.t.reader.ReadUntilRegexp(info.promptRe, timeout, 0)
	if err != nil {
		return "", cmderrors.Annotate(err, "raw run_command %q", command)
	}
	return string(before) + string(matched), nil
}
