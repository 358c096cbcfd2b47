package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/util"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// CLISession is an interactive, prompt-driven SSH command session. Console
// and raw sessions layer additional behavior on top of it.
type CLISession struct {
	*Session
	t *transport
}

// commandInfo is the resolved send/wait plan for one line of a Run call.
type commandInfo struct {
	toSend   []byte
	promptRe *regexp.Regexp
}

// connectCLI resolves candidate IPs (optionally failing over through the
// whole list), applies the host rewrite hook, and opens an interactive
// vt100 shell against the first address that answers.
func connectCLI(ctx context.Context, d *catalog.Device, v *vendorreg.Vendor, opts Options, isPingable func(string) bool, onCaptured func(time.Duration)) (*transport, PeerInfo, error) {
	candidates, err := SelectIPs(opts, d, isPingable)
	if err != nil {
		return nil, PeerInfo{}, err
	}
	if !opts.FailoverToBackupIPs {
		candidates = candidates[:1]
	}

	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	port := v.Port
	if port == 0 {
		port = 22
	}

	var lastErr error
	var attempted []string
	for _, c := range candidates {
		addr := opts.rewrite(connAddr(c.Address, port))
		attempted = append(attempted, addr)

		dialCtx, cancel := context.WithTimeout(ctx, openTimeout)
		t, err := dialAndOpen(dialCtx, connectSpec{
			addr:        addr,
			username:    opts.Username,
			password:    opts.Password,
			openTimeout: openTimeout,
			termType:    "vt100",
			kind:        channelShell,
			onCaptured:  onCaptured,
		})
		cancel()
		if err == nil {
			return t, PeerInfo{Address: c.Address, Port: port, Pingable: c.Pingable}, nil
		}
		if !c.Pingable {
			err = cmderrors.Annotate(err, "IP %s not pingable", c.Address)
		}
		lastErr = err
	}

	if cmderrors.CodeOf(lastErr) == cmderrors.ConnectionTimeout {
		return nil, PeerInfo{}, cmderrors.New(cmderrors.ConnectionTimeout,
			"Timeout during connection setup to %s: tried %v: %v", d.Hostname, attempted, lastErr)
	}
	return nil, PeerInfo{}, cmderrors.Annotate(lastErr, "connecting to %s: tried %v", d.Hostname, attempted)
}

// NewCLISession opens and sets up a CLI session against d, registers it
// under key, and returns it ready for Run.
func NewCLISession(ctx context.Context, reg *Registry, key Key, d *catalog.Device, v *vendorreg.Vendor, opts Options, isPingable func(string) bool) (*CLISession, error) {
	base := newSession(key, d, v, opts)
	base.setState(StateConnecting)

	openStart := time.Now()
	t, peer, err := connectCLI(ctx, d, v, opts, isPingable, base.addCaptured)
	if err != nil {
		return nil, err
	}
	base.setOpenDuration(time.Since(openStart))
	base.peer = &peer
	base.setState(StateConnected)

	s := &CLISession{Session: base, t: t}
	base.setCloser(t.close)
	t.watchExit(base.setExitStatus)
	if reg != nil {
		reg.Insert(base)
	}

	if err := s.setup(opts.PreSetupCommands, v.SetupCommands, opts.OpenTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// setup waits for the first prompt, then sends each device-provided
// pre-setup command followed by each vendor-configured setup command (e.g.
// "term len 0"), waiting for a prompt after every send.
func (s *CLISession) setup(preSetup, vendorSetup []string, openTimeout time.Duration) error {
	if openTimeout <= 0 {
		openTimeout = 10 * time.Second
	}
	prompt := s.Vendor.PromptRegexp()
	if _, _, _, err := s.t.reader.ReadUntilRegexp(prompt, openTimeout, 0); err != nil {
		return cmderrors.New(cmderrors.ConnectionTimeout, "Timeout during connection setup: waiting for first prompt: %v", err)
	}

	for _, cmd := range append(append([]string{}, preSetup...), vendorSetup...) {
		if err := s.t.write([]byte(cmd + "\n")); err != nil {
			return cmderrors.New(cmderrors.Connection, "setup command %q: %v", cmd, err)
		}
		if _, _, _, err := s.t.reader.ReadUntilRegexp(prompt, openTimeout, 0); err != nil {
			return cmderrors.New(cmderrors.Connection, "setup command %q: %v", cmd, err)
		}
	}
	return nil
}

// resolveCommandInfo picks the bytes to send and the prompt to wait for:
// a user override wins, then the autocomplete echo form for trailing "?",
// then the vendor's base prompt.
func resolveCommandInfo(v *vendorreg.Vendor, cmd, promptOverride string) (commandInfo, error) {
	if promptOverride != "" {
		re, err := regexp.Compile(fmt.Sprintf(`(?P<prompt>%s)`, promptOverride))
		if err != nil {
			return commandInfo{}, cmderrors.New(cmderrors.Validation, "invalid prompt override: %v", err)
		}
		return commandInfo{toSend: []byte(cmd + "\n"), promptRe: re}, nil
	}

	if strings.HasSuffix(cmd, "?") && v.Autocomplete {
		without := strings.TrimSuffix(cmd, "?")
		re, err := v.CompilePromptWithTrailer(fmt.Sprintf(`(?P<command>%s)[\x08\s]*`, regexp.QuoteMeta(without)))
		if err != nil {
			return commandInfo{}, cmderrors.New(cmderrors.Validation, "invalid autocomplete trailer: %v", err)
		}
		return commandInfo{toSend: []byte(cmd), promptRe: re}, nil
	}

	return commandInfo{toSend: []byte(cmd + "\n"), promptRe: v.PromptRegexp()}, nil
}

var (
	backspaceRe = regexp.MustCompile(`(?s).\x08`)
	bellRe      = regexp.MustCompile(`\x07`)
	crNlRe      = regexp.MustCompile(`\r+\n`)
	nlCrRe      = regexp.MustCompile(`\n\r+`)
	loneCrRe    = regexp.MustCompile(`\r`)
)

// formatOutput sanitizes one command's captured output: backspace/bell
// stripping, CRLF normalization, first-occurrence command-echo replacement,
// and the final "<prompt> <output>" assembly.
func formatOutput(before []byte, groups MatchGroups, cmd string) string {
	out := before
	for {
		stripped := backspaceRe.ReplaceAll(out, nil)
		if len(stripped) == len(out) {
			out = stripped
			break
		}
		out = stripped
	}
	out = bellRe.ReplaceAll(out, nil)
	out = crNlRe.ReplaceAll(out, []byte("\n"))
	out = nlCrRe.ReplaceAll(out, []byte("\n"))
	out = loneCrRe.ReplaceAll(out, []byte("\n"))

	words := strings.Fields(cmd)
	if len(words) > 0 {
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		echoRe := regexp.MustCompile(`(?m)^\s*` + strings.Join(quoted, `\s+`) + `\s*\n?`)
		if loc := echoRe.FindIndex(out); loc != nil {
			replaced := make([]byte, 0, len(out))
			replaced = append(replaced, out[:loc[0]]...)
			replaced = append(replaced, []byte(cmd+"\n")...)
			replaced = append(replaced, out[loc[1]:]...)
			out = replaced
		}
	}

	prompt := ""
	if groups != nil {
		if p, ok := groups["prompt"]; ok {
			prompt = strings.TrimSpace(string(p))
		}
	}
	return strings.TrimSpace(prompt + " " + string(out))
}

// Run sends command (one line at a time), waits for the vendor prompt after
// each line, and returns the formatted, concatenated output. The caller
// must not issue overlapping Run calls on one session.
func (s *CLISession) Run(command string, timeout time.Duration, promptOverride string) (string, error) {
	if !s.Connected() {
		return "", cmderrors.New(cmderrors.Connection, "session %s is not connected", s.Key)
	}
	s.enter()
	defer s.leave()

	if stale := s.t.reader.Drain(); len(stale) > 0 {
		util.WithSession(s.Key.ID).Warnf("run_command: discarding %d stale bytes before command", len(stale))
	}

	effTimeout := timeout
	if vt := time.Duration(s.Vendor.CmdTimeoutSec) * time.Second; vt > 0 && vt < effTimeout {
		effTimeout = vt
	}

	var pieces []string
	for _, line := range strings.Split(command, "\n") {
		if line == "" {
			continue
		}
		info, err := resolveCommandInfo(s.Vendor, line, promptOverride)
		if err != nil {
			return "", err
		}

		if clear := vendorreg.ClearCommandFor(s.Vendor, s.Options.ClearCommandOverride); len(clear) > 0 {
			if err := s.t.write(clear); err != nil {
				return "", cmderrors.New(cmderrors.Connection, "writing clear sequence: %v", err)
			}
		}

		if err := s.t.write(info.toSend); err != nil {
			return "", cmderrors.New(cmderrors.Connection, "writing command %q: %v", line, err)
		}

		before, _, groups, err := s.t.reader.ReadUntilRegexp(info.promptRe, effTimeout, 0)
		if err != nil {
			if cmderrors.CodeOf(err) == cmderrors.CommandExecutionTimeout {
				tail := s.t.reader.Tail(200)
				return "", cmderrors.New(cmderrors.CommandExecutionTimeout,
					"Command Response Timeout for %q after %s; last bytes: %q", line, effTimeout, tail)
			}
			return "", cmderrors.Annotate(err, "running command %q", line)
		}

		pieces = append(pieces, formatOutput(before, groups, line))
	}

	return strings.TrimRight(strings.Join(pieces, "\n"), " \t\n\r"), nil
}

// RunRaw bypasses vendor prompt formatting: it sends command and returns the
// concatenation of the pre-match data and the matched bytes against the
// caller-supplied end-of-output regex, unformatted.
func (s *CLISession) RunRaw(command string, timeout time.Duration, promptPattern string) (string, error) {
	if !s.Connected() {
		return "", cmderrors.New(cmderrors.Connection, "session %s is not connected", s.Key)
	}
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

// Close removes the session from its registry and tears down the transport.
func (s *CLISession) Close() error {
	return s.Session.Close()
}
