package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// netconfDelimiter is the legacy NETCONF 1.0 end-of-message framing marker.
const netconfDelimiter = "]]>]]>"

var netconfDelimiterRe = regexp.MustCompile(regexp.QuoteMeta(netconfDelimiter))

// netconfBaseCapRe matches base-protocol capability URIs in a hello
// message; other advertised capabilities are ignored for version
// negotiation.
var netconfBaseCapRe = regexp.MustCompile(`.*netconf:base:[0-9]+\.[0-9]+$`)

const localHello = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:xml:ns:netconf:base:1.0</capability>
  </capabilities>
</hello>`

// NetconfSession is a NETCONF-over-SSH session using `]]>]]>`-delimited
// framing over the netconf subsystem (or an exec command on devices that
// expose NETCONF that way).
type NetconfSession struct {
	*Session
	t *transport
}

// NewNetconfSession connects, exchanges hello messages, and verifies a
// non-empty base-capability intersection before returning a usable session.
func NewNetconfSession(ctx context.Context, reg *Registry, key Key, d *catalog.Device, v *vendorreg.Vendor, opts Options, isPingable func(string) bool) (*NetconfSession, error) {
	base := newSession(key, d, v, opts)
	base.setState(StateConnecting)

	candidates, err := SelectIPs(opts, d, isPingable)
	if err != nil {
		return nil, err
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
		port = 830
	}

	kind := channelSubsystem
	target := opts.Subsystem
	if target == "" {
		target = "netconf"
	}
	if opts.ExecCommand != "" {
		kind = channelExec
		target = opts.ExecCommand
	}

	openStart := time.Now()
	var lastErr error
	var t *transport
	var peer PeerInfo
	for _, c := range candidates {
		addr := opts.rewrite(connAddr(c.Address, port))
		dialCtx, cancel := context.WithTimeout(ctx, openTimeout)
		candidateT, dErr := dialAndOpen(dialCtx, connectSpec{
			addr:        addr,
			username:    opts.Username,
			password:    opts.Password,
			openTimeout: openTimeout,
			termType:    "", // no pseudo-terminal for NETCONF
			kind:        kind,
			target:      target,
			onCaptured:  base.addCaptured,
		})
		cancel()
		if dErr == nil {
			t = candidateT
			peer = PeerInfo{Address: c.Address, Port: port, Pingable: c.Pingable}
			break
		}
		lastErr = dErr
	}
	if t == nil {
		if cmderrors.CodeOf(lastErr) == cmderrors.ConnectionTimeout {
			return nil, cmderrors.New(cmderrors.ConnectionTimeout, "Timeout during connection setup to %s: %v", d.Hostname, lastErr)
		}
		return nil, cmderrors.Annotate(lastErr, "connecting to %s", d.Hostname)
	}
	base.setOpenDuration(time.Since(openStart))
	base.peer = &peer

	peerHello, err := exchangeHello(t, openTimeout)
	if err != nil {
		t.close()
		return nil, err
	}
	base.netconfHello = peerHello
	base.setState(StateConnected)

	s := &NetconfSession{Session: base, t: t}
	base.setCloser(t.close)
	t.watchExit(base.setExitStatus)
	if reg != nil {
		reg.Insert(base)
	}
	return s, nil
}

// exchangeHello reads the peer's hello frame, answers with ours, and
// verifies the base-capability intersection is non-empty.
func exchangeHello(t *transport, timeout time.Duration) ([]byte, error) {
	before, _, _, err := t.reader.ReadUntilRegexp(netconfDelimiterRe, timeout, 0)
	if err != nil {
		return nil, cmderrors.Annotate(err, "reading NETCONF peer hello")
	}
	peerHello := before

	if err := t.write([]byte(localHello + "\n" + netconfDelimiter + "\n")); err != nil {
		return nil, cmderrors.New(cmderrors.Connection, "writing NETCONF hello: %v", err)
	}

	if len(capabilityIntersection(peerHello, []byte(localHello))) == 0 {
		return nil, cmderrors.New(cmderrors.UnsupportedDevice, "no common NETCONF base capability with peer")
	}
	return peerHello, nil
}

// capabilityIntersection parses both hello messages for base-capability URIs
// and returns the set present in both.
func capabilityIntersection(peerHello, localHello []byte) []string {
	peerCaps := baseCapabilities(peerHello)
	localCaps := baseCapabilities(localHello)
	localSet := make(map[string]bool, len(localCaps))
	for _, c := range localCaps {
		localSet[c] = true
	}
	var out []string
	for _, c := range peerCaps {
		if localSet[c] {
			out = append(out, c)
		}
	}
	return out
}

func baseCapabilities(hello []byte) []string {
	var out []string
	for _, line := range strings.Split(string(hello), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "<capability>")
		line = strings.TrimSuffix(line, "</capability>")
		line = strings.TrimSpace(line)
		if netconfBaseCapRe.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// Run frames the payload with the legacy delimiter, waits for the next
// delimiter, and returns the preceding bytes. The first call's result
// carries the stored peer hello as a side channel.
func (s *NetconfSession) Run(payload string, timeout time.Duration) (output string, capabilities []byte, err error) {
	if !s.Connected() {
		return "", nil, cmderrors.New(cmderrors.Connection, "session %s is not connected", s.Key)
	}
	s.enter()
	defer s.leave()

	msg := fmt.Sprintf("\n%s%s\n", payload, netconfDelimiter)
	if err := s.t.write([]byte(msg)); err != nil {
		return "", nil, cmderrors.New(cmderrors.Connection, "writing NETCONF payload: %v", err)
	}

	before, _, _, err := s.t.reader.ReadUntilRegexp(netconfDelimiterRe, timeout, 0)
	if err != nil {
		if cmderrors.CodeOf(err) == cmderrors.CommandExecutionTimeout {
			return "", nil, cmderrors.New(cmderrors.CommandExecutionTimeout, "NETCONF rpc timed out after %s", timeout)
		}
		return "", nil, cmderrors.Annotate(err, "running NETCONF rpc")
	}

	return strings.TrimSpace(string(before)), s.peerHelloForResult(), nil
}

// Close removes the session from its registry and tears down the transport.
func (s *NetconfSession) Close() error {
	return s.Session.Close()
}
