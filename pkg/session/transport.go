package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

// transport is the SSH-backed plumbing shared by CLI, console, and NETCONF
// sessions: a dialed client, one opened channel (shell, subsystem, or exec),
// and the stream reader fed by a background goroutine.
type transport struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	reader  *StreamReader
	closed  bool
}

// channelKind selects what kind of SSH channel to open after dialing.
type channelKind int

const (
	channelShell channelKind = iota
	channelSubsystem
	channelExec
)

type connectSpec struct {
	addr        string
	username    string
	password    string
	openTimeout time.Duration
	termType    string // "" = no pty (NETCONF)
	kind        channelKind
	target      string // subsystem name or exec command
	onCaptured  func(time.Duration)
}

// dialAndOpen dials SSH to addr (no host-key checking; the fleet's device
// keys churn constantly), opens the requested channel kind, and injects a
// synthetic newline so first-prompt matching is uniform.
func dialAndOpen(ctx context.Context, spec connectSpec) (*transport, error) {
	dialer := net.Dialer{Timeout: spec.openTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", spec.addr)
	if err != nil {
		return nil, cmderrors.New(cmderrors.ConnectionTimeout, "dial %s: %v", spec.addr, err)
	}

	cfg := &ssh.ClientConfig{
		User:            spec.username,
		Auth:            []ssh.AuthMethod{ssh.Password(spec.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         spec.openTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, spec.addr, cfg)
	if err != nil {
		conn.Close()
		return nil, cmderrors.New(cmderrors.Connection, "ssh handshake with %s: %v", spec.addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, cmderrors.New(cmderrors.Connection, "ssh session on %s: %v", spec.addr, err)
	}

	if spec.termType != "" {
		if err := sess.RequestPty(spec.termType, 200, 512, ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}); err != nil {
			sess.Close()
			client.Close()
			return nil, cmderrors.New(cmderrors.Connection, "request pty on %s: %v", spec.addr, err)
		}
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, cmderrors.New(cmderrors.Connection, "stdin pipe on %s: %v", spec.addr, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, cmderrors.New(cmderrors.Connection, "stdout pipe on %s: %v", spec.addr, err)
	}

	switch spec.kind {
	case channelShell:
		if err := sess.Shell(); err != nil {
			sess.Close()
			client.Close()
			return nil, cmderrors.New(cmderrors.Connection, "shell on %s: %v", spec.addr, err)
		}
	case channelSubsystem:
		if err := sess.RequestSubsystem(spec.target); err != nil {
			sess.Close()
			client.Close()
			return nil, cmderrors.New(cmderrors.Connection, "subsystem %s on %s: %v", spec.target, spec.addr, err)
		}
	case channelExec:
		if err := sess.Start(spec.target); err != nil {
			sess.Close()
			client.Close()
			return nil, cmderrors.New(cmderrors.Connection, "exec %q on %s: %v", spec.target, spec.addr, err)
		}
	}

	t := &transport{client: client, sess: sess, stdin: stdin, reader: NewStreamReader(spec.onCaptured)}
	t.launchReader(stdout)

	// Synthetic newline so the first prompt match is uniform regardless of
	// whether the device greets the connection with its own banner.
	_, _ = stdin.Write([]byte("\n"))

	return t, nil
}

// launchReader pumps stdout into the stream reader until it errors or the
// transport is closed.
func (t *transport) launchReader(stdout io.Reader) {
	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				t.reader.Feed(append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				t.reader.CloseEOF()
				return
			}
		}
	}()
}

func (t *transport) write(p []byte) error {
	_, err := t.stdin.Write(p)
	return err
}

// watchExit waits for the remote end of the channel to finish and reports
// its exit status, when one is delivered, to record.
func (t *transport) watchExit(record func(code int)) {
	go func() {
		if code := t.waitExit(); code != nil {
			record(*code)
		}
	}()
}

func (t *transport) waitExit() *int {
	err := t.sess.Wait()
	if err == nil {
		code := 0
		return &code
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		code := exitErr.ExitStatus()
		return &code
	}
	return nil
}

func (t *transport) close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.sess.Close()
	return t.client.Close()
}

func connAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
