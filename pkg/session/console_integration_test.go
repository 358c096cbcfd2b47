package session

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

// consoleServerHandler emulates a console server: a login/password exchange
// followed by a device shell, and a logout back to the login prompt on
// "exit". Clear-line bytes are swallowed; a bare newline at the shell
// re-prints the prompt, the way a real terminal would.
func consoleServerHandler(ch ssh.Channel) {
	const (
		stateLogin = iota
		statePassword
		stateShell
	)
	state := stateLogin

	ch.Write([]byte("Console Server v2\r\nlogin: "))
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if err != nil {
			return
		}
		raw := string(buf[:n])
		line := strings.Trim(raw, "\x15\r\n")

		switch state {
		case stateLogin:
			if line == "" {
				continue
			}
			state = statePassword
			ch.Write([]byte("Password: "))
		case statePassword:
			state = stateShell
			ch.Write([]byte("\r\n# "))
		case stateShell:
			if line == "" {
				if strings.ContainsAny(raw, "\r\n") {
					ch.Write([]byte("\r\n# "))
				}
				continue
			}
			switch line {
			case "exit":
				state = stateLogin
				ch.Write([]byte("\r\nlogin: "))
			case "show clock":
				ch.Write([]byte("show clock\r\n12:00:00 UTC\r\n# "))
			default:
				ch.Write([]byte(line + "\r\n% Unknown command\r\n# "))
			}
		}
	}
}

// loopingLoginHandler re-prints the login prompt no matter what it
// receives, the way a console port with a wedged or rejecting device does.
func loopingLoginHandler(ch ssh.Channel) {
	ch.Write([]byte("login: "))
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if err != nil {
			return
		}
		if strings.Trim(string(buf[:n]), "\x15\r\n") == "" {
			continue
		}
		ch.Write([]byte("\r\nlogin: "))
	}
}

func consoleOptions(t *testing.T, addr string) Options {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	return Options{
		Username:           "lab",
		Password:           "lab",
		OpenTimeout:        3 * time.Second,
		ConsoleServer:      host,
		ConsolePort:        port,
		ConsoleExpectDelay: time.Second,
	}
}

func TestConsoleSessionLoginAndRun(t *testing.T) {
	addr := startFakeSSHServer(t, consoleServerHandler)
	d, v := newTestDevice(t, addr)

	reg := NewRegistry()
	opts := consoleOptions(t, addr)
	cs, err := NewConsoleSession(context.Background(), reg, Key{ID: "con-1"}, d, v, opts)
	if err != nil {
		t.Fatalf("NewConsoleSession: %v", err)
	}

	out, err := cs.Run("show clock", 3*time.Second, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "# show clock\n12:00:00 UTC"
	if out != want {
		t.Errorf("Run output = %q, want %q", out, want)
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("registry Count() after Close = %d, want 0", reg.Count())
	}
}

func TestConsoleSessionRepeatedLoginPromptFailsPermission(t *testing.T) {
	addr := startFakeSSHServer(t, loopingLoginHandler)
	d, v := newTestDevice(t, addr)

	opts := consoleOptions(t, addr)
	_, err := NewConsoleSession(context.Background(), NewRegistry(), Key{ID: "con-2"}, d, v, opts)
	if err == nil {
		t.Fatal("expected a permission failure")
	}
	if cmderrors.CodeOf(err) != cmderrors.Permission {
		t.Errorf("code = %v, want Permission", cmderrors.CodeOf(err))
	}
}

func TestConsoleSessionRawRunBypassesFormatting(t *testing.T) {
	addr := startFakeSSHServer(t, consoleServerHandler)
	d, v := newTestDevice(t, addr)

	opts := consoleOptions(t, addr)
	opts.Raw = true
	cs, err := NewConsoleSession(context.Background(), NewRegistry(), Key{ID: "con-3"}, d, v, opts)
	if err != nil {
		t.Fatalf("NewConsoleSession: %v", err)
	}
	defer cs.Close()

	// The end-of-output pattern is the caller's to choose; anchoring it on
	// the reply text keeps the lingering login re-prompt from matching.
	out, err := cs.Run("show clock", 3*time.Second, "UTC\r\n# ")
	if err != nil {
		t.Fatalf("raw Run: %v", err)
	}
	// Raw output keeps the device's own line endings and the matched bytes.
	if !strings.Contains(out, "12:00:00 UTC") || !strings.HasSuffix(out, "# ") {
		t.Errorf("raw output = %q", out)
	}
}
