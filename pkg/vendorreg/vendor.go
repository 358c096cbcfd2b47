// Package vendorreg holds per-vendor device behavior: prompt regex
// fragments, CLI setup commands, the clear-command byte sequence,
// session-type selection, and per-vendor timeouts.
package vendorreg

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gridrunner/cmdrunner/pkg/counters"
)

// SessionType names the transport/protocol a session is opened over.
type SessionType string

const (
	SessionSSHCLI     SessionType = "ssh-cli"
	SessionSSHNetconf SessionType = "ssh-netconf"
)

// defaultClearCommand is the single NAK byte used unless a vendor overrides it.
var defaultClearCommand = []byte{0x15}

// Vendor is one device vendor's prompt/setup/session configuration.
type Vendor struct {
	Name string

	SetupCommands []string // CLI setup commands, e.g. "term len 0"

	PromptFragments    []string // raw regex fragments, base prompt
	ShellPrompts       []string
	UserPrompts        []string
	BootstrapPrompts   []string

	// Console login state-machine regex fragments. The defaults cover the
	// common cases; per-vendor overrides let a console server with an
	// unusual banner or confirmation prompt still log in.
	ConsoleIgnorePrompts    []string
	ConsoleLoginPrompts     []string
	ConsolePasswordPrompts  []string
	ConsoleInteractPrompts  []string

	CmdTimeoutSec int

	ClearCommand []byte // default: single NAK byte
	ExitCommand  string // optional

	DefaultSessionType    SessionType
	SupportedSessionTypes map[SessionType]bool

	Autocomplete bool
	Port         int

	// prompt is the compiled disjunction of PromptFragments plus the
	// unioned shell/user/bootstrap lists, rebuilt on every update.
	prompt *regexp.Regexp
	mu     sync.RWMutex
}

// NewDefault returns a vendor record with the library-wide defaults applied:
// a generic `[$#>]` prompt, a 30s command timeout, ssh-cli as the only
// supported/default session type, and the default NAK clear command.
func NewDefault(name string) *Vendor {
	v := &Vendor{
		Name:               name,
		PromptFragments:    []string{`[$#>]`},
		CmdTimeoutSec:      30,
		ClearCommand:       append([]byte(nil), defaultClearCommand...),
		DefaultSessionType: SessionSSHCLI,
		SupportedSessionTypes: map[SessionType]bool{
			SessionSSHCLI: true,
		},
		Port: 22,
		ConsoleLoginPrompts:    []string{`[Ll]ogin:`, `[Uu]sername:`},
		ConsolePasswordPrompts: []string{`[Pp]assword:`},
		ConsoleInteractPrompts: []string{`\(Y/N\)`, `\[y/n\]`, `\[confirm\]`},
	}
	v.rebuildPrompt()
	return v
}

// ConsoleLoginRegexp compiles the console login state machine's union
// regex: named alternatives {ignore, login, passwd, prompt,
// interact_prompts}, where "prompt" is the vendor's ordinary command prompt.
func (v *Vendor) ConsoleLoginRegexp() *regexp.Regexp {
	v.mu.RLock()
	defer v.mu.RUnlock()

	group := func(label string, frags []string) string {
		if len(frags) == 0 {
			return ""
		}
		return fmt.Sprintf("(?P<%s>%s)", label, strings.Join(frags, "|"))
	}

	parts := []string{}
	for _, g := range []string{
		group("ignore", v.ConsoleIgnorePrompts),
		group("login", v.ConsoleLoginPrompts),
		group("passwd", v.ConsolePasswordPrompts),
		group("interact_prompts", v.ConsoleInteractPrompts),
		group("prompt", v.allFragments()),
	} {
		if g != "" {
			parts = append(parts, g)
		}
	}
	pattern := fmt.Sprintf(`(?m)(?:^|[\n\r])\s*(?:%s)`, strings.Join(parts, "|"))
	re, err := regexp.Compile(pattern)
	if err != nil {
		return regexp.MustCompile(`(?m)(?:^|[\n\r])\s*(?P<prompt>[$#>])`)
	}
	return re
}

// PromptRegexp returns the compiled prompt regex for this vendor. Callers
// that also need a per-command trailer should use CompilePromptWithTrailer.
func (v *Vendor) PromptRegexp() *regexp.Regexp {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.prompt
}

// CompilePromptWithTrailer compiles a one-off prompt regex that appends
// trailer after the matched prompt group, used for autocomplete "?" command
// echo matching. trailer must not itself contain capture groups that
// collide with the "prompt" group name.
func (v *Vendor) CompilePromptWithTrailer(trailer string) (*regexp.Regexp, error) {
	v.mu.RLock()
	frags := v.allFragments()
	v.mu.RUnlock()

	pattern := fmt.Sprintf(`(?m)(?:^|[\n\r])(?P<prompt>%s)\s*%s$`, strings.Join(frags, "|"), trailer)
	return regexp.Compile(pattern)
}

func (v *Vendor) allFragments() []string {
	frags := make([]string, 0, len(v.PromptFragments)+len(v.ShellPrompts)+len(v.UserPrompts)+len(v.BootstrapPrompts))
	frags = append(frags, v.PromptFragments...)
	frags = append(frags, v.ShellPrompts...)
	frags = append(frags, v.UserPrompts...)
	frags = append(frags, v.BootstrapPrompts...)
	return frags
}

// rebuildPrompt recompiles the grouped prompt disjunction
// "(?P<prompt>p1|p2|...)\s*$" in multiline mode, anchored to a preceding
// line break. Go's RE2 engine has no lookbehind, so the newline is matched
// (and consumed) as an ordinary alternative instead of asserted.
func (v *Vendor) rebuildPrompt() {
	frags := v.allFragments()
	if len(frags) == 0 {
		frags = []string{`[$#>]`}
	}
	pattern := fmt.Sprintf(`(?m)(?:^|[\n\r])(?P<prompt>%s)\s*$`, strings.Join(frags, "|"))
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Fragments are validated at Load time; a compile failure here means
		// a caller constructed a Vendor by hand with a bad fragment.
		re = regexp.MustCompile(`(?m)(?:^|[\n\r])(?P<prompt>[$#>])\s*$`)
	}
	v.prompt = re
}

// Registry holds all known vendors, keyed by name, creating a default record
// on first Get for a name never seen before.
type Registry struct {
	mu       sync.RWMutex
	vendors  map[string]*Vendor
	counters *counters.Registry
}

// NewRegistry creates an empty vendor registry. counters may be nil if the
// caller does not want unsupported-session-type attempts counted.
func NewRegistry(c *counters.Registry) *Registry {
	return &Registry{vendors: make(map[string]*Vendor), counters: c}
}

// Get returns the vendor record for name, creating (and storing) a default
// one on demand.
func (r *Registry) Get(name string) *Vendor {
	r.mu.RLock()
	v, ok := r.vendors[name]
	r.mu.RUnlock()
	if ok {
		return v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vendors[name]; ok {
		return v
	}
	v = NewDefault(name)
	r.vendors[name] = v
	return v
}

// Put installs v under its own name, replacing any existing record and
// rebuilding its compiled prompt regex.
func (r *Registry) Put(v *Vendor) {
	v.mu.Lock()
	// Enforce the invariant: the default session type is always supported.
	if v.SupportedSessionTypes == nil {
		v.SupportedSessionTypes = map[SessionType]bool{}
	}
	v.SupportedSessionTypes[v.DefaultSessionType] = true
	v.rebuildPrompt()
	v.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendors[v.Name] = v
}

// SelectSessionType resolves the session class for a request: if requested
// is set and supported by the vendor, it wins; otherwise the vendor's
// default wins, and an unsupported request is counted.
func (r *Registry) SelectSessionType(v *Vendor, requested SessionType) SessionType {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if requested == "" {
		return v.DefaultSessionType
	}
	if v.SupportedSessionTypes[requested] {
		return requested
	}
	if r.counters != nil {
		r.counters.Increment(fmt.Sprintf("fbnet.command_runner.vendor.%s.unsupported_session_type", v.Name))
	}
	return v.DefaultSessionType
}

// ClearCommandFor resolves the effective clear-command bytes for a device's
// per-command override: empty string disables it, non-empty replaces it,
// and an absent override falls back to the vendor's configured sequence.
func ClearCommandFor(v *Vendor, override *string) []byte {
	if override != nil {
		if *override == "" {
			return nil
		}
		return []byte(*override)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ClearCommand
}
