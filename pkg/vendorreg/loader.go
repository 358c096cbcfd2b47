package vendorreg

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
)

// vendorConfigFile mirrors the on-disk document shape:
// {"vendor_config": {"<name>": {...fields...}}}.
type vendorConfigFile struct {
	VendorConfig map[string]vendorFields `json:"vendor_config"`
}

// vendorFields mirrors the Vendor struct's attributes one-for-one. The
// document is a small, flat map of structs, so plain encoding/json covers it.
type vendorFields struct {
	SetupCommands         []string `json:"setup_commands"`
	PromptRegex           []string `json:"prompt_regex"`
	ShellPromptRegex      []string `json:"shell_prompt_regex"`
	UserPromptRegex       []string `json:"user_prompt_regex"`
	BootstrapPromptRegex  []string `json:"bootstrap_prompt_regex"`
	ConsoleIgnoreRegex    []string `json:"console_ignore_regex"`
	ConsoleLoginRegex     []string `json:"console_login_regex"`
	ConsolePasswordRegex  []string `json:"console_password_regex"`
	ConsoleInteractRegex  []string `json:"console_interact_regex"`
	CmdTimeoutSec         int      `json:"cmd_timeout_sec"`
	ClearCommand          *string  `json:"clear_command"`
	ExitCommand           string   `json:"exit_command"`
	DefaultSessionType    string   `json:"default_session_type"`
	SupportedSessionTypes []string `json:"supported_session_types"`
	Autocomplete          bool     `json:"autocomplete"`
	Port                  int      `json:"port"`
}

// LoadJSON parses the vendor-config JSON document and overlays each entry
// onto the registry's record for that vendor, creating a default record
// first for names never seen. Updating in place (rather than swapping in
// fresh records) means a reload reaches devices and sessions that already
// hold a reference to the vendor; their next prompt compile and setup
// sequence see the new fields.
func (r *Registry) LoadJSON(data []byte) error {
	var file vendorConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing vendor config: %w", err)
	}

	for name, f := range file.VendorConfig {
		if err := f.validate(name); err != nil {
			return err
		}
	}
	for name, f := range file.VendorConfig {
		v := r.Get(name)
		v.mu.Lock()
		applyFields(v, f)
		if v.SupportedSessionTypes == nil {
			v.SupportedSessionTypes = map[SessionType]bool{}
		}
		v.SupportedSessionTypes[v.DefaultSessionType] = true
		v.rebuildPrompt()
		v.mu.Unlock()
	}
	return nil
}

// LoadJSONFile reads path and loads it via LoadJSON.
func (r *Registry) LoadJSONFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading vendor config %s: %w", path, err)
	}
	return r.LoadJSON(data)
}

// LoadJSONReader reads all of rd and loads it via LoadJSON.
func (r *Registry) LoadJSONReader(rd io.Reader) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return fmt.Errorf("reading vendor config: %w", err)
	}
	return r.LoadJSON(data)
}

// validate compiles every regex fragment in f so a bad vendor config is
// rejected as a whole instead of silently degrading to the fallback prompt.
func (f vendorFields) validate(name string) error {
	lists := map[string][]string{
		"prompt_regex":           f.PromptRegex,
		"shell_prompt_regex":     f.ShellPromptRegex,
		"user_prompt_regex":      f.UserPromptRegex,
		"bootstrap_prompt_regex": f.BootstrapPromptRegex,
		"console_ignore_regex":   f.ConsoleIgnoreRegex,
		"console_login_regex":    f.ConsoleLoginRegex,
		"console_password_regex": f.ConsolePasswordRegex,
		"console_interact_regex": f.ConsoleInteractRegex,
	}
	for field, frags := range lists {
		for _, frag := range frags {
			if _, err := regexp.Compile(frag); err != nil {
				return fmt.Errorf("vendor %s: %s %q: %w", name, field, frag, err)
			}
		}
	}
	return nil
}

func applyFields(v *Vendor, f vendorFields) {
	if len(f.SetupCommands) > 0 {
		v.SetupCommands = f.SetupCommands
	}
	if len(f.PromptRegex) > 0 {
		v.PromptFragments = f.PromptRegex
	}
	v.ShellPrompts = f.ShellPromptRegex
	v.UserPrompts = f.UserPromptRegex
	v.BootstrapPrompts = f.BootstrapPromptRegex
	if len(f.ConsoleIgnoreRegex) > 0 {
		v.ConsoleIgnorePrompts = f.ConsoleIgnoreRegex
	}
	if len(f.ConsoleLoginRegex) > 0 {
		v.ConsoleLoginPrompts = f.ConsoleLoginRegex
	}
	if len(f.ConsolePasswordRegex) > 0 {
		v.ConsolePasswordPrompts = f.ConsolePasswordRegex
	}
	if len(f.ConsoleInteractRegex) > 0 {
		v.ConsoleInteractPrompts = f.ConsoleInteractRegex
	}

	if f.CmdTimeoutSec > 0 {
		v.CmdTimeoutSec = f.CmdTimeoutSec
	}
	if f.ClearCommand != nil {
		// An explicit empty string disables the clear sequence entirely.
		if *f.ClearCommand == "" {
			v.ClearCommand = nil
		} else {
			v.ClearCommand = []byte(*f.ClearCommand)
		}
	}
	v.ExitCommand = f.ExitCommand

	if f.DefaultSessionType != "" {
		v.DefaultSessionType = SessionType(f.DefaultSessionType)
	}
	if len(f.SupportedSessionTypes) > 0 {
		supported := make(map[SessionType]bool, len(f.SupportedSessionTypes))
		for _, st := range f.SupportedSessionTypes {
			supported[SessionType(st)] = true
		}
		v.SupportedSessionTypes = supported
	}

	v.Autocomplete = f.Autocomplete
	if f.Port > 0 {
		v.Port = f.Port
	}
}
