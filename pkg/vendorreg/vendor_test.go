package vendorreg

import (
	"strings"
	"testing"

	"github.com/gridrunner/cmdrunner/pkg/counters"
)

func TestGetCreatesDefault(t *testing.T) {
	r := NewRegistry(nil)
	v := r.Get("cisco")
	if v.Name != "cisco" {
		t.Errorf("Name = %q", v.Name)
	}
	if v.DefaultSessionType != SessionSSHCLI {
		t.Errorf("DefaultSessionType = %q", v.DefaultSessionType)
	}
	if !v.SupportedSessionTypes[SessionSSHCLI] {
		t.Error("default session type must be supported")
	}
	if len(v.ClearCommand) != 1 || v.ClearCommand[0] != 0x15 {
		t.Errorf("ClearCommand = %v", v.ClearCommand)
	}

	// Same instance is returned on a second Get.
	v2 := r.Get("cisco")
	if v != v2 {
		t.Error("expected same vendor instance on repeated Get")
	}
}

func TestPromptRegexpMatchesAcrossLineBreaks(t *testing.T) {
	r := NewRegistry(nil)
	v := r.Get("generic")
	re := v.PromptRegexp()

	if !re.MatchString("some output\n$ ") {
		t.Error("expected prompt regex to match trailing $ after newline")
	}
	if re.MatchString("no prompt here") {
		t.Error("expected no match without prompt char")
	}
}

func TestLoadJSONOverridesFields(t *testing.T) {
	r := NewRegistry(nil)
	doc := []byte(`{
		"vendor_config": {
			"juniper": {
				"setup_commands": ["set cli screen-length 0"],
				"prompt_regex": ["[%>#]"],
				"cmd_timeout_sec": 45,
				"clear_command": "",
				"exit_command": "exit",
				"default_session_type": "ssh-netconf",
				"supported_session_types": ["ssh-cli", "ssh-netconf"],
				"autocomplete": true,
				"port": 830
			}
		}
	}`)

	if err := r.LoadJSON(doc); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	v := r.Get("juniper")
	if len(v.SetupCommands) != 1 || v.SetupCommands[0] != "set cli screen-length 0" {
		t.Errorf("SetupCommands = %v", v.SetupCommands)
	}
	if v.CmdTimeoutSec != 45 {
		t.Errorf("CmdTimeoutSec = %d", v.CmdTimeoutSec)
	}
	if v.ClearCommand != nil {
		t.Errorf("ClearCommand = %v, want nil (disabled)", v.ClearCommand)
	}
	if v.DefaultSessionType != SessionSSHNetconf {
		t.Errorf("DefaultSessionType = %q", v.DefaultSessionType)
	}
	if !v.SupportedSessionTypes[SessionSSHCLI] || !v.SupportedSessionTypes[SessionSSHNetconf] {
		t.Errorf("SupportedSessionTypes = %v", v.SupportedSessionTypes)
	}
	if v.Port != 830 {
		t.Errorf("Port = %d", v.Port)
	}
	if !v.PromptRegexp().MatchString("output\n% ") {
		t.Error("expected updated prompt regex to match %")
	}
}

func TestLoadJSONUpdatesRecordsInPlace(t *testing.T) {
	r := NewRegistry(nil)
	v := r.Get("cisco") // resolved before any config load, as a device would

	doc := []byte(`{"vendor_config": {"cisco": {"prompt_regex": ["[%>#]"], "cmd_timeout_sec": 45}}}`)
	if err := r.LoadJSON(doc); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}

	// A reload must reach holders of the existing record, not just future
	// Get calls.
	if v != r.Get("cisco") {
		t.Fatal("LoadJSON must update the existing vendor record, not replace it")
	}
	if v.CmdTimeoutSec != 45 {
		t.Errorf("CmdTimeoutSec = %d, want 45", v.CmdTimeoutSec)
	}
	if !v.PromptRegexp().MatchString("output\n% ") {
		t.Error("expected the held record's prompt regex to be rebuilt")
	}
}

func TestLoadJSONRejectsInvalidRegexFragment(t *testing.T) {
	r := NewRegistry(nil)
	doc := []byte(`{"vendor_config": {"cisco": {"prompt_regex": ["("]}}}`)
	err := r.LoadJSON(doc)
	if err == nil {
		t.Fatal("expected an error for an invalid prompt fragment")
	}
	if !strings.Contains(err.Error(), "prompt_regex") {
		t.Errorf("error %q should name the offending field", err)
	}
}

func TestSelectSessionType(t *testing.T) {
	cnt := counters.New()
	r := NewRegistry(cnt)
	v := r.Get("cisco") // only ssh-cli supported

	if got := r.SelectSessionType(v, ""); got != SessionSSHCLI {
		t.Errorf("SelectSessionType(empty) = %q", got)
	}
	if got := r.SelectSessionType(v, SessionSSHNetconf); got != SessionSSHCLI {
		t.Errorf("SelectSessionType(unsupported) = %q, want fallback to default", got)
	}
	if n, _ := cnt.Get("fbnet.command_runner.vendor.cisco.unsupported_session_type"); n != 1 {
		t.Errorf("unsupported counter = %d, want 1", n)
	}
}

func TestClearCommandForOverride(t *testing.T) {
	r := NewRegistry(nil)
	v := r.Get("cisco")

	if got := ClearCommandFor(v, nil); len(got) != 1 || got[0] != 0x15 {
		t.Errorf("default clear command = %v", got)
	}

	empty := ""
	if got := ClearCommandFor(v, &empty); got != nil {
		t.Errorf("disabled clear command = %v, want nil", got)
	}

	replacement := "\x1b"
	if got := ClearCommandFor(v, &replacement); string(got) != "\x1b" {
		t.Errorf("replacement clear command = %v", got)
	}
}

func TestDefaultSessionTypeAlwaysSupportedInvariant(t *testing.T) {
	r := NewRegistry(nil)
	v := &Vendor{Name: "weird", DefaultSessionType: SessionSSHNetconf}
	r.Put(v)

	got := r.Get("weird")
	if !got.SupportedSessionTypes[SessionSSHNetconf] {
		t.Error("Put must ensure default session type is supported")
	}
}
