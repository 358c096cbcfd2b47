package options

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	r := Defaults()
	if r.LBThreshold != 100 {
		t.Errorf("LBThreshold = %d, want 100", r.LBThreshold)
	}
	if r.BulkSessionLimit != 200 {
		t.Errorf("BulkSessionLimit = %d", r.BulkSessionLimit)
	}
	if r.RemoteCallOverhead != 20*time.Second {
		t.Errorf("RemoteCallOverhead = %v", r.RemoteCallOverhead)
	}
	if r.Port != 5000 {
		t.Errorf("Port = %d", r.Port)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.LBThreshold != 100 {
		t.Errorf("LBThreshold = %d", r.LBThreshold)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdrunner.yaml")
	body := "lb_threshold: 50\nport: 6000\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.LBThreshold != 50 {
		t.Errorf("LBThreshold = %d, want 50", r.LBThreshold)
	}
	if r.Port != 6000 {
		t.Errorf("Port = %d, want 6000", r.Port)
	}
	// Untouched fields retain their defaults.
	if r.BulkSessionLimit != 200 {
		t.Errorf("BulkSessionLimit = %d, want default 200", r.BulkSessionLimit)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cmdrunner.yaml")
	if err := os.WriteFile(path, []byte("not_a_real_option: 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown option key")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CMDRUNNER_LB_THRESHOLD", "7")
	t.Setenv("CMDRUNNER_SESSION_REAP_PERIOD", "30")

	r, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.LBThreshold != 7 {
		t.Errorf("LBThreshold = %d, want 7", r.LBThreshold)
	}
	if r.SessionReapPeriod != 30*time.Second {
		t.Errorf("SessionReapPeriod = %v", r.SessionReapPeriod)
	}
}

func TestDeviceNameFilterCompiles(t *testing.T) {
	t.Setenv("CMDRUNNER_DEVICE_NAME_FILTER", "^leaf")
	r, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	re := r.DeviceNameFilterRegexp()
	if re == nil || !re.MatchString("leaf1-ny") {
		t.Error("expected filter to compile and match leaf1-ny")
	}
	if re.MatchString("spine1-ny") {
		t.Error("filter should not match spine1-ny")
	}
}

func TestDeviceNameFilterInvalidRegexp(t *testing.T) {
	t.Setenv("CMDRUNNER_DEVICE_NAME_FILTER", "(")
	if _, err := Load(""); err == nil {
		t.Error("expected error for invalid regexp")
	}
}
