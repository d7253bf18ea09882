package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeSettings(t, `
port = 4017
challenge_size = 2048
heartbeat_interval = 5
heartbeat_timeout = 15
state_dir = /var/lib/backbone
`)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Settings{
		Port:              4017,
		ChallengeSize:     2048,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		StateDir:          "/var/lib/backbone",
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	path := writeSettings(t, `
# this is a comment
port = 4001

heartbeat_interval = 20
`)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Port != 4001 || got.HeartbeatInterval != 20*time.Second {
		t.Fatalf("unexpected settings: %+v", got)
	}
	// Unset keys keep their defaults.
	if got.ChallengeSize != Default().ChallengeSize {
		t.Fatalf("expected unset challenge_size to keep the default")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeSettings(t, "bogus_key = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unknown settings key")
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeSettings(t, "port = 0\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation to reject port = 0")
	}
}

func TestSettingsJSONRoundTrip(t *testing.T) {
	want := Settings{Port: 4000, ChallengeSize: 256, HeartbeatInterval: 10 * time.Second, HeartbeatTimeout: 30 * time.Second}

	data, err := want.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var got Settings
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSettingsJSONExcludesStateDir(t *testing.T) {
	s := Default()
	s.StateDir = "/secret/server/path"

	data, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Fatalf("expected StateDir to be excluded from the wire form, got %s", data)
	}
}

func TestLoadSetsDefaultStateDir(t *testing.T) {
	path := writeSettings(t, "port = 4000\n")
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.StateDir != Default().StateDir {
		t.Fatalf("expected unset state_dir to keep the default, got %q", got.StateDir)
	}
}

func writeSettings(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	return path
}
