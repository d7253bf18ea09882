// Package config loads Backbone's settings.toml and carries the same
// values over the wire as JSON in the handshake's CONFIG payload. No
// TOML library is exercised anywhere in the retrieved corpus, so the
// loader is a small hand-written parser in the style of
// wyf-ACCEPT-eth2030/pkg/node/config_loader.go (explicit per-key
// strconv conversions, an accumulating validate() pass in the style of
// cmd/portal-tunnel/config.go). See DESIGN.md.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is loaded server-side from settings.toml; the Port,
// ChallengeSize, HeartbeatInterval, and HeartbeatTimeout fields are also
// pushed to every client as the handshake CONFIG payload. StateDir never
// leaves the server: it names the on-disk identity-store directory, so
// it's excluded from the JSON wire form.
type Settings struct {
	Port              int           `json:"port"`
	ChallengeSize     int           `json:"challenge_size"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	StateDir          string        `json:"-"`
}

// Default returns the documented factory defaults.
func Default() Settings {
	return Settings{
		Port:              4000,
		ChallengeSize:     256,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		StateDir:          "./state",
	}
}

// MarshalJSON encodes the two duration fields as whole seconds, matching
// the TOML file's "heartbeat_interval = 10" seconds-integer convention.
// StateDir is server-local and is never included.
func (s Settings) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(
		`{"port":%d,"challenge_size":%d,"heartbeat_interval":%d,"heartbeat_timeout":%d}`,
		s.Port, s.ChallengeSize,
		int(s.HeartbeatInterval/time.Second),
		int(s.HeartbeatTimeout/time.Second),
	)), nil
}

// UnmarshalJSON is the counterpart to MarshalJSON: it expects the same
// four integer fields, durations given in whole seconds.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw struct {
		Port              int `json:"port"`
		ChallengeSize     int `json:"challenge_size"`
		HeartbeatInterval int `json:"heartbeat_interval"`
		HeartbeatTimeout  int `json:"heartbeat_timeout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Port = raw.Port
	s.ChallengeSize = raw.ChallengeSize
	s.HeartbeatInterval = time.Duration(raw.HeartbeatInterval) * time.Second
	s.HeartbeatTimeout = time.Duration(raw.HeartbeatTimeout) * time.Second
	return nil
}

// Load reads a settings.toml file at path. Missing keys keep their
// Default() values.
func Load(path string) (Settings, error) {
	s := Default()

	f, err := os.Open(path)
	if err != nil {
		return s, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return s, fmt.Errorf("config: %s:%d: expected key = value", path, lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		if err := s.assign(key, value); err != nil {
			return s, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return s, fmt.Errorf("config: read %s: %w", path, err)
	}

	return s, s.validate()
}

func (s *Settings) assign(key, value string) error {
	switch key {
	case "port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		s.Port = n
	case "challenge_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("challenge_size: %w", err)
		}
		s.ChallengeSize = n
	case "heartbeat_interval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("heartbeat_interval: %w", err)
		}
		s.HeartbeatInterval = time.Duration(n) * time.Second
	case "heartbeat_timeout":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("heartbeat_timeout: %w", err)
		}
		s.HeartbeatTimeout = time.Duration(n) * time.Second
	case "state_dir":
		s.StateDir = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func (s Settings) validate() error {
	var errs []string
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, "port must be in (0, 65535]")
	}
	if s.ChallengeSize <= 0 {
		errs = append(errs, "challenge_size must be positive")
	}
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeat_interval must be positive")
	}
	if s.HeartbeatTimeout <= 0 {
		errs = append(errs, "heartbeat_timeout must be positive")
	}
	if s.StateDir == "" {
		errs = append(errs, "state_dir must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}
