package siosession

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "session.yaml", `
url: http://localhost:3001
options:
  transports: [websocket]
  reconnection: true
  reconnection_attempts: 5
  timeout_ms: 2500
  auth:
    token: abc
    retries: 2
  query:
    room: lobby
log:
  level: debug
  no_color: true
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != "v3" {
		t.Errorf("version = %q, want default v3", cfg.Version)
	}
	if cfg.URL != "http://localhost:3001" {
		t.Errorf("url = %q", cfg.URL)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.NoColor {
		t.Errorf("log = %+v", cfg.Log)
	}

	opts, err := cfg.Options.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := NewOptions(
		WithTransports("websocket"),
		WithReconnection(true),
		WithReconnectionAttempts(5),
		WithTimeout(2500*time.Millisecond),
	)
	if !ReducedEqual(opts, want) {
		t.Errorf("options = %v, want %v", opts.ToWireFormat(), want.ToWireFormat())
	}
	if tok, _ := opts.Auth()["token"].AsString(); tok != "abc" {
		t.Errorf("auth token = %q", tok)
	}
	if n, _ := opts.Auth()["retries"].AsNumber(); n != 2 {
		t.Errorf("auth retries = %v", n)
	}
	if opts.Query()["room"] != "lobby" {
		t.Errorf("query = %v", opts.Query())
	}
	if _, ok := opts.Path(); ok {
		t.Error("path set although the file has none")
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "session.toml", `
version = "v2"
url = "ws://example.com:8080"

[options]
path = "/io/"
force_new = true
reconnection_delay_ms = 250
randomization_factor = 0.2

[options.ios]
compress = false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != "v2" {
		t.Errorf("version = %q", cfg.Version)
	}
	opts, err := cfg.Options.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p, _ := opts.Path(); p != "/io/" {
		t.Errorf("path = %q", p)
	}
	if fn, ok := opts.ForceNew(); !ok || !fn {
		t.Errorf("forceNew = %v, %v", fn, ok)
	}
	if d, _ := opts.ReconnectionDelay(); d != 250*time.Millisecond {
		t.Errorf("delay = %v", d)
	}
	if f, _ := opts.RandomizationFactor(); f != 0.2 {
		t.Errorf("randomization = %v", f)
	}
	if c, ok := opts.IOSExtras()["compress"].AsBool(); !ok || c {
		t.Errorf("ios extras = %v", opts.IOSExtras())
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name, file, body, want string
	}{
		{"missing url", "a.yaml", "version: v3\n", "missing url"},
		{"bad version", "a.yaml", "url: http://x\nversion: v9\n", "unknown version"},
		{"negative attempts", "a.yaml", "url: http://x\noptions:\n  reconnection_attempts: -1\n", "reconnection_attempts"},
		{"negative timeout", "a.toml", "url = \"http://x\"\n[options]\ntimeout_ms = -5\n", "timeout_ms"},
		{"randomization out of range", "a.yaml", "url: http://x\noptions:\n  randomization_factor: 1.5\n", "randomization_factor"},
		{"unsupported extension", "a.json", "{}", "unsupported extension"},
		{"malformed yaml", "a.yml", "url: [", "parse failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.file, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want it to mention %q", err, tc.want)
			}
		})
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loading a missing file succeeded")
	}
}
