package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  addr: ":9090"
presence:
  away_threshold: 2m
  offline_threshold: 10m
rate_limit:
  rules:
    - action: send_message
      limit: 5
      window: 10s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Presence.AwayThreshold != 2*time.Minute {
		t.Errorf("away threshold = %v", cfg.Presence.AwayThreshold)
	}
	// Untouched sections keep defaults.
	if cfg.Broadcast.DrainInterval != 100*time.Millisecond {
		t.Errorf("drain interval = %v", cfg.Broadcast.DrainInterval)
	}
	if len(cfg.RateLimit.Rules) != 1 || cfg.RateLimit.Rules[0].Limit != 5 {
		t.Errorf("rules = %+v", cfg.RateLimit.Rules)
	}
}

func TestParseLoggingSection(t *testing.T) {
	cfg, err := Parse([]byte(`
logging:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "s3cret")
	cfg, err := Parse([]byte("auth:\n  jwt_secret: ${RELAY_TEST_SECRET}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []string{
		"server:\n  addr: \"\"\n",
		"presence:\n  away_threshold: 10m\n  offline_threshold: 5m\n",
		"storage:\n  driver: dynamo\n",
		"rate_limit:\n  rules:\n    - action: x\n      limit: 0\n      window: 1s\n",
	}
	for _, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("expected error for config %q", strings.TrimSpace(in))
		}
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected defaults, got addr %q", cfg.Server.Addr)
	}

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOrDefault(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}
