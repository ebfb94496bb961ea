package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("log level default = %q", cfg.General.LogLevel)
	}
	if cfg.General.Workers != 8 {
		t.Errorf("workers default = %d", cfg.General.Workers)
	}
	if cfg.API.Bind != "127.0.0.1:8420" {
		t.Errorf("bind default = %q", cfg.API.Bind)
	}
	if cfg.Defaults.MaxConcurrent != 5 || cfg.Defaults.MaxPerMinute != 60 || cfg.Defaults.MaxPerMonth != 10000 {
		t.Errorf("org limit defaults = %+v", cfg.Defaults)
	}
	if cfg.Dedup.Backend != "sqlite" {
		t.Errorf("dedup backend default = %q", cfg.Dedup.Backend)
	}
	if cfg.Dedup.DefaultTTL.Duration != 7*24*time.Hour {
		t.Errorf("dedup ttl default = %s", cfg.Dedup.DefaultTTL.Duration)
	}
	if cfg.Usage.ThresholdPct != 80 {
		t.Errorf("threshold default = %d", cfg.Usage.ThresholdPct)
	}
	if cfg.HTTP.RefreshSkew.Duration != time.Minute {
		t.Errorf("refresh skew default = %s", cfg.HTTP.RefreshSkew.Duration)
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[general]
log_level = "debug"
state_db = "/tmp/engine-test.db"
workers = 4
heartbeat_interval = "5s"

[api]
bind = "0.0.0.0:9000"

[scheduler]
queue_depth = 16
queue_wait_timeout = "30s"
execution_timeout = "2m"
node_parallelism = 3

[dedup]
backend = "redis"
redis_addr = "localhost:6379"
default_ttl = "48h"

[ratecard]
cost_per_api_call_micros = 250

[providers.jira]
domain = "acme.atlassian.net"

[providers.okta]
org_url = "https://acme.okta.com"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.QueueWaitTimeout.Duration != 30*time.Second {
		t.Errorf("queue_wait_timeout = %s", cfg.Scheduler.QueueWaitTimeout.Duration)
	}
	if cfg.Scheduler.NodeParallelism != 3 {
		t.Errorf("node_parallelism = %d", cfg.Scheduler.NodeParallelism)
	}
	if cfg.Dedup.DefaultTTL.Duration != 48*time.Hour {
		t.Errorf("dedup ttl = %s", cfg.Dedup.DefaultTTL.Duration)
	}
	if cfg.RateCard.CostPerAPICallMicros != 250 {
		t.Errorf("rate card = %+v", cfg.RateCard)
	}
	if cfg.Providers["jira"].Domain != "acme.atlassian.net" {
		t.Errorf("jira provider = %+v", cfg.Providers["jira"])
	}
	if cfg.Providers["okta"].OrgURL != "https://acme.okta.com" {
		t.Errorf("okta provider = %+v", cfg.Providers["okta"])
	}
}

func TestLoadRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad duration", "[general]\nheartbeat_interval = \"fast\"\n"},
		{"redis without addr", "[dedup]\nbackend = \"redis\"\n"},
		{"unknown dedup backend", "[dedup]\nbackend = \"memcached\"\n"},
		{"threshold over 100", "[usage]\nthreshold_pct = 150\n"},
		{"base delay above max", "[retry]\nbase_delay = \"1m\"\nmax_delay = \"5s\"\n"},
	}
	for _, tc := range cases {
		if _, err := Load(writeConfig(t, tc.body)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "[general]\nlog_level = \"info\"\nstate_db = \"a.db\"\n")
	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// Hot field changes take effect.
	if err := os.WriteFile(path, []byte("[general]\nlog_level = \"debug\"\nstate_db = \"a.db\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if mgr.Get().General.LogLevel != "debug" {
		t.Errorf("log level after reload = %q", mgr.Get().General.LogLevel)
	}

	// state_db changes are rejected and the old config stays live.
	if err := os.WriteFile(path, []byte("[general]\nstate_db = \"b.db\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload should reject state_db change")
	}
	if mgr.Get().General.StateDB != "a.db" {
		t.Errorf("state_db = %q after rejected reload", mgr.Get().General.StateDB)
	}

	// api.bind changes are rejected too.
	if err := os.WriteFile(path, []byte("[general]\nstate_db = \"a.db\"\n[api]\nbind = \"0.0.0.0:1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload should reject api.bind change")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/engine.db"); got != filepath.Join(home, "engine.db") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/engine.db"); got != "/abs/engine.db" {
		t.Errorf("ExpandHome should pass absolute paths through, got %q", got)
	}
}
