// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bcem/mailer/internal/models"
)

const sampleYAML = `
accounts:
  - id: ops
    display_name: Operations
    provider:
      type: graph
      settings:
        tenantId: t-1
        clientSecret: ${TEST_GRAPH_SECRET}
        mailbox: ops@corp.com
        webhook: "true"
  - id: ""
    provider:
      type: FileSystem
  - id: audit
    provider:
      type: FileSystem
      settings:
        outboxDirectory: /tmp/outbox
policy:
  allowed_cc_domains: [corp.com]
sla:
  attention_after: 6h
  overdue_after: 18h
watcher:
  accounts: [ops]
  poll_interval: 30s
redis:
  url: redis://cache:6379/1
  queues:
    events: returns
webhook:
  url: https://hooks.example.com
log:
  level: debug
  format: text
`

// clearEnv blanks the variables that would otherwise override defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "WEBHOOK_PORT", "DATABASE_URL", "REDIS_URL", "EVENTS_QUEUE", "POLL_INTERVAL",
		"POLL_LOOKBACK", "LOG_LEVEL", "LOG_FORMAT", "SLA_SCAN_INTERVAL", "SLA_FOLLOW_UP_INTERVAL",
		"SLA_ATTENTION_AFTER", "SLA_OVERDUE_AFTER", "WEBHOOK_URL", "PREVIEW_SIGNING_KEY",
	} {
		t.Setenv(k, "")
	}
}

// TestParse verifies YAML values, env expansion and defaults.
func TestParse(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEST_GRAPH_SECRET", "s3cret")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(cfg.Accounts))
	}
	ops := cfg.Account("OPS")
	if ops == nil {
		t.Fatal("account ops not found")
	}
	if ops.Provider.Type != models.ProviderGraph || ops.Provider.Name != "ops" || ops.DisplayName != "Operations" {
		t.Errorf("ops = %+v", ops)
	}
	if got := ops.Provider.Settings["clientSecret"]; got != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}
	if got := cfg.Account("audit").DisplayName; got != "audit" {
		t.Errorf("got %q, want %q", got, "audit")
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"attention", cfg.AttentionAfter, 6 * time.Hour},
		{"overdue", cfg.OverdueAfter, 18 * time.Hour},
		{"follow-up", cfg.FollowUpInterval, DefaultFollowUpInterval},
		{"scan", cfg.ScanInterval, DefaultScanInterval},
		{"poll", cfg.PollInterval, 30 * time.Second},
		{"lookback", cfg.PollLookback, DefaultPollLookback},
		{"redis", cfg.RedisURL, "redis://cache:6379/1"},
		{"queue", cfg.EventsQueue, "returns"},
		{"webhook url", cfg.WebhookURL, "https://hooks.example.com"},
		{"webhook port", cfg.WebhookPort, DefaultWebhookPort},
		{"port", cfg.Port, DefaultPort},
		{"log level", cfg.LogLevel, "debug"},
		{"database", cfg.DatabaseURL, ""},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(cfg.AllowedCcDomains) != 1 || cfg.AllowedCcDomains[0] != "corp.com" {
		t.Errorf("cc domains = %v", cfg.AllowedCcDomains)
	}
}

// TestParse_EnvFallbacks verifies environment values fill unset YAML keys.
func TestParse_EnvFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://db/mailer")
	t.Setenv("POLL_LOOKBACK", "3h")

	cfg, err := Parse([]byte("accounts:\n  - id: a\n    provider:\n      type: FileSystem\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port != 9090 || cfg.DatabaseURL != "postgres://db/mailer" || cfg.PollLookback != 3*time.Hour {
		t.Errorf("cfg = port %d db %q lookback %v", cfg.Port, cfg.DatabaseURL, cfg.PollLookback)
	}
}

// TestParse_Errors verifies validation failures.
func TestParse_Errors(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"no accounts", "accounts: []\n", nil},
		{"unknown provider", "accounts:\n  - id: a\n    provider:\n      type: Carrier\n", models.ErrUnsupportedProviderType},
		{"sla order", "accounts:\n  - id: a\n    provider:\n      type: FileSystem\nsla:\n  attention_after: 30h\n", models.ErrValidation},
		{"unknown watch", "accounts:\n  - id: a\n    provider:\n      type: FileSystem\nwatcher:\n  accounts: [b]\n", models.ErrValidation},
		{"bad yaml", "accounts: [", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestLoad verifies CONFIG_PATH selects the file.
func TestLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("accounts:\n  - id: a\n    provider:\n      type: GmailApi\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Accounts[0].Provider.Type != models.ProviderGmailAPI {
		t.Errorf("type = %q", cfg.Accounts[0].Provider.Type)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}
}

// TestNewLogger verifies level filtering and format selection.
func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "tracking_id", "AC-1")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"tracking_id":"AC-1"`) {
		t.Errorf("output = %q", out)
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Error("unknown level should default to info")
	}
}
