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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/mailer/internal/models"
)

// Defaults applied when neither YAML nor the environment sets a value.
const (
	DefaultConfigPath       = "/app/config/config.yaml"
	DefaultAttentionAfter   = 12 * time.Hour
	DefaultOverdueAfter     = 24 * time.Hour
	DefaultFollowUpInterval = 24 * time.Hour
	DefaultScanInterval     = 5 * time.Minute
	DefaultPollInterval     = 60 * time.Second
	DefaultPollLookback     = 24 * time.Hour
	DefaultRenewBuffer      = 2 * time.Hour
	DefaultPort             = 8080
	DefaultWebhookPort      = 8081
)

// VaultConfig selects the keyring backing the secret vault.
type VaultConfig struct {
	Service  string
	Backends []string
	FileDir  string
	Password string
}

// Config holds all configuration for the mailer service.
type Config struct {
	Accounts []models.Account

	TemplatesManifest string
	ClassifierRules   string
	AllowedCcDomains  []string
	SigningKey        string

	// SLA
	AttentionAfter   time.Duration
	OverdueAfter     time.Duration
	FollowUpInterval time.Duration
	ScanInterval     time.Duration

	// Inbox watcher
	WatchAccounts []string
	PollInterval  time.Duration
	PollLookback  time.Duration

	// Storage; SQLitePath is used when DatabaseURL is empty
	DatabaseURL string
	SQLitePath  string

	// Redis
	RedisURL    string
	EventsQueue string

	Vault VaultConfig

	// Graph webhook
	WebhookPort               int
	WebhookURL                string
	SubscriptionRenewalBuffer time.Duration

	LogLevel  string
	LogFormat string

	// Server (health check only)
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Accounts []struct {
		ID          string `yaml:"id"`
		DisplayName string `yaml:"display_name"`
		Provider    struct {
			Name     string            `yaml:"name"`
			Type     string            `yaml:"type"`
			Settings map[string]string `yaml:"settings"`
		} `yaml:"provider"`
	} `yaml:"accounts"`
	Templates struct {
		Manifest string `yaml:"manifest"`
	} `yaml:"templates"`
	Classifier struct {
		Rules string `yaml:"rules"`
	} `yaml:"classifier"`
	Policy struct {
		AllowedCcDomains []string `yaml:"allowed_cc_domains"`
	} `yaml:"policy"`
	Dispatch struct {
		SigningKey string `yaml:"signing_key"`
	} `yaml:"dispatch"`
	SLA struct {
		AttentionAfter   time.Duration `yaml:"attention_after"`
		OverdueAfter     time.Duration `yaml:"overdue_after"`
		FollowUpInterval time.Duration `yaml:"follow_up_interval"`
		ScanInterval     time.Duration `yaml:"scan_interval"`
	} `yaml:"sla"`
	Watcher struct {
		Accounts     []string      `yaml:"accounts"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Lookback     time.Duration `yaml:"lookback"`
	} `yaml:"watcher"`
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	Redis       struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Vault struct {
		Service  string   `yaml:"service"`
		Backends []string `yaml:"backends"`
		FileDir  string   `yaml:"file_dir"`
		Password string   `yaml:"password"`
	} `yaml:"vault"`
	Webhook struct {
		Port        int           `yaml:"port"`
		URL         string        `yaml:"url"`
		RenewBuffer time.Duration `yaml:"renew_buffer"`
	} `yaml:"webhook"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Port int `yaml:"port"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", DefaultConfigPath))
}

// LoadFile reads and parses the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references in data, decodes it and applies
// environment fallbacks and defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		TemplatesManifest: firstNonEmpty(raw.Templates.Manifest, envOrDefault("TEMPLATES_MANIFEST", "/app/config/templates.json")),
		ClassifierRules:   firstNonEmpty(raw.Classifier.Rules, envOrDefault("CLASSIFIER_RULES", "/app/config/rules.yaml")),
		AllowedCcDomains:  raw.Policy.AllowedCcDomains,
		SigningKey:        firstNonEmpty(raw.Dispatch.SigningKey, os.Getenv("PREVIEW_SIGNING_KEY")),

		AttentionAfter:   firstPositive(raw.SLA.AttentionAfter, envOrDefaultDuration("SLA_ATTENTION_AFTER", DefaultAttentionAfter)),
		OverdueAfter:     firstPositive(raw.SLA.OverdueAfter, envOrDefaultDuration("SLA_OVERDUE_AFTER", DefaultOverdueAfter)),
		FollowUpInterval: firstPositive(raw.SLA.FollowUpInterval, envOrDefaultDuration("SLA_FOLLOW_UP_INTERVAL", DefaultFollowUpInterval)),
		ScanInterval:     firstPositive(raw.SLA.ScanInterval, envOrDefaultDuration("SLA_SCAN_INTERVAL", DefaultScanInterval)),

		WatchAccounts: raw.Watcher.Accounts,
		PollInterval:  firstPositive(raw.Watcher.PollInterval, envOrDefaultDuration("POLL_INTERVAL", DefaultPollInterval)),
		PollLookback:  firstPositive(raw.Watcher.Lookback, envOrDefaultDuration("POLL_LOOKBACK", DefaultPollLookback)),

		DatabaseURL: firstNonEmpty(raw.DatabaseURL, os.Getenv("DATABASE_URL")),
		SQLitePath:  firstNonEmpty(raw.SQLitePath, envOrDefault("SQLITE_PATH", "/app/data/mailer.db")),

		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue: firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "mailer-events")),

		Vault: VaultConfig{
			Service:  firstNonEmpty(raw.Vault.Service, envOrDefault("VAULT_SERVICE", "mailer")),
			Backends: raw.Vault.Backends,
			FileDir:  firstNonEmpty(raw.Vault.FileDir, os.Getenv("VAULT_FILE_DIR")),
			Password: firstNonEmpty(raw.Vault.Password, os.Getenv("VAULT_PASSWORD")),
		},

		WebhookPort:               firstPositiveInt(raw.Webhook.Port, envOrDefaultInt("WEBHOOK_PORT", DefaultWebhookPort)),
		WebhookURL:                firstNonEmpty(raw.Webhook.URL, os.Getenv("WEBHOOK_URL")),
		SubscriptionRenewalBuffer: firstPositive(raw.Webhook.RenewBuffer, envOrDefaultDuration("SUBSCRIPTION_RENEWAL_BUFFER", DefaultRenewBuffer)),

		LogLevel:  firstNonEmpty(raw.Log.Level, envOrDefault("LOG_LEVEL", "info")),
		LogFormat: firstNonEmpty(raw.Log.Format, envOrDefault("LOG_FORMAT", "json")),

		Port: firstPositiveInt(raw.Port, envOrDefaultInt("PORT", DefaultPort)),
	}

	// Build account configs
	for _, a := range raw.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			// Skip accounts left blank (commented out in YAML)
			continue
		}

		providerType, ok := models.ParseProviderType(a.Provider.Type)
		if !ok {
			return nil, fmt.Errorf("account %s: %w", id, &models.UnsupportedProviderError{
				Type:       models.ProviderType(a.Provider.Type),
				Registered: models.ProviderTypes,
			})
		}

		cfg.Accounts = append(cfg.Accounts, models.Account{
			ID:          id,
			DisplayName: firstNonEmpty(a.DisplayName, id),
			Provider: models.ProviderDescriptor{
				Name:     firstNonEmpty(a.Provider.Name, id),
				Type:     providerType,
				Settings: a.Provider.Settings,
			},
		})
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured, check config.yaml and environment variables")
	}
	if c.AttentionAfter >= c.OverdueAfter {
		return models.NewValidationError("sla.attention_after",
			fmt.Sprintf("must be shorter than overdue_after (%s >= %s)", c.AttentionAfter, c.OverdueAfter))
	}
	known := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		known[strings.ToLower(a.ID)] = true
	}
	for _, id := range c.WatchAccounts {
		if !known[strings.ToLower(id)] {
			return models.NewValidationError("watcher.accounts", fmt.Sprintf("unknown account %q", id))
		}
	}
	return nil
}

// Account returns the configured account with id, or nil.
func (c *Config) Account(id string) *models.Account {
	for i, a := range c.Accounts {
		if strings.EqualFold(a.ID, id) {
			return &c.Accounts[i]
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveInt(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
