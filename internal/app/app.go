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

// Package app builds the collaborators shared by the server, backfill and
// dispatch binaries from a loaded configuration.
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailer/internal/accounts"
	"github.com/bcem/mailer/internal/classify"
	"github.com/bcem/mailer/internal/config"
	"github.com/bcem/mailer/internal/dedup"
	"github.com/bcem/mailer/internal/dispatch"
	"github.com/bcem/mailer/internal/inbound"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/policy"
	"github.com/bcem/mailer/internal/provider"
	"github.com/bcem/mailer/internal/provider/filesystem"
	"github.com/bcem/mailer/internal/provider/gmailapi"
	"github.com/bcem/mailer/internal/provider/graph"
	"github.com/bcem/mailer/internal/provider/smtpimap"
	"github.com/bcem/mailer/internal/queue"
	"github.com/bcem/mailer/internal/returns"
	"github.com/bcem/mailer/internal/secrets"
	"github.com/bcem/mailer/internal/templates"
)

// App holds the wired collaborators of one process.
type App struct {
	Config     *config.Config
	Stores     *Stores
	Redis      *redis.Client
	Events     *queue.Publisher
	Secrets    *secrets.Manager
	Router     *provider.Router
	Dispatcher *dispatch.Dispatcher
	Ingestor   *inbound.Ingestor
}

// NewRegistry returns a registry with every built-in provider type.
func NewRegistry() *provider.Registry {
	r := provider.NewRegistry()
	r.Register(models.ProviderGraph, graph.Factory)
	r.Register(models.ProviderSmtpImap, smtpimap.Factory)
	r.Register(models.ProviderGmailAPI, gmailapi.Factory)
	r.Register(models.ProviderFileSystem, filesystem.Factory)
	return r
}

// New connects the stores, Redis and the vault, seeds the configured
// accounts and builds the dispatch and ingest pipelines.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Stores: stores}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	// --- Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)

	a.Events = queue.NewPublisher(a.Redis, cfg.EventsQueue)
	if err := a.Events.Ping(ctx); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis", "queue", cfg.EventsQueue)

	// --- Secrets ---
	vault, err := secrets.NewKeyringVault(secrets.KeyringConfig{
		ServiceName: cfg.Vault.Service,
		Backends:    cfg.Vault.Backends,
		FileDir:     cfg.Vault.FileDir,
		Password:    cfg.Vault.Password,
	})
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	a.Secrets = secrets.NewManager(secrets.ManagerConfig{Vault: vault})

	// --- Accounts ---
	seeded, err := accounts.NewSeeder(a.Stores.Accounts, a.Secrets).Seed(ctx, cfg.Accounts)
	if err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}
	slog.Info("accounts seeded", "count", seeded, "store", a.Stores.Backend)

	a.Router = provider.NewRouter(a.Stores.Accounts, NewRegistry(), a.Secrets)

	// --- Dispatch ---
	key, err := signingKey(cfg.SigningKey)
	if err != nil {
		return err
	}
	a.Dispatcher = dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Templates:  templates.NewManifestStore(cfg.TemplatesManifest),
		Policy:     policy.NewRecipientPolicy(cfg.AllowedCcDomains),
		Store:      a.Stores.Dispatches,
		Guard:      dedup.NewSendGuard(a.Redis, 0),
		Events:     a.Events,
		SigningKey: key,
	})

	// --- Returns ---
	rules, err := classify.LoadRules(cfg.ClassifierRules)
	if err != nil {
		return fmt.Errorf("load classifier rules: %w", err)
	}
	processor := returns.NewProcessor(classify.NewClassifier(rules), a.Stores.Returns)
	a.Ingestor = inbound.NewIngestor(dedup.NewFilter(a.Redis), processor, a.Events)

	return nil
}

// Close releases Redis and the store connection.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Stores.Close()
}

// signingKey returns the configured preview key, or a random per-process
// key when none is set. Previews then only verify inside this process.
func signingKey(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	slog.Warn("no preview signing key configured, using a per-process key")
	return key, nil
}
