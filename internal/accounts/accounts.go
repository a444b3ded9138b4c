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

// Package accounts keeps the configured sending accounts. Seeder copies the
// accounts from config into the account store with their secrets moved into
// the vault; Memory is the store used when no database is configured.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/bcem/mailer/internal/models"
)

// Store is the persistent account contract shared by the SQL stores and
// Memory. Account returns nil, nil for unknown ids.
type Store interface {
	Account(ctx context.Context, id string) (*models.Account, error)
	Upsert(ctx context.Context, a models.Account) error
	List(ctx context.Context) ([]models.Account, error)
}

// Protector moves plaintext secrets out of provider settings.
type Protector interface {
	Protect(providerName string, incoming, existing map[string]string) (map[string]string, error)
	MaskForResponse(stored map[string]string) map[string]string
}

// Memory is an in-memory account store.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

// NewMemory creates an empty account store.
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]models.Account)}
}

// Account returns a copy of the account with id (case-insensitive).
func (m *Memory) Account(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[strings.ToLower(id)]
	if !ok {
		return nil, nil
	}
	a = clone(a)
	return &a, nil
}

// Upsert inserts or replaces an account.
func (m *Memory) Upsert(_ context.Context, a models.Account) error {
	if strings.TrimSpace(a.ID) == "" {
		return models.NewValidationError("id", "account id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[strings.ToLower(a.ID)] = clone(a)
	return nil
}

// List returns every account ordered by id.
func (m *Memory) List(_ context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clone(a models.Account) models.Account {
	if a.Provider.Settings != nil {
		settings := make(map[string]string, len(a.Provider.Settings))
		for k, v := range a.Provider.Settings {
			settings[k] = v
		}
		a.Provider.Settings = settings
	}
	return a
}

// Seeder writes configured accounts into a Store.
type Seeder struct {
	store   Store
	secrets Protector
}

// NewSeeder creates a seeder. secrets may be nil, in which case settings
// are stored as given.
func NewSeeder(store Store, secrets Protector) *Seeder {
	return &Seeder{store: store, secrets: secrets}
}

// Seed upserts every configured account. Accounts with a blank id are
// skipped. Sensitive settings are protected against what was stored before,
// so a masked or empty value in config keeps the existing secret.
func (s *Seeder) Seed(ctx context.Context, configured []models.Account) (int, error) {
	seeded := 0
	for _, a := range configured {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			slog.Warn("skipping account without id", "display_name", a.DisplayName)
			continue
		}
		if a.Provider.Name == "" {
			a.Provider.Name = a.ID
		}

		if s.secrets != nil {
			existing, err := s.store.Account(ctx, a.ID)
			if err != nil {
				return seeded, fmt.Errorf("loading account %s: %w", a.ID, err)
			}
			var previous map[string]string
			if existing != nil {
				previous = existing.Provider.Settings
			}
			settings, err := s.secrets.Protect(a.Provider.Name, a.Provider.Settings, previous)
			if err != nil {
				return seeded, fmt.Errorf("protecting settings of %s: %w", a.ID, err)
			}
			a.Provider.Settings = settings
		}

		if err := s.store.Upsert(ctx, a); err != nil {
			return seeded, fmt.Errorf("storing account %s: %w", a.ID, err)
		}
		seeded++

		settings := a.Provider.Settings
		if s.secrets != nil {
			settings = s.secrets.MaskForResponse(settings)
		}
		slog.Info("account seeded",
			"account", a.ID,
			"provider", a.Provider.Type,
			"settings", settings,
		)
	}
	return seeded, nil
}
