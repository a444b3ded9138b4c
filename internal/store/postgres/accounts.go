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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailer/internal/models"
)

// AccountStore persists sending accounts. Settings are stored as written,
// which after seeding means vault references instead of secrets.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore creates the store and its table.
func NewAccountStore(ctx context.Context, pool *pgxpool.Pool) (*AccountStore, error) {
	s := &AccountStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	slog.Info("account store initialised")
	return s, nil
}

func (s *AccountStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL DEFAULT '',
			provider_name TEXT NOT NULL DEFAULT '',
			provider_type TEXT NOT NULL,
			settings      JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Upsert inserts or replaces an account keyed on id.
func (s *AccountStore) Upsert(ctx context.Context, a models.Account) error {
	settings, err := json.Marshal(nonNil(a.Provider.Settings))
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO accounts (id, display_name, provider_name, provider_type, settings)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			display_name  = EXCLUDED.display_name,
			provider_name = EXCLUDED.provider_name,
			provider_type = EXCLUDED.provider_type,
			settings      = EXCLUDED.settings,
			updated_at    = NOW()
	`, a.ID, a.DisplayName, a.Provider.Name, string(a.Provider.Type), string(settings))
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// Account returns the account with id, or nil, nil.
func (s *AccountStore) Account(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, display_name, provider_name, provider_type, settings
		FROM accounts WHERE id = $1
	`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", id, err)
	}
	return &a, nil
}

// List returns all accounts ordered by id.
func (s *AccountStore) List(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, provider_name, provider_type, settings
		FROM accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	var providerType string
	var settings []byte
	if err := row.Scan(&a.ID, &a.DisplayName, &a.Provider.Name, &providerType, &settings); err != nil {
		return a, err
	}
	a.Provider.Type = models.ProviderType(providerType)
	if err := json.Unmarshal(settings, &a.Provider.Settings); err != nil {
		return a, fmt.Errorf("unmarshal settings of %s: %w", a.ID, err)
	}
	return a, nil
}
