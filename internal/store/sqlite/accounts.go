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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bcem/mailer/internal/models"
)

// AccountStore persists sending accounts.
type AccountStore struct {
	db *sqlx.DB
}

type accountRow struct {
	ID           string `db:"id"`
	DisplayName  string `db:"display_name"`
	ProviderName string `db:"provider_name"`
	ProviderType string `db:"provider_type"`
	Settings     string `db:"settings"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r accountRow) account() (models.Account, error) {
	a := models.Account{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Provider: models.ProviderDescriptor{
			Name: r.ProviderName,
			Type: models.ProviderType(r.ProviderType),
		},
	}
	if err := json.Unmarshal([]byte(r.Settings), &a.Provider.Settings); err != nil {
		return a, fmt.Errorf("unmarshaling settings of %s: %w", r.ID, err)
	}
	return a, nil
}

// Upsert inserts or replaces an account keyed on id.
func (s *AccountStore) Upsert(ctx context.Context, a models.Account) error {
	settings := []byte("{}")
	if a.Provider.Settings != nil {
		var err error
		if settings, err = json.Marshal(a.Provider.Settings); err != nil {
			return fmt.Errorf("marshaling settings: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts (id, display_name, provider_name, provider_type, settings, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.DisplayName, a.Provider.Name, string(a.Provider.Type), string(settings), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	return nil
}

// Account returns the account with id, or nil, nil.
func (s *AccountStore) Account(ctx context.Context, id string) (*models.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	a, err := row.account()
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all accounts ordered by id.
func (s *AccountStore) List(ctx context.Context) ([]models.Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM accounts ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]models.Account, 0, len(rows))
	for _, r := range rows {
		a, err := r.account()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
