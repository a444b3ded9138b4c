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

// DispatchStore persists one audit record per tracking id.
type DispatchStore struct {
	pool *pgxpool.Pool
}

// NewDispatchStore creates the store and its table.
func NewDispatchStore(ctx context.Context, pool *pgxpool.Pool) (*DispatchStore, error) {
	s := &DispatchStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure dispatch schema: %w", err)
	}
	slog.Info("dispatch store initialised")
	return s, nil
}

func (s *DispatchStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS dispatches (
			tracking_id         TEXT PRIMARY KEY,
			template_key        TEXT NOT NULL,
			template_version    TEXT NOT NULL DEFAULT '',
			account_id          TEXT NOT NULL,
			account_name        TEXT NOT NULL DEFAULT '',
			envelope            JSONB NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			provider_thread_id  TEXT NOT NULL DEFAULT '',
			sent_at             TIMESTAMPTZ NOT NULL,
			logged_at           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dispatches_sent ON dispatches(sent_at DESC);
		CREATE INDEX IF NOT EXISTS idx_dispatches_account ON dispatches(account_id);
	`)
	return err
}

// Save inserts or replaces the record for rec.TrackingID.
func (s *DispatchStore) Save(ctx context.Context, rec models.DispatchRecord) error {
	envelope, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dispatches
			(tracking_id, template_key, template_version, account_id, account_name,
			 envelope, provider_message_id, provider_thread_id, sent_at, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10)
		ON CONFLICT (tracking_id) DO UPDATE SET
			template_key        = EXCLUDED.template_key,
			template_version    = EXCLUDED.template_version,
			account_id          = EXCLUDED.account_id,
			account_name        = EXCLUDED.account_name,
			envelope            = EXCLUDED.envelope,
			provider_message_id = EXCLUDED.provider_message_id,
			provider_thread_id  = EXCLUDED.provider_thread_id,
			sent_at             = EXCLUDED.sent_at,
			logged_at           = EXCLUDED.logged_at
	`, rec.TrackingID, rec.TemplateKey, rec.TemplateVersion, rec.AccountID, rec.AccountName,
		string(envelope), rec.ProviderMessageID, rec.ProviderThreadID, rec.SentAt, rec.LoggedAt)
	if err != nil {
		return fmt.Errorf("upsert dispatch %s: %w", rec.TrackingID, err)
	}
	return nil
}

const dispatchColumns = `tracking_id, template_key, template_version, account_id, account_name,
	envelope, provider_message_id, provider_thread_id, sent_at, logged_at`

// Get returns the record for trackingID, or nil, nil.
func (s *DispatchStore) Get(ctx context.Context, trackingID string) (*models.DispatchRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE tracking_id = $1`, trackingID)
	rec, err := scanDispatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SearchDispatches returns the newest records matching filter.
func (s *DispatchStore) SearchDispatches(ctx context.Context, filter models.DispatchFilter) ([]models.DispatchRecord, error) {
	var conditions []string
	var args []any
	if filter.TrackingID != "" {
		args = append(args, models.LikePattern(filter.TrackingID))
		conditions = append(conditions, fmt.Sprintf("lower(tracking_id) LIKE $%d", len(args)))
	}
	if filter.Email != "" {
		args = append(args, models.LikePattern(filter.Email))
		conditions = append(conditions, fmt.Sprintf("lower(envelope::text) LIKE $%d", len(args)))
	}
	args = append(args, models.EffectiveLimit(filter.Limit))
	query := `SELECT ` + dispatchColumns + ` FROM dispatches` + where(conditions) +
		fmt.Sprintf(" ORDER BY sent_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search dispatches: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanDispatch(row pgx.Row) (models.DispatchRecord, error) {
	var rec models.DispatchRecord
	var envelope []byte
	if err := row.Scan(
		&rec.TrackingID, &rec.TemplateKey, &rec.TemplateVersion, &rec.AccountID, &rec.AccountName,
		&envelope, &rec.ProviderMessageID, &rec.ProviderThreadID, &rec.SentAt, &rec.LoggedAt,
	); err != nil {
		return rec, err
	}
	if err := json.Unmarshal(envelope, &rec.Envelope); err != nil {
		return rec, fmt.Errorf("unmarshal envelope of %s: %w", rec.TrackingID, err)
	}
	rec.SentAt = rec.SentAt.UTC()
	rec.LoggedAt = rec.LoggedAt.UTC()
	return rec, nil
}
