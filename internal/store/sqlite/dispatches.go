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

	"github.com/jmoiron/sqlx"

	"github.com/bcem/mailer/internal/models"
)

// DispatchStore persists one audit record per tracking id.
type DispatchStore struct {
	db *sqlx.DB
}

type dispatchRow struct {
	TrackingID        string `db:"tracking_id"`
	TemplateKey       string `db:"template_key"`
	TemplateVersion   string `db:"template_version"`
	AccountID         string `db:"account_id"`
	AccountName       string `db:"account_name"`
	Envelope          string `db:"envelope"`
	ProviderMessageID string `db:"provider_message_id"`
	ProviderThreadID  string `db:"provider_thread_id"`
	SentAt            int64  `db:"sent_at"`
	LoggedAt          int64  `db:"logged_at"`
}

func (r dispatchRow) record() (models.DispatchRecord, error) {
	rec := models.DispatchRecord{
		TrackingID:        r.TrackingID,
		TemplateKey:       r.TemplateKey,
		TemplateVersion:   r.TemplateVersion,
		AccountID:         r.AccountID,
		AccountName:       r.AccountName,
		ProviderMessageID: r.ProviderMessageID,
		ProviderThreadID:  r.ProviderThreadID,
		SentAt:            fromNanos(r.SentAt),
		LoggedAt:          fromNanos(r.LoggedAt),
	}
	if err := json.Unmarshal([]byte(r.Envelope), &rec.Envelope); err != nil {
		return rec, fmt.Errorf("unmarshaling envelope of %s: %w", r.TrackingID, err)
	}
	return rec, nil
}

// Save inserts or replaces the record for rec.TrackingID.
func (s *DispatchStore) Save(ctx context.Context, rec models.DispatchRecord) error {
	envelope, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO dispatches (
			tracking_id, template_key, template_version, account_id, account_name,
			envelope, provider_message_id, provider_thread_id, sent_at, logged_at
		) VALUES (
			:tracking_id, :template_key, :template_version, :account_id, :account_name,
			:envelope, :provider_message_id, :provider_thread_id, :sent_at, :logged_at
		)
		ON CONFLICT(tracking_id) DO UPDATE SET
			template_key        = excluded.template_key,
			template_version    = excluded.template_version,
			account_id          = excluded.account_id,
			account_name        = excluded.account_name,
			envelope            = excluded.envelope,
			provider_message_id = excluded.provider_message_id,
			provider_thread_id  = excluded.provider_thread_id,
			sent_at             = excluded.sent_at,
			logged_at           = excluded.logged_at`,
		dispatchRow{
			TrackingID:        rec.TrackingID,
			TemplateKey:       rec.TemplateKey,
			TemplateVersion:   rec.TemplateVersion,
			AccountID:         rec.AccountID,
			AccountName:       rec.AccountName,
			Envelope:          string(envelope),
			ProviderMessageID: rec.ProviderMessageID,
			ProviderThreadID:  rec.ProviderThreadID,
			SentAt:            toNanos(rec.SentAt),
			LoggedAt:          toNanos(rec.LoggedAt),
		})
	if err != nil {
		return fmt.Errorf("upserting dispatch %s: %w", rec.TrackingID, err)
	}
	return nil
}

// Get returns the record for trackingID, or nil, nil.
func (s *DispatchStore) Get(ctx context.Context, trackingID string) (*models.DispatchRecord, error) {
	var row dispatchRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM dispatches WHERE tracking_id = ?", trackingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting dispatch %s: %w", trackingID, err)
	}
	rec, err := row.record()
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
		conditions = append(conditions, `lower(tracking_id) LIKE ? ESCAPE '\'`)
		args = append(args, models.LikePattern(filter.TrackingID))
	}
	if filter.Email != "" {
		conditions = append(conditions, `lower(envelope) LIKE ? ESCAPE '\'`)
		args = append(args, models.LikePattern(filter.Email))
	}
	args = append(args, models.EffectiveLimit(filter.Limit))

	var rows []dispatchRow
	query := "SELECT * FROM dispatches" + where(conditions) + " ORDER BY sent_at DESC LIMIT ?"
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("searching dispatches: %w", err)
	}

	out := make([]models.DispatchRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
