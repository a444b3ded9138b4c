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
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailer/internal/models"
)

// ReturnStore persists return threads and their messages.
type ReturnStore struct {
	pool *pgxpool.Pool
}

// NewReturnStore creates the store and its tables.
func NewReturnStore(ctx context.Context, pool *pgxpool.Pool) (*ReturnStore, error) {
	s := &ReturnStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure return schema: %w", err)
	}
	slog.Info("return store initialised")
	return s, nil
}

func (s *ReturnStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS return_threads (
			tracking_key          TEXT PRIMARY KEY,
			has_valid_tracking_id BOOLEAN NOT NULL DEFAULT FALSE,
			sla_status            TEXT NOT NULL DEFAULT 'OnTrack',
			sla_status_changed_at TIMESTAMPTZ NOT NULL,
			last_follow_up_at     TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS return_messages (
			id                    BIGSERIAL PRIMARY KEY,
			tracking_key          TEXT NOT NULL REFERENCES return_threads(tracking_key) ON DELETE CASCADE,
			message_key           TEXT NOT NULL,
			provider_message_id   TEXT NOT NULL,
			has_valid_tracking_id BOOLEAN NOT NULL DEFAULT FALSE,
			account_id            TEXT NOT NULL,
			provider_type         TEXT NOT NULL DEFAULT '',
			sender_email          TEXT NOT NULL DEFAULT '',
			sender_name           TEXT NOT NULL DEFAULT '',
			subject               TEXT NOT NULL DEFAULT '',
			body_preview          TEXT NOT NULL DEFAULT '',
			classification        JSONB NOT NULL,
			received_at           TIMESTAMPTZ NOT NULL,
			conversation_id       TEXT NOT NULL DEFAULT '',
			metadata              JSONB NOT NULL DEFAULT '{}',
			UNIQUE(tracking_key, message_key)
		);
		CREATE INDEX IF NOT EXISTS idx_return_threads_updated ON return_threads(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_return_messages_sender ON return_messages(lower(sender_email));
	`)
	return err
}

func threadKey(trackingKey string) string {
	return strings.ToUpper(strings.TrimSpace(trackingKey))
}

// Get returns the thread for trackingKey, or nil, nil.
func (s *ReturnStore) Get(ctx context.Context, trackingKey string) (*models.ReturnThread, error) {
	return loadThread(ctx, s.pool, threadKey(trackingKey), false)
}

// Save merges rec into its thread inside one transaction.
func (s *ReturnStore) Save(ctx context.Context, rec models.ReturnRecord) (*models.ReturnThread, error) {
	key := threadKey(rec.TrackingKey)
	rec.TrackingKey = key

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := loadThread(ctx, tx, key, true)
	if err != nil {
		return nil, err
	}
	var thread models.ReturnThread
	if existing == nil {
		thread = models.NewThread(rec)
	} else {
		thread = existing.WithRecord(rec)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO return_threads
			(tracking_key, has_valid_tracking_id, sla_status, sla_status_changed_at,
			 last_follow_up_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tracking_key) DO UPDATE SET
			has_valid_tracking_id = return_threads.has_valid_tracking_id OR EXCLUDED.has_valid_tracking_id,
			updated_at            = GREATEST(return_threads.updated_at, EXCLUDED.updated_at)
	`, key, thread.HasValidTrackingID, string(thread.SlaStatus), thread.SlaStatusChangedAt,
		thread.LastFollowUpAt, thread.CreatedAt, thread.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert thread %s: %w", key, err)
	}

	classification, err := json.Marshal(rec.Classification)
	if err != nil {
		return nil, fmt.Errorf("marshal classification: %w", err)
	}
	metadata, err := json.Marshal(nonNil(rec.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO return_messages
			(tracking_key, message_key, provider_message_id, has_valid_tracking_id, account_id,
			 provider_type, sender_email, sender_name, subject, body_preview,
			 classification, received_at, conversation_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, $14::jsonb)
		ON CONFLICT (tracking_key, message_key) DO UPDATE SET
			provider_message_id   = EXCLUDED.provider_message_id,
			has_valid_tracking_id = EXCLUDED.has_valid_tracking_id,
			account_id            = EXCLUDED.account_id,
			provider_type         = EXCLUDED.provider_type,
			sender_email          = EXCLUDED.sender_email,
			sender_name           = EXCLUDED.sender_name,
			subject               = EXCLUDED.subject,
			body_preview          = EXCLUDED.body_preview,
			classification        = EXCLUDED.classification,
			received_at           = EXCLUDED.received_at,
			conversation_id       = EXCLUDED.conversation_id,
			metadata              = EXCLUDED.metadata
	`, key, strings.ToLower(rec.ProviderMessageID), rec.ProviderMessageID, rec.HasValidTrackingID, rec.AccountID,
		string(rec.ProviderType), rec.Sender.Email, rec.Sender.Name, rec.Subject, rec.BodyPreview,
		string(classification), rec.ReceivedAt, rec.ConversationID, string(metadata)); err != nil {
		return nil, fmt.Errorf("upsert message %s: %w", rec.ProviderMessageID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit return %s: %w", key, err)
	}
	return &thread, nil
}

// List returns every thread, most recently updated first.
func (s *ReturnStore) List(ctx context.Context) ([]models.ReturnThread, error) {
	return s.SearchReturns(ctx, models.ReturnFilter{Limit: -1})
}

// SearchReturns returns threads matching filter, most recently updated
// first. Status matches the latest message of the thread. A negative
// limit returns every match.
func (s *ReturnStore) SearchReturns(ctx context.Context, filter models.ReturnFilter) ([]models.ReturnThread, error) {
	var conditions []string
	var args []any
	if filter.TrackingKey != "" {
		args = append(args, models.LikePattern(filter.TrackingKey))
		conditions = append(conditions, fmt.Sprintf("lower(t.tracking_key) LIKE $%d", len(args)))
	}
	if filter.Email != "" {
		args = append(args, models.LikePattern(filter.Email))
		conditions = append(conditions, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM return_messages m WHERE m.tracking_key = t.tracking_key AND lower(m.sender_email) LIKE $%d)", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf(
			`(SELECT m.classification->>'status' FROM return_messages m
			  WHERE m.tracking_key = t.tracking_key ORDER BY m.received_at DESC, m.id DESC LIMIT 1) = $%d`, len(args)))
	}
	query := `SELECT ` + threadColumns + ` FROM return_threads t` + where(conditions) + ` ORDER BY t.updated_at DESC`
	if filter.Limit >= 0 {
		args = append(args, models.EffectiveLimit(filter.Limit))
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search returns: %w", err)
	}
	var threads []models.ReturnThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		threads = append(threads, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range threads {
		msgs, err := loadMessages(ctx, s.pool, threads[i].TrackingKey)
		if err != nil {
			return nil, err
		}
		threads[i].Messages = msgs
	}
	return threads, nil
}

// UpdateSlaStatus sets the SLA tier of a thread.
func (s *ReturnStore) UpdateSlaStatus(ctx context.Context, trackingKey string, status models.SlaStatus, at time.Time) (*models.ReturnThread, error) {
	return s.update(ctx, trackingKey, `
		UPDATE return_threads SET sla_status = $2, sla_status_changed_at = $3
		WHERE tracking_key = $1
	`, string(status), at)
}

// UpdateFollowUp records when the last follow-up was sent.
func (s *ReturnStore) UpdateFollowUp(ctx context.Context, trackingKey string, at time.Time) (*models.ReturnThread, error) {
	return s.update(ctx, trackingKey, `
		UPDATE return_threads SET last_follow_up_at = $2 WHERE tracking_key = $1
	`, at)
}

func (s *ReturnStore) update(ctx context.Context, trackingKey, sql string, args ...any) (*models.ReturnThread, error) {
	key := threadKey(trackingKey)
	tag, err := s.pool.Exec(ctx, sql, append([]any{key}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("update thread %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("thread %s: %w", key, models.ErrNotFound)
	}
	return loadThread(ctx, s.pool, key, false)
}

const threadColumns = `t.tracking_key, t.has_valid_tracking_id, t.sla_status, t.sla_status_changed_at,
	t.last_follow_up_at, t.created_at, t.updated_at`

func loadThread(ctx context.Context, q querier, key string, forUpdate bool) (*models.ReturnThread, error) {
	query := `SELECT ` + threadColumns + ` FROM return_threads t WHERE t.tracking_key = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanThread(q.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", key, err)
	}
	msgs, err := loadMessages(ctx, q, key)
	if err != nil {
		return nil, err
	}
	t.Messages = msgs
	return &t, nil
}

func scanThread(row pgx.Row) (models.ReturnThread, error) {
	var t models.ReturnThread
	var sla string
	if err := row.Scan(
		&t.TrackingKey, &t.HasValidTrackingID, &sla, &t.SlaStatusChangedAt,
		&t.LastFollowUpAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return t, err
	}
	t.SlaStatus = models.SlaStatus(sla)
	t.SlaStatusChangedAt = t.SlaStatusChangedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.LastFollowUpAt != nil {
		at := t.LastFollowUpAt.UTC()
		t.LastFollowUpAt = &at
	}
	return t, nil
}

func loadMessages(ctx context.Context, q querier, key string) ([]models.ReturnRecord, error) {
	rows, err := q.Query(ctx, `
		SELECT tracking_key, provider_message_id, has_valid_tracking_id, account_id, provider_type,
		       sender_email, sender_name, subject, body_preview, classification,
		       received_at, conversation_id, metadata
		FROM return_messages
		WHERE tracking_key = $1
		ORDER BY received_at, id
	`, key)
	if err != nil {
		return nil, fmt.Errorf("load messages of %s: %w", key, err)
	}
	defer rows.Close()

	var out []models.ReturnRecord
	for rows.Next() {
		var r models.ReturnRecord
		var providerType string
		var classification, metadata []byte
		if err := rows.Scan(
			&r.TrackingKey, &r.ProviderMessageID, &r.HasValidTrackingID, &r.AccountID, &providerType,
			&r.Sender.Email, &r.Sender.Name, &r.Subject, &r.BodyPreview, &classification,
			&r.ReceivedAt, &r.ConversationID, &metadata,
		); err != nil {
			return nil, err
		}
		r.ProviderType = models.ProviderType(providerType)
		r.ReceivedAt = r.ReceivedAt.UTC()
		if err := json.Unmarshal(classification, &r.Classification); err != nil {
			return nil, fmt.Errorf("unmarshal classification of %s: %w", r.ProviderMessageID, err)
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata of %s: %w", r.ProviderMessageID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
