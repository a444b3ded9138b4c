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
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bcem/mailer/internal/models"
)

// ReturnStore persists return threads and their messages.
type ReturnStore struct {
	db *sqlx.DB
}

type threadRow struct {
	TrackingKey        string `db:"tracking_key"`
	HasValidTrackingID bool   `db:"has_valid_tracking_id"`
	SlaStatus          string `db:"sla_status"`
	SlaStatusChangedAt int64  `db:"sla_status_changed_at"`
	LastFollowUpAt     *int64 `db:"last_follow_up_at"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

type messageRow struct {
	ID                 int64  `db:"id"`
	TrackingKey        string `db:"tracking_key"`
	MessageKey         string `db:"message_key"`
	ProviderMessageID  string `db:"provider_message_id"`
	HasValidTrackingID bool   `db:"has_valid_tracking_id"`
	AccountID          string `db:"account_id"`
	ProviderType       string `db:"provider_type"`
	SenderEmail        string `db:"sender_email"`
	SenderName         string `db:"sender_name"`
	Subject            string `db:"subject"`
	BodyPreview        string `db:"body_preview"`
	Status             string `db:"status"`
	Classification     string `db:"classification"`
	ReceivedAt         int64  `db:"received_at"`
	ConversationID     string `db:"conversation_id"`
	Metadata           string `db:"metadata"`
}

func (r messageRow) record() (models.ReturnRecord, error) {
	rec := models.ReturnRecord{
		TrackingKey:        r.TrackingKey,
		HasValidTrackingID: r.HasValidTrackingID,
		ProviderMessageID:  r.ProviderMessageID,
		AccountID:          r.AccountID,
		ProviderType:       models.ProviderType(r.ProviderType),
		Sender:             models.Address{Email: r.SenderEmail, Name: r.SenderName},
		Subject:            r.Subject,
		BodyPreview:        r.BodyPreview,
		ReceivedAt:         fromNanos(r.ReceivedAt),
		ConversationID:     r.ConversationID,
	}
	if err := json.Unmarshal([]byte(r.Classification), &rec.Classification); err != nil {
		return rec, fmt.Errorf("unmarshaling classification of %s: %w", r.ProviderMessageID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &rec.Metadata); err != nil {
		return rec, fmt.Errorf("unmarshaling metadata of %s: %w", r.ProviderMessageID, err)
	}
	return rec, nil
}

func threadKey(trackingKey string) string {
	return strings.ToUpper(strings.TrimSpace(trackingKey))
}

// Get returns the thread for trackingKey, or nil, nil.
func (s *ReturnStore) Get(ctx context.Context, trackingKey string) (*models.ReturnThread, error) {
	return loadThread(ctx, s.db, threadKey(trackingKey))
}

// Save merges rec into its thread inside one transaction.
func (s *ReturnStore) Save(ctx context.Context, rec models.ReturnRecord) (*models.ReturnThread, error) {
	key := threadKey(rec.TrackingKey)
	rec.TrackingKey = key

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := loadThread(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	var thread models.ReturnThread
	if existing == nil {
		thread = models.NewThread(rec)
	} else {
		thread = existing.WithRecord(rec)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO return_threads (
			tracking_key, has_valid_tracking_id, sla_status, sla_status_changed_at,
			last_follow_up_at, created_at, updated_at
		) VALUES (
			:tracking_key, :has_valid_tracking_id, :sla_status, :sla_status_changed_at,
			:last_follow_up_at, :created_at, :updated_at
		)
		ON CONFLICT(tracking_key) DO UPDATE SET
			has_valid_tracking_id = excluded.has_valid_tracking_id,
			updated_at            = excluded.updated_at`,
		threadRow{
			TrackingKey:        key,
			HasValidTrackingID: thread.HasValidTrackingID,
			SlaStatus:          string(thread.SlaStatus),
			SlaStatusChangedAt: toNanos(thread.SlaStatusChangedAt),
			LastFollowUpAt:     toNullNanos(thread.LastFollowUpAt),
			CreatedAt:          toNanos(thread.CreatedAt),
			UpdatedAt:          toNanos(thread.UpdatedAt),
		}); err != nil {
		return nil, fmt.Errorf("upserting thread %s: %w", key, err)
	}

	classification, err := json.Marshal(rec.Classification)
	if err != nil {
		return nil, fmt.Errorf("marshaling classification: %w", err)
	}
	metadata := []byte("{}")
	if rec.Metadata != nil {
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("marshaling metadata: %w", err)
		}
	}
	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO return_messages (
			tracking_key, message_key, provider_message_id, has_valid_tracking_id, account_id,
			provider_type, sender_email, sender_name, subject, body_preview,
			status, classification, received_at, conversation_id, metadata
		) VALUES (
			:tracking_key, :message_key, :provider_message_id, :has_valid_tracking_id, :account_id,
			:provider_type, :sender_email, :sender_name, :subject, :body_preview,
			:status, :classification, :received_at, :conversation_id, :metadata
		)
		ON CONFLICT(tracking_key, message_key) DO UPDATE SET
			provider_message_id   = excluded.provider_message_id,
			has_valid_tracking_id = excluded.has_valid_tracking_id,
			account_id            = excluded.account_id,
			provider_type         = excluded.provider_type,
			sender_email          = excluded.sender_email,
			sender_name           = excluded.sender_name,
			subject               = excluded.subject,
			body_preview          = excluded.body_preview,
			status                = excluded.status,
			classification        = excluded.classification,
			received_at           = excluded.received_at,
			conversation_id       = excluded.conversation_id,
			metadata              = excluded.metadata`,
		messageRow{
			TrackingKey:        key,
			MessageKey:         strings.ToLower(rec.ProviderMessageID),
			ProviderMessageID:  rec.ProviderMessageID,
			HasValidTrackingID: rec.HasValidTrackingID,
			AccountID:          rec.AccountID,
			ProviderType:       string(rec.ProviderType),
			SenderEmail:        rec.Sender.Email,
			SenderName:         rec.Sender.Name,
			Subject:            rec.Subject,
			BodyPreview:        rec.BodyPreview,
			Status:             string(rec.Classification.Status),
			Classification:     string(classification),
			ReceivedAt:         toNanos(rec.ReceivedAt),
			ConversationID:     rec.ConversationID,
			Metadata:           string(metadata),
		}); err != nil {
		return nil, fmt.Errorf("upserting message %s: %w", rec.ProviderMessageID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing return %s: %w", key, err)
	}
	return &thread, nil
}

// List returns every thread, most recently updated first.
func (s *ReturnStore) List(ctx context.Context) ([]models.ReturnThread, error) {
	return s.SearchReturns(ctx, models.ReturnFilter{Limit: -1})
}

// SearchReturns returns threads matching filter, most recently updated
// first. Status matches the latest message of the thread. A negative limit
// returns every match.
func (s *ReturnStore) SearchReturns(ctx context.Context, filter models.ReturnFilter) ([]models.ReturnThread, error) {
	var conditions []string
	var args []any
	if filter.TrackingKey != "" {
		conditions = append(conditions, `lower(t.tracking_key) LIKE ? ESCAPE '\'`)
		args = append(args, models.LikePattern(filter.TrackingKey))
	}
	if filter.Email != "" {
		conditions = append(conditions, `EXISTS (SELECT 1 FROM return_messages m
			WHERE m.tracking_key = t.tracking_key AND lower(m.sender_email) LIKE ? ESCAPE '\')`)
		args = append(args, models.LikePattern(filter.Email))
	}
	if filter.Status != "" {
		conditions = append(conditions, `(SELECT m.status FROM return_messages m
			WHERE m.tracking_key = t.tracking_key ORDER BY m.received_at DESC, m.id DESC LIMIT 1) = ?`)
		args = append(args, string(filter.Status))
	}
	query := "SELECT t.* FROM return_threads t" + where(conditions) + " ORDER BY t.updated_at DESC"
	if filter.Limit >= 0 {
		query += " LIMIT ?"
		args = append(args, models.EffectiveLimit(filter.Limit))
	}

	var rows []threadRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("searching returns: %w", err)
	}

	out := make([]models.ReturnThread, 0, len(rows))
	for _, r := range rows {
		msgs, err := loadMessages(ctx, s.db, r.TrackingKey)
		if err != nil {
			return nil, err
		}
		out = append(out, r.thread(msgs))
	}
	return out, nil
}

// UpdateSlaStatus sets the SLA tier of a thread.
func (s *ReturnStore) UpdateSlaStatus(ctx context.Context, trackingKey string, status models.SlaStatus, at time.Time) (*models.ReturnThread, error) {
	return s.update(ctx, trackingKey,
		"UPDATE return_threads SET sla_status = ?, sla_status_changed_at = ? WHERE tracking_key = ?",
		string(status), toNanos(at))
}

// UpdateFollowUp records when the last follow-up was sent.
func (s *ReturnStore) UpdateFollowUp(ctx context.Context, trackingKey string, at time.Time) (*models.ReturnThread, error) {
	return s.update(ctx, trackingKey,
		"UPDATE return_threads SET last_follow_up_at = ? WHERE tracking_key = ?",
		toNanos(at))
}

func (s *ReturnStore) update(ctx context.Context, trackingKey, query string, args ...any) (*models.ReturnThread, error) {
	key := threadKey(trackingKey)
	res, err := s.db.ExecContext(ctx, query, append(args, key)...)
	if err != nil {
		return nil, fmt.Errorf("updating thread %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("thread %s: %w", key, models.ErrNotFound)
	}
	return loadThread(ctx, s.db, key)
}

func (r threadRow) thread(msgs []models.ReturnRecord) models.ReturnThread {
	return models.ReturnThread{
		TrackingKey:        r.TrackingKey,
		HasValidTrackingID: r.HasValidTrackingID,
		Messages:           msgs,
		SlaStatus:          models.SlaStatus(r.SlaStatus),
		SlaStatusChangedAt: fromNanos(r.SlaStatusChangedAt),
		CreatedAt:          fromNanos(r.CreatedAt),
		UpdatedAt:          fromNanos(r.UpdatedAt),
		LastFollowUpAt:     fromNullNanos(r.LastFollowUpAt),
	}
}

func loadThread(ctx context.Context, q sqlx.QueryerContext, key string) (*models.ReturnThread, error) {
	var row threadRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT * FROM return_threads WHERE tracking_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", key, err)
	}
	msgs, err := loadMessages(ctx, q, key)
	if err != nil {
		return nil, err
	}
	t := row.thread(msgs)
	return &t, nil
}

func loadMessages(ctx context.Context, q sqlx.QueryerContext, key string) ([]models.ReturnRecord, error) {
	var rows []messageRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		"SELECT * FROM return_messages WHERE tracking_key = ? ORDER BY received_at, id", key); err != nil {
		return nil, fmt.Errorf("loading messages of %s: %w", key, err)
	}
	out := make([]models.ReturnRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
