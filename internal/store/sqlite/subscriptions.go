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
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bcem/mailer/internal/models"
)

// SubscriptionStore persists Graph subscription state, one row per account.
type SubscriptionStore struct {
	db *sqlx.DB
}

type subscriptionRow struct {
	AccountID        string `db:"account_id"`
	SubscriptionID   string `db:"subscription_id"`
	Mailbox          string `db:"mailbox"`
	ClientState      string `db:"client_state"`
	ExpiresAt        int64  `db:"expires_at"`
	LastNotification *int64 `db:"last_notification"`
	Status           string `db:"status"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r subscriptionRow) subscription() models.Subscription {
	return models.Subscription{
		AccountID:        r.AccountID,
		SubscriptionID:   r.SubscriptionID,
		Mailbox:          r.Mailbox,
		ClientState:      r.ClientState,
		ExpiresAt:        fromNanos(r.ExpiresAt),
		LastNotification: fromNullNanos(r.LastNotification),
		Status:           r.Status,
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
	}
}

// Upsert inserts or updates the subscription of r.AccountID.
func (s *SubscriptionStore) Upsert(ctx context.Context, r models.Subscription) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
			(account_id, subscription_id, mailbox, client_state, expires_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			subscription_id = excluded.subscription_id,
			mailbox         = excluded.mailbox,
			client_state    = excluded.client_state,
			expires_at      = excluded.expires_at,
			status          = excluded.status,
			updated_at      = excluded.updated_at`,
		r.AccountID, r.SubscriptionID, r.Mailbox, r.ClientState, toNanos(r.ExpiresAt), r.Status, now, now)
	if err != nil {
		return fmt.Errorf("upserting subscription of %s: %w", r.AccountID, err)
	}
	return nil
}

// Get returns the subscription of an account, or nil, nil.
func (s *SubscriptionStore) Get(ctx context.Context, accountID string) (*models.Subscription, error) {
	return s.getBy(ctx, "account_id", accountID)
}

// GetBySubscriptionID looks a subscription up by its Graph id.
func (s *SubscriptionStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	return s.getBy(ctx, "subscription_id", subscriptionID)
}

func (s *SubscriptionStore) getBy(ctx context.Context, column, value string) (*models.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM subscriptions WHERE "+column+" = ?", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting subscription by %s: %w", column, err)
	}
	sub := row.subscription()
	return &sub, nil
}

// ListExpiringSoon returns active subscriptions expiring within buffer.
func (s *SubscriptionStore) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]models.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM subscriptions WHERE status = ? AND expires_at < ? ORDER BY expires_at",
		models.SubscriptionActive, time.Now().Add(buffer).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing expiring subscriptions: %w", err)
	}
	out := make([]models.Subscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.subscription())
	}
	return out, nil
}

// UpdateExpiry records a successful renewal.
func (s *SubscriptionStore) UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET expires_at = ?, updated_at = ? WHERE subscription_id = ?",
		toNanos(newExpiry), time.Now().UnixNano(), subscriptionID)
	return err
}

// MarkStatus sets the status of a subscription (active, expired, removed).
func (s *SubscriptionStore) MarkStatus(ctx context.Context, subscriptionID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = ?, updated_at = ? WHERE subscription_id = ?",
		status, time.Now().UnixNano(), subscriptionID)
	return err
}

// TouchNotification records the time of the latest notification.
func (s *SubscriptionStore) TouchNotification(ctx context.Context, accountID string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET last_notification = ?, updated_at = ? WHERE account_id = ?",
		now, now, accountID)
	return err
}
