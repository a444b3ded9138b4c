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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailer/internal/models"
)

// SubscriptionStore persists Graph subscription state, one row per account.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates the store and its table.
func NewSubscriptionStore(ctx context.Context, pool *pgxpool.Pool) (*SubscriptionStore, error) {
	s := &SubscriptionStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscription schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *SubscriptionStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			account_id        TEXT PRIMARY KEY,
			subscription_id   TEXT NOT NULL UNIQUE,
			mailbox           TEXT NOT NULL,
			client_state      TEXT NOT NULL,
			expires_at        TIMESTAMPTZ NOT NULL,
			last_notification TIMESTAMPTZ,
			status            TEXT DEFAULT 'active',
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subs_expires ON subscriptions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_subs_status ON subscriptions(status);
	`)
	return err
}

// Upsert inserts or updates the subscription of r.AccountID.
func (s *SubscriptionStore) Upsert(ctx context.Context, r models.Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions
			(account_id, subscription_id, mailbox, client_state, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			mailbox         = EXCLUDED.mailbox,
			client_state    = EXCLUDED.client_state,
			expires_at      = EXCLUDED.expires_at,
			status          = EXCLUDED.status,
			updated_at      = NOW()
	`, r.AccountID, r.SubscriptionID, r.Mailbox, r.ClientState, r.ExpiresAt, r.Status)
	return err
}

const subscriptionColumns = `account_id, subscription_id, mailbox, client_state, expires_at,
	last_notification, status, created_at, updated_at`

// Get returns the subscription of an account, or nil, nil.
func (s *SubscriptionStore) Get(ctx context.Context, accountID string) (*models.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1`, accountID)
	return scanSubscription(row)
}

// GetBySubscriptionID looks a subscription up by its Graph id. Used by
// lifecycle events, which only carry the subscription id.
func (s *SubscriptionStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_id = $1`, subscriptionID)
	return scanSubscription(row)
}

// ListExpiringSoon returns active subscriptions expiring within buffer.
func (s *SubscriptionStore) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active' AND expires_at < NOW() + $1::interval
		ORDER BY expires_at
	`, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Subscription
	for rows.Next() {
		r, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateExpiry records a successful renewal.
func (s *SubscriptionStore) UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = $1, updated_at = NOW()
		WHERE subscription_id = $2
	`, newExpiry, subscriptionID)
	return err
}

// MarkStatus sets the status of a subscription (active, expired, removed).
func (s *SubscriptionStore) MarkStatus(ctx context.Context, subscriptionID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE subscription_id = $2
	`, status, subscriptionID)
	return err
}

// TouchNotification updates last_notification to NOW().
func (s *SubscriptionStore) TouchNotification(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET last_notification = NOW(), updated_at = NOW()
		WHERE account_id = $1
	`, accountID)
	return err
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var r models.Subscription
	err := row.Scan(
		&r.AccountID, &r.SubscriptionID, &r.Mailbox, &r.ClientState, &r.ExpiresAt,
		&r.LastNotification, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
