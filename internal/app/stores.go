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

package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/mailer/internal/accounts"
	"github.com/bcem/mailer/internal/config"
	"github.com/bcem/mailer/internal/dispatch"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/returns"
	"github.com/bcem/mailer/internal/store/postgres"
	"github.com/bcem/mailer/internal/store/sqlite"
	"github.com/bcem/mailer/internal/subscription"
)

// DispatchStore is the dispatch store with search.
type DispatchStore interface {
	dispatch.Store
	Get(ctx context.Context, trackingID string) (*models.DispatchRecord, error)
	SearchDispatches(ctx context.Context, filter models.DispatchFilter) ([]models.DispatchRecord, error)
}

// ReturnStore is the return store with search.
type ReturnStore interface {
	returns.Store
	SearchReturns(ctx context.Context, filter models.ReturnFilter) ([]models.ReturnThread, error)
}

// SubscriptionStore is what the subscription manager and webhook share.
type SubscriptionStore interface {
	subscription.Store
	TouchNotification(ctx context.Context, accountID string) error
}

// Stores groups the persistent stores of one backend.
type Stores struct {
	Dispatches    DispatchStore
	Returns       ReturnStore
	Accounts      accounts.Store
	Subscriptions SubscriptionStore
	Backend       string

	ping  func(ctx context.Context) error
	close func()
}

// Ping checks the store backend.
func (s *Stores) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.ping(ctx)
}

// Close releases the backend connection.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// OpenStores connects to Postgres when a database URL is configured and
// falls back to the SQLite file otherwise.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		stores, err := postgresStores(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		slog.Info("connected to PostgreSQL")
		return stores, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Dispatches:    db.Dispatches(),
		Returns:       db.Returns(),
		Accounts:      db.Accounts(),
		Subscriptions: db.Subscriptions(),
		Backend:       "sqlite",
		ping:          db.Ping,
		close:         func() { db.Close() },
	}, nil
}

func postgresStores(ctx context.Context, pool *pgxpool.Pool) (*Stores, error) {
	dispatches, err := postgres.NewDispatchStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initialise dispatch store: %w", err)
	}
	returnStore, err := postgres.NewReturnStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initialise return store: %w", err)
	}
	accountStore, err := postgres.NewAccountStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initialise account store: %w", err)
	}
	subs, err := postgres.NewSubscriptionStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("initialise subscription store: %w", err)
	}
	return &Stores{
		Dispatches:    dispatches,
		Returns:       returnStore,
		Accounts:      accountStore,
		Subscriptions: subs,
		Backend:       "postgres",
		ping:          pool.Ping,
		close:         pool.Close,
	}, nil
}
