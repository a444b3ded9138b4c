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

// Package dedup provides Redis-backed idempotency guards. Filter remembers
// inbound message ids so the webhook, poller and backfill paths never feed
// the same reply twice; SendGuard claims a tracking id while it is being
// sent so a preview cannot be delivered twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen inbound message.
	// The poller lookback defaults to 24h, so a week is safe.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultSendTTL is how long a delivered tracking id stays claimed.
	DefaultSendTTL = 30 * 24 * time.Hour

	seenPrefix = "mailer:seen:"
	sendPrefix = "mailer:sent:"
)

// Filter checks whether an inbound message has been seen before.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if this id has not been seen before and marks it as
// seen. It uses SET NX so concurrent callers agree on a single winner.
func (f *Filter) IsNew(ctx context.Context, id string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, seenPrefix+id, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget drops a seen marker so the message can be ingested again.
func (f *Filter) Forget(ctx context.Context, id string) error {
	if err := f.rdb.Del(ctx, seenPrefix+id).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// SendGuard claims tracking ids for the duration of a send.
type SendGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSendGuard creates a send guard. A zero ttl uses DefaultSendTTL.
func NewSendGuard(rdb *redis.Client, ttl time.Duration) *SendGuard {
	if ttl <= 0 {
		ttl = DefaultSendTTL
	}
	return &SendGuard{rdb: rdb, ttl: ttl}
}

// Claim marks trackingID as being sent. It returns false when another
// caller already holds or completed the claim.
func (g *SendGuard) Claim(ctx context.Context, trackingID string) (bool, error) {
	set, err := g.rdb.SetNX(ctx, sendPrefix+trackingID, time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("send guard SETNX: %w", err)
	}
	return set, nil
}

// Release drops the claim after a failed send so the caller may retry.
func (g *SendGuard) Release(ctx context.Context, trackingID string) error {
	if err := g.rdb.Del(ctx, sendPrefix+trackingID).Err(); err != nil {
		return fmt.Errorf("send guard DEL: %w", err)
	}
	return nil
}
