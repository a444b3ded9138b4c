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

package models

import (
	"strings"
	"time"
)

// DefaultSearchLimit caps search results when the filter sets no limit.
const DefaultSearchLimit = 50

// DispatchFilter narrows SearchDispatches. String fields match as
// case-insensitive substrings; empty fields match everything.
type DispatchFilter struct {
	TrackingID string
	Email      string
	Limit      int
}

// ReturnFilter narrows SearchReturns.
type ReturnFilter struct {
	TrackingKey string
	Email       string
	Status      ReturnStatus
	Limit       int
}

// EffectiveLimit returns limit, or DefaultSearchLimit when it is not positive.
func EffectiveLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return limit
}

// LikePattern builds a %substring% pattern for case-insensitive LIKE
// queries, escaping the wildcards in s with a backslash.
func LikePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(s))) + "%"
}

// Subscription statuses.
const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
	SubscriptionRemoved = "removed"
)

// Subscription is the Graph change-notification subscription of one account.
type Subscription struct {
	AccountID        string
	SubscriptionID   string
	Mailbox          string
	ClientState      string
	ExpiresAt        time.Time
	Status           string
	LastNotification *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
