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

// Package backfill ingests historical replies by listing each account's
// inbox since a point in time and running every message through the
// regular ingestion path.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailer/internal/inbound"
	"github.com/bcem/mailer/internal/provider"
)

// DefaultLookback is used when a request or catch-up names no start.
const DefaultLookback = 24 * time.Hour

// ErrNoInbox is returned for accounts whose provider cannot list mail.
var ErrNoInbox = errors.New("provider cannot list its inbox")

// Request defines the scope of a historical ingestion run.
type Request struct {
	AccountIDs []string
	Since      time.Duration // lookback window (e.g. 168h = 1 week)
	From       time.Time     // overrides Since when set
}

// Result summarises a completed backfill run.
type Result struct {
	AccountResults []AccountResult
	TotalNew       int
	TotalSkipped   int
	TotalErrors    int
	Elapsed        time.Duration
}

// AccountResult tracks per-account backfill progress.
type AccountResult struct {
	AccountID string
	Fetched   int
	Processed int
	Skipped   int
	Errors    int
	Err       error
}

// Runner performs historical backfill.
type Runner struct {
	resolver inbound.Resolver
	ingestor *inbound.Ingestor
	lookback time.Duration
	now      func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Resolver inbound.Resolver
	Ingestor *inbound.Ingestor
	Lookback time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Runner{
		resolver: cfg.Resolver,
		ingestor: cfg.Ingestor,
		lookback: lookback,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run performs the backfill for all requested accounts. A failing account
// is recorded in its result and the run continues with the next one.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if len(req.AccountIDs) == 0 {
		return nil, fmt.Errorf("backfill: no accounts requested")
	}

	start := time.Now()
	since := req.From
	if since.IsZero() {
		window := req.Since
		if window <= 0 {
			window = r.lookback
		}
		since = r.now().Add(-window)
	}

	slog.Info("starting historical backfill",
		"accounts", len(req.AccountIDs),
		"since", since.Format(time.RFC3339),
	)

	result := &Result{}
	for _, accountID := range req.AccountIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		ar, err := r.backfillAccount(ctx, accountID, since)
		if err != nil {
			slog.Error("backfill failed for account",
				"account", accountID,
				"error", err,
			)
			ar.Err = err
			ar.Errors++
		}

		result.AccountResults = append(result.AccountResults, ar)
		result.TotalNew += ar.Processed
		result.TotalSkipped += ar.Skipped
		result.TotalErrors += ar.Errors
	}

	result.Elapsed = time.Since(start)

	slog.Info("historical backfill complete",
		"total_new", result.TotalNew,
		"total_skipped", result.TotalSkipped,
		"total_errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// CatchUp backfills one account after a notification gap. A zero since
// falls back to the runner's lookback.
func (r *Runner) CatchUp(ctx context.Context, accountID string, since time.Time) {
	if since.IsZero() {
		since = r.now().Add(-r.lookback)
	}
	if _, err := r.Run(ctx, Request{AccountIDs: []string{accountID}, From: since}); err != nil {
		slog.Error("catch-up backfill failed", "account", accountID, "error", err)
	}
}

// backfillAccount lists and ingests historical messages for one account.
func (r *Runner) backfillAccount(ctx context.Context, accountID string, since time.Time) (AccountResult, error) {
	ar := AccountResult{AccountID: accountID}

	dc, err := r.resolver.Resolve(ctx, accountID)
	if err != nil {
		return ar, fmt.Errorf("resolving account: %w", err)
	}
	reader, ok := dc.Provider.(provider.InboxReader)
	if !ok {
		return ar, fmt.Errorf("%s: %w", dc.Account.Provider.Type, ErrNoInbox)
	}

	slog.Info("backfilling account inbox",
		"account", accountID,
		"since", since.Format(time.RFC3339),
	)

	msgs, err := reader.ListInbox(ctx, since)
	if err != nil {
		return ar, fmt.Errorf("listing inbox: %w", err)
	}

	counts, _ := r.ingestor.IngestAll(ctx, dc.Account, msgs)
	ar.Fetched = counts.Fetched
	ar.Processed = counts.Processed
	ar.Skipped = counts.Skipped
	ar.Errors = counts.Errors

	slog.Info("account backfill complete",
		"account", accountID,
		"fetched", ar.Fetched,
		"processed", ar.Processed,
		"skipped", ar.Skipped,
		"errors", ar.Errors,
	)

	return ar, nil
}
