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

package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

const (
	// DefaultPollInterval is how often the poller reads each inbox.
	DefaultPollInterval = 60 * time.Second

	// DefaultLookback bounds the first read of an inbox.
	DefaultLookback = 24 * time.Hour

	maxConcurrentAccounts = 4
)

// Resolver binds an account id to its live provider.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (*provider.DispatchContext, error)
}

// PollerConfig holds the poller settings.
type PollerConfig struct {
	AccountIDs []string
	Interval   time.Duration
	Lookback   time.Duration
}

// AccountResult is the outcome of one poll of one account.
type AccountResult struct {
	AccountID string
	Counts
	Err error
}

// Poller reads the inbox of each watched account on an interval and feeds
// new messages to the ingestor. Providers that cannot list their inbox are
// skipped.
type Poller struct {
	resolver Resolver
	ingestor *Ingestor
	cfg      PollerConfig
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewPoller creates an inbox poller.
func NewPoller(resolver Resolver, ingestor *Ingestor, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Poller{
		resolver: resolver,
		ingestor: ingestor,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		lastSeen: make(map[string]time.Time),
	}
}

// Run polls once immediately and then on every tick. It blocks until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("inbox poller starting",
		"accounts", p.cfg.AccountIDs,
		"interval", p.cfg.Interval,
		"lookback", p.cfg.Lookback,
	)

	p.PollOnce(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("inbox poller stopping")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce reads every watched account once, a few accounts at a time.
// Results follow the order of the configured account ids.
func (p *Poller) PollOnce(ctx context.Context) []AccountResult {
	pass := uuid.NewString()
	results := make([]AccountResult, len(p.cfg.AccountIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentAccounts)
	for idx, id := range p.cfg.AccountIDs {
		g.Go(func() error {
			res := p.pollAccount(gctx, id)
			if res.Err != nil {
				slog.Error("inbox poll failed", "pass", pass, "account", id, "error", res.Err)
			} else if res.Fetched > 0 {
				slog.Info("inbox polled",
					"pass", pass,
					"account", id,
					"fetched", res.Fetched,
					"processed", res.Processed,
					"skipped", res.Skipped,
					"errors", res.Errors,
				)
			}
			results[idx] = res
			// Failures stay per account so one bad mailbox never stops the pass.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Poller) pollAccount(ctx context.Context, accountID string) AccountResult {
	res := AccountResult{AccountID: accountID}

	dc, err := p.resolver.Resolve(ctx, accountID)
	if err != nil {
		res.Err = fmt.Errorf("resolving account: %w", err)
		return res
	}
	reader, ok := dc.Provider.(provider.InboxReader)
	if !ok {
		slog.Debug("provider cannot list inbox", "account", accountID, "provider", dc.Account.Provider.Type)
		return res
	}

	since := p.since(accountID)
	msgs, err := reader.ListInbox(ctx, since)
	if err != nil {
		res.Err = fmt.Errorf("listing inbox since %s: %w", since.Format(time.RFC3339), err)
		return res
	}

	counts, resume := p.ingestor.IngestAll(ctx, dc.Account, sortedByReceipt(msgs))
	res.Counts = counts
	if !resume.IsZero() {
		p.advance(accountID, resume)
	}
	return res
}

// since returns the lower bound of the next read. The bound is inclusive,
// so the newest message of the previous pass is listed again and dropped
// by the dedup filter.
func (p *Poller) since(accountID string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.lastSeen[accountID]; ok {
		return t
	}
	return p.now().Add(-p.cfg.Lookback)
}

func (p *Poller) advance(accountID string, t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.After(p.lastSeen[accountID]) {
		p.lastSeen[accountID] = t
	}
}

func sortedByReceipt(msgs []models.InboundMessage) []models.InboundMessage {
	out := append([]models.InboundMessage(nil), msgs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}
