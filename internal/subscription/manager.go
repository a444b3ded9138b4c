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

// Package subscription keeps a Microsoft Graph change-notification
// subscription alive for every Graph account that asks for webhook
// delivery. It creates missing subscriptions, renews them before they
// expire and recreates them when Graph drops them.
package subscription

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

// Maximum subscription lifetime for messages is 4230 minutes (~2.94 days).
const maxSubscriptionMinutes = 4230

// DefaultRenewBuffer is how long before expiry a subscription is renewed.
const DefaultRenewBuffer = 2 * time.Hour

// WebhookSetting is the Graph account setting that opts into push delivery.
const WebhookSetting = "webhook"

var errNotGraph = errors.New("account provider is not a Graph mailbox")

// Store persists subscription state, one subscription per account.
type Store interface {
	Upsert(ctx context.Context, sub models.Subscription) error
	Get(ctx context.Context, accountID string) (*models.Subscription, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]models.Subscription, error)
	UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error
	MarkStatus(ctx context.Context, subscriptionID, status string) error
}

// Resolver binds an account id to its live provider.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (*provider.DispatchContext, error)
}

// GraphMailbox is the part of the Graph provider the manager talks
// through. The authorized client is reused for subscription calls.
type GraphMailbox interface {
	HTTPClient() *http.Client
	BaseURL() string
	Mailbox() string
}

// Watches reports whether account wants Graph push notifications.
func Watches(account models.Account) bool {
	return account.Provider.Type == models.ProviderGraph &&
		provider.SettingBool(account.Provider.Settings, WebhookSetting, false)
}

// Manager handles creation, renewal, and recovery of per-account Graph
// subscriptions. It runs a background renewal loop and responds to
// lifecycle notifications.
type Manager struct {
	store       Store
	resolver    Resolver
	accountIDs  []string
	webhookURL  string
	renewBuffer time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnGapDetected is called when notifications may have been lost for an
	// account, with the time from which its inbox should be re-read. A zero
	// time means the last notification is unknown.
	OnGapDetected func(ctx context.Context, accountID string, since time.Time)
}

// ManagerConfig holds the configuration for the manager. Only the accounts
// for which Watches is true are managed.
type ManagerConfig struct {
	Store       Store
	Resolver    Resolver
	Accounts    []models.Account
	WebhookURL  string
	RenewBuffer time.Duration
}

// NewManager creates a new subscription manager.
func NewManager(cfg ManagerConfig) *Manager {
	var ids []string
	for _, a := range cfg.Accounts {
		if Watches(a) {
			ids = append(ids, a.ID)
		}
	}
	buffer := cfg.RenewBuffer
	if buffer <= 0 {
		buffer = DefaultRenewBuffer
	}
	return &Manager{
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		accountIDs:  ids,
		webhookURL:  strings.TrimRight(cfg.WebhookURL, "/"),
		renewBuffer: buffer,
	}
}

// AccountIDs returns the managed accounts.
func (m *Manager) AccountIDs() []string {
	return append([]string(nil), m.accountIDs...)
}

// Start ensures a subscription exists for every managed account and starts
// the renewal loop. Failures for one account are logged and do not stop
// the others.
func (m *Manager) Start(ctx context.Context) error {
	if len(m.accountIDs) > 0 && m.webhookURL == "" {
		return fmt.Errorf("webhook URL is required for %d Graph webhook accounts", len(m.accountIDs))
	}

	m.ensureAll(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("subscription manager started",
		"accounts", len(m.accountIDs),
		"renewal_interval", m.renewalInterval(),
	)
	return nil
}

// Stop gracefully shuts down the renewal loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("subscription manager stopped")
}

func (m *Manager) ensureAll(ctx context.Context) {
	for _, id := range m.accountIDs {
		if err := m.ensureSubscription(ctx, id); err != nil {
			slog.Error("failed to ensure subscription", "account", id, "error", err)
		}
	}
}

// ensureSubscription creates the account's subscription when none is
// active, or renews it when it is about to expire.
func (m *Manager) ensureSubscription(ctx context.Context, accountID string) error {
	existing, err := m.store.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("check existing subscription: %w", err)
	}

	if existing != nil && existing.Status == models.SubscriptionActive {
		if time.Until(existing.ExpiresAt) < m.renewBuffer {
			slog.Info("renewing near-expiry subscription",
				"account", accountID,
				"expires_in", time.Until(existing.ExpiresAt).Round(time.Minute),
			)
			return m.renewSubscription(ctx, *existing)
		}
		slog.Debug("subscription already active",
			"account", accountID,
			"expires_at", existing.ExpiresAt,
		)
		return nil
	}

	mailbox, err := m.mailbox(ctx, accountID)
	if err != nil {
		return err
	}
	slog.Info("creating subscription", "account", accountID, "mailbox", mailbox.Mailbox())

	if err := m.createSubscription(ctx, accountID, mailbox); err != nil {
		return err
	}

	var lastNotification *time.Time
	if existing != nil {
		lastNotification = existing.LastNotification
	}
	m.catchUp(ctx, accountID, lastNotification)
	return nil
}

// catchUp reports a gap for mail that arrived while no subscription was
// active.
func (m *Manager) catchUp(ctx context.Context, accountID string, lastNotification *time.Time) {
	if m.OnGapDetected == nil {
		return
	}
	var since time.Time
	if lastNotification != nil {
		since = *lastNotification
	}
	go m.OnGapDetected(context.WithoutCancel(ctx), accountID, since)
}

func (m *Manager) mailbox(ctx context.Context, accountID string) (GraphMailbox, error) {
	dc, err := m.resolver.Resolve(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolving account %s: %w", accountID, err)
	}
	mb, ok := dc.Provider.(GraphMailbox)
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, errNotGraph)
	}
	return mb, nil
}

// graphSubscription is the Graph subscription entity as sent and returned.
type graphSubscription struct {
	ID                       string    `json:"id,omitempty"`
	ChangeType               string    `json:"changeType,omitempty"`
	NotificationURL          string    `json:"notificationUrl,omitempty"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	Resource                 string    `json:"resource,omitempty"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ClientState              string    `json:"clientState,omitempty"`
}

// errSubscriptionGone is returned when Graph answers 404 for a subscription.
var errSubscriptionGone = errors.New("subscription no longer exists in Graph")

// callGraph sends in to path and decodes the entity Graph returns. An empty
// response body leaves the result zero.
func callGraph(ctx context.Context, mb GraphMailbox, method, path string, in graphSubscription, wantStatus int) (graphSubscription, error) {
	var out graphSubscription

	body, err := json.Marshal(in)
	if err != nil {
		return out, fmt.Errorf("marshal subscription body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, mb.BaseURL()+path, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := mb.HTTPClient().Do(req)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case wantStatus:
	case http.StatusNotFound:
		return out, errSubscriptionGone
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("%s %s returned HTTP %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("decode subscription response: %w", err)
	}
	return out, nil
}

// createSubscription subscribes to new messages in the inbox of the
// account's mailbox and stores the result.
func (m *Manager) createSubscription(ctx context.Context, accountID string, mb GraphMailbox) error {
	id := url.PathEscape(accountID)
	want := graphSubscription{
		ChangeType:               "created",
		NotificationURL:          m.webhookURL + "/webhook/" + id,
		LifecycleNotificationURL: m.webhookURL + "/lifecycle/" + id,
		Resource:                 fmt.Sprintf("/users/%s/mailFolders('inbox')/messages", mb.Mailbox()),
		ExpirationDateTime:       maxExpiry(),
		ClientState:              generateClientState(),
	}

	got, err := callGraph(ctx, mb, http.MethodPost, "/subscriptions", want, http.StatusCreated)
	if err != nil {
		return fmt.Errorf("create subscription for account %s: %w", accountID, err)
	}
	expiresAt := got.ExpirationDateTime
	if expiresAt.IsZero() {
		expiresAt = want.ExpirationDateTime
	}

	if err := m.store.Upsert(ctx, models.Subscription{
		AccountID:      accountID,
		SubscriptionID: got.ID,
		Mailbox:        mb.Mailbox(),
		ClientState:    want.ClientState,
		ExpiresAt:      expiresAt.UTC(),
		Status:         models.SubscriptionActive,
	}); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	slog.Info("subscription created",
		"account", accountID,
		"subscription_id", got.ID,
		"expires_at", expiresAt,
	)
	return nil
}

// renewSubscription extends the expiry of an existing subscription, or
// recreates it when Graph no longer knows it.
func (m *Manager) renewSubscription(ctx context.Context, sub models.Subscription) error {
	mb, err := m.mailbox(ctx, sub.AccountID)
	if err != nil {
		return err
	}

	newExpiry := maxExpiry()
	_, err = callGraph(ctx, mb, http.MethodPatch, "/subscriptions/"+url.PathEscape(sub.SubscriptionID),
		graphSubscription{ExpirationDateTime: newExpiry}, http.StatusOK)
	switch {
	case errors.Is(err, errSubscriptionGone):
		slog.Warn("subscription removed by Graph, re-creating",
			"subscription_id", sub.SubscriptionID,
			"account", sub.AccountID,
		)
		if err := m.store.MarkStatus(ctx, sub.SubscriptionID, models.SubscriptionRemoved); err != nil {
			slog.Error("failed to mark subscription removed", "subscription_id", sub.SubscriptionID, "error", err)
		}
		if err := m.createSubscription(ctx, sub.AccountID, mb); err != nil {
			return err
		}
		m.catchUp(ctx, sub.AccountID, sub.LastNotification)
		return nil
	case err != nil:
		return fmt.Errorf("renew subscription %s: %w", sub.SubscriptionID, err)
	}

	if err := m.store.UpdateExpiry(ctx, sub.SubscriptionID, newExpiry); err != nil {
		return fmt.Errorf("update expiry in store: %w", err)
	}

	slog.Info("subscription renewed",
		"subscription_id", sub.SubscriptionID,
		"account", sub.AccountID,
		"new_expiry", newExpiry,
	)
	return nil
}

// maxExpiry is the latest expiry Graph accepts for a message subscription.
func maxExpiry() time.Time {
	return time.Now().UTC().Add(maxSubscriptionMinutes * time.Minute).Truncate(time.Second)
}

func (m *Manager) renewalInterval() time.Duration {
	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// renewalLoop runs periodically to renew expiring subscriptions.
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.renewalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
			// Recreates subscriptions marked removed or expired.
			m.ensureAll(ctx)
		}
	}
}

// renewExpiring renews all subscriptions that are close to expiry.
func (m *Manager) renewExpiring(ctx context.Context) {
	subs, err := m.store.ListExpiringSoon(ctx, m.renewBuffer)
	if err != nil {
		slog.Error("failed to list expiring subscriptions", "error", err)
		return
	}

	if len(subs) == 0 {
		return
	}

	slog.Info("renewing expiring subscriptions", "count", len(subs))

	for _, sub := range subs {
		if err := m.renewSubscription(ctx, sub); err != nil {
			slog.Error("renewal failed",
				"subscription_id", sub.SubscriptionID,
				"account", sub.AccountID,
				"error", err,
			)
		}
	}
}

// HandleLifecycleEvent processes a lifecycle notification from Graph.
func (m *Manager) HandleLifecycleEvent(ctx context.Context, lifecycleEvent, subscriptionID, accountID string) {
	switch lifecycleEvent {
	case "subscriptionRemoved":
		slog.Warn("subscription removed by Graph",
			"subscription_id", subscriptionID,
			"account", accountID,
		)
		if err := m.store.MarkStatus(ctx, subscriptionID, models.SubscriptionRemoved); err != nil {
			slog.Error("failed to mark removed", "error", err)
			return
		}
		if err := m.ensureSubscription(ctx, accountID); err != nil {
			slog.Error("failed to recreate subscription", "account", accountID, "error", err)
		}

	case "reauthorizationRequired":
		slog.Info("reauthorization required",
			"subscription_id", subscriptionID,
			"account", accountID,
		)
		// Token refresh is handled by the oauth2 transport; renewing
		// reauthorizes the subscription.
		sub, err := m.store.GetBySubscriptionID(ctx, subscriptionID)
		if err != nil || sub == nil {
			slog.Error("could not find subscription for reauth", "subscription_id", subscriptionID, "error", err)
			return
		}
		if err := m.renewSubscription(ctx, *sub); err != nil {
			slog.Error("reauthorization renewal failed", "subscription_id", subscriptionID, "error", err)
		}

	case "missed":
		slog.Warn("missed notifications detected",
			"subscription_id", subscriptionID,
			"account", accountID,
		)
		var lastNotification *time.Time
		if sub, err := m.store.GetBySubscriptionID(ctx, subscriptionID); err == nil && sub != nil {
			lastNotification = sub.LastNotification
		}
		m.catchUp(ctx, accountID, lastNotification)

	default:
		slog.Warn("unknown lifecycle event", "event", lifecycleEvent)
	}
}

// generateClientState creates a random secret for webhook validation.
func generateClientState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
