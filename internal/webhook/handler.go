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

// Package webhook receives Microsoft Graph change notifications for the
// watched inboxes. Graph POSTs a notification when a subscribed mailbox
// receives a message; the handler fetches the message through the account's
// provider and hands it to the ingestor.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
	"github.com/bcem/mailer/internal/returns"
)

// ChangeNotification represents a single Graph API change notification.
type ChangeNotification struct {
	SubscriptionID                 string        `json:"subscriptionId"`
	ChangeType                     string        `json:"changeType"`
	Resource                       string        `json:"resource"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
	ClientState                    string        `json:"clientState"`
	TenantID                       string        `json:"tenantId"`
	LifecycleEvent                 string        `json:"lifecycleEvent"`
	SubscriptionExpirationDateTime string        `json:"subscriptionExpirationDateTime"`
}

// ResourceData identifies the changed message.
type ResourceData struct {
	ID string `json:"id"`
}

// NotificationPayload is the wrapper Graph sends.
type NotificationPayload struct {
	Value []ChangeNotification `json:"value"`
}

// Resolver binds an account id to its live provider.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (*provider.DispatchContext, error)
}

// Ingester processes one fetched message.
type Ingester interface {
	Ingest(ctx context.Context, account models.Account, msg models.InboundMessage) (*returns.Result, error)
}

// SubscriptionStore looks up the stored subscription of an account.
type SubscriptionStore interface {
	Get(ctx context.Context, accountID string) (*models.Subscription, error)
	TouchNotification(ctx context.Context, accountID string) error
}

// LifecycleHandler reacts to subscription lifecycle events.
type LifecycleHandler interface {
	HandleLifecycleEvent(ctx context.Context, event, subscriptionID, accountID string)
}

// Handler processes Graph change and lifecycle notifications.
type Handler struct {
	resolver  Resolver
	ingestor  Ingester
	store     SubscriptionStore
	lifecycle LifecycleHandler

	// Notifications outlive the request that carried them.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// HandlerConfig holds the collaborators of the handler. Lifecycle may be nil.
type HandlerConfig struct {
	Resolver  Resolver
	Ingestor  Ingester
	Store     SubscriptionStore
	Lifecycle LifecycleHandler
}

// NewHandler creates a notification handler. Background processing runs
// under ctx.
func NewHandler(ctx context.Context, cfg HandlerConfig) *Handler {
	return &Handler{
		resolver:  cfg.Resolver,
		ingestor:  cfg.Ingestor,
		store:     cfg.Store,
		lifecycle: cfg.Lifecycle,
		baseCtx:   context.WithoutCancel(ctx),
	}
}

// Wait blocks until every notification accepted so far has been processed.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// ServeNotification handles /webhook/{accountId}. A validationToken probe
// is echoed back as text/plain. Any other POST is acknowledged with 202
// before the new messages are fetched and ingested in the background.
func (h *Handler) ServeNotification(w http.ResponseWriter, r *http.Request) {
	if answerValidation(w, r, "subscription") {
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}

	accountID := r.PathValue("accountId")
	payload, ok := readPayload(r)
	w.WriteHeader(http.StatusAccepted)
	if !ok || accountID == "" {
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processNotifications(h.baseCtx, accountID, payload.Value)
	}()
}

// ServeLifecycle handles /lifecycle/{accountId}.
func (h *Handler) ServeLifecycle(w http.ResponseWriter, r *http.Request) {
	if answerValidation(w, r, "lifecycle") {
		return
	}

	accountID := r.PathValue("accountId")
	payload, ok := readPayload(r)
	w.WriteHeader(http.StatusAccepted)
	if !ok || h.lifecycle == nil {
		return
	}

	for _, n := range payload.Value {
		if n.LifecycleEvent == "" {
			continue
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.lifecycle.HandleLifecycleEvent(h.baseCtx, n.LifecycleEvent, n.SubscriptionID, accountID)
		}()
	}
}

func answerValidation(w http.ResponseWriter, r *http.Request, kind string) bool {
	token := r.URL.Query().Get("validationToken")
	if token == "" {
		return false
	}
	slog.Info("validation probe received", "kind", kind, "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(token))
	return true
}

func readPayload(r *http.Request) (NotificationPayload, bool) {
	var payload NotificationPayload
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		slog.Error("failed to read notification body", "error", err)
		return payload, false
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Info("notification body not valid JSON, treating as probe", "body_len", len(body))
		return payload, false
	}
	return payload, true
}

// processNotifications fetches and ingests the message behind each
// "created" notification of one account.
func (h *Handler) processNotifications(ctx context.Context, accountID string, notifications []ChangeNotification) {
	for _, n := range notifications {
		if n.ChangeType != "created" {
			slog.Debug("skipping non-created notification",
				"change_type", n.ChangeType,
				"resource", n.Resource,
			)
			continue
		}

		messageID, err := notificationMessageID(n)
		if err != nil {
			slog.Warn("failed to parse notification resource",
				"resource", n.Resource,
				"error", err,
			)
			continue
		}

		rec, err := h.store.Get(ctx, accountID)
		if err != nil {
			// Process anyway so the notification is not lost.
			slog.Error("failed to look up subscription for validation",
				"account", accountID,
				"error", err,
			)
		} else if rec != nil && rec.ClientState != n.ClientState {
			slog.Warn("clientState mismatch, possible spoofed notification",
				"account", accountID,
				"subscription_id", n.SubscriptionID,
			)
			continue
		}
		if rec != nil {
			if err := h.store.TouchNotification(ctx, accountID); err != nil {
				slog.Warn("failed to record notification time", "account", accountID, "error", err)
			}
		}

		if err := h.ingest(ctx, accountID, messageID); err != nil {
			slog.Error("notification processing failed",
				"account", accountID,
				"message_id", messageID,
				"error", err,
			)
		}
	}
}

func (h *Handler) ingest(ctx context.Context, accountID, messageID string) error {
	dc, err := h.resolver.Resolve(ctx, accountID)
	if err != nil {
		return fmt.Errorf("resolving account: %w", err)
	}
	fetcher, ok := dc.Provider.(provider.MessageFetcher)
	if !ok {
		return fmt.Errorf("provider %s cannot fetch messages", dc.Account.Provider.Type)
	}

	msg, err := fetcher.FetchMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("fetching message: %w", err)
	}
	if msg == nil {
		return nil
	}

	slog.Info("processing change notification",
		"account", accountID,
		"message_id", messageID,
	)
	_, err = h.ingestor.Ingest(ctx, dc.Account, *msg)
	return err
}

// notificationMessageID prefers resourceData.id and falls back to the
// resource path.
func notificationMessageID(n ChangeNotification) (string, error) {
	if n.ResourceData != nil && n.ResourceData.ID != "" {
		return n.ResourceData.ID, nil
	}
	_, messageID, err := parseResource(n.Resource)
	return messageID, err
}

// parseResource splits "users/{userId}/messages/{messageId}".
func parseResource(resource string) (userID, messageID string, err error) {
	resource = strings.TrimPrefix(resource, "/")

	parts := strings.Split(resource, "/")
	// Segment names arrive capitalised from some tenants.
	if len(parts) != 4 || !strings.EqualFold(parts[0], "users") || !strings.EqualFold(parts[2], "messages") {
		return "", "", fmt.Errorf("unexpected resource format: %s", resource)
	}

	return parts[1], parts[3], nil
}

// Routes registers the notification endpoints on mux.
func Routes(mux *http.ServeMux, handler *Handler) {
	mux.HandleFunc("/webhook/{accountId}", handler.ServeNotification)
	mux.HandleFunc("/lifecycle/{accountId}", handler.ServeLifecycle)
}

// Serve binds port and serves Routes until ctx is done. The returned
// channel closes once the listener is bound, so subscriptions created after
// it can be validated.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	Routes(mux, handler)

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
