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

// Package dispatch implements the two-phase outbound pipeline: a preview
// is rendered and signed, then the exact previewed content is sent and
// recorded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/policy"
	"github.com/bcem/mailer/internal/provider"
	"github.com/bcem/mailer/internal/queue"
	"github.com/bcem/mailer/internal/templates"
	"github.com/bcem/mailer/internal/tracking"
)

// ErrAlreadySent is returned when the preview's tracking id was already
// claimed by another send.
var ErrAlreadySent = errors.New("tracking id already dispatched")

// TemplateSource resolves template keys.
type TemplateSource interface {
	Get(ctx context.Context, key string) (*templates.Template, error)
}

// Store persists dispatch records, upserting by tracking id.
type Store interface {
	Save(ctx context.Context, rec models.DispatchRecord) error
}

// Guard claims a tracking id for the duration of a send.
type Guard interface {
	Claim(ctx context.Context, trackingID string) (bool, error)
	Release(ctx context.Context, trackingID string) error
}

// EventPublisher receives a dispatch.sent event after each recorded send.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// Request is everything the caller controls about one dispatch.
type Request struct {
	Account     models.Account
	To          []models.Address
	Cc          []models.Address
	Bcc         []models.Address
	TemplateKey string
	Values      map[string]string
}

// Preview is the rendered message the caller must see before sending.
// Signature binds it to the request it was generated from.
type Preview struct {
	TrackingID      string `json:"tracking_id"`
	Subject         string `json:"subject"`
	BodyHTML        string `json:"body_html"`
	TemplateVersion string `json:"template_version"`
	Signature       string `json:"signature"`
}

// Outcome is the provider result together with the record written for it.
type Outcome struct {
	Result models.SendResult
	Record models.DispatchRecord
}

// DispatcherConfig holds the collaborators of a Dispatcher. Guard and
// Events are optional.
type DispatcherConfig struct {
	Templates  TemplateSource
	Policy     *policy.RecipientPolicy
	Store      Store
	Guard      Guard
	Events     EventPublisher
	SigningKey []byte
}

// Dispatcher renders previews and sends them.
type Dispatcher struct {
	templates TemplateSource
	policy    *policy.RecipientPolicy
	store     Store
	guard     Guard
	events    EventPublisher
	key       []byte
	now       func() time.Time
	newID     func() (string, error)
}

// NewDispatcher creates a dispatcher. A nil policy applies dedup with an
// unrestricted Cc list.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	pol := cfg.Policy
	if pol == nil {
		pol = policy.NewRecipientPolicy(nil)
	}
	return &Dispatcher{
		templates: cfg.Templates,
		policy:    pol,
		store:     cfg.Store,
		guard:     cfg.Guard,
		events:    cfg.Events,
		key:       cfg.SigningKey,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     tracking.NewID,
	}
}

// GeneratePreview renders the template with a fresh tracking id injected
// under the ID placeholder and signs the result.
func (d *Dispatcher) GeneratePreview(ctx context.Context, req Request) (*Preview, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	tmpl, err := d.templates.Get(ctx, req.TemplateKey)
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", req.TemplateKey, err)
	}

	trackingID, err := d.newID()
	if err != nil {
		return nil, fmt.Errorf("generating tracking id: %w", err)
	}
	values := valueMap(req.Values, trackingID)

	subject := templates.RenderSubject(tmpl, values)
	body, err := templates.RenderBody(ctx, tmpl, values)
	if err != nil {
		return nil, fmt.Errorf("rendering template %s: %w", req.TemplateKey, err)
	}

	return &Preview{
		TrackingID:      trackingID,
		Subject:         subject,
		BodyHTML:        body,
		TemplateVersion: tmpl.Version,
		Signature:       sign(d.key, req, trackingID, tmpl.Version, subject, body),
	}, nil
}

// Send delivers the previewed content through p. The request must match
// the one the preview was generated from. Recipients are sanitized again
// and the record is written only after the provider confirmed delivery.
func (d *Dispatcher) Send(ctx context.Context, req Request, preview *Preview, p provider.Provider) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if preview == nil {
		return nil, models.NewValidationError("preview", "a preview is required before sending")
	}
	if p == nil {
		return nil, models.NewValidationError("provider", "no provider for account "+req.Account.ID)
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	want := sign(d.key, req, preview.TrackingID, preview.TemplateVersion, preview.Subject, preview.BodyHTML)
	if !signaturesEqual(want, preview.Signature) {
		return nil, fmt.Errorf("%w: tracking id %s", models.ErrSignatureMismatch, preview.TrackingID)
	}

	env, err := d.policy.Apply(req.To, req.Cc, req.Bcc)
	if err != nil {
		return nil, err
	}

	claimed, err := d.claim(ctx, preview.TrackingID)
	if err != nil {
		return nil, err
	}

	result, err := p.Send(ctx, models.SendRequest{
		Account:    req.Account,
		Envelope:   env,
		Content:    models.Content{Subject: preview.Subject, HTMLBody: preview.BodyHTML},
		TrackingID: preview.TrackingID,
	})
	if err != nil {
		if claimed {
			d.release(preview.TrackingID)
		}
		return nil, fmt.Errorf("provider send for %s: %w", preview.TrackingID, err)
	}

	now := d.now()
	if result.SentAt.IsZero() {
		result.SentAt = now
	}
	rec := models.DispatchRecord{
		TrackingID:        preview.TrackingID,
		TemplateKey:       req.TemplateKey,
		TemplateVersion:   preview.TemplateVersion,
		AccountID:         req.Account.ID,
		AccountName:       req.Account.DisplayName,
		Envelope:          env,
		ProviderMessageID: result.MessageID,
		ProviderThreadID:  result.ThreadID,
		SentAt:            result.SentAt,
		LoggedAt:          now,
	}

	// The message is already out; a failed write must not surface as a
	// failed send or the caller would retry the delivery.
	if err := d.store.Save(ctx, rec); err != nil {
		slog.Error("failed to record dispatch",
			"tracking_id", rec.TrackingID,
			"provider_message_id", rec.ProviderMessageID,
			"account", rec.AccountID,
			"error", err,
		)
	} else {
		slog.Info("dispatch sent",
			"tracking_id", rec.TrackingID,
			"template", rec.TemplateKey,
			"account", rec.AccountID,
			"to", len(env.To),
			"cc", len(env.Cc),
			"bcc", len(env.Bcc),
		)
	}

	if d.events != nil {
		if err := d.events.Publish(ctx, queue.EventDispatchSent, rec.TrackingID, rec); err != nil {
			slog.Warn("failed to publish dispatch event", "tracking_id", rec.TrackingID, "error", err)
		}
	}

	return &Outcome{Result: result, Record: rec}, nil
}

// claim reserves the tracking id. A guard outage degrades to an unguarded
// send, matching how the inbound dedup filter behaves.
func (d *Dispatcher) claim(ctx context.Context, trackingID string) (bool, error) {
	if d.guard == nil {
		return false, nil
	}
	ok, err := d.guard.Claim(ctx, trackingID)
	if err != nil {
		slog.Warn("send guard unavailable, sending without claim", "tracking_id", trackingID, "error", err)
		return false, nil
	}
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrAlreadySent, trackingID)
	}
	return true, nil
}

func (d *Dispatcher) release(trackingID string) {
	// Use a fresh context: the request context may be the reason the send failed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.guard.Release(ctx, trackingID); err != nil {
		slog.Warn("failed to release send guard", "tracking_id", trackingID, "error", err)
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.TemplateKey) == "" {
		return models.NewValidationError("templateKey", "template key is required")
	}
	for _, a := range req.To {
		if strings.TrimSpace(a.Email) != "" {
			return nil
		}
	}
	return models.NewValidationError("to", "at least one recipient is required")
}

// valueMap copies the caller's values and sets the tracking id under ID,
// dropping any caller key that differs only by case.
func valueMap(values map[string]string, trackingID string) map[string]string {
	out := make(map[string]string, len(values)+1)
	for k, v := range values {
		if strings.EqualFold(strings.TrimSpace(k), "ID") {
			continue
		}
		out[k] = v
	}
	out["ID"] = trackingID
	return out
}
