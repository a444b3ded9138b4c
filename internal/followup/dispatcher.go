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

// Package followup composes and sends automatic reminders for return
// threads that are waiting on the original sender.
package followup

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
	"github.com/bcem/mailer/internal/tracking"
)

var bodyTemplate = template.Must(template.New("followup").Parse(`<html>
  <body>
    <p>Hello,</p>
    <p>Case <strong>{{.TrackingKey}}</strong> is still pending with status <strong>{{.Status}}</strong>.</p>
    <p>Please reply to this message with the requested information so we can complete the review.</p>
    <p>Classification reasons: {{.Reasons}}.</p>
    <p>Regards,<br/>{{.Signature}}</p>
  </body>
</html>`))

// Resolver builds the dispatch context for an account.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (*provider.DispatchContext, error)
}

// Dispatcher sends follow-ups through the provider of the account that
// received the latest reply.
type Dispatcher struct {
	resolver Resolver
}

// NewDispatcher creates a follow-up dispatcher.
func NewDispatcher(resolver Resolver) *Dispatcher {
	return &Dispatcher{resolver: resolver}
}

// SendFollowUp reminds the latest sender of thread. A thread keyed by a
// tracking token reuses it as the tracking id so any answer lands in the
// same thread. Manual review threads are sent without one.
func (d *Dispatcher) SendFollowUp(ctx context.Context, thread models.ReturnThread) (models.SendResult, error) {
	latest := thread.Latest()
	if latest == nil {
		return models.SendResult{}, models.NewValidationError("thread", "thread has no messages")
	}
	if strings.TrimSpace(latest.Sender.Email) == "" {
		return models.SendResult{}, models.NewValidationError("sender", "latest message has no sender address")
	}

	dc, err := d.resolver.Resolve(ctx, latest.AccountID)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("resolving account %s: %w", latest.AccountID, err)
	}

	content, err := Compose(thread, dc.Account)
	if err != nil {
		return models.SendResult{}, err
	}

	var trackingID string
	if tracking.Valid(thread.TrackingKey) {
		trackingID = thread.TrackingKey
	}

	result, err := dc.Provider.Send(ctx, models.SendRequest{
		Account:    dc.Account,
		Envelope:   models.Envelope{To: []models.Address{latest.Sender}},
		Content:    content,
		TrackingID: trackingID,
	})
	if err != nil {
		return models.SendResult{}, fmt.Errorf("provider send: %w", err)
	}

	slog.Info("follow-up delivered",
		"tracking_key", thread.TrackingKey,
		"recipient", latest.Sender.Email,
		"message_id", result.MessageID,
	)
	return result, nil
}

// Compose renders the reminder subject and body for thread.
func Compose(thread models.ReturnThread, account models.Account) (models.Content, error) {
	latest := thread.Latest()
	if latest == nil {
		return models.Content{}, models.NewValidationError("thread", "thread has no messages")
	}

	status := string(latest.Classification.Status)
	reasons := status
	if len(latest.Classification.Reasons) > 0 {
		reasons = strings.Join(latest.Classification.Reasons, ", ")
	}
	signature := account.DisplayName
	if signature == "" {
		signature = account.ID
	}

	var body bytes.Buffer
	err := bodyTemplate.Execute(&body, struct {
		TrackingKey, Status, Reasons, Signature string
	}{thread.TrackingKey, status, reasons, signature})
	if err != nil {
		return models.Content{}, fmt.Errorf("render follow-up body: %w", err)
	}

	return models.Content{
		Subject:  fmt.Sprintf("[Follow-up] %s - pending documentation", thread.TrackingKey),
		HTMLBody: body.String(),
	}, nil
}
