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

// Package returns correlates inbound replies with dispatched cases and
// groups them into threads keyed by tracking id.
package returns

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/textnorm"
	"github.com/bcem/mailer/internal/tracking"
)

// ManualKeyPrefix prefixes the synthetic key of replies without a token.
const ManualKeyPrefix = "MANUAL-"

// Store persists return threads. Get returns nil, nil for unknown keys.
// Save appends rec to its thread, or replaces the record with the same
// provider message id, creating the thread when needed.
type Store interface {
	Get(ctx context.Context, trackingKey string) (*models.ReturnThread, error)
	Save(ctx context.Context, rec models.ReturnRecord) (*models.ReturnThread, error)
	List(ctx context.Context) ([]models.ReturnThread, error)
	UpdateSlaStatus(ctx context.Context, trackingKey string, status models.SlaStatus, at time.Time) (*models.ReturnThread, error)
	UpdateFollowUp(ctx context.Context, trackingKey string, at time.Time) (*models.ReturnThread, error)
}

// Classifier assigns a status to a normalized reply.
type Classifier interface {
	Classify(ctx context.Context, msg models.ReturnMessage) (models.Classification, error)
}

// Result describes what processing one reply did.
type Result struct {
	Record      models.ReturnRecord
	Thread      *models.ReturnThread
	IsNewThread bool
	IsDuplicate bool
}

// Processor runs normalize, extract, classify and persist for inbound replies.
type Processor struct {
	classifier Classifier
	store      Store
}

// NewProcessor creates a return processor.
func NewProcessor(classifier Classifier, store Store) *Processor {
	return &Processor{classifier: classifier, store: store}
}

// Process classifies msg and stores it in its thread.
func (p *Processor) Process(ctx context.Context, msg models.ReturnMessage) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.ProviderMessageID) == "" {
		return nil, models.NewValidationError("providerMessageId", "inbound message has no id")
	}

	subject := textnorm.Normalize(msg.Subject)
	body := textnorm.Normalize(msg.Body)

	trackingKey := tracking.Extract(subject, body)
	hasToken := trackingKey != ""
	if !hasToken {
		trackingKey = ManualKeyPrefix + msg.ProviderMessageID
	}

	existing, err := p.store.Get(ctx, trackingKey)
	if err != nil {
		return nil, fmt.Errorf("loading thread %s: %w", trackingKey, err)
	}

	normalized := msg
	normalized.Subject = subject
	normalized.Body = body

	var classification models.Classification
	switch stored := storedRecord(existing, msg.ProviderMessageID); {
	case stored != nil:
		classification = stored.Classification
	case !hasToken:
		classification, err = p.classifier.Classify(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("classifying %s: %w", msg.ProviderMessageID, err)
		}
		classification = withoutToken(classification)
	case existing != nil && len(existing.Messages) > 0:
		classification = models.DuplicateClassification(trackingKey, len(existing.Messages)+1)
	default:
		classification, err = p.classifier.Classify(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("classifying %s: %w", msg.ProviderMessageID, err)
		}
	}

	rec := models.ReturnRecord{
		TrackingKey:        trackingKey,
		HasValidTrackingID: hasToken,
		ProviderMessageID:  msg.ProviderMessageID,
		AccountID:          msg.AccountID,
		ProviderType:       msg.ProviderType,
		Sender:             msg.Sender,
		Subject:            subject,
		BodyPreview:        textnorm.Preview(body),
		Classification:     classification,
		ReceivedAt:         msg.ReceivedAt,
		ConversationID:     msg.ConversationID,
		Metadata:           msg.Metadata,
	}

	thread, err := p.store.Save(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("saving return %s: %w", msg.ProviderMessageID, err)
	}

	slog.Info("return processed",
		"tracking_key", trackingKey,
		"message_id", msg.ProviderMessageID,
		"account", msg.AccountID,
		"status", classification.Status,
		"score", classification.Score,
		"new_thread", existing == nil,
	)

	return &Result{
		Record:      rec,
		Thread:      thread,
		IsNewThread: existing == nil,
		IsDuplicate: classification.Status == models.StatusDuplicate,
	}, nil
}

// storedRecord returns the thread's record for providerMessageID, or nil.
// A re-ingested reply keeps the classification it was stored with, so a
// later reply in the thread cannot turn it into a duplicate.
func storedRecord(thread *models.ReturnThread, providerMessageID string) *models.ReturnRecord {
	if thread == nil {
		return nil
	}
	for i := range thread.Messages {
		if strings.EqualFold(thread.Messages[i].ProviderMessageID, providerMessageID) {
			return &thread.Messages[i]
		}
	}
	return nil
}

// withoutToken forces a reply with no tracking token to manual review. The
// keyword evidence is kept as a hint for the reviewer.
func withoutToken(c models.Classification) models.Classification {
	out := models.ManualClassification(append([]string{"no token found"}, c.Reasons...)...)
	out.Score = c.Score
	if len(c.MatchedKeywords) > 0 {
		out.MatchedKeywords = c.MatchedKeywords
	}
	return out
}

// FromInbound converts a provider message into a return message for
// account. The plain text part is preferred over HTML.
func FromInbound(account models.Account, msg models.InboundMessage) models.ReturnMessage {
	body := msg.TextBody
	if strings.TrimSpace(body) == "" {
		body = msg.HTMLBody
	}

	var metadata map[string]string
	if len(msg.Headers) > 0 {
		metadata = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			metadata[k] = v
		}
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	return models.ReturnMessage{
		ProviderMessageID: msg.ProviderMessageID,
		AccountID:         account.ID,
		ProviderType:      account.Provider.Type,
		Sender:            msg.From,
		Subject:           textnorm.Normalize(msg.Subject),
		Body:              textnorm.Normalize(body),
		ReceivedAt:        receivedAt,
		ConversationID:    msg.ThreadID,
		Metadata:          metadata,
	}
}
