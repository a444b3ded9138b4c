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

// Package inbound feeds replies read from provider mailboxes into return
// processing. The Ingestor is shared by the Graph webhook, the inbox poller
// and the backfill runner.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/queue"
	"github.com/bcem/mailer/internal/returns"
)

// Deduper remembers inbound message ids.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Processor classifies and stores one return message.
type Processor interface {
	Process(ctx context.Context, msg models.ReturnMessage) (*returns.Result, error)
}

// EventPublisher receives one return.processed event per ingested message.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// ProcessedEvent is the payload of return.processed.
type ProcessedEvent struct {
	TrackingKey       string              `json:"tracking_key"`
	ProviderMessageID string              `json:"provider_message_id"`
	AccountID         string              `json:"account_id"`
	Status            models.ReturnStatus `json:"status"`
	Score             float64             `json:"score"`
	NewThread         bool                `json:"new_thread"`
	Duplicate         bool                `json:"duplicate"`
}

// Ingestor dedups, processes and announces inbound messages.
type Ingestor struct {
	dedup     Deduper
	processor Processor
	events    EventPublisher
}

// NewIngestor creates an ingestor. dedup and events may be nil.
func NewIngestor(dedup Deduper, processor Processor, events EventPublisher) *Ingestor {
	return &Ingestor{dedup: dedup, processor: processor, events: events}
}

// Ingest processes msg for account. It returns nil, nil when the message
// was already seen. A dedup backend failure is logged and processing
// continues, since the processor tolerates re-ingestion.
func (i *Ingestor) Ingest(ctx context.Context, account models.Account, msg models.InboundMessage) (*returns.Result, error) {
	dedupKey := account.ID + ":" + msg.ProviderMessageID
	claimed := false

	if i.dedup != nil && msg.ProviderMessageID != "" {
		isNew, err := i.dedup.IsNew(ctx, dedupKey)
		switch {
		case err != nil:
			slog.Warn("dedup check failed, processing anyway",
				"account", account.ID,
				"message_id", msg.ProviderMessageID,
				"error", err,
			)
		case !isNew:
			slog.Debug("skipping seen message", "account", account.ID, "message_id", msg.ProviderMessageID)
			return nil, nil
		default:
			claimed = true
		}
	}

	result, err := i.processor.Process(ctx, returns.FromInbound(account, msg))
	if err != nil {
		if claimed {
			// Let the next poll or notification retry this message.
			if ferr := i.dedup.Forget(context.WithoutCancel(ctx), dedupKey); ferr != nil {
				slog.Warn("failed to forget message", "message_id", msg.ProviderMessageID, "error", ferr)
			}
		}
		return nil, fmt.Errorf("processing message %s: %w", msg.ProviderMessageID, err)
	}

	if i.events != nil {
		event := ProcessedEvent{
			TrackingKey:       result.Record.TrackingKey,
			ProviderMessageID: result.Record.ProviderMessageID,
			AccountID:         account.ID,
			Status:            result.Record.Classification.Status,
			Score:             result.Record.Classification.Score,
			NewThread:         result.IsNewThread,
			Duplicate:         result.IsDuplicate,
		}
		if err := i.events.Publish(ctx, queue.EventReturnProcessed, event.TrackingKey, event); err != nil {
			slog.Error("failed to publish return event",
				"tracking_key", event.TrackingKey,
				"message_id", event.ProviderMessageID,
				"error", err,
			)
		}
	}

	return result, nil
}

// Counts summarises one batch of ingested messages.
type Counts struct {
	Fetched   int `json:"fetched"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// IngestAll ingests msgs in order and counts the outcomes. It returns the
// receive time of the last message before the first failure, which is the
// point a later pass can safely resume from.
func (i *Ingestor) IngestAll(ctx context.Context, account models.Account, msgs []models.InboundMessage) (Counts, time.Time) {
	counts := Counts{Fetched: len(msgs)}
	var resume time.Time
	failed := false

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		result, err := i.Ingest(ctx, account, msg)
		switch {
		case err != nil:
			counts.Errors++
			failed = true
			slog.Error("failed to ingest message",
				"account", account.ID,
				"message_id", msg.ProviderMessageID,
				"error", err,
			)
		case result == nil:
			counts.Skipped++
		default:
			counts.Processed++
		}
		if !failed && msg.ReceivedAt.After(resume) {
			resume = msg.ReceivedAt
		}
	}
	return counts, resume
}
