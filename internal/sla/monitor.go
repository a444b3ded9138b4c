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

// Package sla escalates open return threads by elapsed time and sends
// automatic follow-ups for the ones left waiting.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailer/internal/models"
)

// Default thresholds.
const (
	DefaultAttentionAfter   = 12 * time.Hour
	DefaultOverdueAfter     = 24 * time.Hour
	DefaultFollowUpInterval = 24 * time.Hour
)

// Store is the subset of the return store the monitor needs.
type Store interface {
	List(ctx context.Context) ([]models.ReturnThread, error)
	UpdateSlaStatus(ctx context.Context, trackingKey string, status models.SlaStatus, at time.Time) (*models.ReturnThread, error)
	UpdateFollowUp(ctx context.Context, trackingKey string, at time.Time) (*models.ReturnThread, error)
}

// FollowUpSender sends the reminder for a thread.
type FollowUpSender interface {
	SendFollowUp(ctx context.Context, thread models.ReturnThread) (models.SendResult, error)
}

// ActionKind tells what the monitor did to a thread.
type ActionKind string

const (
	ActionStatusChanged ActionKind = "status_changed"
	ActionFollowUp      ActionKind = "follow_up"
)

// Action is one side effect of a monitor pass.
type Action struct {
	Kind        ActionKind       `json:"kind"`
	TrackingKey string           `json:"tracking_key"`
	Status      models.SlaStatus `json:"status"`
	MessageID   string           `json:"message_id,omitempty"`
	At          time.Time        `json:"at"`
}

// Config holds the SLA thresholds. Zero values take the defaults.
type Config struct {
	AttentionAfter   time.Duration
	OverdueAfter     time.Duration
	FollowUpInterval time.Duration
}

// Monitor recomputes SLA tiers and triggers follow-ups.
type Monitor struct {
	store    Store
	followUp FollowUpSender
	cfg      Config
	now      func() time.Time
}

// NewMonitor creates an SLA monitor.
func NewMonitor(store Store, followUp FollowUpSender, cfg Config) *Monitor {
	if cfg.AttentionAfter <= 0 {
		cfg.AttentionAfter = DefaultAttentionAfter
	}
	if cfg.OverdueAfter <= 0 {
		cfg.OverdueAfter = DefaultOverdueAfter
	}
	if cfg.FollowUpInterval <= 0 {
		cfg.FollowUpInterval = DefaultFollowUpInterval
	}
	return &Monitor{
		store:    store,
		followUp: followUp,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run makes one pass over every thread. A failure on one thread is logged
// and does not stop the pass; all such failures are returned joined,
// together with the actions that did happen.
func (m *Monitor) Run(ctx context.Context) ([]Action, error) {
	threads, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing return threads: %w", err)
	}

	now := m.now()
	var actions []Action
	var errs []error

	for _, thread := range threads {
		if err := ctx.Err(); err != nil {
			return actions, err
		}

		latest := thread.Latest()
		if !thread.HasValidTrackingID || latest == nil || latest.Classification.Status.Terminal() {
			continue
		}

		status := m.tier(now.Sub(latest.ReceivedAt))
		if status != thread.SlaStatus {
			if _, err := m.store.UpdateSlaStatus(ctx, thread.TrackingKey, status, now); err != nil {
				slog.Error("failed to update SLA status",
					"tracking_key", thread.TrackingKey,
					"status", status,
					"error", err,
				)
				errs = append(errs, fmt.Errorf("%s: %w", thread.TrackingKey, err))
				continue
			}
			actions = append(actions, Action{
				Kind:        ActionStatusChanged,
				TrackingKey: thread.TrackingKey,
				Status:      status,
				At:          now,
			})
			slog.Info("SLA status changed",
				"tracking_key", thread.TrackingKey,
				"from", thread.SlaStatus,
				"to", status,
			)
		}

		if !m.followUpDue(status, thread.LastFollowUpAt, now) {
			continue
		}

		action, err := m.sendFollowUp(ctx, thread, status, now)
		if err != nil {
			slog.Error("follow-up failed",
				"tracking_key", thread.TrackingKey,
				"account", latest.AccountID,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", thread.TrackingKey, err))
			continue
		}
		actions = append(actions, action)
	}

	return actions, errors.Join(errs...)
}

func (m *Monitor) sendFollowUp(ctx context.Context, thread models.ReturnThread, status models.SlaStatus, now time.Time) (Action, error) {
	result, err := m.followUp.SendFollowUp(ctx, thread)
	if err != nil {
		return Action{}, fmt.Errorf("sending follow-up: %w", err)
	}

	sentAt := result.SentAt
	if sentAt.IsZero() {
		sentAt = now
	}
	// The reminder is already out; losing this write means the next pass
	// may send another one, so it is surfaced as an error.
	if _, err := m.store.UpdateFollowUp(ctx, thread.TrackingKey, sentAt); err != nil {
		return Action{}, fmt.Errorf("recording follow-up %s: %w", result.MessageID, err)
	}

	slog.Info("follow-up sent",
		"tracking_key", thread.TrackingKey,
		"status", status,
		"message_id", result.MessageID,
	)
	return Action{
		Kind:        ActionFollowUp,
		TrackingKey: thread.TrackingKey,
		Status:      status,
		MessageID:   result.MessageID,
		At:          sentAt,
	}, nil
}

func (m *Monitor) tier(elapsed time.Duration) models.SlaStatus {
	switch {
	case elapsed >= m.cfg.OverdueAfter:
		return models.SlaOverdue
	case elapsed >= m.cfg.AttentionAfter:
		return models.SlaAttention
	default:
		return models.SlaOnTrack
	}
}

func (m *Monitor) followUpDue(status models.SlaStatus, last *time.Time, now time.Time) bool {
	if status == models.SlaOnTrack {
		return false
	}
	if last == nil {
		return true
	}
	return now.Sub(*last) >= m.cfg.FollowUpInterval
}
