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

package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailer/internal/queue"
)

// DefaultScanInterval is how often the scheduler runs a pass.
const DefaultScanInterval = 5 * time.Minute

// EventPublisher receives one event per monitor action.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// Scheduler runs the monitor on a fixed interval. Passes run on a single
// goroutine, so they never overlap.
type Scheduler struct {
	monitor  *Monitor
	events   EventPublisher
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. events may be nil.
func NewScheduler(monitor *Monitor, events EventPublisher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Scheduler{monitor: monitor, events: events, interval: interval}
}

// Start runs one pass immediately and then one per interval in the background.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)

	slog.Info("SLA scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for the running pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("SLA scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single pass and publishes its actions.
func (s *Scheduler) RunOnce(ctx context.Context) []Action {
	passID := uuid.New().String()
	start := time.Now()

	actions, err := s.monitor.Run(ctx)
	if err != nil {
		slog.Error("SLA pass finished with errors", "pass_id", passID, "error", err)
	}

	for _, a := range actions {
		if s.events == nil {
			break
		}
		eventType := queue.EventSlaStatusChanged
		if a.Kind == ActionFollowUp {
			eventType = queue.EventSlaFollowUp
		}
		if err := s.events.Publish(ctx, eventType, a.TrackingKey, a); err != nil {
			slog.Warn("failed to publish SLA event",
				"pass_id", passID,
				"tracking_key", a.TrackingKey,
				"error", err,
			)
		}
	}

	slog.Info("SLA pass complete",
		"pass_id", passID,
		"actions", len(actions),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return actions
}
