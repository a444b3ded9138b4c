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

// Package filesystem implements a provider that writes each message as an
// .eml file into an outbox directory. Used for audits, demos and tests.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

// Provider writes messages to disk.
type Provider struct {
	outbox   string
	threadID string
	now      func() time.Time
}

// New creates a filesystem provider. outboxDirectory is required.
func New(outboxDirectory, defaultThreadID string) (*Provider, error) {
	if strings.TrimSpace(outboxDirectory) == "" {
		return nil, models.NewValidationError("outboxDirectory", "outbox directory is required")
	}
	return &Provider{
		outbox:   outboxDirectory,
		threadID: defaultThreadID,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Factory builds filesystem providers from descriptor settings.
func Factory(_ context.Context, desc models.ProviderDescriptor) (provider.Provider, error) {
	p, err := New(
		provider.Setting(desc.Settings, "outboxDirectory", ""),
		provider.Setting(desc.Settings, "defaultThreadId", ""),
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Send writes <timestamp>_<trackingId>_<id>.eml and returns id.
func (p *Provider) Send(ctx context.Context, req models.SendRequest) (models.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return models.SendResult{}, err
	}
	if err := os.MkdirAll(p.outbox, 0o750); err != nil {
		return models.SendResult{}, fmt.Errorf("create outbox: %w", err)
	}

	messageID := strings.ReplaceAll(uuid.New().String(), "-", "")
	now := p.now()

	from := models.Address{
		Email: provider.Setting(req.Account.Provider.Settings, "from", ""),
		Name:  req.Account.DisplayName,
	}
	raw, _, err := mime.Compose(mime.Message{
		From:       from,
		Envelope:   req.Envelope,
		Content:    req.Content,
		TrackingID: req.TrackingID,
		MessageID:  messageID + "@outbox.local",
		Date:       now,
		IncludeBcc: true,
		Headers: map[string]string{
			"X-Account":   req.Account.ID,
			"X-Thread-Id": p.threadID,
		},
	})
	if err != nil {
		return models.SendResult{}, fmt.Errorf("compose message: %w", err)
	}

	name := fmt.Sprintf("%s%03d_%s_%s.eml",
		now.Format("20060102150405"), now.Nanosecond()/int(time.Millisecond), safeName(req.TrackingID), messageID)
	path := filepath.Join(p.outbox, name)
	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return models.SendResult{}, fmt.Errorf("write %s: %w", name, err)
	}

	return models.SendResult{MessageID: messageID, ThreadID: p.threadID, SentAt: now}, nil
}

// safeName keeps tracking ids from escaping the outbox directory.
func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
