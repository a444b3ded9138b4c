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

// Package provider defines the mail transport contract and resolves
// accounts to live transports.
package provider

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bcem/mailer/internal/models"
)

// Provider delivers one rendered message.
type Provider interface {
	Send(ctx context.Context, req models.SendRequest) (models.SendResult, error)
}

// InboxReader is implemented by providers that can list received mail.
type InboxReader interface {
	ListInbox(ctx context.Context, since time.Time) ([]models.InboundMessage, error)
}

// MessageFetcher is implemented by providers that can load a single
// message by id, as needed for push notifications.
type MessageFetcher interface {
	FetchMessage(ctx context.Context, id string) (*models.InboundMessage, error)
}

// Factory builds a live provider from a descriptor whose settings have
// already been resolved for runtime use.
type Factory func(ctx context.Context, desc models.ProviderDescriptor) (Provider, error)

// Setting looks up key case-insensitively, returning fallback when the key is
// absent or blank.
func Setting(settings map[string]string, key, fallback string) string {
	if v, ok := settings[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	for k, v := range settings {
		if strings.EqualFold(k, key) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return fallback
}

// SettingInt parses an integer setting.
func SettingInt(settings map[string]string, key string, fallback int) int {
	if n, err := strconv.Atoi(Setting(settings, key, "")); err == nil {
		return n
	}
	return fallback
}

// SettingBool parses a boolean setting.
func SettingBool(settings map[string]string, key string, fallback bool) bool {
	if b, err := strconv.ParseBool(Setting(settings, key, "")); err == nil {
		return b
	}
	return fallback
}
