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

// Package gmailapi implements a provider on the Gmail REST API, sending raw
// RFC 5322 messages and reading the inbox with a search query.
package gmailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

const defaultUser = "me"

// Config holds the OAuth2 credentials of one Gmail account.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	User         string
	From         string
	BaseURL      string       // overrides the API endpoint
	HTTPClient   *http.Client // preauthorized client; skips the refresh token
}

// Provider sends and reads mail for one Gmail user.
type Provider struct {
	srv  *gmail.Service
	user string
	from string
}

// New creates a Gmail provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RefreshToken == "" {
			return nil, models.NewValidationError("refreshToken", "gmail credentials are incomplete")
		}
		oauthConfig := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailSendScope, gmail.GmailReadonlyScope},
		}
		httpClient = oauthConfig.Client(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}

	user := cfg.User
	if user == "" {
		user = defaultUser
	}
	return &Provider{srv: srv, user: user, from: cfg.From}, nil
}

// Factory builds Gmail providers from descriptor settings.
func Factory(ctx context.Context, desc models.ProviderDescriptor) (provider.Provider, error) {
	p, err := New(ctx, Config{
		ClientID:     provider.Setting(desc.Settings, "clientId", ""),
		ClientSecret: provider.Setting(desc.Settings, "clientSecret", ""),
		RefreshToken: provider.Setting(desc.Settings, "refreshToken", ""),
		User:         provider.Setting(desc.Settings, "user", defaultUser),
		From:         provider.Setting(desc.Settings, "from", ""),
		BaseURL:      provider.Setting(desc.Settings, "baseUrl", ""),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Send uploads the composed message as base64url raw content.
func (p *Provider) Send(ctx context.Context, req models.SendRequest) (models.SendResult, error) {
	raw, _, err := mime.Compose(mime.Message{
		From:       models.Address{Email: p.from, Name: req.Account.DisplayName},
		Envelope:   req.Envelope,
		Content:    req.Content,
		TrackingID: req.TrackingID,
	})
	if err != nil {
		return models.SendResult{}, fmt.Errorf("compose message: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	sent, err := p.srv.Users.Messages.Send(p.user, msg).Context(ctx).Do()
	if err != nil {
		return models.SendResult{}, fmt.Errorf("gmail send: %w", err)
	}
	return models.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId, SentAt: time.Now().UTC()}, nil
}

// FetchMessage loads one message by Gmail id. A deleted message yields
// nil, nil.
func (p *Provider) FetchMessage(ctx context.Context, id string) (*models.InboundMessage, error) {
	msg, err := p.srv.Users.Messages.Get(p.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			slog.Warn("message not found (may have been deleted)", "user", p.user, "message_id", id)
			return nil, nil
		}
		return nil, fmt.Errorf("gmail get %s: %w", id, err)
	}
	return parseRaw(msg)
}

// ListInbox returns inbox messages received at or after since, oldest first.
func (p *Provider) ListInbox(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	var ids []string
	call := p.srv.Users.Messages.List(p.user).Q(fmt.Sprintf("in:inbox after:%d", since.Unix()))
	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	out := make([]models.InboundMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := p.FetchMessage(ctx, id)
		if err != nil {
			return out, err
		}
		if msg == nil || msg.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, *msg)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// parseRaw decodes a format=raw message. The Gmail id replaces the
// Message-Id as the provider message id, and internalDate wins over Date.
func parseRaw(msg *gmail.Message) (*models.InboundMessage, error) {
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, fmt.Errorf("decode raw message %s: %w", msg.Id, err)
		}
	}

	parsed, err := mime.Parse(bytes.NewReader(raw))
	if parsed == nil {
		return nil, fmt.Errorf("parse message %s: %w", msg.Id, err)
	}
	parsed.ProviderMessageID = msg.Id
	parsed.ThreadID = msg.ThreadId
	if msg.InternalDate > 0 {
		parsed.ReceivedAt = time.UnixMilli(msg.InternalDate).UTC()
	}
	return parsed, nil
}
