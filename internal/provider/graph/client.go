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

// Package graph implements the Microsoft Graph provider: sendMail for
// outbound mail, message fetch for webhook notifications and inbox listing
// for the poller and backfill.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

const graphScope = "https://graph.microsoft.com/.default"

// Config holds the credentials and mailbox of one Graph account.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Mailbox      string
	BaseURL      string
	TokenURL     string       // defaults to the tenant's v2.0 token endpoint
	HTTPClient   *http.Client // preauthorized client; skips client credentials
}

// Provider talks to one Graph mailbox.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	mailbox    string
}

// New creates a Graph provider. The token source outlives ctx cancellation
// so a provider built for one request can still refresh its token.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.Mailbox) == "" {
		return nil, models.NewValidationError("mailbox", "graph mailbox is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		required := []struct{ field, value string }{
			{"tenantId", cfg.TenantID},
			{"clientId", cfg.ClientID},
			{"clientSecret", cfg.ClientSecret},
		}
		for _, r := range required {
			if strings.TrimSpace(r.value) == "" {
				return nil, models.NewValidationError(r.field, "graph credentials are incomplete")
			}
		}
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
		}
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
		}
		client = cc.Client(context.WithoutCancel(ctx))
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	return &Provider{httpClient: client, baseURL: base, mailbox: cfg.Mailbox}, nil
}

// Factory builds Graph providers from descriptor settings.
func Factory(ctx context.Context, desc models.ProviderDescriptor) (provider.Provider, error) {
	p, err := New(ctx, Config{
		TenantID:     provider.Setting(desc.Settings, "tenantId", ""),
		ClientID:     provider.Setting(desc.Settings, "clientId", ""),
		ClientSecret: provider.Setting(desc.Settings, "clientSecret", ""),
		Mailbox:      provider.Setting(desc.Settings, "mailbox", ""),
		BaseURL:      provider.Setting(desc.Settings, "baseUrl", ""),
		TokenURL:     provider.Setting(desc.Settings, "tokenUrl", ""),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// HTTPClient returns the authorized client, shared with the subscription
// manager.
func (p *Provider) HTTPClient() *http.Client { return p.httpClient }

// BaseURL returns the Graph endpoint in use.
func (p *Provider) BaseURL() string { return p.baseURL }

// Mailbox returns the user id or UPN the provider acts for.
func (p *Provider) Mailbox() string { return p.mailbox }

// userURL builds an absolute URL under /users/{mailbox}.
func (p *Provider) userURL(path string) string {
	return fmt.Sprintf("%s/users/%s%s", p.baseURL, url.PathEscape(p.mailbox), path)
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sendMailRequest struct {
	Message struct {
		Subject                string          `json:"subject"`
		Body                   itemBody        `json:"body"`
		ToRecipients           []recipient     `json:"toRecipients"`
		CcRecipients           []recipient     `json:"ccRecipients,omitempty"`
		BccRecipients          []recipient     `json:"bccRecipients,omitempty"`
		InternetMessageHeaders []messageHeader `json:"internetMessageHeaders,omitempty"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

// Send posts the message to /sendMail. Graph returns 202 with no body, so
// the message id is derived from the tracking id.
func (p *Provider) Send(ctx context.Context, req models.SendRequest) (models.SendResult, error) {
	var payload sendMailRequest
	payload.Message.Subject = req.Content.Subject
	payload.Message.Body = itemBody{ContentType: "HTML", Content: req.Content.HTMLBody}
	payload.Message.ToRecipients = recipients(req.Envelope.To)
	payload.Message.CcRecipients = recipients(req.Envelope.Cc)
	payload.Message.BccRecipients = recipients(req.Envelope.Bcc)
	if req.TrackingID != "" {
		payload.Message.InternetMessageHeaders = []messageHeader{{Name: mime.TrackingHeader, Value: req.TrackingID}}
	}
	payload.SaveToSentItems = true

	body, err := json.Marshal(payload)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("marshal sendMail: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.userURL("/sendMail"), bytes.NewReader(body))
	if err != nil {
		return models.SendResult{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return models.SendResult{}, fmt.Errorf("sendMail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("graph sendMail failed",
			"mailbox", p.mailbox,
			"tracking_id", req.TrackingID,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return models.SendResult{}, fmt.Errorf("sendMail returned HTTP %d", resp.StatusCode)
	}

	messageID := uuid.NewString()
	if req.TrackingID != "" {
		messageID = req.TrackingID + ":" + messageID
	}
	return models.SendResult{MessageID: messageID, SentAt: time.Now().UTC()}, nil
}

func recipients(list []models.Address) []recipient {
	if len(list) == 0 {
		return nil
	}
	out := make([]recipient, 0, len(list))
	for _, a := range list {
		out = append(out, recipient{EmailAddress: emailAddress{Address: a.Email, Name: a.Name}})
	}
	return out
}
