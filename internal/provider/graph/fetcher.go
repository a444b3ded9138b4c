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

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bcem/mailer/internal/models"
)

// FetchMessage retrieves one message by Graph id. A message that no longer
// exists yields nil, nil.
func (p *Provider) FetchMessage(ctx context.Context, messageID string) (*models.InboundMessage, error) {
	u := p.userURL("/messages/"+url.PathEscape(messageID)) + "?$select=" + messageFields

	resp, err := p.get(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)",
			"mailbox", p.mailbox,
			"message_id", messageID,
		)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	msg, err := parseGraphMessage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return msg, nil
}

// ListInbox returns inbox messages received at or after since, oldest first,
// following @odata.nextLink until the listing is exhausted.
func (p *Provider) ListInbox(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	params.Set("$orderby", "receivedDateTime asc")
	params.Set("$select", messageFields)
	params.Set("$top", "50")

	var out []models.InboundMessage
	pageCount := 0
	for next := p.userURL("/mailFolders/inbox/messages") + "?" + params.Encode(); next != ""; {
		page, err := p.fetchPage(ctx, next)
		if err != nil {
			return out, fmt.Errorf("fetch page %d: %w", pageCount, err)
		}
		pageCount++

		for _, m := range page.Value {
			out = append(out, *m.inbound())
		}
		next = page.NextLink
	}

	slog.Debug("graph inbox listed",
		"mailbox", p.mailbox,
		"since", since,
		"pages", pageCount,
		"messages", len(out),
	)
	return out, nil
}

func (p *Provider) fetchPage(ctx context.Context, pageURL string) (*messagesPage, error) {
	resp, err := p.get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Error("messages list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("messages list returned HTTP %d", resp.StatusCode)
	}

	var page messagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	return &page, nil
}

func (p *Provider) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)
	return p.httpClient.Do(req)
}
