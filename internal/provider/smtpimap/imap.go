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

package smtpimap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
)

// connectIMAP dials, authenticates and returns the client. The caller must
// log out.
func (p *Provider) connectIMAP(ctx context.Context) (*imapclient.Client, error) {
	if p.cfg.IMAPHost == "" {
		return nil, models.NewValidationError("imapHost", "imap host is required to read the inbox")
	}
	addr := net.JoinHostPort(p.cfg.IMAPHost, strconv.Itoa(p.cfg.IMAPPort))

	var client *imapclient.Client
	var err error
	if p.cfg.UseIMAPSSL {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if p.tokens != nil {
		tok, terr := p.accessToken(ctx)
		if terr != nil {
			client.Close()
			return nil, terr
		}
		err = client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: p.cfg.Username,
			Token:    tok,
		}))
	} else {
		err = client.Login(p.cfg.Username, p.cfg.Password).Wait()
	}
	if err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("IMAP authentication failed for %s: %w", p.cfg.Username, err)
	}
	return client, nil
}

// ListInbox returns INBOX messages received at or after since, oldest first.
// IMAP SINCE has day granularity, so results are filtered again by time.
func (p *Provider) ListInbox(ctx context.Context, since time.Time) ([]models.InboundMessage, error) {
	client, err := p.connectIMAP(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting INBOX: %w", err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var out []models.InboundMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("IMAP fetch item failed", "error", err)
			continue
		}

		parsed := inboundFromBuffer(buf, buf.FindBodySection(bodySection))
		if parsed == nil || parsed.ReceivedAt.Before(since) {
			continue
		}
		out = append(out, *parsed)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, fmt.Errorf("fetching messages: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// inboundFromBuffer parses a fetched message. Messages without a Message-Id
// are keyed by UID.
func inboundFromBuffer(buf *imapclient.FetchMessageBuffer, raw []byte) *models.InboundMessage {
	if raw == nil {
		return nil
	}
	msg, err := mime.Parse(bytes.NewReader(raw))
	if msg == nil {
		slog.Warn("IMAP message unreadable", "uid", buf.UID, "error", err)
		return nil
	}
	if err != nil {
		slog.Debug("IMAP message parsed partially", "uid", buf.UID, "error", err)
	}
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = fmt.Sprintf("uid:%d", buf.UID)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = buf.InternalDate.UTC()
	}
	return msg
}
