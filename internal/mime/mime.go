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

// Package mime composes outbound RFC 5322 messages and parses inbound ones
// for the transports that speak raw MIME (SMTP, Gmail, the file outbox).
package mime

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 decoders
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/textnorm"
)

// TrackingHeader carries the tracking id on every composed message.
const TrackingHeader = "X-Tracking-Id"

// keptHeaders are copied into InboundMessage.Headers by Parse.
var keptHeaders = []string{"Message-Id", "In-Reply-To", "References", TrackingHeader, "Auto-Submitted"}

// Message is an outbound message ready to be serialized.
type Message struct {
	From       models.Address
	Envelope   models.Envelope
	Content    models.Content
	TrackingID string
	MessageID  string // generated when empty
	Date       time.Time
	IncludeBcc bool // only for copies kept on disk; SMTP must not see Bcc
	Headers    map[string]string
}

// Compose serializes m as multipart/alternative with a plain text part
// derived from the HTML. It returns the bytes and the Message-Id used.
func Compose(m Message) ([]byte, string, error) {
	var h mail.Header

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)

	if m.From.Email != "" {
		h.SetAddressList("From", addressList([]models.Address{m.From}))
	}
	h.SetAddressList("To", addressList(m.Envelope.To))
	if len(m.Envelope.Cc) > 0 {
		h.SetAddressList("Cc", addressList(m.Envelope.Cc))
	}
	if m.IncludeBcc && len(m.Envelope.Bcc) > 0 {
		h.SetAddressList("Bcc", addressList(m.Envelope.Bcc))
	}
	h.SetSubject(m.Content.Subject)

	messageID := strings.Trim(m.MessageID, "<> ")
	if messageID == "" {
		messageID = NewMessageID(m.TrackingID, m.From.Email)
	}
	h.SetMessageID(messageID)

	if m.TrackingID != "" {
		h.Set(TrackingHeader, m.TrackingID)
	}
	for k, v := range m.Headers {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("create inline writer: %w", err)
	}
	if err := writePart(tw, "text/plain", textnorm.Normalize(m.Content.HTMLBody)); err != nil {
		return nil, "", err
	}
	if err := writePart(tw, "text/html", m.Content.HTMLBody); err != nil {
		return nil, "", err
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("close inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close mail writer: %w", err)
	}

	return buf.Bytes(), messageID, nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return w.Close()
}

// NewMessageID builds a unique Message-Id in the sender's domain.
func NewMessageID(trackingID, from string) string {
	domain := "mailer.local"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	local := strings.ReplaceAll(uuid.New().String(), "-", "")
	if trackingID != "" {
		local = trackingID + "." + local
	}
	return local + "@" + domain
}

func addressList(list []models.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// Parse reads a raw message. Unparseable bodies fall back to plain text.
func Parse(r io.Reader) (*models.InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	msg := &models.InboundMessage{Headers: make(map[string]string)}

	if id, err := mr.Header.MessageID(); err == nil {
		msg.ProviderMessageID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.ReceivedAt = date.UTC()
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = models.Address{Email: from[0].Address, Name: from[0].Name}
	}
	if to, err := mr.Header.AddressList("To"); err == nil {
		for _, a := range to {
			msg.To = append(msg.To, models.Address{Email: a.Address, Name: a.Name})
		}
	}
	for _, k := range keptHeaders {
		if v := mr.Header.Get(k); v != "" {
			msg.Headers[k] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, fmt.Errorf("read part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(contentType, "text/plain") && msg.TextBody == "":
			msg.TextBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && msg.HTMLBody == "":
			msg.HTMLBody = string(body)
		}
	}

	return msg, nil
}
