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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bcem/mailer/internal/models"
)

// messageFields is the $select list shared by fetch and list calls.
const messageFields = "id,conversationId,subject,from,toRecipients,body,receivedDateTime,internetMessageHeaders"

// graphMessage represents the relevant fields from a Graph API message response.
type graphMessage struct {
	ID                     string          `json:"id"`
	ConversationID         string          `json:"conversationId"`
	Subject                string          `json:"subject"`
	From                   recipient       `json:"from"`
	ToRecipients           []recipient     `json:"toRecipients"`
	Body                   itemBody        `json:"body"`
	ReceivedDateTime       string          `json:"receivedDateTime"`
	InternetMessageHeaders []messageHeader `json:"internetMessageHeaders"`
}

// messagesPage is one page of a message list response.
type messagesPage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// parseGraphMessage decodes a single message response.
func parseGraphMessage(body io.Reader) (*models.InboundMessage, error) {
	var msg graphMessage
	if err := json.NewDecoder(body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode graph message: %w", err)
	}
	return msg.inbound(), nil
}

// inbound converts a Graph message into the provider-neutral form.
func (m graphMessage) inbound() *models.InboundMessage {
	headers := make(map[string]string, len(m.InternetMessageHeaders))
	for _, h := range m.InternetMessageHeaders {
		headers[h.Name] = h.Value
	}

	to := make([]models.Address, 0, len(m.ToRecipients))
	for _, r := range m.ToRecipients {
		to = append(to, models.Address{Email: r.EmailAddress.Address, Name: r.EmailAddress.Name})
	}

	received := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		received = t.UTC()
	}

	msg := &models.InboundMessage{
		ProviderMessageID: m.ID,
		ThreadID:          m.ConversationID,
		From:              models.Address{Email: m.From.EmailAddress.Address, Name: m.From.EmailAddress.Name},
		To:                to,
		Subject:           m.Subject,
		ReceivedAt:        received,
		Headers:           headers,
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		msg.HTMLBody = m.Body.Content
	} else {
		msg.TextBody = m.Body.Content
	}
	return msg
}
