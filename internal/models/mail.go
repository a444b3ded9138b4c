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

// Package models defines the data structures shared across the mailer service.
package models

import (
	"net/mail"
	"strings"
	"time"
)

// ProviderType tags the transport behind a provider descriptor.
type ProviderType string

const (
	ProviderGraph      ProviderType = "Graph"
	ProviderSmtpImap   ProviderType = "SmtpImap"
	ProviderGmailAPI   ProviderType = "GmailApi"
	ProviderFileSystem ProviderType = "FileSystem"
)

// ProviderTypes lists every known provider type in a stable order.
var ProviderTypes = []ProviderType{ProviderGraph, ProviderSmtpImap, ProviderGmailAPI, ProviderFileSystem}

// ParseProviderType matches a provider type name case-insensitively.
func ParseProviderType(s string) (ProviderType, bool) {
	s = strings.TrimSpace(s)
	for _, t := range ProviderTypes {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// ProviderDescriptor describes how to build a live provider. Settings may
// hold opaque vault references instead of plaintext secrets.
type ProviderDescriptor struct {
	Name     string            `json:"name"`
	Type     ProviderType      `json:"type"`
	Settings map[string]string `json:"settings,omitempty"`
}

// Account identifies a sending mailbox.
type Account struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Provider    ProviderDescriptor `json:"provider"`
}

// Address is a sender or recipient with an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// String renders the address in RFC 5322 form.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return (&mail.Address{Name: a.Name, Address: a.Email}).String()
}

// Envelope holds the sanitized recipient lists of an outbound message.
type Envelope struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc,omitempty"`
	Bcc []Address `json:"bcc,omitempty"`
}

// Content is the rendered subject and HTML body of an outbound message.
type Content struct {
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

// SendRequest is everything a provider needs to deliver one message.
type SendRequest struct {
	Account    Account
	Envelope   Envelope
	Content    Content
	TrackingID string
}

// SendResult is what a provider reports after a successful delivery.
type SendResult struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// DispatchRecord is the audit entry written once per tracking id after the
// provider confirmed delivery.
type DispatchRecord struct {
	TrackingID        string    `json:"tracking_id"`
	TemplateKey       string    `json:"template_key"`
	TemplateVersion   string    `json:"template_version"`
	AccountID         string    `json:"account_id"`
	AccountName       string    `json:"account_name"`
	Envelope          Envelope  `json:"envelope"`
	ProviderMessageID string    `json:"provider_message_id"`
	ProviderThreadID  string    `json:"provider_thread_id,omitempty"`
	SentAt            time.Time `json:"sent_at"`
	LoggedAt          time.Time `json:"logged_at"`
}

// InboundMessage is a message read from a provider mailbox, before any
// return processing.
type InboundMessage struct {
	ProviderMessageID string            `json:"provider_message_id"`
	ThreadID          string            `json:"thread_id,omitempty"`
	From              Address           `json:"from"`
	To                []Address         `json:"to,omitempty"`
	Subject           string            `json:"subject"`
	TextBody          string            `json:"text_body,omitempty"`
	HTMLBody          string            `json:"html_body,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
	Headers           map[string]string `json:"headers,omitempty"`
}
