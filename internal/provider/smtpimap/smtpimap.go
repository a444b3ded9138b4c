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

// Package smtpimap implements a provider that sends through SMTP and reads
// the inbox over IMAP, with either password or OAuth2 credentials.
package smtpimap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

const dialTimeout = 30 * time.Second

// Config holds SMTP and IMAP connection settings for one mailbox.
type Config struct {
	SMTPHost    string
	SMTPPort    int
	UseStartTLS bool
	IMAPHost    string
	IMAPPort    int
	UseIMAPSSL  bool
	Username    string
	Password    string
	From        string

	OAuthClientID     string
	OAuthClientSecret string
	RefreshToken      string
	TokenURL          string
}

// usesOAuth reports whether the account authenticates with a refresh token.
func (c Config) usesOAuth() bool {
	return c.RefreshToken != "" && c.TokenURL != ""
}

// Provider sends over SMTP and lists the inbox over IMAP.
type Provider struct {
	cfg    Config
	tokens oauth2.TokenSource // nil for password accounts

	// dialSMTP returns a connected client, past TLS negotiation.
	dialSMTP func(ctx context.Context) (*smtp.Client, error)
}

// New validates cfg and creates a provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, models.NewValidationError("smtpHost", "smtp host is required")
	}
	if cfg.SMTPPort <= 0 {
		cfg.SMTPPort = 587
	}
	if cfg.IMAPPort <= 0 {
		cfg.IMAPPort = 993
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}

	p := &Provider{cfg: cfg}
	if cfg.usesOAuth() {
		oc := &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
		p.tokens = oc.TokenSource(context.WithoutCancel(ctx), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	}
	p.dialSMTP = p.connectSMTP
	return p, nil
}

// Factory builds SMTP/IMAP providers from descriptor settings.
func Factory(ctx context.Context, desc models.ProviderDescriptor) (provider.Provider, error) {
	s := desc.Settings
	p, err := New(ctx, Config{
		SMTPHost:          provider.Setting(s, "smtpHost", ""),
		SMTPPort:          provider.SettingInt(s, "smtpPort", 587),
		UseStartTLS:       provider.SettingBool(s, "useStartTls", true),
		IMAPHost:          provider.Setting(s, "imapHost", ""),
		IMAPPort:          provider.SettingInt(s, "imapPort", 993),
		UseIMAPSSL:        provider.SettingBool(s, "useImapSsl", true),
		Username:          provider.Setting(s, "username", ""),
		Password:          provider.Setting(s, "password", ""),
		From:              provider.Setting(s, "from", ""),
		OAuthClientID:     provider.Setting(s, "oauthClientId", ""),
		OAuthClientSecret: provider.Setting(s, "oauthClientSecret", ""),
		RefreshToken:      provider.Setting(s, "refreshToken", ""),
		TokenURL:          provider.Setting(s, "tokenUrl", ""),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Send composes the message and delivers it to every recipient. Bcc
// addresses get an RCPT but never a header.
func (p *Provider) Send(ctx context.Context, req models.SendRequest) (models.SendResult, error) {
	now := time.Now().UTC()
	raw, messageID, err := mime.Compose(mime.Message{
		From:       models.Address{Email: p.cfg.From, Name: req.Account.DisplayName},
		Envelope:   req.Envelope,
		Content:    req.Content,
		TrackingID: req.TrackingID,
		Date:       now,
	})
	if err != nil {
		return models.SendResult{}, fmt.Errorf("compose message: %w", err)
	}

	client, err := p.dialSMTP(ctx)
	if err != nil {
		return models.SendResult{}, err
	}
	defer client.Close()

	if auth, err := p.smtpAuth(ctx); err != nil {
		return models.SendResult{}, err
	} else if auth != nil {
		if err := client.Auth(auth); err != nil {
			return models.SendResult{}, fmt.Errorf("SMTP auth: %w", err)
		}
	}

	if err := client.Mail(p.cfg.From); err != nil {
		return models.SendResult{}, fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range envelopeRecipients(req.Envelope) {
		if err := client.Rcpt(rcpt); err != nil {
			return models.SendResult{}, fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return models.SendResult{}, fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return models.SendResult{}, fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return models.SendResult{}, fmt.Errorf("closing message: %w", err)
	}
	if err := client.Quit(); err != nil {
		slog.Warn("SMTP QUIT failed after delivery", "tracking_id", req.TrackingID, "error", err)
	}

	return models.SendResult{MessageID: messageID, SentAt: now}, nil
}

// connectSMTP dials with implicit TLS, or in plain text followed by a
// mandatory STARTTLS.
func (p *Provider) connectSMTP(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(p.cfg.SMTPHost, strconv.Itoa(p.cfg.SMTPPort))
	tlsConfig := &tls.Config{ServerName: p.cfg.SMTPHost}

	var conn net.Conn
	var err error
	if p.cfg.UseStartTLS {
		d := &net.Dialer{Timeout: dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := &tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}, Config: tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, p.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}

	if p.cfg.UseStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, fmt.Errorf("SMTP server %s does not offer STARTTLS", addr)
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
		}
	}
	return client, nil
}

// smtpAuth picks XOAUTH2 for refresh-token accounts, PLAIN for password
// accounts and nothing otherwise.
func (p *Provider) smtpAuth(ctx context.Context) (smtp.Auth, error) {
	switch {
	case p.tokens != nil:
		tok, err := p.accessToken(ctx)
		if err != nil {
			return nil, err
		}
		return xoauth2Auth{username: p.cfg.Username, token: tok}, nil
	case p.cfg.Username != "" && p.cfg.Password != "":
		return smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.SMTPHost), nil
	default:
		return nil, nil
	}
}

func (p *Provider) accessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := p.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token: %w", err)
	}
	return tok.AccessToken, nil
}

func envelopeRecipients(env models.Envelope) []string {
	out := make([]string, 0, len(env.To)+len(env.Cc)+len(env.Bcc))
	for _, list := range [][]models.Address{env.To, env.Cc, env.Bcc} {
		for _, a := range list {
			out = append(out, a.Email)
		}
	}
	return out
}
