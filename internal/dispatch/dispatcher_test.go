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

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/policy"
	"github.com/bcem/mailer/internal/templates"
)

// --- Mocks ---

type mockTemplates struct {
	templates map[string]*templates.Template
}

func (m *mockTemplates) Get(_ context.Context, key string) (*templates.Template, error) {
	t, ok := m.templates[strings.ToLower(key)]
	if !ok {
		return nil, models.ErrTemplateNotFound
	}
	return t, nil
}

type mockProvider struct {
	mu    sync.Mutex
	sent  []models.SendRequest
	fail  error
	calls int
}

func (m *mockProvider) Send(_ context.Context, req models.SendRequest) (models.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail != nil {
		return models.SendResult{}, m.fail
	}
	m.sent = append(m.sent, req)
	return models.SendResult{MessageID: "msg-1", ThreadID: "thr-1"}, nil
}

type mockStore struct {
	mu      sync.Mutex
	records map[string]models.DispatchRecord
	fail    error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]models.DispatchRecord)}
}

func (m *mockStore) Save(_ context.Context, rec models.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.records[rec.TrackingID] = rec
	return nil
}

type mockGuard struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func (m *mockGuard) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimed[id] {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *mockGuard) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, id)
	m.released = append(m.released, id)
	return nil
}

type mockEvents struct {
	mu    sync.Mutex
	types []string
}

func (m *mockEvents) Publish(_ context.Context, eventType, _ string, _ any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, eventType)
	return nil
}

// --- Helpers ---

func newTestDispatcher(store Store, guard Guard, events EventPublisher) *Dispatcher {
	d := NewDispatcher(DispatcherConfig{
		Templates: &mockTemplates{templates: map[string]*templates.Template{
			"welcome": {
				Key:             "welcome",
				Version:         "2.1.0",
				SubjectTemplate: "Case {{ID}} for {{Name}}",
				Body:            "<p>Hello {{name}}, ref {{id}} {{Unknown}}</p>",
			},
		}},
		Policy:     policy.NewRecipientPolicy([]string{"corp.com"}),
		Store:      store,
		Guard:      guard,
		Events:     events,
		SigningKey: []byte("test-key"),
	})
	d.newID = func() (string, error) { return "AC-0042", nil }
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return d
}

func newRequest() Request {
	return Request{
		Account: models.Account{
			ID:          "ops",
			DisplayName: "Operations",
			Provider:    models.ProviderDescriptor{Name: "fs", Type: models.ProviderFileSystem},
		},
		To:          []models.Address{{Email: "ana@client.com", Name: "Ana"}},
		Cc:          []models.Address{{Email: "boss@corp.com"}},
		TemplateKey: "welcome",
		Values:      map[string]string{"name": "Ana", "id": "caller-supplied"},
	}
}

// --- Tests ---

// TestGeneratePreview verifies rendering with the injected tracking id.
func TestGeneratePreview(t *testing.T) {
	d := newTestDispatcher(newMockStore(), nil, nil)

	p, err := d.GeneratePreview(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("GeneratePreview: %v", err)
	}

	if p.TrackingID != "AC-0042" {
		t.Errorf("tracking id = %q, want AC-0042", p.TrackingID)
	}
	if p.Subject != "Case AC-0042 for Ana" {
		t.Errorf("subject = %q", p.Subject)
	}
	if p.BodyHTML != "<p>Hello Ana, ref AC-0042 {{Unknown}}</p>" {
		t.Errorf("body = %q", p.BodyHTML)
	}
	if p.TemplateVersion != "2.1.0" {
		t.Errorf("version = %q, want 2.1.0", p.TemplateVersion)
	}
	if p.Signature == "" {
		t.Error("signature should be set")
	}
}

// TestGeneratePreview_Errors verifies validation and missing templates.
func TestGeneratePreview_Errors(t *testing.T) {
	d := newTestDispatcher(newMockStore(), nil, nil)

	req := newRequest()
	req.TemplateKey = "missing"
	if _, err := d.GeneratePreview(context.Background(), req); !errors.Is(err, models.ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}

	req = newRequest()
	req.To = []models.Address{{Email: " "}}
	if _, err := d.GeneratePreview(context.Background(), req); !errors.Is(err, models.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.GeneratePreview(ctx, newRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// TestSend_MatchesPreview verifies the provider receives the previewed
// content byte for byte and the record carries the preview's tracking id.
func TestSend_MatchesPreview(t *testing.T) {
	store := newMockStore()
	events := &mockEvents{}
	d := newTestDispatcher(store, nil, events)
	prov := &mockProvider{}

	req := newRequest()
	preview, err := d.GeneratePreview(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePreview: %v", err)
	}

	out, err := d.Send(context.Background(), req, preview, prov)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if len(prov.sent) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(prov.sent))
	}
	sent := prov.sent[0]
	if sent.Content.Subject != preview.Subject || sent.Content.HTMLBody != preview.BodyHTML {
		t.Errorf("sent content %+v does not match preview", sent.Content)
	}
	if sent.TrackingID != preview.TrackingID {
		t.Errorf("sent tracking id = %q, want %q", sent.TrackingID, preview.TrackingID)
	}

	rec, ok := store.records[preview.TrackingID]
	if !ok {
		t.Fatal("no dispatch record saved")
	}
	if rec.ProviderMessageID != "msg-1" || rec.ProviderThreadID != "thr-1" {
		t.Errorf("record provider ids = %q/%q", rec.ProviderMessageID, rec.ProviderThreadID)
	}
	if rec.TemplateVersion != "2.1.0" || rec.AccountID != "ops" {
		t.Errorf("record = %+v", rec)
	}
	if rec.SentAt.IsZero() || rec.LoggedAt.IsZero() {
		t.Error("record timestamps should be set")
	}
	if out.Record.TrackingID != preview.TrackingID {
		t.Errorf("outcome tracking id = %q", out.Record.TrackingID)
	}
	if len(events.types) != 1 || events.types[0] != "dispatch.sent" {
		t.Errorf("events = %v, want [dispatch.sent]", events.types)
	}
}

// TestSend_SignatureMismatch verifies any change after preview is rejected.
func TestSend_SignatureMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request, *Preview)
	}{
		{"to", func(r *Request, _ *Preview) { r.To = append(r.To, models.Address{Email: "x@client.com"}) }},
		{"to name", func(r *Request, _ *Preview) { r.To[0].Name = "Other" }},
		{"cc", func(r *Request, _ *Preview) { r.Cc = nil }},
		{"bcc", func(r *Request, _ *Preview) { r.Bcc = []models.Address{{Email: "b@client.com"}} }},
		{"value", func(r *Request, _ *Preview) { r.Values["name"] = "Bia" }},
		{"new value", func(r *Request, _ *Preview) { r.Values["extra"] = "" }},
		{"template", func(r *Request, _ *Preview) { r.TemplateKey = "WELCOME" }},
		{"account", func(r *Request, _ *Preview) { r.Account.ID = "other" }},
		{"subject", func(_ *Request, p *Preview) { p.Subject += "!" }},
		{"body", func(_ *Request, p *Preview) { p.BodyHTML = "<p>changed</p>" }},
		{"tracking id", func(_ *Request, p *Preview) { p.TrackingID = "AC-9999" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			d := newTestDispatcher(store, nil, nil)
			prov := &mockProvider{}

			req := newRequest()
			preview, err := d.GeneratePreview(context.Background(), req)
			if err != nil {
				t.Fatalf("GeneratePreview: %v", err)
			}

			tt.mutate(&req, preview)
			_, err = d.Send(context.Background(), req, preview, prov)
			if !errors.Is(err, models.ErrSignatureMismatch) {
				t.Fatalf("err = %v, want ErrSignatureMismatch", err)
			}
			if prov.calls != 0 {
				t.Error("provider must not be called on mismatch")
			}
			if len(store.records) != 0 {
				t.Error("no record may be written on mismatch")
			}
		})
	}
}

// TestSend_PolicyViolation verifies the policy runs again at send time.
func TestSend_PolicyViolation(t *testing.T) {
	d := newTestDispatcher(newMockStore(), nil, nil)
	prov := &mockProvider{}

	req := newRequest()
	req.Cc = []models.Address{{Email: "x@other.com"}}
	preview, err := d.GeneratePreview(context.Background(), req)
	if err != nil {
		t.Fatalf("GeneratePreview: %v", err)
	}

	_, err = d.Send(context.Background(), req, preview, prov)
	if !errors.Is(err, models.ErrRecipientPolicy) {
		t.Errorf("err = %v, want ErrRecipientPolicy", err)
	}
	if prov.calls != 0 {
		t.Error("provider must not be called on policy violation")
	}
}

// TestSend_ProviderFailure verifies no record is written and the guard is
// released so the send can be retried.
func TestSend_ProviderFailure(t *testing.T) {
	store := newMockStore()
	guard := &mockGuard{claimed: make(map[string]bool)}
	d := newTestDispatcher(store, guard, nil)
	prov := &mockProvider{fail: errors.New("smtp 451")}

	req := newRequest()
	preview, _ := d.GeneratePreview(context.Background(), req)

	if _, err := d.Send(context.Background(), req, preview, prov); err == nil {
		t.Fatal("expected provider error")
	}
	if len(store.records) != 0 {
		t.Error("provider failure must not create a record")
	}
	if len(guard.released) != 1 || guard.released[0] != "AC-0042" {
		t.Errorf("released = %v, want [AC-0042]", guard.released)
	}

	prov.fail = nil
	if _, err := d.Send(context.Background(), req, preview, prov); err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if len(store.records) != 1 {
		t.Errorf("records = %d, want 1", len(store.records))
	}
}

// TestSend_GuardRejectsSecondSend verifies a preview cannot be delivered twice.
func TestSend_GuardRejectsSecondSend(t *testing.T) {
	guard := &mockGuard{claimed: make(map[string]bool)}
	d := newTestDispatcher(newMockStore(), guard, nil)
	prov := &mockProvider{}

	req := newRequest()
	preview, _ := d.GeneratePreview(context.Background(), req)

	if _, err := d.Send(context.Background(), req, preview, prov); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := d.Send(context.Background(), req, preview, prov); !errors.Is(err, ErrAlreadySent) {
		t.Errorf("err = %v, want ErrAlreadySent", err)
	}
	if prov.calls != 1 {
		t.Errorf("provider calls = %d, want 1", prov.calls)
	}
}

// TestSend_StoreFailureIsNotFatal verifies a failed record write after a
// successful send still reports success.
func TestSend_StoreFailureIsNotFatal(t *testing.T) {
	store := newMockStore()
	store.fail = errors.New("db down")
	d := newTestDispatcher(store, nil, nil)
	prov := &mockProvider{}

	req := newRequest()
	preview, _ := d.GeneratePreview(context.Background(), req)

	out, err := d.Send(context.Background(), req, preview, prov)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Result.MessageID != "msg-1" {
		t.Errorf("message id = %q, want msg-1", out.Result.MessageID)
	}
}

// TestValueMap verifies ID overrides caller keys case-insensitively.
func TestValueMap(t *testing.T) {
	got := valueMap(map[string]string{"Id": "x", " id ": "y", "name": "Ana"}, "AC-1234")
	if len(got) != 2 || got["ID"] != "AC-1234" || got["name"] != "Ana" {
		t.Errorf("got %v", got)
	}
}
