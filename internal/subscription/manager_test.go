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

package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailer/internal/models"
	"github.com/bcem/mailer/internal/provider"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]models.Subscription
}

func newMemStore() *memStore { return &memStore{subs: make(map[string]models.Subscription)} }

func (s *memStore) Upsert(_ context.Context, sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.AccountID] = sub
	return nil
}

func (s *memStore) Get(_ context.Context, accountID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[accountID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *memStore) GetBySubscriptionID(_ context.Context, id string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.SubscriptionID == id {
			return &sub, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListExpiringSoon(_ context.Context, buffer time.Duration) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == models.SubscriptionActive && time.Until(sub.ExpiresAt) < buffer {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) UpdateExpiry(_ context.Context, id string, expiry time.Time) error {
	return s.update(id, func(sub *models.Subscription) { sub.ExpiresAt = expiry })
}

func (s *memStore) MarkStatus(_ context.Context, id, status string) error {
	return s.update(id, func(sub *models.Subscription) { sub.Status = status })
}

func (s *memStore) update(id string, fn func(*models.Subscription)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sub := range s.subs {
		if sub.SubscriptionID == id {
			fn(&sub)
			s.subs[k] = sub
		}
	}
	return nil
}

// fakeGraph serves /subscriptions. PATCH answers 404 for ids in gone.
type fakeGraph struct {
	mu      sync.Mutex
	created []map[string]string
	patched []string
	gone    map[string]bool
}

func (g *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		g.mu.Lock()
		g.created = append(g.created, body)
		id := "sub-" + string(rune('0'+len(g.created)))
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "expirationDateTime": body["expirationDateTime"]})
	})
	mux.HandleFunc("PATCH /subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		g.mu.Lock()
		g.patched = append(g.patched, id)
		gone := g.gone[id]
		g.mu.Unlock()
		if gone {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type fakeMailbox struct {
	client  *http.Client
	base    string
	mailbox string
}

func (f *fakeMailbox) Send(context.Context, models.SendRequest) (models.SendResult, error) {
	return models.SendResult{}, nil
}
func (f *fakeMailbox) HTTPClient() *http.Client { return f.client }
func (f *fakeMailbox) BaseURL() string          { return f.base }
func (f *fakeMailbox) Mailbox() string          { return f.mailbox }

type mockResolver struct{ providers map[string]provider.Provider }

func (r *mockResolver) Resolve(_ context.Context, id string) (*provider.DispatchContext, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	return &provider.DispatchContext{Account: models.Account{ID: id}, Provider: p}, nil
}

func graphAccount(id string, webhook bool) models.Account {
	settings := map[string]string{"mailbox": id + "@corp.com"}
	if webhook {
		settings["webhook"] = "true"
	}
	return models.Account{ID: id, Provider: models.ProviderDescriptor{Type: models.ProviderGraph, Settings: settings}}
}

func newTestManager(t *testing.T, graph *fakeGraph, store Store) *Manager {
	t.Helper()
	srv := httptest.NewServer(graph.handler())
	t.Cleanup(srv.Close)

	resolver := &mockResolver{providers: map[string]provider.Provider{
		"ops": &fakeMailbox{client: srv.Client(), base: srv.URL, mailbox: "ops@corp.com"},
	}}
	return NewManager(ManagerConfig{
		Store:      store,
		Resolver:   resolver,
		Accounts:   []models.Account{graphAccount("ops", true), graphAccount("quiet", false), {ID: "fs"}},
		WebhookURL: "https://hooks.example.com/",
	})
}

// TestGenerateClientState verifies the random secret generator.
func TestGenerateClientState(t *testing.T) {
	s1 := generateClientState()
	s2 := generateClientState()

	if len(s1) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("expected 32 char hex string, got %d chars: %s", len(s1), s1)
	}
	if s1 == s2 {
		t.Error("two generated states should not be equal")
	}
}

// TestWatches verifies only Graph accounts with webhook=true are managed.
func TestWatches(t *testing.T) {
	tests := []struct {
		name    string
		account models.Account
		want    bool
	}{
		{"graph webhook", graphAccount("a", true), true},
		{"graph polling", graphAccount("a", false), false},
		{"smtp", models.Account{Provider: models.ProviderDescriptor{
			Type: models.ProviderSmtpImap, Settings: map[string]string{"webhook": "true"},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Watches(tt.account); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestStart_CreatesSubscription verifies a missing subscription is created
// on the account's inbox and a catch-up is requested.
func TestStart_CreatesSubscription(t *testing.T) {
	graph := &fakeGraph{}
	store := newMemStore()
	m := newTestManager(t, graph, store)

	gaps := make(chan string, 1)
	m.OnGapDetected = func(_ context.Context, accountID string, since time.Time) {
		gaps <- accountID
	}

	if got := m.AccountIDs(); len(got) != 1 || got[0] != "ops" {
		t.Fatalf("managed accounts = %v, want [ops]", got)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Stop()

	if len(graph.created) != 1 {
		t.Fatalf("created %d subscriptions, want 1", len(graph.created))
	}
	body := graph.created[0]
	if got, want := body["resource"], "/users/ops@corp.com/mailFolders('inbox')/messages"; got != want {
		t.Errorf("resource = %q, want %q", got, want)
	}
	if got, want := body["notificationUrl"], "https://hooks.example.com/webhook/ops"; got != want {
		t.Errorf("notificationUrl = %q, want %q", got, want)
	}
	if got, want := body["lifecycleNotificationUrl"], "https://hooks.example.com/lifecycle/ops"; got != want {
		t.Errorf("lifecycleNotificationUrl = %q, want %q", got, want)
	}

	sub, _ := store.Get(context.Background(), "ops")
	if sub == nil || sub.SubscriptionID != "sub-1" || sub.Status != models.SubscriptionActive || sub.ClientState != body["clientState"] {
		t.Errorf("stored = %+v", sub)
	}

	select {
	case id := <-gaps:
		if id != "ops" {
			t.Errorf("gap account = %q, want ops", id)
		}
	case <-time.After(2 * time.Second):
		t.Error("expected a catch-up request")
	}
}

// TestStart_RequiresWebhookURL verifies managed accounts need a public URL.
func TestStart_RequiresWebhookURL(t *testing.T) {
	m := NewManager(ManagerConfig{Store: newMemStore(), Accounts: []models.Account{graphAccount("ops", true)}})
	if err := m.Start(context.Background()); err == nil {
		t.Error("expected error without webhook URL")
	}
}

// TestEnsure_RenewsNearExpiry verifies an active subscription close to
// expiry is renewed instead of recreated.
func TestEnsure_RenewsNearExpiry(t *testing.T) {
	graph := &fakeGraph{}
	store := newMemStore()
	store.Upsert(context.Background(), models.Subscription{
		AccountID: "ops", SubscriptionID: "sub-old", Status: models.SubscriptionActive,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	})
	m := newTestManager(t, graph, store)

	if err := m.ensureSubscription(context.Background(), "ops"); err != nil {
		t.Fatalf("ensureSubscription: %v", err)
	}
	if len(graph.patched) != 1 || graph.patched[0] != "sub-old" || len(graph.created) != 0 {
		t.Errorf("patched %v, created %d", graph.patched, len(graph.created))
	}
	sub, _ := store.Get(context.Background(), "ops")
	if time.Until(sub.ExpiresAt) < 24*time.Hour {
		t.Errorf("expiry not extended: %v", sub.ExpiresAt)
	}
}

// TestRenew_RecreatesOn404 verifies a subscription Graph no longer knows
// is recreated.
func TestRenew_RecreatesOn404(t *testing.T) {
	graph := &fakeGraph{gone: map[string]bool{"sub-old": true}}
	store := newMemStore()
	old := models.Subscription{
		AccountID: "ops", SubscriptionID: "sub-old", Status: models.SubscriptionActive,
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	store.Upsert(context.Background(), old)
	m := newTestManager(t, graph, store)

	m.renewExpiring(context.Background())

	if len(graph.created) != 1 {
		t.Fatalf("created %d subscriptions, want 1", len(graph.created))
	}
	sub, _ := store.Get(context.Background(), "ops")
	if sub.SubscriptionID != "sub-1" || sub.Status != models.SubscriptionActive {
		t.Errorf("stored = %+v", sub)
	}
}

// TestHandleLifecycleEvent_Removed verifies a removed subscription is
// recreated right away.
func TestHandleLifecycleEvent_Removed(t *testing.T) {
	graph := &fakeGraph{}
	store := newMemStore()
	store.Upsert(context.Background(), models.Subscription{
		AccountID: "ops", SubscriptionID: "sub-old", Status: models.SubscriptionActive,
		ExpiresAt: time.Now().Add(48 * time.Hour),
	})
	m := newTestManager(t, graph, store)

	m.HandleLifecycleEvent(context.Background(), "subscriptionRemoved", "sub-old", "ops")

	sub, _ := store.Get(context.Background(), "ops")
	if sub.SubscriptionID != "sub-1" || sub.Status != models.SubscriptionActive {
		t.Errorf("stored = %+v", sub)
	}
}

// TestRenewalInterval verifies the loop runs at half the buffer, at least
// once a minute.
func TestRenewalInterval(t *testing.T) {
	tests := []struct {
		buffer time.Duration
		want   time.Duration
	}{
		{2 * time.Hour, time.Hour},
		{90 * time.Second, time.Minute},
	}
	for _, tt := range tests {
		m := NewManager(ManagerConfig{RenewBuffer: tt.buffer})
		if got := m.renewalInterval(); got != tt.want {
			t.Errorf("buffer %v: got %v, want %v", tt.buffer, got, tt.want)
		}
	}
}

// TestMaxSubscriptionMinutes verifies the constant matches Graph API docs.
func TestMaxSubscriptionMinutes(t *testing.T) {
	if maxSubscriptionMinutes != 4230 {
		t.Errorf("maxSubscriptionMinutes = %d, want 4230", maxSubscriptionMinutes)
	}
}
