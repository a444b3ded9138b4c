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

package gmailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/bcem/mailer/internal/mime"
	"github.com/bcem/mailer/internal/models"
)

// fakeGmail serves the three Gmail endpoints the provider uses.
type fakeGmail struct {
	mu      sync.Mutex
	sentRaw []string
	queries []string
	srv     *httptest.Server
}

func rawMessage(messageID, subject string) string {
	return base64.URLEncoding.EncodeToString([]byte(
		"From: Ana <ana@client.com>\r\n" +
			"Subject: " + subject + "\r\n" +
			"Message-Id: <" + messageID + ">\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"\r\n" +
			"segue documento\r\n"))
}

func newFakeGmail(t *testing.T) *fakeGmail {
	t.Helper()
	f := &fakeGmail{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var m gmail.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.sentRaw = append(f.sentRaw, m.Raw)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "g-1", "threadId": "t-1"}`))
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.Query().Get("q"))
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [{"id": "late"}, {"id": "early"}, {"id": "old"}]}`))
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		dates := map[string]time.Time{
			"late":  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			"early": time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			"old":   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		}
		id := r.PathValue("id")
		date, ok := dates[id]
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
			return
		}
		if r.URL.Query().Get("format") != "raw" {
			http.Error(w, "format=raw expected", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id": %q, "threadId": "thr-%s", "internalDate": "%d", "raw": %q}`,
			id, id, date.UnixMilli(), rawMessage(id+"@client.com", "RE: AC-1234 "+id))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGmail) provider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{
		From:       "ops@corp.com",
		BaseURL:    f.srv.URL,
		HTTPClient: f.srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// TestSend verifies the raw upload and returned ids.
func TestSend(t *testing.T) {
	f := newFakeGmail(t)
	p := f.provider(t)

	res, err := p.Send(context.Background(), models.SendRequest{
		Account:    models.Account{ID: "ops", DisplayName: "Operations"},
		Envelope:   models.Envelope{To: []models.Address{{Email: "ana@client.com"}}},
		Content:    models.Content{Subject: "Caso AC-1234", HTMLBody: "<p>ok</p>"},
		TrackingID: "AC-1234",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "g-1" || res.ThreadID != "t-1" {
		t.Errorf("result = %+v, want g-1/t-1", res)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := base64.URLEncoding.DecodeString(f.sentRaw[0])
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	msg, err := mime.Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Subject != "Caso AC-1234" || msg.From.Email != "ops@corp.com" || msg.Headers[mime.TrackingHeader] != "AC-1234" {
		t.Errorf("uploaded message = %+v", msg)
	}
}

// TestListInbox verifies the query, the since filter and ordering.
func TestListInbox(t *testing.T) {
	f := newFakeGmail(t)
	p := f.provider(t)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	msgs, err := p.ListInbox(context.Background(), since)
	if err != nil {
		t.Fatalf("ListInbox: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ProviderMessageID != "early" || msgs[1].ProviderMessageID != "late" {
		t.Errorf("order = %q, %q", msgs[0].ProviderMessageID, msgs[1].ProviderMessageID)
	}
	if msgs[0].ThreadID != "thr-early" || msgs[0].Headers["Message-Id"] != "<early@client.com>" {
		t.Errorf("msg = %+v", msgs[0])
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if want := fmt.Sprintf("in:inbox after:%d", since.Unix()); f.queries[0] != want {
		t.Errorf("got %q, want %q", f.queries[0], want)
	}
}

// TestFetchMessage_Missing verifies deleted messages are not errors.
func TestFetchMessage_Missing(t *testing.T) {
	p := newFakeGmail(t).provider(t)
	msg, err := p.FetchMessage(context.Background(), "gone")
	if err != nil || msg != nil {
		t.Errorf("got %+v, %v; want nil, nil", msg, err)
	}
}

// TestNew_RequiresCredentials verifies descriptor validation.
func TestNew_RequiresCredentials(t *testing.T) {
	_, err := Factory(context.Background(), models.ProviderDescriptor{
		Type:     models.ProviderGmailAPI,
		Settings: map[string]string{"clientId": "c"},
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
