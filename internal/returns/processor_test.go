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

package returns

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/mailer/internal/classify"
	"github.com/bcem/mailer/internal/models"
)

type countingClassifier struct {
	mu    sync.Mutex
	inner *classify.Classifier
	seen  []models.ReturnMessage
}

func (c *countingClassifier) Classify(ctx context.Context, msg models.ReturnMessage) (models.Classification, error) {
	c.mu.Lock()
	c.seen = append(c.seen, msg)
	c.mu.Unlock()
	return c.inner.Classify(ctx, msg)
}

func newTestProcessor() (*Processor, *MemoryStore, *countingClassifier) {
	cls := &countingClassifier{inner: classify.NewClassifier(classify.Rules{
		models.StatusValidated:   {{Term: "ok", Weight: 2}},
		models.StatusInvalidated: {{Term: "erro", Weight: 1}},
	})}
	store := NewMemoryStore()
	return NewProcessor(cls, store), store, cls
}

func inbound(id, subject, body string, at time.Time) models.ReturnMessage {
	return models.ReturnMessage{
		ProviderMessageID: id,
		AccountID:         "ops",
		ProviderType:      models.ProviderGraph,
		Sender:            models.Address{Email: "ana@client.com"},
		Subject:           subject,
		Body:              body,
		ReceivedAt:        at,
	}
}

// TestProcess_FirstReply verifies classification of a tokenized reply.
func TestProcess_FirstReply(t *testing.T) {
	p, _, cls := newTestProcessor()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := p.Process(context.Background(), inbound("m1", "RE: Caso ac-1234", "<p>tudo&nbsp;<b>ok</b></p>", at))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Record.TrackingKey != "AC-1234" || !res.Record.HasValidTrackingID {
		t.Errorf("tracking = %q/%v, want AC-1234/true", res.Record.TrackingKey, res.Record.HasValidTrackingID)
	}
	if res.Record.Classification.Status != models.StatusValidated {
		t.Errorf("status = %q, want Validated", res.Record.Classification.Status)
	}
	if !res.IsNewThread || res.IsDuplicate {
		t.Errorf("new=%v duplicate=%v, want true/false", res.IsNewThread, res.IsDuplicate)
	}
	if res.Record.BodyPreview != "tudo ok" {
		t.Errorf("preview = %q, want normalized body", res.Record.BodyPreview)
	}
	if cls.seen[0].Body != "tudo ok" {
		t.Errorf("classifier saw %q, want normalized body", cls.seen[0].Body)
	}
}

// TestProcess_Duplicate verifies the second reply for a key is a duplicate.
func TestProcess_Duplicate(t *testing.T) {
	p, _, _ := newTestProcessor()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := p.Process(context.Background(), inbound("m1", "AC-1234", "ok", at)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	res, err := p.Process(context.Background(), inbound("m2", "RE: AC-1234", "erro", at.Add(time.Hour)))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	c := res.Record.Classification
	if c.Status != models.StatusDuplicate {
		t.Errorf("status = %q, want Duplicate", c.Status)
	}
	if c.Score != 2 {
		t.Errorf("score = %v, want occurrence 2", c.Score)
	}
	if !strings.Contains(c.Reasons[0], "AC-1234") {
		t.Errorf("reason %q should cite the tracking key", c.Reasons[0])
	}
	if !res.IsDuplicate || res.IsNewThread {
		t.Errorf("duplicate=%v new=%v, want true/false", res.IsDuplicate, res.IsNewThread)
	}
	if len(res.Thread.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(res.Thread.Messages))
	}
}

// TestProcess_Reingest verifies the same message processed twice stays one record.
func TestProcess_Reingest(t *testing.T) {
	p, store, _ := newTestProcessor()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := inbound("m1", "AC-1234", "ok", at)

	p.Process(context.Background(), msg)
	res, err := p.Process(context.Background(), msg)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Record.Classification.Status != models.StatusValidated {
		t.Errorf("status = %q, want Validated", res.Record.Classification.Status)
	}

	thread, _ := store.Get(context.Background(), "AC-1234")
	if len(thread.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(thread.Messages))
	}
}

// TestProcess_ReingestKeepsClassification verifies a stored reply processed
// again after a later reply keeps its original classification.
func TestProcess_ReingestKeepsClassification(t *testing.T) {
	p, store, cls := newTestProcessor()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	first := inbound("m1", "AC-1234", "ok", at)

	if _, err := p.Process(context.Background(), first); err != nil {
		t.Fatalf("Process m1: %v", err)
	}
	if _, err := p.Process(context.Background(), inbound("m2", "RE: AC-1234", "erro", at.Add(time.Hour))); err != nil {
		t.Fatalf("Process m2: %v", err)
	}
	res, err := p.Process(context.Background(), first)
	if err != nil {
		t.Fatalf("Process m1 again: %v", err)
	}

	if res.Record.Classification.Status != models.StatusValidated || res.IsDuplicate {
		t.Errorf("got %q (duplicate=%v), want %q", res.Record.Classification.Status, res.IsDuplicate, models.StatusValidated)
	}
	if len(cls.seen) != 1 {
		t.Errorf("classifier calls = %d, want 1", len(cls.seen))
	}

	thread, _ := store.Get(context.Background(), "AC-1234")
	if len(thread.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(thread.Messages))
	}
	tests := []struct {
		id     string
		status models.ReturnStatus
		score  float64
	}{
		{"m1", models.StatusValidated, 2},
		{"m2", models.StatusDuplicate, 2},
	}
	for i, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			m := thread.Messages[i]
			if m.ProviderMessageID != tt.id {
				t.Fatalf("got %q, want %q", m.ProviderMessageID, tt.id)
			}
			if m.Classification.Status != tt.status || m.Classification.Score != tt.score {
				t.Errorf("got %s/%v, want %s/%v", m.Classification.Status, m.Classification.Score, tt.status, tt.score)
			}
		})
	}
}

// TestProcess_NoToken verifies replies without a token go to manual review.
func TestProcess_NoToken(t *testing.T) {
	p, _, _ := newTestProcessor()

	res, err := p.Process(context.Background(), inbound("m9", "sem token", "tudo ok", time.Now()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Record.TrackingKey != "MANUAL-m9" || res.Record.HasValidTrackingID {
		t.Errorf("tracking = %q/%v, want MANUAL-m9/false", res.Record.TrackingKey, res.Record.HasValidTrackingID)
	}
	c := res.Record.Classification
	if c.Status != models.StatusManual || !c.RequiresManualReview {
		t.Errorf("classification = %+v, want Manual", c)
	}
	if c.Reasons[0] != "no token found" {
		t.Errorf("reason = %q, want no token found", c.Reasons[0])
	}
	if len(c.MatchedKeywords) != 1 || c.MatchedKeywords[0] != "ok" {
		t.Errorf("keywords = %v, want hint [ok]", c.MatchedKeywords)
	}
}

// TestProcess_Errors verifies validation and store failures.
func TestProcess_Errors(t *testing.T) {
	p, _, _ := newTestProcessor()
	if _, err := p.Process(context.Background(), inbound(" ", "AC-1234", "", time.Now())); !errors.Is(err, models.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Process(ctx, inbound("m1", "AC-1234", "", time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// TestFromInbound verifies text is preferred and normalized.
func TestFromInbound(t *testing.T) {
	acct := models.Account{ID: "ops", Provider: models.ProviderDescriptor{Type: models.ProviderSmtpImap}}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	msg := FromInbound(acct, models.InboundMessage{
		ProviderMessageID: "<abc@mail>",
		ThreadID:          "conv-1",
		From:              models.Address{Email: "ana@client.com"},
		Subject:           "  RE:   AC-1234 ",
		TextBody:          "  ",
		HTMLBody:          "<div>segue <i>anexo</i></div>",
		ReceivedAt:        at,
		Headers:           map[string]string{"X-Tracking-Id": "AC-1234"},
	})

	if msg.AccountID != "ops" || msg.ProviderType != models.ProviderSmtpImap {
		t.Errorf("account fields = %q/%q", msg.AccountID, msg.ProviderType)
	}
	if msg.Subject != "RE: AC-1234" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if msg.Body != "segue anexo" {
		t.Errorf("body = %q, want HTML fallback", msg.Body)
	}
	if msg.ConversationID != "conv-1" || !msg.ReceivedAt.Equal(at) {
		t.Errorf("conversation/received = %q/%v", msg.ConversationID, msg.ReceivedAt)
	}
	if msg.Metadata["X-Tracking-Id"] != "AC-1234" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

// TestMemoryStore_Updates verifies SLA and follow-up updates.
func TestMemoryStore_Updates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := s.UpdateSlaStatus(ctx, "AC-0001", models.SlaOverdue, at); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	s.Save(ctx, models.ReturnRecord{TrackingKey: "AC-0001", ProviderMessageID: "m1", ReceivedAt: at})
	th, err := s.UpdateSlaStatus(ctx, "ac-0001", models.SlaAttention, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("UpdateSlaStatus: %v", err)
	}
	if th.SlaStatus != models.SlaAttention {
		t.Errorf("sla = %q, want Attention", th.SlaStatus)
	}

	th, _ = s.UpdateFollowUp(ctx, "AC-0001", at.Add(2*time.Hour))
	if th.LastFollowUpAt == nil || !th.LastFollowUpAt.Equal(at.Add(2*time.Hour)) {
		t.Errorf("follow-up = %v", th.LastFollowUpAt)
	}

	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Errorf("threads = %d, want 1", len(all))
	}
}
