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

package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func record(id string, at time.Time) ReturnRecord {
	return ReturnRecord{
		TrackingKey:        "AC-1234",
		HasValidTrackingID: true,
		ProviderMessageID:  id,
		ReceivedAt:         at,
	}
}

// TestThread_WithRecordAppendsAndReplaces verifies append-or-replace keyed by
// provider message id, without mutating the original value.
func TestThread_WithRecordAppendsAndReplaces(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	thread := NewThread(record("m1", base))

	second := thread.WithRecord(record("m2", base.Add(time.Hour)))
	if len(second.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(second.Messages))
	}
	if len(thread.Messages) != 1 {
		t.Errorf("original thread mutated: %d messages", len(thread.Messages))
	}
	if !second.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v, want %v", second.UpdatedAt, base.Add(time.Hour))
	}

	replay := record("M1", base)
	replay.Subject = "re-ingested"
	third := second.WithRecord(replay)
	if len(third.Messages) != 2 {
		t.Fatalf("messages = %d, want 2 after replay", len(third.Messages))
	}
	if third.Messages[0].Subject != "re-ingested" {
		t.Errorf("first subject = %q, want re-ingested", third.Messages[0].Subject)
	}
	if got := third.Latest().ProviderMessageID; got != "m2" {
		t.Errorf("latest = %q, want m2", got)
	}
}

// TestThread_WithRecordKeepsChronologicalOrder verifies late arrivals are sorted.
func TestThread_WithRecordKeepsChronologicalOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	thread := NewThread(record("m2", base.Add(2*time.Hour)))
	thread = thread.WithRecord(record("m1", base))

	if thread.Messages[0].ProviderMessageID != "m1" {
		t.Errorf("first = %q, want m1", thread.Messages[0].ProviderMessageID)
	}
	if !thread.UpdatedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("UpdatedAt moved backwards: %v", thread.UpdatedAt)
	}
}

// TestThread_LatestEmpty verifies Latest on an empty thread.
func TestThread_LatestEmpty(t *testing.T) {
	var thread *ReturnThread
	if thread.Latest() != nil {
		t.Error("nil thread should have no latest record")
	}
	if (&ReturnThread{}).Latest() != nil {
		t.Error("empty thread should have no latest record")
	}
}

// TestDuplicateClassification verifies the occurrence number becomes the score.
func TestDuplicateClassification(t *testing.T) {
	c := DuplicateClassification("AC-0042", 3)
	if c.Status != StatusDuplicate || c.Score != 3 || !c.RequiresManualReview {
		t.Errorf("classification = %+v", c)
	}
	if len(c.Reasons) != 1 || !strings.Contains(c.Reasons[0], "AC-0042") {
		t.Errorf("reasons = %v, want one citing AC-0042", c.Reasons)
	}
}

// TestManualClassification verifies blank reasons are dropped.
func TestManualClassification(t *testing.T) {
	c := ManualClassification(" no token found ", "", "  ")
	if c.Status != StatusManual {
		t.Errorf("status = %q, want Manual", c.Status)
	}
	if len(c.Reasons) != 1 || c.Reasons[0] != "no token found" {
		t.Errorf("reasons = %q", c.Reasons)
	}
}

// TestParseEnums verifies case-insensitive parsing of the tagged enums.
func TestParseEnums(t *testing.T) {
	if pt, ok := ParseProviderType("gmailapi"); !ok || pt != ProviderGmailAPI {
		t.Errorf("ParseProviderType = %q, %v", pt, ok)
	}
	if _, ok := ParseProviderType("pigeon"); ok {
		t.Error("unknown provider type parsed")
	}
	if st, ok := ParseReturnStatus("complementary"); !ok || st != StatusComplementary {
		t.Errorf("ParseReturnStatus = %q, %v", st, ok)
	}
	if st, ok := ParseSlaStatus("overdue"); !ok || st != SlaOverdue {
		t.Errorf("ParseSlaStatus = %q, %v", st, ok)
	}
}

// TestErrorsUnwrap verifies typed errors match their sentinels.
func TestErrorsUnwrap(t *testing.T) {
	if !errors.Is(&PolicyError{Address: "x@y.com", Reason: "domain"}, ErrRecipientPolicy) {
		t.Error("PolicyError should unwrap to ErrRecipientPolicy")
	}
	if !errors.Is(NewValidationError("to", "empty"), ErrValidation) {
		t.Error("ValidationError should unwrap to ErrValidation")
	}
	err := &UnsupportedProviderError{Type: "Pigeon", Registered: []ProviderType{ProviderGraph, ProviderFileSystem}}
	if !errors.Is(err, ErrUnsupportedProviderType) {
		t.Error("UnsupportedProviderError should unwrap to ErrUnsupportedProviderType")
	}
	if !strings.Contains(err.Error(), "Graph, FileSystem") {
		t.Errorf("error = %q, want registered types listed", err.Error())
	}
}

// TestAddressString verifies display-name formatting.
func TestAddressString(t *testing.T) {
	if got := (Address{Email: "a@corp.com"}).String(); got != "a@corp.com" {
		t.Errorf("String() = %q", got)
	}
	if got := (Address{Email: "a@corp.com", Name: "Ana"}).String(); got != `"Ana" <a@corp.com>` {
		t.Errorf("String() = %q", got)
	}
}
