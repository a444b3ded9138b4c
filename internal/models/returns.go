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
	"fmt"
	"sort"
	"strings"
	"time"
)

// ReturnStatus is the outcome assigned to an inbound reply.
type ReturnStatus string

const (
	StatusValidated     ReturnStatus = "Validated"
	StatusInvalidated   ReturnStatus = "Invalidated"
	StatusComplementary ReturnStatus = "Complementary"
	StatusDuplicate     ReturnStatus = "Duplicate"
	StatusManual        ReturnStatus = "Manual"
)

// ReturnStatuses is the fixed status ordering, also used to break score ties.
var ReturnStatuses = []ReturnStatus{
	StatusValidated, StatusInvalidated, StatusComplementary, StatusDuplicate, StatusManual,
}

// ParseReturnStatus matches a status name case-insensitively.
func ParseReturnStatus(s string) (ReturnStatus, bool) {
	s = strings.TrimSpace(s)
	for _, st := range ReturnStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further follow-up is expected for the status.
func (s ReturnStatus) Terminal() bool {
	return s == StatusValidated || s == StatusInvalidated
}

// SlaStatus is the escalation tier of an open thread.
type SlaStatus string

const (
	SlaOnTrack   SlaStatus = "OnTrack"
	SlaAttention SlaStatus = "Attention"
	SlaOverdue   SlaStatus = "Overdue"
)

// ParseSlaStatus matches an SLA tier name case-insensitively.
func ParseSlaStatus(s string) (SlaStatus, bool) {
	for _, st := range []SlaStatus{SlaOnTrack, SlaAttention, SlaOverdue} {
		if strings.EqualFold(string(st), strings.TrimSpace(s)) {
			return st, true
		}
	}
	return "", false
}

// Classification is the result of classifying one inbound reply.
type Classification struct {
	Status               ReturnStatus `json:"status"`
	Score                float64      `json:"score"`
	MatchedKeywords      []string     `json:"matched_keywords"`
	Reasons              []string     `json:"reasons"`
	RequiresManualReview bool         `json:"requires_manual_review"`
}

// ManualClassification routes a reply to a human. Blank reasons are dropped.
func ManualClassification(reasons ...string) Classification {
	kept := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r = strings.TrimSpace(r); r != "" {
			kept = append(kept, r)
		}
	}
	return Classification{
		Status:               StatusManual,
		MatchedKeywords:      []string{},
		Reasons:              kept,
		RequiresManualReview: true,
	}
}

// DuplicateClassification flags the nth reply for an existing tracking key.
// The occurrence number doubles as the score.
func DuplicateClassification(trackingKey string, occurrence int) Classification {
	return Classification{
		Status:               StatusDuplicate,
		Score:                float64(occurrence),
		MatchedKeywords:      []string{},
		Reasons:              []string{fmt.Sprintf("duplicate return: message %d for tracking key %s", occurrence, trackingKey)},
		RequiresManualReview: true,
	}
}

// ReturnMessage is a raw inbound unit handed to the return processor.
type ReturnMessage struct {
	ProviderMessageID string
	AccountID         string
	ProviderType      ProviderType
	Sender            Address
	Subject           string
	Body              string
	ReceivedAt        time.Time
	ConversationID    string
	Metadata          map[string]string
}

// ReturnRecord is one inbound message after processing.
type ReturnRecord struct {
	TrackingKey        string            `json:"tracking_key"`
	HasValidTrackingID bool              `json:"has_valid_tracking_id"`
	ProviderMessageID  string            `json:"provider_message_id"`
	AccountID          string            `json:"account_id"`
	ProviderType       ProviderType      `json:"provider_type"`
	Sender             Address           `json:"sender"`
	Subject            string            `json:"subject"`
	BodyPreview        string            `json:"body_preview"`
	Classification     Classification    `json:"classification"`
	ReceivedAt         time.Time         `json:"received_at"`
	ConversationID     string            `json:"conversation_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// ReturnThread aggregates every record sharing a tracking key. Messages are
// kept in chronological order and are never empty.
type ReturnThread struct {
	TrackingKey        string         `json:"tracking_key"`
	HasValidTrackingID bool           `json:"has_valid_tracking_id"`
	Messages           []ReturnRecord `json:"messages"`
	SlaStatus          SlaStatus      `json:"sla_status"`
	SlaStatusChangedAt time.Time      `json:"sla_status_changed_at"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	LastFollowUpAt     *time.Time     `json:"last_follow_up_at,omitempty"`
}

// Latest returns the most recent record, or nil for an empty thread.
func (t *ReturnThread) Latest() *ReturnRecord {
	if t == nil || len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

// NewThread starts a thread from its first record.
func NewThread(rec ReturnRecord) ReturnThread {
	return ReturnThread{
		TrackingKey:        rec.TrackingKey,
		HasValidTrackingID: rec.HasValidTrackingID,
		Messages:           []ReturnRecord{rec},
		SlaStatus:          SlaOnTrack,
		SlaStatusChangedAt: rec.ReceivedAt,
		CreatedAt:          rec.ReceivedAt,
		UpdatedAt:          rec.ReceivedAt,
	}
}

// WithRecord returns a copy of the thread with rec appended, or replacing the
// record that has the same provider message id.
func (t ReturnThread) WithRecord(rec ReturnRecord) ReturnThread {
	messages := make([]ReturnRecord, 0, len(t.Messages)+1)
	replaced := false
	for _, m := range t.Messages {
		if strings.EqualFold(m.ProviderMessageID, rec.ProviderMessageID) {
			messages = append(messages, rec)
			replaced = true
			continue
		}
		messages = append(messages, m)
	}
	if !replaced {
		messages = append(messages, rec)
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].ReceivedAt.Before(messages[j].ReceivedAt)
	})

	out := t
	out.Messages = messages
	out.HasValidTrackingID = t.HasValidTrackingID || rec.HasValidTrackingID
	if rec.ReceivedAt.After(t.UpdatedAt) {
		out.UpdatedAt = rec.ReceivedAt
	}
	return out
}

// WithSlaStatus returns a copy of the thread in the given SLA tier.
func (t ReturnThread) WithSlaStatus(status SlaStatus, at time.Time) ReturnThread {
	out := t
	out.Messages = append([]ReturnRecord(nil), t.Messages...)
	out.SlaStatus = status
	out.SlaStatusChangedAt = at
	return out
}

// WithFollowUp returns a copy of the thread with the follow-up time recorded.
func (t ReturnThread) WithFollowUp(at time.Time) ReturnThread {
	out := t
	out.Messages = append([]ReturnRecord(nil), t.Messages...)
	out.LastFollowUpAt = &at
	return out
}
