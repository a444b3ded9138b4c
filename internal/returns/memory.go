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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcem/mailer/internal/models"
)

// MemoryStore keeps threads in process memory. It backs tests and
// dry-run tooling.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]models.ReturnThread
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]models.ReturnThread)}
}

func key(trackingKey string) string {
	return strings.ToUpper(strings.TrimSpace(trackingKey))
}

// Get returns a copy of the thread, or nil if none exists.
func (s *MemoryStore) Get(_ context.Context, trackingKey string) (*models.ReturnThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[key(trackingKey)]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// Save appends or replaces rec in its thread.
func (s *MemoryStore) Save(_ context.Context, rec models.ReturnRecord) (*models.ReturnThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rec.TrackingKey)
	var t models.ReturnThread
	if existing, ok := s.threads[k]; ok {
		t = existing.WithRecord(rec)
	} else {
		t = models.NewThread(rec)
	}
	s.threads[k] = t
	return &t, nil
}

// List returns all threads ordered by last update, newest first.
func (s *MemoryStore) List(_ context.Context) ([]models.ReturnThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReturnThread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// UpdateSlaStatus records a new SLA tier.
func (s *MemoryStore) UpdateSlaStatus(_ context.Context, trackingKey string, status models.SlaStatus, at time.Time) (*models.ReturnThread, error) {
	return s.update(trackingKey, func(t models.ReturnThread) models.ReturnThread {
		return t.WithSlaStatus(status, at)
	})
}

// UpdateFollowUp records when the last follow-up was sent.
func (s *MemoryStore) UpdateFollowUp(_ context.Context, trackingKey string, at time.Time) (*models.ReturnThread, error) {
	return s.update(trackingKey, func(t models.ReturnThread) models.ReturnThread {
		return t.WithFollowUp(at)
	})
}

func (s *MemoryStore) update(trackingKey string, fn func(models.ReturnThread) models.ReturnThread) (*models.ReturnThread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(trackingKey)
	t, ok := s.threads[k]
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", models.ErrNotFound, trackingKey)
	}
	t = fn(t)
	s.threads[k] = t
	return &t, nil
}
