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

// Package templates loads versioned mail templates from a JSON manifest and
// renders them by literal placeholder substitution.
package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bcem/mailer/internal/models"
)

const defaultVersion = "1.0.0"

// Template is one manifest entry. Exactly one of Body or BodyPath is used;
// an inline Body takes precedence.
type Template struct {
	Key             string
	DisplayName     string
	Version         string
	SubjectTemplate string
	Body            string
	BodyPath        string
}

// manifest mirrors the JSON file for unmarshalling.
type manifest struct {
	Templates map[string]struct {
		DisplayName     string `json:"displayName"`
		Version         string `json:"version"`
		SubjectTemplate string `json:"subjectTemplate"`
		Body            string `json:"body"`
		BodyPath        string `json:"bodyPath"`
	} `json:"templates"`
}

// ManifestStore serves templates from a manifest file. The file is read on
// first use and cached for the life of the store.
type ManifestStore struct {
	path string

	mu    sync.Mutex
	cache map[string]Template
}

// NewManifestStore creates a store for the manifest at path.
func NewManifestStore(path string) *ManifestStore {
	return &ManifestStore{path: path}
}

// Get returns the template registered under key (case-insensitive).
func (s *ManifestStore) Get(ctx context.Context, key string) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, models.NewValidationError("templateKey", "must not be empty")
	}

	cache, err := s.load()
	if err != nil {
		return nil, err
	}

	tmpl, ok := cache[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrTemplateNotFound, key)
	}
	return &tmpl, nil
}

func (s *ManifestStore) load() (map[string]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return s.cache, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read template manifest %s: %w", s.path, err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse template manifest: %w", err)
	}
	if len(m.Templates) == 0 {
		return nil, fmt.Errorf("template manifest %s defines no templates", s.path)
	}

	dir := filepath.Dir(s.path)
	cache := make(map[string]Template, len(m.Templates))
	for key, t := range m.Templates {
		if t.SubjectTemplate == "" {
			return nil, fmt.Errorf("template %q has no subject", key)
		}
		if t.Body == "" && t.BodyPath == "" {
			return nil, fmt.Errorf("template %q has no body or bodyPath", key)
		}

		bodyPath := t.BodyPath
		if bodyPath != "" && !filepath.IsAbs(bodyPath) {
			bodyPath = filepath.Join(dir, bodyPath)
		}

		cache[strings.ToLower(key)] = Template{
			Key:             key,
			DisplayName:     firstNonEmpty(t.DisplayName, key),
			Version:         firstNonEmpty(t.Version, defaultVersion),
			SubjectTemplate: t.SubjectTemplate,
			Body:            t.Body,
			BodyPath:        bodyPath,
		}
	}

	s.cache = cache
	slog.Info("template manifest loaded", "path", s.path, "templates", len(cache))
	return cache, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
