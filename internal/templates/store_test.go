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

package templates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bcem/mailer/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "welcome.html"), "<p>Ola {{NAME}}, protocolo {{ID}}</p>")
	writeFile(t, filepath.Join(dir, "manifest.json"), `{
		"templates": {
			"Welcome": {"displayName": "Boas-vindas", "version": "2.1.0", "subjectTemplate": "[{{ID}}] Bem-vindo", "bodyPath": "welcome.html"},
			"inline": {"subjectTemplate": "Inline {{ID}}", "body": "<b>{{ID}}</b>"},
			"broken": {"subjectTemplate": "Broken", "bodyPath": "missing.html"}
		}
	}`)
	return filepath.Join(dir, "manifest.json")
}

// TestManifestStore_Get verifies lookup, defaults and relative body paths.
func TestManifestStore_Get(t *testing.T) {
	store := NewManifestStore(writeManifest(t))
	ctx := context.Background()

	tmpl, err := store.Get(ctx, "welcome")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tmpl.Version != "2.1.0" || tmpl.DisplayName != "Boas-vindas" {
		t.Errorf("template = %+v", tmpl)
	}

	inline, err := store.Get(ctx, "INLINE")
	if err != nil {
		t.Fatalf("Get inline: %v", err)
	}
	if inline.Version != "1.0.0" || inline.DisplayName != "inline" {
		t.Errorf("defaults not applied: %+v", inline)
	}

	body, err := RenderBody(ctx, tmpl, map[string]string{"id": "AC-0001", "name": "Ana"})
	if err != nil {
		t.Fatalf("RenderBody: %v", err)
	}
	if body != "<p>Ola Ana, protocolo AC-0001</p>" {
		t.Errorf("body = %q", body)
	}
}

// TestManifestStore_NotFound verifies missing keys and body files.
func TestManifestStore_NotFound(t *testing.T) {
	store := NewManifestStore(writeManifest(t))
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, models.ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}

	broken, err := store.Get(ctx, "broken")
	if err != nil {
		t.Fatalf("Get broken: %v", err)
	}
	if _, err := RenderBody(ctx, broken, nil); !errors.Is(err, models.ErrTemplateNotFound) {
		t.Errorf("err = %v, want ErrTemplateNotFound", err)
	}
}

// TestManifestStore_LoadsOnce verifies the manifest is cached after first use.
func TestManifestStore_LoadsOnce(t *testing.T) {
	path := writeManifest(t)
	store := NewManifestStore(path)
	ctx := context.Background()

	if _, err := store.Get(ctx, "welcome"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "inline"); err != nil {
		t.Errorf("Get after manifest removal: %v", err)
	}
}

// TestManifestStore_Invalid verifies manifest validation.
func TestManifestStore_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	writeFile(t, path, `{"templates": {"x": {"body": "no subject"}}}`)

	if _, err := NewManifestStore(path).Get(context.Background(), "x"); err == nil {
		t.Error("expected error for template without subject")
	}
}

// TestRender verifies literal substitution rules.
func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		values map[string]string
		want   string
	}{
		{"simple", "Hi {{NAME}}", map[string]string{"NAME": "Ana"}, "Hi Ana"},
		{"case-insensitive", "Hi {{name}}", map[string]string{"Name": "Ana"}, "Hi Ana"},
		{"unmatched kept", "Hi {{NAME}} {{OTHER}}", map[string]string{"NAME": "Ana"}, "Hi Ana {{OTHER}}"},
		{"repeated", "{{X}}-{{X}}", map[string]string{"X": "1"}, "1-1"},
		{"no values", "{{X}}", nil, "{{X}}"},
		{"spaced kept", "Caso {{ ID }} / {{ID}}", map[string]string{"ID": "AC-0001"}, "Caso {{ ID }} / AC-0001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.text, tt.values); got != tt.want {
				t.Errorf("Render = %q, want %q", got, tt.want)
			}
		})
	}
}
