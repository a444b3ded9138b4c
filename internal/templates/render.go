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
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/bcem/mailer/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Render replaces every {{KEY}} with values[KEY], matching keys
// case-insensitively. Placeholders without a value, or spelled with
// spaces inside the braces, are left verbatim.
func Render(text string, values map[string]string) string {
	if text == "" || len(values) == 0 {
		return text
	}

	folded := make(map[string]string, len(values))
	for k, v := range values {
		folded[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := strings.ToLower(match[2 : len(match)-2])
		if v, ok := folded[key]; ok {
			return v
		}
		return match
	})
}

// RenderSubject renders the template subject line.
func RenderSubject(t *Template, values map[string]string) string {
	return Render(t.SubjectTemplate, values)
}

// RenderBody renders the template body, reading it from disk when the
// template points at a file.
func RenderBody(ctx context.Context, t *Template, values map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if t.Body != "" {
		return Render(t.Body, values), nil
	}

	data, err := os.ReadFile(t.BodyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: body file %s for %q", models.ErrTemplateNotFound, t.BodyPath, t.Key)
	}
	if err != nil {
		return "", fmt.Errorf("read template body %s: %w", t.BodyPath, err)
	}
	return Render(string(data), values), nil
}
