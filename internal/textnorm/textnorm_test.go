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

package textnorm

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestNormalize verifies markup, entities and whitespace are flattened.
func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "   ", ""},
		{"plain", "  Caso  AC-1234\n\tpendente ", "Caso AC-1234 pendente"},
		{"tags", "<p>Olá<br/>mundo</p>", "Olá mundo"},
		{"entities", "Tom &amp; Jerry&nbsp;ok", "Tom & Jerry ok"},
		{"style dropped", "<style>p{color:red}</style><b>ok</b>", "ok"},
		{"script dropped", "a<script>var x = '<p>';</script>b", "a b"},
		{"less-than text", "a < b", "a < b"},
		{"closed comment", "a<!-- nota -->b", "ab"},
		{"unclosed head", "Falar com <head office> sobre o caso AC-1234 ok", "Falar com sobre o caso AC-1234 ok"},
		{"unclosed script", "x <script>AC-1234 <b>y</b>", "x AC-1234 y"},
		{"unclosed comment", "veja <!-- rascunho AC-1234", "veja <!-- rascunho AC-1234"},
		{"closed head", "<head><title>t</title></head>AC-1234", "AC-1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// TestPreview verifies rune-safe truncation.
func TestPreview(t *testing.T) {
	short := "  curto  "
	if got := Preview(short); got != "curto" {
		t.Errorf("got %q, want curto", got)
	}

	long := strings.Repeat("é", 300)
	got := Preview(long)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("preview %q should end with an ellipsis", got)
	}
	if n := utf8.RuneCountInString(got); n != PreviewLength+1 {
		t.Errorf("rune count = %d, want %d", n, PreviewLength+1)
	}

	exact := strings.Repeat("a", PreviewLength)
	if got := Preview(exact); got != exact {
		t.Error("text at the limit should not be cut")
	}
}
