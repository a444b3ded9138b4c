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

// Package textnorm flattens inbound subjects and bodies (HTML or plain
// text) into single-line searchable text.
package textnorm

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// PreviewLength is the rune limit of a stored body preview.
const PreviewLength = 280

// Normalize decodes entities, replaces markup with spaces and collapses
// whitespace. Script and style contents are dropped. When the input ends
// inside an unclosed hidden element or comment, the rest of the input is
// kept with only its tags stripped.
func Normalize(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	hidden, hiddenStart, pos := 0, 0, 0
	for {
		tt := z.Next()
		raw := z.Raw()
		start := pos
		pos += len(raw)

		switch tt {
		case html.ErrorToken:
			// io.EOF or malformed input; either way we keep what we have.
			if hidden > 0 {
				b.WriteByte(' ')
				b.WriteString(stripTags(s[hiddenStart:]))
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		case html.CommentToken:
			if hidden == 0 && !commentClosed(raw) {
				b.WriteByte(' ')
				b.WriteString(stripTags(string(raw)))
			}
		case html.StartTagToken:
			if isHidden(z) {
				if hidden == 0 {
					hiddenStart = start
				}
				hidden++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if isHidden(z) && hidden > 0 {
				hidden--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		}
	}
}

func isHidden(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "head":
		return true
	}
	return false
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags replaces complete tags with spaces and decodes entities.
func stripTags(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, " "))
}

// commentClosed reports whether raw, a comment token, ran to its
// terminator rather than to the end of the input.
func commentClosed(raw []byte) bool {
	if bytes.HasPrefix(raw, []byte("<!--")) {
		return bytes.HasSuffix(raw, []byte("-->")) || bytes.HasSuffix(raw, []byte("--!>"))
	}
	return bytes.HasSuffix(raw, []byte(">"))
}

// Preview trims s and cuts it to PreviewLength runes, marking the cut
// with an ellipsis.
func Preview(s string) string {
	return Truncate(s, PreviewLength)
}

// Truncate trims s and cuts it to max runes.
func Truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}

	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "…"
		}
		n++
	}
	return s
}
