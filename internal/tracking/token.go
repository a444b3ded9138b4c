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

// Package tracking generates and extracts the AC-#### correlation tokens
// embedded in every outbound message.
package tracking

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

// Prefix starts every tracking token.
const Prefix = "AC-"

// Uniqueness is enforced by the dispatch store, not here.
var tokenPattern = regexp.MustCompile(`(?i)AC-\d{4,}`)

// NewID returns a fresh token such as "AC-0417".
func NewID() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	n := binary.LittleEndian.Uint16(b[:]) % 10000
	return fmt.Sprintf("%s%04d", Prefix, n), nil
}

// Extract finds the first token in subject followed by body. It returns ""
// when neither contains one.
func Extract(subject, body string) string {
	match := tokenPattern.FindString(subject + " " + body)
	return strings.ToUpper(match)
}

// Valid reports whether s is exactly one tracking token.
func Valid(s string) bool {
	loc := tokenPattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}
