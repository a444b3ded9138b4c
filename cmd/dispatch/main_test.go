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

package main

import (
	"testing"
)

// TestValueFlag verifies repeated KEY=VALUE parsing.
func TestValueFlag(t *testing.T) {
	v := valueFlag{}
	for _, s := range []string{"NAME=Ana", " CASE =AC-1=x", "EMPTY="} {
		if err := v.Set(s); err != nil {
			t.Fatalf("Set(%q): %v", s, err)
		}
	}
	want := map[string]string{"NAME": "Ana", "CASE": "AC-1=x", "EMPTY": ""}
	for k, w := range want {
		if got := v[k]; got != w {
			t.Errorf("%s: got %q, want %q", k, got, w)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if err := v.Set(bad); err == nil {
			t.Errorf("Set(%q): expected error", bad)
		}
	}
}

// TestParseAddresses verifies display names and empty input.
func TestParseAddresses(t *testing.T) {
	got, err := parseAddresses("Ana Souza <ana@client.com>, bob@corp.com")
	if err != nil {
		t.Fatalf("parseAddresses: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Ana Souza" || got[0].Email != "ana@client.com" || got[1].Email != "bob@corp.com" {
		t.Errorf("got %+v", got)
	}

	if got, err := parseAddresses("  "); err != nil || got != nil {
		t.Errorf("empty = %v, %v; want nil, nil", got, err)
	}
	if _, err := parseAddresses("not an address"); err == nil {
		t.Error("expected error for malformed address")
	}
}
