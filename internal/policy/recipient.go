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

// Package policy sanitizes outbound recipient lists.
package policy

import (
	"fmt"
	"strings"

	"github.com/bcem/mailer/internal/models"
)

// RecipientPolicy trims and deduplicates recipients and restricts which
// domains may be copied.
type RecipientPolicy struct {
	ccDomains map[string]bool
}

// NewRecipientPolicy creates a policy. An empty allow-list leaves Cc
// unrestricted.
func NewRecipientPolicy(allowedCcDomains []string) *RecipientPolicy {
	domains := make(map[string]bool, len(allowedCcDomains))
	for _, d := range allowedCcDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			domains[d] = true
		}
	}
	return &RecipientPolicy{ccDomains: domains}
}

// Apply returns the sanitized envelope. Addresses are deduplicated
// case-insensitively across all lists with precedence To > Cc > Bcc. A Cc
// outside the allow-list fails with a *models.PolicyError; Bcc duplicates are
// dropped silently.
func (p *RecipientPolicy) Apply(to, cc, bcc []models.Address) (models.Envelope, error) {
	seen := make(map[string]bool)

	var env models.Envelope
	for _, a := range to {
		a, key := canonical(a)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		env.To = append(env.To, a)
	}
	if len(env.To) == 0 {
		return models.Envelope{}, models.NewValidationError("to", "at least one recipient is required")
	}

	for _, a := range cc {
		a, key := canonical(a)
		if key == "" || seen[key] {
			continue
		}
		if err := p.checkCcDomain(a.Email); err != nil {
			return models.Envelope{}, err
		}
		seen[key] = true
		env.Cc = append(env.Cc, a)
	}

	for _, a := range bcc {
		a, key := canonical(a)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		env.Bcc = append(env.Bcc, a)
	}

	return env, nil
}

func (p *RecipientPolicy) checkCcDomain(email string) error {
	if len(p.ccDomains) == 0 {
		return nil
	}

	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return &models.PolicyError{Address: email, Reason: "invalid address"}
	}

	domain := strings.ToLower(email[at+1:])
	if !p.ccDomains[domain] {
		return &models.PolicyError{Address: email, Reason: fmt.Sprintf("domain %q is not allowed in cc", domain)}
	}
	return nil
}

func canonical(a models.Address) (models.Address, string) {
	a.Email = strings.TrimSpace(a.Email)
	a.Name = strings.TrimSpace(a.Name)
	return a, strings.ToLower(a.Email)
}
