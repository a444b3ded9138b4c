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

// Package classify scores inbound replies against weighted keyword rules.
package classify

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/bcem/mailer/internal/models"
)

const (
	// minWeight is the smallest contribution of a matching rule.
	minWeight = 0.1

	// tieEpsilon absorbs float noise from summing fractional weights.
	tieEpsilon = 1e-9
)

// Scope restricts where a rule term is searched.
type Scope string

const (
	ScopeSubject Scope = "Subject"
	ScopeBody    Scope = "Body"
	ScopeEither  Scope = "Either"
)

// ParseScope matches a scope name case-insensitively. Empty means Either.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "either":
		return ScopeEither, nil
	case "subject":
		return ScopeSubject, nil
	case "body":
		return ScopeBody, nil
	}
	return "", fmt.Errorf("unknown rule scope %q", s)
}

// Rule is one weighted keyword.
type Rule struct {
	Term   string
	Weight float64
	Scope  Scope
}

// Rules groups keyword rules by the status they vote for.
type Rules map[models.ReturnStatus][]Rule

type compiledRule struct {
	term   string
	folded string
	weight float64
	scope  Scope
}

type statusRules struct {
	status models.ReturnStatus
	rules  []compiledRule
}

// Classifier assigns Validated, Invalidated or Complementary by keyword
// score, and Manual when the evidence is missing or ambiguous.
type Classifier struct {
	groups []statusRules
}

// NewClassifier compiles rules. Duplicate and Manual are assigned by the
// return processor only, so rules for them are ignored. Blank terms are
// dropped.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{}
	for _, status := range models.ReturnStatuses {
		if status == models.StatusDuplicate || status == models.StatusManual {
			continue
		}
		var compiled []compiledRule
		for _, r := range rules[status] {
			term := strings.TrimSpace(r.Term)
			if term == "" {
				continue
			}
			scope := r.Scope
			if scope == "" {
				scope = ScopeEither
			}
			compiled = append(compiled, compiledRule{
				term:   term,
				folded: fold(term),
				weight: math.Max(minWeight, r.Weight),
				scope:  scope,
			})
		}
		if len(compiled) > 0 {
			c.groups = append(c.groups, statusRules{status: status, rules: compiled})
		}
	}
	return c
}

type score struct {
	status  models.ReturnStatus
	order   int
	value   float64
	matches []string
}

// Classify scores msg. Subject and body are expected to be normalized
// already. Ambiguity never produces an error.
func (c *Classifier) Classify(ctx context.Context, msg models.ReturnMessage) (models.Classification, error) {
	if err := ctx.Err(); err != nil {
		return models.Classification{}, err
	}

	subject := fold(msg.Subject)
	body := fold(msg.Body)

	var scores []score
	for i, g := range c.groups {
		s := score{status: g.status, order: i}
		for _, r := range g.rules {
			if r.matches(subject, body) {
				s.value += r.weight
				s.matches = append(s.matches, r.term)
			}
		}
		if s.value > 0 {
			scores = append(scores, s)
		}
	}

	if len(scores) == 0 {
		return models.ManualClassification("no keyword matched"), nil
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].value != scores[j].value {
			return scores[i].value > scores[j].value
		}
		return scores[i].order < scores[j].order
	})

	best := scores[0]
	if len(scores) > 1 && math.Abs(best.value-scores[1].value) < tieEpsilon {
		return models.ManualClassification(
			fmt.Sprintf("scoring tie between %s and %s at %s", best.status, scores[1].status, formatScore(best.value)),
		), nil
	}

	return models.Classification{
		Status:          best.status,
		Score:           best.value,
		MatchedKeywords: best.matches,
		Reasons: []string{
			fmt.Sprintf("score %s for status %s", formatScore(best.value), best.status),
			"matched keywords: " + strings.Join(best.matches, ", "),
		},
	}, nil
}

func (r compiledRule) matches(subject, body string) bool {
	switch r.scope {
	case ScopeSubject:
		return strings.Contains(subject, r.folded)
	case ScopeBody:
		return strings.Contains(body, r.folded)
	default:
		return strings.Contains(subject, r.folded) || strings.Contains(body, r.folded)
	}
}

// fold strips diacritics and case so "Não" matches "nao".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func formatScore(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
