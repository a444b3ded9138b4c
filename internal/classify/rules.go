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

package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bcem/mailer/internal/models"
)

// LoadRules reads a YAML rule file of the form
//
//	validated:
//	  - ok
//	  - term: aprovado
//	    weight: 2
//	    scope: subject
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes YAML rules.
func ParseRules(data []byte) (Rules, error) {
	var raw map[string][]Rule
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}

	rules := make(Rules, len(raw))
	for name, list := range raw {
		status, ok := models.ParseReturnStatus(name)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", name)
		}
		if status == models.StatusDuplicate || status == models.StatusManual {
			return nil, fmt.Errorf("status %s is assigned automatically and cannot have rules", status)
		}
		rules[status] = append(rules[status], list...)
	}
	return rules, nil
}

// UnmarshalYAML accepts either a bare term or a mapping.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Term = node.Value
		r.Weight = 1
		r.Scope = ScopeEither
		return nil
	}

	var raw struct {
		Term   string   `yaml:"term"`
		Weight *float64 `yaml:"weight"`
		Scope  string   `yaml:"scope"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	scope, err := ParseScope(raw.Scope)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	r.Term = raw.Term
	r.Weight = 1
	if raw.Weight != nil {
		r.Weight = *raw.Weight
	}
	r.Scope = scope
	return nil
}
