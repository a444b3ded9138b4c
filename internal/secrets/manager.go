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

// Package secrets keeps sensitive provider settings out of storage, API
// responses and logs by swapping them for opaque vault references.
package secrets

import (
	"fmt"
	"strings"
)

const (
	// Mask replaces sensitive values in anything shown to a user.
	Mask = "••••••"

	// DefaultCredentialPrefix namespaces secret names in the vault.
	DefaultCredentialPrefix = "universal-mailer"
)

// DefaultSensitiveKeys are the provider settings treated as secrets.
var DefaultSensitiveKeys = []string{"clientSecret", "oauthClientSecret", "refreshToken", "password"}

// Vault is the opaque secret storage contract.
type Vault interface {
	Store(name, secret string) (reference string, err error)
	Retrieve(reference string) (string, error)
	IsReference(value string) bool
}

// Manager applies protect, mask and resolve rules to provider settings.
type Manager struct {
	vault     Vault
	sensitive map[string]bool
	prefix    string
}

// ManagerConfig holds the configuration for the secret manager.
type ManagerConfig struct {
	Vault            Vault
	SensitiveKeys    []string // defaults to DefaultSensitiveKeys
	CredentialPrefix string   // defaults to DefaultCredentialPrefix
}

// NewManager creates a secret manager.
func NewManager(cfg ManagerConfig) *Manager {
	keys := cfg.SensitiveKeys
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	sensitive := make(map[string]bool, len(keys))
	for _, k := range keys {
		sensitive[strings.ToLower(strings.TrimSpace(k))] = true
	}

	prefix := strings.TrimSpace(cfg.CredentialPrefix)
	if prefix == "" {
		prefix = DefaultCredentialPrefix
	}

	return &Manager{vault: cfg.Vault, sensitive: sensitive, prefix: prefix}
}

// IsSensitive reports whether key names a secret setting (case-insensitive).
func (m *Manager) IsSensitive(key string) bool {
	return m.sensitive[strings.ToLower(key)]
}

// Protect prepares settings for storage. For each sensitive key:
//   - a blank or masked value keeps the existing stored value
//   - a vault reference passes through
//   - anything else is written to the vault and replaced by its reference
//
// Sensitive keys present in existing but absent from incoming are carried
// over, so a partial update never drops a credential.
func (m *Manager) Protect(providerName string, incoming, existing map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(incoming))
	processed := make(map[string]bool, len(incoming))

	for key, value := range incoming {
		processed[strings.ToLower(key)] = true

		if !m.IsSensitive(key) {
			result[key] = value
			continue
		}

		if strings.TrimSpace(value) == "" || value == Mask {
			if current, ok := lookup(existing, key); ok && strings.TrimSpace(current) != "" {
				result[key] = current
			}
			continue
		}

		if m.vault.IsReference(value) {
			result[key] = value
			continue
		}

		ref, err := m.vault.Store(m.secretName(providerName, key), value)
		if err != nil {
			return nil, fmt.Errorf("store secret %s: %w", key, err)
		}
		result[key] = ref
	}

	for key, value := range existing {
		if processed[strings.ToLower(key)] {
			continue
		}
		if m.IsSensitive(key) && strings.TrimSpace(value) != "" {
			result[key] = value
		}
	}

	return result, nil
}

// MaskForResponse hides every non-empty sensitive value.
func (m *Manager) MaskForResponse(stored map[string]string) map[string]string {
	result := make(map[string]string, len(stored))
	for key, value := range stored {
		if m.IsSensitive(key) && strings.TrimSpace(value) != "" {
			result[key] = Mask
			continue
		}
		result[key] = value
	}
	return result
}

// ResolveForRuntime turns vault references back into secrets. Plain values
// pass through and empty sensitive values are dropped.
func (m *Manager) ResolveForRuntime(stored map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(stored))
	for key, value := range stored {
		if !m.IsSensitive(key) {
			result[key] = value
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		if !m.vault.IsReference(value) {
			result[key] = value
			continue
		}

		secret, err := m.vault.Retrieve(value)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %s: %w", key, err)
		}
		result[key] = secret
	}
	return result, nil
}

func (m *Manager) secretName(providerName, key string) string {
	provider := strings.TrimSpace(providerName)
	if provider == "" {
		provider = "provider"
	}
	return fmt.Sprintf("%s/%s/%s", m.prefix, provider, key)
}

// lookup finds key in settings case-insensitively.
func lookup(settings map[string]string, key string) (string, bool) {
	if v, ok := settings[key]; ok {
		return v, true
	}
	for k, v := range settings {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
