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

package secrets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/99designs/keyring"
)

// ReferencePrefix marks a setting value as a vault reference.
const ReferencePrefix = "credential://"

// ErrSecretNotFound is returned when a reference points at nothing.
var ErrSecretNotFound = errors.New("secret not found")

// KeyringConfig holds the configuration for the OS-backed vault.
type KeyringConfig struct {
	ServiceName string
	Backends    []string // keyring backend names; empty lets keyring pick
	FileDir     string
	Password    string // file backend passphrase
}

// KeyringVault stores secrets in the platform keyring (Keychain, Secret
// Service, WinCred, pass or an encrypted file).
type KeyringVault struct {
	ring keyring.Keyring
}

// NewKeyringVault opens the configured keyring.
func NewKeyringVault(cfg KeyringConfig) (*KeyringVault, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultCredentialPrefix
	}

	var backends []keyring.BackendType
	for _, b := range cfg.Backends {
		if b = strings.TrimSpace(b); b != "" {
			backends = append(backends, keyring.BackendType(b))
		}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.Password),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringVault{ring: ring}, nil
}

// Store writes the secret under name and returns its reference.
func (v *KeyringVault) Store(name, secret string) (string, error) {
	err := v.ring.Set(keyring.Item{
		Key:   name,
		Data:  []byte(secret),
		Label: name,
	})
	if err != nil {
		return "", fmt.Errorf("setting credential %q: %w", name, err)
	}
	return ReferencePrefix + name, nil
}

// Retrieve reads the secret behind reference.
func (v *KeyringVault) Retrieve(reference string) (string, error) {
	name, ok := referenceName(reference)
	if !ok {
		return "", fmt.Errorf("not a vault reference: %q", reference)
	}

	item, err := v.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", name, err)
	}
	return string(item.Data), nil
}

// IsReference reports whether value is a vault reference.
func (v *KeyringVault) IsReference(value string) bool {
	return IsReference(value)
}

// MemoryVault keeps secrets in process memory. Used in tests and local
// development where no keyring is available.
type MemoryVault struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

// Store keeps the secret and returns its reference.
func (v *MemoryVault) Store(name, secret string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = secret
	return ReferencePrefix + name, nil
}

// Retrieve returns the secret behind reference.
func (v *MemoryVault) Retrieve(reference string) (string, error) {
	name, ok := referenceName(reference)
	if !ok {
		return "", fmt.Errorf("not a vault reference: %q", reference)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	secret, ok := v.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return secret, nil
}

// IsReference reports whether value is a vault reference.
func (v *MemoryVault) IsReference(value string) bool {
	return IsReference(value)
}

// IsReference reports whether value uses the credential:// scheme.
func IsReference(value string) bool {
	return len(value) > len(ReferencePrefix) &&
		strings.EqualFold(value[:len(ReferencePrefix)], ReferencePrefix)
}

func referenceName(reference string) (string, bool) {
	if !IsReference(reference) {
		return "", false
	}
	return reference[len(ReferencePrefix):], true
}
