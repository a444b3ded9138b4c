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
	"strings"
	"testing"
)

func newTestManager() (*Manager, *MemoryVault) {
	vault := NewMemoryVault()
	return NewManager(ManagerConfig{Vault: vault}), vault
}

// TestProtect_StoresSensitiveValues verifies plaintext secrets become references.
func TestProtect_StoresSensitiveValues(t *testing.T) {
	m, vault := newTestManager()

	out, err := m.Protect("graph-main", map[string]string{
		"tenantId":     "tenant-1",
		"ClientSecret": "s3cr3t",
	}, nil)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if out["tenantId"] != "tenant-1" {
		t.Errorf("tenantId = %q, want passthrough", out["tenantId"])
	}
	ref := out["ClientSecret"]
	if ref != "credential://universal-mailer/graph-main/ClientSecret" {
		t.Errorf("reference = %q", ref)
	}
	if secret, _ := vault.Retrieve(ref); secret != "s3cr3t" {
		t.Errorf("vault secret = %q, want s3cr3t", secret)
	}
}

// TestProtect_MaskPreservesExisting verifies a second save with the mask keeps
// the first reference.
func TestProtect_MaskPreservesExisting(t *testing.T) {
	m, _ := newTestManager()

	first, err := m.Protect("p", map[string]string{"refreshToken": "tok-1"}, nil)
	if err != nil {
		t.Fatalf("first Protect: %v", err)
	}

	second, err := m.Protect("p", map[string]string{"refreshToken": Mask}, first)
	if err != nil {
		t.Fatalf("second Protect: %v", err)
	}
	if second["refreshToken"] != first["refreshToken"] {
		t.Errorf("refreshToken = %q, want %q", second["refreshToken"], first["refreshToken"])
	}

	blank, _ := m.Protect("p", map[string]string{"refreshToken": "  "}, first)
	if blank["refreshToken"] != first["refreshToken"] {
		t.Errorf("blank value should preserve reference, got %q", blank["refreshToken"])
	}
}

// TestProtect_CarriesOmittedSecrets verifies partial updates never drop a credential.
func TestProtect_CarriesOmittedSecrets(t *testing.T) {
	m, _ := newTestManager()
	existing := map[string]string{
		"clientSecret": "credential://universal-mailer/p/clientSecret",
		"host":         "old.example.com",
	}

	out, err := m.Protect("p", map[string]string{"host": "new.example.com"}, existing)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if out["clientSecret"] != existing["clientSecret"] {
		t.Errorf("clientSecret = %q, want carried over", out["clientSecret"])
	}
	if out["host"] != "new.example.com" {
		t.Errorf("host = %q", out["host"])
	}
}

// TestProtect_ReferencePassesThrough verifies references are not re-stored.
func TestProtect_ReferencePassesThrough(t *testing.T) {
	m, vault := newTestManager()
	ref := "credential://elsewhere/key"

	out, err := m.Protect("p", map[string]string{"oauthClientSecret": ref}, nil)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if out["oauthClientSecret"] != ref {
		t.Errorf("value = %q, want %q", out["oauthClientSecret"], ref)
	}
	if len(vault.secrets) != 0 {
		t.Errorf("vault should be untouched, has %d secrets", len(vault.secrets))
	}
}

// TestMaskForResponse verifies stored secrets are never revealed.
func TestMaskForResponse(t *testing.T) {
	m, _ := newTestManager()
	stored, _ := m.Protect("p", map[string]string{"clientSecret": "plain", "user": "me"}, nil)
	stored["password"] = "legacy-plaintext"
	stored["refreshToken"] = ""

	masked := m.MaskForResponse(stored)
	for _, key := range []string{"clientSecret", "password"} {
		if masked[key] != Mask {
			t.Errorf("%s = %q, want mask", key, masked[key])
		}
	}
	if masked["refreshToken"] != "" {
		t.Errorf("empty secret should stay empty, got %q", masked["refreshToken"])
	}
	if masked["user"] != "me" {
		t.Errorf("user = %q, want me", masked["user"])
	}
	for _, v := range masked {
		if strings.Contains(v, "plain") {
			t.Errorf("masked output leaks plaintext: %q", v)
		}
	}
}

// TestResolveForRuntime verifies references resolve and legacy values pass.
func TestResolveForRuntime(t *testing.T) {
	m, _ := newTestManager()
	stored, _ := m.Protect("p", map[string]string{"clientSecret": "abc"}, nil)
	stored["password"] = "legacy"
	stored["refreshToken"] = ""
	stored["host"] = "smtp.example.com"

	out, err := m.ResolveForRuntime(stored)
	if err != nil {
		t.Fatalf("ResolveForRuntime: %v", err)
	}
	if out["clientSecret"] != "abc" || out["password"] != "legacy" || out["host"] != "smtp.example.com" {
		t.Errorf("resolved = %v", out)
	}
	if _, ok := out["refreshToken"]; ok {
		t.Error("empty sensitive value should be dropped")
	}

	stored["clientSecret"] = "credential://missing"
	if _, err := m.ResolveForRuntime(stored); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}

// TestKeyringVault_FileBackend verifies the keyring vault round trip using
// the encrypted file backend.
func TestKeyringVault_FileBackend(t *testing.T) {
	vault, err := NewKeyringVault(KeyringConfig{
		ServiceName: "mailer-test",
		Backends:    []string{"file"},
		FileDir:     t.TempDir(),
		Password:    "test-pass",
	})
	if err != nil {
		t.Fatalf("NewKeyringVault: %v", err)
	}

	ref, err := vault.Store("universal-mailer/p/clientSecret", "xyz")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !vault.IsReference(ref) {
		t.Errorf("%q should be a reference", ref)
	}

	secret, err := vault.Retrieve(ref)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if secret != "xyz" {
		t.Errorf("secret = %q, want xyz", secret)
	}

	if _, err := vault.Retrieve("credential://absent"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}
