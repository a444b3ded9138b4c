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

package models

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used across all layers.
var (
	ErrValidation              = errors.New("validation error")
	ErrTemplateNotFound        = errors.New("template not found")
	ErrRecipientPolicy         = errors.New("recipient policy violation")
	ErrSignatureMismatch       = errors.New("preview signature mismatch")
	ErrUnsupportedProviderType = errors.New("unsupported provider type")
	ErrAccountNotFound         = errors.New("account not found")
	ErrNotFound                = errors.New("not found")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// PolicyError reports the address that broke the recipient policy.
type PolicyError struct {
	Address string
	Reason  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("recipient policy: %s: %s", e.Address, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrRecipientPolicy }

// UnsupportedProviderError names the requested type and what is registered.
type UnsupportedProviderError struct {
	Type       ProviderType
	Registered []ProviderType
}

func (e *UnsupportedProviderError) Error() string {
	names := make([]string, len(e.Registered))
	for i, t := range e.Registered {
		names[i] = string(t)
	}
	return fmt.Sprintf("unsupported provider type %q (registered: %s)", e.Type, strings.Join(names, ", "))
}

func (e *UnsupportedProviderError) Unwrap() error { return ErrUnsupportedProviderType }
