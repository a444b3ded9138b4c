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

package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/bcem/mailer/internal/models"
)

// AccountSource loads accounts by id. A nil account with a nil error means
// the id is unknown.
type AccountSource interface {
	Account(ctx context.Context, id string) (*models.Account, error)
}

// SettingsResolver turns stored provider settings into runtime settings.
type SettingsResolver interface {
	ResolveForRuntime(stored map[string]string) (map[string]string, error)
}

// DispatchContext is an account bound to its live provider. It is built per
// request or per monitor pass and never cached.
type DispatchContext struct {
	Account  models.Account
	Provider Provider
}

// Router resolves account ids to accounts and providers.
type Router struct {
	accounts AccountSource
	registry *Registry
	secrets  SettingsResolver
}

// NewRouter creates a router. secrets may be nil when settings hold no
// vault references.
func NewRouter(accounts AccountSource, registry *Registry, secrets SettingsResolver) *Router {
	return &Router{accounts: accounts, registry: registry, secrets: secrets}
}

// Account returns the stored account for id.
func (r *Router) Account(ctx context.Context, id string) (*models.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty account id", models.ErrAccountNotFound)
	}

	acct, err := r.accounts.Account(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading account %s: %w", id, err)
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return acct, nil
}

// Resolve loads the account, resolves its secrets and builds its provider.
func (r *Router) Resolve(ctx context.Context, id string) (*DispatchContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	acct, err := r.Account(ctx, id)
	if err != nil {
		return nil, err
	}

	desc := acct.Provider
	if r.secrets != nil {
		settings, err := r.secrets.ResolveForRuntime(desc.Settings)
		if err != nil {
			return nil, fmt.Errorf("resolving settings for account %s: %w", id, err)
		}
		desc.Settings = settings
	}

	p, err := r.registry.Resolve(ctx, desc)
	if err != nil {
		return nil, err
	}
	return &DispatchContext{Account: *acct, Provider: p}, nil
}
