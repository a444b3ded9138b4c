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
	"sort"

	"github.com/bcem/mailer/internal/models"
)

// Registry maps provider types to factories. Registration happens at
// startup; lookups afterwards are read-only.
type Registry struct {
	factories map[models.ProviderType]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[models.ProviderType]Factory)}
}

// Register binds a factory to a provider type, replacing any previous one.
func (r *Registry) Register(t models.ProviderType, f Factory) {
	r.factories[t] = f
}

// Types returns the registered provider types in a stable order.
func (r *Registry) Types() []models.ProviderType {
	types := make([]models.ProviderType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Resolve builds a provider for desc. Unknown types fail with a
// *models.UnsupportedProviderError.
func (r *Registry) Resolve(ctx context.Context, desc models.ProviderDescriptor) (Provider, error) {
	f, ok := r.factories[desc.Type]
	if !ok {
		return nil, &models.UnsupportedProviderError{Type: desc.Type, Registered: r.Types()}
	}

	p, err := f(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("building %s provider %q: %w", desc.Type, desc.Name, err)
	}
	return p, nil
}
