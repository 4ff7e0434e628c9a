// Package registry holds the bijection between WAF names and base URLs.
package registry

import (
	"fmt"
	"sort"

	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/core"
	"github.com/CodeMonkeyCybersecurity/wafcompare/internal/validation"
	"github.com/CodeMonkeyCybersecurity/wafcompare/pkg/types"
)

// Registry is read-only after construction.
type Registry struct {
	endpoints []types.Endpoint
	byName    map[string]string
	byURL     map[string]string
}

// New builds a registry, rejecting any entry that would break the
// name<->URL bijection.
func New(endpoints []types.Endpoint) (*Registry, error) {
	r := &Registry{
		endpoints: make([]types.Endpoint, 0, len(endpoints)),
		byName:    make(map[string]string, len(endpoints)),
		byURL:     make(map[string]string, len(endpoints)),
	}

	for _, ep := range endpoints {
		if ep.Name == "" || ep.BaseURL == "" {
			return nil, fmt.Errorf("%w: endpoint must have both a name and a base URL (name=%q url=%q)", core.ErrInvalidEndpoint, ep.Name, ep.BaseURL)
		}
		if res := validation.ValidateEndpoint(ep.BaseURL); !res.Valid {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidEndpoint, ep.Name, res.Error)
		}
		if existing, ok := r.byName[ep.Name]; ok {
			return nil, fmt.Errorf("%w: name %q already maps to %s", core.ErrDuplicateEndpoint, ep.Name, existing)
		}
		if existing, ok := r.byURL[ep.BaseURL]; ok {
			return nil, fmt.Errorf("%w: url %s already registered as %q", core.ErrDuplicateEndpoint, ep.BaseURL, existing)
		}
		r.byName[ep.Name] = ep.BaseURL
		r.byURL[ep.BaseURL] = ep.Name
		r.endpoints = append(r.endpoints, ep)
	}

	sort.Slice(r.endpoints, func(i, j int) bool {
		return r.endpoints[i].Name < r.endpoints[j].Name
	})

	return r, nil
}

// FromMap builds a registry from a name -> URL table.
func FromMap(wafs map[string]string) (*Registry, error) {
	endpoints := make([]types.Endpoint, 0, len(wafs))
	for name, url := range wafs {
		endpoints = append(endpoints, types.Endpoint{Name: name, BaseURL: url})
	}
	return New(endpoints)
}

func (r *Registry) ResolveURL(name string) (string, error) {
	url, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: no WAF named %q", core.ErrNotFound, name)
	}
	return url, nil
}

func (r *Registry) ResolveName(baseURL string) (string, error) {
	name, ok := r.byURL[baseURL]
	if !ok {
		return "", fmt.Errorf("%w: no WAF registered at %s", core.ErrNotFound, baseURL)
	}
	return name, nil
}

// Endpoints returns a copy sorted by name.
func (r *Registry) Endpoints() []types.Endpoint {
	out := make([]types.Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

func (r *Registry) Len() int {
	return len(r.endpoints)
}
