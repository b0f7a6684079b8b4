// Package providers hosts the upstream usage adapters and their registry.
package providers

import (
	"context"

	"github.com/janekbaraniewski/paneboard/internal/core"
)

// UsageProvider fetches a point-in-time rate-limit snapshot from one
// upstream. Fetch errors are taxonomy errors (apierr); the dashboard decides
// whether they degrade or fail the cached snapshot.
type UsageProvider interface {
	ID() string
	Label() string
	Fetch(ctx context.Context) (core.ProviderSnapshot, error)
}

// Registry maps providerId to its adapter, preserving registration order
// for stable dashboard output.
type Registry struct {
	order []string
	byID  map[string]UsageProvider
}

func NewRegistry(providers ...UsageProvider) *Registry {
	r := &Registry{byID: make(map[string]UsageProvider)}
	for _, p := range providers {
		if _, dup := r.byID[p.ID()]; dup {
			continue
		}
		r.order = append(r.order, p.ID())
		r.byID[p.ID()] = p
	}
	return r
}

func (r *Registry) Get(id string) (UsageProvider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
