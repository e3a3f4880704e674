package llm

import (
	"context"
	"errors"
	"log/slog"
	"sort"
)

// ErrNoEngine is returned by a Router with neither its engine nor the
// fallback registered.
var ErrNoEngine = errors.New("no llm engine available")

// Router serves one engine out of a set of providers. The engine is picked
// once at construction: the requested one if registered, else the fallback.
type Router struct {
	providers map[string]Provider
	engine    string
}

// NewRouter picks engine from providers, falling back to fallback.
func NewRouter(providers map[string]Provider, engine, fallback string) *Router {
	r := &Router{providers: providers}
	switch {
	case providers[engine] != nil:
		r.engine = engine
	case providers[fallback] != nil:
		slog.Warn("llm engine not registered, using fallback", "engine", engine, "fallback", fallback)
		r.engine = fallback
	}
	return r
}

// Engine reports the engine being served, or "" if none.
func (r *Router) Engine() string {
	return r.engine
}

// Engines returns the registered engine names, sorted.
func (r *Router) Engines() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stream implements Provider using the selected engine.
func (r *Router) Stream(ctx context.Context, req Request, onToken TokenCallback) (*Completion, error) {
	if r.engine == "" {
		return nil, ErrNoEngine
	}
	return r.providers[r.engine].Stream(ctx, req, onToken)
}
