package credentials

import (
	"context"
	"fmt"
)

// Router dispatches references to a provider by scheme.
type Router struct {
	providers     map[string]Provider
	defaultScheme string
}

var _ Provider = (*Router)(nil)

// NewRouter returns a router. References without a scheme go to the
// provider registered for defaultScheme.
func NewRouter(defaultScheme string) *Router {
	return &Router{providers: make(map[string]Provider), defaultScheme: defaultScheme}
}

// Handle registers p for scheme and returns the router.
func (r *Router) Handle(scheme string, p Provider) *Router {
	r.providers[scheme] = p
	return r
}

// Get implements Provider.
func (r *Router) Get(ctx context.Context, ref string) (Credentials, error) {
	scheme, _ := SplitRef(ref)
	if scheme == "" {
		scheme = r.defaultScheme
	}
	p, ok := r.providers[scheme]
	if !ok {
		return Credentials{}, &Error{Ref: ref, Err: fmt.Errorf("no provider for scheme %q", scheme)}
	}
	return p.Get(ctx, ref)
}
