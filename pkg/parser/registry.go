package parser

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnknownParser indicates no parser is registered under the id.
	ErrUnknownParser = errors.New("unknown parser")

	// ErrDuplicateParser indicates the id is already registered.
	ErrDuplicateParser = errors.New("parser already registered")
)

// Registry maps parser ids to parsers.
//
// Registration happens at configuration time; lookups are safe for
// concurrent use by independent jobs.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// Default returns a new registry holding the built-in parsers.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(ParserPing, NewFieldParser(PingMapping()))
	r.MustRegister(ParserOkta, NewFieldParser(OktaMapping()))
	return r
}

// Register adds p under id.
func (r *Registry) Register(id string, p Parser) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("parser id is required")
	}
	if p == nil {
		return fmt.Errorf("parser %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parsers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParser, id)
	}
	r.parsers[id] = p
	return nil
}

// MustRegister is Register that panics on error. Use for built-ins only.
func (r *Registry) MustRegister(id string, p Parser) {
	if err := r.Register(id, p); err != nil {
		panic(err)
	}
}

// Lookup returns the parser registered under id.
func (r *Registry) Lookup(id string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParser, id)
	}
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.parsers))
	for id := range r.parsers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
