package storage

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Resolver turns a parsed database URI into a backend factory plus options.
// Resolvers must not construct the backend themselves.
type Resolver func(u *url.URL) (Factory, Options, error)

// Schemes maps URI schemes to resolvers.
type Schemes struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewSchemes returns an empty scheme registry.
func NewSchemes() *Schemes {
	return &Schemes{resolvers: make(map[string]Resolver)}
}

// Register installs a resolver for scheme, replacing any previous one.
func (s *Schemes) Register(scheme string, resolver Resolver) error {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return fmt.Errorf("storage scheme must not be empty")
	}
	if resolver == nil {
		return fmt.Errorf("storage scheme %s: resolver must not be nil", scheme)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolvers == nil {
		s.resolvers = make(map[string]Resolver)
	}
	s.resolvers[scheme] = resolver
	return nil
}

// Clone returns an independent copy of the registry.
func (s *Schemes) Clone() *Schemes {
	clone := NewSchemes()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for scheme, resolver := range s.resolvers {
		clone.resolvers[scheme] = resolver
	}
	return clone
}

// Names lists the registered schemes in sorted order.
func (s *Schemes) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.resolvers))
	for scheme := range s.resolvers {
		names = append(names, scheme)
	}
	sort.Strings(names)
	return names
}

// Resolve dispatches uri to the resolver registered for its scheme.
func (s *Schemes) Resolve(uri string) (Factory, Options, error) {
	trimmed := strings.TrimSpace(uri)
	idx := strings.Index(trimmed, "://")
	if idx <= 0 {
		return nil, Options{}, &UnknownSchemeError{URI: uri}
	}
	scheme := strings.ToLower(trimmed[:idx])
	s.mu.RLock()
	resolver := s.resolvers[scheme]
	s.mu.RUnlock()
	if resolver == nil {
		return nil, Options{}, &UnknownSchemeError{Scheme: scheme, URI: uri}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, Options{}, &InvalidURIError{URI: uri, Err: err}
	}
	factory, opts, err := resolver(parsed)
	if err != nil {
		return nil, Options{}, &InvalidURIError{URI: uri, Err: err}
	}
	if factory == nil {
		return nil, Options{}, &InvalidURIError{URI: uri, Err: fmt.Errorf("resolver for %s returned no factory", scheme)}
	}
	return factory, opts, nil
}

var defaultSchemes = NewSchemes()

// Default returns the process wide scheme registry that storage packages
// register themselves with from init.
func Default() *Schemes {
	return defaultSchemes
}

// Register installs resolver on the default registry.
func Register(scheme string, resolver Resolver) error {
	return defaultSchemes.Register(scheme, resolver)
}

// Resolve resolves uri against the default registry.
func Resolve(uri string) (Factory, Options, error) {
	return defaultSchemes.Resolve(uri)
}
