package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/timzifer/dbconn/storage"
)

// PrimaryName is the registry key of the primary database.
const PrimaryName = ""

// Registry maps database names to databases. Every database built from the
// same configuration shares the same Registry value. A registry is written
// only while it is built and is read-only afterwards.
type Registry map[string]*Database

// Primary returns the primary database or nil.
func (r Registry) Primary() *Database {
	return r.Lookup(PrimaryName)
}

// Lookup returns the database registered under name or nil.
func (r Registry) Lookup(name string) *Database {
	if r == nil {
		return nil
	}
	return r[name]
}

// Names lists the registered names, primary first and the rest sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		if name != PrimaryName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := r[PrimaryName]; ok {
		names = append([]string{PrimaryName}, names...)
	}
	return names
}

// Close closes every backend of the registry.
func (r Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		db := r[name]
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", describe(name), err))
		}
	}
	return errors.Join(errs...)
}

// Entry declares one database.
type Entry struct {
	Name string
	URI  string
}

// Layout is the ordered list of declared databases. The primary entry has
// the empty name.
type Layout []Entry

// HasPrimary reports whether the layout declares a primary database.
func (l Layout) HasPrimary() bool {
	for _, entry := range l {
		if entry.Name == PrimaryName {
			return true
		}
	}
	return false
}

// Build resolves every entry of layout through schemes, constructs the
// backends in declaration order and returns the shared registry.
//
// Declaration errors are reported before any backend is constructed and
// satisfy errors.Is(err, ErrConfiguration). Errors returned by a backend
// factory are returned unchanged after the backends built so far have been
// closed.
func Build(layout Layout, schemes *storage.Schemes) (Registry, error) {
	if schemes == nil {
		schemes = storage.Default()
	}
	seen := make(map[string]struct{}, len(layout))
	for _, entry := range layout {
		if _, dup := seen[entry.Name]; dup {
			return nil, &DuplicateDatabaseNameError{Name: entry.Name}
		}
		seen[entry.Name] = struct{}{}
	}
	if len(layout) > 0 && !layout.HasPrimary() {
		return nil, ErrMissingPrimary
	}

	type resolved struct {
		entry   Entry
		factory storage.Factory
		opts    storage.Options
	}
	plan := make([]resolved, 0, len(layout))
	for _, entry := range layout {
		factory, opts, err := schemes.Resolve(strings.TrimSpace(entry.URI))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", describe(entry.Name), err)
		}
		plan = append(plan, resolved{entry: entry, factory: factory, opts: opts})
	}

	registry := make(Registry, len(plan))
	for _, step := range plan {
		backend, err := step.factory()
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
		New(backend, step.entry.Name, registry, step.opts)
	}
	return registry, nil
}
