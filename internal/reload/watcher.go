// Package reload detects edits to the files a running service was built
// from, so the command can rebuild the service and its database registry.
package reload

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Source is one watched file. Name says what the file configures.
type Source struct {
	Name string
	Path string
}

// Change describes a source that was edited, created or removed since the
// last snapshot.
type Change struct {
	Source
	Removed bool
}

func (c Change) String() string {
	switch {
	case c.Removed:
		return fmt.Sprintf("%s %s removed", c.Name, c.Path)
	default:
		return fmt.Sprintf("%s %s changed", c.Name, c.Path)
	}
}

type snapshot struct {
	exists bool
	digest [sha256.Size]byte
}

// Watcher compares the content of its sources against the last snapshot.
// Sources that do not exist yet are tracked too, so creating a settings
// file next to the configuration counts as a change.
type Watcher struct {
	mu      sync.Mutex
	sources []Source
	state   map[string]snapshot
}

// NewWatcher snapshots the given sources.
func NewWatcher(sources ...Source) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(sources...); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the watched sources and snapshots their content. Sources
// with an empty path are ignored; the first source wins for a path.
func (w *Watcher) Update(sources ...Source) error {
	if w == nil {
		return nil
	}
	tracked := make([]Source, 0, len(sources))
	state := make(map[string]snapshot, len(sources))
	for _, src := range sources {
		if strings.TrimSpace(src.Path) == "" {
			continue
		}
		abs, err := filepath.Abs(src.Path)
		if err != nil {
			return fmt.Errorf("watch %s: %w", src.Name, err)
		}
		if _, dup := state[abs]; dup {
			continue
		}
		snap, err := take(abs)
		if err != nil {
			return fmt.Errorf("watch %s: %w", src.Name, err)
		}
		src.Path = abs
		tracked = append(tracked, src)
		state[abs] = snap
	}
	w.mu.Lock()
	w.sources = tracked
	w.state = state
	w.mu.Unlock()
	return nil
}

// Check reports the sources whose content differs from the last snapshot,
// in the order they were registered. The snapshot is not advanced; call
// Update once the change has been applied.
func (w *Watcher) Check() ([]Change, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var changes []Change
	for _, src := range w.sources {
		now, err := take(src.Path)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", src.Name, err)
		}
		before := w.state[src.Path]
		if now == before {
			continue
		}
		changes = append(changes, Change{Source: src, Removed: before.exists && !now.exists})
	}
	return changes, nil
}

// Sources returns the watched sources with absolute paths.
func (w *Watcher) Sources() []Source {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Source(nil), w.sources...)
}

func take(path string) (snapshot, error) {
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return snapshot{}, nil
	case err != nil:
		return snapshot{}, err
	}
	return snapshot{exists: true, digest: sha256.Sum256(raw)}, nil
}
