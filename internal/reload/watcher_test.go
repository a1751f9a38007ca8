package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestUpdateSkipsEmptyAndDuplicatePaths(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "dbconn.yaml")
	writeFile(t, cfg, "databases: {}")

	watcher, err := NewWatcher(
		Source{Name: "config", Path: cfg},
		Source{Name: "settings", Path: ""},
		Source{Name: "again", Path: cfg},
	)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	want := []Source{{Name: "config", Path: cfg}}
	if got := watcher.Sources(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Sources() = %v, want %v", got, want)
	}
}

func TestCheckDetectsEditsAndRemovals(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "dbconn.yaml")
	settings := filepath.Join(dir, "settings.yaml")
	writeFile(t, cfg, "databases: {}")
	writeFile(t, settings, "dbconn.uri: mem://")

	watcher, err := NewWatcher(Source{Name: "config", Path: cfg}, Source{Name: "settings", Path: settings})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if changes, err := watcher.Check(); err != nil || len(changes) != 0 {
		t.Fatalf("Check() = %v, %v; want no changes", changes, err)
	}

	// same size, different content
	writeFile(t, cfg, "databases: []")
	if err := os.Remove(settings); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	changes, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	want := []Change{
		{Source: Source{Name: "config", Path: cfg}},
		{Source: Source{Name: "settings", Path: settings}, Removed: true},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Fatalf("Check() = %v, want %v", changes, want)
	}

	if err := watcher.Update(watcher.Sources()...); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if changes, err := watcher.Check(); err != nil || len(changes) != 0 {
		t.Fatalf("Check() after Update = %v, %v; want no changes", changes, err)
	}
}

func TestCheckDetectsCreatedSource(t *testing.T) {
	settings := filepath.Join(t.TempDir(), "settings.yaml")
	watcher, err := NewWatcher(Source{Name: "settings", Path: settings})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	writeFile(t, settings, "dbconn.uri: mem://")

	changes, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(changes) != 1 || changes[0].Removed || changes[0].Name != "settings" {
		t.Fatalf("Check() = %v, want one created settings source", changes)
	}
	if got := changes[0].String(); got != "settings "+settings+" changed" {
		t.Fatalf("String() = %q", got)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update(Source{Name: "config", Path: "config.yaml"}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changes, err := watcher.Check(); err != nil || changes != nil {
		t.Fatalf("nil watcher Check() = %v, %v", changes, err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
