// Package engines tracks installed engine versions and installs new
// ones from the content delivery network.
//
// An engine version lives in <dir>/<version>/ and counts as installed
// once the dedicated server binary exists in it. Entries starting with
// a dot are working areas of the installer and are never versions.
package engines

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "spring-dedicated.exe"
	}
	return "spring-dedicated"
}

// Registry watches the engines directory and keeps the set of
// installed versions current.
type Registry struct {
	dir        string
	onVersions func(versions []string)

	mu       sync.Mutex
	versions map[string]bool
}

// NewRegistry creates a registry over dir. onVersions, if not nil, is
// called with the sorted version list after the initial scan and then
// every time the set changes; it runs on the watcher goroutine.
func NewRegistry(dir string, onVersions func(versions []string)) *Registry {
	return &Registry{
		dir:        dir,
		onVersions: onVersions,
		versions:   make(map[string]bool),
	}
}

// Installed reports whether the version is ready to run.
func (r *Registry) Installed(version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versions[version]
}

// Versions returns the sorted list of installed versions.
func (r *Registry) Versions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := make([]string, 0, len(r.versions))
	for v := range r.versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// BinaryPath resolves a version to its dedicated server binary.
func (r *Registry) BinaryPath(version string) (string, bool) {
	if !r.Installed(version) {
		return "", false
	}
	return filepath.Join(r.dir, version, binaryName()), true
}

// Run scans the engines directory and keeps watching it until ctx is
// done. Installs land as a directory rename, which is one watcher
// event, so a plain rescan per event is enough.
func (r *Registry) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create engines dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create engines watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	r.rescan(true)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			r.rescan(false)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("engines watcher error", "err", err)
		}
	}
}

func (r *Registry) rescan(force bool) {
	found := r.scan()

	r.mu.Lock()
	changed := len(found) != len(r.versions)
	if !changed {
		for v := range found {
			if !r.versions[v] {
				changed = true
				break
			}
		}
	}
	r.versions = found
	r.mu.Unlock()

	if changed || force {
		versions := r.Versions()
		slog.Info("installed engines changed", "versions", versions)
		if r.onVersions != nil {
			r.onVersions(versions)
		}
	}
}

func (r *Registry) scan() map[string]bool {
	found := make(map[string]bool)
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		slog.Warn("reading engines dir failed", "dir", r.dir, "err", err)
		return found
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := os.Stat(filepath.Join(r.dir, name, binaryName()))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		found[name] = true
	}
	return found
}
