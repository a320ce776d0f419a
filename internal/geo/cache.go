package geo

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/fieldmap/internal/fsutil"
)

// SourceKey identifies one version of a boundary file. A change in
// modification time or size invalidates the cached geometry.
type SourceKey struct {
	Path    string
	ModTime time.Time
	Size    int64
}

// String renders the key for use in cache digests.
func (k SourceKey) String() string {
	return fmt.Sprintf("%s@%d:%d", k.Path, k.ModTime.UnixNano(), k.Size)
}

func (k SourceKey) same(o SourceKey) bool {
	return k.Path == o.Path && k.ModTime.Equal(o.ModTime) && k.Size == o.Size
}

type cacheEntry struct {
	key      SourceKey
	boundary *Boundary
}

// Cache memoises parsed boundaries by source identity. The zero value is
// not usable; call NewCache.
type Cache struct {
	fs fsutil.FileSystem

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache returns an empty cache reading through fsys.
func NewCache(fsys fsutil.FileSystem) *Cache {
	return &Cache{fs: fsys, entries: make(map[string]cacheEntry)}
}

// Load returns the boundary at path, parsing it only when the file's
// SourceKey differs from the cached one.
func (c *Cache) Load(path string) (*Boundary, SourceKey, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return nil, SourceKey{}, fmt.Errorf("stat boundary %s: %w", path, err)
	}
	key := SourceKey{Path: filepath.Clean(path), ModTime: info.ModTime(), Size: info.Size()}

	c.mu.RLock()
	e, ok := c.entries[key.Path]
	c.mu.RUnlock()
	if ok && e.key.same(key) {
		return e.boundary, key, nil
	}

	b, err := Load(c.fs, path)
	if err != nil {
		return nil, SourceKey{}, err
	}

	c.mu.Lock()
	c.entries[key.Path] = cacheEntry{key: key, boundary: b}
	c.mu.Unlock()
	logf("cached boundary %s (%d polygons)", key.Path, len(b.polygons))
	return b, key, nil
}

// Save validates data as a boundary, writes it to path through the
// cache's file system and drops any cached copy.
func (c *Cache) Save(path string, data []byte) (*Boundary, error) {
	b, err := Parse(data)
	if err != nil {
		return nil, err
	}
	replaced := fsutil.Exists(c.fs, path)
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := c.fs.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	c.Invalidate(path)
	if replaced {
		logf("replaced boundary %s (%d polygons)", path, len(b.polygons))
	} else {
		logf("saved boundary %s (%d polygons)", path, len(b.polygons))
	}
	return b, nil
}

// Remove deletes the boundary file at path and its cache entry.
func (c *Cache) Remove(path string) error {
	c.Invalidate(path)
	return c.fs.Remove(path)
}

// List returns the boundary files directly inside dir, sorted by path.
func (c *Cache) List(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*.geojson", "*.json"} {
		matches, err := c.fs.Glob(dir, pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// Invalidate drops any cached boundary for path.
func (c *Cache) Invalidate(path string) {
	path = filepath.Clean(path)
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Len returns the number of cached boundaries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Watch invalidates entries for files in dir as they change on disk. It
// returns once the watcher is installed and stops when ctx is done.
func (c *Cache) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create boundary watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
					c.Invalidate(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				opsf("boundary watcher: %v", err)
			}
		}
	}()
	return nil
}
