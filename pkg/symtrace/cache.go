package symtrace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v2"
)

// Cache remembers which symbols of a module matched a pattern, so that
// repeated runs against the same binary do not scan its symbol table
// again. Entries are keyed by "<module uuid>|<regex>".
type Cache struct {
	path    string
	entries map[string][]string
	dirty   bool
}

// CacheKey returns the cache key of the symbols of module uuid matching
// pattern.
func CacheKey(uuid, pattern string) string {
	return uuid + "|" + pattern
}

// LoadCache reads the cache stored at path. A missing file results in an
// empty cache that will be created by Save.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path, entries: make(map[string][]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("unable to decode symbol cache %s: %v", path, err)
	}
	if c.entries == nil {
		c.entries = make(map[string][]string)
	}
	return c, nil
}

// Lookup returns the names cached under key.
func (c *Cache) Lookup(key string) ([]string, bool) {
	names, ok := c.entries[key]
	return names, ok
}

// Store replaces the names cached under key.
func (c *Cache) Store(key string, names []string) {
	names = append([]string(nil), names...)
	sort.Strings(names)
	c.entries[key] = names
	c.dirty = true
}

// Save writes the cache back if it changed.
func (c *Cache) Save() error {
	if !c.dirty {
		return nil
	}
	data, err := yaml.Marshal(c.entries)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("unable to write symbol cache %s: %v", c.path, err)
	}
	c.dirty = false
	return nil
}
