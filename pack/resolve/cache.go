package resolve

import (
	"sync"

	"github.com/swdunlop/pack-go/pack/graph"
	"golang.org/x/sync/singleflight"
)

// A Cache holds modules keyed by absolute path and memoizes request lookups.  It is shared by every worker of a
// resolver and may be shared between builds; entries are written once and never modified afterwards.
type Cache struct {
	lock    sync.RWMutex
	modules map[string]*graph.Module
	lookups map[lookupKey]string
	group   singleflight.Group
}

type lookupKey struct {
	dir     string
	request string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		modules: make(map[string]*graph.Module),
		lookups: make(map[lookupKey]string),
	}
}

// Module returns the module cached for path, if any.
func (c *Cache) Module(path string) (*graph.Module, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	m, ok := c.modules[path]
	return m, ok
}

// Claim returns the module for path, creating a placeholder if this is the first time path has been seen.  Created
// reports whether the caller is responsible for filling the placeholder.
func (c *Cache) Claim(path string) (m *graph.Module, created bool) {
	if m, ok := c.Module(path); ok {
		return m, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if m, ok := c.modules[path]; ok {
		return m, false
	}
	m = graph.NewPlaceholder(path)
	c.modules[path] = m
	return m, true
}

// Forget drops path from the cache so the next build reloads it.  Lookups that resolved to path are dropped too,
// since the file may no longer exist.
func (c *Cache) Forget(paths ...string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	drop := make(map[string]bool, len(paths))
	for _, path := range paths {
		delete(c.modules, path)
		drop[path] = true
	}
	for key, path := range c.lookups {
		if drop[path] {
			delete(c.lookups, key)
		}
	}
}

// Len returns the number of cached modules.
func (c *Cache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.modules)
}

// lookup returns the memoized result of resolving request from dir, calling fn at most once per key even when
// several workers ask concurrently.
func (c *Cache) lookup(dir, request string, fn func() (string, error)) (string, error) {
	key := lookupKey{dir, request}
	c.lock.RLock()
	path, ok := c.lookups[key]
	c.lock.RUnlock()
	if ok {
		return path, nil
	}
	v, err, _ := c.group.Do(dir+"\x00"+request, func() (any, error) {
		path, err := fn()
		if err != nil {
			return ``, err
		}
		c.lock.Lock()
		c.lookups[key] = path
		c.lock.Unlock()
		return path, nil
	})
	if err != nil {
		return ``, err
	}
	return v.(string), nil
}
