package overlay

import (
	"os"
	"sync"
	"time"

	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/spectrum"
)

// Tables are the lookup tables built from a spectrum asset. They are never
// modified after being built.
type Tables struct {
	Primary   *spectrum.Table
	Secondary *spectrum.Table // may be nil
	Extra     int
}

type cacheKey struct {
	path  string
	mtime time.Time
	size  int64
}

// Cache holds immutable built assets keyed by path and modification time. It
// is safe for concurrent usage.
type Cache struct {
	mu      sync.Mutex
	spectra map[string]cacheEntry[*Tables]
	noise   map[string]cacheEntry[*noise.Pattern]
}

type cacheEntry[T any] struct {
	key cacheKey
	val T
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		spectra: map[string]cacheEntry[*Tables]{},
		noise:   map[string]cacheEntry[*noise.Pattern]{},
	}
}

// Spectrum returns the tables for the spectrum asset at path, loading it if it
// has changed.
func (c *Cache) Spectrum(path string) (*Tables, error) {
	return load(c, c.spectra, path, func(path string) (*Tables, error) {
		p, err := spectrum.Load(path)
		if err != nil {
			return nil, err
		}
		t := &Tables{
			Primary: p.Primary.Lookup(spectrum.TableSize),
			Extra:   p.Extra,
		}
		if p.Dual() {
			t.Secondary = p.Secondary.Lookup(spectrum.TableSize)
		}
		return t, nil
	})
}

// Noise returns the pattern for the noise asset at path, loading it if it has
// changed.
func (c *Cache) Noise(path string) (*noise.Pattern, error) {
	return load(c, c.noise, path, noise.Load)
}

// Forget removes all entries.
func (c *Cache) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.spectra)
	clear(c.noise)
}

func load[T any](c *Cache, m map[string]cacheEntry[T], path string, fn func(string) (T, error)) (T, error) {
	var zero T

	fi, err := os.Stat(path)
	if err != nil {
		return zero, err
	}
	key := cacheKey{path, fi.ModTime(), fi.Size()}

	c.mu.Lock()
	if e, ok := m[path]; ok && e.key == key {
		c.mu.Unlock()
		return e.val, nil
	}
	c.mu.Unlock()

	// concurrent loads of the same asset are harmless
	v, err := fn(path)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	m[path] = cacheEntry[T]{key, v}
	c.mu.Unlock()
	return v, nil
}
