package knownhosts

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshkeyauth/internal/identity"
	"github.com/gluk-w/sshkeyauth/internal/logutil"
)

type cachedFile struct {
	file     *File
	loadedAt time.Time
}

// Cache memoizes parsed known_hosts files by path. A file is parsed on first
// use and kept until invalidated or, when maxAge is positive, until it is
// older than maxAge. A file that cannot be read is not cached.
type Cache struct {
	mu     sync.Mutex
	files  map[string]cachedFile
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewCache returns an empty cache. maxAge <= 0 keeps entries until
// invalidated.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		files:  make(map[string]cachedFile),
		maxAge: maxAge,
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (c *Cache) SetNowFunc(fn func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowFn = fn
}

// File returns the parsed file at path, reading it if needed.
func (c *Cache) File(path string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if cf, ok := c.files[path]; ok {
		if c.maxAge <= 0 || now.Sub(cf.loadedAt) < c.maxAge {
			return cf.file, nil
		}
		delete(c.files, path)
	}

	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	c.files[path] = cachedFile{file: f, loadedAt: now}
	log.Printf("[known-hosts] loaded %d entries from %s", f.Len(), logutil.SanitizeForLog(path))
	return f, nil
}

// Lookup finds host in the known_hosts file at path.
func (c *Cache) Lookup(path, host string) (*identity.PublicKey, bool, error) {
	f, err := c.File(path)
	if err != nil {
		return nil, false, err
	}
	key, ok := f.Lookup(host)
	return key, ok, nil
}

// Invalidate drops the cached parse of path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, path)
}

// InvalidateAll drops every cached parse and returns how many were dropped.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.files)
	c.files = make(map[string]cachedFile)
	return n
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}
