// Package dnscache resolves the A, MX and TXT records used by the
// verification pipeline and keeps them for a TTL, so a batch that repeats
// common domains pays for each lookup once.
package dnscache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = time.Hour
	// DefaultLookupTimeout bounds one shared resolver round-trip.
	DefaultLookupTimeout = 10 * time.Second
)

// Entry is the cached view of a domain. It is replaced as a whole, never
// partially updated.
type Entry struct {
	Domain string
	HasA   bool
	HasMX  bool
	// MX hosts ordered by preference, primary first.
	MX []string

	expires time.Time
}

type txtEntry struct {
	records []string
	expires time.Time
}

// Options tunes a Cache. Zero values mean DefaultTTL, DefaultLookupTimeout
// and time.Now.
type Options struct {
	TTL time.Duration
	// LookupTimeout bounds a resolution shared by concurrent callers. It runs
	// detached from any single caller's context.
	LookupTimeout time.Duration
	Now           func() time.Time
	// OnLookup is called after every Lookup/TXT with whether it was served
	// from the cache.
	OnLookup func(hit bool)
}

// Cache is safe for concurrent use. Reads share a read lock; concurrent misses
// for the same name collapse into a single resolver round-trip.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	onLookup func(hit bool)

	mu      sync.RWMutex
	entries map[string]Entry
	txt     map[string]txtEntry

	group  singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

func New(resolver Resolver, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		resolver: resolver,
		ttl:      opts.TTL,
		timeout:  opts.LookupTimeout,
		now:      opts.Now,
		onLookup: opts.OnLookup,
		entries:  make(map[string]Entry),
		txt:      make(map[string]txtEntry),
	}
}

// Lookup returns the A/MX view of domain. Errors are not cached.
func (c *Cache) Lookup(ctx context.Context, domain string) (Entry, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if e, ok := c.cachedEntry(domain); ok {
		c.observe(true)
		return e, nil
	}

	v, err := c.shared(ctx, "mx:"+domain, func(ctx context.Context) (interface{}, error) {
		if e, ok := c.cachedEntry(domain); ok {
			return e, nil
		}

		mx, err := c.resolver.LookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		ips, err := c.resolver.LookupA(ctx, domain)
		if err != nil {
			return nil, err
		}

		hosts := make([]string, 0, len(mx))
		for _, r := range mx {
			hosts = append(hosts, r.Host)
		}
		e := Entry{
			Domain:  domain,
			HasA:    len(ips) > 0,
			HasMX:   len(hosts) > 0,
			MX:      hosts,
			expires: c.now().Add(c.ttl),
		}

		c.mu.Lock()
		c.entries[domain] = e
		c.mu.Unlock()
		return e, nil
	})
	c.observe(false)
	if err != nil {
		return Entry{}, err
	}
	return copyEntry(v.(Entry)), nil
}

// TXT returns the TXT records published at name.
func (c *Cache) TXT(ctx context.Context, name string) ([]string, error) {
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	if recs, ok := c.cachedTXT(name); ok {
		c.observe(true)
		return recs, nil
	}

	v, err := c.shared(ctx, "txt:"+name, func(ctx context.Context) (interface{}, error) {
		if recs, ok := c.cachedTXT(name); ok {
			return recs, nil
		}
		recs, err := c.resolver.LookupTXT(ctx, name)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.txt[name] = txtEntry{records: recs, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return recs, nil
	})
	c.observe(false)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), v.([]string)...), nil
}

// shared runs fn once for all concurrent callers of key. The resolution is
// not tied to the caller that started it: each caller stops waiting when its
// own ctx is done while the others keep waiting for the answer.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(lookupCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	for k, e := range c.txt {
		if !now.Before(e.expires) {
			delete(c.txt, k)
			removed++
		}
	}
	return removed
}

// Len is the number of cached domains and TXT names.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) + len(c.txt)
}

// Stats reports cache hits and misses since construction.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) cachedEntry(domain string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[domain]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return Entry{}, false
	}
	return copyEntry(e), true
}

func (c *Cache) cachedTXT(name string) ([]string, bool) {
	c.mu.RLock()
	e, ok := c.txt[name]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return append([]string(nil), e.records...), true
}

func (c *Cache) observe(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	if c.onLookup != nil {
		c.onLookup(hit)
	}
}

func copyEntry(e Entry) Entry {
	e.MX = append([]string(nil), e.MX...)
	return e
}
