// Package mediacache keeps uploaded media locally for preview. Entries live for
// a fixed TTL and every URL minted for an entry is released exactly once.
package mediacache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/matst80/factcheck/internal/obs"
)

const DefaultTTL = 2 * time.Hour

// Blob is the cached payload.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// Entry is one cached object. URL is only valid while the entry is live.
type Entry struct {
	ID        string
	Blob      Blob
	URL       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// URLMinter turns a blob into a dereferenceable URL and releases it again.
type URLMinter interface {
	Mint(id string, blob Blob) (string, error)
	Release(url string)
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

func WithClock(clk clockwork.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithIDFunc overrides the media id generator.
func WithIDFunc(fn func() string) Option { return func(c *Cache) { c.newID = fn } }

type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	reserved map[string]struct{} // ids handed out while Mint runs unlocked
	ttl     time.Duration
	clock   clockwork.Clock
	minter  URLMinter
	newID   func() string
}

func New(minter URLMinter, opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*Entry),
		reserved: make(map[string]struct{}),
		ttl:      DefaultTTL,
		clock:    clockwork.NewRealClock(),
		minter:   minter,
		newID:    func() string { return "media_" + uuid.NewString() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Store caches blob under a fresh id and sweeps every expired entry.
func (c *Cache) Store(blob Blob) (string, error) {
	c.mu.Lock()
	id := c.newID()
	for c.taken(id) {
		id = c.newID()
	}
	c.reserved[id] = struct{}{}
	c.mu.Unlock()

	url, err := c.minter.Mint(id, blob)
	if err != nil {
		c.mu.Lock()
		delete(c.reserved, id)
		c.mu.Unlock()
		return "", errors.Wrap(err, "mint media url")
	}
	now := c.clock.Now()

	c.mu.Lock()
	delete(c.reserved, id)
	c.entries[id] = &Entry{ID: id, Blob: blob, URL: url, CreatedAt: now, ExpiresAt: now.Add(c.ttl)}
	expired := c.sweepLocked(now)
	n := len(c.entries)
	c.mu.Unlock()

	c.release(expired)
	obs.CachedMedia.Set(float64(n))
	obs.Debug("mediacache.store", obs.Fields{"id": id, "bytes": len(blob.Data), "swept": len(expired)})
	return id, nil
}

// Get returns a live entry. An expired entry is released and removed on read.
func (c *Cache) Get(id string) (*Entry, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if expired(e, now) {
		delete(c.entries, id)
		n := len(c.entries)
		c.mu.Unlock()
		c.release([]*Entry{e})
		obs.CachedMedia.Set(float64(n))
		return nil, false
	}
	cp := *e
	c.mu.Unlock()
	return &cp, true
}

func (c *Cache) URL(id string) (string, bool) {
	e, ok := c.Get(id)
	if !ok {
		return "", false
	}
	return e.URL, true
}

// Clear releases every URL and empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]*Entry, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, e)
		delete(c.entries, id)
	}
	c.mu.Unlock()
	c.release(all)
	obs.CachedMedia.Set(0)
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) taken(id string) bool {
	if _, ok := c.reserved[id]; ok {
		return true
	}
	return c.entries[id] != nil
}

func (c *Cache) sweepLocked(now time.Time) []*Entry {
	var out []*Entry
	for id, e := range c.entries {
		if expired(e, now) {
			out = append(out, e)
			delete(c.entries, id)
		}
	}
	return out
}

func (c *Cache) release(entries []*Entry) {
	for _, e := range entries {
		c.minter.Release(e.URL)
	}
}

func expired(e *Entry, now time.Time) bool { return !now.Before(e.ExpiresAt) }
