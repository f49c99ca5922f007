// Package pagecache stores rasterized page bitmaps under a dual LRU
// constraint: a maximum entry count and a maximum tracked byte total.
package pagecache

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

const (
	DefaultMaxEntries = 12
	DefaultMaxBytes   = 128 << 20 // 128 MiB
)

// Page is one cached rasterized page. The cache owns the buffer; the pixel
// data is valid until the entry is evicted or removed.
type Page struct {
	PageNumber  int
	Buffer      render.RasterBuffer
	RenderScale float64
	Theme       string
	LastAccess  time.Time
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Count    int    `json:"count" yaml:"count"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
	MaxCount int    `json:"max_count" yaml:"max_count"`
	MaxBytes int64  `json:"max_bytes" yaml:"max_bytes"`
	Hits     uint64 `json:"hits" yaml:"hits"`
	Misses   uint64 `json:"misses" yaml:"misses"`
}

type key struct {
	page  int
	scale float64
	theme string
}

type entry struct {
	key  key
	page *Page
	cost int64
}

// Config configures a new page cache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	Logger     *slog.Logger
}

// Cache is an LRU bitmap page cache keyed by (page, scale, theme).
//
// Cache is not internally locked: all access is expected from a single
// logical owner. Callers that can race must serialize through a queue or
// mutex of their own (the engine facade does exactly that).
type Cache struct {
	logger     *slog.Logger
	maxEntries int
	maxBytes   int64

	order   *list.List // front = oldest
	entries map[key]*list.Element
	bytes   int64
	hits    uint64
	misses  uint64
}

// New creates a page cache. Zero or negative limits fall back to defaults.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	return &Cache{
		logger:     logger.With("component", "pagecache"),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[key]*list.Element),
	}
}

// Get returns the cached page for (page, scale, theme), refreshing its
// recency. A miss returns (nil, false) and the caller rasterizes on demand.
func (c *Cache) Get(page int, scale float64, theme string) (*Page, bool) {
	elem, ok := c.entries[key{page, scale, theme}]
	if !ok {
		c.misses++
		return nil, false
	}
	c.order.MoveToBack(elem)
	ent := elem.Value.(*entry)
	ent.page.LastAccess = time.Now()
	c.hits++
	return ent.page, true
}

// Has reports presence without refreshing recency or touching the hit
// counters. Used for prefetch presence probes, which are not viewer traffic.
func (c *Cache) Has(page int, scale float64, theme string) bool {
	_, ok := c.entries[key{page, scale, theme}]
	return ok
}

// Put inserts a rasterized page, replacing any existing entry under the same
// key and evicting oldest entries first until both limits hold. An entry
// larger than the byte budget on its own is still accepted: eviction empties
// the cache and the entry goes in, so a single oversized page can transiently
// be the cache's only content.
func (c *Cache) Put(page int, scale float64, theme string, buf render.RasterBuffer) {
	k := key{page, scale, theme}
	if elem, ok := c.entries[k]; ok {
		c.removeElement(elem)
	}

	cost := buf.ByteEstimate()
	for c.order.Len() > 0 && (c.order.Len() >= c.maxEntries || c.bytes+cost > c.maxBytes) {
		oldest := c.order.Front()
		evicted := oldest.Value.(*entry)
		c.removeElement(oldest)
		c.logger.Debug("evicted page",
			"page", evicted.key.page, "scale", evicted.key.scale,
			"freed_bytes", evicted.cost, "tracked_bytes", c.bytes)
	}

	ent := &entry{
		key: k,
		page: &Page{
			PageNumber:  page,
			Buffer:      buf,
			RenderScale: scale,
			Theme:       theme,
			LastAccess:  time.Now(),
		},
		cost: cost,
	}
	c.entries[k] = c.order.PushBack(ent)
	c.bytes += cost
}

// Remove drops every scale/theme variant of the given page.
func (c *Cache) Remove(page int) {
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).key.page == page {
			c.removeElement(elem)
		}
		elem = next
	}
}

// RemoveVariant drops a single (page, scale, theme) entry if present.
func (c *Cache) RemoveVariant(page int, scale float64, theme string) {
	if elem, ok := c.entries[key{page, scale, theme}]; ok {
		c.removeElement(elem)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.order.Init()
	c.entries = make(map[key]*list.Element)
	c.bytes = 0
}

// Stats returns current occupancy and hit counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Count:    c.order.Len(),
		Bytes:    c.bytes,
		MaxCount: c.maxEntries,
		MaxBytes: c.maxBytes,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

func (c *Cache) removeElement(elem *list.Element) {
	ent := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, ent.key)
	c.bytes -= ent.cost
}
