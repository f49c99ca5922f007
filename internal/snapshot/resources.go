package snapshot

import (
	"log/slog"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

// ResourceStats is a point-in-time snapshot of resource cache occupancy.
type ResourceStats struct {
	Count int   `json:"count" yaml:"count"`
	Bytes int64 `json:"bytes" yaml:"bytes"`
}

type resourceKey struct {
	doc string // DocumentID.Key()
	id  string
}

type resourceEntry struct {
	data       []byte
	mimeType   string
	byteSize   int64
	refCount   int
	createdAt  time.Time
	lastAccess time.Time
	// releasedAt is the start of the idle-expiry window. Zero while the
	// entry is still referenced.
	releasedAt time.Time
}

// pending reports whether the entry only carries references, with the
// resource bytes not delivered yet.
func (e *resourceEntry) pending() bool {
	return e.data == nil
}

// ResourceCacheConfig configures a new resource cache.
type ResourceCacheConfig struct {
	// IdleTTL is how long an unreferenced resource survives before becoming
	// eligible for expiry. Zero means never expire by idleness.
	IdleTTL time.Duration
	Logger  *slog.Logger
}

// ResourceCache owns the bytes of binary sub-resources (images, fonts)
// shared across the chapters of one document. Entries are reference-counted:
// every cached chapter snapshot listing a resource holds one logical
// reference, and an entry is only expired once unreferenced and idle.
//
// Like the other caches, ResourceCache is single-owner and not internally
// locked.
type ResourceCache struct {
	logger  *slog.Logger
	idleTTL time.Duration
	entries map[resourceKey]*resourceEntry
	bytes   int64
	now     func() time.Time
}

// NewResourceCache creates a resource cache.
func NewResourceCache(cfg ResourceCacheConfig) *ResourceCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceCache{
		logger:  logger.With("component", "resourcecache"),
		idleTTL: cfg.IdleTTL,
		entries: make(map[resourceKey]*resourceEntry),
		now:     time.Now,
	}
}

// SetIdleTTL replaces the idle-expiry window. Zero disables idle expiry.
func (c *ResourceCache) SetIdleTTL(ttl time.Duration) {
	c.idleTTL = ttl
}

// Set stores resource bytes under (doc, resourceID). Replacing an existing
// entry swaps the whole buffer and keeps the reference count: readers never
// observe a partially mutated buffer.
func (c *ResourceCache) Set(doc render.DocumentID, resourceID string, data []byte, mimeType string) {
	k := resourceKey{doc.Key(), resourceID}
	now := c.now()

	if old, ok := c.entries[k]; ok {
		c.bytes -= old.byteSize
		old.data = data
		old.mimeType = mimeType
		old.byteSize = int64(len(data))
		old.lastAccess = now
		if old.refCount == 0 {
			// Fresh bytes restart the idle window; the stale clock from the
			// last Release must not expire the entry right after a refresh.
			old.releasedAt = now
		}
		c.bytes += old.byteSize
		return
	}

	c.entries[k] = &resourceEntry{
		data:       data,
		mimeType:   mimeType,
		byteSize:   int64(len(data)),
		createdAt:  now,
		lastAccess: now,
		releasedAt: now, // unreferenced until the first AddRef
	}
	c.bytes += int64(len(data))
}

// Get returns the resource bytes, or (nil, false) when absent, pending, or
// idle-expired.
func (c *ResourceCache) Get(doc render.DocumentID, resourceID string) ([]byte, bool) {
	ent, ok := c.lookup(resourceKey{doc.Key(), resourceID})
	if !ok || ent.pending() {
		return nil, false
	}
	ent.lastAccess = c.now()
	return ent.data, true
}

// Has reports whether the resource bytes are present and not idle-expired.
func (c *ResourceCache) Has(doc render.DocumentID, resourceID string) bool {
	ent, ok := c.lookup(resourceKey{doc.Key(), resourceID})
	return ok && !ent.pending()
}

// MimeType returns the stored mime type, or "" when absent.
func (c *ResourceCache) MimeType(doc render.DocumentID, resourceID string) string {
	ent, ok := c.lookup(resourceKey{doc.Key(), resourceID})
	if !ok {
		return ""
	}
	return ent.mimeType
}

// AddRef records one more chapter snapshot referencing the resource.
// Referencing again before the idle window elapses reuses the entry without
// a re-fetch. A reference to a resource whose bytes have not arrived yet
// creates a byte-less pending entry, so a later Set inherits the count
// instead of starting unreferenced.
func (c *ResourceCache) AddRef(doc render.DocumentID, resourceID string) {
	k := resourceKey{doc.Key(), resourceID}
	ent, ok := c.lookup(k)
	if !ok {
		now := c.now()
		ent = &resourceEntry{createdAt: now, lastAccess: now}
		c.entries[k] = ent
	}
	ent.refCount++
	ent.releasedAt = time.Time{}
}

// Release drops one reference. When the count reaches zero the entry is not
// deleted: the idle-expiry window starts (or refreshes) instead.
func (c *ResourceCache) Release(doc render.DocumentID, resourceID string) {
	k := resourceKey{doc.Key(), resourceID}
	ent, ok := c.entries[k]
	if !ok {
		return
	}
	if ent.refCount > 0 {
		ent.refCount--
	}
	if ent.refCount == 0 {
		ent.releasedAt = c.now()
	}
}

// RefCount returns the current reference count, or 0 when absent.
func (c *ResourceCache) RefCount(doc render.DocumentID, resourceID string) int {
	ent, ok := c.entries[resourceKey{doc.Key(), resourceID}]
	if !ok {
		return 0
	}
	return ent.refCount
}

// ClearDocument unconditionally drops every resource of the document,
// regardless of reference counts. Used on document close or removal.
func (c *ResourceCache) ClearDocument(doc render.DocumentID) {
	docKey := doc.Key()
	for k, ent := range c.entries {
		if k.doc == docKey {
			c.bytes -= ent.byteSize
			delete(c.entries, k)
		}
	}
}

// ClearAll drops everything.
func (c *ResourceCache) ClearAll() {
	c.entries = make(map[resourceKey]*resourceEntry)
	c.bytes = 0
}

// SweepIdle removes every unreferenced entry whose idle window has elapsed.
// Returns the number of entries dropped.
func (c *ResourceCache) SweepIdle() int {
	if c.idleTTL <= 0 {
		return 0
	}
	now := c.now()
	dropped := 0
	for k, ent := range c.entries {
		if c.expired(ent, now) {
			c.bytes -= ent.byteSize
			delete(c.entries, k)
			dropped++
		}
	}
	if dropped > 0 {
		c.logger.Debug("swept idle resources", "dropped", dropped, "remaining", len(c.entries))
	}
	return dropped
}

// Stats returns current occupancy.
func (c *ResourceCache) Stats() ResourceStats {
	return ResourceStats{Count: len(c.entries), Bytes: c.bytes}
}

// lookup finds an entry, applying the on-access idle-expiry check.
func (c *ResourceCache) lookup(k resourceKey) (*resourceEntry, bool) {
	ent, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.idleTTL > 0 && c.expired(ent, c.now()) {
		c.bytes -= ent.byteSize
		delete(c.entries, k)
		return nil, false
	}
	return ent, true
}

func (c *ResourceCache) expired(ent *resourceEntry, now time.Time) bool {
	return ent.refCount == 0 && !ent.releasedAt.IsZero() && now.Sub(ent.releasedAt) > c.idleTTL
}
