// Package snapshot caches normalized chapter content for flowable documents
// and the binary sub-resources those chapters reference. Chapters are LRU
// with idle-time expiry; resources are reference-counted and owned solely by
// the ResourceCache, so chapter entries stay cheap to evict.
package snapshot

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

// DefaultMaxChapters bounds the chapter LRU when no limit is configured.
const DefaultMaxChapters = 16

// Entry is one cached chapter snapshot. Markup embeds resource tokens (see
// WrapResourceToken) instead of inline binaries, so the entry itself owns no
// resource bytes.
type Entry struct {
	Doc          render.DocumentID
	ChapterIndex int
	Markup       string
	Styles       []string
	ResourceRefs []string
	ByteSize     int64
	CreatedAt    time.Time
	LastAccess   time.Time
}

// ChapterStats is a point-in-time snapshot of chapter cache occupancy.
type ChapterStats struct {
	Count  int    `json:"count" yaml:"count"`
	Bytes  int64  `json:"bytes" yaml:"bytes"`
	Hits   uint64 `json:"hits" yaml:"hits"`
	Misses uint64 `json:"misses" yaml:"misses"`
}

type chapterKey struct {
	doc   string // DocumentID.Key()
	index int
}

// ChapterCacheConfig configures a new chapter cache.
type ChapterCacheConfig struct {
	MaxEntries int
	// IdleTTL is how long an untouched chapter survives. Zero means never
	// expire by idleness (LRU pressure still evicts).
	IdleTTL   time.Duration
	Resources *ResourceCache
	Logger    *slog.Logger
}

// ChapterCache is an LRU store of chapter snapshots keyed by
// (document identity, chapter index). Every insert takes one reference on
// each resource the chapter lists; every eviction, removal, or expiry
// releases them again, keeping the resource refcount invariant exact.
//
// Single-owner, not internally locked.
type ChapterCache struct {
	logger     *slog.Logger
	maxEntries int
	idleTTL    time.Duration
	resources  *ResourceCache

	order   *list.List // front = oldest
	entries map[chapterKey]*list.Element
	bytes   int64
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewChapterCache creates a chapter cache bound to a resource cache.
func NewChapterCache(cfg ChapterCacheConfig) *ChapterCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxChapters
	}
	resources := cfg.Resources
	if resources == nil {
		resources = NewResourceCache(ResourceCacheConfig{Logger: logger})
	}
	return &ChapterCache{
		logger:     logger.With("component", "chaptercache"),
		maxEntries: maxEntries,
		idleTTL:    cfg.IdleTTL,
		resources:  resources,
		order:      list.New(),
		entries:    make(map[chapterKey]*list.Element),
		now:        time.Now,
	}
}

// Resources returns the resource cache this chapter cache releases into.
func (c *ChapterCache) Resources() *ResourceCache {
	return c.resources
}

// SetIdleTTL replaces the chapter idle-expiry window. Zero disables it.
func (c *ChapterCache) SetIdleTTL(ttl time.Duration) {
	c.idleTTL = ttl
}

// Get returns the cached snapshot for (doc, chapterIndex), refreshing its
// recency. Idle-expired entries are dropped on access and report a miss.
func (c *ChapterCache) Get(doc render.DocumentID, chapterIndex int) (*Entry, bool) {
	k := chapterKey{doc.Key(), chapterIndex}
	elem, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil, false
	}
	ent := elem.Value.(*Entry)
	now := c.now()
	if c.idleTTL > 0 && now.Sub(ent.LastAccess) > c.idleTTL {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}
	c.order.MoveToBack(elem)
	ent.LastAccess = now
	c.hits++
	return ent, true
}

// Has reports presence without refreshing recency or access time.
func (c *ChapterCache) Has(doc render.DocumentID, chapterIndex int) bool {
	elem, ok := c.entries[chapterKey{doc.Key(), chapterIndex}]
	if !ok {
		return false
	}
	if c.idleTTL > 0 && c.now().Sub(elem.Value.(*Entry).LastAccess) > c.idleTTL {
		return false
	}
	return true
}

// Set inserts a chapter snapshot, replacing any entry under the same key and
// evicting the least-recently-used chapters beyond the count limit. One
// resource reference is taken per listed resource; replaced or evicted
// entries release theirs.
func (c *ChapterCache) Set(entry Entry) {
	k := chapterKey{entry.Doc.Key(), entry.ChapterIndex}
	if elem, ok := c.entries[k]; ok {
		c.removeElement(elem)
	}

	for c.order.Len() >= c.maxEntries && c.order.Len() > 0 {
		oldest := c.order.Front()
		old := oldest.Value.(*Entry)
		c.removeElement(oldest)
		c.logger.Debug("evicted chapter", "doc", old.Doc.Key(), "chapter", old.ChapterIndex)
	}

	now := c.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastAccess = now
	if entry.ByteSize == 0 {
		entry.ByteSize = int64(len(entry.Markup))
		for _, s := range entry.Styles {
			entry.ByteSize += int64(len(s))
		}
	}

	c.entries[k] = c.order.PushBack(&entry)
	c.bytes += entry.ByteSize
	for _, ref := range entry.ResourceRefs {
		c.resources.AddRef(entry.Doc, ref)
	}
}

// Remove drops a single chapter, releasing its resource references.
func (c *ChapterCache) Remove(doc render.DocumentID, chapterIndex int) {
	if elem, ok := c.entries[chapterKey{doc.Key(), chapterIndex}]; ok {
		c.removeElement(elem)
	}
}

// ClearDocument drops every chapter and every resource of the document,
// regardless of reference counts. Used on document close or removal.
func (c *ChapterCache) ClearDocument(doc render.DocumentID) {
	docKey := doc.Key()
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		ent := elem.Value.(*Entry)
		if ent.Doc.Key() == docKey {
			// Skip the per-ref release: the whole document's resources are
			// dropped unconditionally below.
			c.order.Remove(elem)
			delete(c.entries, chapterKey{docKey, ent.ChapterIndex})
			c.bytes -= ent.ByteSize
		}
		elem = next
	}
	c.resources.ClearDocument(doc)
}

// ClearAll drops every chapter and every resource.
func (c *ChapterCache) ClearAll() {
	c.order.Init()
	c.entries = make(map[chapterKey]*list.Element)
	c.bytes = 0
	c.resources.ClearAll()
}

// SweepIdle drops idle-expired chapters (releasing their resource
// references) and then sweeps unreferenced idle resources. Returns the
// number of chapters dropped.
func (c *ChapterCache) SweepIdle() int {
	dropped := 0
	if c.idleTTL > 0 {
		now := c.now()
		for elem := c.order.Front(); elem != nil; {
			next := elem.Next()
			if now.Sub(elem.Value.(*Entry).LastAccess) > c.idleTTL {
				c.removeElement(elem)
				dropped++
			}
			elem = next
		}
	}
	c.resources.SweepIdle()
	if dropped > 0 {
		c.logger.Debug("swept idle chapters", "dropped", dropped, "remaining", c.order.Len())
	}
	return dropped
}

// Stats returns current occupancy and hit counters.
func (c *ChapterCache) Stats() ChapterStats {
	return ChapterStats{Count: c.order.Len(), Bytes: c.bytes, Hits: c.hits, Misses: c.misses}
}

// removeElement unlinks an entry and releases its resource references.
func (c *ChapterCache) removeElement(elem *list.Element) {
	ent := elem.Value.(*Entry)
	c.order.Remove(elem)
	delete(c.entries, chapterKey{ent.Doc.Key(), ent.ChapterIndex})
	c.bytes -= ent.ByteSize
	for _, ref := range ent.ResourceRefs {
		c.resources.Release(ent.Doc, ref)
	}
}
