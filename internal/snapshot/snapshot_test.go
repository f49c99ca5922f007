package snapshot

import (
	"testing"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

var testDoc = render.DocumentID{ID: "book-1", Version: "v1"}

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.t = f.t.Add(d)
}

func newTestCaches(chapterTTL, resourceTTL time.Duration) (*ChapterCache, *ResourceCache, *fakeClock) {
	clk := newFakeClock()
	res := NewResourceCache(ResourceCacheConfig{IdleTTL: resourceTTL})
	res.now = clk.now
	ch := NewChapterCache(ChapterCacheConfig{MaxEntries: 4, IdleTTL: chapterTTL, Resources: res})
	ch.now = clk.now
	return ch, res, clk
}

func chapterEntry(index int, refs ...string) Entry {
	return Entry{
		Doc:          testDoc,
		ChapterIndex: index,
		Markup:       "<p>chapter body</p>",
		Styles:       []string{"body { margin: 0 }"},
		ResourceRefs: refs,
	}
}

func TestChapterCache_SetGet(t *testing.T) {
	ch, _, _ := newTestCaches(0, 0)

	ch.Set(chapterEntry(3))

	got, ok := ch.Get(testDoc, 3)
	if !ok {
		t.Fatal("expected chapter 3 cached")
	}
	if got.Markup != "<p>chapter body</p>" || len(got.Styles) != 1 {
		t.Fatalf("unexpected entry content: %+v", got)
	}
	if !ch.Has(testDoc, 3) {
		t.Fatal("Has should report chapter 3")
	}
	if ch.Has(testDoc, 4) {
		t.Fatal("Has should not report chapter 4")
	}
}

func TestChapterCache_VersionTagInvalidates(t *testing.T) {
	ch, _, _ := newTestCaches(0, 0)

	ch.Set(chapterEntry(0))

	reimported := render.DocumentID{ID: "book-1", Version: "v2"}
	if _, ok := ch.Get(reimported, 0); ok {
		t.Fatal("a bumped content version must miss the stale entry")
	}
}

func TestChapterCache_LRUEviction(t *testing.T) {
	ch, _, _ := newTestCaches(0, 0)

	for i := 0; i < 4; i++ {
		ch.Set(chapterEntry(i))
	}
	ch.Get(testDoc, 0) // chapter 0 becomes most recent
	ch.Set(chapterEntry(4))

	if ch.Has(testDoc, 1) {
		t.Fatal("expected chapter 1 (least recent) evicted")
	}
	if !ch.Has(testDoc, 0) || !ch.Has(testDoc, 4) {
		t.Fatal("expected chapters 0 and 4 present")
	}
}

func TestChapterCache_RefCountInvariant(t *testing.T) {
	ch, res, _ := newTestCaches(0, 0)
	res.Set(testDoc, "img-1", []byte{1, 2, 3}, "image/png")

	ch.Set(chapterEntry(0, "img-1"))
	ch.Set(chapterEntry(1, "img-1"))

	if got := res.RefCount(testDoc, "img-1"); got != 2 {
		t.Fatalf("expected refCount 2, got %d", got)
	}

	ch.Remove(testDoc, 0)
	if got := res.RefCount(testDoc, "img-1"); got != 1 {
		t.Fatalf("expected refCount 1 after one removal, got %d", got)
	}
	if !res.Has(testDoc, "img-1") {
		t.Fatal("resource must survive while referenced")
	}

	ch.Remove(testDoc, 1)
	if got := res.RefCount(testDoc, "img-1"); got != 0 {
		t.Fatalf("expected refCount 0, got %d", got)
	}
	// Default TTL 0: unreferenced but never auto-expired.
	if !res.Has(testDoc, "img-1") {
		t.Fatal("zero idle TTL must never expire by idleness")
	}
}

func TestChapterCache_ChapterBeforeResourceBytes(t *testing.T) {
	ch, res, clk := newTestCaches(0, 5*time.Second)

	// Prefetched chapter snapshots can land before the import layer has
	// delivered the referenced resource bytes.
	ch.Set(chapterEntry(1, "img-late"))
	res.Set(testDoc, "img-late", []byte{9}, "image/png")

	if got := res.RefCount(testDoc, "img-late"); got != 1 {
		t.Fatalf("one cached chapter references img-late, got refCount %d", got)
	}

	clk.advance(10 * time.Second)
	if _, ok := res.Get(testDoc, "img-late"); !ok {
		t.Fatal("resource must survive while a cached chapter references it")
	}

	ch.Remove(testDoc, 1)
	if got := res.RefCount(testDoc, "img-late"); got != 0 {
		t.Fatalf("expected refCount 0 once the chapter is gone, got %d", got)
	}
	clk.advance(6 * time.Second)
	if res.Has(testDoc, "img-late") {
		t.Fatal("unreferenced resource should idle-expire")
	}
}

func TestChapterCache_EvictionReleasesResources(t *testing.T) {
	ch, res, _ := newTestCaches(0, 0)
	res.Set(testDoc, "font-1", []byte{9}, "font/woff2")

	for i := 0; i < 4; i++ {
		ch.Set(chapterEntry(i, "font-1"))
	}
	if got := res.RefCount(testDoc, "font-1"); got != 4 {
		t.Fatalf("expected refCount 4, got %d", got)
	}

	ch.Set(chapterEntry(4)) // evicts chapter 0
	if got := res.RefCount(testDoc, "font-1"); got != 3 {
		t.Fatalf("expected refCount 3 after eviction, got %d", got)
	}
}

func TestChapterCache_ReplaceSameKeyReleasesOldRefs(t *testing.T) {
	ch, res, _ := newTestCaches(0, 0)
	res.Set(testDoc, "img-a", []byte{1}, "image/png")
	res.Set(testDoc, "img-b", []byte{2}, "image/png")

	ch.Set(chapterEntry(0, "img-a"))
	ch.Set(chapterEntry(0, "img-b"))

	if got := res.RefCount(testDoc, "img-a"); got != 0 {
		t.Fatalf("expected old ref released, got refCount %d", got)
	}
	if got := res.RefCount(testDoc, "img-b"); got != 1 {
		t.Fatalf("expected new ref held, got refCount %d", got)
	}
}

func TestChapterCache_IdleExpiry(t *testing.T) {
	ch, _, clk := newTestCaches(5*time.Second, 0)

	ch.Set(chapterEntry(0))

	clk.advance(3 * time.Second)
	if _, ok := ch.Get(testDoc, 0); !ok {
		t.Fatal("chapter should survive inside the idle window")
	}

	// The Get above refreshed LastAccess; go past the window now.
	clk.advance(6 * time.Second)
	if _, ok := ch.Get(testDoc, 0); ok {
		t.Fatal("chapter should expire past the idle window")
	}
}

func TestChapterCache_SweepIdleReleasesRefs(t *testing.T) {
	ch, res, clk := newTestCaches(5*time.Second, 0)
	res.Set(testDoc, "img-1", []byte{1}, "image/png")

	ch.Set(chapterEntry(0, "img-1"))
	clk.advance(10 * time.Second)

	if dropped := ch.SweepIdle(); dropped != 1 {
		t.Fatalf("expected 1 chapter swept, got %d", dropped)
	}
	if got := res.RefCount(testDoc, "img-1"); got != 0 {
		t.Fatalf("expected sweep to release refs, got refCount %d", got)
	}
}

func TestChapterCache_ClearDocumentUnconditional(t *testing.T) {
	ch, res, _ := newTestCaches(0, 0)
	res.Set(testDoc, "img-1", []byte{1}, "image/png")
	otherDoc := render.DocumentID{ID: "book-2", Version: "v1"}
	res.Set(otherDoc, "img-1", []byte{2}, "image/png")

	ch.Set(chapterEntry(0, "img-1"))
	ch.Set(Entry{Doc: otherDoc, ChapterIndex: 0, Markup: "x", ResourceRefs: []string{"img-1"}})

	ch.ClearDocument(testDoc)

	if ch.Has(testDoc, 0) {
		t.Fatal("expected chapters of closed document dropped")
	}
	if res.Has(testDoc, "img-1") {
		t.Fatal("expected resources of closed document dropped despite refCount")
	}
	// Resources are namespaced by document: book-2's copy is untouched.
	if !ch.Has(otherDoc, 0) || !res.Has(otherDoc, "img-1") {
		t.Fatal("other document must be unaffected")
	}
}

func TestChapterCache_ClearAll(t *testing.T) {
	ch, res, _ := newTestCaches(0, 0)
	res.Set(testDoc, "img-1", []byte{1}, "image/png")
	ch.Set(chapterEntry(0, "img-1"))

	ch.ClearAll()

	if st := ch.Stats(); st.Count != 0 || st.Bytes != 0 {
		t.Fatalf("expected empty chapter cache, got %+v", st)
	}
	if st := res.Stats(); st.Count != 0 || st.Bytes != 0 {
		t.Fatalf("expected empty resource cache, got %+v", st)
	}
}
