package pagecache

import (
	"testing"

	"github.com/quire-reader/quire/internal/render"
)

// buf builds a raster buffer whose byte estimate is width*height*4.
func buf(width, height int) render.RasterBuffer {
	return render.RasterBuffer{Pix: make([]byte, 0), Width: width, Height: height}
}

func mustHave(t *testing.T, c *Cache, page int) {
	t.Helper()
	if _, ok := c.Get(page, 1.0, "day"); !ok {
		t.Fatalf("expected page %d to be cached", page)
	}
}

func mustMiss(t *testing.T, c *Cache, page int) {
	t.Helper()
	if _, ok := c.Get(page, 1.0, "day"); ok {
		t.Fatalf("expected page %d to be absent", page)
	}
}

func TestCache_LRUEvictionOrder(t *testing.T) {
	c := New(Config{MaxEntries: 2, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(2, 1.0, "day", buf(10, 10))
	c.Put(3, 1.0, "day", buf(10, 10))

	mustMiss(t, c, 1)
	mustHave(t, c, 2)
	mustHave(t, c, 3)
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := New(Config{MaxEntries: 2, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(2, 1.0, "day", buf(10, 10))
	mustHave(t, c, 1) // page 1 becomes most recent
	c.Put(3, 1.0, "day", buf(10, 10))

	mustMiss(t, c, 2)
	mustHave(t, c, 1)
	mustHave(t, c, 3)
}

func TestCache_HasIsRecencyAndCounterNeutral(t *testing.T) {
	c := New(Config{MaxEntries: 2, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(2, 1.0, "day", buf(10, 10))

	if !c.Has(1, 1.0, "day") || c.Has(9, 1.0, "day") {
		t.Fatal("Has should report plain presence")
	}

	// Probing page 1 must not refresh it: inserting page 3 still evicts it.
	c.Put(3, 1.0, "day", buf(10, 10))
	mustMiss(t, c, 1)
	mustHave(t, c, 2)
	mustHave(t, c, 3)

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("Has must not touch hit counters: hits=%d misses=%d", st.Hits, st.Misses)
	}
}

func TestCache_ByteBudgetEviction(t *testing.T) {
	// ~3MB pages: 1000x750x4 = 3_000_000 bytes.
	c := New(Config{MaxEntries: 3, MaxBytes: 10_000_000})

	c.Put(1, 1.0, "day", buf(1000, 750))
	c.Put(2, 1.0, "day", buf(1000, 750))
	c.Put(3, 1.0, "day", buf(1000, 750))

	if got := c.Stats().Count; got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}

	c.Put(4, 1.0, "day", buf(1000, 750))

	mustMiss(t, c, 1)
	mustHave(t, c, 2)
	mustHave(t, c, 3)
	mustHave(t, c, 4)

	if got := c.Stats().Bytes; got != 9_000_000 {
		t.Fatalf("expected 9_000_000 tracked bytes, got %d", got)
	}
}

func TestCache_BudgetsHoldForAllPutSequences(t *testing.T) {
	c := New(Config{MaxEntries: 4, MaxBytes: 5_000_000})

	sizes := [][2]int{{100, 100}, {1000, 750}, {500, 500}, {1000, 1000}, {10, 10}, {800, 600}}
	for i, wh := range sizes {
		c.Put(i, 1.0, "day", buf(wh[0], wh[1]))
		st := c.Stats()
		if st.Count > st.MaxCount {
			t.Fatalf("after put %d: count %d exceeds max %d", i, st.Count, st.MaxCount)
		}
		if st.Bytes > st.MaxBytes {
			t.Fatalf("after put %d: bytes %d exceed max %d", i, st.Bytes, st.MaxBytes)
		}
	}
}

func TestCache_ReplaceSameKeyAccounting(t *testing.T) {
	c := New(Config{MaxEntries: 4, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(1000, 1000))
	c.Put(1, 1.0, "day", buf(10, 10))

	st := c.Stats()
	if st.Count != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", st.Count)
	}
	if st.Bytes != 400 {
		t.Fatalf("expected 400 tracked bytes after replace, got %d", st.Bytes)
	}
}

func TestCache_OversizedEntryAccepted(t *testing.T) {
	c := New(Config{MaxEntries: 4, MaxBytes: 1000})

	c.Put(1, 1.0, "day", buf(10, 10)) // 400 bytes
	c.Put(2, 1.0, "day", buf(100, 100))

	// Larger than maxBytes alone: eviction empties the cache, entry goes in.
	mustMiss(t, c, 1)
	mustHave(t, c, 2)
	if got := c.Stats().Count; got != 1 {
		t.Fatalf("expected oversized entry to be the only content, got %d entries", got)
	}
}

func TestCache_RemoveAllVariants(t *testing.T) {
	c := New(Config{MaxEntries: 8, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(1, 2.0, "day", buf(10, 10))
	c.Put(1, 1.0, "night", buf(10, 10))
	c.Put(2, 1.0, "day", buf(10, 10))

	c.Remove(1)

	if _, ok := c.Get(1, 2.0, "day"); ok {
		t.Fatal("expected all variants of page 1 removed")
	}
	if _, ok := c.Get(1, 1.0, "night"); ok {
		t.Fatal("expected all variants of page 1 removed")
	}
	mustHave(t, c, 2)
	if got := c.Stats().Bytes; got != 400 {
		t.Fatalf("expected 400 tracked bytes after removal, got %d", got)
	}
}

func TestCache_RemoveVariant(t *testing.T) {
	c := New(Config{MaxEntries: 8, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(1, 2.0, "day", buf(10, 10))

	c.RemoveVariant(1, 2.0, "day")

	mustHave(t, c, 1)
	if _, ok := c.Get(1, 2.0, "day"); ok {
		t.Fatal("expected 2.0 variant removed")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(Config{MaxEntries: 8, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Put(2, 1.0, "day", buf(10, 10))
	c.Clear()

	st := c.Stats()
	if st.Count != 0 || st.Bytes != 0 {
		t.Fatalf("expected empty cache after clear, got count=%d bytes=%d", st.Count, st.Bytes)
	}
}

func TestCache_HitMissCounters(t *testing.T) {
	c := New(Config{MaxEntries: 8, MaxBytes: 1 << 30})

	c.Put(1, 1.0, "day", buf(10, 10))
	c.Get(1, 1.0, "day")
	c.Get(2, 1.0, "day")
	c.Get(2, 1.0, "day")

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Fatalf("expected 1 hit / 2 misses, got %d / %d", st.Hits, st.Misses)
	}
}
