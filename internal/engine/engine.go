// Package engine composes the caches, the behavior predictor, the prefetch
// scheduler, and the memory monitor into the surface the viewer talks to.
//
// The viewer asks for a page or chapter; on a miss the engine rasterizes on
// demand through the injected decoder, stores the result, feeds the visit to
// the predictor, and warms the cache for the predicted next units in the
// background. Cache mutation is serialized behind one mutex so the caches
// themselves can stay lock-free single-owner structures.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/quire-reader/quire/internal/behavior"
	"github.com/quire-reader/quire/internal/config"
	"github.com/quire-reader/quire/internal/events"
	"github.com/quire-reader/quire/internal/memwatch"
	"github.com/quire-reader/quire/internal/pagecache"
	"github.com/quire-reader/quire/internal/prefetch"
	"github.com/quire-reader/quire/internal/render"
	"github.com/quire-reader/quire/internal/snapshot"
)

// Stats aggregates the per-component snapshots.
type Stats struct {
	Pages     pagecache.Stats        `json:"pages" yaml:"pages"`
	Chapters  snapshot.ChapterStats  `json:"chapters" yaml:"chapters"`
	Resources snapshot.ResourceStats `json:"resources" yaml:"resources"`
	Prefetch  prefetch.Status        `json:"prefetch" yaml:"prefetch"`
	Memory    memwatch.Stats         `json:"memory" yaml:"memory"`
}

// Options configures an engine for one open document.
type Options struct {
	Doc        render.DocumentID
	Layout     render.LayoutMode
	TotalUnits int

	// Rasterizer serves fixed-layout documents; Normalizer serves flowable
	// ones. At least one must be set, matching Layout.
	Rasterizer render.Rasterizer
	Normalizer render.ChapterNormalizer

	Config *config.Config
	Bus    *events.Bus
	Logger *slog.Logger
}

// Engine is the viewer-facing facade for one open document.
type Engine struct {
	logger     *slog.Logger
	doc        render.DocumentID
	layout     render.LayoutMode
	totalUnits int
	rasterizer render.Rasterizer
	normalizer render.ChapterNormalizer
	bus        *events.Bus

	// mu owns the caches and the predictor. They carry no internal locks,
	// so every access funnels through here.
	mu        sync.Mutex
	pages     *pagecache.Cache
	chapters  *snapshot.ChapterCache
	resources *snapshot.ResourceCache
	predictor *behavior.Predictor
	lastTheme string

	scheduler *prefetch.Scheduler
	monitor   *memwatch.Monitor

	ctx         context.Context
	cancel      context.CancelFunc
	kick        chan struct{}
	drainDone   chan struct{}
	stopCleanup func()
	warmWeight  int64
}

// New builds an engine. The host composes one per open document and passes
// configuration at construction; there is no ambient global state.
func New(opts Options) (*Engine, error) {
	if opts.Rasterizer == nil && opts.Normalizer == nil {
		return nil, fmt.Errorf("engine needs a rasterizer or a chapter normalizer")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("doc", opts.Doc.Key())

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	resources := snapshot.NewResourceCache(snapshot.ResourceCacheConfig{
		IdleTTL: cfg.ResourceIdleTTL(),
		Logger:  logger,
	})
	chapters := snapshot.NewChapterCache(snapshot.ChapterCacheConfig{
		IdleTTL:   cfg.ChapterIdleTTL(),
		Resources: resources,
		Logger:    logger,
	})

	scheduler := prefetch.New(prefetch.Config{
		MaxConcurrency: cfg.Prefetch.MaxConcurrency,
		Logger:         logger,
	})

	maxConc := cfg.Prefetch.MaxConcurrency
	if maxConc <= 0 {
		maxConc = prefetch.MaxConcurrency
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:     logger.With("component", "engine"),
		doc:        opts.Doc,
		layout:     opts.Layout,
		totalUnits: opts.TotalUnits,
		rasterizer: opts.Rasterizer,
		normalizer: opts.Normalizer,
		bus:        bus,
		pages: pagecache.New(pagecache.Config{
			MaxEntries: cfg.Cache.MaxPageEntries,
			MaxBytes:   cfg.Cache.MaxPageBytes,
			Logger:     logger,
		}),
		chapters:  chapters,
		resources: resources,
		predictor: behavior.New(behavior.Config{}),
		scheduler: scheduler,
		monitor: memwatch.New(memwatch.Config{
			CeilingBytes: cfg.Memory.CeilingBytes,
			Logger:       logger,
		}),
		ctx:        ctx,
		cancel:     cancel,
		kick:       make(chan struct{}, 1),
		drainDone:  make(chan struct{}),
		warmWeight: int64(maxConc),
	}

	e.monitor.RegisterCleanup(e.shedCaches)
	if cfg.AutoCleanupInterval() > 0 {
		e.stopCleanup = e.monitor.StartAutoCleanup(cfg.AutoCleanupInterval())
	}

	go e.drainLoop()

	return e, nil
}

// ApplyConfig re-applies the hot-reloadable parts of the configuration:
// the chapter and resource idle TTLs.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chapters.SetIdleTTL(cfg.ChapterIdleTTL())
	e.resources.SetIdleTTL(cfg.ResourceIdleTTL())
}

// Monitor exposes the memory monitor so the host can register its canvas
// surfaces.
func (e *Engine) Monitor() *memwatch.Monitor {
	return e.monitor
}

// Bus exposes the engine's event bus for subscribers.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Page returns the rasterized page, from cache when possible, rasterizing
// on demand otherwise. The visit feeds the predictor and triggers background
// prefetch of the likely next pages.
func (e *Engine) Page(ctx context.Context, page int, scale float64, theme string) (*pagecache.Page, error) {
	if e.rasterizer == nil {
		return nil, fmt.Errorf("document %s has no paged rasterizer", e.doc.Key())
	}

	e.mu.Lock()
	e.lastTheme = theme
	cached, ok := e.pages.Get(page, scale, theme)
	e.mu.Unlock()

	if !ok {
		buf, err := e.rasterizer.Rasterize(ctx, page, scale)
		if err != nil {
			return nil, fmt.Errorf("rasterize page %d: %w", page, err)
		}
		e.mu.Lock()
		e.pages.Put(page, scale, theme, buf)
		cached, _ = e.pages.Get(page, scale, theme)
		e.mu.Unlock()
	}

	e.visit(page, scale)
	return cached, nil
}

// Chapter returns the normalized chapter snapshot, from cache when possible.
func (e *Engine) Chapter(ctx context.Context, chapterIndex int) (*snapshot.Entry, error) {
	if e.normalizer == nil {
		return nil, fmt.Errorf("document %s has no chapter normalizer", e.doc.Key())
	}

	e.mu.Lock()
	cached, ok := e.chapters.Get(e.doc, chapterIndex)
	e.mu.Unlock()

	if !ok {
		ch, err := e.normalizer.NormalizeChapter(ctx, chapterIndex)
		if err != nil {
			return nil, fmt.Errorf("normalize chapter %d: %w", chapterIndex, err)
		}
		e.mu.Lock()
		e.chapters.Set(snapshot.Entry{
			Doc:          e.doc,
			ChapterIndex: chapterIndex,
			Markup:       ch.Markup,
			Styles:       ch.Styles,
			ResourceRefs: ch.ResourceRefs,
		})
		cached, _ = e.chapters.Get(e.doc, chapterIndex)
		e.mu.Unlock()
	}

	e.visit(chapterIndex, 1.0)
	return cached, nil
}

// Resource resolves a resource (or a wrapped resource token) to its bytes.
func (e *Engine) Resource(resourceID string) ([]byte, bool) {
	if id, ok := snapshot.UnwrapResourceToken(resourceID); ok {
		resourceID = id
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resources.Get(e.doc, resourceID)
}

// PutResource stores decoded resource bytes for this document. Called by the
// import layer as it discovers images and fonts.
func (e *Engine) PutResource(resourceID string, data []byte, mimeType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resources.Set(e.doc, resourceID, data, mimeType)
}

// WarmRange rasterizes pages [from, to] into the cache, bounded by the
// configured render concurrency. With a cap of one it degrades to a plain
// sequential loop. Individual page failures are logged and skipped.
func (e *Engine) WarmRange(ctx context.Context, from, to int, scale float64, theme string) error {
	if e.rasterizer == nil {
		return fmt.Errorf("document %s has no paged rasterizer", e.doc.Key())
	}
	if from > to {
		return fmt.Errorf("invalid range [%d, %d]", from, to)
	}

	if e.warmWeight <= 1 {
		for page := from; page <= to; page++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.renderPage(ctx, page, scale, theme); err != nil {
				e.logger.Warn("warm render failed", "page", page, "error", err)
			}
		}
		return nil
	}

	sem := semaphore.NewWeighted(e.warmWeight)
	for page := from; page <= to; page++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(page int) {
			defer sem.Release(1)
			if err := e.renderPage(ctx, page, scale, theme); err != nil {
				e.logger.Warn("warm render failed", "page", page, "error", err)
			}
		}(page)
	}
	// Wait for the stragglers.
	return sem.Acquire(ctx, e.warmWeight)
}

// CloseDocument drops every cache entry belonging to the document and
// abandons queued prefetch work.
func (e *Engine) CloseDocument() {
	e.scheduler.Stop()
	e.mu.Lock()
	e.pages.Clear()
	e.chapters.ClearDocument(e.doc)
	e.predictor.Clear()
	e.mu.Unlock()
}

// Close shuts the engine down: queued prefetch is abandoned, background
// loops stop, in-flight renders run to completion.
func (e *Engine) Close() {
	e.scheduler.Stop()
	if e.stopCleanup != nil {
		e.stopCleanup()
	}
	e.cancel()
	<-e.drainDone
}

// Stats returns an aggregated snapshot across all components.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pages := e.pages.Stats()
	chapters := e.chapters.Stats()
	resources := e.resources.Stats()
	e.mu.Unlock()
	return Stats{
		Pages:     pages,
		Chapters:  chapters,
		Resources: resources,
		Prefetch:  e.scheduler.Status(),
		Memory:    e.monitor.Stats(),
	}
}

// visit records a unit visit and schedules prefetch for the predicted next
// units.
func (e *Engine) visit(unit int, scale float64) {
	e.mu.Lock()
	e.predictor.RecordVisit(unit)
	snap := e.predictor.Analyze()
	targets := e.predictor.PredictNext(unit, e.totalUnits, e.layout)

	queued := 0
	for _, target := range targets {
		if e.isCached(target, scale) {
			continue
		}
		if e.scheduler.Add(target, e.predictor.PriorityOf(target, unit, snap), scale) {
			queued++
			e.bus.Publish(events.PrefetchQueued, target, "")
		}
	}
	e.mu.Unlock()

	if queued > 0 {
		e.logger.Debug("scheduled prefetch",
			"current", unit, "queued", queued,
			"direction", snap.Direction, "speed", snap.Speed, "pattern", snap.Pattern)
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

// isCached reports whether a predicted target is already materialized.
// Callers hold the owner mutex.
func (e *Engine) isCached(target int, scale float64) bool {
	if e.layout == render.LayoutFlow {
		return e.chapters.Has(e.doc, target)
	}
	return e.pages.Has(target, scale, e.lastTheme)
}

// drainLoop runs the scheduler whenever new work is kicked in.
func (e *Engine) drainLoop() {
	defer close(e.drainDone)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
			e.scheduler.Start(e.ctx, e.prefetchRender)
		}
	}
}

// prefetchRender materializes one predicted target into the right cache.
func (e *Engine) prefetchRender(ctx context.Context, target int, scale float64) error {
	if e.layout == render.LayoutFlow {
		return e.prefetchChapter(ctx, target)
	}

	e.mu.Lock()
	theme := e.lastTheme
	ok := e.pages.Has(target, scale, theme)
	e.mu.Unlock()
	if ok {
		return nil
	}

	if err := e.renderPage(ctx, target, scale, theme); err != nil {
		e.bus.Publish(events.PrefetchFailed, target, err.Error())
		return err
	}
	e.bus.Publish(events.PrefetchDone, target, "")
	return nil
}

func (e *Engine) prefetchChapter(ctx context.Context, chapterIndex int) error {
	e.mu.Lock()
	ok := e.chapters.Has(e.doc, chapterIndex)
	e.mu.Unlock()
	if ok {
		return nil
	}

	ch, err := e.normalizer.NormalizeChapter(ctx, chapterIndex)
	if err != nil {
		e.bus.Publish(events.PrefetchFailed, chapterIndex, err.Error())
		return err
	}

	e.mu.Lock()
	e.chapters.Set(snapshot.Entry{
		Doc:          e.doc,
		ChapterIndex: chapterIndex,
		Markup:       ch.Markup,
		Styles:       ch.Styles,
		ResourceRefs: ch.ResourceRefs,
	})
	e.mu.Unlock()

	e.bus.Publish(events.PrefetchDone, chapterIndex, "")
	return nil
}

// renderPage rasterizes outside the owner lock so renders can overlap, then
// stores under it.
func (e *Engine) renderPage(ctx context.Context, page int, scale float64, theme string) error {
	buf, err := e.rasterizer.Rasterize(ctx, page, scale)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pages.Put(page, scale, theme, buf)
	e.mu.Unlock()
	return nil
}

// shedCaches is the engine's memory-pressure callback: drop rendered pages
// (cheap to rebuild), sweep idle chapters and resources.
func (e *Engine) shedCaches() error {
	e.mu.Lock()
	e.pages.Clear()
	e.chapters.SweepIdle()
	e.mu.Unlock()
	e.bus.Publish(events.CacheCleanup, 0, "memory pressure")
	return nil
}
