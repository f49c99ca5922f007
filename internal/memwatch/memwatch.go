// Package memwatch tracks the aggregate memory cost of live rasterization
// surfaces and fires cleanup callbacks when the configured ceiling (or the
// host heap) is under pressure. Heap introspection and GC hints are host
// capabilities behind an interface; when unavailable the monitor runs on
// surface accounting alone.
package memwatch

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/quire-reader/quire/internal/render"
)

const (
	DefaultCeilingBytes = 256 << 20 // 256 MiB
	// heapPressureRatio is the host heap usage ratio above which cleanup
	// triggers regardless of surface accounting.
	heapPressureRatio = 0.9
)

// Surface is a raster surface whose backing memory the monitor accounts for.
// Alive reports whether the surface is still reachable from the active view
// tree; dead surfaces are released and unregistered during cleanup.
type Surface interface {
	ID() string
	Width() int
	Height() int
	Alive() bool
}

// CleanupFunc sheds memory on behalf of a cache or canvas owner. A failed
// callback is isolated; it never aborts the sweep.
type CleanupFunc func() error

// HeapProber exposes optional host-runtime capabilities: heap usage ratio
// and a best-effort garbage-collection hint.
type HeapProber interface {
	// HeapRatio returns heap usage in [0,1] and whether the value is known.
	HeapRatio() (float64, bool)
	// GCHint requests a best-effort collection. No-op when unsupported.
	GCHint()
}

// NopProber is the default for hosts without heap introspection.
type NopProber struct{}

func (NopProber) HeapRatio() (float64, bool) { return 0, false }
func (NopProber) GCHint()                    {}

// RuntimeProber reads the Go runtime's memory stats against a soft limit.
type RuntimeProber struct {
	// SoftLimitBytes is the heap size treated as 100% usage.
	SoftLimitBytes uint64
}

func (p RuntimeProber) HeapRatio() (float64, bool) {
	if p.SoftLimitBytes == 0 {
		return 0, false
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(p.SoftLimitBytes), true
}

func (p RuntimeProber) GCHint() {
	runtime.GC()
}

// Stats is a point-in-time snapshot of tracked memory.
type Stats struct {
	Surfaces     int   `json:"surfaces" yaml:"surfaces"`
	SurfaceBytes int64 `json:"surface_bytes" yaml:"surface_bytes"`
	CeilingBytes int64 `json:"ceiling_bytes" yaml:"ceiling_bytes"`
	Cleanups     int64 `json:"cleanups" yaml:"cleanups"`
}

// Config configures a new monitor.
type Config struct {
	CeilingBytes int64
	Prober       HeapProber
	Logger       *slog.Logger
}

// Monitor watches registered surfaces and runs registered cleanup callbacks
// under pressure. Safe for concurrent use: unlike the caches it owns a
// background goroutine, so it carries its own lock.
type Monitor struct {
	logger  *slog.Logger
	ceiling int64
	prober  HeapProber

	mu        sync.Mutex
	surfaces  map[string]Surface
	callbacks []CleanupFunc
	cleanups  int64
}

// New creates a monitor.
func New(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ceiling := cfg.CeilingBytes
	if ceiling <= 0 {
		ceiling = DefaultCeilingBytes
	}
	prober := cfg.Prober
	if prober == nil {
		prober = NopProber{}
	}
	return &Monitor{
		logger:   logger.With("component", "memwatch"),
		ceiling:  ceiling,
		prober:   prober,
		surfaces: make(map[string]Surface),
	}
}

// RegisterSurface starts accounting for a raster surface.
func (m *Monitor) RegisterSurface(s Surface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.surfaces[s.ID()] = s
}

// UnregisterSurface stops accounting for a surface.
func (m *Monitor) UnregisterSurface(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.surfaces, id)
}

// RegisterCleanup adds a memory-shedding callback run on every cleanup.
func (m *Monitor) RegisterCleanup(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// ShouldCleanup reports whether tracked surface bytes exceed the ceiling or
// the host heap is under pressure.
func (m *Monitor) ShouldCleanup() bool {
	if m.surfaceBytes() > m.ceiling {
		return true
	}
	if ratio, ok := m.prober.HeapRatio(); ok && ratio > heapPressureRatio {
		return true
	}
	return false
}

// Cleanup runs every registered callback (isolating per-callback failures),
// releases surfaces no longer reachable from the view tree, and finally
// issues a GC hint.
func (m *Monitor) Cleanup() {
	m.mu.Lock()
	callbacks := make([]CleanupFunc, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.cleanups++
	m.mu.Unlock()

	for i, fn := range callbacks {
		if err := runCallback(fn); err != nil {
			m.logger.Warn("cleanup callback failed", "callback", i, "error", err)
		}
	}

	m.mu.Lock()
	for id, s := range m.surfaces {
		if !s.Alive() {
			delete(m.surfaces, id)
			m.logger.Debug("released dead surface", "surface", id,
				"freed_bytes", render.SurfaceBytes(s.Width(), s.Height()))
		}
	}
	m.mu.Unlock()

	m.prober.GCHint()
}

// StartAutoCleanup checks ShouldCleanup on the given interval, cleaning up
// when it trips. The returned disposer stops the loop; calling it more than
// once is safe.
func (m *Monitor) StartAutoCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.ShouldCleanup() {
					m.Cleanup()
				}
			case <-stop:
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
	}
}

// Stats returns current accounting.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bytes int64
	for _, s := range m.surfaces {
		bytes += render.SurfaceBytes(s.Width(), s.Height())
	}
	return Stats{
		Surfaces:     len(m.surfaces),
		SurfaceBytes: bytes,
		CeilingBytes: m.ceiling,
		Cleanups:     m.cleanups,
	}
}

func (m *Monitor) surfaceBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bytes int64
	for _, s := range m.surfaces {
		bytes += render.SurfaceBytes(s.Width(), s.Height())
	}
	return bytes
}

// runCallback converts a panicking callback into an error so one misbehaving
// owner cannot abort the sweep.
func runCallback(fn CleanupFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup callback panicked: %v", r)
		}
	}()
	return fn()
}
