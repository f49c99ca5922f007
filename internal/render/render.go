// Package render defines the shared vocabulary between the caches, the
// prefetch engine, and the document-specific decoders: the renderable unit
// types and the two narrow contracts decoders implement.
//
// The engine never parses a container format itself. It receives decoded
// content through a Rasterizer (fixed-layout formats) or a ChapterNormalizer
// (flowable formats) and owns only the caching and scheduling around them.
package render

import "context"

// bytesPerPixel is the byte estimate applied to every raster buffer,
// regardless of actual pixel format. Always assuming RGBA over-estimates
// opaque formats, which keeps budget accounting on the safe side.
const bytesPerPixel = 4

// LayoutMode distinguishes fixed-layout page documents from flowable
// chapter documents. Prefetch breadth scales up for flowable layouts.
type LayoutMode int

const (
	LayoutPaged LayoutMode = iota
	LayoutFlow
)

func (m LayoutMode) String() string {
	if m == LayoutFlow {
		return "flow"
	}
	return "paged"
}

// DocumentID identifies a logical book plus a content-version tag. Re-imports
// or edits bump Version so stale cache entries miss deterministically instead
// of serving content from the previous import.
type DocumentID struct {
	ID      string
	Version string
}

// Key returns the flat string form used as a cache namespace.
func (d DocumentID) Key() string {
	return d.ID + "@" + d.Version
}

// RasterBuffer is one rasterized page. The cache that stores it owns the
// pixel data for the lifetime of the entry.
type RasterBuffer struct {
	Pix    []byte
	Width  int
	Height int
}

// ByteEstimate reports the budget cost of the buffer: width x height x 4.
func (b RasterBuffer) ByteEstimate() int64 {
	return int64(b.Width) * int64(b.Height) * bytesPerPixel
}

// SurfaceBytes estimates the memory cost of a raster surface of the given
// dimensions using the same 4-bytes-per-pixel rule as cached buffers.
func SurfaceBytes(width, height int) int64 {
	return int64(width) * int64(height) * bytesPerPixel
}

// Chapter is one normalized flowable chapter: markup with inline binaries
// replaced by resource tokens, the chapter's stylesheet texts in order, and
// the identifiers of the binary resources the markup references.
type Chapter struct {
	Markup       string
	Styles       []string
	ResourceRefs []string
}

// Rasterizer turns one page of a fixed-layout document into a raster buffer.
// Implementations must be idempotent and safe for concurrent use up to the
// configured prefetch worker cap.
type Rasterizer interface {
	Rasterize(ctx context.Context, page int, scale float64) (RasterBuffer, error)
}

// ChapterNormalizer produces the normalized form of one chapter of a
// flowable document. Same idempotency and concurrency requirements as
// Rasterizer.
type ChapterNormalizer interface {
	NormalizeChapter(ctx context.Context, chapterIndex int) (Chapter, error)
}
