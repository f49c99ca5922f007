// Package pdfraster is a reference Rasterizer for fixed-layout PDF
// documents: pdfcpu answers structural questions (page count) and pdftoppm
// (poppler-utils) renders pages to pixels. It exists so the CLI can exercise
// the engine against real files; readers embedding the engine supply their
// own decoder.
package pdfraster

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/quire-reader/quire/internal/render"
)

// baseDPI is the rendering resolution at scale 1.0.
const baseDPI = 150

// Rasterizer renders pages of one PDF file. Safe for concurrent use: every
// render runs in its own temp directory.
type Rasterizer struct {
	path      string
	pageCount int
	logger    *slog.Logger
}

// New opens a PDF and validates it enough to count pages.
func New(path string, logger *slog.Logger) (*Rasterizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	pageCount, err := api.PageCount(f, nil)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to get page count for %s: %w", path, err)
	}

	return &Rasterizer{
		path:      path,
		pageCount: pageCount,
		logger:    logger.With("component", "pdfraster", "file", filepath.Base(path)),
	}, nil
}

// PageCount returns the number of pages in the document.
func (r *Rasterizer) PageCount() int {
	return r.pageCount
}

// Rasterize renders one page (1-indexed) at the given scale.
func (r *Rasterizer) Rasterize(ctx context.Context, page int, scale float64) (render.RasterBuffer, error) {
	if page < 1 || page > r.pageCount {
		return render.RasterBuffer{}, fmt.Errorf("page %d out of range [1, %d]", page, r.pageCount)
	}
	if scale <= 0 {
		scale = 1.0
	}

	tmpDir, err := os.MkdirTemp("", "quire-page-*")
	if err != nil {
		return render.RasterBuffer{}, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := fmt.Sprintf("%d", page)
	dpi := fmt.Sprintf("%d", int(baseDPI*scale))

	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", dpi,
		"-singlefile",
		r.path,
		outputPrefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return render.RasterBuffer{}, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	srcPath := outputPrefix + ".png"
	f, err := os.Open(srcPath)
	if err != nil {
		return render.RasterBuffer{}, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return render.RasterBuffer{}, fmt.Errorf("failed to decode rendered page: %w", err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	r.logger.Debug("rendered page", "page", page, "scale", scale,
		"width", bounds.Dx(), "height", bounds.Dy())

	return render.RasterBuffer{
		Pix:    rgba.Pix,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

var _ render.Rasterizer = (*Rasterizer)(nil)
