package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v2"

	"github.com/quire-reader/quire/internal/engine"
	"github.com/quire-reader/quire/internal/pdfraster"
	"github.com/quire-reader/quire/internal/render"
	"github.com/quire-reader/quire/internal/svcctx"
)

var (
	warmScale float64
	warmFrom  int
	warmTo    int
	warmTheme string
)

var warmCmd = &cobra.Command{
	Use:   "warm <book.pdf>",
	Short: "Pre-render a page range and report cache statistics",
	Long: `Warm opens a PDF, rasterizes the requested page range through the
engine's page cache, and prints the resulting cache statistics. It is the
quickest way to see eviction and budget behavior against a real document.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := svcctx.LoggerFrom(ctx)
		cm := svcctx.ConfigManagerFrom(ctx)
		cfg := cm.Get()

		ras, err := pdfraster.New(args[0], logger)
		if err != nil {
			return fmt.Errorf("opening %s: %w", args[0], err)
		}

		doc := render.DocumentID{
			ID:      strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])),
			Version: "local",
		}

		e, err := engine.New(engine.Options{
			Doc:        doc,
			Layout:     render.LayoutPaged,
			TotalUnits: ras.PageCount(),
			Rasterizer: ras,
			Config:     cfg,
			Bus:        svcctx.BusFrom(ctx),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer e.Close()
		cm.OnChange(e.ApplyConfig)

		from := warmFrom
		to := warmTo
		if to == 0 || to > ras.PageCount() {
			to = ras.PageCount()
		}
		if from < 1 {
			from = 1
		}
		if from > to {
			return fmt.Errorf("empty page range %d..%d", from, to)
		}

		logger.Info("warming pages",
			"doc", doc.Key(),
			"from", from,
			"to", to,
			"scale", warmScale,
		)
		if err := e.WarmRange(ctx, from, to, warmScale, warmTheme); err != nil {
			return err
		}

		out, err := yaml.Marshal(e.Stats())
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	warmCmd.Flags().Float64Var(&warmScale, "scale", 1.0, "render scale factor")
	warmCmd.Flags().IntVar(&warmFrom, "from", 1, "first page to warm (1-based)")
	warmCmd.Flags().IntVar(&warmTo, "to", 0, "last page to warm (0 = last page)")
	warmCmd.Flags().StringVar(&warmTheme, "theme", "light", "render theme variant")
}
