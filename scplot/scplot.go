// Package scplot draws the diagnostic figures of a scrna.Analysis with
// gonum/plot. The output format follows the file extension (png, svg, pdf,
// jpg, eps, tif).
package scplot

import (
	"context"
	"image/color"
	"math"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/scrna"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Opts sets the size of each panel of a figure.
type Opts struct {
	Width, Height vg.Length
	// PointSize is the radius of the cell glyphs.
	PointSize vg.Length
}

// DefaultOpts draws 5x4 inch panels.
var DefaultOpts = Opts{
	Width:     5 * vg.Inch,
	Height:    4 * vg.Inch,
	PointSize: vg.Points(1.2),
}

// AllCells is the identity of every cell when no clustering is active.
const AllCells = "all"

// groups returns the identity levels of the active clustering and the level
// index of every cell.
func groups(a *scrna.Analysis) (levels []string, group []int) {
	group = make([]int, a.NumCells())
	idents, err := a.Idents()
	if err != nil {
		return []string{AllCells}, group
	}
	levels, _ = a.IdentLevels()
	index := make(map[string]int, len(levels))
	for i, l := range levels {
		index[l] = i
	}
	for j, id := range idents {
		group[j] = index[id]
	}
	return levels, group
}

// colors returns n distinguishable colors.
func colors(n int) []color.Color {
	if n <= len(plotutil.DefaultColors) {
		return plotutil.DefaultColors[:n]
	}
	return palette.Rainbow(n, palette.Red, palette.Magenta, 0.8, 0.9, 1).Colors()
}

// layout arranges n panels in at most maxCols columns.
func layout(n, maxCols int) (rows, cols int) {
	cols = n
	if cols > maxCols {
		cols = maxCols
	}
	return (n + cols - 1) / cols, cols
}

// save renders panels, laid out in at most maxCols columns, to path.
func save(ctx context.Context, path string, opts Opts, panels []*plot.Plot, maxCols int) (err error) {
	if len(panels) == 0 {
		return errors.E(errors.Invalid, "scplot: nothing to draw in "+path)
	}
	rows, cols := layout(len(panels), maxCols)
	grid := make([][]*plot.Plot, rows)
	for i := range grid {
		grid[i] = make([]*plot.Plot, cols)
		for j := range grid[i] {
			if k := i*cols + j; k < len(panels) {
				grid[i][j] = panels[k]
			} else {
				blank := plot.New()
				blank.HideAxes()
				grid[i][j] = blank
			}
		}
	}
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	c, err := draw.NewFormattedCanvas(opts.Width*vg.Length(cols), opts.Height*vg.Length(rows), format)
	if err != nil {
		return errors.E(errors.Invalid, err, "scplot: "+path)
	}
	tiles := draw.Tiles{
		Rows: rows, Cols: cols,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2),
		PadLeft: vg.Points(2), PadRight: vg.Points(2),
	}
	canvases := plot.Align(grid, tiles, draw.New(c))
	for i := range grid {
		for j := range grid[i] {
			grid[i][j].Draw(canvases[i][j])
		}
	}
	var out file.File
	if out, err = file.Create(ctx, path); err != nil {
		return errors.E(err, "scplot: create "+path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if _, err = c.WriteTo(out.Writer(ctx)); err != nil {
		return errors.E(err, "scplot: write "+path)
	}
	log.Debug.Printf("scplot: wrote %s (%dx%d panels)", path, rows, cols)
	return nil
}

// finite reports whether all of v are finite.
func finite(v ...float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
