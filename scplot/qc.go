package scplot

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"math/rand"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/scrna"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg/draw"
)

const (
	violinPoints = 64
	violinWidth  = 0.4
	jitterWidth  = 0.3
)

// CellValues returns a per-cell value: a cell column of the analysis, or the
// normalized expression of a feature.
func CellValues(a *scrna.Analysis, name string) ([]float64, error) {
	if v, err := a.QCColumn(name); err == nil {
		return v, nil
	}
	if a.Data == nil {
		return nil, errors.E(errors.NotExist, "scplot: no cell column "+name)
	}
	i, err := a.FeatureIndex(name)
	if err != nil {
		return nil, err
	}
	return a.Data.Row(i), nil
}

// density evaluates a Gaussian kernel density estimate of sorted values at n
// points spanning their range, with Silverman's bandwidth.
func density(sorted []float64, n int) (y, d []float64) {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	sd := stat.StdDev(sorted, nil)
	iqr := stat.Quantile(0.75, stat.Empirical, sorted, nil) - stat.Quantile(0.25, stat.Empirical, sorted, nil)
	spread := sd
	if iqr > 0 && iqr/1.34 < spread {
		spread = iqr / 1.34
	}
	h := 0.9 * spread * math.Pow(float64(len(sorted)), -0.2)
	if !(h > 0) {
		h = 0.1 * (math.Abs(lo) + 1)
		lo, hi = lo-h, hi+h
	}
	y = make([]float64, n)
	d = make([]float64, n)
	for k := range y {
		y[k] = lo + (hi-lo)*float64(k)/float64(n-1)
		var s float64
		for _, v := range sorted {
			u := (y[k] - v) / h
			s += math.Exp(-u * u / 2)
		}
		d[k] = s
	}
	return y, d
}

// violin returns the density outline of values centered at x.
func violin(values []float64, x float64, c color.Color) (*plotter.Polygon, error) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	y, d := density(sorted, violinPoints)
	max := 0.0
	for _, v := range d {
		max = math.Max(max, v)
	}
	outline := make(plotter.XYs, 0, 2*len(y))
	for k := range y {
		outline = append(outline, plotter.XY{X: x + violinWidth*d[k]/max, Y: y[k]})
	}
	for k := len(y) - 1; k >= 0; k-- {
		outline = append(outline, plotter.XY{X: x - violinWidth*d[k]/max, Y: y[k]})
	}
	poly, err := plotter.NewPolygon(outline)
	if err != nil {
		return nil, err
	}
	poly.Color = c
	return poly, nil
}

// VlnPlot draws, for each named cell column or feature, one violin per
// identity of the active clustering with the cells overlaid.
func VlnPlot(ctx context.Context, path string, a *scrna.Analysis, names []string, opts Opts) error {
	levels, group := groups(a)
	cols := colors(len(levels))
	var panels []*plot.Plot
	for _, name := range names {
		values, err := CellValues(a, name)
		if err != nil {
			return err
		}
		byGroup := make([][]float64, len(levels))
		for j, v := range values {
			if finite(v) {
				byGroup[group[j]] = append(byGroup[group[j]], v)
			}
		}
		p := plot.New()
		p.Title.Text = name
		p.X.Label.Text = "Identity"
		r := rand.New(rand.NewSource(1))
		for g, v := range byGroup {
			if len(v) == 0 {
				continue
			}
			poly, err := violin(v, float64(g), cols[g])
			if err != nil {
				return err
			}
			p.Add(poly)
			pts := make(plotter.XYs, len(v))
			for k, y := range v {
				pts[k] = plotter.XY{X: float64(g) + jitterWidth*(r.Float64()-0.5), Y: y}
			}
			s, err := plotter.NewScatter(pts)
			if err != nil {
				return err
			}
			s.GlyphStyle = draw.GlyphStyle{Color: color.Black, Radius: opts.PointSize / 2, Shape: draw.CircleGlyph{}}
			p.Add(s)
		}
		p.NominalX(levels...)
		panels = append(panels, p)
	}
	return save(ctx, path, opts, panels, 3)
}

// FeatureScatter plots two cell columns (or features) against each other,
// colored by identity. The title is their Pearson correlation.
func FeatureScatter(ctx context.Context, path string, a *scrna.Analysis, x, y string, opts Opts) error {
	xv, err := CellValues(a, x)
	if err != nil {
		return err
	}
	yv, err := CellValues(a, y)
	if err != nil {
		return err
	}
	levels, group := groups(a)
	cols := colors(len(levels))
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%.2f", stat.Correlation(xv, yv, nil))
	p.X.Label.Text = x
	p.Y.Label.Text = y
	pts := make([]plotter.XYs, len(levels))
	for j := range xv {
		if finite(xv[j], yv[j]) {
			pts[group[j]] = append(pts[group[j]], plotter.XY{X: xv[j], Y: yv[j]})
		}
	}
	for g, xy := range pts {
		if len(xy) == 0 {
			continue
		}
		s, err := plotter.NewScatter(xy)
		if err != nil {
			return err
		}
		s.GlyphStyle = draw.GlyphStyle{Color: cols[g], Radius: opts.PointSize, Shape: draw.CircleGlyph{}}
		p.Add(s)
		p.Legend.Add(levels[g], s)
	}
	p.Legend.Top = true
	return save(ctx, path, opts, []*plot.Plot{p}, 1)
}
