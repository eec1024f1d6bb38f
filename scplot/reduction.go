package scplot

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/scrna"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg/draw"
)

var (
	grey = color.Gray{Y: 190}
	red  = color.RGBA{R: 220, A: 255}
)

// heatmapClip bounds the scaled values shown by DimHeatmap.
const heatmapClip = 2.5

// VariableFeaturePlot plots the standardized variance of every feature
// against its mean, with the variable features in red and the nLabel most
// variable ones named.
func VariableFeaturePlot(ctx context.Context, path string, a *scrna.Analysis, nLabel int, opts Opts) error {
	if len(a.VariableFeatures) == 0 {
		return errors.E(errors.Precondition, "scplot: no variable features; run FindVariableFeatures first")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%d variable features", len(a.VariableFeatures))
	p.X.Label.Text = "Average expression"
	p.Y.Label.Text = "Standardized variance"
	// vst means are raw counts spanning several orders of magnitude.
	logX := a.Features[a.VariableFeatures[0]].VarExpected > 0
	keep := func(f scrna.Feature) bool {
		return finite(f.Mean, f.VarStandardized) && (!logX || f.Mean > 0)
	}
	var other, variable plotter.XYs
	for _, f := range a.Features {
		if !keep(f) {
			continue
		}
		xy := plotter.XY{X: f.Mean, Y: f.VarStandardized}
		if f.Variable {
			variable = append(variable, xy)
		} else {
			other = append(other, xy)
		}
	}
	for _, set := range []struct {
		name string
		xys  plotter.XYs
		c    color.Color
	}{{"Non-variable", other, color.Black}, {"Variable", variable, red}} {
		if len(set.xys) == 0 {
			continue
		}
		s, err := plotter.NewScatter(set.xys)
		if err != nil {
			return err
		}
		s.GlyphStyle = draw.GlyphStyle{Color: set.c, Radius: opts.PointSize, Shape: draw.CircleGlyph{}}
		p.Add(s)
		p.Legend.Add(fmt.Sprintf("%s: %d", set.name, len(set.xys)), s)
	}
	var labels plotter.XYLabels
	for _, i := range a.VariableFeatures {
		if len(labels.Labels) >= nLabel {
			break
		}
		if f := a.Features[i]; keep(f) {
			labels.XYs = append(labels.XYs, plotter.XY{X: f.Mean, Y: f.VarStandardized})
			labels.Labels = append(labels.Labels, f.Name)
		}
	}
	if len(labels.Labels) > 0 {
		l, err := plotter.NewLabels(labels)
		if err != nil {
			return err
		}
		p.Add(l)
	}
	p.Legend.Top = true
	if logX {
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{}
	}
	return save(ctx, path, opts, []*plot.Plot{p}, 1)
}

// ElbowPlot plots the standard deviation of the first nDims principal
// components.
func ElbowPlot(ctx context.Context, path string, a *scrna.Analysis, nDims int, opts Opts) error {
	if a.PCA == nil {
		return errors.E(errors.Precondition, "scplot: no PCA; run RunPCA first")
	}
	if nDims <= 0 || nDims > len(a.PCA.StdDev) {
		nDims = len(a.PCA.StdDev)
	}
	xys := make(plotter.XYs, nDims)
	for k := range xys {
		xys[k] = plotter.XY{X: float64(k + 1), Y: a.PCA.StdDev[k]}
	}
	p := plot.New()
	p.X.Label.Text = "PC"
	p.Y.Label.Text = "Standard deviation"
	s, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	s.GlyphStyle = draw.GlyphStyle{Color: color.Black, Radius: 2 * opts.PointSize, Shape: draw.CircleGlyph{}}
	p.Add(s)
	return save(ctx, path, opts, []*plot.Plot{p}, 1)
}

// DimPlot draws the first two dimensions of the named reduction (pca or
// umap), colored by the identities of the active clustering, with each
// identity named at the median of its cells.
func DimPlot(ctx context.Context, path string, a *scrna.Analysis, reduction string, opts Opts) error {
	x, prefix, err := a.Embedding(reduction)
	if err != nil {
		return err
	}
	if _, c := x.Dims(); c < 2 {
		return errors.E(errors.Invalid, "scplot: "+reduction+" has fewer than two dimensions")
	}
	levels, group := groups(a)
	cols := colors(len(levels))
	p := plot.New()
	p.X.Label.Text = prefix + "1"
	p.Y.Label.Text = prefix + "2"
	pts := make([]plotter.XYs, len(levels))
	for j, g := range group {
		pts[g] = append(pts[g], plotter.XY{X: x.At(j, 0), Y: x.At(j, 1)})
	}
	var centers plotter.XYLabels
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
		centers.XYs = append(centers.XYs, plotter.XY{X: median(xy, true), Y: median(xy, false)})
		centers.Labels = append(centers.Labels, levels[g])
	}
	if len(levels) > 1 {
		l, err := plotter.NewLabels(centers)
		if err != nil {
			return err
		}
		p.Add(l)
	}
	p.Legend.Top = true
	return save(ctx, path, opts, []*plot.Plot{p}, 1)
}

func median(xys plotter.XYs, useX bool) float64 {
	v := make([]float64, len(xys))
	for i, xy := range xys {
		if useX {
			v[i] = xy.X
		} else {
			v[i] = xy.Y
		}
	}
	sort.Float64s(v)
	return stat.Quantile(0.5, stat.Empirical, v, nil)
}

// FeaturePlot draws the first two dimensions of the named reduction once per
// feature, each cell colored by the normalized expression of the feature.
// Cells are drawn in increasing expression so that expressing cells are on
// top.
func FeaturePlot(ctx context.Context, path string, a *scrna.Analysis, features []string, reduction string, opts Opts) error {
	x, prefix, err := a.Embedding(reduction)
	if err != nil {
		return err
	}
	heat := palette.Heat(64, 1).Colors()
	var panels []*plot.Plot
	for _, name := range features {
		values, err := CellValues(a, name)
		if err != nil {
			return err
		}
		order := make([]int, len(values))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(i, j int) bool { return values[order[i]] < values[order[j]] })
		max := values[order[len(order)-1]]
		xys := make(plotter.XYs, len(order))
		for k, j := range order {
			xys[k] = plotter.XY{X: x.At(j, 0), Y: x.At(j, 1)}
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		radius := opts.PointSize
		s.GlyphStyleFunc = func(k int) draw.GlyphStyle {
			v := values[order[k]]
			c := color.Color(grey)
			if v > 0 && max > 0 {
				// Heat runs from dark to light; expressing cells get the
				// darker end.
				c = heat[int(math.Round((1-v/max)*float64(len(heat)/2)))]
			}
			return draw.GlyphStyle{Color: c, Radius: radius, Shape: draw.CircleGlyph{}}
		}
		p := plot.New()
		p.Title.Text = name
		p.X.Label.Text = prefix + "1"
		p.Y.Label.Text = prefix + "2"
		p.Add(s)
		panels = append(panels, p)
	}
	return save(ctx, path, opts, panels, 2)
}

// scoreGrid is a features x cells heat map grid.
type scoreGrid struct{ z *mat.Dense }

func (g scoreGrid) Dims() (c, r int) {
	r, c = g.z.Dims()
	return c, r
}
func (g scoreGrid) Z(c, r int) float64 { return g.z.At(r, c) }
func (g scoreGrid) X(c int) float64    { return float64(c) }
func (g scoreGrid) Y(r int) float64    { return float64(r) }

// extremes returns the n indices with the lowest and the n with the highest
// values of v, in increasing value.
func extremes(v []float64, n int) []int {
	order := make([]int, len(v))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return v[order[i]] < v[order[j]] })
	if 2*n >= len(order) {
		return order
	}
	return append(order[:n:n], order[len(order)-n:]...)
}

// DimHeatmap draws, for each listed principal component (1-based), the
// scaled expression of the nFeatures features with the most negative and the
// most positive loadings across the nCells cells with the most extreme
// scores on each side.
func DimHeatmap(ctx context.Context, path string, a *scrna.Analysis, dims []int, nCells, nFeatures int, opts Opts) error {
	if a.PCA == nil || a.Scaled == nil {
		return errors.E(errors.Precondition, "scplot: no PCA; run RunPCA first")
	}
	heat := palette.Heat(64, 1)
	var panels []*plot.Plot
	for _, d := range dims {
		if d < 1 || d > len(a.PCA.StdDev) {
			return errors.E(errors.Invalid, fmt.Sprintf("scplot: PC %d not computed", d))
		}
		cells := extremes(mat.Col(nil, d-1, a.PCA.Embeddings), nCells)
		features := extremes(mat.Col(nil, d-1, a.PCA.Loadings), nFeatures)
		z := mat.NewDense(len(features), len(cells), nil)
		for r, i := range features {
			for c, j := range cells {
				z.Set(r, c, math.Max(-heatmapClip, math.Min(heatmapClip, a.Scaled.At(i, j))))
			}
		}
		h := plotter.NewHeatMap(scoreGrid{z}, heat)
		h.Min, h.Max = -heatmapClip, heatmapClip
		p := plot.New()
		p.Title.Text = fmt.Sprintf("PC_%d", d)
		p.Add(h)
		names := make([]string, len(features))
		for r, i := range features {
			names[r] = a.Features[a.VariableFeatures[i]].Name
		}
		p.NominalY(names...)
		p.X.Tick.Marker = plot.ConstantTicks(nil)
		panels = append(panels, p)
	}
	return save(ctx, path, opts, panels, 3)
}
