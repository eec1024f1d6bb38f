package scplot

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/scrna"
	"github.com/grailbio/scrna/sparse"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	code := m.Run()
	shutdown()
	os.Exit(code)
}

// testAnalysis runs the pipeline on two simulated cell types; features 10-29
// mark the first type and 30-49 the second.
func testAnalysis(t *testing.T) *scrna.Analysis {
	const nFeatures, nCells = 150, 240
	r := rand.New(rand.NewSource(1))
	m := &fbm.Matrix{}
	for i := 0; i < nFeatures; i++ {
		name := fmt.Sprintf("GENE%d", i)
		if i < 3 {
			name = fmt.Sprintf("MT-%d", i)
		}
		m.Features = append(m.Features, fbm.Feature{ID: fmt.Sprintf("E%d", i), Name: name, Type: fbm.DefaultFeatureType})
	}
	b := sparse.NewBuilder(nFeatures, nCells, 0)
	for j := 0; j < nCells; j++ {
		m.Barcodes = append(m.Barcodes, fmt.Sprintf("CELL%d", j))
		lo := 10 + 20*(j%2)
		for i := 0; i < nFeatures; i++ {
			p := 0.6
			if i >= lo && i < lo+20 {
				p = 0.97
			}
			if i < 3 {
				p = 0.3
			}
			if r.Float64() < p {
				v := 1 + float64(r.Intn(3))
				if i >= lo && i < lo+20 {
					v *= 4
				}
				require.NoError(t, b.Add(i, j, v))
			}
		}
	}
	m.Counts = b.Build()
	a, err := scrna.New(m, 0, 0)
	require.NoError(t, err)
	opts := scrna.DefaultOpts
	opts.QC.MinFeatures = 50
	opts.QC.MaxPercent = 0
	opts.NFeatures = 100
	opts.NPCs = 10
	opts.K = 15
	opts.UMAPNeighbors = 15
	opts.UMAPEpochs = 20
	opts.FindMarkers = false
	require.NoError(t, scrna.Run(a, opts))
	return a
}

func TestPlots(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := testAnalysis(t)
	opts := DefaultOpts

	for _, test := range []struct {
		name string
		draw func(path string) error
	}{
		{"vln.png", func(path string) error {
			return VlnPlot(ctx, path, a, []string{scrna.NFeatureColumn, scrna.NCountColumn, "percent.mt", "GENE12"}, opts)
		}},
		{"scatter.svg", func(path string) error {
			return FeatureScatter(ctx, path, a, scrna.NCountColumn, scrna.NFeatureColumn, opts)
		}},
		{"variable.png", func(path string) error { return VariableFeaturePlot(ctx, path, a, 10, opts) }},
		{"elbow.pdf", func(path string) error { return ElbowPlot(ctx, path, a, 0, opts) }},
		{"pca.png", func(path string) error { return DimPlot(ctx, path, a, scrna.PCAEmbedding, opts) }},
		{"umap.png", func(path string) error { return DimPlot(ctx, path, a, scrna.UMAPEmbedding, opts) }},
		{"features.png", func(path string) error {
			return FeaturePlot(ctx, path, a, []string{"GENE12", "GENE35", "GENE100"}, scrna.UMAPEmbedding, opts)
		}},
		{"heatmap.png", func(path string) error { return DimHeatmap(ctx, path, a, []int{1, 2}, 30, 10, opts) }},
	} {
		path := filepath.Join(dir, test.name)
		require.NoError(t, test.draw(path), test.name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		expect.True(t, info.Size() > 0, test.name)
	}
}

func TestPlotErrors(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := testAnalysis(t)

	err := ElbowPlot(ctx, filepath.Join(dir, "elbow.bmp"), a, 0, DefaultOpts)
	expect.True(t, errors.Is(errors.Invalid, err))
	err = VlnPlot(ctx, filepath.Join(dir, "vln.png"), a, []string{"GENE9999"}, DefaultOpts)
	expect.True(t, errors.Is(errors.NotExist, err))
	err = DimHeatmap(ctx, filepath.Join(dir, "heatmap.png"), a, []int{11}, 10, 10, DefaultOpts)
	expect.True(t, errors.Is(errors.Invalid, err))
	err = DimPlot(ctx, filepath.Join(dir, "tsne.png"), a, "tsne", DefaultOpts)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestExtremes(t *testing.T) {
	v := []float64{5, -1, 3, 0, 9, -4}
	expect.EQ(t, extremes(v, 2), []int{5, 1, 0, 4})
	expect.EQ(t, extremes(v, 3), []int{5, 1, 3, 2, 0, 4})
}

func TestLayout(t *testing.T) {
	for _, test := range []struct{ n, max, rows, cols int }{
		{1, 3, 1, 1},
		{3, 3, 1, 3},
		{4, 3, 2, 3},
		{4, 2, 2, 2},
	} {
		rows, cols := layout(test.n, test.max)
		expect.EQ(t, rows, test.rows)
		expect.EQ(t, cols, test.cols)
	}
}
