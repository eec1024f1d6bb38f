package scrna

import (
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	e2eFeatures = 500
	e2eCells    = 1000
	e2eTypes    = 3
	e2eDying    = 30
	e2eEmpty    = 20

	// smallMinFeatures is the QC bound for the 200-feature simulations; a
	// simulated cell detects about 120 of them.
	smallMinFeatures = 50
)

func TestEndToEnd(t *testing.T) {
	s := synthesize(e2eFeatures, e2eCells, e2eTypes, e2eDying, e2eEmpty, 1)
	a, err := New(s.m, 0, 0)
	require.NoError(t, err)
	expect.EQ(t, a.NumCells(), e2eCells)
	expect.EQ(t, a.NumFeatures(), e2eFeatures)

	opts := testOpts()
	require.NoError(t, Run(a, opts))

	n := e2eCells - e2eDying - e2eEmpty
	expect.EQ(t, a.NumCells(), n)
	expect.EQ(t, a.NumFeatures(), e2eFeatures)
	for _, typ := range s.types(a) {
		expect.GE(t, typ, 0)
	}
	expect.EQ(t, len(a.VariableFeatures), 200)
	r, c := a.Scaled.Dims()
	expect.EQ(t, r, 200)
	expect.EQ(t, c, n)
	r, c = a.PCA.Embeddings.Dims()
	expect.EQ(t, r, n)
	expect.EQ(t, c, 10)
	r, c = a.UMAP.Dims()
	expect.EQ(t, r, n)
	expect.EQ(t, c, 2)
	for _, v := range a.UMAP.RawMatrix().Data {
		expect.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}

	// Every cluster is dominated by one simulated type.
	c0, err := a.ActiveClustering()
	require.NoError(t, err)
	expect.EQ(t, c0.Name, "snn_res.0.5")
	types := s.types(a)
	counts := make([][e2eTypes]int, len(c0.Idents))
	size := make([]int, len(c0.Idents))
	for j, l := range c0.Labels {
		counts[l][types[j]]++
		size[l]++
	}
	for l := range counts {
		best := 0
		for _, n := range counts[l] {
			if n > best {
				best = n
			}
		}
		expect.GT(t, float64(best)/float64(size[l]), 0.9, "cluster %d: %v", l, counts[l])
		if l > 0 {
			expect.GE(t, size[l-1], size[l])
		}
	}
	expect.GE(t, len(c0.Idents), e2eTypes)
	expect.True(t, len(a.Markers) > 0)
}

// throughScale runs the pipeline up to ScaleData on data with about 200
// features.
func throughScale(t *testing.T, s synthetic, scaleMax float64) *Analysis {
	a, err := New(s.m, 3, smallMinFeatures)
	require.NoError(t, err)
	opts := testOpts()
	opts.QC.MinFeatures = smallMinFeatures
	require.NoError(t, Annotate(a, opts))
	require.NoError(t, a.FilterCells(opts.QC))
	require.NoError(t, a.NormalizeData(opts.Normalization, opts.ScaleFactor))
	require.NoError(t, a.FindVariableFeatures(opts.SelectionMethod, opts.NFeatures, opts.LoessSpan))
	require.NoError(t, a.ScaleData(scaleMax))
	return a
}

func TestScaleData(t *testing.T) {
	s := synthesize(200, 300, 2, 0, 0, 2)
	a := throughScale(t, s, 0)
	r, c := a.Scaled.Dims()
	expect.EQ(t, r, 200)
	expect.EQ(t, c, 300)
	for i := 0; i < r; i++ {
		mean, variance := stat.MeanVariance(a.Scaled.RawRowView(i), nil)
		expect.LT(t, math.Abs(mean), 1e-9)
		expect.LT(t, math.Abs(variance-1), 1e-9)
	}

	require.NoError(t, a.ScaleData(1))
	expect.LE(t, mat.Max(a.Scaled), 1.0)
}

func TestStageOrder(t *testing.T) {
	s := synthesize(100, 250, 2, 0, 0, 3)
	a, err := New(s.m, 0, 0)
	require.NoError(t, err)
	expect.True(t, errors.Is(errors.Precondition, a.FindVariableFeatures(VST, 10, 0.3)))
	expect.True(t, errors.Is(errors.Precondition, a.ScaleData(10)))
	expect.True(t, errors.Is(errors.Precondition, a.RunPCA(5, 1)))
	expect.True(t, errors.Is(errors.Precondition, a.FindNeighbors(1, 5, 10, 1.0/15)))
	expect.True(t, errors.Is(errors.Precondition, a.FindClusters([]float64{0.5}, 1, 1, 0)))
	_, err = a.FindAllMarkers(DefaultOpts.Markers)
	expect.True(t, errors.Is(errors.Precondition, err))

	require.NoError(t, a.NormalizeData(LogNormalize, 1e4))
	expect.True(t, errors.Is(errors.Precondition, a.ScaleData(10)))
}

func TestRunPCA(t *testing.T) {
	s := synthesize(200, 300, 2, 0, 0, 4)
	a := throughScale(t, s, 10)
	require.NoError(t, a.RunPCA(10, 42))
	r, c := a.PCA.Embeddings.Dims()
	expect.EQ(t, r, 300)
	expect.EQ(t, c, 10)
	r, c = a.PCA.Loadings.Dims()
	expect.EQ(t, r, 200)
	expect.EQ(t, c, 10)
	for k := 1; k < 10; k++ {
		expect.GE(t, a.PCA.StdDev[k-1], a.PCA.StdDev[k])
	}
	// The largest-magnitude loading of every component is positive.
	for k := 0; k < 10; k++ {
		col := mat.Col(nil, k, a.PCA.Loadings)
		best := 0.0
		for _, v := range col {
			if math.Abs(v) > math.Abs(best) {
				best = v
			}
		}
		expect.GT(t, best, 0.0)
	}

	for _, k := range []int{0, -1, 201} {
		err := a.RunPCA(k, 42)
		expect.True(t, errors.Is(errors.Invalid, err), "k=%d: %v", k, err)
	}
}

// TestRandomizedPCA compares the randomized solver with the exact one on the
// two components that separate the three simulated types.
func TestRandomizedPCA(t *testing.T) {
	s := synthesize(200, 300, 3, 0, 0, 5)
	a := throughScale(t, s, 10)
	x := mat.DenseCopyOf(a.Scaled.T())
	_, exact, _, err := thinSVD(x)
	require.NoError(t, err)
	_, approx, _, err := randomizedSVD(x, 15, pcaPowerIters, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	for k := 0; k < 2; k++ {
		expect.LT(t, math.Abs(exact[k]-approx[k])/exact[k], 1e-3, "component %d", k)
	}
}

func TestClusteringDeterministic(t *testing.T) {
	s := synthesize(200, 300, 3, 0, 0, 6)
	run := func() *Analysis {
		a, err := New(s.m, 0, 0)
		require.NoError(t, err)
		opts := testOpts()
		opts.Resolutions = []float64{0.3, 0.8}
		opts.QC.MinFeatures = smallMinFeatures
		opts.FindMarkers = false
		require.NoError(t, Run(a, opts))
		return a
	}
	a, b := run(), run()
	require.Equal(t, len(a.Clusterings), 2)
	for i := range a.Clusterings {
		expect.EQ(t, a.Clusterings[i].Labels, b.Clusterings[i].Labels)
		expect.EQ(t, a.Clusterings[i].Modularity, b.Clusterings[i].Modularity)
	}
	expect.True(t, mat.Equal(a.UMAP, b.UMAP))
	expect.EQ(t, a.Active, 1)
}

func TestIdents(t *testing.T) {
	s := synthesize(200, 300, 3, 0, 0, 7)
	a, err := New(s.m, 0, 0)
	require.NoError(t, err)
	opts := testOpts()
	opts.Resolutions = []float64{0.3, 0.8}
	opts.Ident = "snn_res.0.3"
	opts.QC.MinFeatures = smallMinFeatures
	opts.FindMarkers = false
	require.NoError(t, Run(a, opts))
	expect.EQ(t, a.Active, 0)

	err = a.SetIdent("snn_res.2")
	expect.True(t, errors.Is(errors.NotExist, err))
	expect.EQ(t, a.Active, 0)

	levels, err := a.IdentLevels()
	require.NoError(t, err)
	require.True(t, len(levels) >= 2)
	err = a.RenameIdents(map[string]string{"0": "T cells", "1": "T cells"})
	require.NoError(t, err)
	levels2, err := a.IdentLevels()
	require.NoError(t, err)
	expect.EQ(t, levels2[0], "T cells")
	expect.EQ(t, len(levels2), len(levels)-1)
	idents, err := a.Idents()
	require.NoError(t, err)
	c, _ := a.ActiveClustering()
	for j, l := range c.Labels {
		if l <= 1 {
			expect.EQ(t, idents[j], "T cells")
		}
	}
	expect.True(t, errors.Is(errors.NotExist, a.RenameIdents(map[string]string{"99": "B cells"})))
}

func TestNeighborParams(t *testing.T) {
	s := synthesize(200, 300, 2, 0, 0, 8)
	a := throughScale(t, s, 10)
	require.NoError(t, a.RunPCA(10, 42))
	for _, tc := range []struct{ start, end, k int }{
		{0, 5, 10},
		{1, 11, 10},
		{3, 2, 10},
		{1, 10, 1},
		{1, 10, 300},
	} {
		err := a.FindNeighbors(tc.start, tc.end, tc.k, 1.0/15)
		expect.True(t, errors.Is(errors.Invalid, err), "%+v: %v", tc, err)
	}
	assert.NoError(t, a.FindNeighbors(2, 6, 10, 1.0/15))
	expect.EQ(t, a.Dims, [2]int{2, 6})
	expect.EQ(t, a.Neighbors.Len(), 300)

	// Rerunning an upstream stage discards downstream results.
	require.NoError(t, a.FindClusters([]float64{0.5}, 2, 2, 0))
	require.NoError(t, a.RunPCA(8, 1))
	expect.True(t, a.SNN == nil)
	expect.EQ(t, len(a.Clusterings), 0)
	expect.EQ(t, a.Active, -1)
}
