package knn

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/mat"
)

func randomPoints(r *rand.Rand, n, dim int) *mat.Dense {
	x := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < dim; j++ {
			x.Set(i, j, r.NormFloat64())
		}
	}
	return x
}

func bruteForce(x *mat.Dense, k int) [][]int32 {
	n, _ := x.Dims()
	out := make([][]int32, n)
	for i := 0; i < n; i++ {
		type pair struct {
			d float64
			j int
		}
		var all []pair
		for j := 0; j < n; j++ {
			d := -1.0
			if j != i {
				d = distance(Euclidean, x.RawRowView(i), x.RawRowView(j))
			}
			all = append(all, pair{d, j})
		}
		sort.Slice(all, func(a, b int) bool {
			if all[a].d != all[b].d {
				return all[a].d < all[b].d
			}
			return all[a].j < all[b].j
		})
		for _, p := range all[:k] {
			out[i] = append(out[i], int32(p.j))
		}
	}
	return out
}

func TestFindMatchesBruteForce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := rand.New(rand.NewSource(1))
	x := randomPoints(r, 300, 5)
	nb, err := Find(x, 10, Euclidean)
	require.NoError(t, err)
	want := bruteForce(x, 10)
	for i := range want {
		assert.Equal(t, want[i], nb.Index[i], "row %d", i)
		assert.Equal(t, int32(i), nb.Index[i][0])
		assert.Equal(t, 0.0, nb.Dist[i][0])
		assert.True(t, sort.Float64sAreSorted(nb.Dist[i]))
	}
}

func TestFindDuplicates(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{
		1, 1,
		1, 1,
		1, 1,
		5, 5,
	})
	nb, err := Find(x, 3, Euclidean)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2}, nb.Index[0])
	assert.Equal(t, []int32{2, 0, 1}, nb.Index[2])
	assert.Equal(t, []float64{0, 0, 0}, nb.Dist[2])
	assert.Equal(t, int32(3), nb.Index[3][0])
}

func TestFindCosine(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		1, 0,
		10, 1,
		0, 1,
	})
	nb, err := Find(x, 2, Cosine)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, nb.Index[0])
	assert.Equal(t, []int32{2, 1}, nb.Index[2])
	assert.InDelta(t, 1-10/math.Sqrt(101), nb.Dist[0][1], 1e-12)

	m, err := ParseMetric(Cosine.String())
	require.NoError(t, err)
	assert.Equal(t, Cosine, m)
	_, err = ParseMetric("manhattan")
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestFindErrors(t *testing.T) {
	x := mat.NewDense(3, 2, nil)
	for _, k := range []int{0, 4} {
		_, err := Find(x, k, Euclidean)
		assert.True(t, errors.Is(errors.Invalid, err), "k=%d", k)
	}
}

func TestSNN(t *testing.T) {
	nb := &Neighbors{
		K: 2,
		Index: [][]int32{
			{0, 1},
			{1, 0},
			{2, 1},
			{3, 2},
		},
	}
	g, err := SNN(nb, 0)
	require.NoError(t, err)
	// 0 and 1 share {0,1}: 2/(4-2) = 1.
	adj, w := g.Edges(0)
	assert.Equal(t, []int32{1, 2}, adj)
	assert.Equal(t, []float64{1, 1.0 / 3}, w)
	// 2 and 3 share {2}: 1/3.
	adj, w = g.Edges(3)
	assert.Equal(t, []int32{2}, adj)
	assert.Equal(t, []float64{1.0 / 3}, w)
	assert.Equal(t, 4, g.NumEdges())

	pruned, err := SNN(nb, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned.NumEdges())

	_, err = SNN(nb, 2)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestSNNSymmetric(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := rand.New(rand.NewSource(2))
	nb, err := Find(randomPoints(r, 200, 4), 15, Euclidean)
	require.NoError(t, err)
	g, err := SNN(nb, DefaultPrune)
	require.NoError(t, err)
	weight := func(i, j int) float64 {
		adj, w := g.Edges(i)
		p := sort.Search(len(adj), func(p int) bool { return adj[p] >= int32(j) })
		if p < len(adj) && adj[p] == int32(j) {
			return w[p]
		}
		return 0
	}
	for i := 0; i < g.Len(); i++ {
		adj, w := g.Edges(i)
		for p, j := range adj {
			assert.NotEqual(t, int32(i), j)
			assert.True(t, w[p] >= DefaultPrune && w[p] <= 1)
			assert.Equal(t, w[p], weight(int(j), i))
		}
	}
}
