package umap

import (
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/knn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFitAB(t *testing.T) {
	// Reference values of the umap-learn curve fit for min_dist=0.1, spread=1.
	a, b, err := FitAB(1, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 1.577, a, 0.01)
	assert.InDelta(t, 0.895, b, 0.01)
}

func TestSmoothKNNDist(t *testing.T) {
	dist := []float64{0, 1, 2, 3, 4}
	rho, sigma := smoothKNNDist(dist, 1, 1)
	assert.Equal(t, 1.0, rho)
	var psum float64
	for _, d := range dist[1:] {
		psum += math.Exp(-math.Max(d-rho, 0) / sigma)
	}
	assert.InDelta(t, math.Log2(5), psum, 1e-3)
}

// blobs returns two well separated Gaussian clusters in dim dimensions.
func blobs(r *rand.Rand, perBlob, dim int) *mat.Dense {
	x := mat.NewDense(2*perBlob, dim, nil)
	for i := 0; i < 2*perBlob; i++ {
		offset := 0.0
		if i >= perBlob {
			offset = 20
		}
		for j := 0; j < dim; j++ {
			x.Set(i, j, offset+r.NormFloat64())
		}
	}
	return x
}

func embedBlobs(t *testing.T) *mat.Dense {
	r := rand.New(rand.NewSource(1))
	x := blobs(r, 60, 5)
	nb, err := knn.Find(x, 15, knn.Euclidean)
	require.NoError(t, err)
	init := mat.DenseCopyOf(x.Slice(0, 120, 0, 2))
	opts := DefaultOpts
	opts.Epochs = 100
	y, err := Embed(nb, init, opts)
	require.NoError(t, err)
	return y
}

func TestEmbed(t *testing.T) {
	y := embedBlobs(t)
	n, d := y.Dims()
	assert.Equal(t, 120, n)
	assert.Equal(t, 2, d)
	var centroid [2][2]float64
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			v := y.At(i, j)
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			centroid[i/60][j] += v / 60
		}
	}
	between := math.Hypot(centroid[0][0]-centroid[1][0], centroid[0][1]-centroid[1][1])
	var within float64
	for i := 0; i < n; i++ {
		c := centroid[i/60]
		within += math.Hypot(y.At(i, 0)-c[0], y.At(i, 1)-c[1]) / float64(n)
	}
	assert.True(t, between > 2*within, "between=%v within=%v", between, within)
}

func TestEmbedDeterministic(t *testing.T) {
	assert.True(t, mat.Equal(embedBlobs(t), embedBlobs(t)))
}

func TestEmbedErrors(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{0, 0, 1, 0, 0, 1, 1, 1})
	nb, err := knn.Find(x, 3, knn.Euclidean)
	require.NoError(t, err)
	_, err = Embed(nb, mat.NewDense(3, 2, nil), DefaultOpts)
	assert.True(t, errors.Is(errors.Invalid, err))
	opts := DefaultOpts
	opts.MinDist = 2
	_, err = Embed(nb, x, opts)
	assert.True(t, errors.Is(errors.Invalid, err))
}
