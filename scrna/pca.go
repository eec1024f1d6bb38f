package scrna

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/mat"
)

const (
	// exactSVDLimit is the largest min(cells, features) for which the full
	// thin SVD is computed. Larger problems use a randomized range finder.
	exactSVDLimit = 500
	pcaOversample = 10
	pcaPowerIters = 7
)

// RunPCA computes the first nPCs principal components of the scaled data,
// treating cells as observations. Cell embeddings are U*S, loadings are V and
// the standard deviation of component k is S_k/sqrt(#cells-1). The sign of
// each component is chosen so that its largest-magnitude loading is positive.
// seed drives the randomized solver used on large inputs.
func (a *Analysis) RunPCA(nPCs int, seed int64) error {
	if a.Scaled == nil {
		return errors.E(errors.Precondition, "scrna: RunPCA requires scaled data; run ScaleData first")
	}
	nFeatures, nCells := a.Scaled.Dims()
	if nPCs < 1 || nPCs > nFeatures || nPCs > nCells {
		return errors.E(errors.Invalid,
			fmt.Sprintf("scrna: cannot compute %d components from %d features x %d cells", nPCs, nFeatures, nCells))
	}
	a.invalidate(stagePCA)
	x := mat.DenseCopyOf(a.Scaled.T()) // cells x features
	var (
		u, v *mat.Dense
		s    []float64
		err  error
	)
	if minInt(nFeatures, nCells) <= exactSVDLimit || nPCs+pcaOversample >= minInt(nFeatures, nCells) {
		u, s, v, err = thinSVD(x)
	} else {
		u, s, v, err = randomizedSVD(x, nPCs+pcaOversample, pcaPowerIters, rand.New(rand.NewSource(seed)))
	}
	if err != nil {
		return err
	}
	emb := mat.NewDense(nCells, nPCs, nil)
	load := mat.NewDense(nFeatures, nPCs, nil)
	sd := make([]float64, nPCs)
	for k := 0; k < nPCs; k++ {
		sign := 1.0
		best := 0.0
		for i := 0; i < nFeatures; i++ {
			if lv := v.At(i, k); math.Abs(lv) > math.Abs(best) {
				best = lv
			}
		}
		if best < 0 {
			sign = -1
		}
		for i := 0; i < nFeatures; i++ {
			load.Set(i, k, sign*v.At(i, k))
		}
		for j := 0; j < nCells; j++ {
			emb.Set(j, k, sign*u.At(j, k)*s[k])
		}
		if nCells > 1 {
			sd[k] = s[k] / math.Sqrt(float64(nCells-1))
		}
	}
	a.PCA = &PCA{Embeddings: emb, Loadings: load, StdDev: sd}
	log.Printf("scrna: computed %d principal components; PC_1 sd %.4f, PC_%d sd %.4f", nPCs, sd[0], nPCs, sd[nPCs-1])
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// thinSVD factorizes x = U diag(s) V^T with singular values in decreasing
// order.
func thinSVD(x mat.Matrix) (u *mat.Dense, s []float64, v *mat.Dense, err error) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, nil, nil, errors.E(errors.Invalid, "scrna: SVD failed to converge")
	}
	u, v = &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	return u, svd.Values(nil), v, nil
}

// randomizedSVD approximates the leading l singular triplets of x (Halko,
// Martinsson and Tropp 2011) with nIter power iterations.
func randomizedSVD(x *mat.Dense, l, nIter int, r *rand.Rand) (u *mat.Dense, s []float64, v *mat.Dense, err error) {
	_, p := x.Dims()
	omega := mat.NewDense(p, l, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < l; j++ {
			omega.Set(i, j, r.NormFloat64())
		}
	}
	var y mat.Dense
	y.Mul(x, omega)
	q, err := orthonormalize(&y)
	if err != nil {
		return nil, nil, nil, err
	}
	for it := 0; it < nIter; it++ {
		var z mat.Dense
		z.Mul(x.T(), q)
		zq, err := orthonormalize(&z)
		if err != nil {
			return nil, nil, nil, err
		}
		y.Reset()
		y.Mul(x, zq)
		if q, err = orthonormalize(&y); err != nil {
			return nil, nil, nil, err
		}
	}
	var b mat.Dense
	b.Mul(q.T(), x) // l x p
	ub, s, v, err := thinSVD(&b)
	if err != nil {
		return nil, nil, nil, err
	}
	u = &mat.Dense{}
	u.Mul(q, ub)
	return u, s, v, nil
}

// orthonormalize returns an orthonormal basis of the column space of m.
func orthonormalize(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThinU); !ok {
		return nil, errors.E(errors.Invalid, "scrna: SVD failed to converge")
	}
	var q mat.Dense
	svd.UTo(&q)
	return &q, nil
}
