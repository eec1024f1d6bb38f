// Package umap computes a low-dimensional embedding by Uniform Manifold
// Approximation and Projection (McInnes et al. 2018) from precomputed k
// nearest neighbor lists.
//
// The layout is single-threaded and fully determined by Opts.Seed and the
// initial coordinates.
package umap

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/knn"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Opts controls Embed.
type Opts struct {
	// Dims of the output embedding.
	Dims int
	// Epochs of stochastic gradient descent. If <= 0, 500 epochs are used for
	// up to 10000 points and 200 above.
	Epochs int
	// LearningRate is the initial SGD step size.
	LearningRate float64
	// MinDist is the minimum distance between embedded points.
	MinDist float64
	// Spread is the scale of embedded points.
	Spread float64
	// SetOpMixRatio interpolates between fuzzy union (1) and intersection (0)
	// when symmetrizing the neighbor graph.
	SetOpMixRatio float64
	// LocalConnectivity is the number of nearest neighbors assumed connected
	// at full strength.
	LocalConnectivity float64
	// RepulsionStrength weighs negative samples.
	RepulsionStrength float64
	// NegativeSampleRate is the number of negative samples per positive one.
	NegativeSampleRate int
	// Seed of the SGD sampler.
	Seed int64
}

// DefaultOpts are the defaults of the single-cell UMAP recipe.
var DefaultOpts = Opts{
	Dims:               2,
	LearningRate:       1,
	MinDist:            0.3,
	Spread:             1,
	SetOpMixRatio:      1,
	LocalConnectivity:  1,
	RepulsionStrength:  1,
	NegativeSampleRate: 5,
	Seed:               42,
}

const (
	smoothKTolerance = 1e-5
	minKDistScale    = 1e-3
	smoothIterations = 64
	gradClip         = 4
)

// edge is one directed entry of the fuzzy graph.
type edge struct {
	i, j int32
	w    float64
}

// Embed lays out the rows described by nb. init holds the starting
// coordinates, one row per point with opts.Dims columns; it is typically the
// leading principal components. The returned matrix has the same shape.
func Embed(nb *knn.Neighbors, init *mat.Dense, opts Opts) (*mat.Dense, error) {
	n := nb.Len()
	if n < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("umap: need at least two points, got %d", n))
	}
	if r, c := init.Dims(); r != n || c != opts.Dims {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("umap: initial layout is %dx%d, expect %dx%d", r, c, n, opts.Dims))
	}
	if nb.K < 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("umap: need at least two neighbors per point, got %d", nb.K))
	}
	if opts.MinDist < 0 || opts.Spread <= 0 || opts.MinDist > opts.Spread {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("umap: need 0 <= MinDist <= Spread, got %v, %v", opts.MinDist, opts.Spread))
	}
	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 500
		if n > 10000 {
			epochs = 200
		}
	}
	a, b, err := FitAB(opts.Spread, opts.MinDist)
	if err != nil {
		return nil, err
	}
	edges := fuzzySimplicialSet(nb, opts)
	y := scaleInit(init)
	optimizeLayout(y, edges, n, epochs, a, b, opts)
	log.Debug.Printf("umap: embedded %d points in %d dims, %d edges, %d epochs, a=%.4f b=%.4f", n, opts.Dims, len(edges), epochs, a, b)
	return y, nil
}

// smoothKNNDist finds, for one point, rho (the distance to the nearest
// neighbor at LocalConnectivity) and sigma such that the memberships sum to
// log2(k).
func smoothKNNDist(dist []float64, localConnectivity, meanDist float64) (rho, sigma float64) {
	var nonzero []float64
	for _, d := range dist {
		if d > 0 {
			nonzero = append(nonzero, d)
		}
	}
	if len(nonzero) >= int(localConnectivity) && localConnectivity >= 1 {
		idx := int(math.Floor(localConnectivity))
		interp := localConnectivity - float64(idx)
		if idx > 0 {
			rho = nonzero[idx-1]
			if interp > smoothKTolerance && idx < len(nonzero) {
				rho += interp * (nonzero[idx] - nonzero[idx-1])
			}
		} else {
			rho = interp * nonzero[0]
		}
	} else if len(nonzero) > 0 {
		rho = nonzero[len(nonzero)-1]
	}
	target := math.Log2(float64(len(dist)))
	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for it := 0; it < smoothIterations; it++ {
		var psum float64
		for _, d := range dist[1:] {
			if v := d - rho; v > 0 {
				psum += math.Exp(-v / mid)
			} else {
				psum++
			}
		}
		if math.Abs(psum-target) < smoothKTolerance {
			break
		}
		if psum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	sigma = mid
	var localMean float64
	for _, d := range dist {
		localMean += d
	}
	localMean /= float64(len(dist))
	if rho > 0 {
		if sigma < minKDistScale*localMean {
			sigma = minKDistScale * localMean
		}
	} else if sigma < minKDistScale*meanDist {
		sigma = minKDistScale * meanDist
	}
	return rho, sigma
}

// fuzzySimplicialSet returns the symmetrized membership graph. Both
// directions of every edge are present.
func fuzzySimplicialSet(nb *knn.Neighbors, opts Opts) []edge {
	n := nb.Len()
	var meanDist float64
	for _, d := range nb.Dist {
		for _, v := range d {
			meanDist += v
		}
	}
	meanDist /= float64(n * nb.K)

	// Directed memberships, keyed by (i, j).
	member := make([]map[int32]float64, n)
	for i := 0; i < n; i++ {
		rho, sigma := smoothKNNDist(nb.Dist[i], opts.LocalConnectivity, meanDist)
		member[i] = make(map[int32]float64, nb.K)
		for p, j := range nb.Index[i] {
			if int(j) == i {
				continue
			}
			v := 1.0
			if d := nb.Dist[i][p] - rho; d > 0 && sigma > 0 {
				v = math.Exp(-d / sigma)
			}
			member[i][j] = v
		}
	}
	rev := make([][]int32, n)
	for i, idx := range nb.Index {
		for _, j := range idx {
			if int(j) != i {
				rev[j] = append(rev[j], int32(i))
			}
		}
	}
	var edges []edge
	mix := opts.SetOpMixRatio
	for i := 0; i < n; i++ {
		add := func(j int32) {
			w := member[i][j]
			wt := member[j][int32(i)]
			prod := w * wt
			v := mix*(w+wt-prod) + (1-mix)*prod
			if v > 0 {
				edges = append(edges, edge{int32(i), j, v})
			}
		}
		for _, j := range nb.Index[i] {
			if int(j) != i {
				add(j)
			}
		}
		// j lists i but i does not list j.
		for _, j := range rev[i] {
			if _, ok := member[i][j]; !ok {
				add(j)
			}
		}
	}
	return edges
}

// scaleInit copies init and scales it so that the largest absolute coordinate
// is 10.
func scaleInit(init *mat.Dense) *mat.Dense {
	y := mat.DenseCopyOf(init)
	maxAbs := 0.0
	r, c := y.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			maxAbs = math.Max(maxAbs, math.Abs(y.At(i, j)))
		}
	}
	if maxAbs > 0 {
		y.Scale(10/maxAbs, y)
	}
	return y
}

func clip(v float64) float64 {
	if v > gradClip {
		return gradClip
	}
	if v < -gradClip {
		return -gradClip
	}
	return v
}

func optimizeLayout(y *mat.Dense, edges []edge, n, epochs int, a, b float64, opts Opts) {
	maxW := 0.0
	for _, e := range edges {
		maxW = math.Max(maxW, e.w)
	}
	// Edges too weak to be sampled once are dropped.
	var kept []edge
	for _, e := range edges {
		if e.w >= maxW/float64(epochs) {
			kept = append(kept, e)
		}
	}
	edges = kept
	epochsPerSample := make([]float64, len(edges))
	nextSample := make([]float64, len(edges))
	epochsPerNeg := make([]float64, len(edges))
	nextNeg := make([]float64, len(edges))
	for p, e := range edges {
		epochsPerSample[p] = maxW / e.w
		nextSample[p] = epochsPerSample[p]
		epochsPerNeg[p] = epochsPerSample[p] / float64(opts.NegativeSampleRate)
		nextNeg[p] = epochsPerNeg[p]
	}
	r := rand.New(rand.NewSource(opts.Seed))
	dims := opts.Dims
	for epoch := 0; epoch < epochs; epoch++ {
		alpha := opts.LearningRate * (1 - float64(epoch)/float64(epochs))
		for p, e := range edges {
			if nextSample[p] > float64(epoch) {
				continue
			}
			yi := y.RawRowView(int(e.i))
			yj := y.RawRowView(int(e.j))
			d2 := sqDist(yi, yj)
			if d2 > 0 {
				coeff := -2 * a * b * math.Pow(d2, b-1) / (a*math.Pow(d2, b) + 1)
				for d := 0; d < dims; d++ {
					g := clip(coeff * (yi[d] - yj[d]))
					yi[d] += g * alpha
					yj[d] -= g * alpha
				}
			}
			nextSample[p] += epochsPerSample[p]
			if opts.NegativeSampleRate <= 0 {
				continue
			}
			nNeg := int((float64(epoch) - nextNeg[p]) / epochsPerNeg[p])
			for s := 0; s < nNeg; s++ {
				k := r.Intn(n)
				if k == int(e.i) {
					continue
				}
				yk := y.RawRowView(k)
				d2 := sqDist(yi, yk)
				var coeff float64
				if d2 > 0 {
					coeff = 2 * opts.RepulsionStrength * b / ((0.001 + d2) * (a*math.Pow(d2, b) + 1))
				}
				for d := 0; d < dims; d++ {
					g := float64(gradClip)
					if coeff > 0 {
						g = clip(coeff * (yi[d] - yk[d]))
					}
					yi[d] += g * alpha
				}
			}
			nextNeg[p] += float64(nNeg) * epochsPerNeg[p]
		}
	}
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// FitAB fits the curve 1/(1+a*x^(2b)) to the target membership function that
// is 1 below minDist and decays as exp(-(x-minDist)/spread) beyond.
func FitAB(spread, minDist float64) (a, b float64, err error) {
	const nPoints = 300
	xs := make([]float64, nPoints)
	ys := make([]float64, nPoints)
	for i := range xs {
		xs[i] = spread * 3 * float64(i) / float64(nPoints-1)
		if xs[i] < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(xs[i] - minDist) / spread)
		}
	}
	p := optimize.Problem{
		Func: func(x []float64) float64 {
			if x[0] <= 0 || x[1] <= 0 {
				return math.Inf(1)
			}
			var sse float64
			for i, v := range xs {
				d := 1/(1+x[0]*math.Pow(v, 2*x[1])) - ys[i]
				sse += d * d
			}
			return sse
		},
	}
	res, err := optimize.Minimize(p, []float64{1, 1}, &optimize.Settings{MajorIterations: 5000}, &optimize.NelderMead{})
	if err != nil {
		return 0, 0, errors.E(err, "umap: fitting a, b")
	}
	return res.X[0], res.X[1], nil
}
