// Package loess fits locally weighted polynomial regressions (Cleveland's
// LOESS) of one predictor. Each fitted value is the intercept of a weighted
// least-squares polynomial centered at the query point, using the
// span*n nearest observations and tricube weights.
package loess

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/mat"
)

// Opts controls Fit.
type Opts struct {
	// Span is the fraction of observations used for each local fit, in (0, 1].
	Span float64
	// Degree of the local polynomial: 0, 1 or 2.
	Degree int
}

// DefaultOpts is the setting used for the mean-variance trend of variable
// feature selection.
var DefaultOpts = Opts{
	Span:   0.3,
	Degree: 2,
}

// Model is a fitted loess curve.
type Model struct {
	opts Opts
	// Observations sorted by x.
	xs, ys []float64
	// q is the number of observations in each local neighborhood.
	q      int
	fitted []float64
}

// Fit fits y ~ x. x and y must have the same length and contain only finite
// values.
func Fit(x, y []float64, opts Opts) (*Model, error) {
	n := len(x)
	if n != len(y) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("loess: x and y lengths differ: %d, %d", n, len(y)))
	}
	if opts.Degree < 0 || opts.Degree > 2 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("loess: degree must be 0, 1 or 2, got %d", opts.Degree))
	}
	if opts.Span <= 0 || opts.Span > 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("loess: span must be in (0, 1], got %v", opts.Span))
	}
	if n <= opts.Degree {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("loess: too few observations: %d", n))
	}
	for i := range x {
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) || math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("loess: non-finite observation at index %d", i))
		}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]] < x[order[b]] })
	m := &Model{
		opts: opts,
		xs:   make([]float64, n),
		ys:   make([]float64, n),
		q:    int(math.Floor(opts.Span * float64(n))),
	}
	if m.q < opts.Degree+1 {
		m.q = opts.Degree + 1
	}
	for i, o := range order {
		m.xs[i] = x[o]
		m.ys[i] = y[o]
	}
	m.fitted = make([]float64, n)
	const shard = 256
	err := traverse.Each((n+shard-1)/shard, func(s int) error {
		end := (s + 1) * shard
		if end > n {
			end = n
		}
		for i := s * shard; i < end; i++ {
			m.fitted[order[i]] = m.predictNear(m.xs[i], i)
		}
		return nil
	})
	return m, err
}

// Fitted returns the fitted values, in the order of the observations passed to
// Fit.
func (m *Model) Fitted() []float64 { return m.fitted }

// Predict evaluates the curve at x0. Outside the observed range the local fit
// at the nearest boundary neighborhood is extrapolated.
func (m *Model) Predict(x0 float64) float64 {
	return m.predictNear(x0, sort.SearchFloat64s(m.xs, x0))
}

// window returns the start of the q consecutive sorted observations closest to
// x0, given a position hint.
func (m *Model) window(x0 float64, hint int) int {
	n, q := len(m.xs), m.q
	lo := hint - q/2
	if lo < 0 {
		lo = 0
	}
	if lo > n-q {
		lo = n - q
	}
	for lo > 0 && x0-m.xs[lo-1] < m.xs[lo+q-1]-x0 {
		lo--
	}
	for lo+q < n && m.xs[lo+q]-x0 < x0-m.xs[lo] {
		lo++
	}
	return lo
}

func (m *Model) predictNear(x0 float64, hint int) float64 {
	lo := m.window(x0, hint)
	hi := lo + m.q
	d := math.Max(x0-m.xs[lo], m.xs[hi-1]-x0)
	if m.q == len(m.xs) && m.opts.Span == 1 {
		// Full span: widen slightly so the farthest point keeps a positive weight.
		d *= 1.0001
	}
	var (
		s [5]float64 // Σ w u^k, k = 0..4
		t [3]float64 // Σ w y u^k, k = 0..2
	)
	for i := lo; i < hi; i++ {
		u := m.xs[i] - x0
		w := 1.0
		if d > 0 {
			w = tricube(math.Abs(u) / d)
		}
		if w == 0 {
			continue
		}
		wu := w
		for k := 0; k < 5; k++ {
			s[k] += wu
			if k < 3 {
				t[k] += wu * m.ys[i]
			}
			wu *= u
		}
	}
	for deg := m.opts.Degree; deg >= 0; deg-- {
		if v, ok := solveIntercept(s[:], t[:], deg); ok {
			return v
		}
	}
	return math.NaN()
}

// solveIntercept solves the weighted normal equations of a degree-deg
// polynomial in centered coordinates and returns its constant term.
func solveIntercept(s, t []float64, deg int) (float64, bool) {
	p := deg + 1
	if s[0] == 0 {
		return 0, false
	}
	if p == 1 {
		return t[0] / s[0], true
	}
	a := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			a.SetSym(i, j, s[i+j])
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return 0, false
	}
	if chol.Cond() > 1e12 {
		return 0, false
	}
	var beta mat.VecDense
	if err := chol.SolveVecTo(&beta, mat.NewVecDense(p, append([]float64(nil), t[:p]...))); err != nil {
		return 0, false
	}
	return beta.AtVec(0), true
}

func tricube(u float64) float64 {
	if u >= 1 {
		return 0
	}
	v := 1 - u*u*u
	return v * v * v
}
