// Package knn computes exact k-nearest-neighbor lists over the rows of a dense
// embedding, and the shared-nearest-neighbor (SNN) graph derived from them.
package knn

import (
	"container/heap"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Metric selects the distance between two embedding rows.
type Metric int

const (
	// Euclidean is the L2 distance.
	Euclidean Metric = iota
	// Cosine is 1 - cos(angle).
	Cosine
)

// String implements fmt.Stringer.
func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	}
	return "unknown"
}

// ParseMetric parses the output of Metric.String.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "euclidean":
		return Euclidean, nil
	case "cosine":
		return Cosine, nil
	}
	return 0, errors.E(errors.Invalid, "knn: unknown metric "+s)
}

// Neighbors holds the k nearest neighbors of every row. Each row is its own
// first neighbor at distance zero.
type Neighbors struct {
	K int
	// Index[i] lists the neighbors of row i in increasing distance, ties broken
	// by row index.
	Index [][]int32
	// Dist[i][j] is the distance between row i and row Index[i][j].
	Dist [][]float64
}

// Len returns the number of rows.
func (nb *Neighbors) Len() int { return len(nb.Index) }

// candidate is a heap entry. The heap is a max-heap on (dist, idx) so the worst
// of the current k best sits on top.
type candidate struct {
	dist float64
	idx  int32
}

type candidateHeap []candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].idx > h[j].idx
}
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// queryShard is the number of query rows handled by one traverse task.
const queryShard = 64

// Find returns the exact k nearest neighbors (including self) of every row of
// x. Queries run in parallel. The result doesn't depend on the scheduling.
func Find(x *mat.Dense, k int, metric Metric) (*Neighbors, error) {
	n, dim := x.Dims()
	if k < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("knn: k must be positive, got %d", k))
	}
	if k > n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("knn: k=%d exceeds the number of rows %d", k, n))
	}
	if metric != Euclidean && metric != Cosine {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("knn: unknown metric %d", int(metric)))
	}
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = x.RawRowView(i)
	}
	if metric == Cosine {
		// Cosine distance on unit vectors reduces to a dot product.
		for i := range rows {
			r := append([]float64(nil), rows[i]...)
			if norm := floats.Norm(r, 2); norm > 0 {
				floats.Scale(1/norm, r)
			}
			rows[i] = r
		}
	}
	nb := &Neighbors{
		K:     k,
		Index: make([][]int32, n),
		Dist:  make([][]float64, n),
	}
	nShards := (n + queryShard - 1) / queryShard
	err := traverse.Each(nShards, func(s int) error {
		h := make(candidateHeap, 0, k+1)
		end := (s + 1) * queryShard
		if end > n {
			end = n
		}
		for i := s * queryShard; i < end; i++ {
			h = h[:0]
			q := rows[i]
			for j := 0; j < n; j++ {
				// Self sorts ahead of exact duplicates.
				d := -1.0
				if j != i {
					d = distance(metric, q, rows[j])
				}
				c := candidate{dist: d, idx: int32(j)}
				if len(h) < k {
					heap.Push(&h, c)
				} else if c.dist < h[0].dist || (c.dist == h[0].dist && c.idx < h[0].idx) {
					h[0] = c
					heap.Fix(&h, 0)
				}
			}
			idx := make([]int32, len(h))
			dist := make([]float64, len(h))
			for p := len(h) - 1; p >= 0; p-- {
				c := heap.Pop(&h).(candidate)
				idx[p], dist[p] = c.idx, math.Max(c.dist, 0)
			}
			nb.Index[i], nb.Dist[i] = idx, dist
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("knn: found %d neighbors for %d rows of dimension %d (%v)", k, n, dim, metric)
	return nb, nil
}

func distance(metric Metric, a, b []float64) float64 {
	if metric == Cosine {
		d := 1 - floats.Dot(a, b)
		if d < 0 {
			d = 0
		}
		return d
	}
	var s float64
	for i, v := range a {
		d := v - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}
