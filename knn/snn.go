package knn

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
)

// DefaultPrune is the Jaccard index below which SNN edges are dropped.
const DefaultPrune = 1.0 / 15

// Graph is an undirected weighted graph in adjacency-list form. Both
// directions of every edge are stored. There are no self loops.
type Graph struct {
	Adj [][]int32
	W   [][]float64
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Adj) }

// Edges returns the neighbors of node i and the edge weights, sorted by
// neighbor.
func (g *Graph) Edges(i int) ([]int32, []float64) { return g.Adj[i], g.W[i] }

// NumEdges returns the number of undirected edges.
func (g *Graph) NumEdges() int {
	n := 0
	for _, a := range g.Adj {
		n += len(a)
	}
	return n / 2
}

// SNN builds the shared-nearest-neighbor graph of nb. Two rows are connected
// when their neighbor lists intersect; the weight is the Jaccard index
// s/(2k-s) of the two lists, where s is the size of the intersection. Edges
// with weight below prune are dropped.
func SNN(nb *Neighbors, prune float64) (*Graph, error) {
	if prune < 0 || prune > 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("knn: prune must be in [0, 1], got %v", prune))
	}
	n, k := nb.Len(), nb.K
	rev := make([][]int32, n)
	for i, idx := range nb.Index {
		for _, v := range idx {
			rev[v] = append(rev[v], int32(i))
		}
	}
	g := &Graph{
		Adj: make([][]int32, n),
		W:   make([][]float64, n),
	}
	nShards := (n + queryShard - 1) / queryShard
	err := traverse.Each(nShards, func(s int) error {
		count := make([]int32, n)
		var touched []int32
		end := (s + 1) * queryShard
		if end > n {
			end = n
		}
		for i := s * queryShard; i < end; i++ {
			touched = touched[:0]
			for _, v := range nb.Index[i] {
				for _, j := range rev[v] {
					if count[j] == 0 {
						touched = append(touched, j)
					}
					count[j]++
				}
			}
			sort.Slice(touched, func(a, b int) bool { return touched[a] < touched[b] })
			for _, j := range touched {
				c := float64(count[j])
				count[j] = 0
				if int(j) == i {
					continue
				}
				w := c / (float64(2*k) - c)
				if w < prune {
					continue
				}
				g.Adj[i] = append(g.Adj[i], j)
				g.W[i] = append(g.W[i], w)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("knn: SNN graph with %d nodes, %d edges (k=%d, prune=%.4f)", n, g.NumEdges(), k, prune)
	return g, nil
}
