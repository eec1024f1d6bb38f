// Package louvain partitions a weighted undirected graph by maximizing
// modularity with a resolution parameter using the Louvain method (Blondel et
// al. 2008). The modularity of a partition is
//
//	Q = 1/2m Σ_c [ Σ_{i,j in c} A_ij - γ (Σ_{i in c} k_i)^2 / 2m ]
//
// where k_i is the weighted degree of node i and 2m = Σ_i k_i.
package louvain

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Graph is the input graph. Every undirected edge must be reported from both
// endpoints with the same weight.
type Graph interface {
	Len() int
	Edges(i int) ([]int32, []float64)
}

// Opts controls Cluster.
type Opts struct {
	// Resolution γ. Larger values give more, smaller clusters.
	Resolution float64
	// NStart is the number of random starts. The best partition is kept.
	NStart int
	// NIter is the maximum number of Louvain passes per start. Each pass
	// starts from the partition of the previous one.
	NIter int
	// Seed of the node-order shuffles.
	Seed int64
}

// DefaultOpts matches the usual single-cell clustering settings.
var DefaultOpts = Opts{
	Resolution: 0.8,
	NStart:     10,
	NIter:      10,
	Seed:       0,
}

// Result is the output of Cluster.
type Result struct {
	// Labels[i] is the cluster of node i. Clusters are numbered 0..NClusters-1
	// in decreasing size, ties broken by smallest member.
	Labels     []int
	NClusters  int
	Modularity float64
}

// level is a (possibly aggregated) graph in CSR form.
type level struct {
	start []int
	to    []int32
	w     []float64
	// self[i] is the weight of the self loop of node i, counting both
	// directions of every internal edge of the nodes it aggregates.
	self []float64
	// k[i] is the weighted degree, self loop included.
	k []float64
}

func (l *level) n() int { return len(l.k) }

func newLevel(g Graph) (*level, error) {
	n := g.Len()
	l := &level{
		start: make([]int, n+1),
		self:  make([]float64, n),
		k:     make([]float64, n),
	}
	for i := 0; i < n; i++ {
		adj, w := g.Edges(i)
		if len(adj) != len(w) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("louvain: node %d has mismatched edge lists", i))
		}
		for p, j := range adj {
			if int(j) < 0 || int(j) >= n {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("louvain: node %d has edge to %d, out of range", i, j))
			}
			if w[p] < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("louvain: negative edge weight at node %d", i))
			}
			if int(j) == i {
				l.self[i] += w[p]
			} else {
				l.to = append(l.to, j)
				l.w = append(l.w, w[p])
			}
			l.k[i] += w[p]
		}
		l.start[i+1] = len(l.to)
	}
	return l, nil
}

// aggregate collapses the nodes of l by community. comm must be numbered
// 0..nc-1.
func (l *level) aggregate(comm []int32, nc int) *level {
	agg := &level{
		start: make([]int, nc+1),
		self:  make([]float64, nc),
		k:     make([]float64, nc),
	}
	members := make([][]int, nc)
	for i, c := range comm {
		members[c] = append(members[c], i)
		agg.k[c] += l.k[i]
		agg.self[c] += l.self[i]
	}
	weight := make([]float64, nc)
	var touched []int32
	for c := 0; c < nc; c++ {
		touched = touched[:0]
		for _, i := range members[c] {
			for p := l.start[i]; p < l.start[i+1]; p++ {
				d := comm[l.to[p]]
				if int(d) == c {
					agg.self[c] += l.w[p]
					continue
				}
				if weight[d] == 0 {
					touched = append(touched, d)
				}
				weight[d] += l.w[p]
			}
		}
		sort.Slice(touched, func(a, b int) bool { return touched[a] < touched[b] })
		for _, d := range touched {
			agg.to = append(agg.to, d)
			agg.w = append(agg.w, weight[d])
			weight[d] = 0
		}
		agg.start[c+1] = len(agg.to)
	}
	return agg
}

// moveNodes runs the local moving phase on l starting from comm, which is
// updated in place. It reports whether any node changed community.
func (l *level) moveNodes(comm []int32, gamma, m2 float64, r *rand.Rand) bool {
	n := l.n()
	tot := make([]float64, n)
	for i, c := range comm {
		tot[c] += l.k[i]
	}
	weight := make([]float64, n)
	var touched []int32
	changed := false
	for {
		moved := false
		for _, i := range r.Perm(n) {
			ci := comm[i]
			touched = touched[:0]
			for p := l.start[i]; p < l.start[i+1]; p++ {
				c := comm[l.to[p]]
				if weight[c] == 0 {
					touched = append(touched, c)
				}
				weight[c] += l.w[p]
			}
			tot[ci] -= l.k[i]
			best := ci
			bestGain := weight[ci] - gamma*l.k[i]*tot[ci]/m2
			for _, c := range touched {
				gain := weight[c] - gamma*l.k[i]*tot[c]/m2
				if gain > bestGain+1e-12 {
					best, bestGain = c, gain
				}
			}
			for _, c := range touched {
				weight[c] = 0
			}
			tot[best] += l.k[i]
			if best != ci {
				comm[i] = best
				moved, changed = true, true
			}
		}
		if !moved {
			return changed
		}
	}
}

// renumber maps community ids to 0..nc-1 in order of first appearance.
func renumber(comm []int32) int {
	ids := make(map[int32]int32)
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = int32(len(ids))
			ids[c] = id
		}
		comm[i] = id
	}
	return len(ids)
}

// modularity computes Q for a partition of the nodes of l.
func (l *level) modularity(comm []int32, gamma, m2 float64) float64 {
	if m2 == 0 {
		return 0
	}
	n := l.n()
	in := make([]float64, n)
	tot := make([]float64, n)
	for i := 0; i < n; i++ {
		c := comm[i]
		tot[c] += l.k[i]
		in[c] += l.self[i]
		for p := l.start[i]; p < l.start[i+1]; p++ {
			if comm[l.to[p]] == c {
				in[c] += l.w[p]
			}
		}
	}
	var q float64
	for c := range in {
		q += in[c] - gamma*tot[c]*tot[c]/m2
	}
	return q / m2
}

// louvain runs one multi-level Louvain pass starting from comm (over the
// nodes of base). It returns the new partition of the base nodes.
func louvain(base *level, comm []int32, gamma, m2 float64, r *rand.Rand) []int32 {
	result := append([]int32(nil), comm...)
	l := base
	cur := append([]int32(nil), comm...)
	for {
		l.moveNodes(cur, gamma, m2, r)
		nc := renumber(cur)
		if l != base {
			for i, c := range result {
				result[i] = cur[c]
			}
		} else {
			copy(result, cur)
		}
		if nc == l.n() {
			return result
		}
		l = l.aggregate(cur, nc)
		cur = make([]int32, nc)
		for i := range cur {
			cur[i] = int32(i)
		}
	}
}

// Cluster partitions g.
func Cluster(g Graph, opts Opts) (Result, error) {
	if opts.Resolution <= 0 {
		return Result{}, errors.E(errors.Invalid, fmt.Sprintf("louvain: resolution must be positive, got %v", opts.Resolution))
	}
	if opts.NStart < 1 || opts.NIter < 1 {
		return Result{}, errors.E(errors.Invalid, "louvain: NStart and NIter must be positive")
	}
	base, err := newLevel(g)
	if err != nil {
		return Result{}, err
	}
	n := base.n()
	var m2 float64
	for _, k := range base.k {
		m2 += k
	}
	if m2 == 0 {
		// No edges: every node is its own cluster.
		comm := make([]int32, n)
		for i := range comm {
			comm[i] = int32(i)
		}
		labels, nc := sortBySize(comm)
		return Result{Labels: labels, NClusters: nc}, nil
	}
	var (
		best  []int32
		bestQ float64
	)
	for s := 0; s < opts.NStart; s++ {
		r := rand.New(rand.NewSource(opts.Seed + int64(s)))
		comm := make([]int32, n)
		for i := range comm {
			comm[i] = int32(i)
		}
		q := base.modularity(comm, opts.Resolution, m2)
		for it := 0; it < opts.NIter; it++ {
			next := louvain(base, comm, opts.Resolution, m2, r)
			nq := base.modularity(next, opts.Resolution, m2)
			if nq <= q+1e-12 {
				break
			}
			comm, q = next, nq
		}
		log.Debug.Printf("louvain: start %d: modularity %.6f", s, q)
		if best == nil || q > bestQ+1e-12 {
			best, bestQ = comm, q
		}
	}
	labels, nc := sortBySize(best)
	log.Debug.Printf("louvain: %d nodes, resolution %v: %d clusters, modularity %.6f", n, opts.Resolution, nc, bestQ)
	return Result{Labels: labels, NClusters: nc, Modularity: bestQ}, nil
}

// sortBySize renumbers clusters by decreasing size, ties broken by smallest
// member.
func sortBySize(comm []int32) ([]int, int) {
	type cluster struct {
		id, size, first int
	}
	byID := map[int32]*cluster{}
	var clusters []*cluster
	for i, c := range comm {
		cl, ok := byID[c]
		if !ok {
			cl = &cluster{id: int(c), first: i}
			byID[c] = cl
			clusters = append(clusters, cl)
		}
		cl.size++
	}
	sort.Slice(clusters, func(a, b int) bool {
		if clusters[a].size != clusters[b].size {
			return clusters[a].size > clusters[b].size
		}
		return clusters[a].first < clusters[b].first
	})
	label := make(map[int32]int, len(clusters))
	for i, cl := range clusters {
		label[int32(cl.id)] = i
	}
	labels := make([]int, len(comm))
	for i, c := range comm {
		labels[i] = label[c]
	}
	return labels, len(clusters)
}
