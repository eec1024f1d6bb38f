package scrna

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/knn"
	"github.com/grailbio/scrna/louvain"
	"gonum.org/v1/gonum/mat"
)

// pcaDims returns the cell embeddings restricted to the 1-based inclusive
// component range [start, end].
func (a *Analysis) pcaDims(op string, start, end int) (*mat.Dense, error) {
	if a.PCA == nil {
		return nil, errors.E(errors.Precondition, "scrna: "+op+" requires principal components; run RunPCA first")
	}
	_, k := a.PCA.Embeddings.Dims()
	if start < 1 || end < start || end > k {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("scrna: %s: dimensions %d:%d outside the %d computed components", op, start, end, k))
	}
	return mat.DenseCopyOf(a.PCA.Embeddings.Slice(0, a.NumCells(), start-1, end)), nil
}

// FindNeighbors builds the k-nearest-neighbor graph (self included) of the
// cells on principal components start..end (1-based, inclusive) and the
// shared-nearest-neighbor graph pruned at prune.
func (a *Analysis) FindNeighbors(start, end, k int, prune float64) error {
	x, err := a.pcaDims("FindNeighbors", start, end)
	if err != nil {
		return err
	}
	if k < 2 || k >= a.NumCells() {
		return errors.E(errors.Invalid, fmt.Sprintf("scrna: k=%d must be in [2, %d)", k, a.NumCells()))
	}
	a.invalidate(stageNeighbors)
	nb, err := knn.Find(x, k, knn.Euclidean)
	if err != nil {
		return err
	}
	snn, err := knn.SNN(nb, prune)
	if err != nil {
		return err
	}
	a.Neighbors, a.SNN, a.Dims = nb, snn, [2]int{start, end}
	log.Printf("scrna: SNN graph on PCs %d:%d with k=%d: %d edges", start, end, k, snn.NumEdges())
	return nil
}

// ClusteringName returns the cell column name of the clustering at resolution
// r.
func ClusteringName(r float64) string {
	return "snn_res." + strconv.FormatFloat(r, 'g', -1, 64)
}

// FindClusters runs Louvain modularity optimization on the SNN graph at every
// resolution. Each resolution adds (or replaces) one clustering. The last one
// becomes active.
func (a *Analysis) FindClusters(resolutions []float64, nStart, nIter int, seed int64) error {
	if a.SNN == nil {
		return errors.E(errors.Precondition, "scrna: FindClusters requires the SNN graph; run FindNeighbors first")
	}
	if len(resolutions) == 0 {
		return errors.E(errors.Invalid, "scrna: no clustering resolution")
	}
	a.invalidate(stageMarkers)
	for _, r := range resolutions {
		res, err := louvain.Cluster(a.SNN, louvain.Opts{Resolution: r, NStart: nStart, NIter: nIter, Seed: seed})
		if err != nil {
			return err
		}
		c := Clustering{
			Name:       ClusteringName(r),
			Resolution: r,
			Labels:     res.Labels,
			Modularity: res.Modularity,
			Idents:     make([]string, res.NClusters),
		}
		for i := range c.Idents {
			c.Idents[i] = strconv.Itoa(i)
		}
		a.Active = a.addClustering(c)
		log.Printf("scrna: %s: %d clusters, modularity %.4f", c.Name, res.NClusters, res.Modularity)
	}
	return nil
}

func (a *Analysis) addClustering(c Clustering) int {
	for i := range a.Clusterings {
		if a.Clusterings[i].Name == c.Name {
			a.Clusterings[i] = c
			return i
		}
	}
	a.Clusterings = append(a.Clusterings, c)
	return len(a.Clusterings) - 1
}

// SetIdent makes the named clustering active.
func (a *Analysis) SetIdent(name string) error {
	for i, c := range a.Clusterings {
		if c.Name == name {
			if a.Active != i {
				a.Active = i
				a.Markers = nil
			}
			return nil
		}
	}
	names := make([]string, len(a.Clusterings))
	for i, c := range a.Clusterings {
		names[i] = c.Name
	}
	return errors.E(errors.NotExist, fmt.Sprintf("scrna: no clustering %q; have %v", name, names))
}

// ActiveClustering returns the active clustering.
func (a *Analysis) ActiveClustering() (*Clustering, error) {
	if a.Active < 0 || a.Active >= len(a.Clusterings) {
		return nil, errors.E(errors.Precondition, "scrna: no active clustering; run FindClusters first")
	}
	return &a.Clusterings[a.Active], nil
}

// Idents returns the identity of every cell under the active clustering.
func (a *Analysis) Idents() ([]string, error) {
	c, err := a.ActiveClustering()
	if err != nil {
		return nil, err
	}
	idents := make([]string, len(c.Labels))
	for i, l := range c.Labels {
		idents[i] = c.Idents[l]
	}
	return idents, nil
}

// RenameIdents renames clusters of the active clustering. Keys are current
// identities. Renaming two clusters to the same name merges them for display
// and marker detection.
func (a *Analysis) RenameIdents(names map[string]string) error {
	c, err := a.ActiveClustering()
	if err != nil {
		return err
	}
	index := make(map[string][]int)
	for i, id := range c.Idents {
		index[id] = append(index[id], i)
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := index[k]; !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("scrna: no identity %q in %s", k, c.Name))
		}
	}
	for _, k := range keys {
		for _, i := range index[k] {
			c.Idents[i] = names[k]
		}
	}
	a.Markers = nil
	return nil
}

// IdentLevels returns the distinct identities of the active clustering in
// cluster order.
func (a *Analysis) IdentLevels() ([]string, error) {
	c, err := a.ActiveClustering()
	if err != nil {
		return nil, err
	}
	var levels []string
	seen := map[string]bool{}
	for _, id := range c.Idents {
		if !seen[id] {
			seen[id] = true
			levels = append(levels, id)
		}
	}
	return levels, nil
}
