package scrna

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/knn"
	"github.com/grailbio/scrna/umap"
	"gonum.org/v1/gonum/mat"
)

// RunUMAP embeds the cells in opts.Dims dimensions from their nNeighbors
// nearest neighbors (self included) on principal components start..end. The
// layout starts from the leading components of that range. The result is for
// display only; no other stage reads it.
func (a *Analysis) RunUMAP(start, end, nNeighbors int, metric string, opts umap.Opts) error {
	x, err := a.pcaDims("RunUMAP", start, end)
	if err != nil {
		return err
	}
	m, err := knn.ParseMetric(metric)
	if err != nil {
		return err
	}
	if _, c := x.Dims(); c < opts.Dims {
		return errors.E(errors.Invalid,
			fmt.Sprintf("scrna: RunUMAP: %d components cannot seed a %d-dimensional layout", c, opts.Dims))
	}
	if nNeighbors < 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("scrna: RunUMAP: need at least 2 neighbors, got %d", nNeighbors))
	}
	if nNeighbors > a.NumCells() {
		log.Error.Printf("scrna: RunUMAP: %d neighbors requested for %d cells", nNeighbors, a.NumCells())
		nNeighbors = a.NumCells()
	}
	a.UMAP = nil
	nb, err := knn.Find(x, nNeighbors, m)
	if err != nil {
		return err
	}
	init := mat.DenseCopyOf(x.Slice(0, a.NumCells(), 0, opts.Dims))
	y, err := umap.Embed(nb, init, opts)
	if err != nil {
		return err
	}
	a.UMAP = y
	log.Printf("scrna: UMAP of %d cells on PCs %d:%d, %d neighbors (%v)", a.NumCells(), start, end, nNeighbors, m)
	return nil
}
