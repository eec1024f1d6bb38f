package scrna

import (
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/umap"
)

// UMAPOpts returns the layout parameters of o.
func (o *Opts) UMAPOpts() umap.Opts {
	u := umap.DefaultOpts
	u.MinDist = o.UMAPMinDist
	u.Spread = o.UMAPSpread
	u.Epochs = o.UMAPEpochs
	u.Seed = o.UMAPSeed
	return u
}

// Annotate adds the QC percentage column of opts to a.
func Annotate(a *Analysis, opts Opts) error {
	if opts.QC.Percent == "" || opts.MitoPattern == "" {
		return nil
	}
	return a.PercentageFeatureSet(opts.QC.Percent, opts.MitoPattern)
}

// Run executes the pipeline on a: QC annotation, cell filtering,
// normalization, variable feature selection, scaling, PCA, the neighbor
// graph, clustering at every resolution and UMAP, then marker detection if
// opts.FindMarkers is set. It stops at the first error.
func Run(a *Analysis, opts Opts) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"annotate", func() error { return Annotate(a, opts) }},
		{"filter", func() error { return a.FilterCells(opts.QC) }},
		{"normalize", func() error { return a.NormalizeData(opts.Normalization, opts.ScaleFactor) }},
		{"variable features", func() error {
			return a.FindVariableFeatures(opts.SelectionMethod, opts.NFeatures, opts.LoessSpan)
		}},
		{"scale", func() error { return a.ScaleData(opts.ScaleMax) }},
		{"pca", func() error { return a.RunPCA(opts.NPCs, opts.PCASeed) }},
		{"neighbors", func() error { return a.FindNeighbors(opts.DimsStart, opts.DimsEnd, opts.K, opts.Prune) }},
		{"clusters", func() error {
			if err := a.FindClusters(opts.Resolutions, opts.NStart, opts.NIter, opts.ClusterSeed); err != nil {
				return err
			}
			if opts.Ident != "" {
				return a.SetIdent(opts.Ident)
			}
			return nil
		}},
		{"umap", func() error {
			return a.RunUMAP(opts.DimsStart, opts.DimsEnd, opts.UMAPNeighbors, opts.UMAPMetric, opts.UMAPOpts())
		}},
	}
	if opts.FindMarkers {
		steps = append(steps, struct {
			name string
			fn   func() error
		}{"markers", func() error {
			if levels, _ := a.IdentLevels(); len(levels) < 2 {
				log.Error.Printf("scrna: a single cluster; skipping markers")
				return nil
			}
			_, err := a.FindAllMarkers(opts.Markers)
			return err
		}})
	}
	for _, s := range steps {
		start := time.Now()
		if err := s.fn(); err != nil {
			return err
		}
		log.Printf("scrna: %s done in %v", s.name, time.Since(start))
	}
	return nil
}
