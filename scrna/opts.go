package scrna

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/scrna/knn"
	"github.com/grailbio/scrna/louvain"
	"github.com/grailbio/scrna/umap"
	"gopkg.in/yaml.v3"
)

// QCThresholds defines the cells kept by FilterCells. A cell is kept when
// MinFeatures < nFeature < MaxFeatures and its value in the Percent column is
// below MaxPercent. A zero MaxFeatures or MaxPercent disables that bound.
type QCThresholds struct {
	MinFeatures int     `yaml:"min_features"`
	MaxFeatures int     `yaml:"max_features"`
	Percent     string  `yaml:"percent_column"`
	MaxPercent  float64 `yaml:"max_percent"`
}

// MarkerOpts controls FindMarkers and FindAllMarkers.
type MarkerOpts struct {
	// MinPct is the minimum fraction of cells expressing a feature in either
	// group.
	MinPct float64 `yaml:"min_pct"`
	// LogFCThreshold is the minimum absolute average log2 fold change.
	LogFCThreshold float64 `yaml:"logfc_threshold"`
	// OnlyPos keeps only features up-regulated in the first group.
	OnlyPos bool `yaml:"only_pos"`
	// ReturnThresh is the maximum p-value reported by FindAllMarkers.
	ReturnThresh float64 `yaml:"return_thresh"`
}

// Opts holds every parameter of the pipeline. Run executes the stages with
// these values.
type Opts struct {
	// MinCells drops features detected in fewer cells when the analysis is
	// created.
	MinCells int `yaml:"min_cells"`
	// MinFeatures drops cells with fewer detected features when the analysis is
	// created.
	MinFeatures int `yaml:"min_features"`

	// MitoPattern selects the features summed into the QC percentage column
	// QC.Percent.
	MitoPattern string       `yaml:"mito_pattern"`
	QC          QCThresholds `yaml:"qc"`

	// Normalization is one of LogNormalize, RC, CLR.
	Normalization string  `yaml:"normalization"`
	ScaleFactor   float64 `yaml:"scale_factor"`

	// SelectionMethod is vst or dispersion.
	SelectionMethod string `yaml:"selection_method"`
	NFeatures       int    `yaml:"nfeatures"`
	// LoessSpan is the span of the vst mean-variance trend.
	LoessSpan float64 `yaml:"loess_span"`

	// ScaleMax clips scaled values from above. Zero disables clipping.
	ScaleMax float64 `yaml:"scale_max"`

	// NPCs is the number of principal components computed.
	NPCs    int   `yaml:"npcs"`
	PCASeed int64 `yaml:"pca_seed"`

	// DimsStart and DimsEnd select the components, 1-based and inclusive, used
	// by the neighbor graph and UMAP.
	DimsStart int     `yaml:"dims_start"`
	DimsEnd   int     `yaml:"dims_end"`
	K         int     `yaml:"k"`
	Prune     float64 `yaml:"prune"`

	Resolutions []float64 `yaml:"resolutions"`
	NStart      int       `yaml:"nstart"`
	NIter       int       `yaml:"niter"`
	ClusterSeed int64     `yaml:"cluster_seed"`
	// Ident is the clustering made active after FindClusters, e.g.
	// "snn_res.0.5". Empty selects the last resolution.
	Ident string `yaml:"ident"`

	UMAPNeighbors int     `yaml:"umap_neighbors"`
	UMAPMetric    string  `yaml:"umap_metric"`
	UMAPMinDist   float64 `yaml:"umap_min_dist"`
	UMAPSpread    float64 `yaml:"umap_spread"`
	UMAPEpochs    int     `yaml:"umap_epochs"`
	UMAPSeed      int64   `yaml:"umap_seed"`

	// FindMarkers runs FindAllMarkers on the active clustering at the end of
	// Run.
	FindMarkers bool       `yaml:"find_markers"`
	Markers     MarkerOpts `yaml:"markers"`
}

// DefaultOpts follows the standard PBMC clustering recipe.
var DefaultOpts = Opts{
	MinCells:    3,
	MinFeatures: 200,
	MitoPattern: "^MT-",
	QC: QCThresholds{
		MinFeatures: 200,
		MaxFeatures: 2500,
		Percent:     "percent.mt",
		MaxPercent:  5,
	},
	Normalization:   LogNormalize,
	ScaleFactor:     10000,
	SelectionMethod: VST,
	NFeatures:       2000,
	LoessSpan:       0.3,
	ScaleMax:        10,
	NPCs:            50,
	PCASeed:         42,
	DimsStart:       1,
	DimsEnd:         10,
	K:               20,
	Prune:           knn.DefaultPrune,
	Resolutions:     []float64{0.5},
	NStart:          louvain.DefaultOpts.NStart,
	NIter:           louvain.DefaultOpts.NIter,
	ClusterSeed:     louvain.DefaultOpts.Seed,
	UMAPNeighbors:   30,
	UMAPMetric:      knn.Cosine.String(),
	UMAPMinDist:     umap.DefaultOpts.MinDist,
	UMAPSpread:      umap.DefaultOpts.Spread,
	UMAPSeed:        umap.DefaultOpts.Seed,
	Markers: MarkerOpts{
		MinPct:         0.1,
		LogFCThreshold: 0.25,
		ReturnThresh:   0.01,
	},
}

// ReadOpts decodes a YAML parameter file into opts. Keys missing from the file
// leave the corresponding fields of opts unchanged; unknown keys are an
// error.
func ReadOpts(r io.Reader, opts *Opts) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && err != io.EOF {
		return errors.E(errors.Invalid, err, "scrna: parse parameters")
	}
	return nil
}

// LoadOpts reads the YAML parameter file at path into opts.
func LoadOpts(ctx context.Context, path string, opts *Opts) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "scrna: open parameters "+path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return ReadOpts(in.Reader(ctx), opts)
}

// Validate checks the parameters that don't depend on the data.
func (o *Opts) Validate() error {
	switch o.Normalization {
	case LogNormalize, RC, CLR:
	default:
		return errors.E(errors.Invalid, "scrna: unknown normalization method "+o.Normalization)
	}
	switch o.SelectionMethod {
	case VST, Dispersion:
	default:
		return errors.E(errors.Invalid, "scrna: unknown selection method "+o.SelectionMethod)
	}
	if _, err := knn.ParseMetric(o.UMAPMetric); err != nil {
		return err
	}
	if o.ScaleFactor <= 0 {
		return errors.E(errors.Invalid, "scrna: scale factor must be positive")
	}
	if o.NFeatures < 1 || o.NPCs < 1 {
		return errors.E(errors.Invalid, "scrna: nfeatures and npcs must be positive")
	}
	if o.DimsStart < 1 || o.DimsEnd < o.DimsStart || o.DimsEnd > o.NPCs {
		return errors.E(errors.Invalid, fmt.Sprintf("scrna: bad dimension range %d:%d with %d components", o.DimsStart, o.DimsEnd, o.NPCs))
	}
	if len(o.Resolutions) == 0 {
		return errors.E(errors.Invalid, "scrna: no clustering resolution")
	}
	for _, r := range o.Resolutions {
		if r <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("scrna: resolution must be positive, got %v", r))
		}
	}
	return nil
}
