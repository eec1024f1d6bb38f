package cmd

import (
	"context"
	"flag"
	"strconv"
	"strings"

	"github.com/grailbio/scrna/scrna"
)

// floatList is a comma-separated list of floats, e.g. "0.4,0.8,1.2".
type floatList []float64

func (l *floatList) String() string {
	s := make([]string, len(*l))
	for i, v := range *l {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(s, ",")
}

func (l *floatList) Set(s string) error {
	var v []float64
	for _, f := range strings.Split(s, ",") {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return err
		}
		v = append(v, x)
	}
	*l = v
	return nil
}

// pipelineFlags registers one flag per field of scrna.Opts. Parameters come
// from scrna.DefaultOpts, then the -config file, then the flags given on the
// command line.
type pipelineFlags struct {
	fs     *flag.FlagSet
	config *string
	// vals holds the parsed flag values.
	vals scrna.Opts
	// apply copies the value of a flag from vals.
	apply map[string]func(dst *scrna.Opts)
}

func newPipelineFlags(fs *flag.FlagSet) *pipelineFlags {
	f := &pipelineFlags{
		fs:     fs,
		config: fs.String("config", "", "YAML parameter file. Flags given on the command line override its values"),
		vals:   scrna.DefaultOpts,
		apply:  map[string]func(*scrna.Opts){},
	}
	f.vals.Resolutions = append([]float64(nil), scrna.DefaultOpts.Resolutions...)

	f.intVar("min-cells", func(o *scrna.Opts) *int { return &o.MinCells }, "Drop features detected in fewer cells when loading")
	f.intVar("min-features", func(o *scrna.Opts) *int { return &o.MinFeatures }, "Drop cells with fewer detected features when loading")
	f.stringVar("mito-pattern", func(o *scrna.Opts) *string { return &o.MitoPattern }, "Regexp selecting the features summed into the QC percentage column")
	f.intVar("qc-min-features", func(o *scrna.Opts) *int { return &o.QC.MinFeatures }, "Keep cells with more detected features")
	f.intVar("qc-max-features", func(o *scrna.Opts) *int { return &o.QC.MaxFeatures }, "Keep cells with fewer detected features; 0 disables")
	f.stringVar("qc-percent-column", func(o *scrna.Opts) *string { return &o.QC.Percent }, "Name of the QC percentage column")
	f.floatVar("qc-max-percent", func(o *scrna.Opts) *float64 { return &o.QC.MaxPercent }, "Keep cells below this QC percentage; 0 disables")
	f.stringVar("normalization", func(o *scrna.Opts) *string { return &o.Normalization }, "Normalization method: LogNormalize, RC or CLR")
	f.floatVar("scale-factor", func(o *scrna.Opts) *float64 { return &o.ScaleFactor }, "Per-cell total after normalization")
	f.stringVar("selection-method", func(o *scrna.Opts) *string { return &o.SelectionMethod }, "Variable feature method: vst or dispersion")
	f.intVar("nfeatures", func(o *scrna.Opts) *int { return &o.NFeatures }, "Number of variable features")
	f.floatVar("loess-span", func(o *scrna.Opts) *float64 { return &o.LoessSpan }, "Span of the vst mean-variance trend")
	f.floatVar("scale-max", func(o *scrna.Opts) *float64 { return &o.ScaleMax }, "Clip scaled values above this; 0 disables")
	f.intVar("npcs", func(o *scrna.Opts) *int { return &o.NPCs }, "Number of principal components")
	f.int64Var("pca-seed", func(o *scrna.Opts) *int64 { return &o.PCASeed }, "Seed of the randomized PCA")
	f.intVar("dims-start", func(o *scrna.Opts) *int { return &o.DimsStart }, "First component (1-based) used by the neighbor graph and UMAP")
	f.intVar("dims-end", func(o *scrna.Opts) *int { return &o.DimsEnd }, "Last component (1-based, inclusive) used by the neighbor graph and UMAP")
	f.intVar("k", func(o *scrna.Opts) *int { return &o.K }, "Number of nearest neighbors of the SNN graph, including the cell itself")
	f.floatVar("prune", func(o *scrna.Opts) *float64 { return &o.Prune }, "Drop SNN edges with a Jaccard index below this")
	f.fs.Var((*floatList)(&f.vals.Resolutions), "resolutions", "Comma-separated Louvain resolutions")
	f.apply["resolutions"] = func(o *scrna.Opts) { o.Resolutions = append([]float64(nil), f.vals.Resolutions...) }
	f.intVar("nstart", func(o *scrna.Opts) *int { return &o.NStart }, "Number of Louvain random starts")
	f.intVar("niter", func(o *scrna.Opts) *int { return &o.NIter }, "Maximum Louvain iterations per start")
	f.int64Var("cluster-seed", func(o *scrna.Opts) *int64 { return &o.ClusterSeed }, "Seed of the Louvain node order")
	f.stringVar("ident", func(o *scrna.Opts) *string { return &o.Ident }, `Active clustering, e.g. "snn_res.0.5". Empty selects the last resolution`)
	f.intVar("umap-neighbors", func(o *scrna.Opts) *int { return &o.UMAPNeighbors }, "Number of UMAP neighbors")
	f.stringVar("umap-metric", func(o *scrna.Opts) *string { return &o.UMAPMetric }, "UMAP distance: cosine or euclidean")
	f.floatVar("umap-min-dist", func(o *scrna.Opts) *float64 { return &o.UMAPMinDist }, "UMAP minimum distance")
	f.floatVar("umap-spread", func(o *scrna.Opts) *float64 { return &o.UMAPSpread }, "UMAP spread")
	f.intVar("umap-epochs", func(o *scrna.Opts) *int { return &o.UMAPEpochs }, "UMAP optimization epochs; 0 picks by cell count")
	f.int64Var("umap-seed", func(o *scrna.Opts) *int64 { return &o.UMAPSeed }, "Seed of the UMAP optimization")
	f.boolVar("find-markers", func(o *scrna.Opts) *bool { return &o.FindMarkers }, "Find the markers of every cluster and write markers.tsv")
	f.floatVar("markers-min-pct", func(o *scrna.Opts) *float64 { return &o.Markers.MinPct }, "Minimum fraction of expressing cells in either group")
	f.floatVar("markers-logfc", func(o *scrna.Opts) *float64 { return &o.Markers.LogFCThreshold }, "Minimum absolute average log2 fold change")
	f.boolVar("markers-only-pos", func(o *scrna.Opts) *bool { return &o.Markers.OnlyPos }, "Report only up-regulated markers")
	f.floatVar("markers-return-thresh", func(o *scrna.Opts) *float64 { return &o.Markers.ReturnThresh }, "Maximum reported marker p-value")
	return f
}

func (f *pipelineFlags) intVar(name string, field func(*scrna.Opts) *int, usage string) {
	f.fs.IntVar(field(&f.vals), name, *field(&scrna.DefaultOpts), usage)
	f.apply[name] = func(o *scrna.Opts) { *field(o) = *field(&f.vals) }
}

func (f *pipelineFlags) int64Var(name string, field func(*scrna.Opts) *int64, usage string) {
	f.fs.Int64Var(field(&f.vals), name, *field(&scrna.DefaultOpts), usage)
	f.apply[name] = func(o *scrna.Opts) { *field(o) = *field(&f.vals) }
}

func (f *pipelineFlags) floatVar(name string, field func(*scrna.Opts) *float64, usage string) {
	f.fs.Float64Var(field(&f.vals), name, *field(&scrna.DefaultOpts), usage)
	f.apply[name] = func(o *scrna.Opts) { *field(o) = *field(&f.vals) }
}

func (f *pipelineFlags) stringVar(name string, field func(*scrna.Opts) *string, usage string) {
	f.fs.StringVar(field(&f.vals), name, *field(&scrna.DefaultOpts), usage)
	f.apply[name] = func(o *scrna.Opts) { *field(o) = *field(&f.vals) }
}

func (f *pipelineFlags) boolVar(name string, field func(*scrna.Opts) *bool, usage string) {
	f.fs.BoolVar(field(&f.vals), name, *field(&scrna.DefaultOpts), usage)
	f.apply[name] = func(o *scrna.Opts) { *field(o) = *field(&f.vals) }
}

// opts returns the validated parameters. It must be called after the flags
// are parsed.
func (f *pipelineFlags) opts(ctx context.Context) (scrna.Opts, error) {
	opts := scrna.DefaultOpts
	opts.Resolutions = append([]float64(nil), scrna.DefaultOpts.Resolutions...)
	if *f.config != "" {
		if err := scrna.LoadOpts(ctx, *f.config, &opts); err != nil {
			return opts, err
		}
	}
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, ok := f.apply[fl.Name]; ok {
			apply(&opts)
		}
	})
	return opts, opts.Validate()
}

// subsetFlags select the cells loaded from the input.
type subsetFlags struct {
	barcodes       *string
	snap           *bool
	downsample     *float64
	downsampleSeed *uint64
}

func newSubsetFlags(fs *flag.FlagSet) subsetFlags {
	return subsetFlags{
		barcodes:       fs.String("barcodes", "", "TSV file with a 'barcode' column. Only the listed cells are analyzed"),
		snap:           fs.Bool("barcodes-snap", false, "Correct listed barcodes that are one substitution away from a single barcode of the input"),
		downsample:     fs.Float64("downsample", 1, "Analyze about this fraction of the cells"),
		downsampleSeed: fs.Uint64("downsample-seed", 0, "Seed of the barcode hash used by -downsample"),
	}
}

// outputFlags control the files written by run and qc.
type outputFlags struct {
	format      *string
	bgzip       *bool
	parallelism *int
}

func newOutputFlags(fs *flag.FlagSet) outputFlags {
	return outputFlags{
		format:      fs.String("plot-format", "png", "Figure format: png, svg, pdf, jpg, eps or tif"),
		bgzip:       fs.Bool("bgzip", false, "Compress the TSV tables with bgzf"),
		parallelism: fs.Int("parallelism", 1, "Number of bgzf compression goroutines"),
	}
}

func (o outputFlags) tableOpts() scrna.TableOpts {
	return scrna.TableOpts{Bgzip: *o.bgzip, Parallelism: *o.parallelism}
}

// table returns the name of a TSV table.
func (o outputFlags) table(base string) string {
	if *o.bgzip {
		return base + ".tsv.gz"
	}
	return base + ".tsv"
}

// figure returns the name of a figure.
func (o outputFlags) figure(base string) string {
	return base + "." + *o.format
}
