package cmd

import (
	"context"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/scplot"
	"github.com/grailbio/scrna/scrna"
)

// Output names under the output directory.
const (
	qcViolinBase    = "qc_violin"
	qcScatterBase   = "qc_scatter"
	variableBase    = "variable_features"
	elbowBase       = "elbow"
	pcaHeatmapBase  = "pca_heatmap"
	pcaBase         = "pca"
	umapBase        = "umap"
	featuresBase    = "features"
	featuresVlnBase = "features_violin"
	cellsBase       = "cells"
	markersBase     = "markers"
	snapshotBase    = "analysis" + scrna.SnapshotSuffix

	variableLabels  = 10
	heatmapDims     = 6
	heatmapCells    = 500
	heatmapFeatures = 15
)

type runOpts struct {
	pipeline scrna.Opts
	subset   subsetFlags
	out      outputFlags
	// features are drawn on the UMAP and as violins.
	features []string
	snapshot bool
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			v = append(v, f)
		}
	}
	return v
}

// qcPlots draws the QC columns of a before filtering.
func qcPlots(ctx context.Context, a *scrna.Analysis, opts runOpts, outDir string) error {
	columns := []string{scrna.NFeatureColumn, scrna.NCountColumn}
	if _, err := a.QCColumn(opts.pipeline.QC.Percent); err == nil {
		columns = append(columns, opts.pipeline.QC.Percent)
	}
	plotOpts := scplot.DefaultOpts
	if err := scplot.VlnPlot(ctx, file.Join(outDir, opts.out.figure(qcViolinBase)), a, columns, plotOpts); err != nil {
		return err
	}
	y := scrna.NFeatureColumn
	if len(columns) > 2 {
		y = columns[2]
	}
	return scplot.FeatureScatter(ctx, file.Join(outDir, opts.out.figure(qcScatterBase)), a, scrna.NCountColumn, y, plotOpts)
}

// runQC annotates the cells of input and writes the QC figures and the cell
// table to outDir.
func runQC(ctx context.Context, input, outDir string, opts runOpts) error {
	if err := mkdirAll(outDir); err != nil {
		return err
	}
	a, err := loadAnalysis(ctx, input, opts.pipeline, opts.subset)
	if err != nil {
		return err
	}
	if err := scrna.Annotate(a, opts.pipeline); err != nil {
		return err
	}
	if err := qcPlots(ctx, a, opts, outDir); err != nil {
		return err
	}
	return a.WriteCellTable(ctx, file.Join(outDir, opts.out.table(cellsBase)), opts.out.tableOpts())
}

// runPipeline runs the whole analysis of input and writes its figures,
// tables and snapshot to outDir.
func runPipeline(ctx context.Context, input, outDir string, opts runOpts) error {
	if err := mkdirAll(outDir); err != nil {
		return err
	}
	a, err := loadAnalysis(ctx, input, opts.pipeline, opts.subset)
	if err != nil {
		return err
	}
	if err := scrna.Annotate(a, opts.pipeline); err != nil {
		return err
	}
	if err := qcPlots(ctx, a, opts, outDir); err != nil {
		return err
	}
	if err := scrna.Run(a, opts.pipeline); err != nil {
		return err
	}
	if err := drawAnalysis(ctx, a, opts, outDir); err != nil {
		return err
	}
	if err := writeTables(ctx, a, opts, outDir); err != nil {
		return err
	}
	if opts.snapshot {
		if err := a.Save(ctx, file.Join(outDir, snapshotBase)); err != nil {
			return err
		}
	}
	levels, _ := a.IdentLevels()
	log.Printf("run: %d cells in %d clusters; results in %s", a.NumCells(), len(levels), outDir)
	return nil
}

func drawAnalysis(ctx context.Context, a *scrna.Analysis, opts runOpts, outDir string) error {
	plotOpts := scplot.DefaultOpts
	path := func(base string) string { return file.Join(outDir, opts.out.figure(base)) }
	dims := make([]int, 0, heatmapDims)
	for d := 1; d <= heatmapDims && d <= len(a.PCA.StdDev); d++ {
		dims = append(dims, d)
	}
	for _, draw := range []func() error{
		func() error { return scplot.VariableFeaturePlot(ctx, path(variableBase), a, variableLabels, plotOpts) },
		func() error { return scplot.ElbowPlot(ctx, path(elbowBase), a, 0, plotOpts) },
		func() error {
			return scplot.DimHeatmap(ctx, path(pcaHeatmapBase), a, dims, heatmapCells, heatmapFeatures, plotOpts)
		},
		func() error { return scplot.DimPlot(ctx, path(pcaBase), a, scrna.PCAEmbedding, plotOpts) },
		func() error { return scplot.DimPlot(ctx, path(umapBase), a, scrna.UMAPEmbedding, plotOpts) },
	} {
		if err := draw(); err != nil {
			return err
		}
	}
	if len(opts.features) == 0 {
		return nil
	}
	if err := scplot.FeaturePlot(ctx, path(featuresBase), a, opts.features, scrna.UMAPEmbedding, plotOpts); err != nil {
		return err
	}
	return scplot.VlnPlot(ctx, path(featuresVlnBase), a, opts.features, plotOpts)
}

func writeTables(ctx context.Context, a *scrna.Analysis, opts runOpts, outDir string) error {
	tableOpts := opts.out.tableOpts()
	path := func(base string) string { return file.Join(outDir, opts.out.table(base)) }
	if err := a.WriteCellTable(ctx, path(cellsBase), tableOpts); err != nil {
		return err
	}
	if err := a.WriteFeatureTable(ctx, path(variableBase), tableOpts); err != nil {
		return err
	}
	for _, name := range []string{scrna.PCAEmbedding, scrna.UMAPEmbedding} {
		if err := a.WriteEmbedding(ctx, name, path(name), tableOpts); err != nil {
			return err
		}
	}
	if a.Markers != nil {
		return scrna.WriteMarkers(ctx, path(markersBase), a.Markers, tableOpts)
	}
	return nil
}
