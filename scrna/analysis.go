// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scrna implements a single-cell RNA-seq clustering pipeline over a
// feature x cell count matrix:
//
//	QC -> filter -> normalize -> variable features -> scale -> PCA ->
//	neighbor graph -> clustering -> UMAP
//
// Every stage is a method of Analysis. A stage checks that its inputs were
// computed, replaces its own outputs and discards everything derived from
// them, so the object is always consistent. Run executes all stages with one
// Opts value.
package scrna

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/knn"
	"github.com/grailbio/scrna/sparse"
	"gonum.org/v1/gonum/mat"
)

// Feature is one row of the analysis with the statistics computed by
// FindVariableFeatures.
type Feature struct {
	fbm.Feature
	// Mean and Variance of the raw counts (vst), or the log of the mean and
	// the log variance-to-mean ratio of the normalized values (dispersion).
	Mean, Variance float64
	// VarExpected is the variance predicted by the vst mean-variance trend.
	VarExpected float64
	// VarStandardized is the variance of the clipped standardized counts
	// (vst), or the dispersion z-score within its mean bin (dispersion).
	VarStandardized float64
	// Variable is set for the selected features. Rank is the 0-based position
	// of the feature in VariableFeatures, or -1.
	Variable bool
	Rank     int
}

// QCColumn is a per-cell numeric column added by PercentageFeatureSet.
type QCColumn struct {
	Name   string
	Values []float64
}

// Clustering is one labeling of the cells.
type Clustering struct {
	// Name is the metadata column name, e.g. "snn_res.0.5".
	Name       string
	Resolution float64
	// Labels[i] is the cluster of cell i, 0..len(Idents)-1. Cluster 0 is the
	// largest.
	Labels     []int
	Modularity float64
	// Idents are the display names of the clusters; initially "0", "1", ...
	Idents []string
}

// PCA is the output of RunPCA.
type PCA struct {
	// Embeddings is cells x components.
	Embeddings *mat.Dense
	// Loadings is variable features x components, rows in VariableFeatures
	// order.
	Loadings *mat.Dense
	// StdDev is the standard deviation of each component.
	StdDev []float64
}

// Marker is one row of a differential expression table.
type Marker struct {
	Feature string
	Cluster string
	// PValue is the two-sided Wilcoxon rank-sum p-value; PValueAdj is its
	// Bonferroni adjustment over all features.
	PValue, PValueAdj float64
	AvgLog2FC         float64
	Pct1, Pct2        float64
}

// Analysis holds the state of the pipeline.
type Analysis struct {
	// Counts is the raw feature x cell count matrix.
	Counts *sparse.CSC
	// Data is the normalized matrix. It has the sparsity pattern of Counts.
	Data *sparse.CSC
	// Normalization is the method used to compute Data.
	Normalization string

	Features []Feature
	// Barcodes, NCount and NFeature have one entry per cell.
	Barcodes []string
	NCount   []float64
	NFeature []int
	QC       []QCColumn

	// VariableFeatures lists the selected feature indices, most variable
	// first.
	VariableFeatures []int
	// Scaled is variable features x cells, rows in VariableFeatures order.
	Scaled *mat.Dense

	PCA *PCA
	// Dims is the 1-based inclusive component range used by the neighbor
	// graph.
	Dims      [2]int
	Neighbors *knn.Neighbors
	SNN       *knn.Graph

	Clusterings []Clustering
	// Active is the index of the active clustering in Clusterings, or -1.
	Active int

	UMAP    *mat.Dense
	Markers []Marker
}

// stage identifies the outputs that a pipeline step owns.
type stage int

const (
	stageNormalize stage = iota
	stageVariable
	stageScale
	stagePCA
	stageNeighbors
	stageClusters
	stageUMAP
	stageMarkers
)

// invalidate discards the outputs of s and of every later stage.
func (a *Analysis) invalidate(s stage) {
	if s <= stageNormalize {
		a.Data, a.Normalization = nil, ""
	}
	if s <= stageVariable {
		a.VariableFeatures = nil
		for i := range a.Features {
			f := &a.Features[i]
			*f = Feature{Feature: f.Feature, Rank: -1}
		}
	}
	if s <= stageScale {
		a.Scaled = nil
	}
	if s <= stagePCA {
		a.PCA = nil
	}
	if s <= stageNeighbors {
		a.Neighbors, a.SNN, a.Dims = nil, nil, [2]int{}
	}
	if s <= stageClusters {
		a.Clusterings, a.Active = nil, -1
	}
	if s <= stageUMAP {
		a.UMAP = nil
	}
	if s <= stageMarkers {
		a.Markers = nil
	}
}

// New creates an analysis from a count matrix. Cells with fewer than
// minFeatures detected features are dropped, then features detected in fewer
// than minCells of the remaining cells are dropped. Zero thresholds keep
// everything.
func New(m *fbm.Matrix, minCells, minFeatures int) (*Analysis, error) {
	if err := m.Validate(); err != nil {
		return nil, errors.E(errors.Invalid, err, "scrna: invalid count matrix")
	}
	counts := m.Counts
	var keepCols []int
	for j, n := range counts.ColNNZ() {
		if n >= minFeatures {
			keepCols = append(keepCols, j)
		}
	}
	counts = counts.SubsetCols(keepCols)
	var keepRows []int
	for i, n := range counts.RowNNZ() {
		if n >= minCells {
			keepRows = append(keepRows, i)
		}
	}
	counts, err := counts.SubsetRows(keepRows)
	if err != nil {
		return nil, errors.E(err, "scrna: subset features")
	}
	if len(keepRows) == 0 || len(keepCols) == 0 {
		return nil, errors.E(errors.Precondition,
			fmt.Sprintf("scrna: no data left with min.cells=%d, min.features=%d", minCells, minFeatures))
	}
	a := &Analysis{
		Counts:   counts,
		Features: make([]Feature, len(keepRows)),
		Barcodes: make([]string, len(keepCols)),
		Active:   -1,
	}
	for i, r := range keepRows {
		a.Features[i] = Feature{Feature: m.Features[r], Rank: -1}
	}
	for i, c := range keepCols {
		a.Barcodes[i] = m.Barcodes[c]
	}
	a.computeCellStats()
	log.Printf("scrna: created analysis with %d features x %d cells (input %d x %d)",
		len(keepRows), len(keepCols), len(m.Features), len(m.Barcodes))
	return a, nil
}

func (a *Analysis) computeCellStats() {
	a.NCount = a.Counts.ColSums()
	a.NFeature = a.Counts.ColNNZ()
}

// NumCells returns the number of cells.
func (a *Analysis) NumCells() int { return len(a.Barcodes) }

// NumFeatures returns the number of features.
func (a *Analysis) NumFeatures() int { return len(a.Features) }

// QCColumn returns the values of the named per-cell column. nCount_RNA and
// nFeature_RNA name the built-in columns.
func (a *Analysis) QCColumn(name string) ([]float64, error) {
	switch name {
	case NCountColumn:
		return a.NCount, nil
	case NFeatureColumn:
		v := make([]float64, len(a.NFeature))
		for i, n := range a.NFeature {
			v[i] = float64(n)
		}
		return v, nil
	}
	for _, c := range a.QC {
		if c.Name == name {
			return c.Values, nil
		}
	}
	return nil, errors.E(errors.NotExist, "scrna: no cell column "+name)
}

// Names of the built-in cell columns.
const (
	NCountColumn   = "nCount_RNA"
	NFeatureColumn = "nFeature_RNA"
)

// subsetCells keeps the listed cells, in increasing order. It reports whether
// any cell was removed; if so, every derived stage is discarded.
func (a *Analysis) subsetCells(keep []int) bool {
	if len(keep) == a.NumCells() {
		return false
	}
	a.Counts = a.Counts.SubsetCols(keep)
	barcodes := make([]string, len(keep))
	for i, c := range keep {
		barcodes[i] = a.Barcodes[c]
	}
	a.Barcodes = barcodes
	for k := range a.QC {
		v := make([]float64, len(keep))
		for i, c := range keep {
			v[i] = a.QC[k].Values[c]
		}
		a.QC[k].Values = v
	}
	a.computeCellStats()
	a.invalidate(stageNormalize)
	return true
}

// requireData returns a Precondition error if NormalizeData hasn't run.
func (a *Analysis) requireData(op string) error {
	if a.Data == nil {
		return errors.E(errors.Precondition, "scrna: "+op+" requires normalized data; run NormalizeData first")
	}
	return nil
}
