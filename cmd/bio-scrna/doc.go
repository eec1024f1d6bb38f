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

/*
bio-scrna clusters the cells of a single-cell RNA-seq count matrix. Given the
filtered feature-barcode matrix of a 10x Genomics run, it removes low-quality
cells, normalizes the counts, selects the most variable features, reduces them
with PCA, clusters the cells on a shared nearest neighbor graph with the Louvain
algorithm and embeds them in two dimensions with UMAP. With -find-markers, the
markers of every cluster are found with a Wilcoxon rank sum test.

Sample usage:
bio-scrna run \
    -mito-pattern '^MT-' \
    -qc-min-features 200 -qc-max-features 2500 -qc-max-percent 5 \
    -dims-end 10 -resolutions 0.5 \
    -features MS4A1,CD3E,LYZ -find-markers \
    filtered_feature_bc_matrix outdir

All pipeline parameters can also be read from a YAML file with -config; flags
given on the command line take precedence:

	min_cells: 3
	min_features: 200
	mito_pattern: ^MT-
	qc:
	  min_features: 200
	  max_features: 2500
	  percent_column: percent.mt
	  max_percent: 5
	normalization: LogNormalize
	scale_factor: 10000
	nfeatures: 2000
	dims_end: 10
	resolutions: [0.5, 1.0]
	ident: snn_res.0.5

run writes, under outdir:

	qc_violin.png, qc_scatter.png    QC metrics before filtering
	variable_features.png            standardized variance vs. mean
	elbow.png                        standard deviation of each PC
	pca_heatmap.png                  top loadings of the first PCs
	pca.png, umap.png                cells colored by cluster
	features.png, features_violin.png  expression of -features
	cells.tsv                        QC metrics and cluster of each cell
	variable_features.tsv            variable features and their statistics
	pca.tsv, umap.tsv                cell embeddings
	markers.tsv                      markers of every cluster (-find-markers)
	analysis.scs                     snapshot of the analysis

"bio-scrna qc" writes only the QC figures and cells.tsv, to choose the
filtering thresholds. "bio-scrna convert" converts between a MatrixMarket
directory and the binary .scm format, which loads much faster.
"bio-scrna checksum" prints a hash of a matrix that doesn't depend on its
format.
*/
package main
