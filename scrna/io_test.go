package scrna

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func smallRun(t *testing.T) *Analysis {
	s := synthesize(200, 300, 3, 0, 0, 11)
	a, err := New(s.m, 0, 0)
	require.NoError(t, err)
	opts := testOpts()
	opts.QC.MinFeatures = smallMinFeatures
	opts.UMAPEpochs = 20
	require.NoError(t, Run(a, opts))
	return a
}

func readLines(t *testing.T, path string, gz bool) []string {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var r io.Reader = f
	if gz {
		zr, err := gzip.NewReader(f)
		require.NoError(t, err)
		r = zr
	}
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestSnapshot(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := smallRun(t)
	path := filepath.Join(dir, "analysis.scs")
	require.NoError(t, a.Save(ctx, path))
	b, err := Load(ctx, path)
	require.NoError(t, err)

	expect.EQ(t, b.Barcodes, a.Barcodes)
	expect.EQ(t, b.Features, a.Features)
	expect.EQ(t, b.NCount, a.NCount)
	expect.EQ(t, b.QC, a.QC)
	expect.EQ(t, b.VariableFeatures, a.VariableFeatures)
	expect.EQ(t, b.Clusterings, a.Clusterings)
	expect.EQ(t, b.Active, a.Active)
	expect.EQ(t, b.Markers, a.Markers)
	expect.EQ(t, b.Dims, a.Dims)
	expect.EQ(t, b.SNN.Adj, a.SNN.Adj)
	expect.True(t, b.Counts.Equal(a.Counts))
	expect.True(t, b.Data.Equal(a.Data))
	expect.True(t, mat.Equal(b.Scaled, a.Scaled))
	expect.True(t, mat.Equal(b.PCA.Embeddings, a.PCA.Embeddings))
	expect.True(t, mat.Equal(b.UMAP, a.UMAP))

	// A reloaded analysis can run further stages.
	require.NoError(t, b.FindClusters([]float64{1}, 2, 2, 0))

	garbage := filepath.Join(dir, "garbage.scs")
	require.NoError(t, os.WriteFile(garbage, []byte("not a snapshot"), 0600))
	_, err = Load(ctx, garbage)
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestTables(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	a := smallRun(t)

	cells := filepath.Join(dir, "cells.tsv")
	require.NoError(t, a.WriteCellTable(ctx, cells, DefaultTableOpts))
	lines := readLines(t, cells, false)
	expect.EQ(t, len(lines), a.NumCells()+1)
	expect.EQ(t, lines[0], "barcode\tnCount_RNA\tnFeature_RNA\tpercent.mt\tsnn_res.0.5")
	fields := strings.Split(lines[1], "\t")
	expect.EQ(t, fields[0], a.Barcodes[0])
	expect.EQ(t, len(fields), 5)

	features := filepath.Join(dir, "features.tsv.gz")
	require.NoError(t, a.WriteFeatureTable(ctx, features, TableOpts{Bgzip: true, Parallelism: 2}))
	lines = readLines(t, features, true)
	expect.EQ(t, len(lines), len(a.VariableFeatures)+1)
	expect.True(t, strings.HasPrefix(lines[1], "1\t"+a.Features[a.VariableFeatures[0]].ID+"\t"), lines[1])

	for _, name := range []string{PCAEmbedding, UMAPEmbedding} {
		path := filepath.Join(dir, name+".tsv")
		require.NoError(t, a.WriteEmbedding(ctx, name, path, DefaultTableOpts))
		lines = readLines(t, path, false)
		expect.EQ(t, len(lines), a.NumCells()+1)
	}
	lines = readLines(t, filepath.Join(dir, "pca.tsv"), false)
	expect.True(t, strings.HasPrefix(lines[0], "barcode\tPC_1\tPC_2\t"), lines[0])
	expect.True(t, errors.Is(errors.Invalid, a.WriteEmbedding(ctx, "tsne", filepath.Join(dir, "x.tsv"), DefaultTableOpts)))

	markers := filepath.Join(dir, "markers.tsv")
	require.NoError(t, WriteMarkers(ctx, markers, a.Markers, DefaultTableOpts))
	lines = readLines(t, markers, false)
	expect.EQ(t, len(lines), len(a.Markers)+1)
	expect.EQ(t, lines[0], "cluster\tfeature\tp_val\tavg_log2FC\tpct.1\tpct.2\tp_val_adj")
}

func TestFeatureIndex(t *testing.T) {
	a := tinyAnalysis(t)
	i, err := a.FeatureIndex("GENE2")
	require.NoError(t, err)
	expect.EQ(t, i, 2)
	i, err = a.FeatureIndex("E1")
	require.NoError(t, err)
	expect.EQ(t, i, 0)

	_, err = a.FeatureIndex("GENE7")
	expect.True(t, errors.Is(errors.NotExist, err))
	assert.Contains(t, err.Error(), "did you mean GENE1, GENE2")

	_, err = a.FeatureIndices([]string{"GENE1", "CD3E"})
	expect.True(t, errors.Is(errors.NotExist, err))
	assert.NotContains(t, err.Error(), "did you mean")
}
