package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/scrna"
	"github.com/grailbio/scrna/sparse"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/cmdline"
)

// testMatrix simulates two cell types; features 10-29 mark the first and
// 30-49 the second.
func testMatrix(t *testing.T) *fbm.Matrix {
	const nFeatures, nCells = 150, 240
	r := rand.New(rand.NewSource(3))
	m := &fbm.Matrix{}
	for i := 0; i < nFeatures; i++ {
		name := fmt.Sprintf("GENE%d", i)
		if i < 3 {
			name = fmt.Sprintf("MT-%d", i)
		}
		m.Features = append(m.Features, fbm.Feature{ID: fmt.Sprintf("E%d", i), Name: name, Type: fbm.DefaultFeatureType})
	}
	b := sparse.NewBuilder(nFeatures, nCells, 0)
	for j := 0; j < nCells; j++ {
		m.Barcodes = append(m.Barcodes, fmt.Sprintf("CELL%d-1", j))
		lo := 10 + 20*(j%2)
		for i := 0; i < nFeatures; i++ {
			marker := i >= lo && i < lo+20
			p := 0.6
			if marker {
				p = 0.97
			}
			if r.Float64() < p {
				v := 1 + float64(r.Intn(3))
				if marker {
					v *= 4
				}
				require.NoError(t, b.Add(i, j, v))
			}
		}
	}
	m.Counts = b.Build()
	return m
}

func writeTestMatrix(t *testing.T, dir string) string {
	path := filepath.Join(dir, "matrix")
	require.NoError(t, os.MkdirAll(path, 0777))
	require.NoError(t, mtx.Write(vcontext.Background(), path, testMatrix(t), mtx.WriteOpts{Gzip: true}))
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	env := &cmdline.Env{Stdout: &stdout, Stderr: &stderr, Vars: map[string]string{}}
	err := cmdline.ParseAndRun(newRoot(), env, args)
	return stdout.String(), err
}

func TestPipelineFlags(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	config := filepath.Join(dir, "params.yaml")
	require.NoError(t, ioutil.WriteFile(config, []byte(`
npcs: 30
dims_end: 15
normalization: RC
resolutions: [0.3]
qc:
  max_percent: 10
`), 0644))

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := newPipelineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", config, "-npcs", "20", "-resolutions", "0.4,0.8", "-find-markers=false"}))
	opts, err := f.opts(vcontext.Background())
	require.NoError(t, err)
	expect.EQ(t, opts.NPCs, 20)
	expect.EQ(t, opts.DimsEnd, 15)
	expect.EQ(t, opts.Normalization, scrna.RC)
	expect.EQ(t, opts.Resolutions, []float64{0.4, 0.8})
	expect.EQ(t, opts.QC.MaxPercent, 10.0)
	expect.EQ(t, opts.QC.MinFeatures, scrna.DefaultOpts.QC.MinFeatures)
	expect.EQ(t, opts.K, scrna.DefaultOpts.K)
	expect.False(t, opts.FindMarkers)
	// Parsing never modifies the defaults.
	expect.EQ(t, scrna.DefaultOpts.Resolutions, []float64{0.5})

	// Without a config file, unset flags keep their defaults.
	fs = flag.NewFlagSet("run", flag.ContinueOnError)
	f = newPipelineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-k", "10"}))
	opts, err = f.opts(vcontext.Background())
	require.NoError(t, err)
	expect.EQ(t, opts.K, 10)
	expect.EQ(t, opts.NPCs, scrna.DefaultOpts.NPCs)

	fs = flag.NewFlagSet("run", flag.ContinueOnError)
	f = newPipelineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-normalization", "SCT"}))
	_, err = f.opts(vcontext.Background())
	expect.True(t, errors.Is(errors.Invalid, err))

	fs = flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	newPipelineFlags(fs)
	assert.Error(t, fs.Parse([]string{"-resolutions", "0.5,x"}))
}

func TestConvertChecksum(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := writeTestMatrix(t, dir)
	scmPath := filepath.Join(dir, "matrix.scm")
	back := filepath.Join(dir, "back")

	_, err := runCmd(t, "convert", "-columns-per-block", "50", src, scmPath)
	require.NoError(t, err)
	_, err = runCmd(t, "convert", "-gzip=false", scmPath, back)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(back, "matrix.mtx"))
	require.NoError(t, err)

	var sums []string
	for _, path := range []string{src, scmPath, back} {
		out, err := runCmd(t, "checksum", path)
		require.NoError(t, err)
		sums = append(sums, out)
	}
	expect.EQ(t, sums[1], sums[0])
	expect.EQ(t, sums[2], sums[0])
	fields := strings.Fields(sums[0])
	require.Len(t, fields, 4)
	expect.EQ(t, fields[1:3], []string{"150", "240"})

	_, err = runCmd(t, "convert", src, filepath.Join(dir, "other"))
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = runCmd(t, "checksum", src, scmPath)
	assert.Error(t, err)
}

func TestQC(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := writeTestMatrix(t, dir)
	out := filepath.Join(dir, "qc")
	_, err := runCmd(t, "qc", "-min-features", "0", "-plot-format", "svg", src, out)
	require.NoError(t, err)
	for _, name := range []string{"qc_violin.svg", "qc_scatter.svg", "cells.tsv"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
	data, err := ioutil.ReadFile(filepath.Join(out, "cells.tsv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	expect.EQ(t, len(lines), 241)
	expect.EQ(t, lines[0], "barcode\tnCount_RNA\tnFeature_RNA\tpercent.mt")
}

func TestRun(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src := writeTestMatrix(t, dir)
	barcodes := filepath.Join(dir, "barcodes.tsv")
	var list strings.Builder
	list.WriteString("barcode\n# even and odd cells\n")
	for j := 0; j < 200; j++ {
		fmt.Fprintf(&list, "CELL%d-1\n", j)
	}
	require.NoError(t, ioutil.WriteFile(barcodes, []byte(list.String()), 0644))

	out := filepath.Join(dir, "out")
	_, err := runCmd(t, "run",
		"-min-cells", "0", "-min-features", "0",
		"-qc-min-features", "50", "-qc-max-features", "0", "-qc-max-percent", "0",
		"-nfeatures", "100", "-npcs", "10", "-k", "15",
		"-umap-neighbors", "15", "-umap-epochs", "20",
		"-barcodes", barcodes,
		"-features", "GENE12,GENE35",
		"-find-markers",
		"-bgzip",
		src, out)
	require.NoError(t, err)
	for _, name := range []string{
		"qc_violin.png", "qc_scatter.png", "variable_features.png", "elbow.png",
		"pca_heatmap.png", "pca.png", "umap.png", "features.png", "features_violin.png",
		"cells.tsv.gz", "variable_features.tsv.gz", "pca.tsv.gz", "umap.tsv.gz", "markers.tsv.gz",
		"analysis.scs",
	} {
		info, err := os.Stat(filepath.Join(out, name))
		if assert.NoError(t, err, name) {
			expect.True(t, info.Size() > 0, name)
		}
	}

	a, err := scrna.Load(vcontext.Background(), filepath.Join(out, "analysis.scs"))
	require.NoError(t, err)
	expect.EQ(t, a.NumCells(), 200)
	expect.EQ(t, len(a.VariableFeatures), 100)
	levels, err := a.IdentLevels()
	require.NoError(t, err)
	expect.GE(t, len(levels), 2)

	_, err = runCmd(t, "run", "-features", "NOSUCHGENE", "-min-features", "0", "-qc-min-features", "50",
		"-nfeatures", "100", "-npcs", "10", "-umap-epochs", "5", src, filepath.Join(dir, "bad"))
	expect.True(t, errors.Is(errors.NotExist, err))

	// Without -find-markers no markers table is written.
	out = filepath.Join(dir, "nomarkers")
	_, err = runCmd(t, "run", "-min-features", "0", "-qc-min-features", "50", "-qc-max-features", "0",
		"-qc-max-percent", "0", "-nfeatures", "100", "-npcs", "10", "-k", "15", "-umap-neighbors", "15",
		"-umap-epochs", "5", "-snapshot=false", src, out)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "cells.tsv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "markers.tsv"))
	expect.True(t, os.IsNotExist(err))
}
