package mtx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/sparse"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testMatrix() *fbm.Matrix {
	return &fbm.Matrix{
		Counts: sparse.FromDense(3, 2, []float64{
			1, 0,
			0, 7,
			3, 2,
		}),
		Features: []fbm.Feature{
			{ID: "ENSG01", Name: "CD3E", Type: fbm.DefaultFeatureType},
			{ID: "ENSG02", Name: "MT-CO1", Type: fbm.DefaultFeatureType},
			{ID: "ENSG03", Name: "LYZ", Type: "Antibody Capture"},
		},
		Barcodes: []string{"AAACATACAACCAC-1", "AAACATTGAGCTAC-1"},
	}
}

func TestReadMatrix(t *testing.T) {
	data := `%%MatrixMarket matrix coordinate integer general
% comment
3 2 4
1 1 1
3 1 3
2 2 7
3 2 2
`
	m, err := ReadMatrix(strings.NewReader(data))
	assert.NoError(t, err)
	expect.True(t, m.Equal(testMatrix().Counts))
}

func TestReadMatrixErrors(t *testing.T) {
	for _, data := range []string{
		"",
		"%%MatrixMarket matrix array real general\n2 2\n",
		"%%MatrixMarket matrix coordinate integer general\n2 2 1\n",
		"%%MatrixMarket matrix coordinate integer general\n2 2 1\n3 1 1\n",
		"%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 x 1\n",
		"%%MatrixMarket matrix coordinate integer general\n% only comments\n",
		"%%MatrixMarket matrix coordinate integer general\n3 3 999999999999999\n1 1 5\n",
		"%%MatrixMarket matrix coordinate integer general\n3 999999999999999 1\n1 1 5\n",
		"%%MatrixMarket matrix coordinate integer general\n2 2 5\n1 1 5\n",
		"%%MatrixMarket matrix coordinate integer general\n0 2 1\n1 1 5\n",
	} {
		_, err := ReadMatrix(strings.NewReader(data))
		expect.NotNil(t, err, "input %q", data)
	}
}

func TestReadFeatures(t *testing.T) {
	f, err := ReadFeatures(strings.NewReader("G1\tA\nG2\tB\tAntibody Capture\nG3\n"))
	assert.NoError(t, err)
	expect.EQ(t, f, []fbm.Feature{
		{ID: "G1", Name: "A", Type: fbm.DefaultFeatureType},
		{ID: "G2", Name: "B", Type: "Antibody Capture"},
		{ID: "G3", Name: "G3", Type: fbm.DefaultFeatureType},
	})
	b, err := ReadBarcodes(strings.NewReader("AAA-1\nCCC-1\textra\n\n"))
	assert.NoError(t, err)
	expect.EQ(t, b, []string{"AAA-1", "CCC-1"})
}

func TestRoundTrip(t *testing.T) {
	ctx := vcontext.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	for _, gz := range []bool{false, true} {
		dir := filepath.Join(tempDir, "plain")
		if gz {
			dir = filepath.Join(tempDir, "gz")
		}
		assert.NoError(t, os.MkdirAll(dir, 0755))
		want := testMatrix()
		assert.NoError(t, Write(ctx, dir, want, WriteOpts{Gzip: gz}))
		if gz {
			_, err := os.Stat(filepath.Join(dir, "matrix.mtx.gz"))
			assert.NoError(t, err)
		}
		got, err := Read(ctx, dir)
		assert.NoError(t, err)
		expect.EQ(t, got.Features, want.Features)
		expect.EQ(t, got.Barcodes, want.Barcodes)
		expect.True(t, got.Counts.Equal(want.Counts))
		expect.EQ(t, got.Checksum(), want.Checksum())
	}
}

func TestReadLegacyGenes(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, data string) {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	write("genes.tsv", "G1\tA\nG2\tB\n")
	write("barcodes.tsv", "C1\n")
	write("matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n2 1 1\n2 1 5\n")
	m, err := Read(ctx, dir)
	assert.NoError(t, err)
	expect.EQ(t, m.Counts.At(1, 0), 5.0)
	expect.EQ(t, m.Features[1].Name, "B")

	// Dimension mismatch between matrix and barcodes.
	write("barcodes.tsv", "C1\nC2\n")
	_, err = Read(ctx, dir)
	expect.NotNil(t, err)

	// The size line must agree with the feature and barcode lists.
	write("barcodes.tsv", "C1\n")
	write("matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n2 999999999 1\n2 1 5\n")
	_, err = Read(ctx, dir)
	expect.NotNil(t, err)
}

func TestReadMissing(t *testing.T) {
	ctx := vcontext.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := Read(ctx, dir)
	expect.NotNil(t, err)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}
