package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/barcode"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/encoding/scm"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/scrna"
)

// scmSuffix marks the binary count matrix format. Any other path is read as
// a 10x MatrixMarket directory.
const scmSuffix = ".scm"

func isSCM(path string) bool { return strings.HasSuffix(path, scmSuffix) }

func readMatrix(ctx context.Context, path string) (*fbm.Matrix, error) {
	if isSCM(path) {
		return scm.Read(ctx, path)
	}
	return mtx.Read(ctx, path)
}

// mkdirAll creates a local output directory. Remote paths need no
// directories.
func mkdirAll(dir string) error {
	scheme, _, err := file.ParsePath(dir)
	if err != nil {
		return err
	}
	if scheme != "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.E(err, "mkdir "+dir)
	}
	return nil
}

type convertOpts struct {
	gzip            bool
	columnsPerBlock int
}

// convert copies the matrix at src to dst. One of them names a .scm file and
// the other a MatrixMarket directory.
func convert(ctx context.Context, src, dst string, opts convertOpts) error {
	if isSCM(src) == isSCM(dst) {
		return errors.E(errors.Invalid, fmt.Sprintf("convert: exactly one of %s and %s must end in %s", src, dst, scmSuffix))
	}
	m, err := readMatrix(ctx, src)
	if err != nil {
		return err
	}
	if isSCM(dst) {
		err = scm.Write(ctx, dst, m, scm.WriteOpts{ColumnsPerBlock: opts.columnsPerBlock})
	} else {
		if err = mkdirAll(dst); err != nil {
			return err
		}
		err = mtx.Write(ctx, dst, m, mtx.WriteOpts{Gzip: opts.gzip})
	}
	if err != nil {
		return err
	}
	log.Printf("convert: %s -> %s: %d features, %d cells, %d nonzeros", src, dst, len(m.Features), len(m.Barcodes), m.Counts.NNZ())
	return nil
}

// checksum prints the content hash of the matrix at path.
func checksum(ctx context.Context, out io.Writer, path string) error {
	m, err := readMatrix(ctx, path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%016x\t%d\t%d\t%d\n", m.Checksum(), len(m.Features), len(m.Barcodes), m.Counts.NNZ())
	return err
}

// loadAnalysis reads the matrix at path and selects its cells.
func loadAnalysis(ctx context.Context, path string, opts scrna.Opts, subset subsetFlags) (*scrna.Analysis, error) {
	m, err := readMatrix(ctx, path)
	if err != nil {
		return nil, err
	}
	a, err := scrna.New(m, opts.MinCells, opts.MinFeatures)
	if err != nil {
		return nil, err
	}
	if *subset.barcodes != "" {
		barcodes, err := scrna.ReadBarcodesFile(ctx, *subset.barcodes)
		if err != nil {
			return nil, err
		}
		if *subset.snap {
			var n int
			barcodes, n = barcode.NewSnapCorrector(a.Barcodes).CorrectAll(barcodes)
			log.Printf("corrected %d of %d listed barcodes", n, len(barcodes))
		}
		if err := a.SubsetBarcodes(barcodes); err != nil {
			return nil, err
		}
	}
	if *subset.downsample != 1 {
		if err := a.DownsampleCells(*subset.downsample, *subset.downsampleSeed); err != nil {
			return nil, err
		}
	}
	return a, nil
}
