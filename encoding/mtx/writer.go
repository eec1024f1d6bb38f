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
package mtx

import (
	"bufio"
	"context"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/scrna/fbm"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// WriteOpts controls Write.
type WriteOpts struct {
	// Gzip compresses the three files and adds a .gz suffix.
	Gzip bool
}

// Write stores m in dir using the 10x v3 layout (matrix.mtx, features.tsv,
// barcodes.tsv). dir must exist.
func Write(ctx context.Context, dir string, m *fbm.Matrix, opts WriteOpts) error {
	if err := m.Validate(); err != nil {
		return err
	}
	suffix := ""
	if opts.Gzip {
		suffix = ".gz"
	}
	if err := writePath(ctx, file.Join(dir, featuresBase+suffix), opts.Gzip, func(w *bufio.Writer) error {
		return WriteFeatures(w, m.Features)
	}); err != nil {
		return err
	}
	if err := writePath(ctx, file.Join(dir, barcodesBase+suffix), opts.Gzip, func(w *bufio.Writer) error {
		return WriteBarcodes(w, m.Barcodes)
	}); err != nil {
		return err
	}
	return writePath(ctx, file.Join(dir, matrixBase+suffix), opts.Gzip, func(w *bufio.Writer) error {
		return WriteMatrix(w, m)
	})
}

func writePath(ctx context.Context, path string, gz bool, fn func(*bufio.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "mtx: create %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	var (
		w  io.Writer = out.Writer(ctx)
		zw *gzip.Writer
	)
	if gz {
		zw = gzip.NewWriter(w)
		w = zw
	}
	bw := bufio.NewWriterSize(w, 1<<20)
	if err = fn(bw); err != nil {
		return errors.Wrapf(err, "mtx: write %s", path)
	}
	if err = bw.Flush(); err != nil {
		return errors.Wrapf(err, "mtx: write %s", path)
	}
	if zw != nil {
		if err = zw.Close(); err != nil {
			return errors.Wrapf(err, "mtx: gzip %s", path)
		}
	}
	return nil
}

// WriteMatrix writes the counts of m in MatrixMarket coordinate format.
func WriteMatrix(w *bufio.Writer, m *fbm.Matrix) error {
	rows, cols := m.Counts.Dims()
	if _, err := w.WriteString("%%MatrixMarket matrix coordinate integer general\n%metadata_json: {\"software_version\": \"bio-scrna\", \"format_version\": 2}\n"); err != nil {
		return err
	}
	buf := make([]byte, 0, 64)
	buf = strconv.AppendInt(buf, int64(rows), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(cols), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(m.Counts.NNZ()), 10)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return err
	}
	for j := 0; j < cols; j++ {
		rowIdx, vals := m.Counts.Col(j)
		for k, r := range rowIdx {
			buf = buf[:0]
			buf = strconv.AppendInt(buf, int64(r)+1, 10)
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(j)+1, 10)
			buf = append(buf, ' ')
			buf = strconv.AppendInt(buf, int64(vals[k]), 10)
			buf = append(buf, '\n')
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteFeatures writes a three-column features.tsv.
func WriteFeatures(w *bufio.Writer, features []fbm.Feature) error {
	for _, f := range features {
		typ := f.Type
		if typ == "" {
			typ = fbm.DefaultFeatureType
		}
		for _, s := range []string{f.ID, "\t", f.Name, "\t", typ, "\n"} {
			if _, err := w.WriteString(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteBarcodes writes one barcode per line.
func WriteBarcodes(w *bufio.Writer, barcodes []string) error {
	for _, b := range barcodes {
		if _, err := w.WriteString(b); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}
