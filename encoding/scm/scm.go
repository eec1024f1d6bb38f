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

// Package scm implements SCM, a packaged binary container for feature-barcode
// count matrices. It is to a 10x MatrixMarket directory what PAM is to BAM: a
// single compressed file that loads without text parsing.
//
// An SCM file is a recordio file with the zstd transformer. The header holds
// the format version. Each record is a gob-encoded block of consecutive
// columns (cells). The trailer holds the matrix dimensions, feature metadata
// and barcodes.
package scm

import (
	"bytes"
	"context"
	"encoding/gob"
	"math"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/sparse"
	"github.com/pkg/errors"
)

const (
	// <fileVersionHeader, fileVersion> is stored in the recordio header.
	fileVersionHeader = "scmversion"
	fileVersion       = "SCM_V1"

	// DefaultColumnsPerBlock is the default number of cells stored in one
	// recordio record.
	DefaultColumnsPerBlock = 4096
)

// columnBlock is one recordio record.
type columnBlock struct {
	// ColStart is the index of the first column in the block.
	ColStart int
	// ColPtr has one more element than the number of columns in the block;
	// ColPtr[0] is always zero.
	ColPtr []int
	RowIdx []int32
	Counts []uint32
}

// fileTrailer is stored in the recordio trailer.
type fileTrailer struct {
	Rows, Cols, NNZ int
	Features        []fbm.Feature
	Barcodes        []string
}

// WriteOpts controls Write.
type WriteOpts struct {
	// ColumnsPerBlock is the number of cells per record. If <= 0,
	// DefaultColumnsPerBlock is used.
	ColumnsPerBlock int
}

// Write stores m in path.
func Write(ctx context.Context, path string, m *fbm.Matrix, opts WriteOpts) (err error) {
	if err = m.Validate(); err != nil {
		return err
	}
	for _, v := range m.Counts.Val {
		if v > math.MaxUint32 {
			return errors.Errorf("scm: count %v does not fit in uint32", v)
		}
	}
	perBlock := opts.ColumnsPerBlock
	if perBlock <= 0 {
		perBlock = DefaultColumnsPerBlock
	}
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "scm: create %s", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(fileVersionHeader, fileVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	rows, cols := m.Counts.Dims()
	for start := 0; start < cols; start += perBlock {
		end := start + perBlock
		if end > cols {
			end = cols
		}
		base := m.Counts.ColPtr[start]
		blk := columnBlock{
			ColStart: start,
			ColPtr:   make([]int, end-start+1),
			RowIdx:   m.Counts.RowIdx[base:m.Counts.ColPtr[end]],
			Counts:   make([]uint32, m.Counts.ColPtr[end]-base),
		}
		for j := start; j <= end; j++ {
			blk.ColPtr[j-start] = m.Counts.ColPtr[j] - base
		}
		for p := range blk.Counts {
			blk.Counts[p] = uint32(m.Counts.Val[base+p])
		}
		b, err := encodeGOB(&blk)
		if err != nil {
			return err
		}
		w.Append(b)
	}
	tr, err := encodeGOB(&fileTrailer{
		Rows:     rows,
		Cols:     cols,
		NNZ:      m.Counts.NNZ(),
		Features: m.Features,
		Barcodes: m.Barcodes,
	})
	if err != nil {
		return err
	}
	w.SetTrailer(tr)
	if err = w.Finish(); err != nil {
		return errors.Wrapf(err, "scm: write %s", path)
	}
	log.Debug.Printf("scm: wrote %s: %dx%d, %d nonzeros", path, rows, cols, m.Counts.NNZ())
	return nil
}

// Read loads an SCM file.
func Read(ctx context.Context, path string) (m *fbm.Matrix, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "scm: open %s", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	recordiozstd.Init()
	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range r.Header() {
		if kv.Key == fileVersionHeader {
			if v, ok := kv.Value.(string); !ok || v != fileVersion {
				return nil, errors.Errorf("scm: %s: version mismatch, got %v, expect %v", path, kv.Value, fileVersion)
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		if err = r.Err(); err != nil {
			return nil, errors.Wrapf(err, "scm: %s", path)
		}
		return nil, errors.Errorf("scm: %s: %s header not found", path, fileVersionHeader)
	}
	var tr fileTrailer
	if err = decodeGOB(r.Trailer(), &tr); err != nil {
		return nil, errors.Wrapf(err, "scm: %s: trailer", path)
	}
	counts := &sparse.CSC{
		NRows:  tr.Rows,
		NCols:  tr.Cols,
		ColPtr: make([]int, tr.Cols+1),
		RowIdx: make([]int32, 0, tr.NNZ),
		Val:    make([]float64, 0, tr.NNZ),
	}
	next := 0
	for r.Scan() {
		var blk columnBlock
		if err = decodeGOB(r.Get().([]byte), &blk); err != nil {
			return nil, errors.Wrapf(err, "scm: %s: block", path)
		}
		n := len(blk.ColPtr) - 1
		if blk.ColStart != next || n < 0 || next+n > tr.Cols || blk.ColPtr[n] != len(blk.RowIdx) || len(blk.RowIdx) != len(blk.Counts) {
			return nil, errors.Errorf("scm: %s: corrupt block at column %d", path, blk.ColStart)
		}
		base := len(counts.RowIdx)
		for k := 1; k <= n; k++ {
			counts.ColPtr[next+k] = base + blk.ColPtr[k]
		}
		counts.RowIdx = append(counts.RowIdx, blk.RowIdx...)
		for _, c := range blk.Counts {
			counts.Val = append(counts.Val, float64(c))
		}
		next += n
	}
	if err = r.Err(); err != nil {
		return nil, errors.Wrapf(err, "scm: %s", path)
	}
	if next != tr.Cols {
		return nil, errors.Errorf("scm: %s: found %d columns, expect %d", path, next, tr.Cols)
	}
	m = &fbm.Matrix{Counts: counts, Features: tr.Features, Barcodes: tr.Barcodes}
	if err = m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scm: %s", path)
	}
	return m, nil
}

func encodeGOB(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, errors.Wrap(err, "scm: gob encode")
	}
	return b.Bytes(), nil
}

func decodeGOB(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
