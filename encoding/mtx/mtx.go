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

// Package mtx reads and writes feature-barcode matrices in the 10x Genomics
// MatrixMarket directory layout:
//
//   matrix.mtx[.gz]    coordinate-format counts, features x barcodes, 1-based
//   features.tsv[.gz]  id<TAB>name<TAB>type  (or legacy genes.tsv: id<TAB>name)
//   barcodes.tsv[.gz]  one barcode per line
package mtx

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/scrna/fbm"
	"github.com/grailbio/scrna/sparse"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const (
	matrixBase   = "matrix.mtx"
	featuresBase = "features.tsv"
	genesBase    = "genes.tsv"
	barcodesBase = "barcodes.tsv"

	maxLineLen = 1 << 20
)

// findFile returns the first of dir/base[.gz] that exists.
func findFile(ctx context.Context, dir string, bases ...string) (string, error) {
	for _, base := range bases {
		for _, name := range []string{base + ".gz", base} {
			path := file.Join(dir, name)
			if _, err := file.Stat(ctx, path); err == nil {
				return path, nil
			}
		}
	}
	return "", errors.Errorf("mtx: none of %v found in %s", bases, dir)
}

// openFile opens path for reading, decompressing it if it has a gzip
// extension. The returned function closes the file.
func openFile(ctx context.Context, path string) (io.Reader, func() error, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mtx: open %s", path)
	}
	closer := func() error { return in.Close(ctx) }
	r := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			_ = closer()
			return nil, nil, errors.Wrapf(err, "mtx: gunzip %s", path)
		}
		r = gz
	}
	return r, closer, nil
}

// Read reads a 10x MatrixMarket directory.
func Read(ctx context.Context, dir string) (m *fbm.Matrix, err error) {
	var matrixPath, featuresPath, barcodesPath string
	if matrixPath, err = findFile(ctx, dir, matrixBase); err != nil {
		return nil, err
	}
	if featuresPath, err = findFile(ctx, dir, featuresBase, genesBase); err != nil {
		return nil, err
	}
	if barcodesPath, err = findFile(ctx, dir, barcodesBase); err != nil {
		return nil, err
	}
	m = &fbm.Matrix{}
	if err = readPath(ctx, featuresPath, func(r io.Reader) (err error) {
		m.Features, err = ReadFeatures(r)
		return
	}); err != nil {
		return nil, err
	}
	if err = readPath(ctx, barcodesPath, func(r io.Reader) (err error) {
		m.Barcodes, err = ReadBarcodes(r)
		return
	}); err != nil {
		return nil, err
	}
	if err = readPath(ctx, matrixPath, func(r io.Reader) (err error) {
		m.Counts, err = readMatrix(r, len(m.Features), len(m.Barcodes))
		return
	}); err != nil {
		return nil, err
	}
	if err = m.Validate(); err != nil {
		return nil, errors.Wrapf(err, "mtx: %s", dir)
	}
	return m, nil
}

func readPath(ctx context.Context, path string, fn func(io.Reader) error) (err error) {
	r, closer, err := openFile(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closer(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err = fn(r); err != nil {
		err = errors.Wrapf(err, "mtx: %s", path)
	}
	return
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64<<10), maxLineLen)
	return s
}

// ReadMatrix parses a MatrixMarket coordinate file holding integer or real
// values, "general" symmetry. Rows are features, columns are barcodes.
func ReadMatrix(r io.Reader) (*sparse.CSC, error) {
	return readMatrix(r, -1, -1)
}

// readMatrix is ReadMatrix for a file that must have wantRows rows and
// wantCols columns. A negative value accepts any size.
func readMatrix(r io.Reader, wantRows, wantCols int) (*sparse.CSC, error) {
	s := newScanner(r)
	if !s.Scan() {
		if s.Err() != nil {
			return nil, s.Err()
		}
		return nil, errors.New("empty MatrixMarket file")
	}
	header := bytes.Fields(bytes.ToLower(s.Bytes()))
	if len(header) != 5 || string(header[0]) != "%%matrixmarket" || string(header[1]) != "matrix" ||
		string(header[2]) != "coordinate" || string(header[4]) != "general" {
		return nil, errors.Errorf("unsupported MatrixMarket header %q", s.Text())
	}
	if field := string(header[3]); field != "integer" && field != "real" {
		return nil, errors.Errorf("unsupported MatrixMarket field %q", field)
	}
	var (
		b                      *sparse.Builder
		nRows, nCols, nEntries int
		seen                   int
		lineNum                = 1
	)
	for s.Scan() {
		lineNum++
		line := s.Bytes()
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		tokens := bytes.Fields(line)
		if b == nil {
			if len(tokens) != 3 {
				return nil, errors.Errorf("line %d: expect 'rows cols entries', found %q", lineNum, line)
			}
			dims := [3]int{}
			for i, tok := range tokens {
				v, err := strconv.Atoi(string(tok))
				if err != nil || v < 0 {
					return nil, errors.Errorf("line %d: bad size %q", lineNum, tok)
				}
				dims[i] = v
			}
			nRows, nCols, nEntries = dims[0], dims[1], dims[2]
			if nRows > math.MaxInt32 || nCols > math.MaxInt32 {
				return nil, errors.Errorf("line %d: matrix size %dx%d is too large", lineNum, nRows, nCols)
			}
			if (wantRows >= 0 && nRows != wantRows) || (wantCols >= 0 && nCols != wantCols) {
				return nil, errors.Errorf("line %d: matrix is %dx%d, but found %d features and %d barcodes",
					lineNum, nRows, nCols, wantRows, wantCols)
			}
			if nEntries > 0 && (nRows == 0 || (nEntries-1)/nRows >= nCols) {
				return nil, errors.Errorf("line %d: %d entries do not fit in a %dx%d matrix", lineNum, nEntries, nRows, nCols)
			}
			b = sparse.NewBuilder(nRows, nCols, nEntries)
			continue
		}
		if len(tokens) != 3 {
			return nil, errors.Errorf("line %d: expect 'row col value', found %q", lineNum, line)
		}
		row, err := strconv.Atoi(string(tokens[0]))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		col, err := strconv.Atoi(string(tokens[1]))
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		v, err := strconv.ParseFloat(string(tokens[2]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		if err := b.Add(row-1, col-1, v); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		seen++
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.New("MatrixMarket file has no size line")
	}
	if seen != nEntries {
		return nil, errors.Errorf("MatrixMarket file declares %d entries, found %d", nEntries, seen)
	}
	return b.Build(), nil
}

// ReadFeatures parses a features.tsv (id, name, type) or genes.tsv (id, name)
// file. A single-column file uses the column as both id and name.
func ReadFeatures(r io.Reader) ([]fbm.Feature, error) {
	s := newScanner(r)
	var features []fbm.Feature
	for lineNum := 1; s.Scan(); lineNum++ {
		line := s.Text()
		if line == "" {
			continue
		}
		cols := splitTabs(line)
		f := fbm.Feature{ID: cols[0], Name: cols[0], Type: fbm.DefaultFeatureType}
		if len(cols) >= 2 {
			f.Name = cols[1]
		}
		if len(cols) >= 3 {
			f.Type = cols[2]
		}
		if f.ID == "" {
			return nil, errors.Errorf("line %d: empty feature id", lineNum)
		}
		features = append(features, f)
	}
	return features, s.Err()
}

// ReadBarcodes parses a barcodes.tsv file. Only the first column is used.
func ReadBarcodes(r io.Reader) ([]string, error) {
	s := newScanner(r)
	var barcodes []string
	for s.Scan() {
		line := s.Text()
		if line == "" {
			continue
		}
		barcodes = append(barcodes, splitTabs(line)[0])
	}
	return barcodes, s.Err()
}

func splitTabs(line string) []string {
	var cols []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] == '\t' {
			cols = append(cols, line[start:i])
			start = i + 1
		}
	}
	return append(cols, line[start:])
}
