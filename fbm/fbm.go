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

// Package fbm defines the feature-barcode count matrix exchanged between the
// file encodings (encoding/mtx, encoding/scm) and the analysis pipeline.
package fbm

import (
	"encoding/binary"
	"fmt"
	"math"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/unsafe"
	"github.com/grailbio/scrna/sparse"
)

// DefaultFeatureType is the 10x feature type used when the feature file
// doesn't carry one.
const DefaultFeatureType = "Gene Expression"

// Feature describes one row of the count matrix.
type Feature struct {
	// ID is the stable identifier, e.g. "ENSG00000243485".
	ID string
	// Name is the human-readable gene symbol, e.g. "MIR1302-2HG".
	Name string
	// Type is the 10x feature type, e.g. "Gene Expression".
	Type string
}

// Matrix is a feature x cell count matrix with its row and column metadata.
type Matrix struct {
	Counts   *sparse.CSC
	Features []Feature
	Barcodes []string
}

// Validate checks that the metadata agrees with the matrix dimensions and that
// all counts are nonnegative integers.
func (m *Matrix) Validate() error {
	if m.Counts == nil {
		return fmt.Errorf("fbm: nil count matrix")
	}
	if err := m.Counts.Validate(); err != nil {
		return err
	}
	rows, cols := m.Counts.Dims()
	if rows != len(m.Features) {
		return fmt.Errorf("fbm: matrix has %d rows but %d features", rows, len(m.Features))
	}
	if cols != len(m.Barcodes) {
		return fmt.Errorf("fbm: matrix has %d columns but %d barcodes", cols, len(m.Barcodes))
	}
	for _, v := range m.Counts.Val {
		if v < 0 || v != math.Trunc(v) {
			return fmt.Errorf("fbm: count %v is not a nonnegative integer", v)
		}
	}
	return nil
}

// Checksum computes a seahash digest over the dimensions, structure, counts,
// feature metadata and barcodes of m. Two matrices with the same content have
// the same checksum regardless of the file format they were read from.
func (m *Matrix) Checksum() uint64 {
	h := seahash.New()
	var buf [8]byte
	putUint64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:]) // nolint: errcheck
	}
	putString := func(s string) {
		putUint64(uint64(len(s)))
		h.Write(unsafe.StringToBytes(s)) // nolint: errcheck
	}
	rows, cols := m.Counts.Dims()
	putUint64(uint64(rows))
	putUint64(uint64(cols))
	for _, p := range m.Counts.ColPtr {
		putUint64(uint64(p))
	}
	for _, r := range m.Counts.RowIdx {
		putUint64(uint64(r))
	}
	for _, v := range m.Counts.Val {
		putUint64(math.Float64bits(v))
	}
	for _, f := range m.Features {
		putString(f.ID)
		putString(f.Name)
		putString(f.Type)
	}
	for _, b := range m.Barcodes {
		putString(b)
	}
	return h.Sum64()
}
