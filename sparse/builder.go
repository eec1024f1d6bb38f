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
package sparse

import (
	"fmt"
	"sort"
)

const maxNNZHint = 1 << 24

type triplet struct {
	row, col int32
	val      float64
}

// Builder accumulates (row, col, value) entries in any order and produces a
// CSC. Entries added more than once for the same position are summed; explicit
// zeros are dropped.
type Builder struct {
	rows, cols int
	entries    []triplet
}

// NewBuilder creates a builder for a rows x cols matrix. nnzHint may be zero.
// Hints above maxNNZHint are clamped; the entries grow as they are added.
func NewBuilder(rows, cols, nnzHint int) *Builder {
	if nnzHint < 0 {
		nnzHint = 0
	} else if nnzHint > maxNNZHint {
		nnzHint = maxNNZHint
	}
	return &Builder{rows: rows, cols: cols, entries: make([]triplet, 0, nnzHint)}
}

// Add records one entry.
func (b *Builder) Add(row, col int, v float64) error {
	if row < 0 || row >= b.rows || col < 0 || col >= b.cols {
		return fmt.Errorf("sparse: entry (%d,%d) outside %dx%d matrix", row, col, b.rows, b.cols)
	}
	if v == 0 {
		return nil
	}
	b.entries = append(b.entries, triplet{int32(row), int32(col), v})
	return nil
}

// Build produces the matrix. The builder must not be used afterwards.
func (b *Builder) Build() *CSC {
	sort.Slice(b.entries, func(i, j int) bool {
		ei, ej := b.entries[i], b.entries[j]
		if ei.col != ej.col {
			return ei.col < ej.col
		}
		return ei.row < ej.row
	})
	m := &CSC{
		NRows:  b.rows,
		NCols:  b.cols,
		ColPtr: make([]int, b.cols+1),
		RowIdx: make([]int32, 0, len(b.entries)),
		Val:    make([]float64, 0, len(b.entries)),
	}
	for i, e := range b.entries {
		if i > 0 && e.row == b.entries[i-1].row && e.col == b.entries[i-1].col {
			m.Val[len(m.Val)-1] += e.val
			continue
		}
		m.RowIdx = append(m.RowIdx, e.row)
		m.Val = append(m.Val, e.val)
		m.ColPtr[e.col+1]++
	}
	for j := 0; j < b.cols; j++ {
		m.ColPtr[j+1] += m.ColPtr[j]
	}
	b.entries = nil
	return m
}

// FromDense builds a CSC from a row-major rows x cols slice.
func FromDense(rows, cols int, data []float64) *CSC {
	b := NewBuilder(rows, cols, 0)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := data[i*cols+j]; v != 0 {
				b.entries = append(b.entries, triplet{int32(i), int32(j), v})
			}
		}
	}
	return b.Build()
}
