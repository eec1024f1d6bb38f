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

// Package sparse implements the compressed-sparse-column matrix used to hold
// feature x cell count data.
package sparse

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// CSC is a compressed-sparse-column matrix. Column j's stored entries are
// RowIdx[ColPtr[j]:ColPtr[j+1]] (strictly increasing) with values
// Val[ColPtr[j]:ColPtr[j+1]].
//
// Feature x cell matrices store one cell per column, so per-cell operations
// (library size, subsetting cells) touch contiguous memory.
//
// CSC implements mat.Matrix. Fields are exported only so that the matrix can be
// gob-encoded; treat them as read-only.
type CSC struct {
	NRows, NCols int
	ColPtr       []int
	RowIdx       []int32
	Val          []float64
}

var _ mat.Matrix = (*CSC)(nil)

// NewCSC validates the given arrays and wraps them in a CSC. The arrays are
// not copied.
func NewCSC(rows, cols int, colPtr []int, rowIdx []int32, val []float64) (*CSC, error) {
	m := &CSC{NRows: rows, NCols: cols, ColPtr: colPtr, RowIdx: rowIdx, Val: val}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Zeros creates an all-zero rows x cols matrix.
func Zeros(rows, cols int) *CSC {
	return &CSC{NRows: rows, NCols: cols, ColPtr: make([]int, cols+1)}
}

// Validate checks the structural invariants of m.
func (m *CSC) Validate() error {
	if m.NRows < 0 || m.NCols < 0 {
		return fmt.Errorf("sparse: negative dimension %dx%d", m.NRows, m.NCols)
	}
	if len(m.ColPtr) != m.NCols+1 {
		return fmt.Errorf("sparse: len(ColPtr)=%d, want %d", len(m.ColPtr), m.NCols+1)
	}
	if m.ColPtr[0] != 0 {
		return fmt.Errorf("sparse: ColPtr[0]=%d, want 0", m.ColPtr[0])
	}
	nnz := m.ColPtr[m.NCols]
	if len(m.RowIdx) != nnz || len(m.Val) != nnz {
		return fmt.Errorf("sparse: nnz=%d but len(RowIdx)=%d, len(Val)=%d", nnz, len(m.RowIdx), len(m.Val))
	}
	for j := 0; j < m.NCols; j++ {
		if m.ColPtr[j+1] < m.ColPtr[j] {
			return fmt.Errorf("sparse: ColPtr decreases at column %d", j)
		}
		prev := int32(-1)
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			r := m.RowIdx[p]
			if r <= prev || int(r) >= m.NRows {
				return fmt.Errorf("sparse: bad row index %d in column %d", r, j)
			}
			prev = r
		}
	}
	return nil
}

// Dims implements mat.Matrix.
func (m *CSC) Dims() (r, c int) { return m.NRows, m.NCols }

// At implements mat.Matrix.
func (m *CSC) At(i, j int) float64 {
	if i < 0 || i >= m.NRows || j < 0 || j >= m.NCols {
		panic(mat.ErrIndexOutOfRange)
	}
	rows := m.RowIdx[m.ColPtr[j]:m.ColPtr[j+1]]
	k := sort.Search(len(rows), func(k int) bool { return int(rows[k]) >= i })
	if k < len(rows) && int(rows[k]) == i {
		return m.Val[m.ColPtr[j]+k]
	}
	return 0
}

// T implements mat.Matrix.
func (m *CSC) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// NNZ returns the number of stored entries.
func (m *CSC) NNZ() int { return m.ColPtr[m.NCols] }

// Col returns views of the stored row indices and values of column j.
func (m *CSC) Col(j int) ([]int32, []float64) {
	s, e := m.ColPtr[j], m.ColPtr[j+1]
	return m.RowIdx[s:e], m.Val[s:e]
}

// Clone returns a deep copy of m.
func (m *CSC) Clone() *CSC {
	c := &CSC{
		NRows:  m.NRows,
		NCols:  m.NCols,
		ColPtr: append([]int(nil), m.ColPtr...),
		RowIdx: append([]int32(nil), m.RowIdx...),
		Val:    append([]float64(nil), m.Val...),
	}
	return c
}

// SamePattern checks whether m and o have identical dimensions and stored
// positions.
func (m *CSC) SamePattern(o *CSC) bool {
	if m.NRows != o.NRows || m.NCols != o.NCols || len(m.RowIdx) != len(o.RowIdx) {
		return false
	}
	for j := range m.ColPtr {
		if m.ColPtr[j] != o.ColPtr[j] {
			return false
		}
	}
	for p := range m.RowIdx {
		if m.RowIdx[p] != o.RowIdx[p] {
			return false
		}
	}
	return true
}

// Equal checks whether m and o have the same pattern and values.
func (m *CSC) Equal(o *CSC) bool {
	if !m.SamePattern(o) {
		return false
	}
	for p := range m.Val {
		if m.Val[p] != o.Val[p] {
			return false
		}
	}
	return true
}

// Apply returns a copy of m whose stored values are replaced by
// fn(row, col, value). The sparsity pattern is kept as is, even if fn returns
// zero for some entries.
func (m *CSC) Apply(fn func(i, j int, v float64) float64) *CSC {
	c := &CSC{
		NRows:  m.NRows,
		NCols:  m.NCols,
		ColPtr: append([]int(nil), m.ColPtr...),
		RowIdx: append([]int32(nil), m.RowIdx...),
		Val:    make([]float64, len(m.Val)),
	}
	for j := 0; j < m.NCols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			c.Val[p] = fn(int(m.RowIdx[p]), j, m.Val[p])
		}
	}
	return c
}

// ColSums returns the per-column sums.
func (m *CSC) ColSums() []float64 {
	s := make([]float64, m.NCols)
	for j := 0; j < m.NCols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			s[j] += m.Val[p]
		}
	}
	return s
}

// ColNNZ returns the number of nonzero values in each column.
func (m *CSC) ColNNZ() []int {
	n := make([]int, m.NCols)
	for j := 0; j < m.NCols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			if m.Val[p] != 0 {
				n[j]++
			}
		}
	}
	return n
}

// RowNNZ returns the number of nonzero values in each row.
func (m *CSC) RowNNZ() []int {
	n := make([]int, m.NRows)
	for p, r := range m.RowIdx {
		if m.Val[p] != 0 {
			n[r]++
		}
	}
	return n
}

// RowMeanVar computes, for every row, the mean and the sample (n-1) variance
// over all columns, implicit zeros included.
func (m *CSC) RowMeanVar() (mean, variance []float64) {
	mean = make([]float64, m.NRows)
	variance = make([]float64, m.NRows)
	if m.NCols == 0 {
		return
	}
	for p, r := range m.RowIdx {
		mean[r] += m.Val[p]
	}
	n := float64(m.NCols)
	for i := range mean {
		mean[i] /= n
	}
	if m.NCols < 2 {
		return
	}
	// Sum of squared deviations: stored entries contribute (v-mu)^2, implicit
	// zeros contribute mu^2 each.
	stored := make([]int, m.NRows)
	for p, r := range m.RowIdx {
		d := m.Val[p] - mean[r]
		variance[r] += d * d
		stored[r]++
	}
	for i := range variance {
		variance[i] += float64(m.NCols-stored[i]) * mean[i] * mean[i]
		variance[i] /= n - 1
	}
	return
}

// SubsetCols returns a new matrix made of the given columns, in the given
// order.
func (m *CSC) SubsetCols(cols []int) *CSC {
	c := &CSC{NRows: m.NRows, NCols: len(cols), ColPtr: make([]int, len(cols)+1)}
	nnz := 0
	for k, j := range cols {
		nnz += m.ColPtr[j+1] - m.ColPtr[j]
		c.ColPtr[k+1] = nnz
	}
	c.RowIdx = make([]int32, 0, nnz)
	c.Val = make([]float64, 0, nnz)
	for _, j := range cols {
		s, e := m.ColPtr[j], m.ColPtr[j+1]
		c.RowIdx = append(c.RowIdx, m.RowIdx[s:e]...)
		c.Val = append(c.Val, m.Val[s:e]...)
	}
	return c
}

// SubsetRows returns a new matrix made of the given rows. rows must be
// strictly increasing.
func (m *CSC) SubsetRows(rows []int) (*CSC, error) {
	remap := make([]int32, m.NRows)
	for i := range remap {
		remap[i] = -1
	}
	for k, r := range rows {
		if r < 0 || r >= m.NRows {
			return nil, fmt.Errorf("sparse: row %d out of range [0,%d)", r, m.NRows)
		}
		if k > 0 && r <= rows[k-1] {
			return nil, fmt.Errorf("sparse: rows must be strictly increasing, got %d after %d", r, rows[k-1])
		}
		remap[r] = int32(k)
	}
	c := &CSC{NRows: len(rows), NCols: m.NCols, ColPtr: make([]int, m.NCols+1)}
	for j := 0; j < m.NCols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			if nr := remap[m.RowIdx[p]]; nr >= 0 {
				c.RowIdx = append(c.RowIdx, nr)
				c.Val = append(c.Val, m.Val[p])
			}
		}
		c.ColPtr[j+1] = len(c.RowIdx)
	}
	return c, nil
}

// DenseRows copies the given rows into a len(rows) x NCols dense matrix.
func (m *CSC) DenseRows(rows []int) *mat.Dense {
	pos := make(map[int32][]int, len(rows))
	for k, r := range rows {
		pos[int32(r)] = append(pos[int32(r)], k)
	}
	d := mat.NewDense(len(rows), m.NCols, nil)
	for j := 0; j < m.NCols; j++ {
		for p := m.ColPtr[j]; p < m.ColPtr[j+1]; p++ {
			for _, k := range pos[m.RowIdx[p]] {
				d.Set(k, j, m.Val[p])
			}
		}
	}
	return d
}

// Row returns row i as a dense slice of length NCols.
func (m *CSC) Row(i int) []float64 {
	row := make([]float64, m.NCols)
	for j := 0; j < m.NCols; j++ {
		if v := m.At(i, j); v != 0 {
			row[j] = v
		}
	}
	return row
}
