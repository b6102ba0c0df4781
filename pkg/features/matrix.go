// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features holds the 2D feature matrix ([frames, channels]) shared by the
// feature extractor, the batch collator and the corpus framer.
package features

import (
	"fmt"

	"github.com/pkg/errors"
)

// Matrix is a dense row-major float32 matrix of shape [Rows, Cols].
//
// Rows is the number of frames (time) and Cols the number of feature channels.
// A Matrix with Rows == 0 is valid and still carries its Cols.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// New allocates a zero-filled matrix.
func New(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// FromRows builds a Matrix from a slice of rows.
// All rows must have length cols; cols must be given explicitly so empty inputs keep their width.
func FromRows(cols int, rows [][]float32) (Matrix, error) {
	m := New(len(rows), cols)
	for ii, row := range rows {
		if len(row) != cols {
			return Matrix{}, errors.Errorf("row %d has %d columns, expected %d", ii, len(row), cols)
		}
		copy(m.Row(ii), row)
	}
	return m, nil
}

// Check that Data has the size given by Rows and Cols.
func (m Matrix) Check() error {
	if m.Rows < 0 || m.Cols < 0 {
		return errors.Errorf("invalid matrix dimensions [%d, %d]", m.Rows, m.Cols)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return errors.Errorf("matrix [%d, %d] has %d elements, expected %d", m.Rows, m.Cols, len(m.Data), m.Rows*m.Cols)
	}
	return nil
}

// String implements fmt.Stringer.
func (m Matrix) String() string {
	return fmt.Sprintf("Matrix[%d, %d]", m.Rows, m.Cols)
}

// Row returns a view (not a copy) of row i.
func (m Matrix) Row(i int) []float32 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// At returns the element at row i, column j.
func (m Matrix) At(i, j int) float32 {
	return m.Data[i*m.Cols+j]
}

// Truncate returns a view with at most maxRows rows.
func (m Matrix) Truncate(maxRows int) Matrix {
	if m.Rows <= maxRows {
		return m
	}
	return Matrix{Rows: maxRows, Cols: m.Cols, Data: m.Data[:maxRows*m.Cols]}
}

// PadRows returns a new matrix with exactly rows rows: the original rows first, followed by zero rows.
// It panics if rows < m.Rows, use Truncate first.
func (m Matrix) PadRows(rows int) Matrix {
	if rows < m.Rows {
		panic(errors.Errorf("PadRows(%d) called on matrix with %d rows", rows, m.Rows))
	}
	padded := New(rows, m.Cols)
	copy(padded.Data, m.Data)
	return padded
}

// CopyInto writes the matrix into dst starting at offset 0 and zero-fills the remaining of dst.
// dst must have room for at least m.Rows*m.Cols values.
func (m Matrix) CopyInto(dst []float32) {
	n := copy(dst, m.Data)
	clear(dst[n:])
}

// SubtractColumnMean subtracts, in place, the mean of each column over all rows.
// It's a no-op for matrices with no rows.
func (m Matrix) SubtractColumnMean() {
	if m.Rows == 0 {
		return
	}
	means := make([]float64, m.Cols)
	for i := range m.Rows {
		for j, v := range m.Row(i) {
			means[j] += float64(v)
		}
	}
	for j := range means {
		means[j] /= float64(m.Rows)
	}
	for i := range m.Rows {
		row := m.Row(i)
		for j := range row {
			row[j] = float32(float64(row[j]) - means[j])
		}
	}
}

// Clone returns a deep copy.
func (m Matrix) Clone() Matrix {
	c := Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float32, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}
