package field

import (
	"fmt"
	"math"
)

// Field is a dense row-major grid of values. Row 0 holds the minimum
// latitude; column 0 holds the minimum longitude.
type Field struct {
	Rows   int
	Cols   int
	Values []float64
}

// New returns a zero-valued field of the given shape.
func New(rows, cols int) Field {
	return Field{Rows: rows, Cols: cols, Values: make([]float64, rows*cols)}
}

// Filled returns a field of the given shape with every cell set to v.
func Filled(rows, cols int, v float64) Field {
	f := New(rows, cols)
	for i := range f.Values {
		f.Values[i] = v
	}
	return f
}

// FromRows builds a field from a slice of equally sized rows.
func FromRows(rows [][]float64) (Field, error) {
	if len(rows) == 0 {
		return Field{}, fmt.Errorf("%w: no rows", ErrFieldShapeMismatch)
	}
	cols := len(rows[0])
	f := New(len(rows), cols)
	for r, row := range rows {
		if len(row) != cols {
			return Field{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrFieldShapeMismatch, r, len(row), cols)
		}
		copy(f.Values[r*cols:], row)
	}
	return f, nil
}

// At returns the value at row r, column c.
func (f Field) At(r, c int) float64 { return f.Values[r*f.Cols+c] }

// Set stores v at row r, column c.
func (f Field) Set(r, c int, v float64) { f.Values[r*f.Cols+c] = v }

// Len returns the number of cells.
func (f Field) Len() int { return len(f.Values) }

// Clone returns a deep copy of f.
func (f Field) Clone() Field {
	out := Field{Rows: f.Rows, Cols: f.Cols, Values: make([]float64, len(f.Values))}
	copy(out.Values, f.Values)
	return out
}

// SameShape reports whether f and o have identical dimensions.
func (f Field) SameShape(o Field) bool {
	return f.Rows == o.Rows && f.Cols == o.Cols && len(f.Values) == len(o.Values)
}

// MinMax returns the smallest and largest values in the field.
func (f Field) MinMax() (lo, hi float64) {
	if len(f.Values) == 0 {
		return math.NaN(), math.NaN()
	}
	lo, hi = f.Values[0], f.Values[0]
	for _, v := range f.Values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// CheckFinite returns ErrNumericInstability if any cell is NaN or Inf.
func (f Field) CheckFinite() error {
	for i, v := range f.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value %v at cell %d", ErrNumericInstability, v, i)
		}
	}
	return nil
}

// Rows2D returns a copy of the field as nested slices, row 0 first.
func (f Field) Rows2D() [][]float64 {
	out := make([][]float64, f.Rows)
	for r := range out {
		out[r] = make([]float64, f.Cols)
		copy(out[r], f.Values[r*f.Cols:(r+1)*f.Cols])
	}
	return out
}
