// Package tensor implements the small dense 2-D batches that pipeline
// ranks exchange and that compute units consume: row-major matrices with
// a batch dimension, supporting the splitting, merging and linear-algebra
// operations the scheduler and its compute units need.
package tensor

import (
	"github.com/gomlx/exceptions"
)

// A Tensor is a dense row-major matrix. The first dimension is
// conventionally the batch dimension.
//
// A Tensor may be a view into another Tensor's storage (see Scatter), in
// which case it cannot be released.
type Tensor struct {
	rows, cols int
	data       []float64
	view       bool
}

// New creates a zero-filled tensor.
func New(rows, cols int) *Tensor {
	if rows <= 0 || cols <= 0 {
		exceptions.Panicf("tensor.New: invalid shape %dx%d", rows, cols)
	}
	return &Tensor{rows: rows, cols: cols, data: make([]float64, rows*cols)}
}

// FromData creates a tensor that takes ownership of data.
func FromData(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		exceptions.Panicf("tensor.FromData: %d values for shape %dx%d", len(data), rows, cols)
	}
	return &Tensor{rows: rows, cols: cols, data: data}
}

// Rows returns the batch dimension.
func (t *Tensor) Rows() int { return t.rows }

// Cols returns the feature dimension.
func (t *Tensor) Cols() int { return t.cols }

// Dim returns the size along the given dimension (0 or 1).
func (t *Tensor) Dim(dim int) int {
	switch dim {
	case 0:
		return t.rows
	case 1:
		return t.cols
	}
	exceptions.Panicf("tensor.Dim: invalid dimension %d", dim)
	return 0
}

// Data returns the backing storage, or nil if the tensor was released.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the element at row i, column j.
func (t *Tensor) At(i, j int) float64 { return t.data[i*t.cols+j] }

// Set assigns the element at row i, column j.
func (t *Tensor) Set(i, j int, v float64) { t.data[i*t.cols+j] = v }

// IsView reports whether the tensor aliases another tensor's storage.
func (t *Tensor) IsView() bool { return t.view }

// Released reports whether the tensor's storage has been freed.
func (t *Tensor) Released() bool { return t.data == nil }

// Release frees the backing storage. A pipeline stage must never hand a
// view to the communication layer, so releasing a view is fatal.
func (t *Tensor) Release() {
	if t.view {
		exceptions.Panicf("tensor.Release: cannot release a %dx%d view", t.rows, t.cols)
	}
	t.data = nil
}

// Clone returns a deep, non-view copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{rows: t.rows, cols: t.cols, data: data}
}

// CopyFrom overwrites the tensor's contents with o's. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) {
	if t.rows != o.rows || t.cols != o.cols {
		exceptions.Panicf("tensor.CopyFrom: shape %dx%d != %dx%d", t.rows, t.cols, o.rows, o.cols)
	}
	copy(t.data, o.data)
}

// Scatter splits t into n equal micro-batches along dim (0 = rows,
// 1 = columns). The dimension must divide evenly by n. Splitting along
// rows yields views into t's storage; splitting along columns copies.
func Scatter(t *Tensor, n, dim int) []*Tensor {
	size := t.Dim(dim)
	if n <= 0 || size%n != 0 {
		exceptions.Panicf("tensor.Scatter: cannot split dimension of size %d into %d parts", size, n)
	}
	parts := make([]*Tensor, n)
	if dim == 0 {
		chunkRows := t.rows / n
		for i := range parts {
			start := i * chunkRows * t.cols
			parts[i] = &Tensor{
				rows: chunkRows,
				cols: t.cols,
				data: t.data[start : start+chunkRows*t.cols],
				view: true,
			}
		}
		return parts
	}
	chunkCols := t.cols / n
	for i := range parts {
		part := New(t.rows, chunkCols)
		for r := 0; r < t.rows; r++ {
			copy(part.data[r*chunkCols:(r+1)*chunkCols],
				t.data[r*t.cols+i*chunkCols:r*t.cols+(i+1)*chunkCols])
		}
		parts[i] = part
	}
	return parts
}

// Gather merges micro-batches back into one tensor along dim, inverting
// Scatter.
func Gather(parts []*Tensor, dim int) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("tensor.Gather: no parts")
	}
	first := parts[0]
	if dim == 0 {
		res := New(first.rows*len(parts), first.cols)
		offset := 0
		for _, part := range parts {
			if part.cols != first.cols || part.rows != first.rows {
				exceptions.Panicf("tensor.Gather: mismatched part shapes")
			}
			copy(res.data[offset:], part.data)
			offset += len(part.data)
		}
		return res
	}
	res := New(first.rows, first.cols*len(parts))
	for i, part := range parts {
		if part.cols != first.cols || part.rows != first.rows {
			exceptions.Panicf("tensor.Gather: mismatched part shapes")
		}
		for r := 0; r < part.rows; r++ {
			copy(res.data[r*res.cols+i*first.cols:r*res.cols+(i+1)*first.cols],
				part.data[r*part.cols:(r+1)*part.cols])
		}
	}
	return res
}

// MatMul returns a·b.
func MatMul(a, b *Tensor) *Tensor {
	if a.cols != b.rows {
		exceptions.Panicf("tensor.MatMul: %dx%d · %dx%d", a.rows, a.cols, b.rows, b.cols)
	}
	res := New(a.rows, b.cols)
	for i := 0; i < a.rows; i++ {
		for k := 0; k < a.cols; k++ {
			av := a.data[i*a.cols+k]
			if av == 0 {
				continue
			}
			row := b.data[k*b.cols:]
			out := res.data[i*b.cols:]
			for j := 0; j < b.cols; j++ {
				out[j] += av * row[j]
			}
		}
	}
	return res
}

// Transposed returns a transposed copy.
func (t *Tensor) Transposed() *Tensor {
	res := New(t.cols, t.rows)
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			res.data[j*t.rows+i] = t.data[i*t.cols+j]
		}
	}
	return res
}

// Sub returns a−b.
func Sub(a, b *Tensor) *Tensor {
	if a.rows != b.rows || a.cols != b.cols {
		exceptions.Panicf("tensor.Sub: shape %dx%d != %dx%d", a.rows, a.cols, b.rows, b.cols)
	}
	res := New(a.rows, a.cols)
	for i, v := range a.data {
		res.data[i] = v - b.data[i]
	}
	return res
}

// Add accumulates o into t in place.
func (t *Tensor) Add(o *Tensor) {
	if t.rows != o.rows || t.cols != o.cols {
		exceptions.Panicf("tensor.Add: shape %dx%d != %dx%d", t.rows, t.cols, o.rows, o.cols)
	}
	for i, v := range o.data {
		t.data[i] += v
	}
}

// Scale multiplies every element by f in place.
func (t *Tensor) Scale(f float64) {
	for i := range t.data {
		t.data[i] *= f
	}
}

// AddRow adds a 1×cols row vector to every row of t in place.
func (t *Tensor) AddRow(row *Tensor) {
	if row.rows != 1 || row.cols != t.cols {
		exceptions.Panicf("tensor.AddRow: row shape %dx%d for tensor %dx%d",
			row.rows, row.cols, t.rows, t.cols)
	}
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			t.data[i*t.cols+j] += row.data[j]
		}
	}
}

// SumRows returns the 1×cols sum over the batch dimension.
func (t *Tensor) SumRows() *Tensor {
	res := New(1, t.cols)
	for i := 0; i < t.rows; i++ {
		for j := 0; j < t.cols; j++ {
			res.data[j] += t.data[i*t.cols+j]
		}
	}
	return res
}
