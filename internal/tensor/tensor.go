// Package tensor provides the dense float64 buffers collective
// payloads travel in.
//
// A Buffer is a row-major matrix with an exported flat backing slice.
// Fabrics read and write Data directly; Section carves a buffer into
// equal rank-addressed chunks without copying, which is how scatter,
// gather, and all-to-all payloads are assembled and checked. Element
// comparison follows the allclose convention: an element passes when
// |got-want| <= atol + rtol*|want|.
package tensor

import "fmt"

// Tolerances applied by AllClose. Relative 1e-7 with no absolute term
// is the conventional default for float64 verification.
const (
	DefaultRtol = 1e-7
	DefaultAtol = 0.0
)

// Buffer is a dense row-major float64 matrix. Constructors guarantee
// len(Data) == Rows*Cols; code that replaces Data must preserve that.
type Buffer struct {
	// Rows and Cols give the logical shape. Vectors are 1 x n.
	Rows, Cols int
	// Data holds the elements row by row. Views produced by Section
	// alias a parent's backing array.
	Data []float64
}

// Zeros returns a rows x cols buffer of zeros. Panics unless both
// dimensions are positive.
func Zeros(rows, cols int) *Buffer {
	if rows < 1 || cols < 1 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	return &Buffer{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Ones returns a rows x cols buffer of ones.
func Ones(rows, cols int) *Buffer {
	return Full(rows, cols, 1)
}

// Full returns a rows x cols buffer with every element set to v.
func Full(rows, cols int, v float64) *Buffer {
	b := Zeros(rows, cols)
	b.Fill(v)
	return b
}

// Arange returns a 1 x n vector holding 0, 1, ..., n-1.
func Arange(n int) *Buffer {
	b := Zeros(1, n)
	for i := range b.Data {
		b.Data[i] = float64(i)
	}
	return b
}

// FromSlice wraps data as a rows x cols buffer without copying.
// Panics when the slice length does not match the shape.
func FromSlice(rows, cols int, data []float64) *Buffer {
	if rows < 1 || cols < 1 {
		panic(fmt.Sprintf("tensor: invalid shape %dx%d", rows, cols))
	}
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor: %d elements for shape %dx%d", len(data), rows, cols))
	}
	return &Buffer{Rows: rows, Cols: cols, Data: data}
}

// Len returns the element count.
func (b *Buffer) Len() int {
	return len(b.Data)
}

// Fill sets every element to v.
func (b *Buffer) Fill(v float64) {
	for i := range b.Data {
		b.Data[i] = v
	}
}

// Add accumulates o into b element-wise. Panics on length mismatch;
// reductions only combine buffers of a single declared shape.
func (b *Buffer) Add(o *Buffer) {
	if len(o.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensor: add %d elements into %d", len(o.Data), len(b.Data)))
	}
	for i, v := range o.Data {
		b.Data[i] += v
	}
}

// Clone returns a deep copy with its own backing array.
func (b *Buffer) Clone() *Buffer {
	d := make([]float64, len(b.Data))
	copy(d, b.Data)
	return &Buffer{Rows: b.Rows, Cols: b.Cols, Data: d}
}

// CopyFrom overwrites b's elements with o's. Panics on length
// mismatch.
func (b *Buffer) CopyFrom(o *Buffer) {
	if len(o.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensor: copy %d elements into %d", len(o.Data), len(b.Data)))
	}
	copy(b.Data, o.Data)
}

// Section returns the i-th of `of` equal chunks as a 1 x (Len/of)
// view sharing b's backing array. Writing through the view writes the
// parent. Panics when Len is not divisible by of or i is out of
// range; callers gate indivisible worlds before building sections.
func (b *Buffer) Section(i, of int) *Buffer {
	if of < 1 || len(b.Data)%of != 0 {
		panic(fmt.Sprintf("tensor: %d elements not divisible into %d sections", len(b.Data), of))
	}
	if i < 0 || i >= of {
		panic(fmt.Sprintf("tensor: section %d of %d", i, of))
	}
	n := len(b.Data) / of
	return &Buffer{Rows: 1, Cols: n, Data: b.Data[i*n : (i+1)*n : (i+1)*n]}
}

// AllClose compares b against want under the default tolerances and
// returns nil when every element passes. A shape difference is an
// immediate error; element differences come back as a *Mismatch
// describing the whole comparison.
func (b *Buffer) AllClose(want *Buffer) error {
	return b.AllCloseTol(want, DefaultRtol, DefaultAtol)
}

// AllCloseTol is AllClose with explicit tolerances.
func (b *Buffer) AllCloseTol(want *Buffer, rtol, atol float64) error {
	if b.Rows != want.Rows || b.Cols != want.Cols {
		return fmt.Errorf("tensor: shape %dx%d, want %dx%d", b.Rows, b.Cols, want.Rows, want.Cols)
	}
	m := &Mismatch{Total: len(b.Data), FirstIndex: -1}
	for i, got := range b.Data {
		w := want.Data[i]
		diff := got - w
		if diff < 0 {
			diff = -diff
		}
		lim := atol + rtol*abs(w)
		// NaN fails every comparison, including against itself.
		if diff <= lim {
			continue
		}
		m.Bad++
		if m.FirstIndex < 0 {
			m.FirstIndex = i
			m.FirstGot = got
			m.FirstWant = w
		}
		if diff > m.MaxAbsDiff {
			m.MaxAbsDiff = diff
		}
	}
	if m.Bad == 0 {
		return nil
	}
	return m
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Mismatch reports a failed buffer comparison. One Mismatch covers
// one whole-buffer check regardless of how many elements differ.
type Mismatch struct {
	// Total and Bad count compared and failing elements.
	Total, Bad int
	// FirstIndex locates the first failing element in flat order,
	// with the observed and expected values alongside.
	FirstIndex int
	FirstGot   float64
	FirstWant  float64
	// MaxAbsDiff is the largest absolute difference seen.
	MaxAbsDiff float64
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("%d/%d elements differ (first at %d: got %v, want %v; max abs diff %v)",
		m.Bad, m.Total, m.FirstIndex, m.FirstGot, m.FirstWant, m.MaxAbsDiff)
}
