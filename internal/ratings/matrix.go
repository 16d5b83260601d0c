package ratings

import (
	"sort"
	"sync"
)

// Matrix is a read-only sparse user x item rating matrix in CSR layout.
// A stored entry means "rated", including a stored value of zero; absent
// entries mean "not rated". Once built, a Matrix is safe for concurrent use.
type Matrix struct {
	rows    int
	cols    int
	indptr  []int
	indices []int
	values  []float64

	scale    float64
	centered bool
	means    []float64

	columnsOnce sync.Once
	columns     *Columns
}

// Rows returns the number of user rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of item columns.
func (m *Matrix) Cols() int { return m.cols }

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int { return len(m.values) }

// Scale returns the divisor applied to ratings at ingestion.
func (m *Matrix) Scale() float64 { return m.scale }

// Centered reports whether rows have been mean-centered.
func (m *Matrix) Centered() bool { return m.centered }

// Row returns the item indices (ascending) and values of row u. The returned
// slices belong to the matrix and must not be modified.
func (m *Matrix) Row(u int) ([]int, []float64) {
	if u < 0 || u >= m.rows {
		return nil, nil
	}
	lo, hi := m.indptr[u], m.indptr[u+1]
	return m.indices[lo:hi:hi], m.values[lo:hi:hi]
}

// RowLen returns the number of stored entries of row u.
func (m *Matrix) RowLen(u int) int {
	if u < 0 || u >= m.rows {
		return 0
	}
	return m.indptr[u+1] - m.indptr[u]
}

// RowMean returns the mean subtracted from row u by CenterRows, or 0.
func (m *Matrix) RowMean(u int) float64 {
	if !m.centered || u < 0 || u >= m.rows {
		return 0
	}
	return m.means[u]
}

// Value returns the stored value at (u, i) and whether it exists.
func (m *Matrix) Value(u, i int) (float64, bool) {
	items, values := m.Row(u)
	k := sort.SearchInts(items, i)
	if k < len(items) && items[k] == i {
		return values[k], true
	}
	return 0, false
}

// SelectRows returns a new matrix whose k-th row is a copy of row rows[k].
// The result owns its storage.
func (m *Matrix) SelectRows(rows []int) *Matrix {
	sub := &Matrix{
		rows:     len(rows),
		cols:     m.cols,
		indptr:   make([]int, len(rows)+1),
		scale:    m.scale,
		centered: m.centered,
	}
	nnz := 0
	for _, u := range rows {
		nnz += m.RowLen(u)
	}
	sub.indices = make([]int, 0, nnz)
	sub.values = make([]float64, 0, nnz)
	if m.centered {
		sub.means = make([]float64, len(rows))
	}
	for k, u := range rows {
		items, values := m.Row(u)
		sub.indices = append(sub.indices, items...)
		sub.values = append(sub.values, values...)
		sub.indptr[k+1] = len(sub.values)
		if m.centered {
			sub.means[k] = m.RowMean(u)
		}
	}
	return sub
}

// Columns is the item -> users projection of a matrix (CSC layout).
type Columns struct {
	indptr []int
	rows   []int
	values []float64
}

// Column returns the row indices (ascending) and values stored in column i.
func (c *Columns) Column(i int) ([]int, []float64) {
	if i < 0 || i+1 >= len(c.indptr) {
		return nil, nil
	}
	lo, hi := c.indptr[i], c.indptr[i+1]
	return c.rows[lo:hi:hi], c.values[lo:hi:hi]
}

// Len returns the number of columns.
func (c *Columns) Len() int { return len(c.indptr) - 1 }

// Columns returns the column view, building it on first use.
func (m *Matrix) Columns() *Columns {
	m.columnsOnce.Do(func() {
		c := &Columns{
			indptr: make([]int, m.cols+1),
			rows:   make([]int, len(m.values)),
			values: make([]float64, len(m.values)),
		}
		for _, i := range m.indices {
			c.indptr[i+1]++
		}
		for i := 0; i < m.cols; i++ {
			c.indptr[i+1] += c.indptr[i]
		}
		next := make([]int, m.cols)
		copy(next, c.indptr[:m.cols])
		for u := 0; u < m.rows; u++ {
			for k := m.indptr[u]; k < m.indptr[u+1]; k++ {
				i := m.indices[k]
				c.rows[next[i]] = u
				c.values[next[i]] = m.values[k]
				next[i]++
			}
		}
		m.columns = c
	})
	return m.columns
}
