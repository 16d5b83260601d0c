package ratings

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CenterValues subtracts the mean of values from every element in place and
// returns the mean. An empty slice is left untouched and yields 0.
func CenterValues(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := stat.Mean(values, nil)
	floats.AddConst(-mean, values)
	return mean
}

// CenterRows returns a copy of m where each row has had the mean of its own
// stored ratings subtracted. Rows without ratings are left untouched. A matrix
// that is already centered is returned as is.
func CenterRows(m *Matrix) *Matrix {
	if m.centered {
		return m
	}
	out := &Matrix{
		rows:     m.rows,
		cols:     m.cols,
		indptr:   m.indptr,
		indices:  m.indices,
		values:   make([]float64, len(m.values)),
		scale:    m.scale,
		centered: true,
		means:    make([]float64, m.rows),
	}
	copy(out.values, m.values)
	for u := 0; u < m.rows; u++ {
		lo, hi := out.indptr[u], out.indptr[u+1]
		out.means[u] = CenterValues(out.values[lo:hi])
	}
	return out
}
