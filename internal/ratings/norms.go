package ratings

import "gonum.org/v1/gonum/floats"

// Norms holds one L2 norm per matrix row. A zero norm marks a row that must be
// skipped by similarity scoring.
type Norms []float64

// ComputeNorms returns the L2 norm of every row of m. Norms must be recomputed
// for the matrix returned by CenterRows.
func ComputeNorms(m *Matrix) Norms {
	norms := make(Norms, m.Rows())
	for u := range norms {
		_, values := m.Row(u)
		norms[u] = VectorNorm(values)
	}
	return norms
}

// VectorNorm is sqrt(sum(v^2)), defined as 0 for an empty vector.
func VectorNorm(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Norm(values, 2)
}
