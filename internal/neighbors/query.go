package neighbors

import (
	"errors"
	"fmt"
	"slices"

	"github.com/temcen/knnrec/internal/ratings"
)

var (
	// ErrEmptyQuery means the query carries no signal (no ratings, or a zero
	// norm after centering). Engine.Recommend turns it into an empty result.
	ErrEmptyQuery = errors.New("query has no nonzero ratings")
	// ErrUnknownUser is returned for a row query outside the matrix,
	// negative rows included.
	ErrUnknownUser = errors.New("user is not a row of the matrix")
	// ErrInvalidItem is returned for a cold query holding an item id that is
	// negative or not below the matrix column count.
	ErrInvalidItem = errors.New("invalid item id in query")
)

// Query is either an existing matrix row or an ad hoc item -> rating mapping.
type Query struct {
	cold   bool
	row    int
	items  []int
	values []float64
}

// RowQuery targets row u of the matrix. Row u is never its own neighbor.
func RowQuery(u int) Query {
	return Query{row: u}
}

// ColdQuery targets a user who is not in the matrix. Ratings are given on the
// original scale and are normalized the same way matrix rows were.
func ColdQuery(ratingsByItem map[int]float64) Query {
	q := Query{cold: true, row: -1, items: make([]int, 0, len(ratingsByItem))}
	for item := range ratingsByItem {
		q.items = append(q.items, item)
	}
	slices.Sort(q.items)
	q.values = make([]float64, len(q.items))
	for k, item := range q.items {
		q.values[k] = ratingsByItem[item]
	}
	return q
}

// SelfIndex returns the row index of a row query.
func (q Query) SelfIndex() (int, bool) {
	return q.row, !q.cold
}

// resolved is a query projected into the matrix space.
type resolved struct {
	self   int
	items  []int
	values []float64
	norm   float64
	mean   float64
}

func (r *resolved) excluded() map[int]struct{} {
	set := make(map[int]struct{}, len(r.items))
	for _, item := range r.items {
		set[item] = struct{}{}
	}
	return set
}

func resolve(m *ratings.Matrix, norms ratings.Norms, q Query) (*resolved, error) {
	if self, ok := q.SelfIndex(); ok {
		if self < 0 || self >= m.Rows() {
			return nil, fmt.Errorf("%w: %d (rows=%d)", ErrUnknownUser, self, m.Rows())
		}
		items, values := m.Row(self)
		return &resolved{
			self:   self,
			items:  items,
			values: values,
			norm:   norms[self],
			mean:   m.RowMean(self),
		}, nil
	}

	r := &resolved{
		self:   -1,
		items:  q.items,
		values: make([]float64, len(q.values)),
	}
	for k, item := range q.items {
		if item < 0 || item >= m.Cols() {
			return nil, fmt.Errorf("%w: %d", ErrInvalidItem, item)
		}
		r.values[k] = q.values[k] / m.Scale()
	}
	if m.Centered() {
		r.mean = ratings.CenterValues(r.values)
	}
	r.norm = ratings.VectorNorm(r.values)
	return r, nil
}
