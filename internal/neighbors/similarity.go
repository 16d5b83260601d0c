package neighbors

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/temcen/knnrec/internal/ratings"
)

// Score is the cosine similarity between the query and one matrix row.
type Score struct {
	UserID int     `json:"user_id"`
	Value  float64 `json:"score"`
}

const checkEvery = 1024

// similarities computes dot = M * q^T with one sparse product and divides by
// the norms. Rows are split into contiguous blocks scored concurrently; the
// result preserves ascending row order regardless of workers.
//
// Rows with a zero norm, rows sharing no item with the query and the query's
// own row emit no score.
func similarities(ctx context.Context, m *ratings.Matrix, norms ratings.Norms, q *resolved, workers int) ([]Score, error) {
	if q.norm == 0 {
		return nil, ErrEmptyQuery
	}

	dense := make([]float64, m.Cols())
	present := make([]bool, m.Cols())
	for k, item := range q.items {
		dense[item] = q.values[k]
		present[item] = true
	}

	rows := m.Rows()
	if workers < 1 {
		workers = 1
	}
	if workers > rows {
		workers = max(rows, 1)
	}
	blockSize := (rows + workers - 1) / workers
	blocks := make([][]Score, workers)

	g, ctx := errgroup.WithContext(ctx)
	for b := 0; b < workers; b++ {
		lo := b * blockSize
		hi := min(lo+blockSize, rows)
		g.Go(func() error {
			var out []Score
			for u := lo; u < hi; u++ {
				if (u-lo)%checkEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				if u == q.self || norms[u] == 0 {
					continue
				}
				items, values := m.Row(u)
				var dot float64
				overlap := false
				for k, item := range items {
					if present[item] {
						overlap = true
						dot += values[k] * dense[item]
					}
				}
				if !overlap {
					continue
				}
				score := dot / (q.norm * norms[u])
				if math.IsNaN(score) || math.IsInf(score, 0) {
					continue
				}
				out = append(out, Score{UserID: u, Value: score})
			}
			blocks[b] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, blk := range blocks {
		total += len(blk)
	}
	scores := make([]Score, 0, total)
	for _, blk := range blocks {
		scores = append(scores, blk...)
	}
	return scores, nil
}

// Similarities scores query q against every row of m. It returns ErrEmptyQuery
// when the query has a zero norm.
func Similarities(ctx context.Context, m *ratings.Matrix, norms ratings.Norms, q Query, workers int) ([]Score, error) {
	r, err := resolve(m, norms, q)
	if err != nil {
		return nil, err
	}
	return similarities(ctx, m, norms, r, workers)
}
