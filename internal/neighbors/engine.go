package neighbors

import (
	"context"
	"errors"

	"github.com/temcen/knnrec/internal/ratings"
)

// Config tunes neighbor selection.
type Config struct {
	// K is the number of neighbors kept per query.
	K int
	// MinSimilarity discards neighbors scoring below it when set.
	MinSimilarity *float64
	// Workers is the number of row blocks scored concurrently.
	Workers int
}

// Result is the outcome of one query.
type Result struct {
	Neighbors       []Score      `json:"neighbors"`
	Recommendations []Prediction `json:"recommendations"`
}

// Engine is a frozen matrix with its norms. It holds no mutable state, so any
// number of queries may run against it concurrently.
type Engine struct {
	matrix *ratings.Matrix
	norms  ratings.Norms
	cfg    Config
}

// NewEngine computes the norms of m and freezes both together, so the norms
// always match the normalization of the matrix they are paired with.
func NewEngine(m *ratings.Matrix, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		matrix: m,
		norms:  ratings.ComputeNorms(m),
		cfg:    cfg,
	}
}

func (e *Engine) Matrix() *ratings.Matrix { return e.matrix }

func (e *Engine) Norms() ratings.Norms { return e.norms }

func (e *Engine) Config() Config { return e.cfg }

// Neighbors returns the neighbor set of q. An empty query yields no neighbors
// and no error.
func (e *Engine) Neighbors(ctx context.Context, q Query) ([]Score, error) {
	r, err := resolve(e.matrix, e.norms, q)
	if err != nil {
		return nil, err
	}
	return e.neighbors(ctx, r)
}

func (e *Engine) neighbors(ctx context.Context, r *resolved) ([]Score, error) {
	scores, err := similarities(ctx, e.matrix, e.norms, r, e.cfg.Workers)
	if errors.Is(err, ErrEmptyQuery) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.cfg.MinSimilarity != nil {
		scores = AboveMinimum(scores, *e.cfg.MinSimilarity)
	}
	return SelectTopK(scores, e.cfg.K), nil
}

// Recommend runs the full pipeline for q and returns at most limit ranked
// predictions (limit <= 0 means all). Scores are reported on the original
// rating scale: the query mean removed by centering is added back and the
// ingestion scale is undone.
func (e *Engine) Recommend(ctx context.Context, q Query, limit int) (*Result, error) {
	r, err := resolve(e.matrix, e.norms, q)
	if err != nil {
		return nil, err
	}
	nbrs, err := e.neighbors(ctx, r)
	if err != nil {
		return nil, err
	}
	result := &Result{Neighbors: nbrs}
	if len(nbrs) == 0 {
		return result, nil
	}

	predictions := Predict(e.matrix, nbrs, r.excluded())
	for k := range predictions {
		predictions[k].Score = (predictions[k].Score + r.mean) * e.matrix.Scale()
	}
	ranked := Rank(predictions)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	result.Recommendations = ranked
	return result, nil
}
