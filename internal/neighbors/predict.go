package neighbors

import (
	"math"
	"slices"

	"github.com/temcen/knnrec/internal/ratings"
)

// Prediction is the aggregated score of one candidate item.
type Prediction struct {
	ItemID int `json:"item_id"`
	// Score is the weighted average P(item) as returned by Predict.
	// Engine.Recommend replaces it with the de-normalized value
	// (P + query mean) * rating scale, which is what callers see.
	Score   float64 `json:"score"`
	Support int     `json:"support"`
	Weight  float64 `json:"weight"`
}

// Predict aggregates the neighbors' ratings into one prediction per item
// touched by at least one neighbor:
//
//	S(i) = sum |s_n|        over neighbors n that rated i
//	P(i) = sum s_n * r_ni / S(i)
//
// Items with S(i) == 0 and items in exclude are omitted. The result is in
// ascending item order.
func Predict(m *ratings.Matrix, neighbors []Score, exclude map[int]struct{}) []Prediction {
	if len(neighbors) == 0 {
		return nil
	}
	rows := make([]int, len(neighbors))
	for k, n := range neighbors {
		rows[k] = n.UserID
	}
	sub := m.SelectRows(rows)
	columns := sub.Columns()

	var out []Prediction
	for item := 0; item < columns.Len(); item++ {
		raters, values := columns.Column(item)
		if len(raters) == 0 {
			continue
		}
		if _, skip := exclude[item]; skip {
			continue
		}
		var weighted, support float64
		for k, r := range raters {
			s := neighbors[r].Value
			weighted += s * values[k]
			support += math.Abs(s)
		}
		if support == 0 {
			continue
		}
		score := weighted / support
		if math.IsNaN(score) || math.IsInf(score, 0) {
			continue
		}
		out = append(out, Prediction{
			ItemID:  item,
			Score:   score,
			Support: len(raters),
			Weight:  support,
		})
	}
	return out
}

// Rank orders predictions by score descending, then item id ascending. The
// input is not modified.
func Rank(predictions []Prediction) []Prediction {
	out := slices.Clone(predictions)
	slices.SortFunc(out, func(a, b Prediction) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.ItemID < b.ItemID:
			return -1
		case a.ItemID > b.ItemID:
			return 1
		}
		return 0
	})
	return out
}
