package neighbors

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/knnrec/internal/ratings"
)

// threeUsers is U1={i1:5,i2:3}, U2={i1:4,i2:2,i3:5}, U3={i4:5} with zero-based ids.
func threeUsers(t *testing.T) *ratings.Matrix {
	t.Helper()
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 5},
		{UserID: 0, ItemID: 1, Rating: 3},
		{UserID: 1, ItemID: 0, Rating: 4},
		{UserID: 1, ItemID: 1, Rating: 2},
		{UserID: 1, ItemID: 2, Rating: 5},
		{UserID: 2, ItemID: 3, Rating: 5},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 3, Items: 4}})
	require.NoError(t, err)
	return m
}

func randomMatrix(t *testing.T, users, items, nnz int, seed int64) *ratings.Matrix {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	events := make([]ratings.Event, nnz)
	for k := range events {
		events[k] = ratings.Event{
			UserID: rng.Intn(users),
			ItemID: rng.Intn(items),
			Rating: float64(rng.Intn(10)+1) / 2,
		}
	}
	m, _, err := ratings.Ingest(events, ratings.Options{Capacity: ratings.Capacity{Users: users, Items: items}})
	require.NoError(t, err)
	return m
}

func TestEngine_ThreeUserScenario(t *testing.T) {
	m := threeUsers(t)
	engine := NewEngine(m, Config{K: 2, Workers: 2})

	result, err := engine.Recommend(context.Background(), RowQuery(0), 0)
	require.NoError(t, err)

	require.Len(t, result.Neighbors, 1, "U3 shares no item with U1 and must not appear")
	assert.Equal(t, 1, result.Neighbors[0].UserID)
	assert.InDelta(t, 26/(math.Sqrt(34)*math.Sqrt(45)), result.Neighbors[0].Value, 1e-12)

	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, 2, result.Recommendations[0].ItemID)
	assert.InDelta(t, 5.0, result.Recommendations[0].Score, 1e-12)
	assert.Equal(t, 1, result.Recommendations[0].Support)
}

func TestEngine_ThreeUserScenarioCentered(t *testing.T) {
	m := ratings.CenterRows(threeUsers(t))
	engine := NewEngine(m, Config{K: 5})

	result, err := engine.Recommend(context.Background(), RowQuery(0), 10)
	require.NoError(t, err)

	require.Len(t, result.Neighbors, 1)
	assert.Equal(t, 1, result.Neighbors[0].UserID)

	// U2 centered rating for i3 is 5 - 11/3; U1's mean 4 is added back.
	require.Len(t, result.Recommendations, 1)
	assert.InDelta(t, 4+4.0/3, result.Recommendations[0].Score, 1e-12)
}

func TestEngine_RecommendDenormalizesScore(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 5},
		{UserID: 0, ItemID: 1, Rating: 3},
		{UserID: 1, ItemID: 0, Rating: 4},
		{UserID: 1, ItemID: 1, Rating: 2},
		{UserID: 1, ItemID: 2, Rating: 5},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 2, Items: 3}, Scale: 5})
	require.NoError(t, err)
	engine := NewEngine(ratings.CenterRows(m), Config{K: 1})

	nbrs, err := engine.Neighbors(context.Background(), RowQuery(0))
	require.NoError(t, err)
	raw := Predict(engine.Matrix(), nbrs, map[int]struct{}{0: {}, 1: {}})
	require.Len(t, raw, 1)
	// U2 stored 1.0 for i3 against a stored mean of 11/15.
	assert.InDelta(t, 4.0/15, raw[0].Score, 1e-12)

	result, err := engine.Recommend(context.Background(), RowQuery(0), 0)
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)
	// (4/15 + 0.8) * 5
	assert.InDelta(t, 16.0/3, result.Recommendations[0].Score, 1e-12)
}

func TestSimilarities_IdenticalRowsAndSelf(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 4},
		{UserID: 0, ItemID: 2, Rating: 1},
		{UserID: 1, ItemID: 0, Rating: 4},
		{UserID: 1, ItemID: 2, Rating: 1},
		{UserID: 2, ItemID: 0, Rating: 1},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 4, Items: 3}})
	require.NoError(t, err)
	norms := ratings.ComputeNorms(m)

	scores, err := Similarities(context.Background(), m, norms, RowQuery(0), 3)
	require.NoError(t, err)

	byUser := map[int]float64{}
	for _, s := range scores {
		byUser[s.UserID] = s.Value
	}
	_, self := byUser[0]
	assert.False(t, self, "a row is never scored against itself")
	_, empty := byUser[3]
	assert.False(t, empty, "rows with zero norm are skipped")
	assert.InDelta(t, 1.0, byUser[1], 1e-12)
	assert.InDelta(t, 4/math.Sqrt(17), byUser[2], 1e-12)

	for _, s := range scores {
		assert.LessOrEqual(t, s.Value, 1+1e-9)
		assert.GreaterOrEqual(t, s.Value, -1-1e-9)
	}
}

func TestSimilarities_ColdQueryMatchesRow(t *testing.T) {
	m := ratings.CenterRows(threeUsers(t))
	norms := ratings.ComputeNorms(m)

	row, err := Similarities(context.Background(), m, norms, RowQuery(0), 1)
	require.NoError(t, err)
	cold, err := Similarities(context.Background(), m, norms, ColdQuery(map[int]float64{0: 5, 1: 3}), 1)
	require.NoError(t, err)

	// the cold copy of U1 also matches U1 itself, perfectly
	require.Len(t, cold, 2)
	assert.Equal(t, 0, cold[0].UserID)
	assert.InDelta(t, 1.0, cold[0].Value, 1e-12)
	require.Len(t, row, 1)
	assert.InDelta(t, row[0].Value, cold[1].Value, 1e-12)
}

func TestSimilarities_ColdQueryScaled(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 5},
		{UserID: 0, ItemID: 1, Rating: 2.5},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 1, Items: 3}, Scale: 5})
	require.NoError(t, err)
	engine := NewEngine(m, Config{K: 1})

	result, err := engine.Recommend(context.Background(), ColdQuery(map[int]float64{0: 5, 2: 1}), 0)
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 1)
	assert.Equal(t, 1, result.Recommendations[0].ItemID)
	assert.InDelta(t, 2.5, result.Recommendations[0].Score, 1e-12)
}

func TestEngine_EmptyQuery(t *testing.T) {
	engine := NewEngine(threeUsers(t), Config{K: 10})

	tests := []struct {
		name  string
		query Query
	}{
		{name: "no ratings", query: ColdQuery(nil)},
		{name: "all zero ratings", query: ColdQuery(map[int]float64{0: 0, 1: 0})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Recommend(context.Background(), tt.query, 10)
			require.NoError(t, err)
			assert.Empty(t, result.Neighbors)
			assert.Empty(t, result.Recommendations)
		})
	}

	_, err := Similarities(context.Background(), engine.Matrix(), engine.Norms(), ColdQuery(nil), 1)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestEngine_UserWithoutRatings(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{{UserID: 0, ItemID: 0, Rating: 3}},
		ratings.Options{Capacity: ratings.Capacity{Users: 2, Items: 2}})
	require.NoError(t, err)
	engine := NewEngine(m, Config{K: 3})

	result, err := engine.Recommend(context.Background(), RowQuery(1), 0)
	require.NoError(t, err)
	assert.Empty(t, result.Recommendations)
}

func TestEngine_InvalidQueries(t *testing.T) {
	engine := NewEngine(threeUsers(t), Config{K: 1})

	_, err := engine.Recommend(context.Background(), RowQuery(3), 0)
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = engine.Recommend(context.Background(), RowQuery(-1), 0)
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = engine.Neighbors(context.Background(), RowQuery(-3))
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = engine.Recommend(context.Background(), ColdQuery(map[int]float64{-1: 4}), 0)
	assert.ErrorIs(t, err, ErrInvalidItem)

	// Column 4 is one past the last item.
	for _, item := range []int{4, 100000} {
		_, err = engine.Recommend(context.Background(), ColdQuery(map[int]float64{0: 5, 1: 3, item: 4}), 0)
		assert.ErrorIs(t, err, ErrInvalidItem, "item %d", item)
	}

	_, err = Similarities(context.Background(), engine.Matrix(), engine.Norms(), ColdQuery(map[int]float64{42: 3}), 1)
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestQuery_SelfIndex(t *testing.T) {
	self, ok := RowQuery(2).SelfIndex()
	assert.True(t, ok)
	assert.Equal(t, 2, self)

	self, ok = RowQuery(-1).SelfIndex()
	assert.True(t, ok, "a negative row is still a row query")
	assert.Equal(t, -1, self)

	_, ok = ColdQuery(map[int]float64{0: 1}).SelfIndex()
	assert.False(t, ok)
}

func TestEngine_MinSimilarity(t *testing.T) {
	floor := 0.9
	engine := NewEngine(threeUsers(t), Config{K: 5, MinSimilarity: &floor})

	result, err := engine.Recommend(context.Background(), RowQuery(0), 0)
	require.NoError(t, err)
	assert.Empty(t, result.Neighbors)
	assert.Empty(t, result.Recommendations)
}

func TestEngine_Limit(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 5},
		{UserID: 1, ItemID: 0, Rating: 5},
		{UserID: 1, ItemID: 1, Rating: 2},
		{UserID: 1, ItemID: 2, Rating: 4},
		{UserID: 1, ItemID: 3, Rating: 3},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 2, Items: 4}})
	require.NoError(t, err)
	engine := NewEngine(m, Config{K: 1})

	result, err := engine.Recommend(context.Background(), RowQuery(0), 2)
	require.NoError(t, err)
	require.Len(t, result.Recommendations, 2)
	assert.Equal(t, 2, result.Recommendations[0].ItemID)
	assert.Equal(t, 3, result.Recommendations[1].ItemID)
}

func TestSimilarities_WorkersAgree(t *testing.T) {
	m := randomMatrix(t, 300, 40, 3000, 7)
	norms := ratings.ComputeNorms(m)

	sequential, err := Similarities(context.Background(), m, norms, RowQuery(5), 1)
	require.NoError(t, err)
	for _, workers := range []int{2, 3, 8, 1000} {
		parallel, err := Similarities(context.Background(), m, norms, RowQuery(5), workers)
		require.NoError(t, err)
		assert.Equal(t, sequential, parallel, "workers=%d", workers)
	}
}

func TestSimilarities_Canceled(t *testing.T) {
	m := randomMatrix(t, 100, 20, 500, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Similarities(ctx, m, ratings.ComputeNorms(m), ColdQuery(map[int]float64{1: 3}), 4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_ConcurrentQueries(t *testing.T) {
	m := ratings.CenterRows(randomMatrix(t, 200, 50, 2500, 11))
	engine := NewEngine(m, Config{K: 20, Workers: 4})

	expected := make([]*Result, 20)
	for u := range expected {
		r, err := engine.Recommend(context.Background(), RowQuery(u), 10)
		require.NoError(t, err)
		expected[u] = r
	}

	var wg sync.WaitGroup
	got := make([]*Result, len(expected))
	errs := make([]error, len(expected))
	for u := range expected {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			got[u], errs[u] = engine.Recommend(context.Background(), RowQuery(u), 10)
		}(u)
	}
	wg.Wait()

	for u := range expected {
		require.NoError(t, errs[u])
		assert.Equal(t, expected[u], got[u])
	}
}

func TestSelectTopK(t *testing.T) {
	scores := []Score{
		{UserID: 0, Value: 0.2},
		{UserID: 1, Value: 0.9},
		{UserID: 2, Value: 0.5},
		{UserID: 3, Value: 0.9},
		{UserID: 4, Value: -0.3},
		{UserID: 5, Value: 0.5},
	}

	t.Run("descending with stable ties", func(t *testing.T) {
		top := SelectTopK(scores, 3)
		assert.Equal(t, []Score{
			{UserID: 1, Value: 0.9},
			{UserID: 3, Value: 0.9},
			{UserID: 2, Value: 0.5},
		}, top)
	})

	t.Run("k larger than candidates", func(t *testing.T) {
		top := SelectTopK(scores, 100)
		assert.Len(t, top, len(scores))
		assert.Equal(t, 4, top[len(top)-1].UserID)
	})

	t.Run("non-positive k", func(t *testing.T) {
		assert.Empty(t, SelectTopK(scores, 0))
		assert.Empty(t, SelectTopK(nil, 3))
	})
}

func TestSelectTopK_MatchesFullSort(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		n := rng.Intn(200)
		k := rng.Intn(30)
		scores := make([]Score, n)
		for i := range scores {
			// coarse values force plenty of ties
			scores[i] = Score{UserID: i, Value: float64(rng.Intn(11)-5) / 5}
		}

		reference := append([]Score(nil), scores...)
		sort.SliceStable(reference, func(i, j int) bool { return reference[i].Value > reference[j].Value })
		if len(reference) > k {
			reference = reference[:k]
		}

		top := SelectTopK(scores, k)
		require.Len(t, top, min(k, n))
		if k > 0 && n > 0 {
			assert.Equal(t, reference, top)
		}
	}
}

func TestAboveMinimum(t *testing.T) {
	scores := []Score{{UserID: 0, Value: 0.1}, {UserID: 1, Value: 0.3}, {UserID: 2, Value: 0.2}}
	kept := AboveMinimum(scores, 0.2)
	assert.Equal(t, []Score{{UserID: 1, Value: 0.3}, {UserID: 2, Value: 0.2}}, kept)
	assert.Len(t, scores, 3)
}

func TestPredict_PerItemSupport(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 4},
		{UserID: 0, ItemID: 1, Rating: 2},
		{UserID: 1, ItemID: 1, Rating: 5},
		{UserID: 1, ItemID: 2, Rating: 1},
		{UserID: 2, ItemID: 2, Rating: 3},
		{UserID: 3, ItemID: 3, Rating: 5},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 4, Items: 5}})
	require.NoError(t, err)

	nbrs := []Score{
		{UserID: 0, Value: 0.8},
		{UserID: 1, Value: -0.4},
		{UserID: 2, Value: 0.5},
	}
	predictions := Predict(m, nbrs, nil)
	require.Len(t, predictions, 3, "item 3 is rated by a non-neighbor only")

	byItem := map[int]Prediction{}
	for _, p := range predictions {
		byItem[p.ItemID] = p
	}

	assert.InDelta(t, 0.8, byItem[0].Weight, 1e-12)
	assert.InDelta(t, 4.0, byItem[0].Score, 1e-12)
	assert.Equal(t, 1, byItem[0].Support)

	assert.InDelta(t, 1.2, byItem[1].Weight, 1e-12)
	assert.InDelta(t, (0.8*2-0.4*5)/1.2, byItem[1].Score, 1e-12)
	assert.Equal(t, 2, byItem[1].Support)

	assert.InDelta(t, 0.9, byItem[2].Weight, 1e-12)
	assert.InDelta(t, (-0.4*1+0.5*3)/0.9, byItem[2].Score, 1e-12)
}

func TestPredict_ExclusionsAndZeroSupport(t *testing.T) {
	m, _, err := ratings.Ingest([]ratings.Event{
		{UserID: 0, ItemID: 0, Rating: 4},
		{UserID: 0, ItemID: 1, Rating: 2},
		{UserID: 1, ItemID: 2, Rating: 5},
	}, ratings.Options{Capacity: ratings.Capacity{Users: 2, Items: 3}})
	require.NoError(t, err)

	nbrs := []Score{{UserID: 0, Value: 0.7}, {UserID: 1, Value: 0}}
	predictions := Predict(m, nbrs, map[int]struct{}{0: {}})

	require.Len(t, predictions, 1)
	assert.Equal(t, 1, predictions[0].ItemID)
	for _, p := range predictions {
		assert.False(t, math.IsNaN(p.Score))
	}

	assert.Empty(t, Predict(m, nil, nil))
}

func TestRank(t *testing.T) {
	in := []Prediction{
		{ItemID: 4, Score: 3},
		{ItemID: 1, Score: 4.5},
		{ItemID: 2, Score: 3},
		{ItemID: 0, Score: 1},
	}
	ranked := Rank(in)

	ids := make([]int, len(ranked))
	for i, p := range ranked {
		ids[i] = p.ItemID
	}
	assert.Equal(t, []int{1, 2, 4, 0}, ids)
	assert.Equal(t, 4, in[0].ItemID, "input order is preserved")
}
