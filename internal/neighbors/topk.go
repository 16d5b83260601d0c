package neighbors

import (
	"container/heap"
	"slices"
)

type ranked struct {
	Score
	seq int
}

// worse reports whether a ranks below b: lower score, or equal score and
// produced later.
func (a ranked) worse(b ranked) bool {
	if a.Value != b.Value {
		return a.Value < b.Value
	}
	return a.seq > b.seq
}

// boundedHeap keeps the worst retained candidate at the root.
type boundedHeap []ranked

func (h boundedHeap) Len() int           { return len(h) }
func (h boundedHeap) Less(i, j int) bool { return h[i].worse(h[j]) }
func (h boundedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *boundedHeap) Push(x any) { *h = append(*h, x.(ranked)) }

func (h *boundedHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// SelectTopK returns the k highest scores in descending order. Equal scores
// keep the order in which they were produced. The selection runs in
// O(n log k) with a heap bounded to k entries.
func SelectTopK(scores []Score, k int) []Score {
	if k <= 0 || len(scores) == 0 {
		return nil
	}
	h := make(boundedHeap, 0, min(k, len(scores)))
	for i, s := range scores {
		c := ranked{Score: s, seq: i}
		if h.Len() < k {
			heap.Push(&h, c)
			continue
		}
		if h[0].worse(c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	slices.SortFunc(h, func(a, b ranked) int {
		switch {
		case b.worse(a):
			return -1
		case a.worse(b):
			return 1
		}
		return 0
	})
	out := make([]Score, len(h))
	for i, c := range h {
		out[i] = c.Score
	}
	return out
}

// AboveMinimum drops scores strictly below floor, keeping order.
func AboveMinimum(scores []Score, floor float64) []Score {
	out := scores[:0:0]
	for _, s := range scores {
		if s.Value >= floor {
			out = append(out, s)
		}
	}
	return out
}
