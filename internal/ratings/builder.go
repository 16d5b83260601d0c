package ratings

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

// Event is a single (user, item, rating) triple handed over by an ingestion
// collaborator. Events are immutable once ingested.
type Event struct {
	UserID int     `json:"user_id"`
	ItemID int     `json:"item_id"`
	Rating float64 `json:"rating"`
}

// Capacity declares the dimensions of the matrix up front.
type Capacity struct {
	Users int `json:"users"`
	Items int `json:"items"`
}

func (c Capacity) contains(e Event) bool {
	return e.UserID >= 0 && e.UserID < c.Users && e.ItemID >= 0 && e.ItemID < c.Items
}

// DuplicatePolicy decides what happens when a (user, item) pair is rated twice.
type DuplicatePolicy string

const (
	// Overwrite keeps the last event seen for a pair.
	Overwrite DuplicatePolicy = "overwrite"
	// Reject fails the build with a *DuplicateError.
	Reject DuplicatePolicy = "reject"
)

// OutOfRangePolicy decides what happens to events outside the declared capacity.
type OutOfRangePolicy string

const (
	// FailBatch aborts ingestion on the first out-of-range event.
	FailBatch OutOfRangePolicy = "fail"
	// SkipEvent drops out-of-range events and counts them in IngestStats.Skipped.
	SkipEvent OutOfRangePolicy = "skip"
)

// Options configure matrix construction.
type Options struct {
	Capacity   Capacity
	Scale      float64 // divisor applied to every rating; 0 means 1
	Duplicates DuplicatePolicy
	OutOfRange OutOfRangePolicy
}

// HistogramBuckets is the number of half-star buckets (0.5 .. 5.0).
const HistogramBuckets = 10

// IngestStats is the local accounting of a single build.
type IngestStats struct {
	Received   int                   `json:"received"`
	Accepted   int                   `json:"accepted"`
	Duplicates int                   `json:"duplicates"`
	Skipped    int                   `json:"skipped"`
	Histogram  [HistogramBuckets]int `json:"histogram"`
}

// ErrBuilderFrozen is returned when events are added after Build.
var ErrBuilderFrozen = errors.New("builder already built")

type cell struct {
	user  int
	item  int
	value float64
}

// Builder accumulates events and freezes them into a Matrix. It is a
// single-writer structure: it must not be shared between goroutines.
type Builder struct {
	opts   Options
	cells  []cell
	stats  IngestStats
	frozen bool
}

// NewBuilder validates the options and returns an empty builder.
func NewBuilder(opts Options) (*Builder, error) {
	if opts.Capacity.Users <= 0 || opts.Capacity.Items <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got users=%d items=%d",
			opts.Capacity.Users, opts.Capacity.Items)
	}
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	if opts.Scale < 0 || math.IsNaN(opts.Scale) || math.IsInf(opts.Scale, 0) {
		return nil, fmt.Errorf("invalid rating scale %v", opts.Scale)
	}
	if opts.Duplicates == "" {
		opts.Duplicates = Overwrite
	}
	if opts.OutOfRange == "" {
		opts.OutOfRange = FailBatch
	}
	switch opts.Duplicates {
	case Overwrite, Reject:
	default:
		return nil, fmt.Errorf("unknown duplicate policy %q", opts.Duplicates)
	}
	switch opts.OutOfRange {
	case FailBatch, SkipEvent:
	default:
		return nil, fmt.Errorf("unknown out-of-range policy %q", opts.OutOfRange)
	}
	return &Builder{opts: opts}, nil
}

// Add stages one event. Under FailBatch an out-of-range event returns an
// *OutOfRangeError and the caller is expected to abandon the builder.
func (b *Builder) Add(e Event) error {
	if b.frozen {
		return ErrBuilderFrozen
	}
	b.stats.Received++
	if !b.opts.Capacity.contains(e) {
		if b.opts.OutOfRange == SkipEvent {
			b.stats.Skipped++
			return nil
		}
		return &OutOfRangeError{Event: e, Capacity: b.opts.Capacity}
	}
	if bucket := int(math.Round(e.Rating*2)) - 1; bucket >= 0 && bucket < HistogramBuckets {
		b.stats.Histogram[bucket]++
	}
	b.cells = append(b.cells, cell{user: e.UserID, item: e.ItemID, value: e.Rating})
	return nil
}

// Build freezes the staged events into a CSR matrix. The builder cannot be
// used afterwards.
func (b *Builder) Build() (*Matrix, IngestStats, error) {
	if b.frozen {
		return nil, b.stats, ErrBuilderFrozen
	}
	b.frozen = true

	// Stable sort keeps insertion order inside a (user, item) run, so the
	// last element of a run is the last event received for that pair.
	slices.SortStableFunc(b.cells, func(x, y cell) int {
		if c := cmp.Compare(x.user, y.user); c != 0 {
			return c
		}
		return cmp.Compare(x.item, y.item)
	})

	kept := b.cells[:0]
	for i, c := range b.cells {
		if i+1 < len(b.cells) && b.cells[i+1].user == c.user && b.cells[i+1].item == c.item {
			if b.opts.Duplicates == Reject {
				return nil, b.stats, &DuplicateError{UserID: c.user, ItemID: c.item}
			}
			b.stats.Duplicates++
			continue
		}
		kept = append(kept, c)
	}

	m := &Matrix{
		rows:    b.opts.Capacity.Users,
		cols:    b.opts.Capacity.Items,
		indptr:  make([]int, b.opts.Capacity.Users+1),
		indices: make([]int, len(kept)),
		values:  make([]float64, len(kept)),
		scale:   b.opts.Scale,
	}
	for i, c := range kept {
		m.indptr[c.user+1]++
		m.indices[i] = c.item
		m.values[i] = c.value
	}
	for u := 0; u < m.rows; u++ {
		m.indptr[u+1] += m.indptr[u]
	}
	if m.scale != 1 {
		floats.Scale(1/m.scale, m.values)
	}

	b.cells = nil
	b.stats.Accepted = len(kept)
	return m, b.stats, nil
}

// Ingest builds a matrix from a batch of events in one call.
func Ingest(events []Event, opts Options) (*Matrix, IngestStats, error) {
	b, err := NewBuilder(opts)
	if err != nil {
		return nil, IngestStats{}, err
	}
	for _, e := range events {
		if err := b.Add(e); err != nil {
			return nil, b.stats, err
		}
	}
	return b.Build()
}
