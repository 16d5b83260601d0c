package models

import (
	"time"

	"github.com/google/uuid"
)

type Recommendation struct {
	ItemID   int     `json:"item_id"`
	Score    float64 `json:"score"`
	Support  int     `json:"support"`
	Position int     `json:"position"`
}

// QueryRequest asks for recommendations for a user that is not in the matrix.
type QueryRequest struct {
	Ratings []RatingInput `json:"ratings" binding:"max=10000,dive"`
	Count   int           `json:"count" binding:"omitempty,min=1"`
}

type RecommendationResponse struct {
	UserID          *int             `json:"user_id,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	Neighbors       int              `json:"neighbors"`
	SnapshotVersion uint64           `json:"snapshot_version"`
	GeneratedAt     time.Time        `json:"generated_at"`
	CacheHit        bool             `json:"cache_hit"`
}

type Neighbor struct {
	UserID     int     `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

type NeighborResponse struct {
	UserID          int        `json:"user_id"`
	Neighbors       []Neighbor `json:"neighbors"`
	SnapshotVersion uint64     `json:"snapshot_version"`
}

// SnapshotInfo describes the matrix currently served.
type SnapshotInfo struct {
	Version    uint64        `json:"version"`
	BuiltAt    time.Time     `json:"built_at"`
	BuildTime  time.Duration `json:"build_time_ns"`
	Users      int           `json:"users"`
	Items      int           `json:"items"`
	Ratings    int           `json:"ratings"`
	Centered   bool          `json:"centered"`
	Received   int           `json:"received"`
	Duplicates int           `json:"duplicates"`
	Skipped    int           `json:"skipped"`
	Histogram  []int         `json:"histogram"`
	Stale      bool          `json:"stale"`
}

type RebuildJob struct {
	JobID      uuid.UUID  `json:"job_id"`
	Status     string     `json:"status"` // pending, running, completed, failed
	Version    uint64     `json:"version,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
