package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/temcen/knnrec/internal/config"
	"github.com/temcen/knnrec/internal/neighbors"
	"github.com/temcen/knnrec/internal/ratings"
	"github.com/temcen/knnrec/pkg/models"
)

// ErrSnapshotNotReady is returned before the first successful build.
var ErrSnapshotNotReady = errors.New("rating matrix not built yet")

const (
	RebuildStatusPending   = "pending"
	RebuildStatusRunning   = "running"
	RebuildStatusCompleted = "completed"
	RebuildStatusFailed    = "failed"

	maxRebuildJobs = 32
)

// Snapshot is one frozen matrix with its engine. Snapshots are never mutated;
// a rebuild publishes a new one and in-flight queries finish on the old one.
type Snapshot struct {
	Engine    *neighbors.Engine
	Version   uint64
	BuiltAt   time.Time
	BuildTime time.Duration
	Stats     ratings.IngestStats
}

// SnapshotService owns the build phase. It loads ratings from a RatingSource,
// freezes them and swaps the served snapshot atomically.
type SnapshotService struct {
	source    RatingSource
	opts      ratings.Options
	centering bool
	engineCfg neighbors.Config
	interval  time.Duration
	// skipWhenFresh makes the periodic loop rebuild only after MarkStale.
	skipWhenFresh bool

	metrics *Metrics
	logger  *logrus.Logger

	current   atomic.Pointer[Snapshot]
	version   atomic.Uint64
	stale     atomic.Bool
	rebuildMu sync.Mutex

	jobsMu   sync.RWMutex
	jobs     map[uuid.UUID]*models.RebuildJob
	jobOrder []uuid.UUID
}

func NewSnapshotService(cfg *config.RecommenderConfig, source RatingSource, skipWhenFresh bool, metrics *Metrics, logger *logrus.Logger) *SnapshotService {
	return &SnapshotService{
		source: source,
		opts: ratings.Options{
			Capacity:   ratings.Capacity{Users: cfg.MaxUsers, Items: cfg.MaxItems},
			Scale:      cfg.RatingScale,
			Duplicates: ratings.DuplicatePolicy(cfg.DuplicatePolicy),
			OutOfRange: ratings.OutOfRangePolicy(cfg.OutOfRangePolicy),
		},
		centering: cfg.Centering,
		engineCfg: neighbors.Config{
			K:             cfg.K,
			MinSimilarity: cfg.MinSimilarity,
			Workers:       cfg.Workers,
		},
		interval:      cfg.RebuildInterval,
		skipWhenFresh: skipWhenFresh,
		metrics:       metrics,
		logger:        logger,
		jobs:          make(map[uuid.UUID]*models.RebuildJob),
	}
}

// Current returns the snapshot queries should run against.
func (s *SnapshotService) Current() (*Snapshot, error) {
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrSnapshotNotReady
	}
	return snap, nil
}

// MarkStale records that the source has ratings the served snapshot lacks.
func (s *SnapshotService) MarkStale() {
	s.stale.Store(true)
}

func (s *SnapshotService) Stale() bool {
	return s.stale.Load()
}

// Rebuild loads every rating and publishes a new snapshot. Concurrent calls
// are serialized. On failure the previous snapshot keeps serving.
func (s *SnapshotService) Rebuild(ctx context.Context) (*Snapshot, error) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	start := time.Now()
	// Cleared before loading so events arriving mid-build mark it again.
	wasStale := s.stale.Swap(false)

	snap, err := s.build(ctx, start)
	if err != nil {
		if wasStale {
			s.stale.Store(true)
		}
		s.metrics.ObserveRebuildFailure()
		s.logger.WithError(err).Error("Rating matrix rebuild failed")
		return nil, err
	}

	s.current.Store(snap)
	s.metrics.ObserveRebuild(snap.BuildTime.Seconds(), snap.Version, snap.Engine.Matrix().NNZ())
	s.logger.WithFields(logrus.Fields{
		"version":    snap.Version,
		"ratings":    snap.Stats.Accepted,
		"duplicates": snap.Stats.Duplicates,
		"skipped":    snap.Stats.Skipped,
		"build_time": snap.BuildTime,
	}).Info("Rating matrix rebuilt")
	return snap, nil
}

func (s *SnapshotService) build(ctx context.Context, start time.Time) (*Snapshot, error) {
	events, err := s.source.LoadRatings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ratings: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, stats, err := ratings.Ingest(events, s.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build rating matrix: %w", err)
	}
	if s.centering {
		m = ratings.CenterRows(m)
	}

	return &Snapshot{
		Engine:    neighbors.NewEngine(m, s.engineCfg),
		Version:   s.version.Add(1),
		BuiltAt:   time.Now(),
		BuildTime: time.Since(start),
		Stats:     stats,
	}, nil
}

// Run rebuilds on every tick until ctx is done.
func (s *SnapshotService) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.skipWhenFresh && !s.stale.Load() && s.current.Load() != nil {
				continue
			}
			_, _ = s.Rebuild(ctx)
		}
	}
}

// StartRebuild runs a rebuild in the background and returns its job record.
func (s *SnapshotService) StartRebuild(ctx context.Context) models.RebuildJob {
	job := &models.RebuildJob{
		JobID:     uuid.New(),
		Status:    RebuildStatusPending,
		StartedAt: time.Now(),
	}
	s.jobsMu.Lock()
	s.jobs[job.JobID] = job
	s.jobOrder = append(s.jobOrder, job.JobID)
	s.pruneJobsLocked()
	snapshot := *job
	s.jobsMu.Unlock()

	s.logger.WithField("job_id", job.JobID).Info("Rebuild job created")

	go func() {
		s.updateJob(job.JobID, func(j *models.RebuildJob) { j.Status = RebuildStatusRunning })
		snap, err := s.Rebuild(context.WithoutCancel(ctx))
		finished := time.Now()
		s.updateJob(job.JobID, func(j *models.RebuildJob) {
			j.FinishedAt = &finished
			if err != nil {
				j.Status = RebuildStatusFailed
				j.Error = err.Error()
				return
			}
			j.Status = RebuildStatusCompleted
			j.Version = snap.Version
		})
	}()

	return snapshot
}

// Job returns a copy of a rebuild job record.
func (s *SnapshotService) Job(id uuid.UUID) (models.RebuildJob, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.RebuildJob{}, false
	}
	return *job, true
}

func (s *SnapshotService) updateJob(id uuid.UUID, fn func(*models.RebuildJob)) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

// pruneJobsLocked forgets the oldest finished jobs beyond maxRebuildJobs.
func (s *SnapshotService) pruneJobsLocked() {
	for len(s.jobOrder) > maxRebuildJobs {
		pruned := false
		for i, id := range s.jobOrder {
			if job := s.jobs[id]; job.FinishedAt != nil {
				delete(s.jobs, id)
				s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
				pruned = true
				break
			}
		}
		if !pruned {
			return
		}
	}
}

// Info describes the served snapshot.
func (s *SnapshotService) Info() (*models.SnapshotInfo, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	m := snap.Engine.Matrix()
	return &models.SnapshotInfo{
		Version:    snap.Version,
		BuiltAt:    snap.BuiltAt,
		BuildTime:  snap.BuildTime,
		Users:      m.Rows(),
		Items:      m.Cols(),
		Ratings:    m.NNZ(),
		Centered:   m.Centered(),
		Received:   snap.Stats.Received,
		Duplicates: snap.Stats.Duplicates,
		Skipped:    snap.Stats.Skipped,
		Histogram:  snap.Stats.Histogram[:],
		Stale:      s.stale.Load(),
	}, nil
}
