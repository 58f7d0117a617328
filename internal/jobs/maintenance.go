package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"smartnotify/internal/services"
)

// CacheSweeper removes expired rows from one cache backend
type CacheSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// backfillBatchLimit caps how many messages one backfill run will embed
const backfillBatchLimit = 500

// MaintenanceScheduler runs the periodic housekeeping jobs: sweeping expired
// cache entries out of the persistent stores and backfilling embeddings the
// async worker missed. Expiry is already enforced lazily at lookup time; the
// sweep only reclaims storage.
type MaintenanceScheduler struct {
	scheduler gocron.Scheduler

	sweepers map[string]CacheSweeper
	embedder *services.EmbeddingService
	source   services.MessageSource

	sweepInterval    time.Duration
	backfillInterval time.Duration
	backfillLookback time.Duration
}

// NewMaintenanceScheduler creates the scheduler. embedder and source may be
// nil when the deployment runs without embeddings.
func NewMaintenanceScheduler(sweepInterval, backfillInterval time.Duration, embedder *services.EmbeddingService, source services.MessageSource) (*MaintenanceScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &MaintenanceScheduler{
		scheduler:        scheduler,
		sweepers:         make(map[string]CacheSweeper),
		embedder:         embedder,
		source:           source,
		sweepInterval:    sweepInterval,
		backfillInterval: backfillInterval,
		backfillLookback: 2 * backfillInterval,
	}, nil
}

// RegisterSweeper adds a cache backend to the sweep job
func (s *MaintenanceScheduler) RegisterSweeper(name string, sweeper CacheSweeper) {
	s.sweepers[name] = sweeper
	log.Printf("✅ [MAINTENANCE] Registered cache sweeper: %s", name)
}

// Start schedules the jobs and begins running them
func (s *MaintenanceScheduler) Start() error {
	if len(s.sweepers) > 0 {
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(s.sweepInterval),
			gocron.NewTask(s.runSweep),
			gocron.WithName("cache_sweep"),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule cache sweep: %w", err)
		}
	}

	if s.embedder != nil && s.source != nil {
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(s.backfillInterval),
			gocron.NewTask(s.runBackfill),
			gocron.WithName("embedding_backfill"),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule embedding backfill: %w", err)
		}
	}

	s.scheduler.Start()
	log.Printf("🚀 [MAINTENANCE] Scheduler started (sweep every %v, backfill every %v)",
		s.sweepInterval, s.backfillInterval)
	return nil
}

// Stop shuts the scheduler down and waits for running jobs
func (s *MaintenanceScheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️  [MAINTENANCE] Scheduler shutdown error: %v", err)
	}
}

// runSweep removes expired cache rows from every registered backend
func (s *MaintenanceScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	now := time.Now()
	for name, sweeper := range s.sweepers {
		removed, err := sweeper.SweepExpired(ctx, now)
		if err != nil {
			log.Printf("❌ [MAINTENANCE] Cache sweep failed for %s: %v", name, err)
			continue
		}
		if removed > 0 {
			log.Printf("🧹 [MAINTENANCE] Swept %d expired entries from %s", removed, name)
		}
	}
}

// runBackfill embeds recent messages the async worker dropped
func (s *MaintenanceScheduler) runBackfill() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	since := time.Now().Add(-s.backfillLookback)
	embedded, err := s.embedder.BackfillMissing(ctx, s.source, since, backfillBatchLimit)
	if err != nil {
		log.Printf("❌ [MAINTENANCE] Embedding backfill failed: %v", err)
		return
	}
	if embedded > 0 {
		log.Printf("📐 [MAINTENANCE] Backfilled %d message embeddings", embedded)
	}
}
