package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/domain"
	"github.com/dStensland/LostCity-sub000/internal/metrics"
	"github.com/dStensland/LostCity-sub000/internal/pkg/distlock"
	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

// =============================================================================
// RECOMPUTE SCHEDULER — Periodic Source Health & Cadence Recomputation
// =============================================================================
// Every tick lists the active sources and recomputes each one in parallel,
// bounded by MaxConcurrent. All sources of a tick share one as-of instant.
// A per-source lock keeps replicas from scoring the same source at once; a
// source whose lock is busy is skipped until the next tick. One source
// failing, timing out or panicking never affects the others.

const (
	// DefaultRecomputeInterval is how often every active source is rescored.
	DefaultRecomputeInterval = 1 * time.Hour

	// DefaultRecomputeConcurrency caps parallel source recomputations.
	DefaultRecomputeConcurrency = 4

	// DefaultRecomputeTimeout bounds a single source recomputation.
	DefaultRecomputeTimeout = 2 * time.Minute
)

// Recomputer is the slice of the source health service the scheduler drives.
type Recomputer interface {
	ActiveSources(ctx context.Context) ([]domain.Source, error)
	Recompute(ctx context.Context, sourceID int64, asOf time.Time) (*domain.SourceHealthScore, error)
}

// LockFactory builds the per-source lock for one recomputation.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// RecomputeConfig holds configuration for the recompute scheduler.
type RecomputeConfig struct {
	Interval      time.Duration // time between ticks
	MaxConcurrent int           // parallel recomputations per tick
	TaskTimeout   time.Duration // deadline of one source recomputation
	RunOnStart    bool          // run a tick immediately on Start
}

// DefaultRecomputeConfig returns default configuration.
func DefaultRecomputeConfig() RecomputeConfig {
	return RecomputeConfig{
		Interval:      DefaultRecomputeInterval,
		MaxConcurrent: DefaultRecomputeConcurrency,
		TaskTimeout:   DefaultRecomputeTimeout,
		RunOnStart:    true,
	}
}

// TickResult summarizes one pass over the active sources.
type TickResult struct {
	AsOf    time.Time
	Sources int
	Scored  int
	Skipped int
	Failed  int
}

// RecomputeScheduler periodically recomputes every active source.
type RecomputeScheduler struct {
	svc     Recomputer
	newLock LockFactory
	cfg     RecomputeConfig
	now     func() time.Time

	// Stats
	totalTicks   int64
	totalScored  int64
	totalSkipped int64
	totalErrors  int64

	// Control
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRecomputeScheduler creates a scheduler. A nil lock factory uses
// in-process locks.
func NewRecomputeScheduler(svc Recomputer, newLock LockFactory, cfg RecomputeConfig) *RecomputeScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRecomputeInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultRecomputeConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultRecomputeTimeout
	}
	if newLock == nil {
		newLock = func(key string, _ time.Duration) distlock.DistLock { return distlock.NewLocalLock(key) }
	}
	return &RecomputeScheduler{svc: svc, newLock: newLock, cfg: cfg, now: time.Now}
}

// Start begins the scheduler loop in the background.
func (s *RecomputeScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("recompute scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	logger.Info("recompute scheduler starting",
		"interval", s.cfg.Interval.String(), "max_concurrent", s.cfg.MaxConcurrent)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels in-flight recomputations and waits for the loop to exit.
func (s *RecomputeScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	stats := s.Stats()
	logger.Info("recompute scheduler stopped",
		"ticks", stats["total_ticks"], "scored", stats["total_scored"],
		"skipped", stats["total_skipped"], "errors", stats["total_errors"])
}

// IsRunning reports whether the loop is active.
func (s *RecomputeScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns cumulative counters.
func (s *RecomputeScheduler) Stats() map[string]int64 {
	return map[string]int64{
		"total_ticks":   atomic.LoadInt64(&s.totalTicks),
		"total_scored":  atomic.LoadInt64(&s.totalScored),
		"total_skipped": atomic.LoadInt64(&s.totalSkipped),
		"total_errors":  atomic.LoadInt64(&s.totalErrors),
	}
}

func (s *RecomputeScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	if s.cfg.RunOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce recomputes every active source once and waits for all of them.
func (s *RecomputeScheduler) RunOnce(ctx context.Context) TickResult {
	atomic.AddInt64(&s.totalTicks, 1)
	res := TickResult{AsOf: s.now().UTC()}

	sources, err := s.svc.ActiveSources(ctx)
	if err != nil {
		atomic.AddInt64(&s.totalErrors, 1)
		logger.Error("list active sources failed", "error", err)
		return res
	}
	res.Sources = len(sources)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.cfg.MaxConcurrent)
	)
	for _, src := range sources {
		select {
		case <-ctx.Done():
			wg.Wait()
			return res
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(sourceID int64) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := s.recomputeRecovered(ctx, sourceID, res.AsOf)
			mu.Lock()
			switch outcome {
			case "ok":
				res.Scored++
			case "skipped":
				res.Skipped++
			default:
				res.Failed++
			}
			mu.Unlock()
		}(src.ID)
	}
	wg.Wait()

	logger.Info("recompute tick finished", "sources", res.Sources, "scored", res.Scored,
		"skipped", res.Skipped, "failed", res.Failed)
	return res
}

// recomputeRecovered runs recomputeOne and reports a panic as an error
// outcome so the tick keeps going.
func (s *RecomputeScheduler) recomputeRecovered(ctx context.Context, sourceID int64, asOf time.Time) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.totalErrors, 1)
			metrics.RecordRecompute("error", 0)
			logger.Error("recompute panicked", "source_id", sourceID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			outcome = "error"
		}
	}()
	return s.recomputeOne(ctx, sourceID, asOf)
}

// recomputeOne scores one source under its lock and returns the metrics
// outcome label.
func (s *RecomputeScheduler) recomputeOne(ctx context.Context, sourceID int64, asOf time.Time) string {
	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	lock := s.newLock(fmt.Sprintf("source-health:%d", sourceID), s.cfg.TaskTimeout+30*time.Second)
	acquired, err := lock.Acquire(taskCtx)
	if err != nil {
		atomic.AddInt64(&s.totalErrors, 1)
		metrics.RecordRecompute("error", 0)
		logger.Warn("recompute lock failed", "source_id", sourceID, "error", err)
		return "error"
	}
	if !acquired {
		atomic.AddInt64(&s.totalSkipped, 1)
		metrics.RecordRecompute("skipped", 0)
		return "skipped"
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
			logger.Warn("recompute lock release failed", "source_id", sourceID, "error", err)
		}
	}()

	start := time.Now()
	score, err := s.svc.Recompute(taskCtx, sourceID, asOf)
	if err != nil {
		atomic.AddInt64(&s.totalErrors, 1)
		metrics.RecordRecompute("error", time.Since(start))
		logger.Error("recompute failed", "source_id", sourceID, "error", err)
		return "error"
	}
	atomic.AddInt64(&s.totalScored, 1)
	metrics.RecordRecompute("ok", time.Since(start))
	logger.Debug("source recomputed", "source_id", sourceID, "tier", string(score.Tier),
		"cadence", string(score.RecommendedCadence))
	return "ok"
}
