package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"live-mirror/internal/platform/metrics"
)

// CycleRunner is what the Scheduler drives; *Service implements it.
type CycleRunner interface {
	Schedulable() []Session
	RunCycle(ctx context.Context, id SessionID) error
	EvictIdle(now time.Time) []SessionID
}

// Scheduler launches one cycle per schedulable session every interval. Cycles
// run on a bounded, non-blocking worker pool; a session whose previous cycle
// is still running is skipped, never queued.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	pool     *ants.Pool
	inflight *xsync.MapOf[SessionID, struct{}]
	wg       sync.WaitGroup
	done     chan struct{}
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewScheduler returns a Scheduler running at most maxConcurrent cycles at once.
func NewScheduler(runner CycleRunner, interval time.Duration, maxConcurrent int, log *slog.Logger, m *metrics.Metrics) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %v", interval)
	}
	pool, err := ants.NewPool(maxConcurrent,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			log.Error("refresh cycle panicked", slog.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle pool: %w", err)
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		pool:     pool,
		inflight: xsync.NewMapOf[SessionID, struct{}](),
		done:     make(chan struct{}),
		log:      log,
		metrics:  m,
	}, nil
}

// Run ticks until ctx is done, then waits for launched cycles and closes
// Done. Call it once.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("refresh scheduler started", slog.Duration("interval", s.interval), slog.Int("max_concurrent", s.pool.Cap()))
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evicts idle sessions and launches cycles for the rest. It returns the
// number of cycles launched.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.runner.EvictIdle(time.Now())

	launched := 0
	for _, sess := range s.runner.Schedulable() {
		id := sess.ID
		if _, running := s.inflight.LoadOrStore(id, struct{}{}); running {
			s.skip(id, "previous cycle still running")
			continue
		}

		s.wg.Add(1)
		err := s.pool.Submit(func() {
			defer s.wg.Done()
			defer s.inflight.Delete(id)
			if err := s.runner.RunCycle(ctx, id); err != nil {
				s.log.Debug("scheduled cycle failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
			}
		})
		if err != nil {
			s.wg.Done()
			s.inflight.Delete(id)
			s.skip(id, err.Error())
			continue
		}
		launched++
	}
	return launched
}

// Done is closed once Run has returned; no Tick is running after that.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every launched cycle has returned. It must not race a
// running Tick; after Run, wait on Done instead.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Release frees the worker pool. Call after Done is closed.
func (s *Scheduler) Release() {
	s.pool.Release()
}

func (s *Scheduler) skip(id SessionID, reason string) {
	s.log.Debug("session skipped this tick", slog.String("session_id", string(id)), slog.String("reason", reason))
	if s.metrics != nil {
		s.metrics.ObserveCycle(metrics.CycleSkipped, 0)
	}
}
