package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	mu       sync.Mutex
	sessions []Session
	release  chan struct{}
	started  chan SessionID
	runs     atomic.Int32
	evicts   atomic.Int32
}

func newFakeRunner(ids ...SessionID) *fakeRunner {
	r := &fakeRunner{release: make(chan struct{}), started: make(chan SessionID, 16)}
	for _, id := range ids {
		r.sessions = append(r.sessions, Session{ID: id})
	}
	return r
}

func (r *fakeRunner) Schedulable() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Session(nil), r.sessions...)
}

func (r *fakeRunner) RunCycle(ctx context.Context, id SessionID) error {
	r.runs.Add(1)
	select {
	case r.started <- id:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *fakeRunner) EvictIdle(time.Time) []SessionID {
	r.evicts.Add(1)
	return nil
}

func TestScheduler_skips_sessions_in_flight(t *testing.T) {
	runner := newFakeRunner("a", "b")
	s, err := NewScheduler(runner, time.Second, 4, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if n := s.Tick(context.Background()); n != 2 {
		t.Fatalf("first tick: expected 2 launches, got %d", n)
	}
	<-runner.started
	<-runner.started

	if n := s.Tick(context.Background()); n != 0 {
		t.Errorf("second tick while cycles run: expected 0 launches, got %d", n)
	}

	close(runner.release)
	s.Wait()

	if n := s.Tick(context.Background()); n != 2 {
		t.Errorf("tick after completion: expected 2 launches, got %d", n)
	}
	s.Wait()

	if got := runner.runs.Load(); got != 4 {
		t.Errorf("expected 4 cycles in total, got %d", got)
	}
	if got := runner.evicts.Load(); got != 3 {
		t.Errorf("expected eviction on every tick, got %d", got)
	}
}

func TestScheduler_bounded_pool_skips_overflow(t *testing.T) {
	runner := newFakeRunner("a", "b", "c")
	s, err := NewScheduler(runner, time.Second, 1, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if n := s.Tick(context.Background()); n != 1 {
		t.Errorf("expected 1 launch with a pool of one, got %d", n)
	}
	<-runner.started
	close(runner.release)
	s.Wait()
}

func TestScheduler_Run_stops_on_cancel(t *testing.T) {
	runner := newFakeRunner("a")
	close(runner.release)
	s, err := NewScheduler(runner, 10*time.Millisecond, 2, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never launched a cycle")
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := runner.runs.Load(); n == 0 {
		t.Error("expected at least one cycle before shutdown")
	}
}

func TestNewScheduler_rejects_bad_interval(t *testing.T) {
	if _, err := NewScheduler(newFakeRunner(), 0, 1, testLogger(), nil); err == nil {
		t.Error("expected an error for a zero interval")
	}
}

func TestScheduler_drives_service(t *testing.T) {
	up := newFakeUpstream(t)
	svc, _ := newTestService(t, Options{})
	svc.Register("42", up.link("42"))

	s, err := NewScheduler(svc, time.Second, 2, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Release()

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("expected 1 launch, got %d", n)
	}
	s.Wait()

	if _, err := svc.CurrentPlaylistPath("42"); err != nil {
		t.Errorf("scheduled cycle should publish: %v", err)
	}
}
