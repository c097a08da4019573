package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"live-mirror/internal/platform/metrics"
)

// DefaultFailureThreshold is the consecutive failure count that fails a session.
const DefaultFailureThreshold = 5

// Options tunes the Service.
type Options struct {
	FailureThreshold int
	CycleTimeout     time.Duration // bounds a whole resolve+fetch+localize cycle
	IdleTimeout      time.Duration // front-end inactivity before eviction; 0 disables
}

// Service ties the registry to the resolve/fetch/localize pipeline. Every
// cycle, whether scheduled or requested by a viewer, runs through one
// singleflight group keyed by session id, so a session never has two cycles
// writing its directory at once and concurrent viewers share one cycle.
type Service struct {
	registry  *Registry
	resolver  SecretResolver
	fetcher   ManifestFetcher
	localizer SegmentLocalizer
	opts      Options
	log       *slog.Logger
	metrics   *metrics.Metrics

	cycles singleflight.Group
	busy   *xsync.MapOf[SessionID, time.Time] // sessions with a cycle running

	root   context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewService returns a Service. Metrics may be nil.
func NewService(reg *Registry, resolver SecretResolver, fetcher ManifestFetcher, localizer SegmentLocalizer, opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &Service{
		registry:  reg,
		resolver:  resolver,
		fetcher:   fetcher,
		localizer: localizer,
		opts:      opts,
		log:       log,
		metrics:   m,
		busy:      xsync.NewMapOf[SessionID, time.Time](),
		root:      root,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Close cancels every running cycle.
func (s *Service) Close() {
	s.cancel()
}

// Registry exposes the session registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Register adds or refreshes a session. Re-registering an existing id only
// updates a changed link or revives a failed session.
func (s *Service) Register(id SessionID, link string) (Session, error) {
	before, existed := s.registry.Get(id)
	sess, created, err := s.registry.Register(id, link)
	if err != nil {
		return Session{}, err
	}

	switch {
	case created:
		s.log.Info("session registered", slog.String("session_id", string(id)), slog.String("link", link))
	case existed && before.Status == StatusFailed:
		s.log.Info("failed session revived", slog.String("session_id", string(id)))
	case existed && before.Link != link:
		s.log.Info("session link changed", slog.String("session_id", string(id)), slog.String("link", link))
	}
	return sess, nil
}

// ResolveAndServe returns the session's playlist path, blocking for the first
// successful cycle if none has published yet. Unknown ids yield ErrNotFound;
// a failing cycle yields ErrUpstreamUnavailable wrapping the cause.
func (s *Service) ResolveAndServe(ctx context.Context, id SessionID) (string, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	s.registry.Touch(id, s.now())

	if sess.Published() {
		return sess.PlaylistPath(), nil
	}
	if sess.Status == StatusFailed {
		return "", fmt.Errorf("%w: session failed after %d consecutive cycles", ErrUpstreamUnavailable, sess.Failures)
	}

	ch := s.cycles.DoChan(string(id), func() (any, error) {
		return s.firstPublish(id)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			if errors.Is(r.Err, ErrNotFound) {
				return "", ErrNotFound
			}
			return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, r.Err)
		}
		return r.Val.(LocalizeResult).PlaylistPath, nil
	}
}

// CurrentPlaylistPath returns whatever was last published, even if stale.
func (s *Service) CurrentPlaylistPath(id SessionID) (string, error) {
	sess, ok := s.registry.Get(id)
	if !ok || !sess.Published() {
		return "", ErrNotFound
	}
	s.registry.Touch(id, s.now())
	return sess.PlaylistPath(), nil
}

// RunCycle runs (or joins) one localization cycle for id. ctx only bounds the
// wait; the cycle itself is bounded by Options.CycleTimeout.
func (s *Service) RunCycle(ctx context.Context, id SessionID) error {
	ch := s.cycles.DoChan(string(id), func() (any, error) {
		return s.cycle(id)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

// Schedulable lists the sessions the scheduler should drive.
func (s *Service) Schedulable() []Session {
	return s.registry.Schedulable()
}

// Unregister drops a session and its directory.
func (s *Service) Unregister(id SessionID) bool {
	sess, ok := s.registry.Remove(id)
	if !ok {
		return false
	}
	s.removeDir(sess)
	return true
}

// EvictIdle unregisters sessions nobody asked for within IdleTimeout.
func (s *Service) EvictIdle(now time.Time) []SessionID {
	if s.opts.IdleTimeout <= 0 {
		return nil
	}
	ids := s.registry.IdleSince(now.Add(-s.opts.IdleTimeout))
	evicted := ids[:0]
	for _, id := range ids {
		if s.Unregister(id) {
			s.log.Info("idle session evicted", slog.String("session_id", string(id)))
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// UpdateGauges refreshes session gauges; wired to the metrics scrape.
func (s *Service) UpdateGauges() {
	if s.metrics != nil {
		s.metrics.SetSessions(s.registry.CountByStatus())
	}
}

func (s *Service) removeDir(sess Session) {
	if _, running := s.busy.Load(sess.ID); running {
		// The janitor's orphan sweep removes it once the cycle is gone.
		s.log.Debug("cycle in flight, directory left for janitor", slog.String("session_id", string(sess.ID)))
		return
	}
	if err := os.RemoveAll(sess.Dir); err != nil {
		s.log.Warn("remove session directory failed",
			slog.String("session_id", string(sess.ID)),
			slog.String("error", (&FileSystemError{Op: "remove", Path: sess.Dir, Err: err}).Error()))
	}
}

// firstPublish runs a cycle for a viewer unless one that finished since the
// caller's check already published. Must only be called through s.cycles.
func (s *Service) firstPublish(id SessionID) (LocalizeResult, error) {
	if sess, ok := s.registry.Get(id); ok && sess.Published() {
		return LocalizeResult{PlaylistPath: sess.PlaylistPath()}, nil
	}
	return s.cycle(id)
}

// cycle must only be called through s.cycles.
func (s *Service) cycle(id SessionID) (LocalizeResult, error) {
	start := s.now()
	s.busy.Store(id, start)
	defer s.busy.Delete(id)

	sess, ok := s.registry.Get(id)
	if !ok {
		return LocalizeResult{}, ErrNotFound
	}
	if sess.Status == StatusFailed {
		return LocalizeResult{}, fmt.Errorf("%w: session failed", ErrUpstreamUnavailable)
	}

	log := s.log.With(slog.String("session_id", string(id)), slog.String("cycle_id", uuid.NewString()))
	ctx, cancel := context.WithTimeout(s.root, s.opts.CycleTimeout)
	defer cancel()

	res, err := s.localize(ctx, sess, log)
	elapsed := s.now().Sub(start).Seconds()
	if err != nil {
		status, failures, _ := s.registry.RecordFailure(id, s.opts.FailureThreshold)
		if s.metrics != nil {
			s.metrics.ObserveCycle(metrics.CycleFailure, elapsed)
		}
		log.Warn("cycle failed, previous playlist kept",
			slog.String("error", err.Error()),
			slog.Int("failures", failures))
		if status == StatusFailed {
			log.Error("session failed, no longer scheduled", slog.Int("failures", failures))
		}
		return res, err
	}

	s.registry.RecordSuccess(id, s.now())
	if s.metrics != nil {
		s.metrics.ObserveCycle(metrics.CycleSuccess, elapsed)
		s.metrics.AddSegments(metrics.SegmentDownloaded, len(res.Segments))
		s.metrics.AddSegments(metrics.SegmentReused, res.Reused)
		s.metrics.AddSegments(metrics.SegmentFailed, len(res.Failed))
	}
	log.Info("playlist updated",
		slog.Int("downloaded", len(res.Segments)),
		slog.Int("reused", res.Reused),
		slog.Int("left_remote", len(res.Failed)),
		slog.Int("duration_ms", int(s.now().Sub(start).Milliseconds())))
	return res, nil
}

func (s *Service) localize(ctx context.Context, sess Session, log *slog.Logger) (LocalizeResult, error) {
	manifestURL := sess.ResolvedURL
	if manifestURL == "" {
		s.registry.MarkResolving(sess.ID)
		u, err := s.resolver.Resolve(ctx, sess.Link)
		if err != nil {
			return LocalizeResult{}, fmt.Errorf("resolve: %w", err)
		}
		s.registry.SetResolved(sess.ID, sess.Link, u)
		manifestURL = u
	}

	m, err := s.fetcher.Fetch(ctx, manifestURL)
	if err != nil {
		// Upstream manifest URLs carry expiring tokens; re-read the page next time.
		s.registry.ClearResolved(sess.ID)
		return LocalizeResult{}, fmt.Errorf("fetch manifest: %w", err)
	}
	if m.Inspected {
		log.Debug("manifest fetched",
			slog.Bool("master", m.Master),
			slog.Uint64("media_sequence", m.MediaSequence),
			slog.Int("entries", m.SegmentCount))
	}

	res, err := s.localizer.Localize(ctx, m, sess.Dir)
	if err != nil {
		return res, fmt.Errorf("localize: %w", err)
	}
	return res, nil
}
