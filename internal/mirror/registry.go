package mirror

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const maxSessionIDLen = 128

// Registry is the concurrency-safe owner of all sessions. Registration from the
// front end and status updates from refresh cycles both go through its single
// lock, so a registration racing a refresh on the same id cannot lose either
// update. Every accessor returns copies.
type Registry struct {
	mu      sync.RWMutex
	store   SessionStore
	baseDir string
	now     func() time.Time
}

// NewRegistry returns a registry whose session directories live under baseDir.
func NewRegistry(baseDir string) *Registry {
	return NewRegistryWithStore(baseDir, NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry over the given store.
func NewRegistryWithStore(baseDir string, store SessionStore) *Registry {
	return &Registry{store: store, baseDir: baseDir, now: time.Now}
}

// BaseDir is the root of the published tree.
func (r *Registry) BaseDir() string {
	return r.baseDir
}

// Register creates the session for id, or updates an existing one: a changed
// link replaces the old one and drops the resolved URL, and a Failed session is
// revived. Otherwise it is a no-op. created reports whether the session is new.
func (r *Registry) Register(id SessionID, link string) (sess Session, created bool, err error) {
	if err := ValidateSessionID(id); err != nil {
		return Session{}, false, err
	}
	if err := validateHTTPURL(link); err != nil {
		return Session{}, false, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.store.Get(id); ok {
		if existing.Link != link {
			existing.Link = link
			existing.ResolvedURL = ""
		}
		if existing.Status == StatusFailed {
			existing.Status = StatusRegistered
			existing.Failures = 0
		}
		return *existing, false, nil
	}

	now := r.now()
	s := &Session{
		ID:         id,
		Link:       link,
		Dir:        filepath.Join(r.baseDir, string(id)),
		Status:     StatusRegistered,
		CreatedAt:  now,
		LastAccess: now,
	}
	r.store.Put(s)
	return *s, true, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.store.Get(id)
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id SessionID) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns copies of every session ordered by id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.IDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.store.Get(id); ok {
			out = append(out, *s)
		}
	}
	return out
}

// Schedulable returns the sessions the refresh scheduler should drive.
func (r *Registry) Schedulable() []Session {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.Status.Schedulable() {
			out = append(out, s)
		}
	}
	return out
}

// MarkResolving moves a non-failed session into the Resolving state.
func (r *Registry) MarkResolving(id SessionID) error {
	return r.update(id, func(s *Session) {
		if s.Status != StatusFailed {
			s.Status = StatusResolving
		}
	})
}

// SetResolved stores the manifest URL resolved from link. It is ignored when
// the session was re-registered with a different link meanwhile.
func (r *Registry) SetResolved(id SessionID, link, manifestURL string) error {
	return r.update(id, func(s *Session) {
		if s.Link == link {
			s.ResolvedURL = manifestURL
		}
	})
}

// ClearResolved forgets the manifest URL so the next cycle re-reads the page.
func (r *Registry) ClearResolved(id SessionID) error {
	return r.update(id, func(s *Session) {
		s.ResolvedURL = ""
	})
}

// RecordSuccess marks a published cycle: Active, failure count reset.
func (r *Registry) RecordSuccess(id SessionID, at time.Time) error {
	return r.update(id, func(s *Session) {
		s.Status = StatusActive
		s.Failures = 0
		s.LastRefresh = at
	})
}

// RecordFailure counts a failed cycle and moves the session to Failed once the
// consecutive count reaches threshold (threshold <= 0 never fails a session).
// A session that has never resolved falls back to Registered.
func (r *Registry) RecordFailure(id SessionID, threshold int) (Status, int, error) {
	var status Status
	var failures int
	err := r.update(id, func(s *Session) {
		s.Failures++
		switch {
		case threshold > 0 && s.Failures >= threshold:
			s.Status = StatusFailed
		case s.Status == StatusResolving && s.ResolvedURL == "":
			s.Status = StatusRegistered
		}
		status, failures = s.Status, s.Failures
	})
	return status, failures, err
}

// Touch records front-end interest in the session.
func (r *Registry) Touch(id SessionID, at time.Time) bool {
	return r.update(id, func(s *Session) {
		if at.After(s.LastAccess) {
			s.LastAccess = at
		}
	}) == nil
}

// Remove deletes the session and returns its last state.
func (r *Registry) Remove(id SessionID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.store.Get(id)
	if !ok {
		return Session{}, false
	}
	r.store.Delete(id)
	return *s, true
}

// IdleSince lists sessions whose last access is before cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []SessionID
	for _, id := range r.store.IDs() {
		if s, ok := r.store.Get(id); ok && s.LastAccess.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CountByStatus returns the number of sessions per status name. Every status
// is present so gauges drop to zero.
func (r *Registry) CountByStatus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[string]int{
		StatusRegistered.String(): 0,
		StatusResolving.String():  0,
		StatusActive.String():     0,
		StatusFailed.String():     0,
	}
	for _, id := range r.store.IDs() {
		if s, ok := r.store.Get(id); ok {
			counts[s.Status.String()]++
		}
	}
	return counts
}

func (r *Registry) update(id SessionID, fn func(s *Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.store.Get(id)
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}

// ValidateSessionID accepts ids made of letters, digits, '-', '_' and '.'
// that cannot name a parent or hidden directory.
func ValidateSessionID(id SessionID) error {
	s := string(id)
	if s == "" || len(s) > maxSessionIDLen || s[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, s)
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSessionID, s)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
