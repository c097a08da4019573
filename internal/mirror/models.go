package mirror

import (
	"path/filepath"
	"time"
)

// SessionID identifies a mirrored stream. It matches an external match id and
// doubles as the session's directory name, so it must pass ValidateSessionID.
type SessionID string

// Status is the lifecycle state of a session.
type Status int

const (
	StatusRegistered Status = iota
	StatusResolving
	StatusActive
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusResolving:
		return "resolving"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Schedulable reports whether the refresh scheduler should drive this status.
func (s Status) Schedulable() bool {
	return s != StatusFailed
}

// Session is the registry's record for one mirrored stream. Callers only ever
// see copies.
type Session struct {
	ID          SessionID
	Link        string // upstream page carrying the obfuscated manifest pointer
	ResolvedURL string // empty until the secret has been resolved
	Dir         string
	Status      Status
	LastRefresh time.Time // last successful publish; zero if none yet
	Failures    int       // consecutive failed cycles
	CreatedAt   time.Time
	LastAccess  time.Time // last front-end interest, drives idle eviction
}

// Published reports whether at least one cycle has published a playlist.
func (s Session) Published() bool {
	return !s.LastRefresh.IsZero()
}

// PlaylistPath is the canonical published manifest of the session.
func (s Session) PlaylistPath() string {
	return filepath.Join(s.Dir, PlaylistFileName)
}

// Manifest is fetched manifest text plus best-effort inspection results.
// Text is never modified by inspection.
type Manifest struct {
	URL  string
	Text string

	Inspected     bool
	Master        bool
	MediaSequence uint64
	SegmentCount  int
}

// SegmentFile is a localized segment on disk. It is never indexed durably;
// the janitor rediscovers files by walking the tree.
type SegmentFile struct {
	Path      string
	SourceURL string
	CreatedAt time.Time
}

// LocalizeResult summarizes one localization.
type LocalizeResult struct {
	PlaylistPath string
	Segments     []SegmentFile // newly downloaded this cycle
	Reused       int           // served from the reuse cache
	Failed       []string      // URIs left remote (partial segment failure)
}
