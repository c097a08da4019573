package mirror

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"live-mirror/internal/platform/metrics"
)

// SweepReport summarizes one janitor pass.
type SweepReport struct {
	Scanned        int
	Deleted        int
	Errors         int
	OrphansRemoved int
}

// Janitor deletes aged segment files from every session directory. The
// published playlist is never aged out, only replaced by the next cycle.
type Janitor struct {
	baseDir    string
	retention  time.Duration
	interval   time.Duration
	registered func(SessionID) bool // nil disables the orphan sweep
	log        *slog.Logger
	metrics    *metrics.Metrics
	remove     func(path string) error
}

// NewJanitor returns a Janitor. registered tells live sessions apart from
// directories left behind by evicted sessions or earlier processes.
func NewJanitor(baseDir string, retention, interval time.Duration, registered func(SessionID) bool, log *slog.Logger, m *metrics.Metrics) *Janitor {
	return &Janitor{
		baseDir:    baseDir,
		retention:  retention,
		interval:   interval,
		registered: registered,
		log:        log,
		metrics:    m,
		remove:     os.Remove,
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.log.Info("cache janitor started", slog.Duration("interval", j.interval), slog.Duration("retention", j.retention))
	for {
		select {
		case <-ctx.Done():
			j.log.Info("cache janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(time.Now())
		}
	}
}

// Sweep runs one pass. Individual failures are logged and counted, never fatal.
func (j *Janitor) Sweep(now time.Time) SweepReport {
	var rep SweepReport

	entries, err := os.ReadDir(j.baseDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			rep.Errors++
			j.logFS("readdir", j.baseDir, err)
		}
		j.record(rep)
		return rep
	}

	for _, e := range entries {
		if !e.IsDir() || ValidateSessionID(SessionID(e.Name())) != nil {
			continue
		}
		j.sweepDir(now, SessionID(e.Name()), &rep)
	}

	if rep.Deleted > 0 || rep.Errors > 0 || rep.OrphansRemoved > 0 {
		j.log.Info("janitor pass finished",
			slog.Int("scanned", rep.Scanned),
			slog.Int("deleted", rep.Deleted),
			slog.Int("errors", rep.Errors),
			slog.Int("orphans_removed", rep.OrphansRemoved))
	}
	j.record(rep)
	return rep
}

func (j *Janitor) sweepDir(now time.Time, id SessionID, rep *SweepReport) {
	dir := filepath.Join(j.baseDir, string(id))
	entries, err := os.ReadDir(dir)
	if err != nil {
		rep.Errors++
		j.logFS("readdir", dir, err)
		return
	}

	fresh := 0
	for _, e := range entries {
		name := e.Name()
		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				rep.Errors++
				j.logFS("stat", filepath.Join(dir, name), err)
			}
			continue
		}
		aged := now.Sub(info.ModTime()) > j.retention
		if !aged {
			fresh++
		}
		if !e.Type().IsRegular() || !(IsSegmentFile(name) || isTempFile(name)) {
			continue
		}

		rep.Scanned++
		if !aged {
			continue
		}
		path := filepath.Join(dir, name)
		if err := j.remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			rep.Errors++
			j.logFS("remove", path, err)
			continue
		}
		rep.Deleted++
		j.log.Debug("deleted aged file", slog.String("path", path))
	}

	if j.registered == nil || j.registered(id) || fresh > 0 {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		rep.Errors++
		j.logFS("remove", dir, err)
		return
	}
	rep.OrphansRemoved++
	j.log.Info("removed orphaned session directory", slog.String("session_id", string(id)))
}

func (j *Janitor) logFS(op, path string, err error) {
	j.log.Warn("janitor skipped path", slog.String("error", (&FileSystemError{Op: op, Path: path, Err: err}).Error()))
}

func (j *Janitor) record(rep SweepReport) {
	if j.metrics == nil {
		return
	}
	j.metrics.AddJanitorDeleted(rep.Deleted)
	j.metrics.AddJanitorErrors(rep.Errors)
}
