package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/errgroup"

	"live-mirror/internal/platform/httpclient"
)

// SegmentLocalizer downloads a manifest's segments into dir and publishes the
// rewritten manifest there.
type SegmentLocalizer interface {
	Localize(ctx context.Context, m Manifest, dir string) (LocalizeResult, error)
}

// LocalizerOptions configures segment downloads.
type LocalizerOptions struct {
	Concurrency    int           // simultaneous transfers per localization
	SegmentTimeout time.Duration // per segment
	// ReuseTTL is how long a downloaded segment may be referenced again by a
	// later manifest instead of being fetched anew. Keep it well under the
	// janitor retention window. Zero disables reuse.
	ReuseTTL time.Duration
}

// Localizer implements SegmentLocalizer on top of the upstream client.
type Localizer struct {
	client *httpclient.Client
	opts   LocalizerOptions
	reuse  *otter.Cache[string, string] // dir + "\x00" + uri -> file name
	log    *slog.Logger
	now    func() time.Time
}

// NewLocalizer returns a Localizer.
func NewLocalizer(client *httpclient.Client, opts LocalizerOptions, log *slog.Logger) *Localizer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = 30 * time.Second
	}
	l := &Localizer{client: client, opts: opts, log: log, now: time.Now}
	if opts.ReuseTTL > 0 {
		l.reuse = otter.Must(&otter.Options[string, string]{
			MaximumSize:      100_000,
			ExpiryCalculator: otter.ExpiryWriting[string, string](opts.ReuseTTL),
		})
	}
	return l
}

type segmentResult struct {
	uri  string
	name string
	err  error
}

// Localize runs one localization of m into dir. Segment failures never fail
// the call; those URIs stay remote in the published manifest. Nothing is
// published if ctx ends while segments are still in flight.
func (l *Localizer) Localize(ctx context.Context, m Manifest, dir string) (LocalizeResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return LocalizeResult{}, &FileSystemError{Op: "mkdir", Path: dir, Err: err}
	}

	uris := ExtractSegmentURIs(m.Text)
	replacements := make(map[string]string, len(uris))
	var res LocalizeResult

	pending := make([]string, 0, len(uris))
	for _, uri := range uris {
		if name, ok := l.reusable(dir, uri); ok {
			replacements[uri] = name
			res.Reused++
			continue
		}
		pending = append(pending, uri)
	}

	results := make([]segmentResult, len(pending))
	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)
	for i, uri := range pending {
		g.Go(func() error {
			name, err := l.download(ctx, uri, dir)
			results[i] = segmentResult{uri: uri, name: name, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("localize %s: %w", dir, err)
	}

	now := l.now()
	for _, r := range results {
		if r.err != nil {
			res.Failed = append(res.Failed, r.uri)
			l.log.Warn("segment left remote",
				slog.String("dir", dir),
				slog.String("segment_url", r.uri),
				slog.String("error", r.err.Error()))
			continue
		}
		replacements[r.uri] = r.name
		res.Segments = append(res.Segments, SegmentFile{
			Path:      filepath.Join(dir, r.name),
			SourceURL: r.uri,
			CreatedAt: now,
		})
		if l.reuse != nil {
			l.reuse.Set(reuseKey(dir, r.uri), r.name)
		}
	}

	path, err := publish(dir, RewriteManifest(m.Text, replacements))
	if err != nil {
		return res, err
	}
	res.PlaylistPath = path
	return res, nil
}

func (l *Localizer) reusable(dir, uri string) (string, bool) {
	if l.reuse == nil {
		return "", false
	}
	key := reuseKey(dir, uri)
	name, ok := l.reuse.GetIfPresent(key)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		l.reuse.Invalidate(key)
		return "", false
	}
	return name, true
}

// download streams uri into a temp file and renames it into place, so a
// segment name only ever refers to a complete file.
func (l *Localizer) download(ctx context.Context, uri, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.SegmentTimeout)
	defer cancel()

	resp, err := l.client.Get(ctx, uri)
	if err != nil {
		return "", &TransportError{Op: "segment", URL: uri, Err: err}
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return "", &FileSystemError{Op: "create", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &TransportError{Op: "segment", URL: uri, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: "chmod", Path: tmpPath, Err: err}
	}

	name := newSegmentName(l.now())
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: "rename", Path: tmpPath, Err: err}
	}
	return name, nil
}

// publish atomically replaces dir/playlist.m3u8 with text.
func publish(dir, text string) (string, error) {
	final := filepath.Join(dir, PlaylistFileName)

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return "", &FileSystemError{Op: "create", Path: dir, Err: err}
	}
	tmpPath := tmp.Name()
	fail := func(op string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: op, Path: tmpPath, Err: err}
	}

	if _, err := tmp.WriteString(text); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: "close", Path: tmpPath, Err: err}
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return "", &FileSystemError{Op: "rename", Path: final, Err: fmt.Errorf("publish playlist: %w", err)}
	}
	return final, nil
}

func reuseKey(dir, uri string) string {
	return dir + "\x00" + uri
}
