package mirror

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"live-mirror/internal/platform/httpclient"
)

const maxManifestBytes = 2 << 20

// ManifestFetcher retrieves manifest text for a resolved URL.
type ManifestFetcher interface {
	Fetch(ctx context.Context, manifestURL string) (Manifest, error)
}

// FetcherOptions bounds the fetch retry loop.
type FetcherOptions struct {
	Attempts int           // total attempts, at least 1
	Timeout  time.Duration // per attempt
	Backoff  time.Duration // multiplied by the attempt number between attempts
}

// Fetcher downloads manifests with a fixed attempt budget, since upstream
// availability is flaky.
type Fetcher struct {
	client *httpclient.Client
	opts   FetcherOptions
	log    *slog.Logger
}

// NewFetcher returns a Fetcher.
func NewFetcher(client *httpclient.Client, opts FetcherOptions, log *slog.Logger) *Fetcher {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Fetcher{client: client, opts: opts, log: log}
}

// Fetch returns the manifest once a response with at least one absolute URI
// arrives. After the last attempt it returns ErrEmptyManifest if the upstream
// answered without URIs, or a *TransportError otherwise.
func (f *Fetcher) Fetch(ctx context.Context, manifestURL string) (Manifest, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Manifest{}, &TransportError{Op: "manifest", URL: manifestURL, Err: ctx.Err()}
			case <-time.After(f.opts.Backoff * time.Duration(attempt-1)):
			}
		}

		m, err := f.fetchOnce(ctx, manifestURL)
		if err == nil {
			return m, nil
		}
		lastErr = err
		f.log.Debug("manifest attempt failed",
			slog.String("manifest_url", manifestURL),
			slog.Int("attempt", attempt),
			slog.Int("attempts", f.opts.Attempts),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			break
		}
	}
	return Manifest{}, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, manifestURL string) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	body, err := f.client.GetBody(ctx, manifestURL, maxManifestBytes)
	if err != nil {
		return Manifest{}, &TransportError{Op: "manifest", URL: manifestURL, Err: err}
	}

	text := string(body)
	if len(ExtractSegmentURIs(text)) == 0 {
		return Manifest{}, ErrEmptyManifest
	}

	m := Manifest{URL: manifestURL, Text: text}
	f.inspect(&m)
	return m, nil
}

// inspect decodes the manifest leniently for logging and metrics only.
func (f *Fetcher) inspect(m *Manifest) {
	pl, kind, err := m3u8.DecodeFrom(strings.NewReader(m.Text), false)
	if err != nil {
		f.log.Debug("manifest inspection skipped", slog.String("manifest_url", m.URL), slog.String("error", err.Error()))
		return
	}
	m.Inspected = true
	switch kind {
	case m3u8.MEDIA:
		if media, ok := pl.(*m3u8.MediaPlaylist); ok {
			m.MediaSequence = media.SeqNo
			m.SegmentCount = int(media.Count())
		}
	case m3u8.MASTER:
		m.Master = true
		if master, ok := pl.(*m3u8.MasterPlaylist); ok {
			m.SegmentCount = len(master.Variants)
		}
	}
}
