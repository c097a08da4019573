package mirror

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-mirror/internal/platform/httpclient"
	"live-mirror/internal/platform/logger"
)

// fakeUpstream serves a watch page, a manifest and segments. The manifest text
// may use {{base}} for the server URL.
type fakeUpstream struct {
	srv *httptest.Server

	pageHits     atomic.Int32
	manifestHits atomic.Int32
	segmentHits  atomic.Int32

	mu             sync.Mutex
	page           string // overrides the generated page when set
	manifest       string
	manifestStatus int
	manifestGate   chan struct{} // when set, manifest requests block until closed
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		manifest: "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4,\n{{base}}/seg/a.ts\n#EXTINF:4,\n{{base}}/seg/b.ts\n",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/", func(w http.ResponseWriter, r *http.Request) {
		u.pageHits.Add(1)
		u.mu.Lock()
		page := u.page
		u.mu.Unlock()
		if page == "" {
			page = watchPage(u.srv.URL + "/live/index.m3u8")
		}
		fmt.Fprint(w, page)
	})
	mux.HandleFunc("/live/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		u.manifestHits.Add(1)
		u.mu.Lock()
		gate, status, text := u.manifestGate, u.manifestStatus, u.manifest
		u.mu.Unlock()
		if gate != nil {
			<-gate
		}
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, strings.ReplaceAll(text, "{{base}}", u.srv.URL))
	})
	mux.HandleFunc("/seg/", func(w http.ResponseWriter, r *http.Request) {
		u.segmentHits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/stall.ts") {
			<-r.Context().Done()
			return
		}
		if strings.HasSuffix(r.URL.Path, "/missing.ts") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, "bytes of "+r.URL.Path)
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) link(id string) string {
	return u.srv.URL + "/watch/" + id
}

func (u *fakeUpstream) setManifest(text string) {
	u.mu.Lock()
	u.manifest = text
	u.mu.Unlock()
}

func (u *fakeUpstream) setManifestStatus(code int) {
	u.mu.Lock()
	u.manifestStatus = code
	u.mu.Unlock()
}

func (u *fakeUpstream) setPage(page string) {
	u.mu.Lock()
	u.page = page
	u.mu.Unlock()
}

func watchPage(manifestURL string) string {
	secret := base64.StdEncoding.EncodeToString([]byte(manifestURL))
	return `<html><body><script>var src = window.atob("` + secret + `"); player.load(src);</script></body></html>`
}

func testLogger() *slog.Logger {
	return logger.Discard()
}

func testClient() *httpclient.Client {
	return httpclient.New(httpclient.Options{Referer: "https://1stream.eu/", Origin: "null"})
}

// newTestService wires a Service against the real pipeline with fast settings.
func newTestService(t *testing.T, opts Options) (*Service, string) {
	t.Helper()
	base := t.TempDir()
	client := testClient()
	log := testLogger()
	svc := NewService(
		NewRegistry(base),
		NewResolver(client, 5*time.Second, log),
		NewFetcher(client, FetcherOptions{Attempts: 1, Timeout: 5 * time.Second}, log),
		NewLocalizer(client, LocalizerOptions{Concurrency: 4, SegmentTimeout: 5 * time.Second}, log),
		opts, log, nil,
	)
	t.Cleanup(svc.Close)
	return svc, base
}
