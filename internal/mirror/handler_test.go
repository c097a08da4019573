package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"live-mirror/internal/matchstore"
)

type fakeCatalog struct {
	mu      sync.Mutex
	matches map[string]matchstore.Match
	nextID  int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{matches: make(map[string]matchstore.Match), nextID: 1}
}

func (c *fakeCatalog) LinkByID(_ context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.matches[id]
	if !ok {
		return "", matchstore.ErrMatchNotFound
	}
	return m.Link, nil
}

func (c *fakeCatalog) Upcoming(_ context.Context, _ time.Time, _ time.Duration) ([]matchstore.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []matchstore.Match
	for _, m := range c.matches {
		out = append(out, m)
	}
	return out, nil
}

func (c *fakeCatalog) Save(_ context.Context, m matchstore.Match) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.ID == 0 {
		m.ID = c.nextID
		c.nextID++
	}
	c.matches[strconv.FormatInt(m.ID, 10)] = m
	return m.ID, nil
}

func (c *fakeCatalog) ReplaceAll(_ context.Context, matches []matchstore.Match) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matches = make(map[string]matchstore.Match, len(matches))
	c.nextID = 1
	for _, m := range matches {
		m.ID = c.nextID
		c.nextID++
		c.matches[strconv.FormatInt(m.ID, 10)] = m
	}
	return nil
}

func newTestRouter(t *testing.T) (*chi.Mux, *Service, *fakeCatalog) {
	t.Helper()
	svc, _ := newTestService(t, Options{FailureThreshold: 2})
	catalog := newFakeCatalog()
	h := NewHandler(svc, catalog, HandlerOptions{MediaPrefix: "/media/"}, testLogger())
	r := chi.NewRouter()
	h.Routes(r)
	return r, svc, catalog
}

func do(r http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Watch(t *testing.T) {
	up := newFakeUpstream(t)
	r, svc, catalog := newTestRouter(t)
	catalog.matches["42"] = matchstore.Match{ID: 42, Link: up.link("42")}

	rec := do(r, http.MethodGet, "/api/watch/42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var got srcResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Src != "/media/42/playlist.m3u8" {
		t.Errorf("unexpected src %q", got.Src)
	}
	if !svc.Registry().Contains("42") {
		t.Error("watch should register the session")
	}
}

func TestHandler_Watch_unknown_match(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if rec := do(r, http.MethodGet, "/api/watch/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Watch_invalid_id(t *testing.T) {
	r, _, _ := newTestRouter(t)
	if rec := do(r, http.MethodGet, "/api/watch/.hidden", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_Watch_upstream_errors(t *testing.T) {
	up := newFakeUpstream(t)
	up.setPage("<html>nothing here</html>")
	r, _, catalog := newTestRouter(t)
	catalog.matches["42"] = matchstore.Match{ID: 42, Link: up.link("42")}

	rec := do(r, http.MethodGet, "/api/watch/42", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body errorResponse
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "Error fetching m3u8 link: Secret key not found." {
		t.Errorf("unexpected error body %q", body.Error)
	}
}

func TestHandler_RegisterStream(t *testing.T) {
	up := newFakeUpstream(t)
	r, _, _ := newTestRouter(t)
	body, _ := json.Marshal(registerRequest{ID: "7", Link: up.link("7")})

	if rec := do(r, http.MethodPost, "/api/streams", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := do(r, http.MethodPost, "/api/streams", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on re-register, got %d", rec.Code)
	}
	var view sessionView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.ID != "7" || view.Status != "registered" || view.Src != "" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestHandler_RegisterStream_bad_request(t *testing.T) {
	r, _, _ := newTestRouter(t)

	if rec := do(r, http.MethodPost, "/api/streams", []byte("not json")); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", rec.Code)
	}
	body, _ := json.Marshal(registerRequest{ID: "7", Link: "ftp://nope"})
	if rec := do(r, http.MethodPost, "/api/streams", body); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad link, got %d", rec.Code)
	}
}

func TestHandler_CurrentPlaylist(t *testing.T) {
	up := newFakeUpstream(t)
	r, svc, _ := newTestRouter(t)
	svc.Register("42", up.link("42"))

	if rec := do(r, http.MethodGet, "/api/streams/42/playlist", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first publish, got %d", rec.Code)
	}
	if err := svc.RunCycle(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}

	rec := do(r, http.MethodGet, "/api/streams/42/playlist", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view sessionView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.Status != "active" || view.Src != "/media/42/playlist.m3u8" || view.LastRefresh == nil {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestHandler_UnregisterStream(t *testing.T) {
	up := newFakeUpstream(t)
	r, svc, _ := newTestRouter(t)
	svc.Register("42", up.link("42"))

	if rec := do(r, http.MethodDelete, "/api/streams/42", nil); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if rec := do(r, http.MethodDelete, "/api/streams/42", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListStreams(t *testing.T) {
	up := newFakeUpstream(t)
	r, svc, _ := newTestRouter(t)
	svc.Register("b", up.link("b"))
	svc.Register("a", up.link("a"))

	rec := do(r, http.MethodGet, "/api/streams", nil)
	var views []sessionView
	json.NewDecoder(rec.Body).Decode(&views)
	if len(views) != 2 || views[0].ID != "a" {
		t.Errorf("unexpected list %+v", views)
	}
}

func TestHandler_Matches(t *testing.T) {
	r, _, catalog := newTestRouter(t)

	m := matchstore.Match{Link: "https://page.test/1", Title: "A vs B", Date: time.Now().UTC().Truncate(time.Second)}
	body, _ := json.Marshal(m)
	if rec := do(r, http.MethodPost, "/api/matches", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if _, err := catalog.LinkByID(context.Background(), "1"); err != nil {
		t.Errorf("saved match not found: %v", err)
	}

	bad, _ := json.Marshal(matchstore.Match{Link: "javascript:void(0)"})
	if rec := do(r, http.MethodPost, "/api/matches", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad link, got %d", rec.Code)
	}

	rec := do(r, http.MethodGet, "/api/matches", nil)
	var list []matchstore.Match
	json.NewDecoder(rec.Body).Decode(&list)
	if rec.Code != http.StatusOK || len(list) != 1 || list[0].Title != "A vs B" {
		t.Errorf("unexpected list %d %+v", rec.Code, list)
	}
}

func TestHandler_ReplaceMatches(t *testing.T) {
	r, _, catalog := newTestRouter(t)
	catalog.matches["99"] = matchstore.Match{ID: 99, Link: "https://page.test/old"}

	body, _ := json.Marshal([]matchstore.Match{
		{Link: "https://page.test/1", Title: "A vs B"},
		{Link: "https://page.test/2", Title: "C vs D"},
	})
	rec := do(r, http.MethodPut, "/api/matches", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var got replaceResponse
	json.NewDecoder(rec.Body).Decode(&got)
	if got.Count != 2 {
		t.Errorf("expected count 2, got %d", got.Count)
	}
	if _, err := catalog.LinkByID(context.Background(), "99"); err == nil {
		t.Error("old matches should be gone after a replace")
	}
	if link, err := catalog.LinkByID(context.Background(), "2"); err != nil || link != "https://page.test/2" {
		t.Errorf("LinkByID(2) = %q, %v", link, err)
	}
}

func TestHandler_ReplaceMatches_rejects_bad_batch(t *testing.T) {
	r, _, catalog := newTestRouter(t)
	catalog.matches["1"] = matchstore.Match{ID: 1, Link: "https://page.test/keep"}

	body, _ := json.Marshal([]matchstore.Match{
		{Link: "https://page.test/ok"},
		{Link: "ftp://page.test/bad"},
	})
	if rec := do(r, http.MethodPut, "/api/matches", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(r, http.MethodPut, "/api/matches", []byte("{")); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad json, got %d", rec.Code)
	}
	if link, _ := catalog.LinkByID(context.Background(), "1"); link != "https://page.test/keep" {
		t.Error("a rejected batch must leave the catalog untouched")
	}
}
