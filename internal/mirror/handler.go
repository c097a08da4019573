package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"live-mirror/internal/matchstore"
)

// Catalog is the slice of the match store the HTTP layer needs.
type Catalog interface {
	LinkByID(ctx context.Context, id string) (string, error)
	Upcoming(ctx context.Context, now time.Time, window time.Duration) ([]matchstore.Match, error)
	Save(ctx context.Context, m matchstore.Match) (int64, error)
	ReplaceAll(ctx context.Context, matches []matchstore.Match) error
}

// HandlerOptions configures URL shapes and listing windows.
type HandlerOptions struct {
	MediaPrefix string        // URL prefix the published tree is served under, e.g. "/media/"
	MatchWindow time.Duration // +/- window for GET /api/matches
}

// Handler exposes the engine over HTTP using go-chi.
type Handler struct {
	svc     *Service
	catalog Catalog
	opts    HandlerOptions
	log     *slog.Logger
}

// NewHandler returns a Handler. catalog may be nil, which disables the match
// endpoints and catalog lookups on watch.
func NewHandler(svc *Service, catalog Catalog, opts HandlerOptions, log *slog.Logger) *Handler {
	if opts.MediaPrefix == "" {
		opts.MediaPrefix = "/media/"
	}
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = 5 * time.Hour
	}
	return &Handler{svc: svc, catalog: catalog, opts: opts, log: log}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/matches", h.ListMatches)
		r.Post("/matches", h.SaveMatch)
		r.Put("/matches", h.ReplaceMatches)
		r.Get("/watch/{id}", h.Watch)
		r.Get("/streams", h.ListStreams)
		r.Post("/streams", h.RegisterStream)
		r.Get("/streams/{id}/playlist", h.CurrentPlaylist)
		r.Delete("/streams/{id}", h.UnregisterStream)
	})
}

type registerRequest struct {
	ID   string `json:"id"`
	Link string `json:"link"`
}

type sessionView struct {
	ID          string     `json:"id"`
	Link        string     `json:"link"`
	Status      string     `json:"status"`
	Failures    int        `json:"failures"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
	Src         string     `json:"src,omitempty"`
}

type srcResponse struct {
	Src string `json:"src"`
}

type replaceResponse struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// RegisterStream handles POST /api/streams.
// Body: { "id": "42", "link": "https://upstream.example/watch/42" }.
func (h *Handler) RegisterStream(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid register body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	existed := h.svc.Registry().Contains(SessionID(req.ID))
	sess, err := h.svc.Register(SessionID(req.ID), req.Link)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, h.view(sess))
}

// Watch handles GET /api/watch/{id}: registers the match on first use, waits
// for the first published playlist and returns its URL.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "id"))
	if err := ValidateSessionID(id); err != nil {
		h.writeError(w, err)
		return
	}

	if sess, ok := h.svc.Registry().Get(id); ok {
		if sess.Status == StatusFailed {
			// A viewer asking again gives a failed session another round.
			if _, err := h.svc.Register(id, sess.Link); err != nil {
				h.writeError(w, err)
				return
			}
		}
	} else {
		if h.catalog == nil {
			h.writeError(w, ErrNotFound)
			return
		}
		link, err := h.catalog.LinkByID(r.Context(), string(id))
		if err != nil {
			h.writeError(w, err)
			return
		}
		if _, err := h.svc.Register(id, link); err != nil {
			h.writeError(w, err)
			return
		}
	}

	if _, err := h.svc.ResolveAndServe(r.Context(), id); err != nil {
		h.log.Error("watch request failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srcResponse{Src: h.src(id)})
}

// CurrentPlaylist handles GET /api/streams/{id}/playlist.
func (h *Handler) CurrentPlaylist(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "id"))
	if _, err := h.svc.CurrentPlaylistPath(id); err != nil {
		h.writeError(w, err)
		return
	}
	sess, _ := h.svc.Registry().Get(id)
	writeJSON(w, http.StatusOK, h.view(sess))
}

// UnregisterStream handles DELETE /api/streams/{id}.
func (h *Handler) UnregisterStream(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "id"))
	if !h.svc.Unregister(id) {
		h.writeError(w, ErrNotFound)
		return
	}
	h.log.Info("session unregistered", slog.String("session_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	sessions := h.svc.Registry().List()
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, h.view(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListMatches handles GET /api/matches.
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		writeJSON(w, http.StatusOK, []matchstore.Match{})
		return
	}
	matches, err := h.catalog.Upcoming(r.Context(), time.Now(), h.opts.MatchWindow)
	if err != nil {
		h.log.Error("list matches failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "An error occurred. Please try again later."})
		return
	}
	if matches == nil {
		matches = []matchstore.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// SaveMatch handles POST /api/matches, the catalog source's entry point.
func (h *Handler) SaveMatch(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var m matchstore.Match
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := validateHTTPURL(m.Link); err != nil {
		h.writeError(w, ErrInvalidLink)
		return
	}
	id, err := h.catalog.Save(r.Context(), m)
	if err != nil {
		h.log.Error("save match failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "An error occurred. Please try again later."})
		return
	}
	m.ID = id
	writeJSON(w, http.StatusCreated, m)
}

// ReplaceMatches handles PUT /api/matches: a catalog refresh replacing every
// match at once. One invalid link rejects the whole batch.
func (h *Handler) ReplaceMatches(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	var matches []matchstore.Match
	if err := json.NewDecoder(r.Body).Decode(&matches); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	for _, m := range matches {
		if err := validateHTTPURL(m.Link); err != nil {
			h.writeError(w, ErrInvalidLink)
			return
		}
	}
	if err := h.catalog.ReplaceAll(r.Context(), matches); err != nil {
		h.log.Error("replace matches failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "An error occurred. Please try again later."})
		return
	}
	h.log.Info("match catalog replaced", slog.Int("count", len(matches)))
	writeJSON(w, http.StatusOK, replaceResponse{Count: len(matches)})
}

func (h *Handler) src(id SessionID) string {
	return path.Join(h.opts.MediaPrefix, string(id), PlaylistFileName)
}

func (h *Handler) view(s Session) sessionView {
	v := sessionView{
		ID:       string(s.ID),
		Link:     s.Link,
		Status:   s.Status.String(),
		Failures: s.Failures,
	}
	if s.Published() {
		t := s.LastRefresh.UTC()
		v.LastRefresh = &t
		v.Src = h.src(s.ID)
	}
	return v
}

// writeError maps engine errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, matchstore.ErrMatchNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Match not found. Please check the match ID."})
	case errors.Is(err, ErrInvalidSessionID), errors.Is(err, ErrInvalidLink):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrSecretNotFound):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Error fetching m3u8 link: Secret key not found."})
	case errors.Is(err, ErrEmptyManifest):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Error creating playlist: No valid URLs found in m3u8 content."})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "Upstream did not answer in time. Please try again later."})
	case errors.Is(err, ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "An error occurred. Please try again later."})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "An error occurred. Please try again later."})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
