package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"live-mirror/internal/platform/httpclient"
)

func TestResolveSecret(t *testing.T) {
	tests := []struct {
		name    string
		markup  string
		want    string
		wantErr error
	}{
		{
			name:   "padded literal",
			markup: `<script>var s = window.atob("aHR0cDovL3gueHo=");</script>`,
			want:   "http://x.xz",
		},
		{
			name:   "unpadded literal and spacing",
			markup: `window.atob(  "aHR0cDovL3gueHo"  )`,
			want:   "http://x.xz",
		},
		{
			name:    "no pointer",
			markup:  `<html><body>offline</body></html>`,
			wantErr: ErrSecretNotFound,
		},
		{
			name:    "undecodable literal",
			markup:  `window.atob("%%%")`,
			wantErr: ErrSecretNotFound,
		},
		{
			name:    "not a url",
			markup:  `window.atob("` + base64.StdEncoding.EncodeToString([]byte("javascript:alert(1)")) + `")`,
			wantErr: ErrInvalidManifestURL,
		},
		{
			name:    "control bytes",
			markup:  `window.atob("` + base64.StdEncoding.EncodeToString([]byte("http://x.xz/\x00a")) + `")`,
			wantErr: ErrInvalidManifestURL,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveSecret(tt.markup)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	up := newFakeUpstream(t)
	r := NewResolver(testClient(), 5*time.Second, testLogger())

	got, err := r.Resolve(context.Background(), up.link("42"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := up.srv.URL + "/live/index.m3u8"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if n := up.pageHits.Load(); n != 1 {
		t.Errorf("expected exactly one page fetch, got %d", n)
	}
}

func TestResolver_Resolve_page_error(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	r := NewResolver(testClient(), 5*time.Second, testLogger())

	_, err := r.Resolve(context.Background(), srv.URL+"/watch/1")
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "page" {
		t.Fatalf("expected page TransportError, got %v", err)
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected wrapped 404 StatusError, got %v", err)
	}
}

func TestResolver_Resolve_missing_secret(t *testing.T) {
	up := newFakeUpstream(t)
	up.setPage("<html>stream starts soon</html>")
	r := NewResolver(testClient(), 5*time.Second, testLogger())

	if _, err := r.Resolve(context.Background(), up.link("42")); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
}
