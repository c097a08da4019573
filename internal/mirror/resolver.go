package mirror

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"live-mirror/internal/platform/httpclient"
)

const maxPageBytes = 4 << 20

var secretPattern = regexp.MustCompile(`window\.atob\(\s*"([^"]+)"\s*\)`)

// SecretResolver turns an upstream page link into the manifest URL it hides.
type SecretResolver interface {
	Resolve(ctx context.Context, link string) (string, error)
}

// ResolveSecret extracts the base64 literal passed to window.atob in markup and
// returns the decoded manifest URL. The decoded text is untrusted: it must be
// printable ASCII and an absolute http(s) URL.
func ResolveSecret(markup string) (string, error) {
	m := secretPattern.FindStringSubmatch(markup)
	if m == nil {
		return "", ErrSecretNotFound
	}

	literal := strings.TrimSpace(m[1])
	decoded, err := base64.StdEncoding.DecodeString(literal)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(literal, "="))
	}
	if err != nil {
		return "", fmt.Errorf("%w: undecodable literal: %v", ErrSecretNotFound, err)
	}

	manifestURL := strings.TrimSpace(string(decoded))
	for i := 0; i < len(manifestURL); i++ {
		if c := manifestURL[i]; c < 0x21 || c > 0x7e {
			return "", fmt.Errorf("%w: non-printable byte 0x%02x", ErrInvalidManifestURL, c)
		}
	}
	if err := validateHTTPURL(manifestURL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidManifestURL, err)
	}
	return manifestURL, nil
}

// Resolver fetches upstream pages and resolves their manifest pointer.
type Resolver struct {
	client  *httpclient.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewResolver returns a Resolver; each page fetch is bounded by timeout.
func NewResolver(client *httpclient.Client, timeout time.Duration, log *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{client: client, timeout: timeout, log: log}
}

// Resolve fetches link once and decodes its manifest pointer. Page fetch
// failures are *TransportError; a page without the pointer is ErrSecretNotFound.
func (r *Resolver) Resolve(ctx context.Context, link string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := r.client.GetBody(ctx, link, maxPageBytes)
	if err != nil {
		return "", &TransportError{Op: "page", URL: link, Err: err}
	}

	manifestURL, err := ResolveSecret(string(body))
	if err != nil {
		r.log.Warn("manifest pointer not resolved",
			slog.String("link", link),
			slog.Int("page_bytes", len(body)),
			slog.String("error", err.Error()))
		return "", err
	}

	r.log.Debug("manifest pointer resolved", slog.String("link", link), slog.String("manifest_url", manifestURL))
	return manifestURL, nil
}
