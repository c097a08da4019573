package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/ratelimit"
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Options configures the upstream client.
type Options struct {
	UserAgent string
	Referer   string
	Origin    string
	// RequestsPerSecond caps outbound requests across all sessions. <= 0 disables the limit.
	RequestsPerSecond int
	// Transport overrides the default transport (tests).
	Transport http.RoundTripper
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned HTTP %d", e.URL, e.Code)
}

// ErrBodyTooLarge is returned by GetBody when the response exceeds the limit.
var ErrBodyTooLarge = errors.New("response body exceeds limit")

// Client sets the upstream headers on every request, applies the shared rate
// limit and transparently decodes gzip and zstd bodies. Timeouts come from the
// caller's context; the client itself has none so long segment transfers work.
type Client struct {
	http    *http.Client
	limiter ratelimit.Limiter
	opts    Options
}

// New builds a Client.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		}
	}

	limiter := ratelimit.NewUnlimited()
	if opts.RequestsPerSecond > 0 {
		limiter = ratelimit.New(opts.RequestsPerSecond)
	}

	return &Client{
		http:    &http.Client{Transport: transport},
		limiter: limiter,
		opts:    opts,
	}
}

// Get issues a GET and returns the response with a decoded body. The caller
// closes the body. Non-200 statuses are returned as *StatusError with the body
// already closed.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.limiter.Take()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decode %s body: %w", resp.Header.Get("Content-Encoding"), err)
	}
	resp.Body = body
	return resp, nil
}

// GetBody reads the whole decoded response, refusing bodies over limit bytes.
func (c *Client) GetBody(ctx context.Context, url string, limit int64) ([]byte, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	// Setting this by hand turns off net/http's transparent gzip, decodeBody takes over.
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	if c.opts.Origin != "" {
		req.Header.Set("Origin", c.opts.Origin)
	}
	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
	}
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return resp.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		rc := dec.IOReadCloser()
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		return &decodedBody{Reader: rc, closers: []io.Closer{rc, resp.Body}}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
