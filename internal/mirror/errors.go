package mirror

import (
	"errors"
	"fmt"
)

var (
	// ErrSecretNotFound means the upstream page carries no decodable manifest
	// pointer. Not retried within a cycle; the next scheduled cycle tries again.
	ErrSecretNotFound = errors.New("secret key not found in upstream page")

	// ErrInvalidManifestURL means the decoded pointer is not an absolute http(s) URL.
	ErrInvalidManifestURL = errors.New("decoded manifest url is not a valid http(s) url")

	// ErrEmptyManifest means the manifest held no absolute segment URI after all attempts.
	ErrEmptyManifest = errors.New("no urls found in manifest")

	// ErrNotFound is returned for unknown sessions or sessions that never published.
	ErrNotFound = errors.New("stream not found")

	// ErrUpstreamUnavailable wraps the cause when an on-demand cycle fails.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidSessionID rejects ids that are unsafe as directory names.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrInvalidLink rejects upstream links that are not absolute http(s) URLs.
	ErrInvalidLink = errors.New("invalid upstream link")
)

// TransportError is a network or HTTP status failure talking to the upstream origin.
type TransportError struct {
	Op  string // "page", "manifest" or "segment"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s fetch %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FileSystemError is a failed filesystem operation on the published tree.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }
