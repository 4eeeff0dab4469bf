// Package fetcher performs conditional HTTP retrieval of feed documents.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	userAgent    = "FeedRelayBot/1.0"
	maxBodyBytes = 5 * 1024 * 1024
	maxRedirects = 5
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Status classifies the outcome of a conditional fetch.
type Status int

// Fetch outcomes.
const (
	// StatusContent means the source returned a fresh document body.
	StatusContent Status = iota
	// StatusUnchanged means the source confirmed the cached validators
	// are still current; the body is empty and parsing is skipped.
	StatusUnchanged
	// StatusGone means the source reports the feed permanently removed.
	StatusGone
)

// Validators are the cached conditional-request tokens for one feed.
type Validators struct {
	ETag         string
	LastModified string
}

// Result is the outcome of one fetch. Body and Validators are populated
// only for StatusContent.
type Result struct {
	Status     Status
	Body       []byte
	Validators Validators
}

// Fetcher downloads feed documents with conditional GET semantics. Any
// error returned by Fetch is transient: the caller retries on the next
// scheduled poll. Permanent removal is reported as StatusGone, not as an
// error.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// SetTimeout overrides the per-request wall-clock timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// Fetch retrieves url, sending If-None-Match / If-Modified-Since when
// cached validators are present.
func (f *Fetcher) Fetch(ctx context.Context, url string, v Validators) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &Result{
			Status: StatusContent,
			Body:   body,
			Validators: Validators{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
		}, nil
	case http.StatusNotModified:
		return &Result{Status: StatusUnchanged}, nil
	case http.StatusNotFound, http.StatusGone:
		return &Result{Status: StatusGone}, nil
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// NewHTTPClient returns an http.Client suitable for feed fetching: no
// client-level timeout (the Fetcher applies its own per request) and a
// bounded redirect chain.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}
