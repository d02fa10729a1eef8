// Package freesound wraps the Freesound.org API surface the download
// pipeline needs: sound metadata lookup and preview download with byte
// progress reporting.
package freesound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBaseURL is the public Freesound API endpoint.
	DefaultBaseURL = "https://freesound.org/apiv2"

	defaultHTTPTimeout = 90 * time.Second
)

var (
	// ErrNoAPIKey is returned when a client is constructed without a
	// token. This is a permanent configuration error: no retry.
	ErrNoAPIKey = errors.New("no Freesound API key configured")

	// ErrNotFound is returned when a sound id does not exist.
	ErrNotFound = errors.New("sound not found")

	// ErrNetwork wraps transport-level failures, distinguishable from
	// bad status codes.
	ErrNetwork = errors.New("network error")

	// ErrNoPreview is returned when a sound has no usable preview URL.
	ErrNoPreview = errors.New("sound has no preview available")
)

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// SoundInfo is the metadata subset the cache records for attribution and
// display.
type SoundInfo struct {
	ID         int64
	Name       string
	Duration   float64 // seconds
	Tags       []string
	License    string
	Username   string
	PreviewURL string
}

// ProgressFunc receives byte-level download progress. total is -1 when the
// transport does not report a content length.
type ProgressFunc func(loaded, total int64)

// Client is the fetch collaborator injected into the download queue.
type Client interface {
	// SoundInfo fetches metadata for a sound id. A missing id fails
	// with ErrNotFound.
	SoundInfo(ctx context.Context, id int64) (*SoundInfo, error)

	// DownloadPreview fetches the raw preview bytes, reporting progress
	// as data arrives.
	DownloadPreview(ctx context.Context, previewURL string, onProgress ProgressFunc) ([]byte, error)
}

// HTTPClient talks to the real Freesound API using token authentication.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) HTTPOption {
	return func(c *HTTPClient) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(h *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = h }
}

// NewHTTPClient creates a Freesound API client. Fails immediately with
// ErrNoAPIKey when token is empty.
func NewHTTPClient(token string, opts ...HTTPOption) (*HTTPClient, error) {
	if token == "" {
		return nil, ErrNoAPIKey
	}
	c := &HTTPClient{
		baseURL: DefaultBaseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:  log.Default().WithPrefix("freesound"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// soundResponse mirrors the fields we use from the sound detail endpoint.
type soundResponse struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Duration float64  `json:"duration"`
	Tags     []string `json:"tags"`
	License  string   `json:"license"`
	Username string   `json:"username"`
	Previews struct {
		HQWav string `json:"preview-hq-wav"`
		LQWav string `json:"preview-lq-wav"`
	} `json:"previews"`
}

// SoundInfo implements Client.
func (c *HTTPClient) SoundInfo(ctx context.Context, id int64) (*SoundInfo, error) {
	url := fmt.Sprintf("%s/sounds/%d/", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("sound %d: %w", id, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}

	var body soundResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode sound metadata: %w", err)
	}

	preview := body.Previews.HQWav
	if preview == "" {
		preview = body.Previews.LQWav
	}

	c.logger.Debug("fetched sound metadata", "id", id, "name", body.Name, "duration", body.Duration)

	return &SoundInfo{
		ID:         body.ID,
		Name:       body.Name,
		Duration:   body.Duration,
		Tags:       body.Tags,
		License:    body.License,
		Username:   body.Username,
		PreviewURL: preview,
	}, nil
}

// DownloadPreview implements Client. Progress callbacks fire as chunks
// arrive; when the server omits Content-Length, total is reported as -1
// and callers keep progress at zero until completion.
func (c *HTTPClient) DownloadPreview(ctx context.Context, previewURL string, onProgress ProgressFunc) ([]byte, error) {
	if previewURL == "" {
		return nil, ErrNoPreview
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, previewURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: previewURL}
	}

	total := resp.ContentLength // -1 when unknown
	var buf []byte
	if total > 0 {
		buf = make([]byte, 0, total)
	}

	chunk := make([]byte, 32*1024)
	var loaded int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			loaded += int64(n)
			if onProgress != nil {
				onProgress(loaded, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
	}

	c.logger.Debug("downloaded preview", "url", previewURL, "bytes", loaded)
	return buf, nil
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
