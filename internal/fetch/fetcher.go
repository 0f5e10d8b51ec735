// Package fetch retrieves remote content over HTTP with a per-request
// timeout and a response size cap.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config configures a Fetcher.
type Config struct {
	Timeout   time.Duration // per-request timeout. Default: 30s.
	MaxBytes  int64         // response body cap. Default: 10MB.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "sourcesync/1.0"
	}
}

// FetchError reports a failed fetch of one URL. StatusCode is zero when no
// response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching %s: http %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrTooLarge is wrapped in a FetchError when a body exceeds MaxBytes.
var ErrTooLarge = errors.New("response body exceeds size limit")

// Response is a fetched document.
type Response struct {
	URL         string // final URL after redirects
	StatusCode  int
	ContentType string
	Body        []byte
}

// Fetcher performs GET requests.
type Fetcher struct {
	client *http.Client
	config Config
}

func New(cfg Config) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		config: cfg,
	}
}

// Get fetches url and reads the whole body. Non-2xx responses are returned
// as a *FetchError carrying the status code.
func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	resp, err := f.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("reading body: %w", err)}
	}
	if int64(len(body)) > f.config.MaxBytes {
		return nil, &FetchError{URL: url, Err: ErrTooLarge}
	}
	return &Response{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: mediaType(resp.Header.Get("Content-Type")),
		Body:        body,
	}, nil
}

// Stream copies the body of url to w without buffering it in memory and
// returns the content type and number of bytes written.
func (f *Fetcher) Stream(ctx context.Context, url string, w io.Writer) (contentType string, n int64, err error) {
	resp, err := f.open(ctx, url)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	n, err = io.Copy(w, io.LimitReader(resp.Body, f.config.MaxBytes+1))
	if err != nil {
		return "", n, &FetchError{URL: url, Err: fmt.Errorf("copying body: %w", err)}
	}
	if n > f.config.MaxBytes {
		return "", n, &FetchError{URL: url, Err: ErrTooLarge}
	}
	return mediaType(resp.Header.Get("Content-Type")), n, nil
}

func (f *Fetcher) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	return resp, nil
}

func mediaType(ct string) string {
	mt, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
