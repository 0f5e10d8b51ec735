// Package sitemap discovers indexable page URLs from robots.txt and XML
// sitemaps and hands them to the dispatch queue in batches.
package sitemap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/sourcesync/internal/fetch"
	"github.com/kalambet/sourcesync/internal/queue"
)

// Fetcher retrieves one document.
type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Config tunes a Crawler.
type Config struct {
	Concurrency int           // concurrent sitemap fetches. Default: 4.
	Timeout     time.Duration // whole-crawl budget. Default: 10m.
	BatchSize   int           // messages per queue batch, at most queue.MaxBatchSize.
	MaxBytes    int64         // decompressed sitemap cap. Default: 50MB.
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.BatchSize <= 0 || c.BatchSize > queue.MaxBatchSize {
		c.BatchSize = queue.MaxBatchSize
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 50 * 1024 * 1024
	}
}

// Request describes one crawl. SitemapURL, when set, skips robots.txt.
type Request struct {
	BaseURL      string
	SitemapURL   string
	PathRegex    string
	OperationID  string
	DataSourceID string
	Name         string
}

// Result aggregates a crawl. URLCount counts only URLs whose batch was
// accepted by the queue. FailedURLs holds URLs whose batch was rejected.
type Result struct {
	URLCount        int
	FailedURLs      []string
	Errors          []error
	SitemapsVisited int
}

// Failed reports whether any branch of the crawl failed.
func (r Result) Failed() bool {
	return len(r.Errors) > 0 || len(r.FailedURLs) > 0
}

func (r *Result) add(o Result) {
	r.URLCount += o.URLCount
	r.FailedURLs = append(r.FailedURLs, o.FailedURLs...)
	r.Errors = append(r.Errors, o.Errors...)
	r.SitemapsVisited += o.SitemapsVisited
}

// ErrNoSitemaps is recorded when robots.txt lists no sitemap and the
// conventional /sitemap.xml location is also missing.
var ErrNoSitemaps = errors.New("no sitemap found")

type Crawler struct {
	fetcher    Fetcher
	dispatcher queue.Dispatcher
	cfg        Config
	logger     *slog.Logger
}

func New(fetcher Fetcher, dispatcher queue.Dispatcher, cfg Config, logger *slog.Logger) *Crawler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{fetcher: fetcher, dispatcher: dispatcher, cfg: cfg, logger: logger}
}

// MatchPattern builds the URL filter for a crawl: the escaped base URL, a
// slash, then pathRegex (".*" when empty). pathRegex is grouped so an
// alternation cannot escape the base URL prefix.
func MatchPattern(baseURL, pathRegex string) (*regexp.Regexp, error) {
	if pathRegex == "" {
		pathRegex = ".*"
	}
	re, err := regexp.Compile("^" + regexp.QuoteMeta(strings.TrimRight(baseURL, "/")) + "/(?:" + pathRegex + ")")
	if err != nil {
		return nil, fmt.Errorf("compiling path regex %q: %w", pathRegex, err)
	}
	return re, nil
}

// crawlState is shared by all branches of one crawl.
type crawlState struct {
	req      Request
	match    *regexp.Regexp
	fallback string // guessed /sitemap.xml, when robots.txt listed none
	sem     *semaphore.Weighted
	mu      sync.Mutex
	visited map[string]bool
	seen    map[string]bool
}

// claimSitemap marks url visited and reports whether the caller should
// process it.
func (s *crawlState) claimSitemap(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visited[url] {
		return false
	}
	s.visited[url] = true
	return true
}

// newPages filters urls to matching ones not yet seen in this crawl.
func (s *crawlState) newPages(urls []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range urls {
		if s.seen[u] || !s.match.MatchString(u) {
			continue
		}
		s.seen[u] = true
		out = append(out, u)
	}
	return out
}

// Crawl walks every sitemap reachable from the request and enqueues the
// matching page URLs. Branch failures are collected in the Result; the
// returned error is non-nil only when the crawl could not start.
func (c *Crawler) Crawl(ctx context.Context, req Request) (Result, error) {
	req.BaseURL = strings.TrimRight(req.BaseURL, "/")
	match, err := MatchPattern(req.BaseURL, req.PathRegex)
	if err != nil {
		return Result{}, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	st := &crawlState{
		req:     req,
		match:   match,
		sem:     semaphore.NewWeighted(int64(c.cfg.Concurrency)),
		visited: map[string]bool{},
		seen:    map[string]bool{},
	}

	roots := []string{req.SitemapURL}
	if req.SitemapURL == "" {
		roots = c.discover(ctx, st)
	}

	res := c.crawlAll(ctx, st, roots)
	// An interrupted crawl has partial counts and must not look complete.
	switch {
	case parent.Err() != nil:
		res.Errors = append(res.Errors, fmt.Errorf("crawl of %s interrupted: %w", req.BaseURL, parent.Err()))
	case ctx.Err() == context.DeadlineExceeded:
		res.Errors = append(res.Errors, fmt.Errorf("crawl of %s timed out after %s", req.BaseURL, c.cfg.Timeout))
	}

	c.logger.Info("sitemap crawl finished",
		"operation_id", req.OperationID,
		"base_url", req.BaseURL,
		"urls", res.URLCount,
		"sitemaps", res.SitemapsVisited,
		"errors", len(res.Errors),
	)
	return res, nil
}

// discover reads the Sitemap: lines of robots.txt. When there are none it
// falls back to /sitemap.xml, which crawlOne fetches like any other root.
func (c *Crawler) discover(ctx context.Context, st *crawlState) []string {
	robotsURL := st.req.BaseURL + "/robots.txt"
	resp, err := c.fetcher.Get(ctx, robotsURL)
	if err == nil {
		if found := parseRobots(resp.Body); len(found) > 0 {
			return found
		}
	} else {
		c.logger.Debug("robots.txt unavailable", "url", robotsURL, "error", err)
	}
	st.fallback = st.req.BaseURL + "/sitemap.xml"
	return []string{st.fallback}
}

// crawlAll processes sibling sitemaps concurrently and merges their results.
// A failing sibling never cancels the others.
func (c *Crawler) crawlAll(ctx context.Context, st *crawlState, urls []string) Result {
	results := make([]Result, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			results[i] = c.crawlOne(ctx, st, u)
			return nil
		})
	}
	g.Wait()

	var out Result
	for _, r := range results {
		out.add(r)
	}
	return out
}

func (c *Crawler) crawlOne(ctx context.Context, st *crawlState, url string) Result {
	if !st.claimSitemap(url) {
		return Result{}
	}
	if err := ctx.Err(); err != nil {
		return Result{}
	}

	if err := st.sem.Acquire(ctx, 1); err != nil {
		return Result{}
	}
	resp, err := c.fetcher.Get(ctx, url)
	st.sem.Release(1)
	if err != nil {
		if url == st.fallback {
			err = fmt.Errorf("%w for %s: %v", ErrNoSitemaps, st.req.BaseURL, err)
		}
		c.logger.Warn("sitemap fetch failed", "operation_id", st.req.OperationID, "url", url, "error", err)
		return Result{Errors: []error{err}}
	}

	doc, err := parseSitemap(url, resp.Body, c.cfg.MaxBytes)
	if err != nil {
		c.logger.Warn("sitemap skipped", "operation_id", st.req.OperationID, "url", url, "error", err)
		return Result{Errors: []error{err}, SitemapsVisited: 1}
	}

	res := c.enqueue(ctx, st, st.newPages(doc.pages))
	res.SitemapsVisited = 1
	if len(doc.children) > 0 {
		res.add(c.crawlAll(ctx, st, doc.children))
	}
	return res
}

// enqueue sends pages in batches. A rejected batch is recorded and the
// remaining batches are still attempted.
func (c *Crawler) enqueue(ctx context.Context, st *crawlState, pages []string) Result {
	var res Result
	for start := 0; start < len(pages); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(pages))
		batch := pages[start:end]
		msgs := make([]queue.Message, len(batch))
		for i, u := range batch {
			msgs[i] = queue.Message{
				Name:             st.req.Name,
				URL:              u,
				IndexOperationID: st.req.OperationID,
				DataSourceID:     st.req.DataSourceID,
			}
		}
		if err := c.dispatcher.SendBatch(ctx, msgs); err != nil {
			var qe *queue.QueueDispatchError
			if !errors.As(err, &qe) {
				err = &queue.QueueDispatchError{URLs: batch, Err: err}
			}
			res.FailedURLs = append(res.FailedURLs, batch...)
			res.Errors = append(res.Errors, err)
			continue
		}
		res.URLCount += len(batch)
	}
	return res
}
