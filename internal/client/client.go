// Package client implements the pooled concurrent OParl fetcher: one
// connection-reusing HTTP client with a weighted semaphore, per-URL
// ETag/Last-Modified revalidation, retry with exponential backoff, and
// per-host circuit breaking.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mandari/ingest/internal/circuitbreaker"
	"github.com/mandari/ingest/internal/metrics"
)

// Options tunes one Client instance.
type Options struct {
	UserAgent     string
	Timeout       time.Duration // per-request timeout
	MaxRetries    int           // total attempts for retryable failures
	RetryBackoff  float64       // backoff exponent base
	WaitTime      time.Duration // minimum inter-request spacing
	MaxConcurrent int64         // semaphore permits

	// BackoffUnit scales base^attempt into a sleep. Production leaves it
	// at one second; tests shrink it.
	BackoffUnit time.Duration
}

// DefaultOptions matches the production environment defaults.
func DefaultOptions() Options {
	return Options{
		UserAgent:     "mandari-sync/1.0 (+https://mandari.de)",
		Timeout:       300 * time.Second,
		MaxRetries:    5,
		RetryBackoff:  2.0,
		WaitTime:      50 * time.Millisecond,
		MaxConcurrent: 20,
		BackoffUnit:   time.Second,
	}
}

// FetchResult is the outcome of fetching one URL.
type FetchResult struct {
	URL       string
	Status    int
	Data      map[string]any
	FromCache bool // 304 Not Modified
	Elapsed   time.Duration
	Err       error
}

// ErrNonRetryable marks 4xx responses other than 404.
var ErrNonRetryable = errors.New("non-retryable HTTP error")

// Client is created once per orchestrator run. The ETag and Last-Modified
// caches live inside the instance and are not shared across processes.
type Client struct {
	http     *http.Client
	sem      *semaphore.Weighted
	breakers *circuitbreaker.Registry
	rec      metrics.Recorder
	opts     Options

	mu           sync.Mutex
	etags        map[string]string
	lastModified map[string]string
}

// New builds a client over a shared breaker registry and recorder.
func New(opts Options, breakers *circuitbreaker.Registry, rec metrics.Recorder) *Client {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: int(opts.MaxConcurrent),
		IdleConnTimeout:     120 * time.Second,
	}

	return &Client{
		http:         &http.Client{Transport: transport, Timeout: opts.Timeout},
		sem:          semaphore.NewWeighted(opts.MaxConcurrent),
		breakers:     breakers,
		rec:          rec,
		opts:         opts,
		etags:        make(map[string]string),
		lastModified: make(map[string]string),
	}
}

// Fetch retrieves one URL through the full request pipeline: semaphore,
// breaker, conditional headers, rate spacing, retries.
func (c *Client) Fetch(ctx context.Context, rawurl string, useCache, skipRateLimit bool) FetchResult {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return FetchResult{URL: rawurl, Err: err}
	}
	defer c.sem.Release(1)

	host := hostOf(rawurl)
	breaker := c.breakers.ForURL(rawurl)

	// Fail fast while the circuit is open; no HTTP call, and no HTTP
	// failure counter: the underlying failures were already counted
	// when the circuit tripped.
	if err := breaker.Allow(); err != nil {
		return FetchResult{URL: rawurl, Err: err}
	}

	start := time.Now()
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(c.opts.RetryBackoff, float64(attempt)) * float64(c.opts.BackoffUnit))
			select {
			case <-ctx.Done():
				return FetchResult{URL: rawurl, Elapsed: time.Since(start), Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}

		if !skipRateLimit && c.opts.WaitTime > 0 {
			select {
			case <-ctx.Done():
				return FetchResult{URL: rawurl, Elapsed: time.Since(start), Err: ctx.Err()}
			case <-time.After(c.opts.WaitTime):
			}
		}

		res, retryable := c.doOnce(ctx, rawurl, host, useCache, start)
		if res != nil {
			if res.Err == nil || !retryable {
				return *res
			}
			lastErr = res.Err
			lastStatus = res.Status
		}
	}

	// Retries exhausted: this is the one place a fetch counts against
	// the circuit.
	breaker.RecordFailure(lastStatus)
	c.rec.RecordBreakerFailure(host)
	return FetchResult{
		URL:     rawurl,
		Status:  lastStatus,
		Elapsed: time.Since(start),
		Err:     fmt.Errorf("fetch %s: retries exhausted: %w", rawurl, lastErr),
	}
}

// doOnce issues a single attempt. The second return value reports whether
// a failure is retryable.
func (c *Client) doOnce(ctx context.Context, rawurl, host string, useCache bool, start time.Time) (*FetchResult, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return &FetchResult{URL: rawurl, Err: fmt.Errorf("build request: %w", err)}, false
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")

	if useCache {
		c.mu.Lock()
		if etag := c.etags[rawurl]; etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lm := c.lastModified[rawurl]; lm != "" {
			req.Header.Set("If-Modified-Since", lm)
		}
		c.mu.Unlock()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		errType := "network"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			errType = "timeout"
		}
		c.rec.RecordHTTPError(host, errType)
		return &FetchResult{URL: rawurl, Elapsed: time.Since(start), Err: err}, true
	}
	defer resp.Body.Close()

	c.rec.RecordHTTPRequest(host, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotModified:
		c.rec.RecordCacheHit(host)
		c.breakers.ForURL(rawurl).RecordSuccess()
		return &FetchResult{URL: rawurl, Status: resp.StatusCode, FromCache: true, Elapsed: time.Since(start)}, false

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if useCache {
			c.mu.Lock()
			if etag := resp.Header.Get("ETag"); etag != "" {
				c.etags[rawurl] = etag
			}
			if lm := resp.Header.Get("Last-Modified"); lm != "" {
				c.lastModified[rawurl] = lm
			}
			c.mu.Unlock()
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.rec.RecordHTTPError(host, "network")
			return &FetchResult{URL: rawurl, Status: resp.StatusCode, Elapsed: time.Since(start), Err: err}, true
		}

		var data map[string]any
		if err := json.Unmarshal(body, &data); err != nil {
			// Malformed JSON is a protocol error on this item; the
			// caller logs and continues with the list.
			c.rec.RecordHTTPError(host, "protocol")
			return &FetchResult{URL: rawurl, Status: resp.StatusCode, Elapsed: time.Since(start), Err: fmt.Errorf("parse %s: %w", rawurl, err)}, false
		}

		c.breakers.ForURL(rawurl).RecordSuccess()
		return &FetchResult{URL: rawurl, Status: resp.StatusCode, Data: data, Elapsed: time.Since(start)}, false

	case resp.StatusCode == http.StatusNotFound:
		// Vanished resources are an expected upstream condition, not an
		// error and not a circuit failure.
		return &FetchResult{URL: rawurl, Status: resp.StatusCode, Elapsed: time.Since(start)}, false

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.rec.RecordHTTPError(host, "client_error")
		return &FetchResult{
			URL:     rawurl,
			Status:  resp.StatusCode,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("%w: %s returned %d", ErrNonRetryable, rawurl, resp.StatusCode),
		}, false

	default: // 5xx and anything exotic
		c.rec.RecordHTTPError(host, "server_error")
		return &FetchResult{
			URL:     rawurl,
			Status:  resp.StatusCode,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("%s returned %d", rawurl, resp.StatusCode),
		}, true
	}
}

// FetchMany fetches URLs concurrently and returns results in input order.
// Total in-flight concurrency stays bounded by the shared semaphore.
func (c *Client) FetchMany(ctx context.Context, urls []string) []FetchResult {
	results := make([]FetchResult, len(urls))
	var wg sync.WaitGroup

	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			results[i] = c.Fetch(ctx, u, true, false)
		}(i, u)
	}

	wg.Wait()
	return results
}

// FetchList iterates an OParl list endpoint page by page, calling fn with
// each page's data items. Pagination follows links.next until it is absent
// or maxPages is reached; maxPages <= 0 means unbounded. The number of
// HTTP requests never exceeds the page bound.
//
// With useCache, a page that revalidates to 304 ends the walk: list pages
// are newest-first, so an unchanged page means nothing newer behind it.
// That shortcut is only sound for incremental syncs. A full crawl must
// pass useCache=false, because a byte-identical first page says nothing
// about changes on deeper pages.
func (c *Client) FetchList(ctx context.Context, listURL string, maxPages int, useCache bool, fn func(items []map[string]any) error) error {
	pageURL := listURL
	for page := 0; pageURL != ""; page++ {
		if maxPages > 0 && page >= maxPages {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res := c.Fetch(ctx, pageURL, useCache, false)
		if res.Err != nil {
			return res.Err
		}
		if res.Status == http.StatusNotFound {
			return nil
		}
		if res.FromCache {
			return nil
		}

		items, next := parseListPage(res.Data)
		if len(items) > 0 {
			if err := fn(items); err != nil {
				return err
			}
		}
		if next == pageURL {
			return fmt.Errorf("list %s: next link loops to itself", pageURL)
		}
		pageURL = next
	}
	return nil
}

// ClearCache drops all conditional-request state. Every run starts fresh;
// there is deliberately no cross-process persistence of validators.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.etags = make(map[string]string)
	c.lastModified = make(map[string]string)
}

// CachedValidators reports whether validators are stored for a URL.
func (c *Client) CachedValidators(rawurl string) (etag, lastModified string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etags[rawurl], c.lastModified[rawurl]
}

func parseListPage(data map[string]any) (items []map[string]any, next string) {
	if data == nil {
		return nil, ""
	}
	if list, ok := data["data"].([]any); ok {
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				items = append(items, obj)
			}
		}
	}
	if links, ok := data["links"].(map[string]any); ok {
		next, _ = links["next"].(string)
	}
	return items, next
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return rawurl
	}
	return u.Host
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
