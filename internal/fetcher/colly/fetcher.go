// Package collyfetcher implements the conditional check and full page fetch
// using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/chanwatch/internal/metrics"
	"github.com/JakeFAU/chanwatch/internal/watch"
)

const (
	// DefaultUserAgent is what most boards serve their plain markup to.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 5.1; rv:8.0) Gecko/20100101 Firefox/8.0"
	// DefaultTimeout bounds a single HEAD or GET.
	DefaultTimeout = 5 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Fetcher implements watch.Fetcher using the Colly collector. Redirects are
// never followed: a moved thread is an error, not a new resource.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(cfg.UserAgent),
	)
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	// Transport, timeout and redirect policy live on the backend that every
	// clone shares, so they are set once here.
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// CheckValidator issues a HEAD request and returns the Last-Modified header,
// empty when the server does not send one. HTTP 404 yields watch.ErrNotFound.
func (f *Fetcher) CheckValidator(ctx context.Context, url string) (string, error) {
	var (
		validator string
		fetchErr  error
	)
	collector := f.collector(ctx)
	f.configureCollectorHooks(collector, func(r *colly.Response) {
		if r.Headers != nil {
			validator = r.Headers.Get("Last-Modified")
		}
	}, &fetchErr)

	if err := run(ctx, func() error { return collector.Head(url) }, &fetchErr); err != nil {
		return "", fmt.Errorf("check %s: %w", url, err)
	}
	return validator, nil
}

// Fetch executes a single HTTP GET. HTTP 404 yields watch.ErrNotFound; any
// other non-success status, a redirect, or a timeout is a plain error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (watch.Page, error) {
	var (
		page     watch.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.collector(ctx)
	f.configureCollectorHooks(collector, func(r *colly.Response) {
		page = watch.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Headers != nil {
			page.ContentType = r.Headers.Get("Content-Type")
		}
	}, &fetchErr)

	if err := run(ctx, func() error { return collector.Visit(url) }, &fetchErr); err != nil {
		return watch.Page{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	metrics.ObserveFetch(url, len(page.Body))
	return page, nil
}

func (f *Fetcher) collector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	onResponse colly.ResponseCallback,
	fetchErr *error,
) {
	hooks.OnResponse(onResponse)
	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = classify(r, err)
	})
}

func classify(r *colly.Response, err error) error {
	if r != nil && r.StatusCode == http.StatusNotFound {
		return watch.ErrNotFound
	}
	if r != nil && r.StatusCode >= http.StatusMultipleChoices && r.StatusCode < http.StatusBadRequest {
		location := ""
		if r.Headers != nil {
			location = r.Headers.Get("Location")
		}
		return fmt.Errorf("unexpected redirect %d to %q", r.StatusCode, location)
	}
	if r != nil && r.StatusCode != 0 {
		return fmt.Errorf("unexpected status %d: %w", r.StatusCode, err)
	}
	return err
}

func run(ctx context.Context, visit func() error, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
}
