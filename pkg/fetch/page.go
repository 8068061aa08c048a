package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const maxPageBytes = 10 * 1024 * 1024

// PageRequest describes one page fetch
type PageRequest struct {
	URL       string
	UserAgent string
	Delay     time.Duration // Minimum spacing between requests to the page's host, shared across sessions
}

// Page is a fetched, UTF-8 HTML document
type Page struct {
	URL        string // As requested
	FinalURL   string // After redirects; links resolve against this
	HTML       string
	StatusCode int
	FetchedAt  time.Time
}

// PageFetcher turns a URL into rendered HTML. Start must succeed before Fetch is
// called; a Start failure means the capability itself is unavailable.
type PageFetcher interface {
	Start(ctx context.Context) error
	Fetch(ctx context.Context, req PageRequest) (*Page, error)
	Close() error
}

// PageFetcherFactory creates a fresh PageFetcher for one session
type PageFetcherFactory func(log *logrus.Entry) PageFetcher

// HTTPPageFetcher fetches pages with plain HTTP GETs
type HTTPPageFetcher struct {
	fetcher *Fetcher
	limiter *RateLimiter
	hosts    *HostSemaphorePool
	timeout  time.Duration
	maxBytes int64 // Pages with larger bodies fail instead of being parsed truncated
	log      *logrus.Entry
}

// NewHTTPPageFetcher creates an HTTPPageFetcher sharing the process-wide politeness state
func NewHTTPPageFetcher(fetcher *Fetcher, limiter *RateLimiter, hosts *HostSemaphorePool, timeout time.Duration, log *logrus.Entry) *HTTPPageFetcher {
	return &HTTPPageFetcher{
		fetcher:  fetcher,
		limiter:  limiter,
		hosts:    hosts,
		timeout:  timeout,
		maxBytes: maxPageBytes,
		log:      log,
	}
}

// Start implements PageFetcher; plain HTTP needs no warm-up
func (h *HTTPPageFetcher) Start(context.Context) error { return nil }

// Close implements PageFetcher
func (h *HTTPPageFetcher) Close() error { return nil }

// Fetch implements PageFetcher
func (h *HTTPPageFetcher) Fetch(ctx context.Context, pr PageRequest) (*Page, error) {
	u, err := url.Parse(pr.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page URL: %w", utils.ErrParsing, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", utils.ErrInvalidScheme, u.Scheme)
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	host := u.Hostname()
	if err := h.hosts.Acquire(ctx, host); err != nil {
		return nil, err
	}
	defer h.hosts.Release(host)

	if err := h.limiter.Wait(ctx, host, pr.Delay); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pr.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", pr.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := h.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(contentType); contentType != "" &&
		mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return nil, fmt.Errorf("%w: %s", utils.ErrNotHTML, mediaType)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if int64(len(raw)) > h.maxBytes {
		return nil, fmt.Errorf("%w: page body exceeds %d bytes", utils.ErrContentTooLarge, h.maxBytes)
	}

	reader, err := charset.NewReader(bytes.NewReader(raw), contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding charset: %w", utils.ErrResponseBodyRead, err)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, utils.ErrEmptyPage
	}
	h.log.WithFields(logrus.Fields{"url": pr.URL, "bytes": len(body)}).Debug("Fetched page")

	return &Page{
		URL:        pr.URL,
		FinalURL:   resp.Request.URL.String(),
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		FetchedAt:  time.Now(),
	}, nil
}

// NewPageFetcherFactory picks the page fetcher implementation named by cfg.Renderer.Engine
func NewPageFetcherFactory(cfg *config.AppConfig, fetcher *Fetcher, limiter *RateLimiter, hosts *HostSemaphorePool) PageFetcherFactory {
	if cfg.Renderer.Engine == config.EngineChromedp {
		return func(log *logrus.Entry) PageFetcher {
			return NewChromedpPageFetcher(cfg.Renderer, limiter, hosts, cfg.PageTimeout, log)
		}
	}
	return func(log *logrus.Entry) PageFetcher {
		return NewHTTPPageFetcher(fetcher, limiter, hosts, cfg.PageTimeout, log)
	}
}
