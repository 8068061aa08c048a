package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/log"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// ChromedpPageFetcher renders pages in one headless Chrome per session, a tab per page
type ChromedpPageFetcher struct {
	opts    config.RendererConfig
	limiter *RateLimiter
	hosts   *HostSemaphorePool
	timeout time.Duration
	log     *logrus.Entry

	mu            sync.Mutex
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

// NewChromedpPageFetcher creates a fetcher; the browser is launched by Start
func NewChromedpPageFetcher(opts config.RendererConfig, limiter *RateLimiter, hosts *HostSemaphorePool, timeout time.Duration, log *logrus.Entry) *ChromedpPageFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChromedpPageFetcher{
		opts:    opts,
		limiter: limiter,
		hosts:   hosts,
		timeout: timeout,
		log:     log,
	}
}

// Start launches the browser. The browser lives until Close or until ctx is done.
func (c *ChromedpPageFetcher) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browserCtx != nil {
		return nil
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.opts.IsHeadless()),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if c.opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(c.opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, execOpts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(log.BrowserLogf(c.log)),
		chromedp.WithErrorf(log.BrowserErrorf(c.log)),
	)

	// Running with no actions forces the browser process to start
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return fmt.Errorf("%w: launching headless browser: %w", utils.ErrFetcherInit, err)
	}

	c.browserCtx = browserCtx
	c.cancelBrowser = cancelBrowser
	c.cancelAlloc = cancelAlloc
	c.log.Debug("Headless browser started")
	return nil
}

// Fetch implements PageFetcher
func (c *ChromedpPageFetcher) Fetch(ctx context.Context, pr PageRequest) (*Page, error) {
	c.mu.Lock()
	browserCtx := c.browserCtx
	c.mu.Unlock()
	if browserCtx == nil {
		return nil, fmt.Errorf("%w: browser not started", utils.ErrFetcherInit)
	}

	u, err := url.Parse(pr.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing page URL: %w", utils.ErrParsing, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", utils.ErrInvalidScheme, u.Scheme)
	}

	host := u.Hostname()
	if err := c.hosts.Acquire(ctx, host); err != nil {
		return nil, err
	}
	defer c.hosts.Release(host)
	if err := c.limiter.Wait(ctx, host, pr.Delay); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.timeout)
	defer cancelTimeout()

	var html, finalURL string
	actions := []chromedp.Action{}
	if pr.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(pr.UserAgent))
	}
	actions = append(actions, chromedp.Navigate(pr.URL))
	if sel := strings.TrimSpace(c.opts.WaitVisible); sel != "" {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	if c.opts.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(c.opts.SettleDelay))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	start := time.Now()
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rendering %s: %w", pr.URL, err)
	}
	if strings.TrimSpace(html) == "" {
		return nil, utils.ErrEmptyPage
	}
	if len(html) > maxPageBytes {
		html = html[:maxPageBytes]
	}
	if finalURL == "" {
		finalURL = pr.URL
	}

	c.log.WithFields(logrus.Fields{
		"url":        pr.URL,
		"final_url":  finalURL,
		"latency_ms": time.Since(start).Milliseconds(),
		"html_bytes": len(html),
	}).Debug("Rendered page")

	return &Page{
		URL:        pr.URL,
		FinalURL:   finalURL,
		HTML:       html,
		StatusCode: 200,
		FetchedAt:  time.Now(),
	}, nil
}

// Close shuts the browser down
func (c *ChromedpPageFetcher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelBrowser != nil {
		c.cancelBrowser()
		c.cancelAlloc()
		c.browserCtx, c.cancelBrowser, c.cancelAlloc = nil, nil, nil
	}
	return nil
}
