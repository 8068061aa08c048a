package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/Sriram-PR/site-scraper/pkg/config"
)

const maxRobotsBytes = 512 * 1024

// RobotsHandler fetches, parses and caches robots.txt per scheme+host.
// A missing or unreadable robots.txt allows everything.
type RobotsHandler struct {
	fetcher *Fetcher
	limiter *RateLimiter
	hosts   *HostSemaphorePool
	cfg     *config.AppConfig
	log     *logrus.Entry

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData // origin -> parsed data (nil = allow all)
	group singleflight.Group
}

// NewRobotsHandler creates a RobotsHandler
func NewRobotsHandler(fetcher *Fetcher, limiter *RateLimiter, hosts *HostSemaphorePool, cfg *config.AppConfig, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher: fetcher,
		limiter: limiter,
		hosts:   hosts,
		cfg:     cfg,
		log:     log,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Allowed reports whether userAgent may fetch target. delay is the politeness interval
// applied to the robots.txt request itself on a cache miss.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL, userAgent string, delay time.Duration) bool {
	data := rh.data(ctx, target, delay)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), userAgent)
}

// data returns cached rules for target's origin, fetching them once per origin
func (rh *RobotsHandler) data(ctx context.Context, target *url.URL, delay time.Duration) *robotstxt.RobotsData {
	key := origin(target)

	rh.mu.Lock()
	data, found := rh.cache[key]
	rh.mu.Unlock()
	if found {
		return data
	}

	v, _, _ := rh.group.Do(key, func() (interface{}, error) {
		data := rh.fetch(ctx, target, delay)
		// Cancellation is not a verdict about the site; leave it uncached
		if ctx.Err() == nil {
			rh.mu.Lock()
			rh.cache[key] = data
			rh.mu.Unlock()
		}
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (rh *RobotsHandler) fetch(ctx context.Context, target *url.URL, delay time.Duration) *robotstxt.RobotsData {
	robotsURL := &url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	robotsLog := rh.log.WithField("robots_url", robotsURL.String())

	host := target.Hostname()
	if err := rh.hosts.Acquire(ctx, host); err != nil {
		robotsLog.Warnf("Could not acquire host slot for robots.txt: %v", err)
		return nil
	}
	defer rh.hosts.Release(host)

	if err := rh.limiter.Wait(ctx, host, delay); err != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		robotsLog.Errorf("Error creating request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", rh.cfg.DefaultUserAgent)

	resp, err := rh.fetcher.FetchWithRetry(ctx, req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		robotsLog.Debugf("No usable robots.txt: %v", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		robotsLog.Warnf("Error reading robots.txt: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		robotsLog.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	robotsLog.Debug("Parsed robots.txt")
	return data
}
