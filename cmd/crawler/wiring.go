package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/crawler"
	"github.com/Sriram-PR/site-scraper/pkg/fetch"
	"github.com/Sriram-PR/site-scraper/pkg/process"
	"github.com/Sriram-PR/site-scraper/pkg/registry"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
)

const hostEvictionInterval = 5 * time.Minute

// components are the process-wide collaborators every session shares
type components struct {
	cfg   *config.AppConfig
	dedup storage.DedupRegistry
	files *storage.FileStore
	hosts *fetch.HostSemaphorePool
	deps  crawler.Deps
}

// newComponents builds the fetch, storage and download stack described by cfg
func newComponents(cfg *config.AppConfig, log *logrus.Logger) (*components, error) {
	logEntry := log.WithField("component", "setup")

	// --- Storage ---
	var dedup storage.DedupRegistry
	switch cfg.DedupBackend {
	case config.DedupBadger:
		store, err := storage.NewBadgerStore(cfg.StateDir, log.WithField("component", "dedup"))
		if err != nil {
			return nil, fmt.Errorf("initializing dedup database: %w", err)
		}
		dedup = store
	default:
		dedup = storage.NewMemoryStore(log.WithField("component", "dedup"))
	}

	files, err := storage.NewFileStore(cfg.DownloadsDir, log.WithField("component", "files"))
	if err != nil {
		dedup.Close()
		return nil, fmt.Errorf("initializing downloads dir: %w", err)
	}

	// --- HTTP Fetching Components ---
	fetchLog := log.WithField("component", "fetch")
	httpClient := fetch.NewClient(cfg.HTTPClientSettings, fetchLog)
	fetcher := fetch.NewFetcher(httpClient, cfg, fetchLog)
	limiter := fetch.NewRateLimiter(fetchLog)
	hosts := fetch.NewHostSemaphorePool(cfg.MaxRequestsPerHost, cfg.SemaphoreAcquireTimeout, fetchLog)
	robots := fetch.NewRobotsHandler(fetcher, limiter, hosts, cfg, log.WithField("component", "robots"))

	downloader := process.NewDownloader(fetcher, limiter, hosts, dedup, files, cfg, log.WithField("component", "download"))

	logEntry.Infof("Dedup backend: %s, downloads: %s, renderer: %s", cfg.DedupBackend, files.BaseDir(), cfg.Renderer.Engine)

	return &components{
		cfg:   cfg,
		dedup: dedup,
		files: files,
		hosts: hosts,
		deps: crawler.Deps{
			Config:     cfg,
			Pages:      fetch.NewPageFetcherFactory(cfg, fetcher, limiter, hosts),
			Downloader: downloader,
			Robots:     robots,
			Log:        log.WithField("component", "session"),
		},
	}, nil
}

// newRegistry creates a session registry over the shared components
func (c *components) newRegistry() *registry.Registry {
	return registry.New(c.deps, c.dedup, c.files)
}

// runMaintenance starts the background upkeep goroutines; they stop with ctx
func (c *components) runMaintenance(ctx context.Context) {
	go c.hosts.RunEviction(ctx, hostEvictionInterval)
	go c.dedup.RunGC(ctx, c.cfg.DedupGCInterval)
}

// Close releases the dedup store
func (c *components) Close() error {
	return c.dedup.Close()
}
