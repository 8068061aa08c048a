package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const (
	defaultMaxFileSize       = 50 * 1024 * 1024
	defaultUserAgent         = "site-scraper/1.0 (+https://github.com/Sriram-PR/site-scraper)"
	defaultMaxContentPerPage = 10
	defaultMaxPages          = 1000
	defaultFrontierWidth     = 50
)

// DefaultBlockedExtensions are never downloaded regardless of filters
var DefaultBlockedExtensions = []string{".exe", ".bat", ".sh", ".cmd", ".scr"}

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	if c.DefaultUserAgent == "" {
		c.DefaultUserAgent = defaultUserAgent
	}

	if c.DownloadsDir == "" {
		c.DownloadsDir = DefaultDownloadsDir()
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir()
	}

	switch c.DedupBackend {
	case "":
		c.DedupBackend = DedupMemory
	case DedupMemory, DedupBadger:
	default:
		return warnings, fmt.Errorf("%w: unknown dedup_backend %q (want %q or %q)",
			utils.ErrConfigValidation, c.DedupBackend, DedupMemory, DedupBadger)
	}

	// MaxFileSizeBytes
	if c.MaxFileSizeBytes < 0 {
		warnings = append(warnings, "max_file_size_bytes cannot be negative, defaulting to 50 MiB")
		c.MaxFileSizeBytes = 0
	}
	if c.MaxFileSizeBytes == 0 {
		c.MaxFileSizeBytes = defaultMaxFileSize
	}

	if c.MaxContentPerPage <= 0 {
		c.MaxContentPerPage = defaultMaxContentPerPage
	}
	if c.DefaultMaxPages <= 0 {
		c.DefaultMaxPages = defaultMaxPages
	}
	if c.FrontierWidth <= 0 {
		c.FrontierWidth = defaultFrontierWidth
	}
	if c.TextPreviewChars <= 0 {
		c.TextPreviewChars = 5000
	}
	if c.ContextSnippetChars <= 0 {
		c.ContextSnippetChars = 500
	}

	// Timeouts
	if c.PageTimeout <= 0 {
		c.PageTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.PausedHeartbeat <= 0 {
		c.PausedHeartbeat = 2 * time.Second
	}

	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = 1
	}
	if c.DownloadWorkers > c.MaxContentPerPage {
		warnings = append(warnings, fmt.Sprintf(
			"download_workers (%d) > max_content_per_page (%d), capping workers",
			c.DownloadWorkers, c.MaxContentPerPage))
		c.DownloadWorkers = c.MaxContentPerPage
	}

	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}

	// Registry lifetimes
	if c.SessionRetention <= 0 {
		c.SessionRetention = 24 * time.Hour
	}
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = time.Hour
	}
	if c.OrphanTimeout > c.SessionRetention {
		warnings = append(warnings, fmt.Sprintf(
			"orphan_timeout (%v) > session_retention (%v), orphaned sessions outlive finished ones",
			c.OrphanTimeout, c.SessionRetention))
	}
	if c.PausedTimeout <= 0 {
		c.PausedTimeout = c.SessionRetention
	}
	if c.DedupGCInterval <= 0 {
		c.DedupGCInterval = 10 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Minute
	}
	if c.MaxConcurrentSessions <= 0 {
		warnings = append(warnings, "max_concurrent_sessions should be > 0, defaulting to 8")
		c.MaxConcurrentSessions = 8
	}

	// MaxRequestsPerHost
	if c.MaxRequestsPerHost <= 0 {
		warnings = append(warnings, "max_requests_per_host should be > 0, defaulting to 2")
		c.MaxRequestsPerHost = 2
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 3
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 30 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	if c.SemaphoreAcquireTimeout <= 0 {
		c.SemaphoreAcquireTimeout = 30 * time.Second
	}

	// Blocked extensions are compared lowercased with a leading dot
	if len(c.BlockedExtensions) == 0 {
		c.BlockedExtensions = append([]string(nil), DefaultBlockedExtensions...)
	}
	for i, ext := range c.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.BlockedExtensions[i] = ext
	}

	if _, err := utils.CompileRegexPatterns(c.DisallowedPathPatterns); err != nil {
		return warnings, fmt.Errorf("%w: disallowed_path_patterns: %w", utils.ErrConfigValidation, err)
	}

	for i, f := range c.ContentTypes {
		if f.ID == "" {
			return warnings, fmt.Errorf("%w: content_types[%d] has no id", utils.ErrConfigValidation, i)
		}
	}

	rendererWarnings, err := c.Renderer.validate()
	if err != nil {
		return warnings, err
	}
	warnings = append(warnings, rendererWarnings...)

	c.validateHTTPClientSettings()

	return warnings, nil
}

// validate applies renderer defaults; an unknown engine is fatal
func (r *RendererConfig) validate() (warnings []string, err error) {
	switch r.Engine {
	case "":
		r.Engine = EngineHTTP
	case EngineHTTP:
		if r.WaitVisible != "" || r.SettleDelay != 0 {
			warnings = append(warnings, "renderer.wait_visible and renderer.settle_delay only apply to the chromedp engine")
		}
	case EngineChromedp:
		if r.SettleDelay < 0 {
			warnings = append(warnings, "renderer.settle_delay cannot be negative, setting to 0")
			r.SettleDelay = 0
		}
	default:
		return nil, fmt.Errorf("%w: unknown renderer.engine %q (want %q or %q)",
			utils.ErrConfigValidation, r.Engine, EngineHTTP, EngineChromedp)
	}
	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 45 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 100
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}
