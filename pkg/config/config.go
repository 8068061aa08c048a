package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

const appDirName = "site-scraper"

// Renderer engines
const (
	EngineHTTP     = "http"
	EngineChromedp = "chromedp"
)

// Dedup backends
const (
	DedupMemory = "memory"
	DedupBadger = "badger"
)

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent        string                     `yaml:"default_user_agent"`
	DownloadsDir            string                     `yaml:"downloads_dir"`
	StateDir                string                     `yaml:"state_dir"`
	DedupBackend            string                     `yaml:"dedup_backend,omitempty"`
	DedupGCInterval         time.Duration              `yaml:"dedup_gc_interval,omitempty"`
	MaxFileSizeBytes        int64                      `yaml:"max_file_size_bytes,omitempty"`
	MaxContentPerPage       int                        `yaml:"max_content_per_page,omitempty"`
	DefaultMaxPages         int                        `yaml:"default_max_pages,omitempty"`
	FrontierWidth           int                        `yaml:"frontier_width,omitempty"`
	TextPreviewChars        int                        `yaml:"text_preview_chars,omitempty"`
	ContextSnippetChars     int                        `yaml:"context_snippet_chars,omitempty"`
	PageTimeout             time.Duration              `yaml:"page_timeout,omitempty"`
	DownloadTimeout         time.Duration              `yaml:"download_timeout,omitempty"`
	DownloadWorkers         int                        `yaml:"download_workers,omitempty"`
	PausedHeartbeat         time.Duration              `yaml:"paused_heartbeat,omitempty"`
	EventBuffer             int                        `yaml:"event_buffer,omitempty"`
	SessionRetention        time.Duration              `yaml:"session_retention,omitempty"`
	OrphanTimeout           time.Duration              `yaml:"orphan_timeout,omitempty"`
	PausedTimeout           time.Duration              `yaml:"paused_timeout,omitempty"` // Idle limit for paused sessions
	ReapInterval            time.Duration              `yaml:"reap_interval,omitempty"`
	MaxConcurrentSessions   int                        `yaml:"max_concurrent_sessions,omitempty"`
	MaxRequestsPerHost      int                        `yaml:"max_requests_per_host"`
	MaxRetries              int                        `yaml:"max_retries,omitempty"`
	InitialRetryDelay       time.Duration              `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay           time.Duration              `yaml:"max_retry_delay,omitempty"`
	SemaphoreAcquireTimeout time.Duration              `yaml:"semaphore_acquire_timeout,omitempty"`
	BlockedExtensions       []string                   `yaml:"blocked_extensions,omitempty"`
	DisallowedPathPatterns  []string                   `yaml:"disallowed_path_patterns,omitempty"` // Regex patterns for page paths never enqueued
	ContentTypes            []models.ContentTypeFilter `yaml:"content_types,omitempty"`            // Filters used when a request names none
	Renderer                RendererConfig             `yaml:"renderer,omitempty"`
	HTTPClientSettings      HTTPClientConfig           `yaml:"http_client_settings,omitempty"`
}

// RendererConfig selects and tunes the page fetcher
type RendererConfig struct {
	Engine      string        `yaml:"engine,omitempty"`       // "http" or "chromedp"
	ExecPath    string        `yaml:"exec_path,omitempty"`    // Browser binary; empty lets chromedp search
	Headless    *bool         `yaml:"headless,omitempty"`     // nil means headless
	WaitVisible string        `yaml:"wait_visible,omitempty"` // CSS selector awaited before the DOM is read
	SettleDelay time.Duration `yaml:"settle_delay,omitempty"` // Extra pause after load for late scripts
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// DefaultDownloadsDir is where downloaded content lands when downloads_dir is unset
func DefaultDownloadsDir() string {
	return filepath.Join(xdg.DataHome, appDirName, "downloads")
}

// DefaultStateDir is where the dedup database lives when state_dir is unset
func DefaultStateDir() string {
	return filepath.Join(xdg.StateHome, appDirName)
}

// Default returns a config with every default applied
func Default() AppConfig {
	var c AppConfig
	c.Validate()
	return c
}

// IsHeadless reports the effective headless setting
func (r RendererConfig) IsHeadless() bool {
	return r.Headless == nil || *r.Headless
}

// EffectiveContentTypes returns the request's filters, falling back to configured then built-in ones
func (c *AppConfig) EffectiveContentTypes(requested []models.ContentTypeFilter) []models.ContentTypeFilter {
	if len(requested) > 0 {
		return requested
	}
	if len(c.ContentTypes) > 0 {
		return c.ContentTypes
	}
	return models.DefaultContentTypeFilters()
}
