package models

// Statistics aggregates a finished session
type Statistics struct {
	TotalPagesScraped       int              `json:"total_pages_scraped"`
	PagesAttempted          int              `json:"pages_attempted"`
	PagesFailed             int              `json:"pages_failed"`
	PagesSkipped            int              `json:"pages_skipped"`
	TotalURLsFound          int              `json:"total_urls_found"`
	ExternalURLsFound       int              `json:"external_urls_found"`
	ContentDownloaded       int              `json:"content_downloaded"`
	UniqueContentDownloaded int              `json:"unique_content_downloaded"`
	DuplicateContentSkipped int              `json:"duplicate_content_skipped"`
	ContentFailed           int              `json:"content_failed"`
	TotalFileSize           int64            `json:"total_file_size"`
	StoredBytes             int64            `json:"stored_bytes"`
	DeduplicatedBytes       int64            `json:"deduplicated_bytes"`
	DurationSeconds         float64          `json:"duration_seconds"`
	ContentByType           map[Category]int `json:"content_by_type"`
	EventsDropped           int64            `json:"events_dropped"`
}

// CrawlResult is the final snapshot handed to subscribers and pollers
type CrawlResult struct {
	SessionID      string           `json:"session_id"`
	Domain         string           `json:"domain"`
	URLs           []string         `json:"urls"`
	ExternalURLs   []string         `json:"external_urls"`
	ScrapedContent []ScrapedContent `json:"scraped_content"`
	FailedContent  []ScrapedContent `json:"failed_content,omitempty"`
	Statistics     Statistics       `json:"statistics"`
	Status         CrawlStatus      `json:"status"`
}
