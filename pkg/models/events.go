package models

import "time"

// EventType names the kinds of events a session publishes
type EventType string

const (
	EventConnectionEstablished EventType = "connection_established"
	EventStatusUpdate          EventType = "status_update"
	EventContentDownloaded     EventType = "content_downloaded"
	EventScrapeComplete        EventType = "scrape_complete"
	EventError                 EventType = "error"
)

// IsTerminal reports whether the event closes a session's stream
func (t EventType) IsTerminal() bool {
	return t == EventScrapeComplete || t == EventError
}

// Event is one message on a session's stream. Data holds a CrawlStatus, ScrapedContent or CrawlResult.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
