package models

import "time"

// SessionState is the lifecycle state of a crawl session
type SessionState string

const (
	StateStarting  SessionState = "starting"
	StateRunning   SessionState = "running"
	StatePaused    SessionState = "paused"
	StateStopping  SessionState = "stopping"
	StateCompleted SessionState = "completed"
	StateError     SessionState = "error"
)

// String implements fmt.Stringer for logging
func (s SessionState) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the state is a known lifecycle value
func (s SessionState) IsValid() bool {
	switch s {
	case StateStarting, StateRunning, StatePaused, StateStopping, StateCompleted, StateError:
		return true
	}
	return false
}

// IsTerminal returns true once no further transitions can happen
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// ControlSignal is a cooperative instruction delivered to a running session
type ControlSignal string

const (
	SignalPause  ControlSignal = "pause"
	SignalResume ControlSignal = "resume"
	SignalStop   ControlSignal = "stop"
)

// IsValid returns true for the three supported signals
func (s ControlSignal) IsValid() bool {
	switch s {
	case SignalPause, SignalResume, SignalStop:
		return true
	}
	return false
}

// CrawlStatus is a point-in-time snapshot of a session. Snapshots are never mutated after publication.
type CrawlStatus struct {
	SessionID           string       `json:"session_id"`
	Status              SessionState `json:"status"`
	CurrentURL          string       `json:"current_url,omitempty"`
	PagesScraped        int          `json:"pages_scraped"`
	PagesAttempted      int          `json:"pages_attempted"`
	URLsFound           int          `json:"urls_found"`
	ExternalURLsFound   int          `json:"external_urls_found"`
	ContentDownloaded   int          `json:"content_downloaded"`
	Progress            float64      `json:"progress"`
	StartedAt           time.Time    `json:"started_at"`
	EndedAt             *time.Time   `json:"ended_at,omitempty"`
	UpdatedAt           time.Time    `json:"updated_at"`
	EstimatedTotalPages *int         `json:"estimated_total_pages,omitempty"`
	Stopped             bool         `json:"stopped,omitempty"`
	ErrorMessage        string       `json:"error_message,omitempty"`
}
