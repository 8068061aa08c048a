package models

import "time"

// ContentOrigin tags whether a record owns its stored bytes or points at another record's copy
type ContentOrigin string

const (
	OriginOriginal  ContentOrigin = "original"
	OriginDuplicate ContentOrigin = "duplicate"
)

// DuplicateRef identifies the first-seen copy of byte-identical content
type DuplicateRef struct {
	SourceURL string `json:"source_url"`
	SessionID string `json:"session_id"`
	FilePath  string `json:"file_path"`
}

// ScrapedContent is the outcome of one download attempt. Immutable once created.
type ScrapedContent struct {
	URL          string        `json:"url"`
	ContentType  Category      `json:"content_type"`
	FilePath     string        `json:"file_path,omitempty"`
	FileSize     int64         `json:"file_size"`
	MimeType     string        `json:"mime_type,omitempty"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	TextContent  string        `json:"text_content,omitempty"`
	AltText      string        `json:"alt_text,omitempty"`
	LinkText     string        `json:"link_text,omitempty"`
	SourcePage   string        `json:"source_page,omitempty"`
	Context      string        `json:"context,omitempty"`
	Digest       string        `json:"digest,omitempty"`
	Origin       ContentOrigin `json:"origin,omitempty"`
	DuplicateOf  *DuplicateRef `json:"duplicate_of,omitempty"`
	DownloadedAt time.Time     `json:"downloaded_at"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
	ErrorType    string        `json:"error_type,omitempty"`
}

// IsDuplicate reports whether the record references bytes stored by an earlier download
func (c ScrapedContent) IsDuplicate() bool {
	return c.Origin == OriginDuplicate && c.DuplicateOf != nil
}
