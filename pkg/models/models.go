package models

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// Category is the coarse classification of a downloadable resource
type Category string

const (
	CategoryImage    Category = "image"
	CategoryPDF      Category = "pdf"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
	CategoryOther    Category = "other"
)

// AllCategories lists the downloadable categories in display order
var AllCategories = []Category{CategoryImage, CategoryPDF, CategoryVideo, CategoryAudio, CategoryDocument}

// IsTextual reports whether previews should be extracted for the category
func (c Category) IsTextual() bool {
	return c == CategoryDocument
}

// filterCategoryByID maps the filter ids used by clients onto categories
var filterCategoryByID = map[string]Category{
	"images":    CategoryImage,
	"image":     CategoryImage,
	"pdfs":      CategoryPDF,
	"pdf":       CategoryPDF,
	"videos":    CategoryVideo,
	"video":     CategoryVideo,
	"audio":     CategoryAudio,
	"documents": CategoryDocument,
	"document":  CategoryDocument,
}

// ContentTypeFilter enables downloading of one category, optionally narrowed or widened by explicit lists
type ContentTypeFilter struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	MimeTypes  []string `json:"mime_types,omitempty" yaml:"mime_types,omitempty"`
	Enabled    bool     `json:"enabled" yaml:"enabled"`
}

// Category returns the category the filter id refers to, or CategoryOther for unknown ids
func (f ContentTypeFilter) Category() Category {
	if c, ok := filterCategoryByID[strings.ToLower(strings.TrimSpace(f.ID))]; ok {
		return c
	}
	return CategoryOther
}

// Matches reports whether an enabled filter accepts a resource of the given URL path, category and MIME type
func (f ContentTypeFilter) Matches(rawURL string, category Category, mimeType string) bool {
	if !f.Enabled {
		return false
	}
	if category != CategoryOther && f.Category() == category {
		return true
	}
	if len(f.Extensions) > 0 {
		ext := strings.ToLower(urlExtension(rawURL))
		for _, e := range f.Extensions {
			e = strings.ToLower(e)
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			if ext != "" && ext == e {
				return true
			}
		}
	}
	if mimeType != "" {
		for _, m := range f.MimeTypes {
			if strings.EqualFold(m, mimeType) {
				return true
			}
		}
	}
	return false
}

// DefaultContentTypeFilters mirrors the set offered by the original UI: images and PDFs on, the rest off
func DefaultContentTypeFilters() []ContentTypeFilter {
	return []ContentTypeFilter{
		{ID: "images", Name: "Images", Enabled: true},
		{ID: "pdfs", Name: "PDFs", Enabled: true},
		{ID: "videos", Name: "Videos", Enabled: false},
		{ID: "audio", Name: "Audio", Enabled: false},
		{ID: "documents", Name: "Documents", Enabled: false},
	}
}

// SelectContentTypes returns the built-in filters with exactly the named ones enabled.
// Ids are matched case-insensitively and singular forms are accepted.
func SelectContentTypes(ids []string) ([]ContentTypeFilter, error) {
	filters := DefaultContentTypeFilters()
	for i := range filters {
		filters[i].Enabled = false
	}
	for _, id := range ids {
		category, ok := filterCategoryByID[strings.ToLower(strings.TrimSpace(id))]
		if !ok {
			valid := make([]string, len(filters))
			for i, f := range filters {
				valid[i] = f.ID
			}
			return nil, fmt.Errorf("%w: unknown content type '%s'. Valid types: %s",
				utils.ErrInvalidRequest, id, strings.Join(valid, ", "))
		}
		for i := range filters {
			if filters[i].Category() == category {
				filters[i].Enabled = true
			}
		}
	}
	return filters, nil
}

// CrawlRequest is the immutable input of one crawl session
type CrawlRequest struct {
	URL             string              `json:"url"`
	MaxPages        int                 `json:"max_pages"`
	DelaySeconds    float64             `json:"delay"`
	UserAgent       string              `json:"user_agent,omitempty"`
	IncludeExternal bool                `json:"include_external"`
	ScrapeWholeSite bool                `json:"scrape_whole_site"`
	DownloadContent bool                `json:"download_content"`
	RespectRobots   bool                `json:"respect_robots"`
	ContentTypes    []ContentTypeFilter `json:"content_types,omitempty"`
}

// Validate rejects requests that must not reach the network and returns the parsed target URL
func (r CrawlRequest) Validate() (*url.URL, error) {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", utils.ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url %q: %w", utils.ErrInvalidRequest, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %w %q", utils.ErrInvalidRequest, utils.ErrInvalidScheme, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: url %q has no host", utils.ErrInvalidRequest, raw)
	}
	if r.MaxPages < 0 {
		return nil, fmt.Errorf("%w: max_pages must be >= 0", utils.ErrInvalidRequest)
	}
	if r.DelaySeconds < 0 {
		return nil, fmt.Errorf("%w: delay must be >= 0", utils.ErrInvalidRequest)
	}
	return u, nil
}

// Delay converts the per-page delay to a duration
func (r CrawlRequest) Delay() time.Duration {
	return time.Duration(r.DelaySeconds * float64(time.Second))
}

// EffectiveMaxPages resolves 0 to the configured default cap
func (r CrawlRequest) EffectiveMaxPages(defaultCap int) int {
	if r.MaxPages > 0 {
		return r.MaxPages
	}
	return defaultCap
}

// HasActiveFilter reports whether at least one content filter is enabled
func (r CrawlRequest) HasActiveFilter() bool {
	for _, f := range r.ContentTypes {
		if f.Enabled {
			return true
		}
	}
	return false
}

// Accepts reports whether any enabled filter accepts the resource
func (r CrawlRequest) Accepts(rawURL string, category Category, mimeType string) bool {
	for _, f := range r.ContentTypes {
		if f.Matches(rawURL, category, mimeType) {
			return true
		}
	}
	return false
}

// urlExtension returns the lowercase extension of the URL path, ignoring query and fragment
func urlExtension(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return strings.ToLower(path.Ext(u.Path))
	}
	return strings.ToLower(path.Ext(rawURL))
}
