package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html/charset"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/fetch"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/parse"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

// maxDedupRounds bounds lookup/register retries when concurrent sessions race on one digest
const maxDedupRounds = 3

// DownloadRequest describes one content candidate to fetch for a session
type DownloadRequest struct {
	URL        string
	SessionID  string
	SourcePage string
	Context    string // Markup fragment surrounding the reference on SourcePage
	UserAgent  string
	Delay      time.Duration
}

// tooLargeError reports a payload over the configured ceiling
type tooLargeError struct {
	size, max int64
}

func (e *tooLargeError) Error() string {
	return fmt.Sprintf("File too large: %d bytes (max: %d)", e.size, e.max)
}

func (e *tooLargeError) Unwrap() error { return utils.ErrContentTooLarge }

// Downloader fetches content candidates, enforces the size ceiling and stores each
// distinct payload once, sharing the DedupRegistry with every other session.
type Downloader struct {
	fetcher *fetch.Fetcher
	limiter *fetch.RateLimiter
	hosts   *fetch.HostSemaphorePool
	dedup   storage.DedupRegistry
	files   *storage.FileStore
	cfg     *config.AppConfig
	log     *logrus.Entry
}

// NewDownloader creates a Downloader
func NewDownloader(
	fetcher *fetch.Fetcher,
	limiter *fetch.RateLimiter,
	hosts *fetch.HostSemaphorePool,
	dedup storage.DedupRegistry,
	files *storage.FileStore,
	cfg *config.AppConfig,
	log *logrus.Entry,
) *Downloader {
	return &Downloader{
		fetcher: fetcher,
		limiter: limiter,
		hosts:   hosts,
		dedup:   dedup,
		files:   files,
		cfg:     cfg,
		log:     log,
	}
}

// Download never returns an error: every failure, including a panic, becomes a
// record with Success=false and a human readable Error.
func (d *Downloader) Download(ctx context.Context, req DownloadRequest) (rec models.ScrapedContent) {
	rec = models.ScrapedContent{
		URL:          req.URL,
		ContentType:  Classify(req.URL, ""),
		SourcePage:   req.SourcePage,
		DownloadedAt: time.Now(),
	}
	dlLog := d.log.WithFields(logrus.Fields{"content_url": req.URL, "session_id": req.SessionID})

	defer func() {
		if r := recover(); r != nil {
			dlLog.WithFields(logrus.Fields{"panic_info": r, "stack_trace": string(debug.Stack())}).Error("PANIC recovered in Download")
			rec = d.failed(rec, fmt.Errorf("panic: %v", r), dlLog)
		}
	}()

	d.describe(&rec, req.Context)

	u, err := url.Parse(req.URL)
	if err != nil || !parse.IsHTTP(u) || u.Hostname() == "" {
		return d.failed(rec, utils.ErrInvalidScheme, dlLog)
	}
	if ext := strings.ToLower(path.Ext(u.Path)); d.blocked(ext) {
		return d.failed(rec, fmt.Errorf("%w: %s", utils.ErrBlockedExtension, ext), dlLog)
	}

	data, contentType, err := d.fetch(ctx, u, req)
	if err != nil {
		return d.failed(rec, err, dlLog)
	}

	mediaType := mediaTypeOf(contentType, data)
	rec.MimeType = mediaType
	rec.ContentType = Classify(req.URL, mediaType)
	rec.FileSize = int64(len(data))

	if err := d.store(ctx, &rec, u, data, req.SessionID, dlLog); err != nil {
		return d.failed(rec, err, dlLog)
	}

	if isText(mediaType) {
		rec.TextContent, rec.Title = d.preview(data, contentType, mediaType, rec.Title, dlLog)
	}

	rec.Success = true
	dlLog.WithFields(logrus.Fields{
		"bytes":  rec.FileSize,
		"origin": rec.Origin,
		"path":   rec.FilePath,
	}).Debug("Content stored")
	return rec
}

func (d *Downloader) blocked(ext string) bool {
	if ext == "" {
		return false
	}
	for _, b := range d.cfg.BlockedExtensions {
		if ext == b {
			return true
		}
	}
	return false
}

// fetch performs the bounded GET and returns the body together with the raw Content-Type
func (d *Downloader) fetch(ctx context.Context, u *url.URL, req DownloadRequest) ([]byte, string, error) {
	if d.cfg.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DownloadTimeout)
		defer cancel()
	}

	host := u.Hostname()
	if err := d.hosts.Acquire(ctx, host); err != nil {
		return nil, "", err
	}
	defer d.hosts.Release(host)

	if err := d.limiter.Wait(ctx, host, req.Delay); err != nil {
		return nil, "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	ua := req.UserAgent
	if ua == "" {
		ua = d.cfg.DefaultUserAgent
	}
	httpReq.Header.Set("User-Agent", ua)

	resp, err := d.fetcher.FetchWithRetry(ctx, httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, "", err
	}
	defer resp.Body.Close()

	// Only a complete 200 body is stored; partial or transformed 2xx bodies would poison dedup
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", &fetch.StatusError{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}

	limit := d.cfg.MaxFileSizeBytes
	if resp.ContentLength > limit {
		return nil, "", &tooLargeError{size: resp.ContentLength, max: limit}
	}

	// One byte past the ceiling is enough to catch a body longer than its header claimed
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	if int64(len(data)) > limit {
		return nil, "", &tooLargeError{size: int64(len(data)), max: limit}
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// store records the payload in the dedup registry and writes it at most once.
// The file name is reserved and registered before the bytes land, so concurrent
// first writers of the same digest settle on one copy. Duplicates wait for the
// winner's write before pointing at its file.
func (d *Downloader) store(ctx context.Context, rec *models.ScrapedContent, u *url.URL, data []byte, sessionID string, dlLog *logrus.Entry) error {
	digest := utils.DigestBytes(data)
	rec.Digest = digest

	for round := 0; round < maxDedupRounds; round++ {
		entry, found, err := d.dedup.Lookup(digest)
		if err != nil {
			return err
		}
		if found {
			ready, err := d.files.Ready(ctx, entry.StoragePath)
			if err != nil {
				return err
			}
			if ready {
				return d.reference(rec, entry, sessionID)
			}
			removed, err := d.dedup.RemoveIf(digest, entry.StoragePath)
			if err != nil {
				return err
			}
			if !removed {
				// Replaced or rolled back meanwhile; look again
				continue
			}
			dlLog.WithField("storage_path", entry.StoragePath).Warn("Dedup entry pointed at a missing file, replaced it")
		}

		rel, err := d.files.Create(sessionID, GenerateFilename(u, rec.MimeType, rec.ContentType))
		if err != nil {
			return err
		}
		won, err := d.dedup.Register(storage.DedupEntry{
			Digest:      digest,
			StoragePath: rel,
			SessionID:   sessionID,
			SourceURL:   rec.URL,
			Size:        int64(len(data)),
			MimeType:    rec.MimeType,
			CreatedAt:   time.Now(),
		})
		if err != nil || !won {
			if rmErr := d.files.Remove(rel); rmErr != nil {
				dlLog.Warnf("Could not release reserved file %s: %v", rel, rmErr)
			}
			if err != nil {
				return err
			}
			dlLog.Debug("Lost registration race, resolving as duplicate")
			continue
		}

		if err := d.files.Write(rel, data); err != nil {
			if _, rmErr := d.dedup.RemoveIf(digest, rel); rmErr != nil {
				dlLog.Errorf("Rolling back dedup entry for %s: %v", digest, rmErr)
			}
			if rmErr := d.files.Remove(rel); rmErr != nil {
				dlLog.Warnf("Could not remove partial file %s: %v", rel, rmErr)
			}
			return err
		}
		rec.FilePath = rel
		rec.Origin = models.OriginOriginal
		return nil
	}
	return fmt.Errorf("%w: could not settle dedup entry for %s", utils.ErrDatabase, digest)
}

// reference points rec at an existing copy and pins that copy for this session
func (d *Downloader) reference(rec *models.ScrapedContent, entry *storage.DedupEntry, sessionID string) error {
	if err := d.dedup.AddReference(entry.Digest, sessionID); err != nil {
		return err
	}
	rec.FilePath = entry.StoragePath
	rec.Origin = models.OriginDuplicate
	rec.DuplicateOf = &models.DuplicateRef{
		SourceURL: entry.SourceURL,
		SessionID: entry.SessionID,
		FilePath:  entry.StoragePath,
	}
	return nil
}

// failed converts err into a failure record
func (d *Downloader) failed(rec models.ScrapedContent, err error, dlLog *logrus.Entry) models.ScrapedContent {
	rec.Success = false
	rec.Error = failureMessage(err)
	rec.ErrorType = utils.CategorizeError(err)
	rec.FilePath = ""
	rec.Origin = ""
	rec.DuplicateOf = nil
	dlLog.WithField("error_type", rec.ErrorType).Warnf("Download failed: %v", err)
	return rec
}

// failureMessage renders the user-facing error for a failed download
func failureMessage(err error) string {
	var tooLarge *tooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return tooLarge.Error()
	case errors.Is(err, utils.ErrInvalidScheme):
		return "invalid scheme"
	case errors.Is(err, utils.ErrBlockedExtension):
		return err.Error()
	}
	if code := fetch.StatusCodeOf(err); code != 0 {
		return fmt.Sprintf("HTTP %d", code)
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, utils.ErrSemaphoreTimeout) ||
		errors.Is(err, utils.ErrResponseBodyRead) ||
		utils.IsNetworkCategory(utils.CategorizeError(err)) {
		return "Network error: " + err.Error()
	}
	return "Unexpected error: " + err.Error()
}

// mediaTypeOf prefers the declared Content-Type and sniffs the bytes otherwise
func mediaTypeOf(contentType string, data []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func isText(mediaType string) bool {
	return strings.HasPrefix(mediaType, "text/") || mediaType == "application/xhtml+xml"
}

// preview decodes textual payloads to UTF-8 and caps them. HTML is rendered as
// Markdown; its <title> fills in a missing record title.
func (d *Downloader) preview(data []byte, contentType, mediaType, title string, dlLog *logrus.Entry) (string, string) {
	reader, err := charset.NewReader(bytes.NewReader(data), contentType)
	if err != nil {
		dlLog.Debugf("Charset detection failed, using raw bytes: %v", err)
		reader = bytes.NewReader(data)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		dlLog.Debugf("Decoding preview failed: %v", err)
		return "", title
	}
	text := string(decoded)

	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil && title == "" {
			title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		converter := md.NewConverter("", true, nil)
		if markdown, err := converter.ConvertString(text); err == nil {
			text = markdown
		} else {
			dlLog.Debugf("Markdown conversion failed, keeping HTML: %v", err)
		}
	}
	return truncateRunes(strings.TrimSpace(text), d.cfg.TextPreviewChars), title
}

// describe fills alt text, link text, title, description and context from the
// markup around the reference. Unparseable fragments are ignored.
func (d *Downloader) describe(rec *models.ScrapedContent, fragment string) {
	if strings.TrimSpace(fragment) == "" {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return
	}

	doc.Find("img[alt]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		rec.AltText = strings.TrimSpace(img.AttrOr("alt", ""))
		return rec.AltText == ""
	})
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		rec.LinkText = collapseSpace(a.Text())
		return rec.LinkText == ""
	})
	rec.Description = collapseSpace(doc.Find("figcaption").First().Text())

	switch {
	case rec.AltText != "":
		rec.Title = rec.AltText
	case rec.LinkText != "":
		rec.Title = rec.LinkText
	default:
		rec.Title = strings.TrimSpace(doc.Find("[title]").First().AttrOr("title", ""))
	}

	snippet := collapseSpace(doc.Text())
	if snippet == "" {
		snippet = collapseSpace(fragment)
	}
	rec.Context = truncateRunes(snippet, d.cfg.ContextSnippetChars)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes cuts s to at most n characters without splitting a UTF-8 sequence
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
