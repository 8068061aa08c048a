package process

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/fetch"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n-fake-image-payload-")

type downloadFixture struct {
	d     *Downloader
	dedup *storage.MemoryStore
	files *storage.FileStore
	cfg   *config.AppConfig
	dir   string
}

func newDownloadFixture(t *testing.T, mutate func(*config.AppConfig)) *downloadFixture {
	t.Helper()
	cfg := config.Default()
	cfg.MaxRetries = 0
	cfg.InitialRetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.DownloadTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	dir := t.TempDir()
	files, err := storage.NewFileStore(dir, discardLog())
	require.NoError(t, err)
	dedup := storage.NewMemoryStore(discardLog())

	fetcher := fetch.NewFetcher(&http.Client{Timeout: 10 * time.Second}, &cfg, discardLog())
	d := NewDownloader(fetcher, fetch.NewRateLimiter(discardLog()), fetch.NewHostSemaphorePool(4, 0, discardLog()),
		dedup, files, &cfg, discardLog())
	return &downloadFixture{d: d, dedup: dedup, files: files, cfg: &cfg, dir: dir}
}

// sessionFiles lists regular files stored for a session
func (f *downloadFixture) sessionFiles(t *testing.T, sessionID string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.dir, sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func contentServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	serve := func(ct string, body []byte) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", ct)
			w.Write(body)
		}
	}
	mux.HandleFunc("/a/logo.png", serve("image/png", pngBytes))
	mux.HandleFunc("/b/copy.png", serve("image/png", pngBytes))
	mux.HandleFunc("/doc.txt", serve("text/plain; charset=iso-8859-1", []byte("caf\xe9 "+strings.Repeat("x", 100))))
	mux.HandleFunc("/page.html", serve("text/html; charset=utf-8", []byte("<html><head><title>Doc Title</title></head><body><h1>Heading</h1><p>Body text</p></body></html>")))
	mux.HandleFunc("/partial.png", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(pngBytes[:10])
	})
	mux.HandleFunc("/missing.pdf", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/huge.mp4", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", strconv.Itoa(100*1024*1024))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
	})
	mux.HandleFunc("/liar.bin", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Chunked encoding means no Content-Length; the body is over the ceiling
		w.Header().Set("Content-Type", "application/octet-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			w.Write(make([]byte, 512))
			flusher.Flush()
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDownload_StoresNewContent(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	rec := f.d.Download(context.Background(), DownloadRequest{
		URL:        srv.URL + "/a/logo.png",
		SessionID:  "s1",
		SourcePage: srv.URL + "/",
		Context:    `<figure><img src="/a/logo.png" alt="Company logo"><figcaption>Our   logo</figcaption></figure>`,
	})

	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, models.CategoryImage, rec.ContentType)
	assert.Equal(t, "image/png", rec.MimeType)
	assert.Equal(t, int64(len(pngBytes)), rec.FileSize)
	assert.Equal(t, models.OriginOriginal, rec.Origin)
	assert.Nil(t, rec.DuplicateOf)
	assert.Equal(t, "Company logo", rec.AltText)
	assert.Equal(t, "Company logo", rec.Title)
	assert.Equal(t, "Our logo", rec.Description)
	assert.Equal(t, "Our logo", rec.Context)
	assert.Equal(t, srv.URL+"/", rec.SourcePage)
	assert.True(t, strings.HasPrefix(rec.FilePath, "s1/logo_"), rec.FilePath)

	stored, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rec.FilePath)))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, stored)

	entry, found, err := f.dedup.Lookup(rec.Digest)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec.FilePath, entry.StoragePath)
	assert.Equal(t, "s1", entry.SessionID)
}

func TestDownload_DuplicateReferencesFirstCopy(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)
	ctx := context.Background()

	first := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/a/logo.png", SessionID: "s1"})
	require.True(t, first.Success, first.Error)
	second := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/b/copy.png", SessionID: "s1"})
	require.True(t, second.Success, second.Error)

	assert.True(t, second.IsDuplicate())
	assert.Equal(t, first.FilePath, second.FilePath)
	assert.Equal(t, first.Digest, second.Digest)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, srv.URL+"/a/logo.png", second.DuplicateOf.SourceURL)
	assert.Len(t, f.sessionFiles(t, "s1"), 1, "exactly one write for identical bytes")

	count, err := f.dedup.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDownload_CrossSessionDuplicatePinsEntry(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)
	ctx := context.Background()

	first := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/a/logo.png", SessionID: "s1"})
	require.True(t, first.Success)
	second := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/b/copy.png", SessionID: "s2"})
	require.True(t, second.Success)
	require.True(t, second.IsDuplicate())
	assert.Equal(t, "s1", second.DuplicateOf.SessionID)
	assert.Empty(t, f.sessionFiles(t, "s2"))

	entry, _, err := f.dedup.Lookup(first.Digest)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, entry.Referrers)
}

func TestDownload_MissingFileTreatedAsNovel(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)
	ctx := context.Background()

	first := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/a/logo.png", SessionID: "s1"})
	require.True(t, first.Success)
	require.NoError(t, os.Remove(filepath.Join(f.dir, filepath.FromSlash(first.FilePath))))

	second := f.d.Download(ctx, DownloadRequest{URL: srv.URL + "/b/copy.png", SessionID: "s2"})
	require.True(t, second.Success, second.Error)
	assert.Equal(t, models.OriginOriginal, second.Origin)
	assert.True(t, strings.HasPrefix(second.FilePath, "s2/"))
	assert.True(t, f.files.Exists(second.FilePath))
}

func TestDownload_DuplicateWaitsForPendingWrite(t *testing.T) {
	tests := []struct {
		name         string
		settle       func(f *downloadFixture, rel string) error
		wantOrigin   models.ContentOrigin
		wantSameFile bool
	}{
		{
			name:         "WriteCompletes",
			settle:       func(f *downloadFixture, rel string) error { return f.files.Write(rel, pngBytes) },
			wantOrigin:   models.OriginDuplicate,
			wantSameFile: true,
		},
		{
			name: "WriteRolledBack",
			settle: func(f *downloadFixture, rel string) error {
				if _, err := f.dedup.RemoveIf(utils.DigestBytes(pngBytes), rel); err != nil {
					return err
				}
				return f.files.Remove(rel)
			},
			wantOrigin: models.OriginOriginal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := contentServer(t, &hits)
			f := newDownloadFixture(t, nil)

			// s0 has reserved and registered the payload but not written it yet
			rel, err := f.files.Create("s0", "logo.png")
			require.NoError(t, err)
			won, err := f.dedup.Register(storage.DedupEntry{
				Digest:      utils.DigestBytes(pngBytes),
				StoragePath: rel,
				SessionID:   "s0",
				SourceURL:   srv.URL + "/a/logo.png",
				Size:        int64(len(pngBytes)),
			})
			require.NoError(t, err)
			require.True(t, won)

			done := make(chan models.ScrapedContent, 1)
			go func() {
				done <- f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/b/copy.png", SessionID: "s1"})
			}()

			select {
			case rec := <-done:
				t.Fatalf("download resolved before the pending write settled: %+v", rec)
			case <-time.After(100 * time.Millisecond):
			}

			require.NoError(t, tt.settle(f, rel))

			var rec models.ScrapedContent
			select {
			case rec = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("download did not finish")
			}
			require.True(t, rec.Success, rec.Error)
			assert.Equal(t, tt.wantOrigin, rec.Origin)
			assert.Equal(t, tt.wantSameFile, rec.FilePath == rel)
			assert.True(t, f.files.Exists(rec.FilePath))
		})
	}
}

func TestDownload_ConcurrentIdenticalPayloadsWriteOnce(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	const workers = 6
	records := make([]models.ScrapedContent, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "/a/logo.png"
			if i%2 == 1 {
				path = "/b/copy.png"
			}
			records[i] = f.d.Download(context.Background(), DownloadRequest{
				URL:       srv.URL + path,
				SessionID: "s" + strconv.Itoa(i%3),
			})
		}(i)
	}
	wg.Wait()

	originals := 0
	for _, rec := range records {
		require.True(t, rec.Success, rec.Error)
		if rec.Origin == models.OriginOriginal {
			originals++
		}
		assert.Equal(t, records[0].Digest, rec.Digest)
	}
	assert.Equal(t, 1, originals)

	total := 0
	for _, s := range []string{"s0", "s1", "s2"} {
		total += len(f.sessionFiles(t, s))
	}
	assert.Equal(t, 1, total, "reservations of losing writers must be released")
}

func TestDownload_DeclaredSizeOverCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/huge.mp4", SessionID: "s1"})

	assert.False(t, rec.Success)
	assert.Equal(t, "File too large: 104857600 bytes (max: 52428800)", rec.Error)
	assert.Equal(t, "Content_TooLarge", rec.ErrorType)
	assert.Empty(t, rec.FilePath)
	assert.Empty(t, f.sessionFiles(t, "s1"))
	count, _ := f.dedup.Count()
	assert.Zero(t, count)
}

func TestDownload_ActualSizeOverCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, func(c *config.AppConfig) { c.MaxFileSizeBytes = 1024 })

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/liar.bin", SessionID: "s1"})

	assert.False(t, rec.Success)
	assert.True(t, strings.HasPrefix(rec.Error, "File too large: "), rec.Error)
	assert.True(t, strings.HasSuffix(rec.Error, "(max: 1024)"), rec.Error)
	assert.Empty(t, f.sessionFiles(t, "s1"))
}

func TestDownload_Failures(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	tests := []struct {
		name      string
		url       string
		wantError string
		wantHit   bool
	}{
		{"InvalidScheme", "ftp://example.com/file.pdf", "invalid scheme", false},
		{"DataURL", "data:image/png;base64,AAAA", "invalid scheme", false},
		{"BlockedExtension", srv.URL + "/setup.exe", "blocked file extension: .exe", false},
		{"NotFound", srv.URL + "/missing.pdf", "HTTP 404", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := hits.Load()
			rec := f.d.Download(context.Background(), DownloadRequest{URL: tt.url, SessionID: "s1"})
			assert.False(t, rec.Success)
			assert.Equal(t, tt.wantError, rec.Error)
			assert.NotEmpty(t, rec.ErrorType)
			assert.Equal(t, tt.wantHit, hits.Load() > before)
		})
	}
}

func TestDownload_PartialContentRejected(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/partial.png", SessionID: "s1"})

	assert.False(t, rec.Success)
	assert.Equal(t, "HTTP 206", rec.Error)
	assert.Empty(t, rec.FilePath)
	assert.Empty(t, f.sessionFiles(t, "s1"))
	count, _ := f.dedup.Count()
	assert.Zero(t, count)
}

func TestDownload_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL + "/gone.png"
	srv.Close()

	f := newDownloadFixture(t, nil)
	rec := f.d.Download(context.Background(), DownloadRequest{URL: deadURL, SessionID: "s1"})

	assert.False(t, rec.Success)
	assert.True(t, strings.HasPrefix(rec.Error, "Network error: "), rec.Error)
}

func TestDownload_ServerErrorAfterRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newDownloadFixture(t, func(c *config.AppConfig) { c.MaxRetries = 2 })
	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/x.png", SessionID: "s1"})

	assert.False(t, rec.Success)
	assert.Equal(t, "HTTP 503", rec.Error)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDownload_TextPreview(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, func(c *config.AppConfig) { c.TextPreviewChars = 10 })

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/doc.txt", SessionID: "s1"})
	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, models.CategoryDocument, rec.ContentType)
	assert.Equal(t, "café xxxxx", rec.TextContent)
}

func TestDownload_HTMLPreviewAsMarkdown(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/page.html", SessionID: "s1"})
	require.True(t, rec.Success, rec.Error)
	assert.Equal(t, "Doc Title", rec.Title)
	assert.Contains(t, rec.TextContent, "# Heading")
	assert.Contains(t, rec.TextContent, "Body text")
	assert.NotContains(t, rec.TextContent, "<p>")
}

func TestDownload_BinaryHasNoPreview(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, nil)

	rec := f.d.Download(context.Background(), DownloadRequest{URL: srv.URL + "/a/logo.png", SessionID: "s1"})
	require.True(t, rec.Success)
	assert.Empty(t, rec.TextContent)
}

func TestDownload_ContextSnippetCapped(t *testing.T) {
	var hits atomic.Int32
	srv := contentServer(t, &hits)
	f := newDownloadFixture(t, func(c *config.AppConfig) { c.ContextSnippetChars = 12 })

	rec := f.d.Download(context.Background(), DownloadRequest{
		URL:       srv.URL + "/a/logo.png",
		SessionID: "s1",
		Context:   `<p>See the <a href="/a/logo.png">full logo</a> for details on branding</p>`,
	})
	require.True(t, rec.Success)
	assert.Equal(t, "full logo", rec.LinkText)
	assert.Equal(t, "See the full", rec.Context)
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "File too large: 10 bytes (max: 5)", failureMessage(&tooLargeError{size: 10, max: 5}))
	assert.Equal(t, "HTTP 403", failureMessage(&fetch.StatusError{StatusCode: 403, Status: "Forbidden"}))
	assert.Equal(t, "Network error: context canceled", failureMessage(context.Canceled))
	assert.True(t, strings.HasPrefix(failureMessage(os.ErrClosed), "Unexpected error: "))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "héllo", truncateRunes("héllo", 5))
	assert.Equal(t, "héllo", truncateRunes("héllo", 0))
}
