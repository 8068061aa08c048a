package registry

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/crawler"
	"github.com/Sriram-PR/site-scraper/pkg/fetch"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

func discardLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// gatedPages answers every fetch with a one-link page once the gate opens
type gatedPages struct {
	gate chan struct{}
	once sync.Once
}

func newGatedPages() *gatedPages { return &gatedPages{gate: make(chan struct{})} }

func (g *gatedPages) open() { g.once.Do(func() { close(g.gate) }) }

func (g *gatedPages) Start(context.Context) error { return nil }
func (g *gatedPages) Close() error                { return nil }

func (g *gatedPages) Fetch(ctx context.Context, req fetch.PageRequest) (*fetch.Page, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if req.URL != "https://ex.com/" {
		return nil, &fetch.StatusError{StatusCode: http.StatusNotFound, Status: "Not Found"}
	}
	return &fetch.Page{URL: req.URL, FinalURL: req.URL, HTML: `<a href="/next">next</a>`, StatusCode: http.StatusOK}, nil
}

type fixture struct {
	reg   *Registry
	pages *gatedPages
	dedup *storage.MemoryStore
	files *storage.FileStore
	cfg   *config.AppConfig
}

func newFixture(t *testing.T, mutate func(*config.AppConfig)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.EventBuffer = 256
	cfg.PausedHeartbeat = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	pages := newGatedPages()
	files, err := storage.NewFileStore(t.TempDir(), discardLog())
	require.NoError(t, err)
	dedup := storage.NewMemoryStore(discardLog())
	deps := crawler.Deps{
		Config: &cfg,
		Pages:  func(*logrus.Entry) fetch.PageFetcher { return pages },
		Log:    discardLog(),
	}
	f := &fixture{reg: New(deps, dedup, files), pages: pages, dedup: dedup, files: files, cfg: &cfg}
	t.Cleanup(func() {
		pages.open()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.reg.Shutdown(ctx)
	})
	return f
}

func waitDone(t *testing.T, s *crawler.Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
}

var seedRequest = models.CrawlRequest{URL: "https://ex.com/", MaxPages: 5}

func TestCreateAndFinish(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(seedRequest)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())

	got, err := f.reg.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = f.reg.Result(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFinished)

	f.pages.open()
	waitDone(t, s)

	res, err := f.reg.Result(s.ID())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), res.SessionID)
	assert.Equal(t, []string{"https://ex.com/next"}, res.URLs)
	assert.Equal(t, 0, f.reg.Active())
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.Create(models.CrawlRequest{URL: "mailto:someone@ex.com"})
	assert.ErrorIs(t, err, utils.ErrInvalidRequest)
	assert.Empty(t, f.reg.List())
}

func TestUnknownSession(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reg.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.reg.SetControl("nope", models.SignalPause)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = f.reg.Result("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSetControl(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(seedRequest)
	require.NoError(t, err)

	_, err = f.reg.SetControl(s.ID(), models.ControlSignal("bogus"))
	assert.ErrorIs(t, err, utils.ErrInvalidRequest)

	_, err = f.reg.SetControl(s.ID(), models.SignalPause)
	require.NoError(t, err)
	assert.Equal(t, crawler.FlagPaused, s.ControlFlag())

	f.pages.open()
	require.Eventually(t, func() bool { return s.Status().Status == models.StatePaused }, 5*time.Second, 5*time.Millisecond)

	_, err = f.reg.SetControl(s.ID(), models.SignalStop)
	require.NoError(t, err)
	waitDone(t, s)
	assert.True(t, s.Status().Stopped)
	assert.LessOrEqual(t, s.Status().PagesAttempted, 1)
}

func TestConcurrentSessionCap(t *testing.T) {
	f := newFixture(t, func(c *config.AppConfig) { c.MaxConcurrentSessions = 1 })
	first, err := f.reg.Create(seedRequest)
	require.NoError(t, err)

	_, err = f.reg.Create(seedRequest)
	assert.ErrorIs(t, err, ErrTooManySessions)

	f.pages.open()
	waitDone(t, first)
	second, err := f.reg.Create(seedRequest)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
}

func TestObserverSeesWholeStream(t *testing.T) {
	f := newFixture(t, nil)
	var sub *crawler.Subscription
	f.reg.Observe(func(s *crawler.Session) { sub = s.Subscribe() })

	_, err := f.reg.Create(seedRequest)
	require.NoError(t, err)
	require.NotNil(t, sub)
	f.pages.open()

	var events []models.Event
	for ev := range sub.Events {
		events = append(events, ev)
	}
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, models.EventConnectionEstablished, events[0].Type)
	first, ok := events[1].Data.(models.CrawlStatus)
	require.True(t, ok)
	assert.Equal(t, models.StateRunning, first.Status)
	assert.Equal(t, 0, first.PagesAttempted)
	assert.Equal(t, models.EventScrapeComplete, events[len(events)-1].Type)
}

func TestListOrdersByCreation(t *testing.T) {
	f := newFixture(t, nil)
	a, err := f.reg.Create(seedRequest)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := f.reg.Create(models.CrawlRequest{URL: "https://ex.com/other"})
	require.NoError(t, err)

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].SessionID)
	assert.Equal(t, b.ID(), list[1].SessionID)
	assert.Equal(t, "https://ex.com/other", list[1].URL)
	assert.Equal(t, "active", list[0].Control)
}

// storeOwned writes a file for sessionID and registers it as the owner of digest
func storeOwned(t *testing.T, f *fixture, sessionID, name, digest string) string {
	t.Helper()
	rel, err := f.files.Create(sessionID, name)
	require.NoError(t, err)
	require.NoError(t, f.files.Write(rel, []byte(digest)))
	won, err := f.dedup.Register(storage.DedupEntry{Digest: digest, StoragePath: rel, SessionID: sessionID, Size: int64(len(digest))})
	require.NoError(t, err)
	require.True(t, won)
	return rel
}

func TestReapExpiredSessionPurgesStorage(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(seedRequest)
	require.NoError(t, err)
	f.pages.open()
	waitDone(t, s)

	solo := storeOwned(t, f, s.ID(), "solo.png", "digest-solo")
	shared := storeOwned(t, f, s.ID(), "shared.png", "digest-shared")
	require.NoError(t, f.dedup.AddReference("digest-shared", "other-session"))

	report := f.reg.Reap(time.Now())
	assert.Empty(t, report.Expired, "within retention")

	report = f.reg.Reap(time.Now().Add(f.cfg.SessionRetention + time.Minute))
	assert.Equal(t, []string{s.ID()}, report.Expired)
	assert.Equal(t, 1, report.FilesRemoved)
	assert.Equal(t, 1, report.Reassigned)

	_, err = f.reg.Get(s.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, f.files.Exists(solo))
	assert.True(t, f.files.Exists(shared), "a referenced file outlives its owner")

	entry, ok, err := f.dedup.Lookup("digest-shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "other-session", entry.SessionID)
	_, ok, _ = f.dedup.Lookup("digest-solo")
	assert.False(t, ok)
}

func TestReapStopsOrphans(t *testing.T) {
	for _, pause := range []bool{false, true} {
		name := "running"
		if pause {
			name = "paused"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(c *config.AppConfig) { c.PausedTimeout = 6 * time.Hour })
			s, err := f.reg.Create(seedRequest)
			require.NoError(t, err)
			idle := f.cfg.OrphanTimeout
			if pause {
				_, err = f.reg.SetControl(s.ID(), models.SignalPause)
				require.NoError(t, err)
				f.pages.open()
				require.Eventually(t, func() bool { return s.Status().Status == models.StatePaused }, 5*time.Second, 5*time.Millisecond)

				// A long pause outlives the orphan timeout
				report := f.reg.Reap(time.Now().Add(f.cfg.OrphanTimeout + time.Minute))
				assert.Empty(t, report.Orphaned)
				assert.Equal(t, models.StatePaused, s.Status().Status)
				idle = f.cfg.PausedTimeout
			}

			report := f.reg.Reap(time.Now().Add(idle + time.Minute))
			assert.Equal(t, []string{s.ID()}, report.Orphaned)
			waitDone(t, s)

			assert.Equal(t, models.StateCompleted, s.Status().Status)
			assert.True(t, s.Status().Stopped)
			_, err = f.reg.Get(s.ID())
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestReapKeepsActiveSessions(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(seedRequest)
	require.NoError(t, err)

	report := f.reg.Reap(time.Now())
	assert.Empty(t, report.Orphaned)
	_, err = f.reg.Get(s.ID())
	assert.NoError(t, err)
}

func TestShutdownStopsSessions(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.reg.Create(seedRequest)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// The seed fetch is blocked on the gate, so only cancellation ends it
	assert.ErrorIs(t, f.reg.Shutdown(ctx), context.DeadlineExceeded)
	waitDone(t, s)
	assert.True(t, s.Status().Stopped)

	_, err = f.reg.Create(seedRequest)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunReaperStopsWithContext(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reg.RunReaper(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not exit")
	}
}
