package crawler

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/fetch"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/parse"
	"github.com/Sriram-PR/site-scraper/pkg/process"
	"github.com/Sriram-PR/site-scraper/pkg/queue"
	"github.com/Sriram-PR/site-scraper/pkg/utils"
)

const defaultHeartbeat = 2 * time.Second

// ContentDownloader turns a content candidate into a record; failures are data, never errors
type ContentDownloader interface {
	Download(ctx context.Context, req process.DownloadRequest) models.ScrapedContent
}

// RobotsChecker answers robots.txt questions for a page URL
type RobotsChecker interface {
	Allowed(ctx context.Context, target *url.URL, userAgent string, delay time.Duration) bool
}

// Deps are the process-wide collaborators a session uses
type Deps struct {
	Config     *config.AppConfig
	Pages      fetch.PageFetcherFactory
	Downloader ContentDownloader
	Robots     RobotsChecker // Only consulted when the request asks for it
	Log        *logrus.Entry
}

// Session is one crawl: a single goroutine walks the frontier breadth first,
// fetching pages, following in-domain links and downloading content, while
// publishing events. Control signals are honoured between steps.
type Session struct {
	id        string
	req       models.CrawlRequest
	domain    string
	cfg       *config.AppConfig
	deps      Deps
	userAgent string
	delay     time.Duration
	maxPages  int
	download  bool
	createdAt time.Time

	extractor *process.LinkExtractor
	frontier  *queue.Frontier
	control   *Control
	events    *Broadcaster
	log       *logrus.Entry

	// Owned by the loop goroutine
	state         models.SessionState
	currentURL    string
	found         map[string]bool
	foundOrder    []string
	external      map[string]bool
	externalOrder []string
	content       []models.ScrapedContent
	failedContent []models.ScrapedContent
	meter         progressMeter

	// Safe for any goroutine
	counters     counters
	status       atomic.Pointer[models.CrawlStatus]
	result       atomic.Pointer[models.CrawlResult]
	lastActivity atomic.Int64
	runOnce      sync.Once
	done         chan struct{}
}

// NewSession validates req and prepares a session in the starting state.
// Invalid requests fail here, before any network activity.
func NewSession(id string, req models.CrawlRequest, deps Deps) (*Session, error) {
	target, err := req.Validate()
	if err != nil {
		return nil, err
	}
	cfg := deps.Config
	disallowed, err := utils.CompileRegexPatterns(cfg.DisallowedPathPatterns)
	if err != nil {
		return nil, err
	}

	req.ContentTypes = cfg.EffectiveContentTypes(req.ContentTypes)
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = cfg.DefaultUserAgent
	}
	width := cfg.FrontierWidth
	if req.ScrapeWholeSite {
		width = 0
	}
	maxPages := req.EffectiveMaxPages(cfg.DefaultMaxPages)

	sessionLog := deps.Log.WithFields(logrus.Fields{"component": "session", "session_id": id})
	now := time.Now()
	s := &Session{
		id:        id,
		req:       req,
		domain:    target.Hostname(),
		cfg:       cfg,
		deps:      deps,
		userAgent: userAgent,
		delay:     req.Delay(),
		maxPages:  maxPages,
		download:  req.DownloadContent && req.HasActiveFilter() && deps.Downloader != nil,
		createdAt: now,
		extractor: process.NewLinkExtractor(target, disallowed, sessionLog),
		frontier:  queue.NewFrontier(width, sessionLog),
		control:   NewControl(),
		events:    NewBroadcaster(id, cfg.EventBuffer),
		log:       sessionLog,
		state:     models.StateStarting,
		found:     make(map[string]bool),
		external:  make(map[string]bool),
		meter:     progressMeter{estimate: estimateTotalPages(maxPages, cfg.FrontierWidth, req.ScrapeWholeSite)},
		done:      make(chan struct{}),
	}
	s.frontier.Push(parse.NormalizeURL(target), 0)
	st := s.snapshot()
	s.status.Store(&st)
	s.touch()
	return s, nil
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// Request returns the effective request
func (s *Session) Request() models.CrawlRequest { return s.req }

// CreatedAt returns when the session was created
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the session last made progress or changed state
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// Done is closed once Run has returned
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the latest published snapshot
func (s *Session) Status() models.CrawlStatus { return *s.status.Load() }

// Result returns the final result once the session is terminal. The result is shared and must not be modified.
func (s *Session) Result() (*models.CrawlResult, bool) {
	r := s.result.Load()
	return r, r != nil
}

// ControlFlag returns the pending control flag
func (s *Session) ControlFlag() Flag { return s.control.Flag() }

// Subscribe attaches an event subscriber
func (s *Session) Subscribe() *Subscription { return s.events.Subscribe() }

// Signal applies a control signal. Signals to a finished session are accepted and ignored.
func (s *Session) Signal(sig models.ControlSignal) (bool, error) {
	if !sig.IsValid() {
		return false, fmt.Errorf("%w: unknown control signal %q", utils.ErrInvalidRequest, sig)
	}
	if s.Status().Status.IsTerminal() {
		return false, nil
	}
	changed, err := s.control.Apply(sig)
	if changed {
		s.log.WithField("signal", sig).Info("Control signal received")
	}
	return changed, err
}

// Run drives the session to a terminal state and blocks until then. Cancelling
// ctx behaves like stop, except that work in flight is aborted too. Only the
// first call runs; later calls wait for it.
func (s *Session) Run(ctx context.Context) {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		<-s.done
		return
	}
	defer close(s.done)

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.WithFields(logrus.Fields{"panic_info": r, "stack_trace": stack}).Error("PANIC recovered in session")
			s.fail(fmt.Errorf("internal error: %v", r), stack)
		}
	}()

	pages := s.deps.Pages(s.log)
	if err := pages.Start(ctx); err != nil {
		s.log.WithField("error_type", utils.CategorizeError(err)).Errorf("Page fetcher failed to start: %v", err)
		s.fail(err, utils.CategorizeError(err))
		return
	}
	defer func() {
		if err := pages.Close(); err != nil {
			s.log.Warnf("Closing page fetcher: %v", err)
		}
	}()

	s.log.WithFields(logrus.Fields{"url": s.req.URL, "max_pages": s.maxPages, "download": s.download}).Info("Session started")
	s.setState(models.StateRunning)
	s.publishStatus()

	s.loop(ctx, pages)
	s.complete(ctx)
}

func (s *Session) loop(ctx context.Context, pages fetch.PageFetcher) {
	for {
		if !s.awaitRunnable(ctx) {
			return
		}
		if int(s.counters.attempted.Load()) >= s.maxPages {
			s.log.Infof("Page cap reached (%d)", s.maxPages)
			return
		}
		item, ok := s.frontier.Pop()
		if !ok {
			s.log.Debug("Frontier exhausted")
			return
		}
		if s.frontier.IsVisited(item.URL) {
			continue
		}
		if s.processPage(ctx, pages, item) && !s.politeDelay(ctx) {
			return
		}
	}
}

// awaitRunnable blocks while paused. Returns false when the session should stop.
func (s *Session) awaitRunnable(ctx context.Context) bool {
	heartbeat := s.cfg.PausedHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	for {
		changed := s.control.Changed()
		if ctx.Err() != nil {
			return false
		}
		switch s.control.Flag() {
		case FlagStopping:
			return false
		case FlagActive:
			if s.state == models.StatePaused {
				s.log.Info("Session resumed")
				s.setState(models.StateRunning)
				s.publishStatus()
			}
			return true
		case FlagPaused:
			if s.state != models.StatePaused {
				s.log.Info("Session paused")
				s.setState(models.StatePaused)
				s.publishStatus()
			}
			timer := time.NewTimer(heartbeat)
			select {
			case <-changed:
			case <-ctx.Done():
			case <-timer.C:
				s.publishStatus()
			}
			timer.Stop()
		}
	}
}

// politeDelay waits the request's inter-page delay; stop or cancellation cut it short
func (s *Session) politeDelay(ctx context.Context) bool {
	if s.delay <= 0 {
		return true
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.control.Stopped():
		return false
	case <-ctx.Done():
		return false
	}
}

// processPage fetches one page and folds its links and content into the session.
// Returns true when a fetch was attempted.
func (s *Session) processPage(ctx context.Context, pages fetch.PageFetcher, item queue.Item) (attempted bool) {
	pageLog := s.log.WithFields(logrus.Fields{"url": item.URL, "depth": item.Depth})
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			pageLog.WithFields(logrus.Fields{"panic_info": r, "stack_trace": string(debug.Stack())}).Error("PANIC recovered while processing page")
			s.counters.failed.Add(1)
			s.afterPage()
			attempted = true
		}
	}()

	s.frontier.MarkVisited(item.URL)
	target, err := url.Parse(item.URL)
	if err != nil {
		pageLog.Warnf("Skipping unparseable frontier URL: %v", err)
		s.counters.skipped.Add(1)
		return false
	}

	if s.req.RespectRobots && s.deps.Robots != nil && !s.deps.Robots.Allowed(ctx, target, s.userAgent, s.delay) {
		pageLog.WithField("error_type", utils.CategorizeError(utils.ErrRobotsDisallowed)).Info("Page skipped by robots.txt")
		s.counters.skipped.Add(1)
		s.touch()
		s.publishStatus()
		return false
	}

	s.counters.attempted.Add(1)
	s.currentURL = item.URL
	s.publishStatus()

	page, err := pages.Fetch(ctx, fetch.PageRequest{URL: item.URL, UserAgent: s.userAgent, Delay: s.delay})
	if err != nil {
		s.counters.failed.Add(1)
		pageLog.WithFields(logrus.Fields{
			"error_type": utils.CategorizeError(err),
			"duration":   time.Since(start).String(),
		}).Warnf("Page fetch failed: %v", err)
		s.afterPage()
		return true
	}

	base, err := url.Parse(page.FinalURL)
	if err != nil || !parse.IsHTTP(base) {
		base = target
	}
	if parse.HostKey(base) == s.extractor.Host() {
		// The redirect target is the same page; never fetch it again
		s.frontier.MarkVisited(parse.NormalizeURL(base))
	}

	links, err := s.extractor.Extract(page.HTML, base)
	if err != nil {
		s.counters.failed.Add(1)
		pageLog.WithField("error_type", utils.CategorizeError(err)).Warnf("Link extraction failed: %v", err)
		s.afterPage()
		return true
	}

	queued := 0
	for _, link := range links.InDomain {
		if !s.found[link] {
			s.found[link] = true
			s.foundOrder = append(s.foundOrder, link)
		}
		if s.frontier.Push(link, item.Depth+1) {
			queued++
		}
	}
	if s.req.IncludeExternal {
		for _, link := range links.External {
			if !s.external[link] {
				s.external[link] = true
				s.externalOrder = append(s.externalOrder, link)
			}
		}
	}

	if s.download {
		s.downloadContent(ctx, item.URL, links.Candidates, pageLog)
	}

	s.counters.scraped.Add(1)
	pageLog.WithFields(logrus.Fields{
		"title":      links.Title,
		"links":      len(links.InDomain),
		"queued":     queued,
		"candidates": len(links.Candidates),
		"duration":   time.Since(start).String(),
	}).Info("Page processed")
	s.afterPage()
	return true
}

// downloadContent fetches the page's accepted candidates, at most MaxContentPerPage,
// with up to DownloadWorkers in parallel. Records are folded in candidate order.
func (s *Session) downloadContent(ctx context.Context, pageURL string, candidates []process.Candidate, pageLog *logrus.Entry) {
	var selected []process.Candidate
	for _, c := range candidates {
		if s.cfg.MaxContentPerPage > 0 && len(selected) >= s.cfg.MaxContentPerPage {
			break
		}
		if s.req.Accepts(c.URL, c.Hint, "") {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return
	}

	records := make([]models.ScrapedContent, len(selected))
	ran := make([]bool, len(selected))
	var g errgroup.Group
	g.SetLimit(max(1, s.cfg.DownloadWorkers))
	for i, c := range selected {
		g.Go(func() error {
			// A stop between downloads skips the rest of the page
			if s.control.Flag() == FlagStopping {
				return nil
			}
			records[i] = s.deps.Downloader.Download(ctx, process.DownloadRequest{
				URL:        c.URL,
				SessionID:  s.id,
				SourcePage: pageURL,
				Context:    c.Context,
				UserAgent:  s.userAgent,
				Delay:      s.delay,
			})
			ran[i] = true
			return nil
		})
	}
	g.Wait()

	ok := 0
	for i, rec := range records {
		if !ran[i] {
			continue
		}
		if !rec.Success {
			s.failedContent = append(s.failedContent, rec)
			continue
		}
		ok++
		s.content = append(s.content, rec)
		s.counters.downloaded.Add(1)
		s.events.Publish(models.Event{Type: models.EventContentDownloaded, Data: rec})
	}
	pageLog.Debugf("Content downloads: %d of %d succeeded", ok, len(selected))
}

func (s *Session) afterPage() {
	s.currentURL = ""
	s.touch()
	s.publishStatus()
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setState(state models.SessionState) {
	s.state = state
	s.touch()
}

// snapshot builds a fresh status value from loop-owned state
func (s *Session) snapshot() models.CrawlStatus {
	attempted := int(s.counters.attempted.Load())
	st := models.CrawlStatus{
		SessionID:         s.id,
		Status:            s.state,
		CurrentURL:        s.currentURL,
		PagesScraped:      int(s.counters.scraped.Load()),
		PagesAttempted:    attempted,
		URLsFound:         len(s.foundOrder),
		ExternalURLsFound: len(s.externalOrder),
		ContentDownloaded: int(s.counters.downloaded.Load()),
		Progress:          s.meter.update(attempted),
		StartedAt:         s.createdAt,
		UpdatedAt:         time.Now(),
	}
	if s.meter.estimate > 0 {
		estimate := s.meter.estimate
		st.EstimatedTotalPages = &estimate
	}
	return st
}

func (s *Session) publishStatus() {
	st := s.snapshot()
	s.status.Store(&st)
	s.events.Publish(models.Event{Type: models.EventStatusUpdate, Data: st})
}

// complete finalizes a session that ran to the end of its loop
func (s *Session) complete(ctx context.Context) {
	stopped := s.control.Flag() == FlagStopping || ctx.Err() != nil
	if stopped {
		s.log.Info("Session stopping")
		s.setState(models.StateStopping)
		s.publishStatus()
	}

	ended := time.Now()
	s.setState(models.StateCompleted)
	s.currentURL = ""
	st := s.snapshot()
	st.Progress = 100
	st.EndedAt = &ended
	st.Stopped = stopped

	result := s.buildResult(st, ended)
	s.status.Store(&st)
	s.result.Store(result)

	s.log.WithFields(logrus.Fields{
		"pages":      result.Statistics.TotalPagesScraped,
		"attempted":  result.Statistics.PagesAttempted,
		"content":    result.Statistics.ContentDownloaded,
		"duplicates": result.Statistics.DuplicateContentSkipped,
		"visited":    s.frontier.VisitedCount(),
		"pending":    s.frontier.Len(),
		"stopped":    stopped,
		"duration":   ended.Sub(s.createdAt).String(),
	}).Info("Session completed")
	s.events.Publish(models.Event{Type: models.EventScrapeComplete, Data: *result})
}

// fail finalizes a session in the error state, keeping whatever was collected
func (s *Session) fail(err error, details string) {
	ended := time.Now()
	s.setState(models.StateError)
	s.currentURL = ""
	st := s.snapshot()
	st.EndedAt = &ended
	st.ErrorMessage = err.Error()

	result := s.buildResult(st, ended)
	s.status.Store(&st)
	s.result.Store(result)
	s.events.Publish(models.Event{Type: models.EventError, Message: err.Error(), Details: details})
}

func (s *Session) buildResult(st models.CrawlStatus, ended time.Time) *models.CrawlResult {
	return &models.CrawlResult{
		SessionID:      s.id,
		Domain:         s.domain,
		URLs:           append(make([]string, 0, len(s.foundOrder)), s.foundOrder...),
		ExternalURLs:   append(make([]string, 0, len(s.externalOrder)), s.externalOrder...),
		ScrapedContent: append(make([]models.ScrapedContent, 0, len(s.content)), s.content...),
		FailedContent:  append([]models.ScrapedContent(nil), s.failedContent...),
		Statistics: buildStatistics(&s.counters, len(s.foundOrder), len(s.externalOrder),
			s.content, s.failedContent, s.createdAt, ended, s.events.Dropped()),
		Status: st,
	}
}
