package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/config"
	"github.com/Sriram-PR/site-scraper/pkg/crawler"
	"github.com/Sriram-PR/site-scraper/pkg/models"
	"github.com/Sriram-PR/site-scraper/pkg/storage"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotFinished = errors.New("session has not finished")
	ErrTooManySessions    = errors.New("too many active sessions")
	ErrClosed             = errors.New("registry is shut down")
)

// Observer is called with every new session before it starts running, so a
// subscription taken there sees the whole event stream
type Observer func(s *crawler.Session)

// Summary is the listing view of one session
type Summary struct {
	SessionID    string              `json:"session_id"`
	URL          string              `json:"url"`
	Status       models.SessionState `json:"status"`
	Control      string              `json:"control"`
	Progress     float64             `json:"progress"`
	PagesScraped int                 `json:"pages_scraped"`
	Stopped      bool                `json:"stopped"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// ReapReport describes one reaper pass
type ReapReport struct {
	Expired      []string // Terminal sessions past retention
	Orphaned     []string // Live sessions with no activity past the orphan timeout
	FilesRemoved int
	Reassigned   int // Dedup entries handed to another session instead of deleted
}

type record struct {
	session *crawler.Session
	cancel  context.CancelFunc
}

// Registry is the process-wide table of crawl sessions
type Registry struct {
	cfg   *config.AppConfig
	deps  crawler.Deps
	dedup storage.DedupRegistry
	files *storage.FileStore
	log   *logrus.Entry

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu        sync.RWMutex
	sessions  map[string]*record
	observers []Observer
	closed    bool
}

// New creates a registry whose sessions share deps. dedup and files are used
// when reaping; both may be shared with the downloader.
func New(deps crawler.Deps, dedup storage.DedupRegistry, files *storage.FileStore) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:       deps.Config,
		deps:      deps,
		dedup:     dedup,
		files:     files,
		log:       deps.Log.WithField("component", "registry"),
		baseCtx:   ctx,
		cancelAll: cancel,
		sessions:  make(map[string]*record),
	}
}

// Observe registers fn for sessions created from now on
func (r *Registry) Observe(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Create validates req, registers a new session and starts it in the background
func (r *Registry) Create(req models.CrawlRequest) (*crawler.Session, error) {
	id := uuid.New().String()
	s, err := crawler.NewSession(id, req, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if active := r.activeLocked(); r.cfg.MaxConcurrentSessions > 0 && active >= r.cfg.MaxConcurrentSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d running (max %d)", ErrTooManySessions, active, r.cfg.MaxConcurrentSessions)
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.sessions[id] = &record{session: s, cancel: cancel}
	observers := append([]Observer(nil), r.observers...)
	r.wg.Add(1)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(s)
	}

	r.log.WithFields(logrus.Fields{"session_id": id, "url": req.URL}).Info("Session created")
	go func() {
		defer r.wg.Done()
		defer cancel()
		s.Run(ctx)
	}()
	return s, nil
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, rec := range r.sessions {
		if !rec.session.Status().Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Active returns the number of sessions that have not reached a terminal state
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

// Get looks a session up by id
func (r *Registry) Get(id string) (*crawler.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return rec.session, nil
}

// SetControl forwards a control signal. It only flips the session's flag; work
// in flight finishes before the session reacts. Returns the status at the time
// of the call.
func (r *Registry) SetControl(id string, sig models.ControlSignal) (models.CrawlStatus, error) {
	s, err := r.Get(id)
	if err != nil {
		return models.CrawlStatus{}, err
	}
	if _, err := s.Signal(sig); err != nil {
		return models.CrawlStatus{}, err
	}
	return s.Status(), nil
}

// Result returns the final result of a terminal session
func (r *Registry) Result(id string) (*models.CrawlResult, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	res, ok := s.Result()
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotFinished, id, s.Status().Status)
	}
	return res, nil
}

// List returns every known session, oldest first
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for id, rec := range r.sessions {
		st := rec.session.Status()
		out = append(out, Summary{
			SessionID:    id,
			URL:          rec.session.Request().URL,
			Status:       st.Status,
			Control:      string(rec.session.ControlFlag()),
			Progress:     st.Progress,
			PagesScraped: st.PagesScraped,
			Stopped:      st.Stopped,
			CreatedAt:    rec.session.CreatedAt(),
			LastActivity: rec.session.LastActivity(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reap drops terminal sessions older than the retention window and stops live
// sessions idle longer than the orphan timeout (the paused timeout while paused). Dropped sessions release their
// dedup entries and stored files; an orphan is purged once its loop has exited.
func (r *Registry) Reap(now time.Time) ReapReport {
	var report ReapReport
	var expired, orphaned []*record

	r.mu.Lock()
	for id, rec := range r.sessions {
		st := rec.session.Status()
		switch {
		case st.Status.IsTerminal():
			if st.EndedAt != nil && now.Sub(*st.EndedAt) > r.cfg.SessionRetention {
				expired = append(expired, rec)
				report.Expired = append(report.Expired, id)
				delete(r.sessions, id)
			}
		case now.Sub(rec.session.LastActivity()) > r.idleLimit(st.Status):
			orphaned = append(orphaned, rec)
			report.Orphaned = append(report.Orphaned, id)
			delete(r.sessions, id)
		}
	}
	if len(orphaned) > 0 {
		r.wg.Add(len(orphaned))
	}
	r.mu.Unlock()

	for _, rec := range expired {
		files, reassigned := r.purge(rec.session.ID())
		report.FilesRemoved += files
		report.Reassigned += reassigned
	}

	for _, rec := range orphaned {
		s := rec.session
		r.log.WithFields(logrus.Fields{
			"session_id":    s.ID(),
			"status":        s.Status().Status,
			"last_activity": s.LastActivity().Format(time.RFC3339),
		}).Warn("Stopping orphaned session")
		s.Signal(models.SignalStop)
		rec.cancel()
		go func() {
			defer r.wg.Done()
			<-s.Done()
			r.purge(s.ID())
		}()
	}

	if len(report.Expired) > 0 || len(report.Orphaned) > 0 {
		r.log.WithFields(logrus.Fields{
			"expired":       len(report.Expired),
			"orphaned":      len(report.Orphaned),
			"files_removed": report.FilesRemoved,
			"reassigned":    report.Reassigned,
		}).Info("Reaper pass complete")
	}
	return report
}

// idleLimit is how long a live session in state may go without activity
func (r *Registry) idleLimit(state models.SessionState) time.Duration {
	if state == models.StatePaused && r.cfg.PausedTimeout > 0 {
		return r.cfg.PausedTimeout
	}
	return r.cfg.OrphanTimeout
}

// purge releases everything a session holds in the dedup registry and deletes
// files nobody references any more
func (r *Registry) purge(sessionID string) (filesRemoved, reassigned int) {
	purgeLog := r.log.WithField("session_id", sessionID)
	if r.dedup == nil {
		return 0, 0
	}
	res, err := r.dedup.PurgeForSession(sessionID)
	if err != nil {
		purgeLog.Errorf("Purging dedup entries: %v", err)
		return 0, 0
	}
	if r.files != nil {
		for _, entry := range res.Removed {
			if err := r.files.Remove(entry.StoragePath); err != nil {
				purgeLog.WithField("path", entry.StoragePath).Warnf("Removing stored file: %v", err)
				continue
			}
			filesRemoved++
		}
		r.files.PruneSessionDir(sessionID)
	}
	purgeLog.WithFields(logrus.Fields{
		"removed":    len(res.Removed),
		"reassigned": len(res.Reassigned),
		"released":   res.Released,
	}).Debug("Session purged")
	return filesRemoved, len(res.Reassigned)
}

// RunReaper reaps every interval until ctx is done. Should be run in a goroutine.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.ReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

// Shutdown refuses new sessions, stops the running ones and waits for them.
// When ctx expires first, in-flight work is cancelled and ctx's error returned.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, rec := range r.sessions {
		rec.session.Signal(models.SignalStop)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancelAll()
		return nil
	case <-ctx.Done():
		r.log.Warn("Shutdown deadline reached; cancelling sessions")
		r.cancelAll()
		<-done
		return ctx.Err()
	}
}
