package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-scraper/pkg/crawler"
	"github.com/Sriram-PR/site-scraper/pkg/models"
)

const crawlShutdownTimeout = 30 * time.Second

// crawlOptions are the parsed flags of the crawl subcommand
type crawlOptions struct {
	configPath string
	logLevel   string
	pprofAddr  string
	record     bool

	url             string
	maxPages        int
	delay           float64
	userAgent       string
	includeExternal bool
	wholeSite       bool
	download        bool
	respectRobots   bool
	contentTypes    string
}

// request builds the CrawlRequest the flags describe. URL checks are left to the session.
func (o crawlOptions) request() (models.CrawlRequest, error) {
	req := models.CrawlRequest{
		URL:             strings.TrimSpace(o.url),
		MaxPages:        o.maxPages,
		DelaySeconds:    o.delay,
		UserAgent:       o.userAgent,
		IncludeExternal: o.includeExternal,
		ScrapeWholeSite: o.wholeSite,
		DownloadContent: o.download,
		RespectRobots:   o.respectRobots,
	}
	if req.URL == "" {
		return req, fmt.Errorf("a URL is required (-url or first argument)")
	}

	var ids []string
	for _, id := range strings.Split(o.contentTypes, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		filters, err := models.SelectContentTypes(ids)
		if err != nil {
			return req, err
		}
		req.ContentTypes = filters
	}
	return req, nil
}

// runCrawl handles the crawl subcommand
func runCrawl(args []string) {
	var opts crawlOptions
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (defaults apply when empty)")
	fs.StringVar(&opts.logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	fs.StringVar(&opts.pprofAddr, "pprof", "", "pprof address, e.g. localhost:6060 (disabled by default)")
	fs.BoolVar(&opts.record, "record", false, "Write events, content index and result into the session's download directory")
	fs.StringVar(&opts.url, "url", "", "Seed URL")
	fs.IntVar(&opts.maxPages, "max-pages", 0, "Maximum pages to fetch (0 uses the configured default)")
	fs.Float64Var(&opts.delay, "delay", 0, "Seconds to wait between pages")
	fs.StringVar(&opts.userAgent, "user-agent", "", "User-Agent header")
	fs.BoolVar(&opts.includeExternal, "include-external", false, "Report links to other hosts")
	fs.BoolVar(&opts.wholeSite, "whole-site", false, "Follow every in-domain link")
	fs.BoolVar(&opts.download, "download", false, "Download embedded and linked content")
	fs.BoolVar(&opts.respectRobots, "respect-robots", false, "Skip pages disallowed by robots.txt")
	fs.StringVar(&opts.contentTypes, "content-types", "", "Comma-separated content filters to enable (images,pdfs,videos,audio,documents)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-scraper crawl [options] [url]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  site-scraper crawl https://example.com/\n")
		fmt.Fprintf(os.Stderr, "  site-scraper crawl -whole-site -max-pages 200 -download -content-types images,pdfs https://example.com/docs/\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if opts.url == "" && fs.NArg() > 0 {
		opts.url = fs.Arg(0)
	}

	os.Exit(doCrawl(context.Background(), opts, os.Stdout, os.Stderr))
}

// doCrawl runs one session to completion, writing every event to stdout as a
// JSON line. Returns the exit code: 1 when the session ends in error.
func doCrawl(ctx context.Context, opts crawlOptions, stdout, stderr io.Writer) int {
	log := setupLogger(opts.logLevel, stderr)

	req, err := opts.request()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	appCfg, err := loadAndValidateConfig(opts.configPath, log)
	if err != nil {
		fmt.Fprintf(stderr, "Config error: %v\n", err)
		return 1
	}
	startPprof(opts.pprofAddr, log)

	comps, err := newComponents(appCfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer comps.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	comps.runMaintenance(ctx)

	reg := comps.newRegistry()

	var (
		followers sync.WaitGroup
		recordErr error
	)
	reg.Observe(func(s *crawler.Session) {
		sub := s.Subscribe()
		followers.Add(1)
		go func() {
			defer followers.Done()
			printEvents(stdout, sub, log)
		}()

		if !opts.record {
			return
		}
		dir, err := comps.files.SessionDir(s.ID())
		if err != nil {
			recordErr = err
			return
		}
		rec := crawler.NewRecorder(dir, log.WithField("session_id", s.ID()))
		if err := rec.Open(); err != nil {
			recordErr = err
			return
		}
		recSub := s.Subscribe()
		followers.Add(1)
		go func() {
			defer followers.Done()
			defer rec.Close()
			if err := rec.Follow(recSub); err != nil {
				recordErr = err
			}
		}()
	})

	sess, err := reg.Create(req)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sessLog := log.WithFields(logrus.Fields{"session_id": sess.ID(), "url": sess.Request().URL})
	sessLog.Info("Crawl started")

	// --- Handle signals: first one stops gracefully, second aborts in-flight work ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			sessLog.Warnf("Received signal: %v. Stopping after the page in flight...", sig)
			sess.Signal(models.SignalStop)
		case <-sess.Done():
			return
		}
		select {
		case sig := <-sigChan:
			sessLog.Warnf("Received second signal: %v. Aborting in-flight work.", sig)
			cancel()
		case <-sess.Done():
		}
	}()

	<-sess.Done()
	followers.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), crawlShutdownTimeout)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		sessLog.Warnf("Registry shutdown: %v", err)
	}

	if recordErr != nil {
		sessLog.Errorf("Recording outputs failed: %v", recordErr)
	}

	st := sess.Status()
	if st.Status == models.StateError {
		sessLog.Errorf("Crawl failed: %s", st.ErrorMessage)
		return 1
	}
	if res, ok := sess.Result(); ok {
		sessLog.WithFields(logrus.Fields{
			"pages":      res.Statistics.TotalPagesScraped,
			"urls":       res.Statistics.TotalURLsFound,
			"content":    res.Statistics.ContentDownloaded,
			"duplicates": res.Statistics.DuplicateContentSkipped,
			"stopped":    st.Stopped,
		}).Info("Crawl completed")
	}
	return 0
}

// printEvents writes each event from sub to w as one JSON line
func printEvents(w io.Writer, sub *crawler.Subscription, log *logrus.Logger) {
	enc := json.NewEncoder(w)
	for ev := range sub.Events {
		if err := enc.Encode(ev); err != nil {
			log.WithField("event_type", ev.Type).Errorf("Failed to write event: %v", err)
		}
	}
}
