package crawler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

// Output file names inside a recorder's directory
const (
	EventsFilename   = "events.jsonl"
	ContentIndexName = "content_index.tsv"
	ResultFilename   = "crawl_result.yaml"
)

// Recorder persists one session's event stream and, once it ends, a content
// index and the final result. Files live in a single directory, usually the
// session's download directory.
type Recorder struct {
	log *logrus.Entry
	dir string

	mu         sync.Mutex
	eventsFile *os.File
	eventsPath string
	written    int
}

// NewRecorder creates a Recorder without opening files
func NewRecorder(dir string, log *logrus.Entry) *Recorder {
	return &Recorder{
		log: log.WithField("component", "recorder"),
		dir: dir,
	}
}

// Open creates the directory and truncates the event log
func (r *Recorder) Open() error {
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("creating output directory '%s': %w", r.dir, err)
	}
	r.eventsPath = filepath.Join(r.dir, EventsFilename)
	f, err := os.OpenFile(r.eventsPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening event log '%s': %w", r.eventsPath, err)
	}
	r.mu.Lock()
	r.eventsFile = f
	r.mu.Unlock()
	r.log.Infof("Recording session events to %s", r.eventsPath)
	return nil
}

// Follow records every event from sub until the stream ends, then writes the
// terminal outputs. Returns the first error hit while writing them.
func (r *Recorder) Follow(sub *Subscription) error {
	var final *models.CrawlResult
	for ev := range sub.Events {
		r.Record(ev)
		if res, ok := ev.Data.(models.CrawlResult); ok {
			final = &res
		}
	}
	if final == nil {
		return nil
	}
	if err := r.writeContentIndex(final); err != nil {
		return err
	}
	return r.writeResultYAML(final)
}

// Record appends ev to the event log; write failures are logged, never returned
func (r *Recorder) Record(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventsFile == nil {
		return
	}
	line, err := json.Marshal(ev)
	if err != nil {
		r.log.WithField("event_type", ev.Type).Errorf("Failed to marshal event: %v", err)
		return
	}
	if _, err := r.eventsFile.Write(append(line, '\n')); err != nil {
		r.log.WithField("events_file", r.eventsPath).Errorf("Failed to write event: %v", err)
		return
	}
	r.written++
}

// Written returns how many events reached the log
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Close syncs and closes the event log
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eventsFile == nil {
		return nil
	}
	f := r.eventsFile
	r.eventsFile = nil
	if err := f.Sync(); err != nil {
		r.log.Warnf("Syncing event log: %v", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing event log '%s': %w", r.eventsPath, err)
	}
	return nil
}

// writeContentIndex writes one "url<TAB>file_path<TAB>origin" line per stored record
func (r *Recorder) writeContentIndex(res *models.CrawlResult) error {
	var b strings.Builder
	for _, rec := range res.ScrapedContent {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", rec.URL, rec.FilePath, rec.Origin)
	}
	path := filepath.Join(r.dir, ContentIndexName)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing content index '%s': %w", path, err)
	}
	return nil
}

// writeResultYAML writes the result using its JSON field names
func (r *Recorder) writeResultYAML(res *models.CrawlResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshalling result for session '%s': %w", res.SessionID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("converting result for session '%s': %w", res.SessionID, err)
	}
	yamlData, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshalling result YAML for session '%s': %w", res.SessionID, err)
	}
	path := filepath.Join(r.dir, ResultFilename)
	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("writing result YAML '%s': %w", path, err)
	}
	r.log.Infof("Wrote result (%d pages, %d content) to %s", res.Statistics.TotalPagesScraped, len(res.ScrapedContent), path)
	return nil
}
