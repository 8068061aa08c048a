package queue

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Item is one URL waiting in the frontier
type Item struct {
	URL   string // Normalized
	Depth int    // Link distance from the seed
}

// Frontier is a FIFO of URLs to visit, deduplicated against everything ever
// queued or visited. A URL enters the frontier at most once per session.
//
// The session loop is the only mutator; the mutex lets status readers observe
// lengths while the loop runs.
type Frontier struct {
	mu      sync.Mutex
	items   []Item
	head    int
	width   int             // Max pending items, 0 = unbounded
	seen    map[string]bool // Ever queued or visited
	visited map[string]bool
	log     *logrus.Entry
}

// NewFrontier creates an empty frontier. width caps how many URLs may be
// pending at once; links discovered while the frontier is full are dropped.
func NewFrontier(width int, log *logrus.Entry) *Frontier {
	return &Frontier{
		width:   width,
		seen:    make(map[string]bool),
		visited: make(map[string]bool),
		log:     log,
	}
}

// Push enqueues url unless it was queued or visited before, or the frontier is full.
// Returns true when the URL was added.
func (f *Frontier) Push(url string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if url == "" || f.seen[url] {
		return false
	}
	if f.width > 0 && f.pendingLocked() >= f.width {
		f.log.Debugf("Frontier full (%d), dropping %s", f.width, url)
		return false
	}
	f.seen[url] = true
	f.items = append(f.items, Item{URL: url, Depth: depth})
	return true
}

// Pop removes the oldest pending item
func (f *Frontier) Pop() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pendingLocked() == 0 {
		return Item{}, false
	}
	item := f.items[f.head]
	f.items[f.head] = Item{}
	f.head++
	// Reclaim the consumed prefix once it dominates the slice
	if f.head > 64 && f.head*2 >= len(f.items) {
		f.items = append([]Item(nil), f.items[f.head:]...)
		f.head = 0
	}
	return item, true
}

// MarkVisited records url as fetched (successfully or not). Returns false if it already was.
func (f *Frontier) MarkVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.visited[url] {
		return false
	}
	f.visited[url] = true
	f.seen[url] = true
	return true
}

// IsVisited reports whether url has been visited
func (f *Frontier) IsVisited(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited[url]
}

// Len returns the number of pending URLs
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

// VisitedCount returns how many URLs have been visited
func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

func (f *Frontier) pendingLocked() int {
	return len(f.items) - f.head
}
