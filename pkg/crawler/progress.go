package crawler

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

// rampHalfway is the page count at which the estimate-free ramp reaches about half of its ceiling
const rampHalfway = 25

// estimateTotalPages guesses how many pages a session will attempt. Whole-site
// crawls run to the page cap; otherwise the frontier width bounds the crawl.
func estimateTotalPages(maxPages, frontierWidth int, wholeSite bool) int {
	if wholeSite || frontierWidth <= 0 {
		return maxPages
	}
	return min(maxPages, 1+frontierWidth)
}

// progressMeter turns page counts into a percentage that only moves forward and
// stays below 100 until the session finishes
type progressMeter struct {
	estimate int
	last     float64
}

func (p *progressMeter) update(attempted int) float64 {
	var v float64
	if p.estimate > 0 {
		v = math.Min(float64(attempted)/float64(p.estimate)*100, 99)
	} else {
		n := float64(attempted)
		v = 99 * n / (n + rampHalfway)
	}
	v = math.Round(v*100) / 100
	if v < p.last {
		v = p.last
	}
	p.last = v
	return v
}

// counters are written by the session loop and read by status pollers
type counters struct {
	attempted  atomic.Int64
	scraped    atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	downloaded atomic.Int64
}

// buildStatistics aggregates a session's collected data
func buildStatistics(c *counters, found, external int, content, failed []models.ScrapedContent, started, ended time.Time, dropped int64) models.Statistics {
	stats := models.Statistics{
		TotalPagesScraped: int(c.scraped.Load()),
		PagesAttempted:    int(c.attempted.Load()),
		PagesFailed:       int(c.failed.Load()),
		PagesSkipped:      int(c.skipped.Load()),
		TotalURLsFound:    found,
		ExternalURLsFound: external,
		ContentDownloaded: len(content),
		ContentFailed:     len(failed),
		DurationSeconds:   ended.Sub(started).Seconds(),
		ContentByType:     make(map[models.Category]int),
		EventsDropped:     dropped,
	}
	for _, rec := range content {
		stats.TotalFileSize += rec.FileSize
		stats.ContentByType[rec.ContentType]++
		if rec.IsDuplicate() {
			stats.DuplicateContentSkipped++
			stats.DeduplicatedBytes += rec.FileSize
		} else {
			stats.UniqueContentDownloaded++
			stats.StoredBytes += rec.FileSize
		}
	}
	return stats
}
