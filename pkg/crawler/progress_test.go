package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/site-scraper/pkg/models"
)

func TestEstimateTotalPages(t *testing.T) {
	assert.Equal(t, 1000, estimateTotalPages(1000, 50, true))
	assert.Equal(t, 51, estimateTotalPages(1000, 50, false))
	assert.Equal(t, 2, estimateTotalPages(2, 50, false))
	assert.Equal(t, 7, estimateTotalPages(7, 0, false))
}

func TestProgressMeter_WithEstimate(t *testing.T) {
	p := progressMeter{estimate: 4}
	assert.Equal(t, 0.0, p.update(0))
	assert.Equal(t, 25.0, p.update(1))
	assert.Equal(t, 75.0, p.update(3))
	assert.Equal(t, 99.0, p.update(4), "never reports completion while running")
	assert.Equal(t, 99.0, p.update(10))
}

func TestProgressMeter_NeverDecreases(t *testing.T) {
	p := progressMeter{estimate: 10}
	assert.Equal(t, 50.0, p.update(5))
	assert.Equal(t, 50.0, p.update(2))
}

func TestProgressMeter_RampWithoutEstimate(t *testing.T) {
	p := progressMeter{}
	last := -1.0
	for n := 0; n <= 10000; n += 7 {
		v := p.update(n)
		require.GreaterOrEqual(t, v, last)
		require.Less(t, v, 100.0)
		last = v
	}
	assert.Greater(t, last, 98.0)
}

func TestBuildStatistics(t *testing.T) {
	var c counters
	c.scraped.Store(3)
	c.attempted.Store(4)
	c.failed.Store(1)
	c.skipped.Store(2)

	content := []models.ScrapedContent{
		{ContentType: models.CategoryImage, FileSize: 100, Origin: models.OriginOriginal},
		{ContentType: models.CategoryImage, FileSize: 100, Origin: models.OriginDuplicate, DuplicateOf: &models.DuplicateRef{}},
		{ContentType: models.CategoryPDF, FileSize: 50, Origin: models.OriginOriginal},
	}
	failed := []models.ScrapedContent{{ContentType: models.CategoryVideo}}
	start := time.Now()

	stats := buildStatistics(&c, 5, 2, content, failed, start, start.Add(1500*time.Millisecond), 7)

	assert.Equal(t, 3, stats.TotalPagesScraped)
	assert.Equal(t, 4, stats.PagesAttempted)
	assert.Equal(t, 1, stats.PagesFailed)
	assert.Equal(t, 2, stats.PagesSkipped)
	assert.Equal(t, 5, stats.TotalURLsFound)
	assert.Equal(t, 2, stats.ExternalURLsFound)
	assert.Equal(t, 3, stats.ContentDownloaded)
	assert.Equal(t, 2, stats.UniqueContentDownloaded)
	assert.Equal(t, 1, stats.DuplicateContentSkipped)
	assert.Equal(t, 1, stats.ContentFailed)
	assert.Equal(t, int64(250), stats.TotalFileSize)
	assert.Equal(t, int64(150), stats.StoredBytes)
	assert.Equal(t, int64(100), stats.DeduplicatedBytes)
	assert.Equal(t, 1.5, stats.DurationSeconds)
	assert.Equal(t, map[models.Category]int{models.CategoryImage: 2, models.CategoryPDF: 1}, stats.ContentByType)
	assert.Equal(t, int64(7), stats.EventsDropped)
}
