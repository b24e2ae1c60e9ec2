package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/alvmarrod/deadend-crawler/internal/analytics"
	"github.com/alvmarrod/deadend-crawler/internal/download"
	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/alvmarrod/deadend-crawler/internal/storage"
	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

// Tracker holds and manages crawl metrics. It observes the orchestrator and
// receives download results from the queue workers.
type Tracker struct {
	mu               sync.Mutex
	data             storage.Metrics
	totalFetchTimeMs int64
	fetchCount       int
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: storage.Metrics{
			StartTime: time.Now(),
		},
	}
}

// PageFetched counts a fetch outcome and its latency
func (t *Tracker) PageFetched(res types.PageResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if res.Success {
		t.data.PagesFetched++
	} else {
		t.data.PagesFailed++
	}
	t.data.LinksFound += res.Links.Len()
	t.totalFetchTimeMs += res.Latency.Milliseconds()
	t.fetchCount++
}

// BatchAnalyzed records the dead-end state after each analysis
func (t *Tracker) BatchAnalyzed(a analytics.BatchAnalysis) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.PagesAnalyzed++
	t.data.URLsDiscovered += a.NewURLsDiscovered
	t.data.ConsecutiveDeadPages = a.ConsecutiveDeadPages
	t.data.RevisitRatio = a.RevisitRatio
}

// FileDiscovered counts classified files and whether the queue took them
func (t *Tracker) FileDiscovered(_ files.FileDescriptor, queued bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.FilesDiscovered++
	if queued {
		t.data.FilesQueued++
	} else {
		t.data.FilesNotQueued++
	}
}

// DownloadFinished counts a terminal download result. It matches the
// download queue's OnResult hook.
func (t *Tracker) DownloadFinished(res download.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if res.Success {
		t.data.DownloadsCompleted++
		t.data.BytesDownloaded += res.SizeBytes
	} else {
		t.data.DownloadsFailed++
	}
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() storage.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalFetchTimeMs = t.totalFetchTimeMs

	// Calculate average fetch time
	if t.fetchCount > 0 {
		snapshot.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	return snapshot
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Finalize metrics
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.data.TotalFetchTimeMs = t.totalFetchTimeMs

	if t.fetchCount > 0 {
		t.data.AvgFetchTimeMs = t.totalFetchTimeMs / int64(t.fetchCount)
	}

	jsonData, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Pages: %s fetched, %s failed | URLs: %s new | Dead streak: %d | Files: %d found, %d downloaded (%s), %d failed | Up %s",
		humanize.Comma(int64(t.data.PagesFetched)),
		humanize.Comma(int64(t.data.PagesFailed)),
		humanize.Comma(int64(t.data.URLsDiscovered)),
		t.data.ConsecutiveDeadPages,
		t.data.FilesDiscovered,
		t.data.DownloadsCompleted,
		humanize.Bytes(uint64(t.data.BytesDownloaded)),
		t.data.DownloadsFailed,
		time.Since(t.data.StartTime).Round(time.Second),
	)
}
