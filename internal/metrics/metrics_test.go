package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/deadend-crawler/internal/analytics"
	"github.com/alvmarrod/deadend-crawler/internal/crawler"
	"github.com/alvmarrod/deadend-crawler/internal/download"
	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/alvmarrod/deadend-crawler/internal/storage"
	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

var _ crawler.Observer = (*Tracker)(nil)

func TestTrackerCounts(t *testing.T) {
	tr := NewTracker()

	tr.PageFetched(types.PageResult{
		Success: true,
		Latency: 100 * time.Millisecond,
		Links:   types.Links{Internal: []types.Link{{Href: "a"}, {Href: "b"}}},
	})
	tr.PageFetched(types.PageResult{Success: false, Latency: 300 * time.Millisecond})

	tr.BatchAnalyzed(analytics.BatchAnalysis{NewURLsDiscovered: 2})
	tr.BatchAnalyzed(analytics.BatchAnalysis{NewURLsDiscovered: 0, ConsecutiveDeadPages: 1, RevisitRatio: 0.25})

	tr.FileDiscovered(files.FileDescriptor{URL: "a.pdf"}, true)
	tr.FileDiscovered(files.FileDescriptor{URL: "b.pdf"}, false)

	tr.DownloadFinished(download.Result{Success: true, SizeBytes: 1500})
	tr.DownloadFinished(download.Result{Success: false})

	s := tr.GetSnapshot()
	assert.Equal(t, 1, s.PagesFetched)
	assert.Equal(t, 1, s.PagesFailed)
	assert.Equal(t, 2, s.LinksFound)
	assert.Equal(t, 2, s.PagesAnalyzed)
	assert.Equal(t, 2, s.URLsDiscovered)
	assert.Equal(t, 1, s.ConsecutiveDeadPages)
	assert.Equal(t, 0.25, s.RevisitRatio)
	assert.Equal(t, 2, s.FilesDiscovered)
	assert.Equal(t, 1, s.FilesQueued)
	assert.Equal(t, 1, s.FilesNotQueued)
	assert.Equal(t, 1, s.DownloadsCompleted)
	assert.Equal(t, 1, s.DownloadsFailed)
	assert.Equal(t, int64(1500), s.BytesDownloaded)
	assert.Equal(t, int64(400), s.TotalFetchTimeMs)
	assert.Equal(t, int64(200), s.AvgFetchTimeMs)

	progress := tr.LogProgress()
	assert.Contains(t, progress, "Pages: 1 fetched, 1 failed")
	assert.Contains(t, progress, "1 downloaded (1.5 kB)")
}

func TestWriteToFile(t *testing.T) {
	tr := NewTracker()
	tr.PageFetched(types.PageResult{Success: true, Latency: 50 * time.Millisecond})

	path := filepath.Join(t.TempDir(), "metrics.json")
	require.NoError(t, tr.WriteToFile(path, "dead end detected"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var m storage.Metrics
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "dead end detected", m.TerminationReason)
	assert.Equal(t, 1, m.PagesFetched)
	assert.Equal(t, int64(50), m.AvgFetchTimeMs)
	assert.False(t, m.EndTime.Before(m.StartTime))

	assert.Error(t, tr.WriteToFile(filepath.Join(t.TempDir(), "missing", "m.json"), "x"))
}
