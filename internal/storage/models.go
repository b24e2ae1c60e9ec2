package storage

import "time"

// Run is one persisted crawl run
type Run struct {
	RunID           string
	SeedURL         string
	State           string
	StopReason      string
	StartedAt       time.Time
	FinishedAt      time.Time
	TotalCrawled    int
	Successful      int
	Failed          int
	Batches         int
	TotalDiscovered int
	FrontierSize    int
	FilesDiscovered int
	FilesQueued     int
	// SummaryJSON is the full run summary as written by SaveRun
	SummaryJSON string
}

// DiscoveredURL is a frontier entry as it stood when the run finished
type DiscoveredURL struct {
	RunID        string
	URL          string
	SourceURL    string
	Depth        int
	Crawled      bool
	Failed       bool
	DiscoveredAt time.Time
}

// FileDownload is the terminal outcome of one queued file
type FileDownload struct {
	RunID         string
	URL           string
	FileType      string
	Priority      int
	Success       bool
	FilePath      string
	SizeBytes     int64
	Checksum      string
	ErrorMessage  string
	RetryCount    int
	SourcePageURL string
	DurationMs    int64
	FinishedAt    time.Time
}

// Metrics tracks crawl statistics for export on exit
type Metrics struct {
	StartTime            time.Time `json:"start_time"`
	EndTime              time.Time `json:"end_time"`
	PagesFetched         int       `json:"pages_fetched"`
	PagesFailed          int       `json:"pages_failed"`
	LinksFound           int       `json:"links_found"`
	URLsDiscovered       int       `json:"urls_discovered"`
	PagesAnalyzed        int       `json:"pages_analyzed"`
	ConsecutiveDeadPages int       `json:"consecutive_dead_pages"`
	RevisitRatio         float64   `json:"revisit_ratio"`
	FilesDiscovered      int       `json:"files_discovered"`
	FilesQueued          int       `json:"files_queued"`
	FilesNotQueued       int       `json:"files_not_queued"`
	DownloadsCompleted   int       `json:"downloads_completed"`
	DownloadsFailed      int       `json:"downloads_failed"`
	BytesDownloaded      int64     `json:"bytes_downloaded"`
	TotalFetchTimeMs     int64     `json:"total_fetch_time_ms"`
	AvgFetchTimeMs       int64     `json:"avg_fetch_time_ms"`
	TerminationReason    string    `json:"termination_reason"`
}
