package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alvmarrod/deadend-crawler/internal/crawler"
	"github.com/alvmarrod/deadend-crawler/internal/download"
	"github.com/alvmarrod/deadend-crawler/internal/frontier"
)

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new Storage instance, opening/creating the DB and initializing schema
func NewStorage(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Download workers record results concurrently; sqlite has a single writer anyway
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &Storage{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// initSchema creates tables and indices if they don't exist
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS crawl_runs (
		run_id TEXT PRIMARY KEY,
		seed_url TEXT NOT NULL,
		state TEXT NOT NULL,
		stop_reason TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		total_crawled INTEGER DEFAULT 0,
		successful INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		batches INTEGER DEFAULT 0,
		total_discovered INTEGER DEFAULT 0,
		frontier_size INTEGER DEFAULT 0,
		files_discovered INTEGER DEFAULT 0,
		files_queued INTEGER DEFAULT 0,
		summary_json TEXT
	);

	CREATE TABLE IF NOT EXISTS discovered_urls (
		run_id TEXT NOT NULL,
		url TEXT NOT NULL,
		source_url TEXT,
		depth INTEGER DEFAULT 0,
		crawled INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		discovered_at TIMESTAMP,
		PRIMARY KEY (run_id, url)
	);

	CREATE TABLE IF NOT EXISTS file_downloads (
		run_id TEXT NOT NULL,
		url TEXT NOT NULL,
		file_type TEXT,
		priority INTEGER DEFAULT 0,
		success INTEGER DEFAULT 0,
		file_path TEXT,
		size_bytes INTEGER DEFAULT 0,
		checksum TEXT,
		error_message TEXT,
		retry_count INTEGER DEFAULT 0,
		source_page_url TEXT,
		duration_ms INTEGER DEFAULT 0,
		finished_at TIMESTAMP,
		PRIMARY KEY (run_id, url)
	);

	CREATE INDEX IF NOT EXISTS idx_urls_crawled ON discovered_urls(run_id, crawled);
	CREATE INDEX IF NOT EXISTS idx_downloads_success ON file_downloads(run_id, success);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts the run or replaces an earlier save of the same run
func (s *Storage) SaveRun(summary *crawler.RunSummary) error {
	if summary == nil || summary.RunID == "" {
		return fmt.Errorf("run summary without id")
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO crawl_runs (
			run_id, seed_url, state, stop_reason, started_at, finished_at,
			total_crawled, successful, failed, batches, total_discovered,
			frontier_size, files_discovered, files_queued, summary_json
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = EXCLUDED.state,
			stop_reason = EXCLUDED.stop_reason,
			finished_at = EXCLUDED.finished_at,
			total_crawled = EXCLUDED.total_crawled,
			successful = EXCLUDED.successful,
			failed = EXCLUDED.failed,
			batches = EXCLUDED.batches,
			total_discovered = EXCLUDED.total_discovered,
			frontier_size = EXCLUDED.frontier_size,
			files_discovered = EXCLUDED.files_discovered,
			files_queued = EXCLUDED.files_queued,
			summary_json = EXCLUDED.summary_json
	`,
		summary.RunID, summary.SeedURL, string(summary.State), summary.StopReason,
		summary.StartedAt.UTC(), summary.FinishedAt.UTC(),
		summary.TotalCrawled, summary.Successful, summary.Failed, summary.Batches,
		summary.TotalDiscovered, summary.FrontierSize, summary.FilesDiscovered,
		summary.FilesQueued, string(summaryJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id, returns nil if not found
func (s *Storage) GetRun(runID string) (*Run, error) {
	var run Run
	var stopReason, summaryJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT run_id, seed_url, state, stop_reason, started_at, finished_at,
			total_crawled, successful, failed, batches, total_discovered,
			frontier_size, files_discovered, files_queued, summary_json
		FROM crawl_runs
		WHERE run_id = ?
	`, runID).Scan(
		&run.RunID, &run.SeedURL, &run.State, &stopReason, &run.StartedAt, &run.FinishedAt,
		&run.TotalCrawled, &run.Successful, &run.Failed, &run.Batches, &run.TotalDiscovered,
		&run.FrontierSize, &run.FilesDiscovered, &run.FilesQueued, &summaryJSON,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.StopReason = stopReason.String
	run.SummaryJSON = summaryJSON.String
	return &run, nil
}

// SaveFrontier writes every discovered URL with its final crawl state in a
// single transaction. Returns the number of rows written.
func (s *Storage) SaveFrontier(runID string, f *frontier.Frontier) (int, error) {
	records := f.Records()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO discovered_urls (run_id, url, source_url, depth, crawled, failed, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, url) DO UPDATE SET
			crawled = EXCLUDED.crawled,
			failed = EXCLUDED.failed
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare url insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		_, err := stmt.Exec(runID, rec.URL, rec.SourceURL, rec.Depth,
			f.IsCrawled(rec.URL), f.IsFailed(rec.URL), rec.DiscoveredAt.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to save url %s: %w", rec.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit frontier: %w", err)
	}
	return len(records), nil
}

// ListURLs returns the saved frontier of a run in discovery order
func (s *Storage) ListURLs(runID string) ([]DiscoveredURL, error) {
	rows, err := s.db.Query(`
		SELECT run_id, url, source_url, depth, crawled, failed, discovered_at
		FROM discovered_urls
		WHERE run_id = ?
		ORDER BY discovered_at ASC, rowid ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list urls: %w", err)
	}
	defer rows.Close()

	var urls []DiscoveredURL
	for rows.Next() {
		var u DiscoveredURL
		var source sql.NullString
		if err := rows.Scan(&u.RunID, &u.URL, &source, &u.Depth, &u.Crawled, &u.Failed, &u.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan url: %w", err)
		}
		u.SourceURL = source.String
		urls = append(urls, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating urls: %w", err)
	}

	return urls, nil
}

// RecordDownload stores a terminal download result. A later result for the
// same URL replaces the earlier one.
func (s *Storage) RecordDownload(runID string, res download.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO file_downloads (
			run_id, url, file_type, priority, success, file_path, size_bytes,
			checksum, error_message, retry_count, source_page_url, duration_ms, finished_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, url) DO UPDATE SET
			success = EXCLUDED.success,
			file_path = EXCLUDED.file_path,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			duration_ms = EXCLUDED.duration_ms,
			finished_at = EXCLUDED.finished_at
	`,
		runID, res.Task.URL(), string(res.Task.File.FileType), res.Task.Priority,
		res.Success, res.FilePath, res.SizeBytes, res.Checksum, res.Error,
		res.Task.RetryCount, res.Task.SourcePageURL, res.Duration.Milliseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// ListDownloads returns the recorded downloads of a run, highest priority first
func (s *Storage) ListDownloads(runID string) ([]FileDownload, error) {
	rows, err := s.db.Query(`
		SELECT run_id, url, file_type, priority, success, file_path, size_bytes,
			checksum, error_message, retry_count, source_page_url, duration_ms, finished_at
		FROM file_downloads
		WHERE run_id = ?
		ORDER BY priority DESC, url ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []FileDownload
	for rows.Next() {
		var d FileDownload
		var fileType, path, checksum, errMsg, source sql.NullString
		if err := rows.Scan(&d.RunID, &d.URL, &fileType, &d.Priority, &d.Success, &path, &d.SizeBytes,
			&checksum, &errMsg, &d.RetryCount, &source, &d.DurationMs, &d.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		d.FileType = fileType.String
		d.FilePath = path.String
		d.Checksum = checksum.String
		d.ErrorMessage = errMsg.String
		d.SourcePageURL = source.String
		downloads = append(downloads, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating downloads: %w", err)
	}

	return downloads, nil
}

// CountDownloads returns how many downloads of a run succeeded and failed
func (s *Storage) CountDownloads(runID string) (succeeded, failed int, err error) {
	err = s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		FROM file_downloads
		WHERE run_id = ?
	`, runID).Scan(&succeeded, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count downloads: %w", err)
	}
	return succeeded, failed, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}
