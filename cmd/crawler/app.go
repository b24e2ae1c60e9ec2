package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/alvmarrod/deadend-crawler/internal/config"
	"github.com/alvmarrod/deadend-crawler/internal/crawler"
	"github.com/alvmarrod/deadend-crawler/internal/download"
	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/alvmarrod/deadend-crawler/internal/metrics"
	"github.com/alvmarrod/deadend-crawler/internal/storage"
	"github.com/alvmarrod/deadend-crawler/internal/version"
)

const (
	defaultConfigPath = "config.json"
	progressInterval  = 10 * time.Second
)

// app holds the wired components of one crawl
type app struct {
	cfg        *config.Config
	store      *storage.Storage
	tracker    *metrics.Tracker
	classifier *files.Classifier
	downloads  *download.Queue
	orch       *crawler.Orchestrator
	log        logrus.FieldLogger
}

func run(c *cli.Context) error {
	if err := configureLogging(c.String("log-level"), c.Bool("json-logs")); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logrus.Infof("Dead-end crawler v%s starting...", version.Version)

	// The default config file is optional when a seed comes from the flags
	path := c.String("config")
	if !c.IsSet("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.LoadConfig(path, config.WithSeed(c.String("seed")))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logrus.Infof("Configuration loaded: seed=%s, max_pages=%d, batch=%d, concurrency=%d, downloads=%v",
		cfg.SeedURL, cfg.MaxPages, cfg.BatchSize, cfg.MaxConcurrentRequests, cfg.DownloadEnabled())

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	// First signal asks for a graceful stop, the second forces exit
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		logrus.Infof("Received signal: %v, stopping after the current batch", sig)
		a.orch.RequestStop()

		sig, ok = <-sigChan
		if !ok {
			return
		}
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		if err := a.tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
		os.Exit(1)
	}()

	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(a.tracker.LogProgress())
			case <-stopProgress:
				return
			}
		}
	}()

	summary, err := a.crawl(ctx)
	close(stopProgress)
	if err != nil {
		return err
	}

	logrus.Infof("Run %s %s: %s | %s crawled (%d ok, %d failed) in %d batches | %s discovered, %s pending | %d files found | took %s",
		summary.RunID, summary.State, summary.StopReason,
		humanize.Comma(int64(summary.TotalCrawled)), summary.Successful, summary.Failed, summary.Batches,
		humanize.Comma(int64(summary.TotalDiscovered)), humanize.Comma(int64(summary.FrontierSize)),
		summary.FilesDiscovered, summary.Duration.Round(time.Millisecond))
	logrus.Info("Final stats: " + a.tracker.LogProgress())
	return nil
}

// newApp wires classifier, download queue, fetcher and orchestrator from cfg
func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		tracker: metrics.NewTracker(),
		log:     logrus.WithField("component", "app"),
	}

	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.store = store
	a.log.Infof("Database initialized: %s", cfg.DBPath)

	if err := a.wire(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	if cfg.FileDiscoveryEnabled() {
		classifier, err := files.NewClassifier(files.Options{
			Whitelist:     cfg.FileExtensionsWhitelist,
			Blacklist:     cfg.FileExtensionsBlacklist,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
		})
		if err != nil {
			return fmt.Errorf("failed to create file classifier: %w", err)
		}
		a.classifier = classifier
	}

	if cfg.DownloadEnabled() {
		downloader := download.NewHTTPDownloader(download.HTTPOptions{
			UserAgent:     cfg.UserAgent,
			Timeout:       cfg.DownloadTimeout(),
			RatePerSecond: cfg.DownloadRatePerSecond,
			MaxBytes:      cfg.MaxFileBytes(),
		})
		queue, err := download.New(download.Options{
			Capacity:     cfg.DownloadQueueCapacity,
			MaxRetries:   cfg.DownloadMaxRetries,
			RetryBackoff: download.DefaultRetryBackoff,
			DestDir:      cfg.DownloadDir,
			Downloader:   downloader,
			OnResult:     a.tracker.DownloadFinished,
		})
		if err != nil {
			return fmt.Errorf("failed to create download queue: %w", err)
		}
		a.downloads = queue
	}

	scope, err := crawler.NewLinkScope(crawler.ScopeOptions{
		IncludeExternal:      cfg.IncludeExternal,
		ExcludePatterns:      cfg.ExcludePatterns,
		MaxSubdomainsPerRoot: cfg.MaxSubdomainsPerRoot,
	})
	if err != nil {
		return fmt.Errorf("failed to build link scope: %w", err)
	}

	fetcher, err := crawler.NewCollyFetcher(crawler.CollyOptions{
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.RequestTimeout(),
		Delay:          cfg.Delay(),
		Parallelism:    cfg.MaxConcurrentRequests,
		Scope:          scope,
	})
	if err != nil {
		return fmt.Errorf("failed to create fetcher: %w", err)
	}

	options := []crawler.Option{crawler.WithObserver(a.tracker)}
	if a.classifier != nil {
		options = append(options, crawler.WithClassifier(a.classifier))
	}
	if a.downloads != nil {
		options = append(options, crawler.WithDownloadQueue(a.downloads))
	}

	orch, err := crawler.New(crawler.Options{
		MaxPages:              cfg.MaxPages,
		MaxDepth:              cfg.MaxDepth,
		BatchSize:             cfg.BatchSize,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		DeadEndThreshold:      cfg.DeadEndThreshold,
		RevisitRatioThreshold: cfg.RevisitRatioThreshold,
		FetchFilePages:        cfg.FetchFilePages,
	}, fetcher, options...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// crawl runs the orchestrator, drains downloads and persists the outcome.
// Persistence failures are logged and reported after every step has run.
func (a *app) crawl(ctx context.Context) (*crawler.RunSummary, error) {
	if a.downloads != nil {
		if err := a.downloads.StartWorkers(ctx, a.cfg.MaxConcurrentDownloads); err != nil {
			return nil, fmt.Errorf("failed to start download workers: %w", err)
		}
		defer a.downloads.Stop()
	}

	summary, err := a.orch.Run(ctx, a.cfg.SeedURL)
	if err != nil {
		return nil, err
	}

	var errs []error

	if a.downloads != nil {
		a.log.Info("Waiting for queued downloads...")
		if err := a.downloads.Drain(a.cfg.DrainTimeout()); err != nil {
			a.log.Warnf("Downloads did not finish: %v", err)
		}
		a.downloads.Stop()

		stats := a.downloads.Stats()
		summary.Downloads = &stats
		if err := a.recordDownloads(summary.RunID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.store.SaveRun(summary); err != nil {
		errs = append(errs, err)
	}
	if n, err := a.store.SaveFrontier(summary.RunID, a.orch.Frontier()); err != nil {
		errs = append(errs, err)
	} else {
		a.log.Infof("Saved %d URLs for run %s", n, summary.RunID)
	}

	if a.classifier != nil && a.cfg.InventoryPath != "" {
		if err := a.exportInventory(); err != nil {
			errs = append(errs, err)
		} else {
			a.log.Infof("File inventory written to %s", a.cfg.InventoryPath)
		}
	}

	if err := a.tracker.WriteToFile(a.cfg.MetricsPath, summary.StopReason); err != nil {
		errs = append(errs, err)
	} else {
		a.log.Infof("Metrics written to %s", a.cfg.MetricsPath)
	}

	for _, err := range errs {
		a.log.Error(err)
	}
	return summary, errors.Join(errs...)
}

func (a *app) recordDownloads(runID string) error {
	var errs []error
	for _, results := range []map[string]download.Result{a.downloads.Completed(), a.downloads.Failed()} {
		for _, res := range results {
			if err := a.store.RecordDownload(runID, res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// exportInventory writes CSV for a .csv path and JSON otherwise
func (a *app) exportInventory() error {
	f, err := os.Create(a.cfg.InventoryPath)
	if err != nil {
		return fmt.Errorf("failed to create inventory file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(a.cfg.InventoryPath), ".csv") {
		err = a.classifier.ExportCSV(f)
	} else {
		err = a.classifier.ExportJSON(f)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to export inventory: %w", err)
	}
	return nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Errorf("Failed to close database: %v", err)
	}
}
