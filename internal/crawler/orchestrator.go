package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/alvmarrod/deadend-crawler/internal/analytics"
	"github.com/alvmarrod/deadend-crawler/internal/download"
	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/alvmarrod/deadend-crawler/internal/frontier"
	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

const (
	DefaultBatchSize             = 5
	DefaultMaxConcurrentRequests = 10
)

// Stop reasons set by the orchestrator itself. Analytics supplies the others.
const (
	ReasonMaxPages      = "maximum pages reached"
	ReasonNoMoreURLs    = "no more URLs"
	ReasonStopRequested = "stop requested"
	ReasonCancelled     = "cancelled"
)

var (
	// ErrInvalidConfig wraps every option validation failure
	ErrInvalidConfig = errors.New("invalid crawl configuration")
	// ErrAlreadyRunning is returned when Run is called during another run
	ErrAlreadyRunning = errors.New("crawl already running")
)

// State is the orchestrator lifecycle
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateExhausted State = "exhausted"
)

// Options configures a crawl. Zero values take defaults except MaxPages,
// which must be set.
type Options struct {
	MaxPages int
	// MaxDepth is recorded in the summary and not enforced
	MaxDepth              int
	BatchSize             int
	MaxConcurrentRequests int
	DeadEndThreshold      int
	RevisitRatioThreshold float64
	// FetchFilePages fetches URLs the classifier accepted as files like any
	// other page. By default they are marked crawled without a fetch.
	FetchFilePages bool
}

func (o *Options) validate() error {
	if o.MaxPages <= 0 {
		return fmt.Errorf("%w: max pages must be positive, got %d", ErrInvalidConfig, o.MaxPages)
	}
	if o.MaxDepth < 0 {
		return fmt.Errorf("%w: max depth must be >= 0, got %d", ErrInvalidConfig, o.MaxDepth)
	}
	if o.BatchSize < 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, o.BatchSize)
	}
	if o.MaxConcurrentRequests < 0 {
		return fmt.Errorf("%w: max concurrent requests must be positive, got %d", ErrInvalidConfig, o.MaxConcurrentRequests)
	}
	if o.DeadEndThreshold < 0 {
		return fmt.Errorf("%w: dead end threshold must be positive, got %d", ErrInvalidConfig, o.DeadEndThreshold)
	}
	if o.RevisitRatioThreshold < 0 || o.RevisitRatioThreshold > 1 {
		return fmt.Errorf("%w: revisit ratio threshold must be within [0, 1], got %v", ErrInvalidConfig, o.RevisitRatioThreshold)
	}

	if o.BatchSize == 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrentRequests == 0 {
		o.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if o.DeadEndThreshold == 0 {
		o.DeadEndThreshold = analytics.DefaultDeadEndThreshold
	}
	if o.RevisitRatioThreshold == 0 {
		o.RevisitRatioThreshold = analytics.DefaultRevisitThreshold
	}
	return nil
}

// Observer receives crawl events. Calls come from the orchestrator loop, one at a time.
type Observer interface {
	PageFetched(result types.PageResult)
	BatchAnalyzed(analysis analytics.BatchAnalysis)
	FileDiscovered(file files.FileDescriptor, queued bool)
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithClassifier routes newly discovered links through c
func WithClassifier(c *files.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithDownloadQueue submits classified files to q
func WithDownloadQueue(q *download.Queue) Option {
	return func(o *Orchestrator) { o.downloads = q }
}

// WithObserver adds an event observer
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithLogger replaces the orchestrator's logger
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// RunSummary is the plain-data outcome of a run. FrontierStats.Crawled counts
// file URLs closed without a fetch as well as fetched pages, so it equals
// TotalCrawled + FilePagesSkipped.
type RunSummary struct {
	RunID            string             `json:"run_id"`
	SeedURL          string             `json:"seed_url"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	Duration         time.Duration      `json:"duration"`
	State            State              `json:"state"`
	StopReason       string             `json:"stop_reason"`
	TotalCrawled     int                `json:"total_crawled"`
	Successful       int                `json:"successful"`
	Failed           int                `json:"failed"`
	Batches          int                `json:"batches"`
	TotalDiscovered  int                `json:"total_discovered"`
	FrontierSize     int                `json:"frontier_size"`
	MaxDepth         int                `json:"max_depth"`
	MaxDepthReached  int                `json:"max_depth_reached"`
	FilesDiscovered  int                `json:"files_discovered"`
	FilesQueued      int                `json:"files_queued"`
	// FilePagesSkipped counts file URLs marked crawled without a fetch
	FilePagesSkipped int                `json:"file_pages_skipped"`
	FrontierStats    frontier.Stats     `json:"frontier_stats"`
	Analytics        analytics.Snapshot `json:"analytics"`
	Downloads        *download.Stats    `json:"downloads,omitempty"`
	Files            *files.Stats       `json:"files,omitempty"`
}

// Orchestrator runs the batch crawl loop. One Orchestrator handles one run
// at a time; Frontier and Analytics are owned by the loop.
type Orchestrator struct {
	opts       Options
	fetcher    Fetcher
	classifier *files.Classifier
	downloads  *download.Queue
	observers  []Observer
	log        logrus.FieldLogger

	running       atomic.Bool
	stopRequested atomic.Bool

	mu        sync.Mutex
	state     State
	frontier  *frontier.Frontier
	analytics *analytics.Analytics
}

// New validates opts and builds an idle orchestrator
func New(opts Options, fetcher Fetcher, options ...Option) (*Orchestrator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher is required", ErrInvalidConfig)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:    opts,
		fetcher: fetcher,
		log:     logrus.WithField("component", "orchestrator"),
		state:   StateIdle,
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

// RequestStop asks the running loop to stop before its next batch
func (o *Orchestrator) RequestStop() {
	if o.stopRequested.CompareAndSwap(false, true) {
		o.log.Info("Stop requested, finishing current batch")
	}
}

// State returns the lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Frontier returns the frontier of the current or last run
func (o *Orchestrator) Frontier() *frontier.Frontier {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.frontier
}

// Analytics returns the analytics of the current or last run. Read it only
// after Run has returned.
func (o *Orchestrator) Analytics() *analytics.Analytics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.analytics
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run crawls from seedURL until a stop condition holds. Per-page failures
// never abort the run; only invalid input returns an error.
func (o *Orchestrator) Run(ctx context.Context, seedURL string) (*RunSummary, error) {
	seed, ok := Normalize(seedURL)
	if !ok {
		return nil, fmt.Errorf("%w: seed must be an absolute http(s) URL, got %q", ErrInvalidConfig, seedURL)
	}
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.running.Store(false)
	o.stopRequested.Store(false)

	f := frontier.New()
	a := analytics.New(f, analytics.Thresholds{
		DeadEnd: o.opts.DeadEndThreshold,
		Revisit: o.opts.RevisitRatioThreshold,
	})
	a.SetLogger(o.log.WithField("component", "analytics"))

	o.mu.Lock()
	o.frontier = f
	o.analytics = a
	o.state = StateRunning
	o.mu.Unlock()

	summary := &RunSummary{
		RunID:     uuid.NewString(),
		SeedURL:   seed,
		StartedAt: time.Now(),
		MaxDepth:  o.opts.MaxDepth,
	}
	log := o.log.WithField("run_id", summary.RunID)
	log.Infof("Starting crawl of %s (max pages %d, batch size %d)", seed, o.opts.MaxPages, o.opts.BatchSize)

	f.AddDiscovered(seed, "", 0)

	state := StateStopped
	reason := ""
	crawled := 0

	for crawled < o.opts.MaxPages {
		if ctx.Err() != nil {
			reason = ReasonCancelled
			break
		}
		if o.stopRequested.Load() {
			reason = ReasonStopRequested
			break
		}

		batch := o.drawBatch(f, min(o.opts.BatchSize, o.opts.MaxPages-crawled))
		if len(batch) == 0 {
			reason = ReasonNoMoreURLs
			break
		}

		results := o.fetchBatch(ctx, batch)
		for _, res := range results {
			if res.Success {
				summary.Successful++
			} else {
				summary.Failed++
			}
			o.notifyPage(res)

			analysis := a.AnalyzeBatch([]types.PageResult{res}, res.URL)
			o.handleDiscoveries(f, res.URL, analysis.NewURLs, summary)
			o.notifyBatch(analysis)
		}

		crawled += len(batch)
		summary.Batches++

		if stop, why := a.ShouldStop(o.opts.DeadEndThreshold, o.opts.RevisitRatioThreshold); stop {
			reason = why
			break
		}
	}

	if reason == "" {
		reason = ReasonMaxPages
		state = StateExhausted
	}

	o.finish(summary, f, a, crawled, state, reason)
	log.Infof("Crawl finished: %s (%d crawled, %d discovered, %d pending)",
		reason, summary.TotalCrawled, summary.TotalDiscovered, summary.FrontierSize)
	return summary, nil
}

// drawBatch pops up to n URLs in FIFO order
func (o *Orchestrator) drawBatch(f *frontier.Frontier, n int) []string {
	batch := make([]string, 0, n)
	for len(batch) < n {
		u, ok := f.Next()
		if !ok {
			break
		}
		batch = append(batch, u)
	}
	return batch
}

// fetchBatch fetches every URL concurrently and returns results in batch order
func (o *Orchestrator) fetchBatch(ctx context.Context, batch []string) []types.PageResult {
	results := make([]types.PageResult, len(batch))

	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrentRequests)
	for i, u := range batch {
		i, u := i, u
		g.Go(func() error {
			results[i] = o.fetchOne(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (o *Orchestrator) fetchOne(ctx context.Context, u string) types.PageResult {
	start := time.Now()
	res, err := o.fetcher.Fetch(ctx, u)
	if err != nil {
		o.log.Warnf("Fetch error for %s: %v", u, err)
		res = types.FailedPage(u, err)
	}
	if res.URL == "" {
		res.URL = u
	}
	if res.FetchedAt.IsZero() {
		res.FetchedAt = start
	}
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}
	if !res.Success {
		o.log.Warnf("Failed to crawl %s (status=%d): %s", u, res.StatusCode, res.Error)
	}
	return res
}

// handleDiscoveries classifies new links and queues matched files
func (o *Orchestrator) handleDiscoveries(f *frontier.Frontier, source string, newURLs []string, summary *RunSummary) {
	if o.classifier == nil {
		return
	}
	for _, u := range newURLs {
		desc, ok := o.classifier.Classify(u)
		if !ok {
			continue
		}
		summary.FilesDiscovered++

		if !o.opts.FetchFilePages {
			// Files are not pages; keep them out of the fetch queue
			f.MarkCrawled(u, true)
			summary.FilePagesSkipped++
		}

		queued := false
		if o.downloads != nil {
			queued = o.downloads.Submit(desc, files.Priority(desc), source)
			if queued {
				summary.FilesQueued++
			}
		}
		o.notifyFile(desc, queued)
	}
}

func (o *Orchestrator) finish(summary *RunSummary, f *frontier.Frontier, a *analytics.Analytics, crawled int, state State, reason string) {
	stats := f.Stats()

	summary.FinishedAt = time.Now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.State = state
	summary.StopReason = reason
	summary.TotalCrawled = crawled
	summary.TotalDiscovered = stats.Discovered
	summary.FrontierSize = stats.Pending
	summary.FrontierStats = stats
	summary.Analytics = a.Snapshot()

	for _, rec := range f.Records() {
		summary.MaxDepthReached = max(summary.MaxDepthReached, rec.Depth)
	}
	if o.downloads != nil {
		ds := o.downloads.Stats()
		summary.Downloads = &ds
	}
	if o.classifier != nil {
		fs := o.classifier.Stats()
		summary.Files = &fs
	}

	o.setState(state)
}

func (o *Orchestrator) notifyPage(res types.PageResult) {
	for _, obs := range o.observers {
		obs.PageFetched(res)
	}
}

func (o *Orchestrator) notifyBatch(analysis analytics.BatchAnalysis) {
	for _, obs := range o.observers {
		obs.BatchAnalyzed(analysis)
	}
}

func (o *Orchestrator) notifyFile(desc files.FileDescriptor, queued bool) {
	for _, obs := range o.observers {
		obs.FileDiscovered(desc, queued)
	}
}
