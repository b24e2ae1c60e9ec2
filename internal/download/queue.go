package download

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCapacity     = 1000
	DefaultMaxRetries   = 3
	DefaultWorkers      = 5
	DefaultRetryBackoff = time.Second

	// maxRetryBackoff caps the doubling retry delay
	maxRetryBackoff = time.Minute
)

var (
	// ErrDrainTimeout is returned when Drain gives up before the queue is idle
	ErrDrainTimeout = errors.New("download queue drain timed out")
	// ErrInvalidOptions is returned for non-positive sizes or a missing downloader
	ErrInvalidOptions = errors.New("invalid download queue options")
	// ErrStopped is returned when starting workers on a stopped queue
	ErrStopped = errors.New("download queue stopped")
)

// Options configures a Queue. Zero Capacity and MaxRetries take the defaults.
type Options struct {
	Capacity   int
	MaxRetries int
	// RetryBackoff is the delay before the first retry, doubling for each
	// later one. Zero retries immediately.
	RetryBackoff time.Duration
	DestDir      string
	Downloader Downloader
	// OnResult is called once per terminal result, outside the queue lock
	OnResult func(Result)
	Logger   logrus.FieldLogger
}

// Stats is a point-in-time view of the queue
type Stats struct {
	Queued               int     `json:"queued"`
	Active               int     `json:"active"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Dropped              int     `json:"dropped"`
	Retries              int     `json:"retries"`
	Attempts             int     `json:"attempts"`
	SuccessRate          float64 `json:"success_rate"`
	TotalBytesDownloaded int64   `json:"total_bytes_downloaded"`
}

// Queue is a bounded priority queue of download tasks served by a worker pool.
// Submissions beyond capacity are dropped rather than blocking the caller.
type Queue struct {
	capacity   int
	maxRetries int
	backoff    time.Duration
	destDir    string
	downloader Downloader
	onResult   func(Result)
	log        logrus.FieldLogger

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     taskHeap
	queued    map[string]struct{}
	active    map[string]struct{}
	completed map[string]Result
	failed    map[string]Result
	seq       uint64
	stopped   bool
	idle      chan struct{}
	busy      bool

	dropped  int
	retries  int
	attempts int
	bytes    int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an idle queue; call StartWorkers to begin downloading
func New(opts Options) (*Queue, error) {
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidOptions, opts.Capacity)
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be positive, got %d", ErrInvalidOptions, opts.MaxRetries)
	}
	if opts.RetryBackoff < 0 {
		return nil, fmt.Errorf("%w: retry backoff must not be negative, got %v", ErrInvalidOptions, opts.RetryBackoff)
	}
	if opts.Downloader == nil {
		return nil, fmt.Errorf("%w: downloader is required", ErrInvalidOptions)
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "downloads")
	}

	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		capacity:   opts.Capacity,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		destDir:    opts.DestDir,
		downloader: opts.Downloader,
		onResult:   opts.OnResult,
		log:        log,
		queued:     make(map[string]struct{}),
		active:     make(map[string]struct{}),
		completed:  make(map[string]Result),
		failed:     make(map[string]Result),
		idle:       idle,
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Submit schedules a file for download. It returns false when the URL is
// already known to the queue, the queue is stopped, or the queue is full.
func (q *Queue) Submit(file files.FileDescriptor, priority int, sourcePage string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	url := file.URL
	if q.known(url) {
		return false
	}
	if q.stopped {
		q.log.Debugf("Queue stopped, not accepting %s", url)
		return false
	}
	if len(q.tasks) >= q.capacity {
		q.dropped++
		q.log.Warnf("Download queue full (%d), dropping %s", q.capacity, url)
		return false
	}

	q.push(&Task{
		File:          file,
		Priority:      priority,
		MaxRetries:    q.maxRetries,
		CreatedAt:     time.Now(),
		SourcePageURL: sourcePage,
	})
	q.log.Debugf("Queued %s (priority %d)", file.Filename, priority)
	return true
}

func (q *Queue) known(url string) bool {
	if _, ok := q.queued[url]; ok {
		return true
	}
	if _, ok := q.active[url]; ok {
		return true
	}
	if _, ok := q.completed[url]; ok {
		return true
	}
	_, ok := q.failed[url]
	return ok
}

// push must be called with the lock held
func (q *Queue) push(t *Task) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.tasks, t)
	q.queued[t.URL()] = struct{}{}
	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
	}
	q.cond.Signal()
}

// signalIdle must be called with the lock held
func (q *Queue) signalIdle() {
	if q.busy && len(q.tasks) == 0 && len(q.active) == 0 {
		q.busy = false
		close(q.idle)
	}
}

// StartWorkers launches n workers. Cancelling ctx stops them between tasks
// and aborts downloads in progress.
func (q *Queue) StartWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidOptions, n)
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.mu.Unlock()

	context.AfterFunc(ctx, q.halt)

	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.log.Infof("Started %d download workers", n)
	return nil
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		task, ok := q.next()
		if !ok {
			q.log.Debugf("Download worker %d exiting", id)
			return
		}

		start := time.Now()
		outcome, err := q.downloader.Download(ctx, task.File, q.destDir)
		q.finish(task, outcome, err, time.Since(start))
	}
}

// next blocks until a task is available or the queue stops
func (q *Queue) next() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil, false
	}

	t := heap.Pop(&q.tasks).(*Task)
	delete(q.queued, t.URL())
	q.active[t.URL()] = struct{}{}
	return t, true
}

func (q *Queue) finish(task *Task, outcome Outcome, err error, elapsed time.Duration) {
	url := task.URL()

	q.mu.Lock()
	q.attempts++

	if err == nil {
		res := Result{
			Task:      *task,
			Success:   true,
			FilePath:  outcome.FilePath,
			SizeBytes: outcome.SizeBytes,
			Checksum:  outcome.Checksum,
			Metadata:  outcome.Metadata,
			Duration:  elapsed,
		}
		q.completed[url] = res
		q.bytes += outcome.SizeBytes
		q.mu.Unlock()

		q.log.Infof("Downloaded %s (%d bytes)", task.File.Filename, outcome.SizeBytes)
		q.terminal(url, res)
		return
	}

	task.RetryCount++
	if task.RetryCount >= task.MaxRetries || errors.Is(err, ErrPermanent) {
		q.fail(task, err, elapsed)
		return
	}

	delay := q.retryDelay(task.RetryCount)
	q.log.Warnf("Download failed for %s, retry %d/%d in %v: %v", url, task.RetryCount, task.MaxRetries, delay, err)
	if delay == 0 || q.stopped {
		q.retry(task, err, elapsed)
		return
	}

	// The task keeps its active slot while it waits, so Drain waits for it
	// and Submit still treats the URL as known.
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.retry(task, err, elapsed)
	})
}

// retryDelay doubles the backoff for each retry already made
func (q *Queue) retryDelay(retryCount int) time.Duration {
	if q.backoff <= 0 {
		return 0
	}
	delay := q.backoff
	for i := 1; i < retryCount && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxRetryBackoff)
}

// retry puts a failed task back with decayed priority, or fails it when the
// queue has no room. It must be called with the lock held and releases it.
func (q *Queue) retry(task *Task, err error, elapsed time.Duration) {
	if len(q.tasks) >= q.capacity {
		q.fail(task, fmt.Errorf("queue full during retry: %w", err), elapsed)
		return
	}

	task.Priority = max(0, task.Priority-1)
	delete(q.active, task.URL())
	q.retries++
	q.push(task)
	q.mu.Unlock()
	q.log.Debugf("Requeued %s (retry %d/%d, priority %d)", task.URL(), task.RetryCount, task.MaxRetries, task.Priority)
}

// fail records a permanent failure. It must be called with the lock held and
// releases it.
func (q *Queue) fail(task *Task, err error, elapsed time.Duration) {
	url := task.URL()
	res := Result{
		Task:     *task,
		Success:  false,
		Error:    err.Error(),
		Duration: elapsed,
	}
	q.failed[url] = res
	q.mu.Unlock()

	q.log.Errorf("Download permanently failed for %s after %d attempts: %v", url, task.RetryCount, err)
	q.terminal(url, res)
}

// terminal reports a final result, then releases the active slot so Drain
// only returns once every hook has run
func (q *Queue) terminal(url string, res Result) {
	if q.onResult != nil {
		q.onResult(res)
	}

	q.mu.Lock()
	delete(q.active, url)
	q.signalIdle()
	q.mu.Unlock()
}

// Drain waits until no task is queued or active. Workers keep running.
func (q *Queue) Drain(timeout time.Duration) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return nil
	case <-timer.C:
		s := q.Stats()
		return fmt.Errorf("%w after %v: %d queued, %d active", ErrDrainTimeout, timeout, s.Queued, s.Active)
	}
}

// halt marks the queue stopped and wakes idle workers
func (q *Queue) halt() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Stop ends all workers after their current download and waits for them.
// Tasks still queued stay queued.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.halt()
		q.wg.Wait()
		q.log.Info("Download workers stopped")
	})
}

// Stats returns current counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Queued:               len(q.tasks),
		Active:               len(q.active),
		Completed:            len(q.completed),
		Failed:               len(q.failed),
		Dropped:              q.dropped,
		Retries:              q.retries,
		Attempts:             q.attempts,
		TotalBytesDownloaded: q.bytes,
	}
	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
	return s
}

// Completed returns terminal successes keyed by URL
func (q *Queue) Completed() map[string]Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyResults(q.completed)
}

// Failed returns permanent failures keyed by URL
func (q *Queue) Failed() map[string]Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyResults(q.failed)
}

// Result looks up the terminal result for url
func (q *Queue) Result(url string) (Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r, ok := q.completed[url]; ok {
		return r, true
	}
	r, ok := q.failed[url]
	return r, ok
}

func copyResults(m map[string]Result) map[string]Result {
	out := make(map[string]Result, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
