package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alvmarrod/deadend-crawler/internal/files"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(name string) files.FileDescriptor {
	return files.FileDescriptor{
		URL:       "https://example.com/files/" + name,
		Filename:  name,
		Extension: ".pdf",
		FileType:  files.Document,
	}
}

func okDownloader() DownloaderFunc {
	return func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
		return Outcome{FilePath: destDir + "/" + file.Filename, SizeBytes: 100, Checksum: "abc"}, nil
	}
}

func newTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

func TestHighestPriorityFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int

	q := newTestQueue(t, Options{
		Downloader: okDownloader(),
		OnResult: func(r Result) {
			mu.Lock()
			order = append(order, r.Task.Priority)
			mu.Unlock()
		},
	})

	require.True(t, q.Submit(descriptor("five.pdf"), 5, ""))
	require.True(t, q.Submit(descriptor("one.pdf"), 1, ""))
	require.True(t, q.Submit(descriptor("nine.pdf"), 9, ""))

	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{9, 5, 1}, order)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string

	q := newTestQueue(t, Options{
		Downloader: okDownloader(),
		OnResult: func(r Result) {
			mu.Lock()
			order = append(order, r.Task.File.Filename)
			mu.Unlock()
		},
	})

	for i := 0; i < 5; i++ {
		require.True(t, q.Submit(descriptor(fmt.Sprintf("%d.pdf", i)), 3, ""))
	}
	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"0.pdf", "1.pdf", "2.pdf", "3.pdf", "4.pdf"}, order)
}

func TestRetriesExhausted(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	terminal := 0

	q := newTestQueue(t, Options{
		MaxRetries: 2,
		Downloader: DownloaderFunc(func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return Outcome{}, errors.New("connection reset")
		}),
		OnResult: func(r Result) {
			mu.Lock()
			terminal++
			mu.Unlock()
		},
	})

	file := descriptor("flaky.pdf")
	require.True(t, q.Submit(file, 5, "https://example.com/"))
	require.NoError(t, q.StartWorkers(context.Background(), 2))
	require.NoError(t, q.Drain(5*time.Second))

	failed := q.Failed()
	require.Contains(t, failed, file.URL)
	res := failed[file.URL]
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Task.RetryCount)
	assert.Equal(t, 4, res.Task.Priority, "retry lowers priority once")
	assert.Equal(t, "https://example.com/", res.Task.SourcePageURL)
	assert.Contains(t, res.Error, "connection reset")

	mu.Lock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, terminal)
	mu.Unlock()

	s := q.Stats()
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Completed)
	assert.Equal(t, 2, s.Attempts)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, 0.0, s.SuccessRate)
}

func TestRetryPriorityNeverNegative(t *testing.T) {
	q := newTestQueue(t, Options{
		MaxRetries: 3,
		Downloader: DownloaderFunc(func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
			return Outcome{}, errors.New("boom")
		}),
	})

	file := descriptor("low.pdf")
	require.True(t, q.Submit(file, 1, ""))
	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	res, ok := q.Result(file.URL)
	require.True(t, ok)
	assert.Equal(t, 0, res.Task.Priority)
	assert.Equal(t, 3, res.Task.RetryCount)
}

func TestRetryWaitsWithDoublingBackoff(t *testing.T) {
	const backoff = 60 * time.Millisecond
	var (
		mu    sync.Mutex
		times []time.Time
	)
	failing := make(chan struct{}, 3)

	q := newTestQueue(t, Options{
		MaxRetries:   3,
		RetryBackoff: backoff,
		Downloader: DownloaderFunc(func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
			failing <- struct{}{}
			return Outcome{}, errors.New("503 service unavailable")
		}),
	})

	file := descriptor("backoff.pdf")
	require.True(t, q.Submit(file, 5, ""))
	require.NoError(t, q.StartWorkers(context.Background(), 2))

	// Between attempts the task is held, not queued, and still counts as known
	<-failing
	assert.Eventually(t, func() bool {
		s := q.Stats()
		return s.Active == 1 && s.Queued == 0
	}, time.Second, 5*time.Millisecond)
	assert.False(t, q.Submit(file, 9, ""))
	assert.ErrorIs(t, q.Drain(10*time.Millisecond), ErrDrainTimeout)

	require.NoError(t, q.Drain(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), backoff)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 2*backoff)

	res, ok := q.Result(file.URL)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Task.RetryCount)
	assert.Equal(t, 3, q.Stats().Attempts)
	assert.Equal(t, 2, q.Stats().Retries)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	q := newTestQueue(t, Options{
		MaxRetries: 5,
		Downloader: DownloaderFunc(func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return Outcome{}, fmt.Errorf("%w: bad status code: 404", ErrPermanent)
		}),
	})

	file := descriptor("missing.pdf")
	require.True(t, q.Submit(file, 5, ""))
	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	res, ok := q.Result(file.URL)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Task.RetryCount)
	assert.Equal(t, 5, res.Task.Priority)
	assert.Equal(t, 0, q.Stats().Retries)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestRetryDelay(t *testing.T) {
	q := &Queue{backoff: time.Second}
	assert.Equal(t, time.Second, q.retryDelay(1))
	assert.Equal(t, 2*time.Second, q.retryDelay(2))
	assert.Equal(t, 4*time.Second, q.retryDelay(3))
	assert.Equal(t, maxRetryBackoff, q.retryDelay(20))

	q.backoff = 0
	assert.Zero(t, q.retryDelay(3))
}

func TestDuplicateSubmitRejected(t *testing.T) {
	q := newTestQueue(t, Options{Downloader: okDownloader()})

	file := descriptor("dup.pdf")
	assert.True(t, q.Submit(file, 5, ""))
	assert.False(t, q.Submit(file, 7, ""))
	assert.Equal(t, 1, q.Stats().Queued)

	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	// Completed URLs stay known
	assert.False(t, q.Submit(file, 5, ""))
	assert.Equal(t, 1, q.Stats().Completed)
}

func TestFullQueueDrops(t *testing.T) {
	q := newTestQueue(t, Options{Capacity: 2, Downloader: okDownloader()})

	assert.True(t, q.Submit(descriptor("a.pdf"), 1, ""))
	assert.True(t, q.Submit(descriptor("b.pdf"), 1, ""))
	assert.False(t, q.Submit(descriptor("c.pdf"), 10, ""))

	s := q.Stats()
	assert.Equal(t, 2, s.Queued)
	assert.Equal(t, 1, s.Dropped)

	// A dropped URL is not remembered and may be offered again later
	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))
	assert.True(t, q.Submit(descriptor("c.pdf"), 10, ""))
}

func TestFullQueueDuringRetryFailsPermanently(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	first := descriptor("first.pdf")

	q := newTestQueue(t, Options{
		Capacity:   1,
		MaxRetries: 3,
		Downloader: DownloaderFunc(func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
			if file.URL == first.URL {
				close(started)
				<-release
				return Outcome{}, errors.New("timeout")
			}
			return Outcome{SizeBytes: 10}, nil
		}),
	})

	require.True(t, q.Submit(first, 5, ""))
	require.NoError(t, q.StartWorkers(context.Background(), 1))

	<-started
	require.True(t, q.Submit(descriptor("second.pdf"), 1, ""))
	close(release)

	require.NoError(t, q.Drain(5*time.Second))

	res, ok := q.Result(first.URL)
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Task.RetryCount)
	assert.Contains(t, res.Error, "queue full during retry")

	s := q.Stats()
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0, s.Dropped)
	assert.Equal(t, int64(10), s.TotalBytesDownloaded)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
}

func TestDrain(t *testing.T) {
	q := newTestQueue(t, Options{Downloader: okDownloader()})

	// Idle queue drains immediately
	require.NoError(t, q.Drain(10*time.Millisecond))

	// No workers: the task never leaves the queue
	require.True(t, q.Submit(descriptor("stuck.pdf"), 1, ""))
	err := q.Drain(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)

	require.NoError(t, q.StartWorkers(context.Background(), 1))
	require.NoError(t, q.Drain(5*time.Second))

	s := q.Stats()
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestStop(t *testing.T) {
	q := newTestQueue(t, Options{Downloader: okDownloader()})
	require.NoError(t, q.StartWorkers(context.Background(), 3))

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.False(t, q.Submit(descriptor("late.pdf"), 1, ""))
	assert.ErrorIs(t, q.StartWorkers(context.Background(), 1), ErrStopped)
	q.Stop()
}

func TestContextCancelStopsWorkers(t *testing.T) {
	q := newTestQueue(t, Options{Downloader: okDownloader()})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.StartWorkers(ctx, 2))
	cancel()

	assert.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.stopped
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, q.Submit(descriptor("after-cancel.pdf"), 1, ""))
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{Capacity: -1, Downloader: okDownloader()})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{MaxRetries: -1, Downloader: okDownloader()})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	_, err = New(Options{RetryBackoff: -time.Second, Downloader: okDownloader()})
	assert.ErrorIs(t, err, ErrInvalidOptions)

	q := newTestQueue(t, Options{Downloader: okDownloader()})
	assert.ErrorIs(t, q.StartWorkers(context.Background(), 0), ErrInvalidOptions)
}
