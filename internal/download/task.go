package download

import (
	"container/heap"
	"context"
	"time"

	"github.com/alvmarrod/deadend-crawler/internal/files"
)

// Task is one file scheduled for download. The queue owns it until it
// reaches a terminal state.
type Task struct {
	File          files.FileDescriptor `json:"file"`
	Priority      int                  `json:"priority"`
	RetryCount    int                  `json:"retry_count"`
	MaxRetries    int                  `json:"max_retries"`
	CreatedAt     time.Time            `json:"created_at"`
	SourcePageURL string               `json:"source_page_url,omitempty"`

	seq uint64
}

// URL is the task identity
func (t *Task) URL() string {
	return t.File.URL
}

// Result is the outcome of a download attempt. Only terminal results are
// retained by the queue.
type Result struct {
	Task      Task              `json:"task"`
	Success   bool              `json:"success"`
	FilePath  string            `json:"file_path,omitempty"`
	SizeBytes int64             `json:"size_bytes"`
	Checksum  string            `json:"checksum,omitempty"`
	Error     string            `json:"error_message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// Outcome is what a Downloader reports for a successful download
type Outcome struct {
	FilePath  string
	SizeBytes int64
	Checksum  string
	Metadata  map[string]string
}

// Downloader fetches one file into destDir. It must verify size and
// checksum itself before returning a nil error. It makes a single attempt;
// errors wrapping ErrPermanent are not retried.
type Downloader interface {
	Download(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error)
}

// DownloaderFunc adapts a function to Downloader
type DownloaderFunc func(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error)

func (f DownloaderFunc) Download(ctx context.Context, file files.FileDescriptor, destDir string) (Outcome, error) {
	return f(ctx, file, destDir)
}

// taskHeap orders tasks by priority, highest first, then by submission order
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
