package frontier

import (
	"sync"
	"time"
)

// URLRecord describes how a URL entered the frontier
type URLRecord struct {
	URL          string    `json:"url"`
	SourceURL    string    `json:"source_url,omitempty"`
	Depth        int       `json:"depth"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Stats is a point-in-time summary of the frontier
type Stats struct {
	Discovered  int     `json:"total_discovered"`
	Crawled     int     `json:"total_crawled"`
	Failed      int     `json:"total_failed"`
	Pending     int     `json:"pending_count"`
	SuccessRate float64 `json:"success_rate"`
}

// Frontier tracks discovered, crawled and failed URLs plus a FIFO of URLs
// still waiting to be crawled.
//
// Invariants: pending is a subset of discovered minus crawled, and failed is
// a subset of crawled.
type Frontier struct {
	mu         sync.Mutex
	records    map[string]*URLRecord
	order      []string // discovery order
	crawled    map[string]bool
	failed     map[string]bool
	queue      []string
	head       int
	pendingSet map[string]struct{}
}

// New creates an empty frontier
func New() *Frontier {
	return &Frontier{
		records:    make(map[string]*URLRecord),
		crawled:    make(map[string]bool),
		failed:     make(map[string]bool),
		pendingSet: make(map[string]struct{}),
	}
}

// AddDiscovered records url as discovered and queues it for crawling.
// Returns true if the URL was new, false if it was already known.
func (f *Frontier) AddDiscovered(url, sourceURL string, depth int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.records[url]; exists {
		return false
	}

	f.records[url] = &URLRecord{
		URL:          url,
		SourceURL:    sourceURL,
		Depth:        depth,
		DiscoveredAt: time.Now(),
	}
	f.order = append(f.order, url)

	// A URL can be marked crawled before it is ever discovered (the seed, or
	// a page fetched out of band); it must not re-enter the queue.
	if !f.crawled[url] {
		f.queue = append(f.queue, url)
		f.pendingSet[url] = struct{}{}
	}
	return true
}

// MarkCrawled records url as crawled, and as failed when success is false.
// The URL leaves the pending queue if it is still there.
func (f *Frontier) MarkCrawled(url string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.crawled[url] = true
	if !success {
		f.failed[url] = true
	}
	// Lazy removal: Next skips entries no longer in pendingSet
	delete(f.pendingSet, url)
}

// Next pops the oldest pending URL. ok is false when nothing is pending.
func (f *Frontier) Next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.head < len(f.queue) {
		url := f.queue[f.head]
		f.queue[f.head] = ""
		f.head++
		if _, pending := f.pendingSet[url]; pending {
			delete(f.pendingSet, url)
			f.compactLocked()
			return url, true
		}
	}
	f.compactLocked()
	return "", false
}

// compactLocked releases the consumed prefix of the queue once it dominates
// the backing array.
func (f *Frontier) compactLocked() {
	if f.head == len(f.queue) {
		f.queue = f.queue[:0]
		f.head = 0
		return
	}
	if f.head > 1024 && f.head*2 > len(f.queue) {
		remaining := make([]string, len(f.queue)-f.head)
		copy(remaining, f.queue[f.head:])
		f.queue = remaining
		f.head = 0
	}
}

// HasPending reports whether any URL is waiting to be crawled
func (f *Frontier) HasPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingSet) > 0
}

// IsCrawled reports whether url has been crawled (successfully or not)
func (f *Frontier) IsCrawled(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crawled[url]
}

// IsFailed reports whether url was crawled and failed
func (f *Frontier) IsFailed(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed[url]
}

// Record returns the discovery record for url
func (f *Frontier) Record(url string) (URLRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[url]
	if !ok {
		return URLRecord{}, false
	}
	return *rec, true
}

// Records returns a copy of all discovery records in discovery order
func (f *Frontier) Records() []URLRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]URLRecord, 0, len(f.order))
	for _, url := range f.order {
		out = append(out, *f.records[url])
	}
	return out
}

// PendingSample returns up to n pending URLs in queue order
func (f *Frontier) PendingSample(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	sample := make([]string, 0, n)
	for i := f.head; i < len(f.queue) && len(sample) < n; i++ {
		if _, pending := f.pendingSet[f.queue[i]]; pending {
			sample = append(sample, f.queue[i])
		}
	}
	return sample
}

// Stats returns current counts and the crawl success rate
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	crawled := len(f.crawled)
	failed := len(f.failed)
	denom := crawled
	if denom < 1 {
		denom = 1
	}

	return Stats{
		Discovered:  len(f.records),
		Crawled:     crawled,
		Failed:      failed,
		Pending:     len(f.pendingSet),
		SuccessRate: float64(crawled-failed) / float64(denom),
	}
}
