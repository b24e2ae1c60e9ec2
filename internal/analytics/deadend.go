package analytics

import (
	"fmt"
	"time"

	"github.com/alvmarrod/deadend-crawler/internal/frontier"
	"github.com/alvmarrod/deadend-crawler/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	// HistoryCapacity bounds the discovery rate history
	HistoryCapacity = 10
	// recentWindow is the number of batches averaged for the discovery rate
	recentWindow = 5

	DefaultDeadEndThreshold = 50
	DefaultRevisitThreshold = 0.95

	// minAttemptsForRevisitStop keeps small samples from tripping the revisit rule
	minAttemptsForRevisitStop = 10
	// lowDiscoveryRate and lowDiscoveryDeadPages drive the sustained-low-rate rule
	lowDiscoveryRate      = 0.5
	lowDiscoveryDeadPages = 20
)

// ReasonContinue is returned by ShouldStop when crawling should go on
const ReasonContinue = "continue"

// Thresholds configures the stop recommendation carried by BatchAnalysis
type Thresholds struct {
	DeadEnd int
	Revisit float64
}

// DefaultThresholds returns the stock dead-end and revisit thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{DeadEnd: DefaultDeadEndThreshold, Revisit: DefaultRevisitThreshold}
}

// BatchAnalysis is the outcome of analyzing one batch of page results
type BatchAnalysis struct {
	NewURLs              []string       `json:"new_urls"`
	NewURLsDiscovered    int            `json:"new_urls_discovered"`
	TotalLinksFound      int            `json:"total_links_found"`
	ConsecutiveDeadPages int            `json:"consecutive_dead_pages"`
	RevisitRatio         float64        `json:"revisit_ratio"`
	DiscoveryRate        float64        `json:"discovery_rate"`
	ShouldContinue       bool           `json:"should_continue"`
	URLStats             frontier.Stats `json:"url_stats"`
}

// Analytics detects dead ends from per-batch discovery outcomes. One instance
// belongs to one crawl session and is mutated only by its owner.
type Analytics struct {
	frontier   *frontier.Frontier
	thresholds Thresholds
	metrics    DeadEndMetrics
	log        logrus.FieldLogger
}

// New creates analytics bound to f. Zero threshold fields take the defaults.
func New(f *frontier.Frontier, thresholds Thresholds) *Analytics {
	if thresholds.DeadEnd == 0 {
		thresholds.DeadEnd = DefaultDeadEndThreshold
	}
	if thresholds.Revisit == 0 {
		thresholds.Revisit = DefaultRevisitThreshold
	}
	a := &Analytics{
		frontier:   f,
		thresholds: thresholds,
		log:        logrus.WithField("component", "analytics"),
	}
	a.StartSession()
	return a
}

// SetLogger replaces the logger used for analysis output
func (a *Analytics) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		a.log = log
	}
}

// StartSession resets all metrics and starts the session clock
func (a *Analytics) StartSession() {
	a.metrics = DeadEndMetrics{SessionStart: time.Now()}
}

// Frontier returns the frontier the analytics update
func (a *Analytics) Frontier() *frontier.Frontier {
	return a.frontier
}

// AnalyzeBatch updates discovery metrics from results.
//
// When sourceURL is non-empty only that URL is marked crawled (successful if
// any result for it succeeded). Otherwise every result's URL is marked. Each
// marked URL is one crawl attempt, and a revisit if it was already crawled
// before this call.
func (a *Analytics) AnalyzeBatch(results []types.PageResult, sourceURL string) BatchAnalysis {
	if len(results) == 0 {
		return a.handleEmpty(sourceURL)
	}

	if sourceURL != "" {
		success := false
		for _, r := range results {
			if r.URL == sourceURL && r.Success {
				success = true
				break
			}
		}
		a.recordAttempt(sourceURL, success)
	} else {
		for _, r := range results {
			if r.URL != "" {
				a.recordAttempt(r.URL, r.Success)
			}
		}
	}

	var newURLs []string
	totalLinks := 0

	for _, r := range results {
		if !r.Success {
			continue
		}

		depth := 1
		if rec, ok := a.frontier.Record(r.URL); ok {
			depth = rec.Depth + 1
		}

		seen := make(map[string]struct{}, r.Links.Len())
		for _, link := range r.Links.All() {
			if link.Href == "" {
				continue
			}
			if _, dup := seen[link.Href]; dup {
				continue
			}
			seen[link.Href] = struct{}{}
			totalLinks++

			if a.frontier.AddDiscovered(link.Href, r.URL, depth) {
				newURLs = append(newURLs, link.Href)
			}
		}
	}

	a.recordDiscoveries(len(newURLs))

	a.log.Debugf("Analyzed %d results: %d new URLs, %d total links, %d consecutive dead pages",
		len(results), len(newURLs), totalLinks, a.metrics.ConsecutiveDeadPages)

	return BatchAnalysis{
		NewURLs:              newURLs,
		NewURLsDiscovered:    len(newURLs),
		TotalLinksFound:      totalLinks,
		ConsecutiveDeadPages: a.metrics.ConsecutiveDeadPages,
		RevisitRatio:         a.metrics.RevisitRatio(),
		DiscoveryRate:        a.metrics.AverageDiscoveryRate(),
		ShouldContinue:       a.shouldContinue(),
		URLStats:             a.frontier.Stats(),
	}
}

// handleEmpty treats an empty batch as a fully dead page. Discovery totals
// are left alone. A named source URL still counts as a failed attempt so it
// cannot linger in the pending queue.
func (a *Analytics) handleEmpty(sourceURL string) BatchAnalysis {
	if sourceURL != "" {
		a.recordAttempt(sourceURL, false)
	}

	a.metrics.NewURLsLastBatch = 0
	a.metrics.ConsecutiveDeadPages++
	a.metrics.DiscoveryRateHistory = a.metrics.DiscoveryRateHistory.push(0)

	a.log.Warn("No results returned from crawl batch")

	return BatchAnalysis{
		ConsecutiveDeadPages: a.metrics.ConsecutiveDeadPages,
		RevisitRatio:         a.metrics.RevisitRatio(),
		DiscoveryRate:        0,
		ShouldContinue:       a.shouldContinue(),
		URLStats:             a.frontier.Stats(),
	}
}

func (a *Analytics) recordAttempt(url string, success bool) {
	if a.frontier.IsCrawled(url) {
		a.metrics.RevisitCount++
	}
	a.frontier.MarkCrawled(url, success)
	a.metrics.TotalCrawlAttempts++
}

func (a *Analytics) recordDiscoveries(n int) {
	a.metrics.NewURLsLastBatch = n
	a.metrics.TotalURLsDiscovered += n
	a.metrics.DiscoveryRateHistory = a.metrics.DiscoveryRateHistory.push(n)

	if n > 0 {
		a.metrics.ConsecutiveDeadPages = 0
		a.metrics.LastDiscoveryTime = time.Now()
	} else {
		a.metrics.ConsecutiveDeadPages++
	}
}

// ShouldStop evaluates the stop rules in precedence order and returns the
// first that fires, or (false, "continue").
func (a *Analytics) ShouldStop(deadEndThreshold int, revisitThreshold float64) (bool, string) {
	m := &a.metrics

	if m.ConsecutiveDeadPages >= deadEndThreshold {
		return true, fmt.Sprintf("dead end: %d consecutive pages with no new URLs", m.ConsecutiveDeadPages)
	}

	ratio := m.RevisitRatio()
	if ratio >= revisitThreshold && m.TotalCrawlAttempts > minAttemptsForRevisitStop {
		return true, fmt.Sprintf("high revisit ratio: %.2f%%", ratio*100)
	}

	if !a.frontier.HasPending() {
		return true, "no more URLs to crawl"
	}

	if len(m.DiscoveryRateHistory) >= recentWindow {
		recent := m.DiscoveryRateHistory.mean(recentWindow)
		if recent < lowDiscoveryRate && m.ConsecutiveDeadPages > lowDiscoveryDeadPages {
			return true, fmt.Sprintf("sustained low discovery rate: %.1f URLs/batch over last %d batches", recent, recentWindow)
		}
	}

	return false, ReasonContinue
}

func (a *Analytics) shouldContinue() bool {
	stop, _ := a.ShouldStop(a.thresholds.DeadEnd, a.thresholds.Revisit)
	return !stop
}

// Metrics returns a copy of the raw metrics
func (a *Analytics) Metrics() DeadEndMetrics {
	m := a.metrics
	m.DiscoveryRateHistory = m.DiscoveryRateHistory.clone()
	return m
}

// Snapshot returns metrics plus derived values as plain data
func (a *Analytics) Snapshot() Snapshot {
	return a.metrics.snapshot(time.Now())
}
