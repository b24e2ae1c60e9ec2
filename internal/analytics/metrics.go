package analytics

import "time"

// history is a bounded, oldest-first record of per-batch discovery counts
type history []int

func (h history) push(n int) history {
	h = append(h, n)
	if len(h) > HistoryCapacity {
		// Shift down instead of reslicing so the backing array stays bounded
		copy(h, h[len(h)-HistoryCapacity:])
		h = h[:HistoryCapacity]
	}
	return h
}

// mean averages the last n entries (or fewer if the history is shorter)
func (h history) mean(n int) float64 {
	if len(h) == 0 {
		return 0
	}
	if n > len(h) {
		n = len(h)
	}
	sum := 0
	for _, v := range h[len(h)-n:] {
		sum += v
	}
	return float64(sum) / float64(n)
}

func (h history) clone() history {
	if h == nil {
		return nil
	}
	out := make(history, len(h))
	copy(out, h)
	return out
}

// DeadEndMetrics tracks URL discovery across a crawl session
type DeadEndMetrics struct {
	ConsecutiveDeadPages int
	TotalURLsDiscovered  int
	NewURLsLastBatch     int
	RevisitCount         int
	TotalCrawlAttempts   int
	DiscoveryRateHistory history
	LastDiscoveryTime    time.Time
	SessionStart         time.Time
}

// RevisitRatio is the fraction of crawl attempts that hit an already-crawled URL
func (m DeadEndMetrics) RevisitRatio() float64 {
	if m.TotalCrawlAttempts == 0 {
		return 0
	}
	return float64(m.RevisitCount) / float64(m.TotalCrawlAttempts)
}

// AverageDiscoveryRate averages new URLs per batch over the recent history
func (m DeadEndMetrics) AverageDiscoveryRate() float64 {
	return m.DiscoveryRateHistory.mean(recentWindow)
}

// History returns a copy of the discovery rate history, oldest first
func (m DeadEndMetrics) History() []int {
	return m.DiscoveryRateHistory.clone()
}

// TimeSinceLastDiscovery is zero until something has been discovered
func (m DeadEndMetrics) TimeSinceLastDiscovery(now time.Time) time.Duration {
	if m.LastDiscoveryTime.IsZero() {
		return 0
	}
	return now.Sub(m.LastDiscoveryTime)
}

// Snapshot is a serializable view of DeadEndMetrics with derived values
type Snapshot struct {
	ConsecutiveDeadPages   int           `json:"consecutive_dead_pages"`
	TotalURLsDiscovered    int           `json:"total_urls_discovered"`
	NewURLsLastBatch       int           `json:"new_urls_last_batch"`
	RevisitCount           int           `json:"revisit_count"`
	TotalCrawlAttempts     int           `json:"total_crawl_attempts"`
	RevisitRatio           float64       `json:"revisit_ratio"`
	AverageDiscoveryRate   float64       `json:"average_discovery_rate"`
	DiscoveryRateHistory   []int         `json:"discovery_rate_history"`
	LastDiscoveryTime      time.Time     `json:"last_discovery_time"`
	SessionStart           time.Time     `json:"session_start"`
	SessionDuration        time.Duration `json:"session_duration"`
	TimeSinceLastDiscovery time.Duration `json:"time_since_last_discovery"`
}

func (m DeadEndMetrics) snapshot(now time.Time) Snapshot {
	var duration time.Duration
	if !m.SessionStart.IsZero() {
		duration = now.Sub(m.SessionStart)
	}
	return Snapshot{
		ConsecutiveDeadPages:   m.ConsecutiveDeadPages,
		TotalURLsDiscovered:    m.TotalURLsDiscovered,
		NewURLsLastBatch:       m.NewURLsLastBatch,
		RevisitCount:           m.RevisitCount,
		TotalCrawlAttempts:     m.TotalCrawlAttempts,
		RevisitRatio:           m.RevisitRatio(),
		AverageDiscoveryRate:   m.AverageDiscoveryRate(),
		DiscoveryRateHistory:   m.History(),
		LastDiscoveryTime:      m.LastDiscoveryTime,
		SessionStart:           m.SessionStart,
		SessionDuration:        duration,
		TimeSinceLastDiscovery: m.TimeSinceLastDiscovery(now),
	}
}
