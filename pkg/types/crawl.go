package types

import "time"

// Link is a single extracted hyperlink.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// Links groups extracted links by whether they stay on the page's host.
type Links struct {
	Internal []Link `json:"internal"`
	External []Link `json:"external"`
}

// All returns internal links followed by external links.
func (l Links) All() []Link {
	all := make([]Link, 0, len(l.Internal)+len(l.External))
	all = append(all, l.Internal...)
	return append(all, l.External...)
}

// Len returns the total number of links.
func (l Links) Len() int {
	return len(l.Internal) + len(l.External)
}

// PageResult is the outcome of fetching one page.
// HTTP-level failures are represented with Success=false, never as a Go error.
type PageResult struct {
	URL        string            `json:"url"`
	Success    bool              `json:"success"`
	StatusCode int               `json:"status_code"`
	Links      Links             `json:"links"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Error      string            `json:"error,omitempty"`
	FetchedAt  time.Time         `json:"fetched_at"`
	Latency    time.Duration     `json:"latency"`
}

// FailedPage builds a failed result for url carrying err's message.
func FailedPage(url string, err error) PageResult {
	res := PageResult{URL: url, FetchedAt: time.Now()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
