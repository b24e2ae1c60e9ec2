package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

// Fetcher retrieves one page. HTTP-level failures come back as a result with
// Success=false; an error means the fetch could not be attempted at all.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (types.PageResult, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, url string) (types.PageResult, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (types.PageResult, error) {
	return f(ctx, url)
}

const (
	pageStateKey  = "page"
	requestCtxKey = "request_ctx"
)

// CollyOptions configures a CollyFetcher
type CollyOptions struct {
	UserAgent      string
	RequestTimeout time.Duration
	// Delay is the pause colly enforces between requests to the same domain
	Delay time.Duration
	// Parallelism caps in-flight requests per domain. <= 0 uses
	// DefaultMaxConcurrentRequests.
	Parallelism int
	Scope       *LinkScope
}

// CollyFetcher fetches pages with a synchronous colly collector. It is safe
// for concurrent use; each Fetch carries its own colly context.
type CollyFetcher struct {
	collector *colly.Collector
	scope     *LinkScope
}

type pageState struct {
	result types.PageResult
}

// NewCollyFetcher builds the collector and registers its callbacks
func NewCollyFetcher(opts CollyOptions) (*CollyFetcher, error) {
	scope := opts.Scope
	if scope == nil {
		var err error
		if scope, err = NewLinkScope(ScopeOptions{}); err != nil {
			return nil, err
		}
	}

	options := []colly.CollectorOption{colly.AllowURLRevisit()}
	if opts.UserAgent != "" {
		options = append(options, colly.UserAgent(opts.UserAgent))
	}

	f := &CollyFetcher{
		collector: colly.NewCollector(options...),
		scope:     scope,
	}

	if opts.RequestTimeout > 0 {
		f.collector.SetRequestTimeout(opts.RequestTimeout)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultMaxConcurrentRequests
	}
	// colly serializes requests under a rule with no Parallelism
	if err := f.collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       opts.Delay,
		Parallelism: parallelism,
	}); err != nil {
		return nil, fmt.Errorf("failed to set limit rule: %w", err)
	}

	f.setupColly()
	return f, nil
}

func stateOf(ctx *colly.Context) *pageState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.GetAny(pageStateKey).(*pageState)
	return st
}

// setupColly registers the collector callbacks
func (f *CollyFetcher) setupColly() {
	// Drop requests whose caller has gone away
	f.collector.OnRequest(func(r *colly.Request) {
		if ctx, ok := r.Ctx.GetAny(requestCtxKey).(context.Context); ok && ctx.Err() != nil {
			r.Abort()
		}
	})

	// Page metadata
	f.collector.OnHTML("html", func(e *colly.HTMLElement) {
		st := stateOf(e.Request.Ctx)
		if st == nil {
			return
		}
		for k, v := range pageMetadata(e.DOM) {
			st.result.Metadata[k] = v
		}
	})

	// Extract links
	f.collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		st := stateOf(e.Request.Ctx)
		if st == nil {
			return
		}
		href := e.Request.AbsoluteURL(e.Attr("href"))
		f.scope.Add(&st.result.Links, e.Request.URL.String(), href, e.Text)
	})

	// Handle successful response
	f.collector.OnResponse(func(r *colly.Response) {
		st := stateOf(r.Ctx)
		if st == nil {
			return
		}
		st.result.Success = true
		st.result.StatusCode = r.StatusCode
		st.result.Metadata["final_url"] = r.Request.URL.String()
		if r.Headers != nil {
			if ct := r.Headers.Get("Content-Type"); ct != "" {
				st.result.Metadata["content_type"] = ct
			}
		}
	})

	// Handle errors
	f.collector.OnError(func(r *colly.Response, err error) {
		if r == nil {
			logrus.Errorf("OnError called with nil response: %v", err)
			return
		}
		st := stateOf(r.Ctx)
		if st == nil {
			return
		}
		st.result.Success = false
		st.result.StatusCode = r.StatusCode
		st.result.Error = err.Error()
	})
}

// pageMetadata pulls title, description and canonical URL from the document
func pageMetadata(doc *goquery.Selection) map[string]string {
	meta := make(map[string]string)
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	if desc, ok := doc.Find("meta[name=description]").First().Attr("content"); ok && desc != "" {
		meta["description"] = strings.TrimSpace(desc)
	}
	if canonical, ok := doc.Find("link[rel=canonical]").First().Attr("href"); ok && canonical != "" {
		meta["canonical"] = canonical
	}
	if lang, ok := doc.Attr("lang"); ok && lang != "" {
		meta["lang"] = lang
	}
	return meta
}

// Fetch visits url and returns its links split into internal and external
func (f *CollyFetcher) Fetch(ctx context.Context, url string) (types.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return types.PageResult{}, err
	}
	if _, ok := Normalize(url); !ok {
		return types.PageResult{}, fmt.Errorf("not an absolute http(s) URL: %q", url)
	}

	st := &pageState{result: types.PageResult{
		URL:      url,
		Metadata: make(map[string]string),
	}}
	cctx := colly.NewContext()
	cctx.Put(pageStateKey, st)
	cctx.Put(requestCtxKey, ctx)

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- f.collector.Request(http.MethodGet, url, nil, cctx, nil)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// The request finishes in the background, bounded by the request timeout
		return types.PageResult{URL: url, FetchedAt: start}, ctx.Err()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.PageResult{URL: url, FetchedAt: start}, ctxErr
	}

	res := st.result
	res.FetchedAt = start
	res.Latency = time.Since(start)

	if err != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = err.Error()
		}
	}
	if !res.Success {
		logrus.Debugf("Fetch failed for %s (status=%d): %s", url, res.StatusCode, res.Error)
	}
	return res, nil
}
