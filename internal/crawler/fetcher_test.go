package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvmarrod/deadend-crawler/pkg/types"
)

const homePage = `<!DOCTYPE html>
<html lang="en">
<head>
  <title> Home </title>
  <meta name="description" content="Test site">
  <link rel="canonical" href="/">
</head>
<body>
  <a href="/about">About</a>
  <a href="/about#team">Team</a>
  <a href="docs/report.pdf">Report</a>
  <a href="mailto:someone@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
  <a href="/wp-admin/settings">Admin</a>
  <a href="https://external.example.org/page">External</a>
  <a href="https://www.facebook.com/share">Share</a>
</body>
</html>`

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(homePage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func hrefs(links []types.Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.Href
	}
	return out
}

func TestCollyFetcherExtractsLinks(t *testing.T) {
	srv := newTestSite(t)

	f, err := NewCollyFetcher(CollyOptions{UserAgent: "test-agent"})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, srv.URL+"/", res.URL)
	assert.Equal(t, []string{
		srv.URL + "/about",
		srv.URL + "/about",
		srv.URL + "/docs/report.pdf",
	}, hrefs(res.Links.Internal))
	assert.Empty(t, res.Links.External)
	assert.Equal(t, "About", res.Links.Internal[0].Text)

	assert.Equal(t, "Home", res.Metadata["title"])
	assert.Equal(t, "Test site", res.Metadata["description"])
	assert.Equal(t, "/", res.Metadata["canonical"])
	assert.Equal(t, "en", res.Metadata["lang"])
	assert.Contains(t, res.Metadata["content_type"], "text/html")
	assert.False(t, res.FetchedAt.IsZero())
}

func TestCollyFetcherIncludeExternal(t *testing.T) {
	srv := newTestSite(t)

	scope, err := NewLinkScope(ScopeOptions{IncludeExternal: true})
	require.NoError(t, err)
	f, err := NewCollyFetcher(CollyOptions{Scope: scope})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://external.example.org/page"}, hrefs(res.Links.External))
}

func TestCollyFetcherHTTPErrorIsNotAnError(t *testing.T) {
	srv := newTestSite(t)

	f, err := NewCollyFetcher(CollyOptions{})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, res.Links.Len())

	// Revisiting is allowed
	res, err = f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.True(t, res.Success)
	res, err = f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCollyFetcherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, err := NewCollyFetcher(CollyOptions{})
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), addr+"/")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestCollyFetcherRejectsBadInput(t *testing.T) {
	f, err := NewCollyFetcher(CollyOptions{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "not a url")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, "https://example.com/")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollyFetcherConcurrentFetches(t *testing.T) {
	const (
		workers = 4
		hold    = 150 * time.Millisecond
	)
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(hold)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f, err := NewCollyFetcher(CollyOptions{Parallelism: workers})
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), srv.URL+"/")
			assert.NoError(t, err)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.Greater(t, peak.Load(), int32(1), "requests to one host ran one at a time")
	assert.Less(t, elapsed, time.Duration(workers)*hold)
}

func TestCollyFetcherHonoursCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	// Registered last so it runs before srv.Close
	t.Cleanup(func() { close(release) })

	f, err := NewCollyFetcher(CollyOptions{RequestTimeout: 30 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res, err := f.Fetch(ctx, srv.URL+"/slow")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, srv.URL+"/slow", res.URL)
	assert.False(t, res.Success)
	assert.Less(t, time.Since(start), time.Second)
}
