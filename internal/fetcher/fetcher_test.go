package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushl/internal/cache"
)

func newTestFetcher(t *testing.T, cacheDir string) *Fetcher {
	t.Helper()
	store, err := cache.New(cacheDir, nil)
	require.NoError(t, err)
	return New(Config{
		UserAgent:      "pushl-test/1.0",
		Timeout:        5 * time.Second,
		MaxConnections: 10,
		MaxPerHost:     4,
	}, store, nil, nil)
}

func TestFetchConditionalFlow(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Etag", `"v1"`)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newTestFetcher(t, dir)

	res, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.False(t, res.FromCache)
	assert.True(t, res.Changed)
	assert.Equal(t, []byte("<html>hello</html>"), res.Body)

	f.StoreLinks(srv.URL+"/post", []string{"https://b.example/page"})

	// A later run starts a fresh fetcher over the same cache directory.
	f2 := newTestFetcher(t, dir)
	res2, err := f2.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res2.Status)
	assert.True(t, res2.FromCache)
	assert.False(t, res2.Changed)
	assert.Equal(t, []byte("<html>hello</html>"), res2.Body)
	assert.Equal(t, []string{"https://b.example/page"}, res2.PreviousLinks)
	assert.Equal(t, int64(2), hits.Load())
}

func TestFetchWithoutCacheDirIsUnconditional(t *testing.T) {
	t.Parallel()

	var conditional atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			conditional.Store(true)
		}
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	for i := 0; i < 2; i++ {
		f := newTestFetcher(t, "")
		res, err := f.Fetch(context.Background(), srv.URL+"/")
		require.NoError(t, err)
		assert.False(t, res.FromCache)
	}
	assert.False(t, conditional.Load())
}

func TestFetchDedupesConcurrentCalls(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("slow"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), srv.URL+"/shared")
			assert.NoError(t, err)
			assert.Equal(t, []byte("slow"), res.Body)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), hits.Load())
}

func TestFetchOncePerRun(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, t.TempDir())
	for i := 0; i < 3; i++ {
		res, err := f.Fetch(context.Background(), srv.URL+"/page")
		require.NoError(t, err)
		assert.Equal(t, []byte("body"), res.Body)
	}
	assert.Equal(t, int64(1), hits.Load(), "a URL goes over the wire once per run")
}

func TestFetchErrorStatusKeepsCachedBody(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("good body"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := newTestFetcher(t, dir)

	_, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	f.StoreLinks(srv.URL+"/page", []string{"https://b.example/"})

	failing.Store(true)
	// New fetcher so the memoized outcome of the first fetch is not reused.
	f2 := newTestFetcher(t, dir)
	res, err := f2.Fetch(context.Background(), srv.URL+"/page")
	require.ErrorIs(t, err, ErrHTTPStatus)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, []string{"https://b.example/"}, res.PreviousLinks)

	// The cached body survived the failed refetch.
	store, err := cache.New(dir, nil)
	require.NoError(t, err)
	rec, ok := store.Get(res.URL)
	require.True(t, ok)
	assert.Equal(t, []byte("good body"), rec.Body)

	failing.Store(false)
	f3 := newTestFetcher(t, dir)
	res3, err := f3.Fetch(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	assert.Equal(t, []byte("good body"), res3.Body)
}

func TestFetchGoneReturnsResultAndError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	f := newTestFetcher(t, t.TempDir())
	res, err := f.Fetch(context.Background(), srv.URL+"/deleted")
	require.ErrorIs(t, err, ErrHTTPStatus)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusGone, res.Status)
}

func TestFetchCanonicalLinkHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Link", `</canonical-post>; rel="canonical"`)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, t.TempDir())
	res, err := f.Fetch(context.Background(), srv.URL+"/post")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/canonical-post", res.Canonical)
	assert.Equal(t, srv.URL+"/canonical-post", res.Source())
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("moved here"))
	})

	f := newTestFetcher(t, t.TempDir())
	res, err := f.Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", res.FinalURL)
	assert.Equal(t, []byte("moved here"), res.Body)
}

func TestPostForm(t *testing.T) {
	t.Parallel()

	var gotBody, gotCtype, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotBody = r.PostForm.Encode()
		gotCtype = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newTestFetcher(t, "")
	status, _, err := f.PostForm(context.Background(), srv.URL, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"https://a.example/feed.xml"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "application/x-www-form-urlencoded", gotCtype)
	assert.Equal(t, "pushl-test/1.0", gotUA)
	assert.Contains(t, gotBody, "hub.mode=publish")
}

func TestGet(t *testing.T) {
	t.Parallel()

	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		assert.Equal(t, "pushl-test/1.0", r.Header.Get("User-Agent"))
		w.Write([]byte("saved"))
	}))
	defer srv.Close()

	f := newTestFetcher(t, "")
	status, err := f.Get(context.Background(), srv.URL+"/save/x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, hit.Load())
}

func TestIsMarkup(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Result{ContentType: "text/html; charset=utf-8"}).IsMarkup())
	assert.True(t, (&Result{ContentType: "application/atom+xml"}).IsMarkup())
	assert.False(t, (&Result{ContentType: "image/png"}).IsMarkup())
	assert.False(t, (&Result{ContentType: "application/pdf"}).IsMarkup())
}
