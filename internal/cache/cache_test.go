package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	url := "https://a.example/feed.xml"
	rec := &Record{
		Status:       200,
		FinalURL:     url,
		Etag:         `"abc"`,
		LastModified: "Wed, 01 Jan 2025 00:00:00 GMT",
		ContentType:  "application/atom+xml",
		Body:         []byte("<feed/>"),
		Digest:       Digest([]byte("<feed/>")),
		Links:        []string{"https://a.example/post1"},
	}
	require.NoError(t, store.Put(url, rec))

	got, ok := store.Get(url)
	require.True(t, ok)
	assert.Equal(t, schemaVersion, got.Version)
	assert.Equal(t, url, got.URL)
	assert.Equal(t, rec.Etag, got.Etag)
	assert.Equal(t, rec.Body, got.Body)
	assert.Equal(t, rec.Links, got.Links)
	assert.False(t, got.FetchedAt.IsZero())
}

func TestStoreMissOnCorruptRecord(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	url := "https://a.example/post"
	path := filepath.Join(dir, FileName(url))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, ok := store.Get(url)
	assert.False(t, ok)

	// The next write replaces the corrupt file.
	require.NoError(t, store.Put(url, &Record{Status: 200}))
	_, ok = store.Get(url)
	assert.True(t, ok)
}

func TestStoreMissOnUnknownVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	url := "https://a.example/post"
	data, err := json.Marshal(Record{Version: 99, Status: 200})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(url)), data, 0o600))

	_, ok := store.Get(url)
	assert.False(t, ok)
}

func TestStoreDisabled(t *testing.T) {
	t.Parallel()

	store, err := New("", nil)
	require.NoError(t, err)
	assert.False(t, store.Enabled())

	require.NoError(t, store.Put("https://a.example/", &Record{Status: 200}))
	_, ok := store.Get("https://a.example/")
	assert.False(t, ok)
}

func TestStoreRejectsNonDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := New(file, nil)
	assert.Error(t, err)
}

func TestTouchPreservesBodyAndLinks(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	url := "https://a.example/post"
	require.NoError(t, store.Put(url, &Record{
		Status: 200,
		Body:   []byte("body"),
		Links:  []string{"https://b.example/page"},
	}))

	store.now = func() time.Time { return base.Add(time.Hour) }
	store.Touch(url)

	got, ok := store.Get(url)
	require.True(t, ok)
	assert.Equal(t, []byte("body"), got.Body)
	assert.Equal(t, []string{"https://b.example/page"}, got.Links)
	assert.Equal(t, base.Add(time.Hour), got.FetchedAt)
}

func TestSetLinks(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	url := "https://a.example/post"
	require.NoError(t, store.Put(url, &Record{Status: 200, Links: []string{"old"}}))

	store.SetLinks(url, []string{"https://c.example/page"})
	got, ok := store.Get(url)
	require.True(t, ok)
	assert.Equal(t, []string{"https://c.example/page"}, got.Links)
}

func TestFileNameStable(t *testing.T) {
	t.Parallel()

	a := FileName("https://a.example/feed.xml")
	assert.Len(t, a, 64)
	assert.Equal(t, a, FileName("https://a.example/feed.xml"))
	assert.NotEqual(t, a, FileName("https://a.example/feed.xml?page=2"))
}
