package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hosts = "0.0.0.0 ads.example.com\n0.0.0.0 tracker.example.com\n"

func newTestRefresher(t *testing.T, url string) *Refresher {
	t.Helper()
	r, err := New(Options{
		URL:      url,
		Path:     filepath.Join(t.TempDir(), "hosts.adblock"),
		MaxAge:   time.Hour,
		Timeout:  5 * time.Second,
		RetryMax: 2,
	})
	require.NoError(t, err)
	r.client.RetryWaitMin = time.Millisecond
	r.client.RetryWaitMax = 5 * time.Millisecond
	return r
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(hosts))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	assert.True(t, r.Stale())
	assert.Empty(t, r.Available())

	require.NoError(t, r.Refresh(context.Background()))

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, hosts, string(data))
	assert.Equal(t, r.Path(), r.Available())
	assert.False(t, r.Stale())

	entries, err := os.ReadDir(filepath.Dir(r.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestRefreshRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(hosts))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefreshFailureKeepsOldFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	require.NoError(t, os.WriteFile(r.Path(), []byte("old"), 0644))

	assert.Error(t, r.Refresh(context.Background()))

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestStaleness(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(hosts))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	require.NoError(t, r.RefreshIfStale(context.Background()))
	require.NoError(t, r.RefreshIfStale(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.True(t, r.Stale())
	require.NoError(t, r.RefreshIfStale(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{Path: "x"})
	assert.Error(t, err)
	_, err = New(Options{URL: "http://x"})
	assert.Error(t, err)
}

func TestRefreshIfStaleBacksOffAfterFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.Error(t, r.RefreshIfStale(context.Background()))
	for i := 0; i < 10; i++ {
		assert.NoError(t, r.RefreshIfStale(context.Background()))
	}
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(DefaultFailureBackoff + time.Second)
	assert.Error(t, r.RefreshIfStale(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshSuccessClearsBackoff(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(hosts))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	now := time.Now()
	r.now = func() time.Time { return now }

	assert.Error(t, r.RefreshIfStale(context.Background()))
	fail.Store(false)
	now = now.Add(DefaultFailureBackoff + time.Second)
	require.NoError(t, r.RefreshIfStale(context.Background()))
	assert.True(t, r.failedAt.IsZero())

	// Once the file ages out, the next refresh is not held back.
	now = now.Add(2 * time.Hour)
	require.NoError(t, r.RefreshIfStale(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestRefreshRejectsOversizedFile(t *testing.T) {
	body := strings.Repeat("0.0.0.0 ads.example.com\n", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	r := newTestRefresher(t, srv.URL)
	r.opts.MaxSize = int64(len(body) - 1)
	require.NoError(t, os.WriteFile(r.Path(), []byte("old"), 0644))

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	// Exactly at the limit is accepted.
	r.opts.MaxSize = int64(len(body))
	require.NoError(t, r.Refresh(context.Background()))
	data, err = os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}
