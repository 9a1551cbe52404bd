package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xaenox/persona-bot/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type flakyFetcher struct {
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyFetcher) FetchAndStore(ctx context.Context, hint string) (string, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return "", errors.New("source unavailable")
	}
	return "https://cdn.example.com/" + hint + ".jpg", nil
}

type recordingAttacher struct {
	mu   sync.Mutex
	urls map[string]string
}

func (a *recordingAttacher) AttachImage(ctx context.Context, author models.Author, postID, url string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.urls == nil {
		a.urls = map[string]string{}
	}
	a.urls[postID] = url
	return nil
}

func (a *recordingAttacher) get(postID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	url, ok := a.urls[postID]
	return url, ok
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Run(ctx))
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestPoolRetriesThenAttaches(t *testing.T) {
	fetcher := &flakyFetcher{}
	fetcher.failures.Store(2)
	attacher := &recordingAttacher{}
	p := NewPool(PoolConfig{Workers: 2, MaxAttempts: 3, Backoff: time.Millisecond}, fetcher, attacher, zap.NewNop())
	stop := runPool(t, p)
	defer stop()

	p.Submit(Job{PostID: "p1", Hint: "sunset"})

	require.Eventually(t, func() bool {
		_, ok := attacher.get("p1")
		return ok
	}, time.Second, 5*time.Millisecond)
	url, _ := attacher.get("p1")
	assert.Equal(t, "https://cdn.example.com/sunset.jpg", url)
	assert.Equal(t, int32(3), fetcher.calls.Load())
	assert.Empty(t, p.DeadLetters())
}

func TestPoolDeadLettersExhaustedJobs(t *testing.T) {
	fetcher := &flakyFetcher{}
	fetcher.failures.Store(100)
	attacher := &recordingAttacher{}
	p := NewPool(PoolConfig{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond}, fetcher, attacher, zap.NewNop())
	stop := runPool(t, p)
	defer stop()

	p.Submit(Job{PostID: "p1", Hint: "rain"})

	require.Eventually(t, func() bool { return len(p.DeadLetters()) == 1 }, time.Second, 5*time.Millisecond)
	letter := p.DeadLetters()[0]
	assert.Equal(t, "p1", letter.Job.PostID)
	assert.Equal(t, 3, letter.Attempts)
	assert.Contains(t, letter.Err, "source unavailable")
	_, attached := attacher.get("p1")
	assert.False(t, attached)
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := NewPool(PoolConfig{QueueSize: 1}, &flakyFetcher{}, &recordingAttacher{}, zap.NewNop())

	p.Submit(Job{PostID: "queued"})
	p.Submit(Job{PostID: "overflow"})

	letters := p.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "overflow", letters[0].Job.PostID)
	assert.Equal(t, errQueueFull.Error(), letters[0].Err)
}

func TestFetcherStoresImageOnDisk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "cat nap" {
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("\x89PNG fake"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := NewDiskStore(dir, "https://static.example.com/")
	require.NoError(t, err)
	f := NewFetcher(srv.Client(), srv.URL+"/search?q=%s", store)

	url, err := f.FetchAndStore(context.Background(), " cat nap ")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "https://static.example.com/images/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	key := strings.TrimPrefix(url, "https://static.example.com/")
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG fake", string(data))

	_, err = f.FetchAndStore(context.Background(), "dog")
	assert.ErrorContains(t, err, "unexpected content type")

	_, err = f.FetchAndStore(context.Background(), "  ")
	assert.Error(t, err)
}

func TestFetcherRejectsOversizedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte(strings.Repeat("x", 16)))
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := NewDiskStore(dir, "")
	require.NoError(t, err)
	f := NewFetcher(srv.Client(), srv.URL+"/?q=%s", store)

	f.maxBytes = 16
	_, err = f.FetchAndStore(context.Background(), "exact fit")
	require.NoError(t, err, "an image of exactly the limit is kept")

	f.maxBytes = 15
	_, err = f.FetchAndStore(context.Background(), "too big")
	assert.ErrorIs(t, err, errImageTooLarge)

	stored, err := filepath.Glob(filepath.Join(dir, "images", "*"))
	require.NoError(t, err)
	assert.Len(t, stored, 1, "truncated images are never stored")
}
