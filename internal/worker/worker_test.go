package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgekit/godl/internal/types"
)

func rangedServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end); err != nil {
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func newTestWorker() *Worker {
	cfg := DefaultConfig()
	cfg.BufferSize = 64
	cfg.HealthCheckInterval = 20 * time.Millisecond
	cfg.BalanceInterval = 15 * time.Millisecond
	cfg.ProgressInterval = 10 * time.Millisecond
	cfg.SlowWorkerGrace = 50 * time.Millisecond
	cfg.MinChunkSize = 16
	cfg.RetryBaseDelay = 5 * time.Millisecond
	return New(cfg, zerolog.Nop())
}

func TestRun_ChunkedDownloadCompletes(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangedServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	task := &types.Task{
		ID:            "task-1",
		URL:           srv.URL,
		SaveDirectory: dir,
		Filename:      "out.bin",
		Connections:   4,
		Status:        types.StatusWaiting,
		CreatedAt:     time.Now(),
	}

	var updates int64
	err := newTestWorker().Run(context.Background(), task, func(snapshot *types.Task) {
		atomic.AddInt64(&updates, 1)
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusDownloading, task.Status) // terminal transition belongs to the Scheduler
	assert.Equal(t, int64(len(body)), task.DownloadedSize)
	assert.Equal(t, int64(len(body)), task.TotalSize)

	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	_, err = os.Stat(filepath.Join(dir, "out.bin"+types.IncompleteSuffix))
	assert.True(t, os.IsNotExist(err), "working file should be renamed away on completion")
}

func TestRun_ResumesFromPersistedChunkCounters(t *testing.T) {
	body := make([]byte, 2048)
	for i := range body {
		body[i] = byte(i % 200)
	}
	srv := rangedServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	task := &types.Task{
		ID:            "task-2",
		URL:           srv.URL,
		SaveDirectory: dir,
		Filename:      "resumed.bin",
		Connections:   2,
		Status:        types.StatusPaused,
		TotalSize:     int64(len(body)),
		SupportsRange: true,
		ConnectionsUsed: 2,
		Chunks: []types.Chunk{
			{Start: 0, End: 1023, Downloaded: 1023}, // one byte left in this chunk
			{Start: 1024, End: 2047, Downloaded: 0},
		},
		CreatedAt: time.Now(),
	}

	// Pre-seed the working file so the worker only has to fill in what its
	// persisted counters say is still missing.
	f, err := os.OpenFile(task.WorkingPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(task.TotalSize))
	_, err = f.WriteAt(body[:1023], 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = newTestWorker().Run(context.Background(), task, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "resumed.bin"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRun_CancelledMidDownloadIsReportedAsCancelled(t *testing.T) {
	body := make([]byte, 1<<20)
	srv := rangedServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	task := &types.Task{
		ID:            "task-3",
		URL:           srv.URL,
		SaveDirectory: dir,
		Filename:      "big.bin",
		Connections:   4,
		Status:        types.StatusWaiting,
		CreatedAt:     time.Now(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var started int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- newTestWorker().Run(ctx, task, func(snapshot *types.Task) {
			if atomic.CompareAndSwapInt32(&started, 0, 1) {
				cancel() // cancel as soon as the first progress tick proves bytes are flowing
			}
		})
	}()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return after cancellation")
	}

	require.Error(t, err)
	kind, ok := types.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, types.KindCancelled, kind)

	// Some bytes may have landed before cancellation; the working file
	// must still exist (not renamed) so a future resume can pick it up.
	_, statErr := os.Stat(task.WorkingPath())
	assert.NoError(t, statErr)
}

func TestRun_SingleStreamFallbackWhenServerIgnoresRange(t *testing.T) {
	body := []byte("no ranges supported here, just the whole body every time")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Range is never honored: the probe sees a 200 instead of a 206,
		// which forces the single-stream path.
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	task := &types.Task{
		ID:            "task-4",
		URL:           srv.URL,
		SaveDirectory: dir,
		Connections:   4,
		Status:        types.StatusWaiting,
		CreatedAt:     time.Now(),
	}

	err := newTestWorker().Run(context.Background(), task, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), task.DownloadedSize)
	assert.NotEmpty(t, task.Filename)

	got, err := os.ReadFile(task.FinalPath())
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
