package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/store"
	"github.com/surgekit/godl/internal/types"
	"github.com/surgekit/godl/internal/worker"
)

// fakeRunner stands in for *worker.Worker so scheduler tests exercise
// admission control and state transitions without real HTTP traffic.
type fakeRunner struct {
	delay     time.Duration
	result    error
	onStarted func()
}

func (f *fakeRunner) Run(ctx context.Context, task *types.Task, onProgress worker.ProgressFunc) error {
	if f.onStarted != nil {
		f.onStarted()
	}
	timer := time.NewTimer(f.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return types.NewError(types.KindCancelled, "cancelled", ctx.Err())
	}
	if onProgress != nil {
		onProgress(task.Clone())
	}
	return f.result
}

func newTestScheduler(t *testing.T, maxConcurrent int) *Scheduler {
	t.Helper()
	st, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	s, err := New(Config{MaxConcurrent: maxConcurrent, DefaultConnections: 4}, st, events.New(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func withFakeRunner(s *Scheduler, r runner) {
	s.newRunner = func() runner { return r }
}

func TestScheduler_AddTaskStartsInWaiting(t *testing.T) {
	s := newTestScheduler(t, 4)
	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, task.Status)
	assert.Equal(t, 4, task.Connections) // falls back to DefaultConnections
}

func TestScheduler_AddTaskRejectsEmptyURL(t *testing.T) {
	s := newTestScheduler(t, 4)
	_, err := s.AddTask("", t.TempDir(), "a.bin", 4)
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	assert.Equal(t, types.KindInvalidInput, kind)
}

func TestScheduler_AddTaskRejectsExistingFinalFile(t *testing.T) {
	s := newTestScheduler(t, 4)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("already here"), 0o644))

	_, err := s.AddTask("https://example.com/a.bin", dir, "a.bin", 4)
	require.Error(t, err)
	kind, _ := types.KindOf(err)
	assert.Equal(t, types.KindAlreadyExists, kind)
}

func TestScheduler_AdmissionCapIsHonored(t *testing.T) {
	s := newTestScheduler(t, 2)
	withFakeRunner(s, &fakeRunner{delay: 200 * time.Millisecond})

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := s.AddTask("https://example.com/f.bin", t.TempDir(), "f.bin", 4)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		require.NoError(t, s.StartTask(id))
	}

	// Give the launch goroutines a moment to update state.
	time.Sleep(20 * time.Millisecond)

	var downloading, waiting int
	for _, id := range ids {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		switch task.Status {
		case types.StatusDownloading:
			downloading++
		case types.StatusWaiting:
			waiting++
		}
	}
	assert.Equal(t, 2, downloading, "admission cap must limit concurrently active downloads")
	assert.Equal(t, 1, waiting, "the third task stays queued behind the cap")
}

func TestScheduler_QueuedTaskIsPromotedWhenASlotFrees(t *testing.T) {
	s := newTestScheduler(t, 1)
	withFakeRunner(s, &fakeRunner{delay: 30 * time.Millisecond})

	first, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)
	second, err := s.AddTask("https://example.com/b.bin", t.TempDir(), "b.bin", 4)
	require.NoError(t, err)

	require.NoError(t, s.StartTask(first.ID))
	require.NoError(t, s.StartTask(second.ID))

	time.Sleep(10 * time.Millisecond)
	task, err := s.GetTask(second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, task.Status, "second task should be queued while the cap is full")

	require.Eventually(t, func() bool {
		task, err := s.GetTask(second.ID)
		require.NoError(t, err)
		return task.Status == types.StatusDownloading || task.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond, "queued task must be promoted once the first finishes")
}

func TestScheduler_SuccessfulRunMarksCompleted(t *testing.T) {
	s := newTestScheduler(t, 4)
	withFakeRunner(s, &fakeRunner{delay: 5 * time.Millisecond})

	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID))

	require.Eventually(t, func() bool {
		got, err := s.GetTask(task.ID)
		require.NoError(t, err)
		return got.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_FailedRunMarksFailedWithError(t *testing.T) {
	s := newTestScheduler(t, 4)
	wantErr := types.NewError(types.KindTransportError, "boom", nil)
	withFakeRunner(s, &fakeRunner{delay: 5 * time.Millisecond, result: wantErr})

	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID))

	require.Eventually(t, func() bool {
		got, err := s.GetTask(task.ID)
		require.NoError(t, err)
		return got.Status == types.StatusFailed
	}, time.Second, 5*time.Millisecond)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "boom")
	assert.Equal(t, 1, got.RetryCount)
}

func TestScheduler_PauseCancelsAndSetsPaused(t *testing.T) {
	s := newTestScheduler(t, 4)
	started := make(chan struct{})
	var once bool
	withFakeRunner(s, &fakeRunner{
		delay: time.Hour,
		onStarted: func() {
			if !once {
				once = true
				close(started)
			}
		},
	})

	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID))

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("fake runner never started")
	}

	require.NoError(t, s.PauseTask(task.ID))

	require.Eventually(t, func() bool {
		got, err := s.GetTask(task.ID)
		require.NoError(t, err)
		return got.Status == types.StatusPaused
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_RemoveTaskDeletesRecord(t *testing.T) {
	s := newTestScheduler(t, 4)
	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)

	require.NoError(t, s.RemoveTask(task.ID))

	_, err = s.GetTask(task.ID)
	require.Error(t, err)
	assert.Empty(t, s.ListTasks())
}

func TestScheduler_ClearCompletedOnlyRemovesCompleted(t *testing.T) {
	s := newTestScheduler(t, 4)
	withFakeRunner(s, &fakeRunner{delay: 5 * time.Millisecond})

	done, err := s.AddTask("https://example.com/done.bin", t.TempDir(), "done.bin", 4)
	require.NoError(t, err)
	pending, err := s.AddTask("https://example.com/pending.bin", t.TempDir(), "pending.bin", 4)
	require.NoError(t, err)

	require.NoError(t, s.StartTask(done.ID))
	require.Eventually(t, func() bool {
		got, err := s.GetTask(done.ID)
		require.NoError(t, err)
		return got.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.ClearCompleted())

	_, err = s.GetTask(done.ID)
	require.Error(t, err)
	_, err = s.GetTask(pending.ID)
	require.NoError(t, err)
}

// funcRunner lets a test vary its result per task, unlike fakeRunner's one
// fixed outcome shared across every task it drives.
type funcRunner struct {
	fn func(task *types.Task) error
}

func (f *funcRunner) Run(ctx context.Context, task *types.Task, onProgress worker.ProgressFunc) error {
	return f.fn(task)
}

func TestScheduler_AllTasksCompletedFiresOnlyWhenEveryTaskCompleted(t *testing.T) {
	s := newTestScheduler(t, 4)
	sub, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	withFakeRunner(s, &funcRunner{fn: func(task *types.Task) error {
		if task.Filename == "fails.bin" {
			return types.NewError(types.KindTransportError, "boom", nil)
		}
		return nil
	}})

	ok, err := s.AddTask("https://example.com/ok.bin", t.TempDir(), "ok.bin", 4)
	require.NoError(t, err)
	fails, err := s.AddTask("https://example.com/fails.bin", t.TempDir(), "fails.bin", 4)
	require.NoError(t, err)

	require.NoError(t, s.StartTask(ok.ID))
	require.Eventually(t, func() bool {
		got, err := s.GetTask(ok.ID)
		require.NoError(t, err)
		return got.Status == types.StatusCompleted
	}, time.Second, 5*time.Millisecond)

	// The successful task finishing alone, with its sibling still Waiting,
	// must not report AllTasksCompleted.
	select {
	case evt := <-sub:
		assert.NotEqual(t, events.AllTasksCompleted, evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.StartTask(fails.ID))
	require.Eventually(t, func() bool {
		got, err := s.GetTask(fails.ID)
		require.NoError(t, err)
		return got.Status == types.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// Now every task has reached a terminal state, but one Failed — still
	// must not fire AllTasksCompleted.
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case evt := <-sub:
			assert.NotEqual(t, events.AllTasksCompleted, evt.Kind)
		case <-deadline:
			return
		}
	}
}

func TestScheduler_ShutdownWaitsForActiveWorkers(t *testing.T) {
	s := newTestScheduler(t, 4)
	withFakeRunner(s, &fakeRunner{delay: 20 * time.Millisecond})

	task, err := s.AddTask("https://example.com/a.bin", t.TempDir(), "a.bin", 4)
	require.NoError(t, err)
	require.NoError(t, s.StartTask(task.ID))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
