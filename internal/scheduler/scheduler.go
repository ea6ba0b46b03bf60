// Package scheduler implements the Task Scheduler (Download Manager): the
// facade the CLI and any future API layer call into, coordinating the
// admission cap, the per-task Worker lifecycle, persistence, and the
// Observer Bus. Grounded on the teacher's cmd package (which plays this
// role informally, spread across get.go/ls.go/process.go) and
// original_source/src/core/download_manager.py, which is the much closer
// structural match: a single class owning a task map, a
// max_concurrent_downloads cap, and add/remove/start/pause/resume/stop
// operations that this package mirrors directly.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/surgekit/godl/internal/events"
	"github.com/surgekit/godl/internal/store"
	"github.com/surgekit/godl/internal/types"
	"github.com/surgekit/godl/internal/worker"
)

// runner is the subset of *worker.Worker the Scheduler depends on. Tests
// substitute a fake to exercise admission control and state transitions
// without real network traffic.
type runner interface {
	Run(ctx context.Context, task *types.Task, onProgress worker.ProgressFunc) error
}

// Config tunes the Scheduler. Per spec §9's Design Notes, this is a plain
// struct passed to New — never a package-level singleton.
type Config struct {
	MaxConcurrent      int
	DefaultConnections int
	WorkerConfig       worker.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 3
	}
	if c.DefaultConnections < 1 {
		c.DefaultConnections = 8
	}
	return c
}

type cancelReason int

const (
	reasonPause cancelReason = iota
	reasonStop
)

type slot struct {
	cancel context.CancelFunc
	reason cancelReason
}

// Scheduler is the Download Manager: it owns the canonical Task records
// and is the only component allowed to mutate task.Status in a way that's
// externally visible, per the ownership note in internal/types.Task.
type Scheduler struct {
	cfg Config

	store  *store.Store
	bus    *events.Bus
	logger zerolog.Logger

	newRunner func() runner

	mu        sync.Mutex
	tasks     map[string]*types.Task
	order     []string // insertion order, used for listing and persistence
	active    map[string]*slot
	waiting   []string // task IDs queued behind the concurrency cap, FIFO in StartTask call order (not insertion order)
	wg        sync.WaitGroup
	shutdown  bool
}

// New loads any persisted tasks (demoting Downloading to Paused, per
// internal/store's Load) and returns a ready Scheduler. It does not start
// any downloads: resuming is an explicit StartTask call, matching
// original_source's DownloadManager, which never auto-resumes on launch.
func New(cfg Config, st *store.Store, bus *events.Bus, logger zerolog.Logger) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	s := &Scheduler{
		cfg:    cfg,
		store:  st,
		bus:    bus,
		logger: logger,
		tasks:  make(map[string]*types.Task),
		active: make(map[string]*slot),
	}
	s.newRunner = func() runner { return worker.New(cfg.WorkerConfig, logger) }

	loaded, err := st.Load()
	if err != nil {
		return nil, err
	}
	for _, t := range loaded {
		s.tasks[t.ID] = t
		s.order = append(s.order, t.ID)
	}
	return s, nil
}

// AddTask registers a new download in Waiting state. It does not start it;
// call StartTask to begin fetching.
func (s *Scheduler) AddTask(url, saveDirectory, filename string, connections int) (*types.Task, error) {
	if url == "" {
		return nil, types.NewError(types.KindInvalidInput, "url must not be empty", nil)
	}
	if saveDirectory == "" {
		return nil, types.NewError(types.KindInvalidInput, "save directory must not be empty", nil)
	}
	if connections < 1 {
		connections = s.cfg.DefaultConnections
	}
	if filename != "" {
		if _, err := os.Stat(filepath.Join(saveDirectory, filename)); err == nil {
			return nil, types.NewError(types.KindAlreadyExists, "final file already exists", nil)
		}
	}

	task := &types.Task{
		ID:            uuid.NewString(),
		URL:           url,
		SaveDirectory: saveDirectory,
		Filename:      filename,
		Status:        types.StatusWaiting,
		Connections:   connections,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.order = append(s.order, task.ID)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.Event{Kind: events.TaskAdded, Task: task.Clone()})
	return task.Clone(), nil
}

// RemoveTask stops an active download (if any), best-effort deletes its
// working (.tmp) file, and deletes its record.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return types.NewError(types.KindInvalidInput, "no such task", nil)
	}
	s.cancelLocked(id, reasonStop)
	workingPath := task.WorkingPath()
	delete(s.tasks, id)
	s.order = removeString(s.order, id)
	s.waiting = removeString(s.waiting, id)
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.Remove(workingPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", workingPath).Msg("failed to remove working file")
	}

	s.bus.Publish(events.Event{Kind: events.TaskRemoved, Task: task.Clone()})
	return nil
}

// StartTask admits a task to run immediately if a concurrency slot is
// free, or enqueues it behind the cap otherwise. Queued tasks are promoted
// FIFO in the order StartTask queued them, not in task insertion order.
func (s *Scheduler) StartTask(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return types.NewError(types.KindInvalidInput, "no such task", nil)
	}
	if !task.CanStart() {
		s.mu.Unlock()
		return types.NewError(types.KindInvalidInput, "task cannot be started from its current status", nil)
	}
	if len(s.active) >= s.cfg.MaxConcurrent {
		s.waiting = append(s.waiting, id)
		s.mu.Unlock()
		return nil
	}
	s.launchLocked(task)
	s.mu.Unlock()
	return nil
}

// PauseTask cancels a running download cooperatively; the Worker's own
// goroutines see the cancellation and stop mid-chunk, leaving per-chunk
// progress intact for a later StartTask to resume exactly.
func (s *Scheduler) PauseTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return types.NewError(types.KindInvalidInput, "no such task", nil)
	}
	s.waiting = removeString(s.waiting, id)
	s.cancelLocked(id, reasonPause)
	return nil
}

// StopTask cancels a running (or queued) download and marks it Stopped. It
// differs from PauseTask only in the terminal status recorded; resumption
// still works from the same persisted chunk counters, since restarting a
// clean download from partial progress is always safe.
func (s *Scheduler) StopTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return types.NewError(types.KindInvalidInput, "no such task", nil)
	}
	wasQueued := removeFromSlice(&s.waiting, id)
	if wasQueued {
		task.Status = types.StatusStopped
		return s.persistLocked()
	}
	s.cancelLocked(id, reasonStop)
	return nil
}

// ResumeTask is an alias for StartTask: a paused or stopped task resumes
// the same way any startable task does, from its persisted chunk state.
func (s *Scheduler) ResumeTask(id string) error { return s.StartTask(id) }

// GetTask returns a snapshot clone of one task.
func (s *Scheduler) GetTask(id string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, types.NewError(types.KindInvalidInput, "no such task", nil)
	}
	return task.Clone(), nil
}

// ListTasks returns snapshot clones of every task, in insertion order.
func (s *Scheduler) ListTasks() []*types.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ClearCompleted removes every task in the Completed state.
func (s *Scheduler) ClearCompleted() error {
	s.mu.Lock()
	var removed []*types.Task
	var kept []string
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status == types.StatusCompleted {
			removed = append(removed, t.Clone())
			delete(s.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, t := range removed {
		s.bus.Publish(events.Event{Kind: events.TaskRemoved, Task: t})
	}
	return nil
}

// Shutdown cancels every active download, waits for their Worker
// goroutines to return, and persists final state. Queued-but-not-started
// tasks are left Waiting so they resume their place on the next launch.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	for id := range s.active {
		s.cancelLocked(id, reasonPause)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return types.NewError(types.KindCancelled, "shutdown timed out waiting for workers", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// launchLocked starts task's Worker in a new goroutine. Callers must hold
// s.mu. Per spec §5, exactly one Worker ever runs a given task at a time:
// the CanStart check in StartTask and finish (a Downloading task is not
// startable) is what guarantees this.
func (s *Scheduler) launchLocked(task *types.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	s.active[task.ID] = &slot{cancel: cancel, reason: reasonPause}
	task.Status = types.StatusDownloading

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w := s.newRunner()
		err := w.Run(ctx, task, func(snapshot *types.Task) {
			s.mu.Lock()
			if cur, ok := s.tasks[task.ID]; ok {
				*cur = *snapshot
			}
			s.mu.Unlock()
			s.bus.Publish(events.Event{Kind: events.TaskUpdated, Task: snapshot})
		})
		s.finish(task.ID, err)
	}()
}

// finish applies a Worker's terminal result to the canonical record.
func (s *Scheduler) finish(id string, runErr error) {
	s.mu.Lock()

	reason := reasonPause
	if sl, ok := s.active[id]; ok {
		reason = sl.reason
		sl.cancel()
	}
	delete(s.active, id)

	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	switch {
	case runErr == nil:
		task.Status = types.StatusCompleted
	default:
		if kind, _ := types.KindOf(runErr); kind == types.KindCancelled {
			if reason == reasonStop {
				task.Status = types.StatusStopped
			} else {
				task.Status = types.StatusPaused
			}
		} else {
			task.Status = types.StatusFailed
			task.Error = runErr.Error()
			task.RetryCount++
		}
	}
	task.SpeedBPS = 0

	persistErr := s.persistLocked()

	if len(s.waiting) > 0 && !s.shutdown {
		nextID := s.waiting[0]
		s.waiting = s.waiting[1:]
		if t, ok := s.tasks[nextID]; ok && t.CanStart() {
			s.launchLocked(t)
		}
	}
	snapshot := task.Clone()
	allDone := s.allCompletedLocked()
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error().Err(persistErr).Str("task_id", id).Msg("failed to persist task store")
	}

	switch task.Status {
	case types.StatusCompleted:
		s.bus.Publish(events.Event{Kind: events.TaskCompleted, Task: snapshot})
	case types.StatusFailed:
		s.bus.Publish(events.Event{Kind: events.TaskFailed, Task: snapshot})
	default:
		s.bus.Publish(events.Event{Kind: events.TaskUpdated, Task: snapshot})
	}
	if allDone {
		s.bus.Publish(events.Event{Kind: events.AllTasksCompleted})
	}
}

// allCompletedLocked reports whether every known task has finished
// Completed — the condition original_source's `all(task.status ==
// "completed")` checks before signalling AllTasksCompleted. Nothing
// active or waiting is necessary but not sufficient: a batch that ended
// in Failed or Stopped must not be reported as "all completed".
func (s *Scheduler) allCompletedLocked() bool {
	if len(s.active) != 0 || len(s.waiting) != 0 {
		return false
	}
	for _, t := range s.tasks {
		if t.Status != types.StatusCompleted {
			return false
		}
	}
	return true
}

// cancelLocked cancels an active task's context if it has one, recording
// why so finish can set the right terminal status.
func (s *Scheduler) cancelLocked(id string, reason cancelReason) {
	if sl, ok := s.active[id]; ok {
		sl.reason = reason
		sl.cancel()
	}
}

func (s *Scheduler) persistLocked() error {
	all := make([]*types.Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			all = append(all, t)
		}
	}
	return s.store.Save(all)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

func removeFromSlice(list *[]string, target string) bool {
	for i, v := range *list {
		if v == target {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
