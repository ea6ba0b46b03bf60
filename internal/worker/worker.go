// Package worker implements the Task Worker: the component that probes a
// remote resource, plans its byte-range partition, fetches the bytes with
// one goroutine per chunk, rebalances work between those goroutines as
// their speeds diverge, and renames the finished file into place.
//
// Grounded on the teacher's internal/engine/concurrent package
// (downloader.go's Download method, worker.go's worker/downloadTask/
// StealWork, task.go's ActiveTask, task_queue.go's TaskQueue, and
// health.go's checkWorkerHealth), adapted from "one ActiveTask per whole
// download" to "one activeFetch per chunk sub-range" so the byte-range
// partition computed by internal/planner stays the unit of persistence.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgekit/godl/internal/planner"
	"github.com/surgekit/godl/internal/prober"
	"github.com/surgekit/godl/internal/types"
)

// ProgressFunc receives a cloned, point-in-time snapshot of the task at
// most once per second, per spec §4.2's progress aggregation rule. The
// callback is expected to apply the snapshot under whatever lock the
// caller (the Scheduler) uses to guard its own Task map.
type ProgressFunc func(snapshot *types.Task)

// Config tunes a Worker's retry, rebalancing, and reporting behavior. All
// fields have spec-compliant defaults via DefaultConfig.
type Config struct {
	BufferSize   int64
	MinChunkSize int64
	AlignSize    int64

	MaxRetries     int
	RetryBaseDelay time.Duration

	ProgressInterval time.Duration

	HealthCheckInterval time.Duration
	SlowWorkerThreshold float64 // fraction of mean speed below which a fetch is "slow"
	SlowWorkerGrace     time.Duration
	SpeedEMAAlpha       float64

	BalanceInterval time.Duration

	UserAgent string
}

// DefaultConfig returns the values used when a Scheduler doesn't override
// them explicitly.
func DefaultConfig() Config {
	return Config{
		BufferSize:          32 * 1024,
		MinChunkSize:        planner.DefaultMinChunkSize,
		AlignSize:           4096,
		MaxRetries:          5,
		RetryBaseDelay:      500 * time.Millisecond,
		ProgressInterval:    time.Second,
		HealthCheckInterval: 2 * time.Second,
		SlowWorkerThreshold: 0.5,
		SlowWorkerGrace:     5 * time.Second,
		SpeedEMAAlpha:       0.3,
		BalanceInterval:     750 * time.Millisecond,
		UserAgent:           prober.DefaultUserAgent,
	}
}

// Worker executes a single Task end to end. It holds no task-specific
// state between Run calls, so one Worker can be reused across tasks
// sequentially, or one built per task — the Scheduler decides.
type Worker struct {
	cfg    Config
	logger zerolog.Logger
	client *http.Client
}

// New builds a Worker. client.Timeout is left at zero deliberately: chunk
// fetches are long-lived and bounded by ctx, not a blanket deadline; the
// teacher's retryablehttp client is used for the cheap metadata probe in
// internal/prober but not here, because a generic whole-body retry would
// discard the exact-offset resume this package implements per fetch unit.
func New(cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{},
	}
}

// Run downloads task to completion, pause, or failure. A fresh task (no
// Chunks yet) is probed and planned first; a resumed task (Chunks already
// present, carrying per-chunk Downloaded counters from the store) skips
// straight to fetching so a crash or pause never loses verified bytes —
// the bug the teacher's own state.go resume path did not guard against.
//
// Run returns nil on successful completion, a *types.Error with
// Kind=KindCancelled when ctx was cancelled (the Scheduler decides whether
// that means paused or stopped), or another *types.Error on failure. It
// never sets task.Status to a terminal value itself; ownership of that
// transition stays with the Scheduler, which holds the lock for the
// canonical Task record.
func (w *Worker) Run(ctx context.Context, task *types.Task, onProgress ProgressFunc) error {
	task.Status = types.StatusDownloading
	if task.StartedAt == nil {
		now := time.Now()
		task.StartedAt = &now
	}

	if err := os.MkdirAll(task.SaveDirectory, 0o755); err != nil {
		return types.NewError(types.KindIOError, "creating save directory", err)
	}

	if len(task.Chunks) == 0 {
		if err := w.planFresh(ctx, task); err != nil {
			if ctx.Err() != nil {
				return types.NewError(types.KindCancelled, "cancelled during probe", ctx.Err())
			}
			return err
		}
	}

	if task.TotalSize <= 0 || !task.SupportsRange {
		return w.runStreaming(ctx, task, onProgress)
	}
	return w.runChunked(ctx, task, onProgress)
}

func (w *Worker) planFresh(ctx context.Context, task *types.Task) error {
	result, err := prober.Probe(ctx, task.URL, prober.Options{
		UserAgent:    w.cfg.UserAgent,
		FilenameHint: task.Filename,
		Logger:       w.logger,
	})
	if err != nil {
		return err
	}

	task.TotalSize = result.TotalSize
	task.SupportsRange = result.SupportsRange
	if task.Filename == "" {
		task.Filename = result.Filename
	}

	if task.TotalSize <= 0 || !task.SupportsRange {
		task.Chunks = nil
		task.ConnectionsUsed = 1
		return nil
	}

	task.Chunks = planner.Plan(task.TotalSize, task.Connections, w.cfg.MinChunkSize)
	task.ConnectionsUsed = len(task.Chunks)
	return nil
}

// runState holds everything a chunked run's goroutines share. chunksMu
// guards task.Chunks, which grows when the balancer splits a unit: each
// split turns one Chunk into two, so every Chunk's Downloaded counter
// always describes bytes written contiguously from its own Start — never
// two fetchers racing to extend the same counter from different offsets.
type runState struct {
	ctx    context.Context
	cancel context.CancelFunc

	task   *types.Task
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	file *os.File

	chunksMu sync.Mutex

	queue  *unitQueue
	health *healthMonitor

	wg sync.WaitGroup

	firstErr atomic.Value // stores error
	errOnce  sync.Once

	onProgress ProgressFunc
	speedEMA   float64
	lastTotal  int64
	lastTick   time.Time
}

func (w *Worker) runChunked(ctx context.Context, task *types.Task, onProgress ProgressFunc) error {
	path := task.WorkingPath()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return types.NewError(types.KindIOError, "opening working file", err)
	}
	defer file.Close()
	if err := file.Truncate(task.TotalSize); err != nil {
		return types.NewError(types.KindIOError, "preallocating working file", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{
		ctx:        runCtx,
		cancel:     cancel,
		task:       task,
		cfg:        w.cfg,
		client:     w.client,
		logger:     w.logger,
		file:       file,
		queue:      newUnitQueue(),
		health:     newHealthMonitor(w.cfg.HealthCheckInterval, w.cfg.SlowWorkerGrace, w.cfg.SlowWorkerThreshold),
		onProgress: onProgress,
		lastTick:   time.Now(),
	}

	for idx, c := range task.Chunks {
		if c.Done() {
			continue
		}
		rs.queue.Push(fetchUnit{chunkIdx: idx, start: c.Start + c.Downloaded, end: c.End})
	}

	// The queue is closed either when the whole task finishes (detected by
	// the balancer below) or immediately when the run is cancelled
	// (pause/stop/error), so that any fetcher blocked waiting for work
	// wakes up and exits instead of hanging forever.
	go func() {
		<-runCtx.Done()
		rs.queue.Close()
	}()

	numFetchers := task.ConnectionsUsed
	if numFetchers < 1 {
		numFetchers = 1
	}
	if numFetchers > rs.queue.Len() {
		numFetchers = rs.queue.Len()
	}
	if numFetchers < 1 {
		numFetchers = 1
	}

	var monitorWG sync.WaitGroup
	monitorWG.Add(2)
	go func() { defer monitorWG.Done(); rs.runHealthMonitor() }()
	go func() { defer monitorWG.Done(); rs.runBalancer() }()

	progressDone := make(chan struct{})
	go func() { defer close(progressDone); rs.runProgressTicker() }()

	rs.wg.Add(numFetchers)
	for slot := 0; slot < numFetchers; slot++ {
		go rs.fetchLoop(slot)
	}
	rs.wg.Wait()

	cancel() // stop health/balance/progress goroutines
	monitorWG.Wait()
	<-progressDone

	rs.reportProgress(true)

	if v := rs.firstErr.Load(); v != nil {
		return v.(error)
	}
	if ctx.Err() != nil {
		return types.NewError(types.KindCancelled, "download cancelled", ctx.Err())
	}

	return w.finish(task, file)
}

func (w *Worker) finish(task *types.Task, file *os.File) error {
	info, err := file.Stat()
	if err != nil {
		return types.NewError(types.KindIOError, "stat on completion", err)
	}
	if task.TotalSize > 0 && info.Size() != task.TotalSize {
		return types.NewError(types.KindIOError,
			fmt.Sprintf("size mismatch on completion: wrote %d, expected %d", info.Size(), task.TotalSize), nil)
	}
	if err := file.Close(); err != nil {
		return types.NewError(types.KindIOError, "closing working file", err)
	}
	if err := os.Rename(task.WorkingPath(), task.FinalPath()); err != nil {
		return types.NewError(types.KindIOError, "renaming to final path", err)
	}
	now := time.Now()
	task.CompletedAt = &now
	task.DownloadedSize = task.TotalSize
	return nil
}

func (rs *runState) setErr(err error) {
	rs.errOnce.Do(func() {
		rs.firstErr.Store(err)
		rs.cancel()
	})
}

func (rs *runState) fetchLoop(slot int) {
	defer rs.wg.Done()
	for {
		unit, ok := rs.queue.Pop()
		if !ok {
			return
		}
		if err := rs.fetchUnit(slot, unit); err != nil {
			rs.setErr(err)
			return
		}
		if rs.ctx.Err() != nil {
			return
		}
	}
}

func (rs *runState) fetchUnit(slot int, unit fetchUnit) error {
	cur := unit
	attempt := 0
	for {
		if rs.ctx.Err() != nil {
			return nil
		}
		fctx, cancel := context.WithCancel(rs.ctx)
		af := newActiveFetch(cur, cancel)
		rs.health.register(slot, af)

		err := rs.doFetch(fctx, af)

		rs.health.unregister(slot)
		cancel()

		if err == nil {
			return nil
		}
		if rs.ctx.Err() != nil {
			return nil
		}

		kind, _ := types.KindOf(err)
		if kind == types.KindIOError || kind == types.KindInvalidInput {
			return err
		}

		newStart := af.Offset()
		newEnd := af.StopAt() - 1
		if newStart > newEnd {
			return nil // the remainder was stolen away from under this failing attempt
		}

		attempt++
		if attempt > rs.cfg.MaxRetries {
			return err
		}

		backoff := rs.cfg.RetryBaseDelay * time.Duration(int64(1)<<uint(attempt-1))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-rs.ctx.Done():
			timer.Stop()
			return nil
		}

		rs.logger.Debug().Int("attempt", attempt).Int64("start", newStart).Int64("end", newEnd).
			Msg("retrying chunk fetch")
		cur = fetchUnit{chunkIdx: unit.chunkIdx, start: newStart, end: newEnd}
	}
}

// doFetch issues one ranged GET covering [af.Offset(), af.StopAt()-1] and
// writes the response body to the working file at the correct offsets,
// stopping early — without error — if af.StopAt() is lowered mid-read by
// the balancer stealing the tail of this range for an idle fetcher.
func (rs *runState) doFetch(ctx context.Context, af *activeFetch) error {
	start := af.Offset()
	end := af.StopAt() - 1
	if start > end {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rs.task.URL, nil)
	if err != nil {
		return types.NewError(types.KindInvalidInput, "building chunk request", err)
	}
	req.Header.Set("User-Agent", rs.cfg.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := rs.client.Do(req)
	if err != nil {
		return types.NewError(types.KindTransportError, "chunk request failed", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusPartialContent {
		return types.NewError(types.KindServerContract,
			fmt.Sprintf("expected 206 for ranged request, got %d", resp.StatusCode), nil)
	}

	buf := make([]byte, rs.cfg.BufferSize)
	pos := start
	for {
		stopAt := af.StopAt()
		if pos >= stopAt {
			return nil
		}
		want := buf
		if remain := stopAt - pos; remain < int64(len(want)) {
			want = buf[:remain]
		}
		n, rerr := resp.Body.Read(want)
		if n > 0 {
			if _, werr := rs.file.WriteAt(want[:n], pos); werr != nil {
				return types.NewError(types.KindIOError, "writing chunk bytes", werr)
			}
			pos += int64(n)
			af.setOffset(pos)
			rs.addProgress(af.chunkIdx, int64(n))
		}
		switch {
		case rerr == io.EOF:
			if pos < end+1 && pos < af.StopAt() {
				return types.NewError(types.KindTransportError, "connection closed before chunk completed", io.ErrUnexpectedEOF)
			}
			return nil
		case rerr != nil:
			return types.NewError(types.KindTransportError, "reading chunk body", rerr)
		}
	}
}

func (rs *runState) addProgress(chunkIdx int, n int64) {
	rs.chunksMu.Lock()
	rs.task.Chunks[chunkIdx].Downloaded += n
	rs.chunksMu.Unlock()
}

func (rs *runState) runHealthMonitor() {
	ticker := time.NewTicker(rs.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.health.check(rs.cfg.SpeedEMAAlpha)
		}
	}
}

// runBalancer is the idle-worker monitor from spec §4.2's dynamic
// rebalancing: when the queue runs dry but a fetcher is still sitting on a
// large remaining range, it steals the tail half and hands it to whoever
// is idle, instead of letting idle connections sit unused while one
// straggler finishes alone.
func (rs *runState) runBalancer() {
	ticker := time.NewTicker(rs.cfg.BalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.rebalanceOnce()
			if rs.queue.Len() == 0 && rs.allChunksDone() {
				rs.queue.Close()
				return
			}
		}
	}
}

// allChunksDone reports whether every chunk — including any created by a
// mid-flight split — has received all of its bytes.
func (rs *runState) allChunksDone() bool {
	rs.chunksMu.Lock()
	defer rs.chunksMu.Unlock()
	for _, c := range rs.task.Chunks {
		if !c.Done() {
			return false
		}
	}
	return true
}

func (rs *runState) rebalanceOnce() {
	if rs.queue.Len() > 0 {
		return
	}
	if rs.queue.IdleWorkers() == 0 {
		return
	}
	_, af, ok := rs.health.largestRemaining()
	if !ok {
		return
	}
	newStart, oldEnd, ok := af.steal(rs.cfg.MinChunkSize, rs.cfg.AlignSize)
	if !ok {
		return
	}

	rs.chunksMu.Lock()
	stolenChunk := types.Chunk{Start: newStart, End: oldEnd}
	rs.task.Chunks[af.chunkIdx].End = newStart - 1
	newIdx := len(rs.task.Chunks)
	rs.task.Chunks = append(rs.task.Chunks, stolenChunk)
	rs.chunksMu.Unlock()

	rs.queue.Push(fetchUnit{chunkIdx: newIdx, start: newStart, end: stolenChunk.End})
}

func (rs *runState) runProgressTicker() {
	ticker := time.NewTicker(rs.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.reportProgress(false)
		}
	}
}

func (rs *runState) reportProgress(final bool) {
	rs.chunksMu.Lock()
	var total int64
	for _, c := range rs.task.Chunks {
		total += c.Downloaded
	}
	rs.chunksMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rs.lastTick).Seconds()
	if elapsed > 0 {
		instant := float64(total-rs.lastTotal) / elapsed
		if rs.speedEMA == 0 {
			rs.speedEMA = instant
		} else {
			rs.speedEMA = rs.cfg.SpeedEMAAlpha*instant + (1-rs.cfg.SpeedEMAAlpha)*rs.speedEMA
		}
	}
	rs.lastTotal = total
	rs.lastTick = now

	rs.task.DownloadedSize = total
	if !final {
		rs.task.SpeedBPS = rs.speedEMA
	}

	if rs.onProgress != nil {
		rs.onProgress(rs.task.Clone())
	}
}

// runStreaming handles a resource whose server ignores Range, or whose
// size the probe could not determine (no Content-Length): a single
// sequential GET with no resume capability, matching the teacher's
// fallback path in internal/engine/concurrent/downloader.go when
// getInitialConnections decides on one connection.
func (w *Worker) runStreaming(ctx context.Context, task *types.Task, onProgress ProgressFunc) error {
	path := task.WorkingPath()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.NewError(types.KindIOError, "opening working file", err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return types.NewError(types.KindInvalidInput, "building streaming request", err)
	}
	req.Header.Set("User-Agent", w.cfg.UserAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return types.NewError(types.KindTransportError, "streaming request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.KindServerContract,
			fmt.Sprintf("expected 200 for single-stream request, got %d", resp.StatusCode), nil)
	}

	buf := make([]byte, w.cfg.BufferSize)
	lastReport := time.Now()
	lastTotal := int64(0)
	var speedEMA float64

	for {
		if ctx.Err() != nil {
			return types.NewError(types.KindCancelled, "download cancelled", ctx.Err())
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return types.NewError(types.KindIOError, "writing stream bytes", werr)
			}
			task.DownloadedSize += int64(n)
		}
		if now := time.Now(); now.Sub(lastReport) >= w.cfg.ProgressInterval && onProgress != nil {
			elapsed := now.Sub(lastReport).Seconds()
			if elapsed > 0 {
				instant := float64(task.DownloadedSize-lastTotal) / elapsed
				if speedEMA == 0 {
					speedEMA = instant
				} else {
					speedEMA = w.cfg.SpeedEMAAlpha*instant + (1-w.cfg.SpeedEMAAlpha)*speedEMA
				}
			}
			task.SpeedBPS = speedEMA
			lastTotal = task.DownloadedSize
			lastReport = now
			onProgress(task.Clone())
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return types.NewError(types.KindTransportError, "reading stream body", rerr)
		}
	}

	if err := file.Close(); err != nil {
		return types.NewError(types.KindIOError, "closing working file", err)
	}
	if task.Filename == "" {
		task.Filename = filepath.Base(task.URL)
	}
	if err := os.Rename(task.WorkingPath(), task.FinalPath()); err != nil {
		return types.NewError(types.KindIOError, "renaming to final path", err)
	}
	now := time.Now()
	task.CompletedAt = &now
	task.TotalSize = task.DownloadedSize
	if onProgress != nil {
		onProgress(task.Clone())
	}
	return nil
}
