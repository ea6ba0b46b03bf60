// Package types holds the data shapes shared by the planner, worker, store,
// and scheduler: Task, Chunk, Status, and the error taxonomy.
package types

import (
	"path/filepath"
	"time"
)

// SizeUnknown marks a Task whose total size has not yet been determined by
// a probe (single-stream mode against a server that omits Content-Length).
const SizeUnknown int64 = -1

// IncompleteSuffix is appended to the final filename while a task's bytes
// are still being written.
const IncompleteSuffix = ".tmp"

// Status is one of the Task lifecycle states described by the state
// machine in spec §4.2.
type Status string

const (
	StatusWaiting      Status = "waiting"
	StatusDownloading  Status = "downloading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// Chunk is a contiguous, inclusive byte interval of the remote resource
// assigned to one fetcher within a ranged task.
type Chunk struct {
	Start      int64 `json:"start"`
	End        int64 `json:"end"`
	Downloaded int64 `json:"downloaded"`
}

// Length returns the number of bytes this chunk covers.
func (c Chunk) Length() int64 { return c.End - c.Start + 1 }

// Remaining returns the number of bytes not yet written for this chunk.
func (c Chunk) Remaining() int64 {
	r := c.Length() - c.Downloaded
	if r < 0 {
		return 0
	}
	return r
}

// Done reports whether the chunk has received all of its bytes.
func (c Chunk) Done() bool { return c.Downloaded >= c.Length() }

// Task is the unit of download work, identified by a stable ID. Ownership
// of a Task record belongs exclusively to the Scheduler; a Worker holds
// only a handle permitting progress reporting (see internal/worker).
type Task struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	SaveDirectory   string  `json:"save_directory"`
	Filename        string  `json:"filename"`
	TotalSize       int64   `json:"total_size"`
	DownloadedSize  int64   `json:"downloaded_size"`
	Status          Status  `json:"status"`
	Connections     int     `json:"connections"`
	ConnectionsUsed int     `json:"connections_used"`
	SupportsRange   bool    `json:"supports_range"`
	Chunks          []Chunk `json:"chunks"`
	Error           string  `json:"error,omitempty"`
	RetryCount      int     `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// SpeedBPS is a live, transient figure recomputed by the worker's
	// progress aggregator. It is never persisted: the round-trip
	// persistence property in spec §8 holds "modulo speed_bps resets to 0".
	SpeedBPS float64 `json:"-"`
}

// FinalPath is the destination path a completed task's bytes are renamed to.
func (t *Task) FinalPath() string {
	return filepath.Join(t.SaveDirectory, t.Filename)
}

// WorkingPath is the sparse file a Worker writes into while downloading.
func (t *Task) WorkingPath() string {
	return t.FinalPath() + IncompleteSuffix
}

// ProgressPercent returns downloaded_size/total_size*100, or 0 when the
// total size is not yet known.
func (t *Task) ProgressPercent() float64 {
	if t.TotalSize <= 0 {
		return 0
	}
	pct := float64(t.DownloadedSize) / float64(t.TotalSize) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Remaining returns the bytes left to download, or 0 if total size is unknown.
func (t *Task) Remaining() int64 {
	if t.TotalSize <= 0 {
		return 0
	}
	r := t.TotalSize - t.DownloadedSize
	if r < 0 {
		return 0
	}
	return r
}

// ETA returns the estimated time remaining given the current speed, or 0
// when speed is unknown or zero. Ported from original_source's
// DownloadTask.eta property.
func (t *Task) ETA() time.Duration {
	if t.SpeedBPS <= 0 {
		return 0
	}
	seconds := float64(t.Remaining()) / t.SpeedBPS
	return time.Duration(seconds * float64(time.Second))
}

// CanStart reports whether the task is in a state `start` can act on.
func (t *Task) CanStart() bool {
	switch t.Status {
	case StatusWaiting, StatusPaused, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy, used whenever a Task snapshot crosses the
// Scheduler/Worker boundary so neither side can mutate the other's view.
func (t *Task) Clone() *Task {
	c := *t
	if t.Chunks != nil {
		c.Chunks = make([]Chunk, len(t.Chunks))
		copy(c.Chunks, t.Chunks)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		c.CompletedAt = &completed
	}
	return &c
}
