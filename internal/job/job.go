// Package job implements the asynchronous job engine: a durable job
// registry, a subtree-lock conflict coordinator, and a worker pool with
// lock-aware FIFO scheduling.
package job

import (
	"errors"
	"fmt"
	"time"
)

// Job error types.
var (
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrOverloaded      = errors.New("job queue is full")
	ErrUnknownKind     = errors.New("unknown job kind")
)

// ReasonInterrupted marks jobs lost to a process restart or shutdown.
const ReasonInterrupted = "interrupted"

// State is the lifecycle state of a job.
type State string

// Job states. Transitions are monotonic: queued -> running -> terminal,
// queued -> cancelled. Terminal states never regress.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Kind identifies the file operation a job performs.
type Kind string

// Job kinds. Move, copy and remove are routed through the job path for
// large trees; small ones run synchronously outside this package.
const (
	KindZip      Kind = "zip"
	KindUnzip    Kind = "unzip"
	KindDownload Kind = "download"
	KindMove     Kind = "move"
	KindCopy     Kind = "copy"
	KindRemove   Kind = "remove"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindZip, KindUnzip, KindDownload, KindMove, KindCopy, KindRemove:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Params carries the operation arguments.
type Params struct {
	Sources []string `json:"sources,omitempty"`
	Dest    string   `json:"dest,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// Job is a trackable asynchronous file operation. It is owned exclusively by
// the Manager; other components only ever see copies.
type Job struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	BucketID  string `json:"bucket_id"`
	UserID    string `json:"user_id"`
	Kind      Kind   `json:"kind"`
	Params    Params `json:"params"`

	// LockPaths are the normalized bucket-relative prefixes this job
	// mutates or reads; the scheduler acquires all of them before running.
	LockPaths []string `json:"lock_paths"`

	State           State  `json:"state"`
	Reason          string `json:"reason,omitempty"`
	OutputPath      string `json:"output_path,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the manager.
func (j *Job) Clone() *Job {
	c := *j
	c.Params.Sources = append([]string(nil), j.Params.Sources...)
	c.LockPaths = append([]string(nil), j.LockPaths...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
