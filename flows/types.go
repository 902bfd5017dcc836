package flows

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunID identifies a single run. It is a UUIDv7 string, so runs sort by creation time.
type RunID string

// RunKey locates a run.
//
// WorkflowNameShard is the distribution column; WorkflowKey is the deduplication
// identity supplied by the caller (e.g. "post:42").
type RunKey struct {
	WorkflowNameShard string
	RunID             RunID
	WorkflowKey       string
}

// Workflow is a durable workflow definition.
//
// Run may be invoked many times for the same run (after a suspension or a crash);
// everything with side effects must go through Execute so it is memoized.
type Workflow[I any, O any] interface {
	Name() string
	Run(ctx context.Context, wf *Context, in *I) (*O, error)
}

// Step is a unit of work executed at most once per (run, step key).
type Step[I any, O any] func(ctx context.Context, in *I) (*O, error)

// RetryPolicy controls in-step retries. The engine itself never retries a failed run.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first one.
	MaxRetries int

	// Backoff returns the delay in milliseconds before the next attempt.
	Backoff func(attempt int) int

	// StepTimeout bounds a single attempt. Zero means no timeout.
	StepTimeout time.Duration
}

var (
	// ErrRunNotFound is returned when no run matches the lookup.
	ErrRunNotFound = errors.New("flows: run not found")

	// ErrEmptyWorkflowKey is returned by Submit when the workflow key is empty.
	ErrEmptyWorkflowKey = errors.New("flows: workflow key must not be empty")

	// errLeaseLost means another worker took over the run.
	errLeaseLost = errors.New("flows: run lease lost")
)

// EngineFaultError is a persistence failure inside the engine. It is fatal to the run.
type EngineFaultError struct {
	Op  string
	Err error
}

func (e *EngineFaultError) Error() string {
	return fmt.Sprintf("flows: engine fault (%s): %v", e.Op, e.Err)
}

func (e *EngineFaultError) Unwrap() error { return e.Err }

func engineFault(op string, err error) error {
	return &EngineFaultError{Op: op, Err: err}
}

// IsEngineFault reports whether err is (or wraps) an EngineFaultError.
func IsEngineFault(err error) bool {
	var ef *EngineFaultError
	return errors.As(err, &ef)
}

// RunStatus represents the current state of a workflow run.
type RunStatus struct {
	Status     string // queued, running, sleeping, completed, failed
	Error      string
	Attempts   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	NextWakeAt *time.Time
}

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s.Status == runStatusCompleted || s.Status == runStatusFailed
}

// RunInfo describes a run found by workflow key.
type RunInfo struct {
	Key          RunKey
	WorkflowName string
	RunStatus
}

// StepRecord is one entry of a run's step log.
type StepRecord struct {
	StepKey    string
	Status     string
	OutputJSON []byte
	Error      string
	Attempts   int
	UpdatedAt  time.Time
}
