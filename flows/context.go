package flows

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

type yieldKind string

const yieldSleep yieldKind = "sleep"

// yieldPanic unwinds the workflow function after its suspension was persisted.
type yieldPanic struct {
	kind   yieldKind
	wakeAt time.Time
}

func (y yieldPanic) Error() string { return "flows: yield(" + string(y.kind) + ")" }

// StepPanicError wraps a panic that occurred during step execution.
type StepPanicError struct {
	Value any
	Stack string
}

func (e StepPanicError) Error() string {
	return fmt.Sprintf("flows: step panicked: %v", e.Value)
}

// WorkflowPanicError wraps a panic that occurred during workflow execution.
//
// This is distinct from StepPanicError: step panics are caught inside Execute,
// while this covers panics in the workflow function itself.
type WorkflowPanicError struct {
	Value any
	Stack string
}

func (e WorkflowPanicError) Error() string {
	if e.Stack == "" {
		return fmt.Sprintf("flows: workflow panicked: %v", e.Value)
	}
	return fmt.Sprintf("flows: workflow panicked: %v\n%s", e.Value, e.Stack)
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// executeStepWithRecovery executes a step with optional timeout and panic recovery.
func executeStepWithRecovery[I any, O any](ctx context.Context, step Step[I, O], in *I, timeout time.Duration) (out *O, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = StepPanicError{Value: r, Stack: stackTrace()}
		}
	}()

	return step(ctx, in)
}

// Context is passed to workflow code. It provides replay-safe primitives.
//
// Step results and waits are written through the worker's pool as soon as they
// happen, so they survive a crash of the worker that produced them.
type Context struct {
	runKey       RunKey
	workflowName string
	db           DBTX
	codec        Codec
	now          func() time.Time
	t            dbTables
	leaseOwner   string
	log          logrus.FieldLogger
	metrics      *Metrics
}

func newContext(runKey RunKey, workflowName string, db DBTX, codec Codec, t dbTables, leaseOwner string) *Context {
	return &Context{
		runKey:       runKey,
		workflowName: workflowName,
		db:           db,
		codec:        codecOrDefault(codec),
		now:          time.Now,
		t:            t,
		leaseOwner:   leaseOwner,
		log:          logrus.StandardLogger(),
	}
}

func (c *Context) RunID() RunID { return c.runKey.RunID }

func (c *Context) RunKey() RunKey { return c.runKey }

// WorkflowKey returns the deduplication key the run was submitted with.
func (c *Context) WorkflowKey() string { return c.runKey.WorkflowKey }

// Now returns the engine clock.
func (c *Context) Now() time.Time { return c.now() }

// Logger returns a logger carrying the run's fields.
func (c *Context) Logger() logrus.FieldLogger { return c.log }

func (c *Context) loadCompletedStep(ctx context.Context, stepKey string) ([]byte, bool, error) {
	var status string
	var outputJSON []byte
	err := c.db.QueryRow(ctx, c.t.selectStepStatusSQL(),
		c.runKey.WorkflowNameShard, string(c.runKey.RunID), stepKey,
	).Scan(&status, &outputJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return outputJSON, status == stepStatusCompleted, nil
}

// Execute runs a step exactly-once per (run_id, step_key) by memoizing its successful output.
//
// A step that already completed returns its stored output without running.
// Otherwise the step output is persisted before Execute returns. If another
// execution of the same run recorded the step first, its stored output wins.
func Execute[I any, O any](ctx context.Context, c *Context, stepKey string, step Step[I, O], in *I, retry RetryPolicy) (*O, error) {
	if stepKey == "" {
		return nil, errors.New("flows: stepKey must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored, done, err := c.loadCompletedStep(ctx, stepKey)
	if err != nil {
		return nil, engineFault("load step", err)
	}
	if done {
		var out O
		if err := c.codec.Unmarshal(stored, &out); err != nil {
			return nil, fmt.Errorf("unmarshal step output: %w", err)
		}
		return &out, nil
	}

	maxRetries := retry.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	log := c.log.WithField("step", stepKey)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		started := time.Now()
		out, err := executeStepWithRecovery(ctx, step, in, retry.StepTimeout)
		if err == nil {
			c.metrics.stepExecuted(c.workflowName, "ok", time.Since(started))
			return persistStepOutput(ctx, c, stepKey, in, out, attempt+1)
		}
		c.metrics.stepExecuted(c.workflowName, "error", time.Since(started))

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("step attempt failed")
		if _, ferr := c.db.Exec(ctx, c.t.upsertStepFailedSQL(),
			c.runKey.WorkflowNameShard, string(c.runKey.RunID), stepKey, stepStatusFailed, err.Error(), attempt+1,
		); ferr != nil {
			log.WithError(ferr).Warn("record step failure")
		}

		if attempt < maxRetries && retry.Backoff != nil {
			d := time.Duration(retry.Backoff(attempt)) * time.Millisecond
			if d > 0 {
				t := time.NewTimer(d)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, ctx.Err()
				case <-t.C:
				}
			}
		}
	}

	return nil, lastErr
}

func persistStepOutput[I any, O any](ctx context.Context, c *Context, stepKey string, in *I, out *O, attempts int) (*O, error) {
	outputJSON, err := c.codec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	inputJSON, err := c.codec.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal step input: %w", err)
	}

	var written []byte
	err = c.db.QueryRow(ctx, c.t.upsertStepCompletedSQL(),
		c.runKey.WorkflowNameShard, string(c.runKey.RunID), stepKey, stepStatusCompleted, inputJSON, outputJSON, attempts,
	).Scan(&written)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, engineFault("persist step", err)
	}

	// Someone else completed this step first; adopt their output.
	stored, done, err := c.loadCompletedStep(ctx, stepKey)
	if err != nil {
		return nil, engineFault("read back step", err)
	}
	if !done {
		return nil, engineFault("read back step", fmt.Errorf("step %q not completed", stepKey))
	}
	var adopted O
	if err := c.codec.Unmarshal(stored, &adopted); err != nil {
		return nil, fmt.Errorf("unmarshal step output: %w", err)
	}
	return &adopted, nil
}

// SleepUntil durably suspends the run until wakeAt.
//
// If the wait was already satisfied, or wakeAt is not in the future, it returns
// immediately. Otherwise the wait is persisted, the run is marked sleeping and
// the workflow function unwinds; the worker picks the run up again once wakeAt
// has passed and the workflow replays up to this point.
//
// The wake time of a wait key is fixed by its first call.
func SleepUntil(ctx context.Context, c *Context, waitKey string, wakeAt time.Time) {
	if waitKey == "" {
		panic("flows: waitKey must not be empty")
	}

	shard, runID := c.runKey.WorkflowNameShard, string(c.runKey.RunID)

	var wakeAtDB time.Time
	var satisfiedAt *time.Time
	err := c.db.QueryRow(ctx, c.t.selectWaitStateSQL(), shard, runID, waitKey, waitTypeSleep).Scan(&wakeAtDB, &satisfiedAt)
	switch {
	case err == nil:
		if satisfiedAt != nil {
			return
		}
		if !c.now().Before(wakeAtDB) {
			if _, err := c.db.Exec(ctx, c.t.satisfySleepWaitSQL(), shard, runID, waitKey); err != nil {
				panic(engineFault("satisfy sleep wait", err))
			}
			return
		}
		wakeAt = wakeAtDB
	case errors.Is(err, pgx.ErrNoRows):
		if !c.now().Before(wakeAt) {
			if _, err := c.db.Exec(ctx, c.t.insertSatisfiedSleepWaitSQL(), shard, runID, waitKey, waitTypeSleep, wakeAt); err != nil {
				panic(engineFault("record elapsed sleep", err))
			}
			return
		}
	default:
		panic(engineFault("load sleep wait", err))
	}

	if _, err := c.db.Exec(ctx, c.t.upsertSleepWaitSQL(), shard, runID, waitKey, waitTypeSleep, wakeAt); err != nil {
		panic(engineFault("persist sleep wait", err))
	}

	tag, err := c.db.Exec(ctx, c.t.setRunSleepingSQL(), shard, runID, c.leaseOwner, wakeAt)
	if err != nil {
		panic(engineFault("persist run sleep state", err))
	}
	if tag.RowsAffected() == 0 {
		panic(errLeaseLost)
	}

	panic(yieldPanic{kind: yieldSleep, wakeAt: wakeAt})
}

// Sleep durably suspends the run for d, measured from the first call with waitKey.
func Sleep(ctx context.Context, c *Context, waitKey string, d time.Duration) {
	SleepUntil(ctx, c, waitKey, c.now().Add(d))
}
