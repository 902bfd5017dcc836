package flows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client is used by application code to start runs and inspect them.
//
// Every method takes a DBTX so it can run inside the caller's own transaction;
// Submit is the one convenience that opens a transaction itself.
type Client struct {
	Codec    Codec
	Now      func() time.Time
	DBConfig DBConfig

	// NotifyChannel overrides the Postgres channel name used for pg_notify.
	// If empty, a safe default is used.
	NotifyChannel string
}

func (c Client) codec() Codec {
	return codecOrDefault(c.Codec)
}

func (c Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Client) tables() dbTables {
	return newDBTables(c.DBConfig)
}

func (c Client) notifyChannel() string {
	return normalizeNotifyChannel(c.NotifyChannel)
}

// RunKeyFor returns the shard-qualified key for a run of workflowName under workflowKey.
func (c Client) RunKeyFor(workflowName, workflowKey string, runID RunID) RunKey {
	return RunKey{
		WorkflowNameShard: workflowNameShard(workflowName, workflowKey, c.DBConfig.shardCount()),
		RunID:             runID,
		WorkflowKey:       workflowKey,
	}
}

// SubmitTx enqueues a run of wf for workflowKey unless an active run (queued,
// running or sleeping) already exists for that key. In that case the existing
// run is returned and started is false.
//
// Go does not support type parameters on methods, so this is a package-level generic.
func SubmitTx[I any, O any](ctx context.Context, c Client, db DBTX, wf Workflow[I, O], workflowKey string, in *I) (RunKey, bool, error) {
	if wf == nil {
		return RunKey{}, false, fmt.Errorf("workflow is nil")
	}
	if workflowKey == "" {
		return RunKey{}, false, ErrEmptyWorkflowKey
	}
	inputJSON, err := c.codec().Marshal(in)
	if err != nil {
		return RunKey{}, false, fmt.Errorf("marshal input: %w", err)
	}

	t := c.tables()
	workflowName := wf.Name()
	shard := workflowNameShard(workflowName, workflowKey, c.DBConfig.shardCount())

	// An active run may finish between the conflicting insert and the lookup;
	// the insert is then retried.
	for i := 0; i < 3; i++ {
		id, err := uuid.NewV7()
		if err != nil {
			return RunKey{}, false, fmt.Errorf("generate run id: %w", err)
		}

		var inserted string
		err = db.QueryRow(ctx, t.insertRunSQL(), shard, id.String(), workflowName, workflowKey, runStatusQueued, inputJSON).Scan(&inserted)
		if err == nil {
			// A failed pg_notify aborts the caller's transaction, so it is reported here.
			if err := c.notify(ctx, db, shard, inserted); err != nil {
				return RunKey{}, false, err
			}
			return RunKey{WorkflowNameShard: shard, RunID: RunID(inserted), WorkflowKey: workflowKey}, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return RunKey{}, false, fmt.Errorf("insert run: %w", err)
		}

		var existing string
		err = db.QueryRow(ctx, t.selectActiveRunSQL(), shard, workflowName, workflowKey).Scan(&existing)
		if err == nil {
			return RunKey{WorkflowNameShard: shard, RunID: RunID(existing), WorkflowKey: workflowKey}, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return RunKey{}, false, fmt.Errorf("select active run: %w", err)
		}
	}
	return RunKey{}, false, fmt.Errorf("submit %s for %q: active run kept changing", workflowName, workflowKey)
}

// Submit is SubmitTx in a transaction of its own.
func Submit[I any, O any](ctx context.Context, c Client, pool *pgxpool.Pool, wf Workflow[I, O], workflowKey string, in *I) (RunKey, bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return RunKey{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key, started, err := SubmitTx(ctx, c, tx, wf, workflowKey, in)
	if err != nil {
		return RunKey{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RunKey{}, false, fmt.Errorf("commit tx: %w", err)
	}
	return key, started, nil
}

// WakeTx moves the wake time of a sleeping run back to at, together with the
// run's pending sleeps. A run that is not sleeping, or that already wakes at
// or before at, is left alone and woken is false.
//
// The replayed SleepUntil then returns once at has passed; the workflow is
// expected to re-check whatever it was waiting for.
func WakeTx(ctx context.Context, c Client, db DBTX, runKey RunKey, at time.Time) (woken bool, err error) {
	t := c.tables()
	shard, runID := runKey.WorkflowNameShard, string(runKey.RunID)

	tag, err := db.Exec(ctx, t.wakeSleepingRunSQL(), shard, runID, at)
	if err != nil {
		return false, fmt.Errorf("wake run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := db.Exec(ctx, t.pullSleepWaitsSQL(), shard, runID, at); err != nil {
		return false, fmt.Errorf("pull sleep waits: %w", err)
	}
	if err := c.notify(ctx, db, shard, runID); err != nil {
		return false, err
	}
	return true, nil
}

// notify hints listening workers that a run of shard became runnable.
func (c Client) notify(ctx context.Context, db DBTX, shard, runID string) error {
	if _, err := db.Exec(ctx, "SELECT pg_notify($1, $2)", c.notifyChannel(), shard+":"+runID); err != nil {
		return fmt.Errorf("notify workers: %w", err)
	}
	return nil
}

// GetRunStatusTx retrieves the current status of a workflow run.
// It returns ErrRunNotFound if the run does not exist.
func GetRunStatusTx(ctx context.Context, c Client, db DBTX, runKey RunKey) (*RunStatus, error) {
	t := c.tables()

	var status RunStatus
	var errorText *string
	err := db.QueryRow(ctx, t.getRunStatusSQL(), runKey.WorkflowNameShard, string(runKey.RunID)).Scan(
		&status.Status,
		&errorText,
		&status.Attempts,
		&status.CreatedAt,
		&status.UpdatedAt,
		&status.NextWakeAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runKey.RunID)
		}
		return nil, fmt.Errorf("query run status: %w", err)
	}
	if errorText != nil {
		status.Error = *errorText
	}
	return &status, nil
}

// LatestRunTx returns the most recent run of workflowName for workflowKey,
// active or finished. It returns ErrRunNotFound if the key was never submitted.
func LatestRunTx(ctx context.Context, c Client, db DBTX, workflowName, workflowKey string) (*RunInfo, error) {
	t := c.tables()
	shard := workflowNameShard(workflowName, workflowKey, c.DBConfig.shardCount())

	info := RunInfo{WorkflowName: workflowName}
	var runID string
	var errorText *string
	err := db.QueryRow(ctx, t.latestRunSQL(), shard, workflowName, workflowKey).Scan(
		&runID,
		&info.Status,
		&errorText,
		&info.Attempts,
		&info.CreatedAt,
		&info.UpdatedAt,
		&info.NextWakeAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", ErrRunNotFound, workflowName, workflowKey)
		}
		return nil, fmt.Errorf("query latest run: %w", err)
	}
	if errorText != nil {
		info.Error = *errorText
	}
	info.Key = RunKey{WorkflowNameShard: shard, RunID: RunID(runID), WorkflowKey: workflowKey}
	return &info, nil
}

// GetRunOutputTx retrieves the output of a completed workflow run.
// Returns an error if the run is not found or not completed.
func GetRunOutputTx[O any](ctx context.Context, c Client, db DBTX, runKey RunKey) (*O, error) {
	t := c.tables()

	var status string
	var outputJSON []byte
	err := db.QueryRow(ctx, t.getRunOutputSQL(), runKey.WorkflowNameShard, string(runKey.RunID)).Scan(&status, &outputJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runKey.RunID)
		}
		return nil, fmt.Errorf("query run output: %w", err)
	}

	if status != runStatusCompleted {
		return nil, fmt.Errorf("run is not completed (status: %s)", status)
	}

	var out O
	if err := c.codec().Unmarshal(outputJSON, &out); err != nil {
		return nil, fmt.Errorf("unmarshal run output: %w", err)
	}
	return &out, nil
}

// ListStepsTx returns the step log of a run in recording order.
func ListStepsTx(ctx context.Context, c Client, db DBTX, runKey RunKey) ([]StepRecord, error) {
	t := c.tables()

	rows, err := db.Query(ctx, t.listStepsSQL(), runKey.WorkflowNameShard, string(runKey.RunID))
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		var errorText *string
		if err := rows.Scan(&s.StepKey, &s.Status, &s.OutputJSON, &errorText, &s.Attempts, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		if errorText != nil {
			s.Error = *errorText
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}
