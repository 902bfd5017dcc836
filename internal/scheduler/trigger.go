package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Nihal-123-456/linkedin-post-scheduler/flows"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
)

// WorkflowKey is the deduplication key of a post's publish runs.
func WorkflowKey(postID int64) string {
	return "post:" + strconv.FormatInt(postID, 10)
}

// Trigger starts publish runs. It implements posts.Trigger.
type Trigger struct {
	Client   flows.Client
	Workflow *PublishWorkflow
}

var _ posts.Trigger = (*Trigger)(nil)

// FireTx submits a publish run for p inside tx, so the run exists exactly when
// the post write commits. It does nothing unless p requests publishing.
//
// Re-firing while a run is active starts nothing, but a sleeping run is woken
// early when share_at moved earlier or was cleared.
func (t *Trigger) FireTx(ctx context.Context, tx pgx.Tx, p *posts.Post) (bool, error) {
	return t.fire(ctx, tx, p)
}

// Fire is FireTx in a transaction of its own.
func (t *Trigger) Fire(ctx context.Context, pool *pgxpool.Pool, p *posts.Post) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	started, err := t.fire(ctx, tx, p)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return started, nil
}

func (t *Trigger) fire(ctx context.Context, db flows.DBTX, p *posts.Post) (bool, error) {
	if !p.ShouldPublish() {
		return false, nil
	}
	runKey, started, err := flows.SubmitTx[Input, Output](ctx, t.Client, db, t.Workflow, WorkflowKey(p.ID), &Input{PostID: p.ID})
	if err != nil {
		return false, fmt.Errorf("submit publish run for post %d: %w", p.ID, err)
	}
	if started {
		return true, nil
	}

	wakeAt := time.Now()
	if p.ShareAt != nil && p.ShareAt.After(wakeAt) {
		wakeAt = *p.ShareAt
	}
	if _, err := flows.WakeTx(ctx, t.Client, db, runKey, wakeAt); err != nil {
		return false, fmt.Errorf("wake publish run for post %d: %w", p.ID, err)
	}
	return false, nil
}

// RunReport is the latest publish run of a post and its step log.
type RunReport struct {
	Run    *flows.RunInfo     `json:"run"`
	Steps  []flows.StepRecord `json:"steps"`
	Output *Output            `json:"output,omitempty"`
}

// ErrNoRun is returned by LatestRun for a post that was never submitted.
var ErrNoRun = errors.New("post has no publish run")

// LatestRun reports the most recent publish run of a post.
func (t *Trigger) LatestRun(ctx context.Context, db flows.DBTX, postID int64) (*RunReport, error) {
	info, err := flows.LatestRunTx(ctx, t.Client, db, WorkflowName, WorkflowKey(postID))
	if errors.Is(err, flows.ErrRunNotFound) {
		return nil, ErrNoRun
	}
	if err != nil {
		return nil, err
	}
	steps, err := flows.ListStepsTx(ctx, t.Client, db, info.Key)
	if err != nil {
		return nil, err
	}
	report := &RunReport{Run: info, Steps: steps}
	if info.Status == flows.StatusCompleted {
		out, err := flows.GetRunOutputTx[Output](ctx, t.Client, db, info.Key)
		if err != nil {
			return nil, err
		}
		report.Output = out
	}
	return report, nil
}
