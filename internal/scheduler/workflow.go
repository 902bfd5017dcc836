package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Nihal-123-456/linkedin-post-scheduler/flows"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/linkedin"
	"github.com/Nihal-123-456/linkedin-post-scheduler/internal/posts"
)

// WorkflowName is the registered name of the publish workflow.
const WorkflowName = "publish_post"

// Step and wait keys of a publish run, in execution order.
const (
	stepLoad          = "load_post"
	stepStartTime     = "start_time"
	waitShareAt       = "wait"
	stepReloadShareAt = "reload_share_at"
	stepPublish       = "publish"
	stepRecordOutcome = "record_outcome"
	stepEndTime       = "end_time"
)

// Publisher sends a post to LinkedIn. *linkedin.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, p *posts.Post) linkedin.Result
}

// Input identifies the post a run publishes.
type Input struct {
	PostID int64 `json:"post_id"`
}

// Output is the result of a finished run. The run succeeds whatever the
// publish outcome; Status mirrors what was written to the post.
type Output struct {
	Status   posts.Status      `json:"status"`
	Skipped  bool              `json:"skipped,omitempty"`
	ShareURN string            `json:"share_urn,omitempty"`
	Failure  *linkedin.Failure `json:"failure,omitempty"`
}

// snapshot is the post state the run was started with.
type snapshot struct {
	ShouldPublish bool         `json:"should_publish"`
	Status        posts.Status `json:"status"`
	ShareAt       *time.Time   `json:"share_at,omitempty"`
}

// shareTime is share_at as read after a wait.
type shareTime struct {
	ShareAt *time.Time `json:"share_at,omitempty"`
}

type publishOutcome struct {
	Skipped bool            `json:"skipped,omitempty"`
	Result  linkedin.Result `json:"result"`
}

// publishRetry covers the post re-read in front of the publish call.
// Publish itself reports failures as values and is never retried here.
var publishRetry = flows.RetryPolicy{
	MaxRetries: 2,
	Backoff:    func(attempt int) int { return 500 * attempt },
}

// PublishWorkflow publishes one post at its scheduled time.
type PublishWorkflow struct {
	Posts     *posts.Store
	Publisher Publisher
	// Now is the time source recorded by the start_time and end_time steps.
	Now func() time.Time
}

func (w *PublishWorkflow) Name() string { return WorkflowName }

func (w *PublishWorkflow) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

// Run loads the post, marks it scheduled, sleeps until share_at, publishes it
// and records the outcome. Only a missing post or an engine fault fails the run.
func (w *PublishWorkflow) Run(ctx context.Context, wf *flows.Context, in *Input) (*Output, error) {
	log := wf.Logger().WithField("post_id", in.PostID)

	snap, err := flows.Execute(ctx, wf, stepLoad, w.load, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}
	if !snap.ShouldPublish {
		log.Info("post no longer requests publishing")
		return &Output{Status: snap.Status, Skipped: true}, nil
	}

	startedAt, err := flows.Execute(ctx, wf, stepStartTime, func(ctx context.Context, in *Input) (*time.Time, error) {
		now := w.now()
		scheduled := posts.StatusScheduled
		if _, err := w.Posts.Update(ctx, in.PostID, posts.Changes{ShareStartAt: &now, Status: &scheduled}); err != nil {
			return nil, err
		}
		return &now, nil
	}, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}

	// share_at may move while the run sleeps; a later one means another wait.
	shareAt := snap.ShareAt
	for shareAt != nil && shareAt.After(*startedAt) {
		suffix := ":" + strconv.FormatInt(shareAt.UnixNano(), 10)
		log.WithField("share_at", shareAt).Info("waiting for scheduled time")
		flows.SleepUntil(ctx, wf, waitShareAt+suffix, *shareAt)

		current, err := flows.Execute(ctx, wf, stepReloadShareAt+suffix, w.reloadShareAt, in, publishRetry)
		if err != nil {
			return nil, err
		}
		if current.ShareAt == nil || !current.ShareAt.After(*shareAt) {
			break
		}
		shareAt = current.ShareAt
	}

	outcome, err := flows.Execute(ctx, wf, stepPublish, w.publish, in, publishRetry)
	if err != nil {
		return nil, err
	}

	status, err := flows.Execute(ctx, wf, stepRecordOutcome, func(ctx context.Context, o *publishOutcome) (*posts.Status, error) {
		return w.recordOutcome(ctx, in.PostID, o)
	}, outcome, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}

	if _, err := flows.Execute(ctx, wf, stepEndTime, func(ctx context.Context, in *Input) (*time.Time, error) {
		now := w.now()
		if _, err := w.Posts.Update(ctx, in.PostID, posts.Changes{ShareEndAt: &now}); err != nil {
			return nil, err
		}
		return &now, nil
	}, in, flows.RetryPolicy{}); err != nil {
		return nil, err
	}

	out := &Output{Status: *status, Skipped: outcome.Skipped, ShareURN: outcome.Result.ShareURN, Failure: outcome.Result.Failure}
	log.WithFields(logrus.Fields{"status": out.Status, "share_urn": out.ShareURN}).Info("publish run finished")
	return out, nil
}

func (w *PublishWorkflow) load(ctx context.Context, in *Input) (*snapshot, error) {
	p, err := w.Posts.Get(ctx, in.PostID)
	if err != nil {
		return nil, fmt.Errorf("load post %d: %w", in.PostID, err)
	}
	return &snapshot{ShouldPublish: p.ShouldPublish(), Status: p.Status, ShareAt: p.ShareAt}, nil
}

func (w *PublishWorkflow) reloadShareAt(ctx context.Context, in *Input) (*shareTime, error) {
	p, err := w.Posts.Get(ctx, in.PostID)
	if err != nil {
		return nil, fmt.Errorf("reload post %d: %w", in.PostID, err)
	}
	return &shareTime{ShareAt: p.ShareAt}, nil
}

// publish re-reads the post so edits made while the run slept are published.
// A post whose request was withdrawn in the meantime is skipped.
func (w *PublishWorkflow) publish(ctx context.Context, in *Input) (*publishOutcome, error) {
	p, err := w.Posts.Get(ctx, in.PostID)
	if err != nil {
		return nil, fmt.Errorf("reload post %d: %w", in.PostID, err)
	}
	if !p.ShouldPublish() {
		return &publishOutcome{Skipped: true}, nil
	}
	return &publishOutcome{Result: w.Publisher.Publish(ctx, p)}, nil
}

func (w *PublishWorkflow) recordOutcome(ctx context.Context, postID int64, o *publishOutcome) (*posts.Status, error) {
	var c posts.Changes
	switch {
	case o.Skipped:
		p, err := w.Posts.Get(ctx, postID)
		if err != nil {
			return nil, err
		}
		return &p.Status, nil
	case o.Result.OK():
		now := w.now()
		posted := posts.StatusPosted
		requested := false
		c = posts.Changes{Status: &posted, ShareRequested: &requested, PublishedAt: &now}
	default:
		failed := posts.StatusFailed
		c = posts.Changes{Status: &failed}
	}
	p, err := w.Posts.Update(ctx, postID, c)
	if err != nil {
		return nil, err
	}
	return &p.Status, nil
}
