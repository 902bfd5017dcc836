package flows_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nihal-123-456/linkedin-post-scheduler/flows"
	"github.com/Nihal-123-456/linkedin-post-scheduler/testutil"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	return testutil.SetupTestDB(t,
		[]string{testutil.DropSchema(flows.DefaultSchema)},
		flows.SchemaSQL,
	)
}

func newTestWorker(pool *pgxpool.Pool, registry *flows.Registry) *flows.Worker {
	return &flows.Worker{
		Pool:     pool,
		Registry: registry,
	}
}

func runStatus(t *testing.T, pool *pgxpool.Pool, key flows.RunKey) *flows.RunStatus {
	t.Helper()
	st, err := flows.GetRunStatusTx(context.Background(), flows.Client{}, pool, key)
	require.NoError(t, err)
	return st
}

// =============================================================================
// Test workflows
// =============================================================================

type GreetInput struct {
	Name string `json:"name"`
}

type GreetOutput struct {
	Greeting string `json:"greeting"`
}

// GreetWorkflow runs one step and optionally fails afterwards.
type GreetWorkflow struct {
	StepCalls atomic.Int32
	Fail      bool
}

func (w *GreetWorkflow) Name() string { return "greet" }

func (w *GreetWorkflow) Run(ctx context.Context, wf *flows.Context, in *GreetInput) (*GreetOutput, error) {
	out, err := flows.Execute(ctx, wf, "greet", func(ctx context.Context, in *GreetInput) (*GreetOutput, error) {
		w.StepCalls.Add(1)
		return &GreetOutput{Greeting: "Hello, " + in.Name + "!"}, nil
	}, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}
	if w.Fail {
		return nil, errors.New("greeting rejected")
	}
	return out, nil
}

type SleepInput struct {
	WakeAt time.Time `json:"wake_at"`
}

type SleepOutput struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// SleepWorkflow records a step, sleeps until WakeAt, then records another.
type SleepWorkflow struct {
	BeforeCalls atomic.Int32
	AfterCalls  atomic.Int32
}

func (w *SleepWorkflow) Name() string { return "sleeper" }

func (w *SleepWorkflow) Run(ctx context.Context, wf *flows.Context, in *SleepInput) (*SleepOutput, error) {
	before, err := flows.Execute(ctx, wf, "before", func(ctx context.Context, _ *SleepInput) (*string, error) {
		w.BeforeCalls.Add(1)
		s := "before"
		return &s, nil
	}, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}

	flows.SleepUntil(ctx, wf, "wait", in.WakeAt)

	after, err := flows.Execute(ctx, wf, "after", func(ctx context.Context, _ *SleepInput) (*string, error) {
		w.AfterCalls.Add(1)
		s := "after"
		return &s, nil
	}, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}
	return &SleepOutput{Before: *before, After: *after}, nil
}

type CountInput struct {
	Value int `json:"value"`
}

type CountOutput struct {
	Value int `json:"value"`
}

// TwoStepWorkflow adds one in each of two steps.
type TwoStepWorkflow struct {
	FirstCalls  atomic.Int32
	SecondCalls atomic.Int32
}

func (w *TwoStepWorkflow) Name() string { return "two_step" }

func (w *TwoStepWorkflow) Run(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
	first, err := flows.Execute(ctx, wf, "first", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
		w.FirstCalls.Add(1)
		return &CountOutput{Value: in.Value + 1}, nil
	}, in, flows.RetryPolicy{})
	if err != nil {
		return nil, err
	}
	return flows.Execute(ctx, wf, "second", func(ctx context.Context, in *CountOutput) (*CountOutput, error) {
		w.SecondCalls.Add(1)
		return &CountOutput{Value: in.Value + 1}, nil
	}, first, flows.RetryPolicy{})
}

// funcWorkflow adapts a function into a workflow for one-off tests.
type funcWorkflow struct {
	name string
	run  func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error)
}

func (w funcWorkflow) Name() string { return w.name }

func (w funcWorkflow) Run(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
	return w.run(ctx, wf, in)
}

// =============================================================================
// Tests
// =============================================================================

func TestBasicWorkflowLifecycle(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &GreetWorkflow{}
	flows.Register(registry, wf)

	client := flows.Client{}
	runKey, started, err := flows.Submit(ctx, client, pool, wf, "greet:world", &GreetInput{Name: "World"})
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, "greet:world", runKey.WorkflowKey)
	assert.Equal(t, flows.StatusQueued, runStatus(t, pool, runKey).Status)

	worker := newTestWorker(pool, registry)
	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.True(t, st.Terminal())

	out, err := flows.GetRunOutputTx[GreetOutput](ctx, client, pool, runKey)
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", out.Greeting)
	assert.Equal(t, int32(1), wf.StepCalls.Load())

	steps, err := flows.ListStepsTx(ctx, client, pool, runKey)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "greet", steps[0].StepKey)
	assert.JSONEq(t, `{"greeting":"Hello, World!"}`, string(steps[0].OutputJSON))

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "nothing left to process")
}

func TestSubmitDeduplicatesActiveRuns(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &GreetWorkflow{}
	flows.Register(registry, wf)
	client := flows.Client{}

	first, started, err := flows.Submit(ctx, client, pool, wf, "greet:dup", &GreetInput{Name: "a"})
	require.NoError(t, err)
	require.True(t, started)

	second, started, err := flows.Submit(ctx, client, pool, wf, "greet:dup", &GreetInput{Name: "b"})
	require.NoError(t, err)
	assert.False(t, started, "second submit must attach to the active run")
	assert.Equal(t, first, second)

	other, started, err := flows.Submit(ctx, client, pool, wf, "greet:other", &GreetInput{Name: "c"})
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, first.RunID, other.RunID)

	worker := newTestWorker(pool, registry)
	for {
		processed, err := worker.ProcessOne(ctx)
		require.NoError(t, err)
		if !processed {
			break
		}
	}

	// A finished run is retained; a new submit starts a fresh run.
	third, started, err := flows.Submit(ctx, client, pool, wf, "greet:dup", &GreetInput{Name: "d"})
	require.NoError(t, err)
	assert.True(t, started)
	assert.NotEqual(t, first.RunID, third.RunID)
	assert.Equal(t, flows.StatusCompleted, runStatus(t, pool, first).Status)

	latest, err := flows.LatestRunTx(ctx, client, pool, wf.Name(), "greet:dup")
	require.NoError(t, err)
	assert.Equal(t, third.RunID, latest.Key.RunID)
	assert.Equal(t, flows.StatusQueued, latest.Status)

	_, err = flows.LatestRunTx(ctx, client, pool, wf.Name(), "greet:never")
	assert.ErrorIs(t, err, flows.ErrRunNotFound)

	_, _, err = flows.Submit(ctx, client, pool, wf, "", &GreetInput{})
	assert.ErrorIs(t, err, flows.ErrEmptyWorkflowKey)
}

func TestConcurrentSubmitStartsOneRun(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	wf := &GreetWorkflow{}
	client := flows.Client{DBConfig: flows.DBConfig{ShardCount: 4}}

	const n = 10
	var wg sync.WaitGroup
	var startedCount atomic.Int32
	keys := make([]flows.RunKey, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, started, err := flows.Submit(ctx, client, pool, wf, "greet:race", &GreetInput{Name: "x"})
			keys[i], errs[i] = key, err
			if started {
				startedCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0].RunID, keys[i].RunID)
	}
	assert.Equal(t, int32(1), startedCount.Load())

	var count int
	err := pool.QueryRow(ctx, "SELECT count(*) FROM flows.runs WHERE workflow_key = $1", "greet:race").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmitJoinsCallerTransaction(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	wf := &GreetWorkflow{}
	client := flows.Client{}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	key, started, err := flows.SubmitTx(ctx, client, tx, wf, "greet:tx", &GreetInput{Name: "tx"})
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, tx.Rollback(ctx))

	_, err = flows.GetRunStatusTx(ctx, client, pool, key)
	assert.ErrorIs(t, err, flows.ErrRunNotFound, "rolled back submit must leave no run")
}

func TestSleepAndWake(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &SleepWorkflow{}
	flows.Register(registry, wf)

	wakeAt := time.Now().Add(300 * time.Millisecond)
	runKey, _, err := flows.Submit(ctx, flows.Client{}, pool, wf, "sleep:1", &SleepInput{WakeAt: wakeAt})
	require.NoError(t, err)

	worker := newTestWorker(pool, registry)
	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusSleeping, st.Status)
	require.NotNil(t, st.NextWakeAt)
	assert.WithinDuration(t, wakeAt, *st.NextWakeAt, time.Millisecond)
	assert.Equal(t, int32(1), wf.BeforeCalls.Load())
	assert.Equal(t, int32(0), wf.AfterCalls.Load())

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a sleeping run must not be claimed before its wake time")

	time.Sleep(time.Until(wakeAt) + 200*time.Millisecond)

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st = runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, int32(1), wf.BeforeCalls.Load(), "memoized step must not re-run after waking")
	assert.Equal(t, int32(1), wf.AfterCalls.Load())
}

func TestSleepUntilPastTimeDoesNotSuspend(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &SleepWorkflow{}
	flows.Register(registry, wf)

	runKey, _, err := flows.Submit(ctx, flows.Client{}, pool, wf, "sleep:past", &SleepInput{WakeAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, int32(1), wf.AfterCalls.Load())

	var satisfied bool
	err = pool.QueryRow(ctx,
		"SELECT satisfied_at IS NOT NULL FROM flows.waits WHERE workflow_name_shard = $1 AND run_id = $2 AND wait_key = 'wait'",
		runKey.WorkflowNameShard, string(runKey.RunID),
	).Scan(&satisfied)
	require.NoError(t, err)
	assert.True(t, satisfied)
}

func TestWakeTxPullsSleepingRunEarlier(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &SleepWorkflow{}
	flows.Register(registry, wf)
	client := flows.Client{}

	wakeAt := time.Now().Add(time.Hour)
	runKey, _, err := flows.Submit(ctx, client, pool, wf, "sleep:wake", &SleepInput{WakeAt: wakeAt})
	require.NoError(t, err)

	woken, err := flows.WakeTx(ctx, client, pool, runKey, time.Now())
	require.NoError(t, err)
	assert.False(t, woken, "a queued run is not sleeping")

	worker := newTestWorker(pool, registry)
	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, flows.StatusSleeping, runStatus(t, pool, runKey).Status)

	woken, err = flows.WakeTx(ctx, client, pool, runKey, wakeAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, woken, "a later time never postpones the wake-up")

	now := time.Now()
	woken, err = flows.WakeTx(ctx, client, pool, runKey, now)
	require.NoError(t, err)
	assert.True(t, woken)

	st := runStatus(t, pool, runKey)
	require.NotNil(t, st.NextWakeAt)
	assert.WithinDuration(t, now, *st.NextWakeAt, time.Millisecond)

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st = runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusCompleted, st.Status)
	assert.Equal(t, int32(1), wf.AfterCalls.Load())
}

func TestSubmitReportsNotifyFailure(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	wf := &GreetWorkflow{}

	// Postgres rejects channel names longer than 63 bytes.
	client := flows.Client{NotifyChannel: strings.Repeat("c", 80)}
	_, _, err := flows.Submit(ctx, client, pool, wf, "greet:notify", &GreetInput{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notify workers")

	_, err = flows.LatestRunTx(ctx, flows.Client{}, pool, wf.Name(), "greet:notify")
	assert.ErrorIs(t, err, flows.ErrRunNotFound, "the failed submit must leave no run")
}

// TestExpiredLeaseIsReclaimed simulates a worker that died after recording the
// first step: its lease expires and another worker resumes from the log.
func TestExpiredLeaseIsReclaimed(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &TwoStepWorkflow{}
	flows.Register(registry, wf)

	runKey, _, err := flows.Submit(ctx, flows.Client{}, pool, wf, "count:crash", &CountInput{Value: 1})
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		UPDATE flows.runs
		SET status = 'running', lease_owner = gen_random_uuid(), lease_until = now() + interval '1 hour', attempts = 1
		WHERE workflow_name_shard = $1 AND run_id = $2`,
		runKey.WorkflowNameShard, string(runKey.RunID))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO flows.steps (workflow_name_shard, run_id, step_key, status, output_json, attempts)
		VALUES ($1, $2, 'first', 'completed', '{"value": 2}', 1)`,
		runKey.WorkflowNameShard, string(runKey.RunID))
	require.NoError(t, err)

	worker := newTestWorker(pool, registry)
	processed, err := worker.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed, "a run under a live lease must not be claimed")

	_, err = pool.Exec(ctx,
		"UPDATE flows.runs SET lease_until = now() - interval '1 second' WHERE workflow_name_shard = $1 AND run_id = $2",
		runKey.WorkflowNameShard, string(runKey.RunID))
	require.NoError(t, err)

	processed, err = worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, int32(0), wf.FirstCalls.Load(), "recorded step must be replayed, not re-run")
	assert.Equal(t, int32(1), wf.SecondCalls.Load())

	out, err := flows.GetRunOutputTx[CountOutput](ctx, flows.Client{}, pool, runKey)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Value)
}

func TestStepFirstWriterWins(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := funcWorkflow{name: "first_writer", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		return flows.Execute(ctx, wf, "contended", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
			// Another execution of the same run records the step first.
			key := wf.RunKey()
			_, err := pool.Exec(ctx, `
				INSERT INTO flows.steps (workflow_name_shard, run_id, step_key, status, output_json, attempts)
				VALUES ($1, $2, 'contended', 'completed', '{"value": 100}', 1)`,
				key.WorkflowNameShard, string(key.RunID))
			if err != nil {
				return nil, err
			}
			return &CountOutput{Value: 1}, nil
		}, in, flows.RetryPolicy{})
	}}
	flows.Register[CountInput, CountOutput](registry, wf)

	runKey, _, err := flows.Submit[CountInput, CountOutput](ctx, flows.Client{}, pool, wf, "writer:1", &CountInput{})
	require.NoError(t, err)

	processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	out, err := flows.GetRunOutputTx[CountOutput](ctx, flows.Client{}, pool, runKey)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Value, "the stored step output wins")
}

func TestRetryPolicy(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	var calls atomic.Int32
	registry := flows.NewRegistry()
	wf := funcWorkflow{name: "flaky", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		return flows.Execute(ctx, wf, "flaky", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return &CountOutput{Value: 7}, nil
		}, in, flows.RetryPolicy{MaxRetries: 2, Backoff: func(int) int { return 10 }})
	}}
	flows.Register[CountInput, CountOutput](registry, wf)

	runKey, _, err := flows.Submit[CountInput, CountOutput](ctx, flows.Client{}, pool, wf, "flaky:1", &CountInput{})
	require.NoError(t, err)

	processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, flows.StatusCompleted, runStatus(t, pool, runKey).Status)
	assert.Equal(t, int32(3), calls.Load())

	steps, err := flows.ListStepsTx(ctx, flows.Client{}, pool, runKey)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "completed", steps[0].Status)
	assert.Equal(t, 3, steps[0].Attempts)
}

func TestWorkflowFailureIsRecorded(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := &GreetWorkflow{Fail: true}
	flows.Register(registry, wf)

	runKey, _, err := flows.Submit(ctx, flows.Client{}, pool, wf, "greet:fail", &GreetInput{Name: "x"})
	require.NoError(t, err)

	processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "greeting rejected")

	_, err = flows.GetRunOutputTx[GreetOutput](ctx, flows.Client{}, pool, runKey)
	assert.Error(t, err)

	// The engine never retries a failed run.
	processed, err = newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestPanicsFailTheRun(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	stepPanic := funcWorkflow{name: "step_panic", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		return flows.Execute(ctx, wf, "boom", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
			panic("step exploded")
		}, in, flows.RetryPolicy{})
	}}
	wfPanic := funcWorkflow{name: "workflow_panic", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		panic("workflow exploded")
	}}
	flows.Register[CountInput, CountOutput](registry, stepPanic)
	flows.Register[CountInput, CountOutput](registry, wfPanic)

	k1, _, err := flows.Submit[CountInput, CountOutput](ctx, flows.Client{}, pool, stepPanic, "p:1", &CountInput{})
	require.NoError(t, err)
	k2, _, err := flows.Submit[CountInput, CountOutput](ctx, flows.Client{}, pool, wfPanic, "p:2", &CountInput{})
	require.NoError(t, err)

	worker := newTestWorker(pool, registry)
	for i := 0; i < 2; i++ {
		processed, err := worker.ProcessOne(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	st1 := runStatus(t, pool, k1)
	assert.Equal(t, flows.StatusFailed, st1.Status)
	assert.Contains(t, st1.Error, "step panicked: step exploded")

	st2 := runStatus(t, pool, k2)
	assert.Equal(t, flows.StatusFailed, st2.Status)
	assert.Contains(t, st2.Error, "workflow panicked: workflow exploded")
}

func TestShutdownRequeuesInterruptedRun(t *testing.T) {
	pool := setupTestDB(t)

	started := make(chan struct{})
	registry := flows.NewRegistry()
	wf := funcWorkflow{name: "blocking", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		return flows.Execute(ctx, wf, "block", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, in, flows.RetryPolicy{})
	}}
	flows.Register[CountInput, CountOutput](registry, wf)

	runKey, _, err := flows.Submit[CountInput, CountOutput](context.Background(), flows.Client{}, pool, wf, "block:1", &CountInput{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		processed bool
		err       error
	}
	done := make(chan result, 1)
	go func() {
		processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
		done <- result{processed, err}
	}()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("step never started")
	}
	cancel()

	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusQueued, st.Status, "interrupted run goes back to the queue, not to failed")

	var leaseOwner *string
	err = pool.QueryRow(context.Background(),
		"SELECT lease_owner::text FROM flows.runs WHERE workflow_name_shard = $1 AND run_id = $2",
		runKey.WorkflowNameShard, string(runKey.RunID)).Scan(&leaseOwner)
	require.NoError(t, err)
	assert.Nil(t, leaseOwner)
}

func TestStepTimeout(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	registry := flows.NewRegistry()
	wf := funcWorkflow{name: "slow", run: func(ctx context.Context, wf *flows.Context, in *CountInput) (*CountOutput, error) {
		return flows.Execute(ctx, wf, "slow", func(ctx context.Context, in *CountInput) (*CountOutput, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &CountOutput{}, nil
			}
		}, in, flows.RetryPolicy{StepTimeout: 50 * time.Millisecond})
	}}
	flows.Register[CountInput, CountOutput](registry, wf)

	runKey, _, err := flows.Submit[CountInput, CountOutput](ctx, flows.Client{}, pool, wf, "slow:1", &CountInput{})
	require.NoError(t, err)

	processed, err := newTestWorker(pool, registry).ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st := runStatus(t, pool, runKey)
	assert.Equal(t, flows.StatusFailed, st.Status)
	assert.Contains(t, st.Error, context.DeadlineExceeded.Error())
}

func TestWorkerRun(t *testing.T) {
	for _, disableNotify := range []bool{false, true} {
		t.Run(fmt.Sprintf("disable_notify=%v", disableNotify), func(t *testing.T) {
			pool := setupTestDB(t)

			registry := flows.NewRegistry()
			wf := &GreetWorkflow{}
			flows.Register(registry, wf, flows.WithConcurrency(2))

			worker := &flows.Worker{
				Pool:          pool,
				Registry:      registry,
				PollInterval:  5 * time.Second,
				DisableNotify: disableNotify,
				Metrics:       flows.NewMetrics(nil),
			}
			if disableNotify {
				worker.PollInterval = 50 * time.Millisecond
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- worker.Run(ctx) }()

			// Give the listener a moment to subscribe.
			time.Sleep(200 * time.Millisecond)

			var keys []flows.RunKey
			for i := 0; i < 5; i++ {
				key, _, err := flows.Submit(context.Background(), flows.Client{}, pool, wf, fmt.Sprintf("greet:%d", i), &GreetInput{Name: "run"})
				require.NoError(t, err)
				keys = append(keys, key)
			}

			require.Eventually(t, func() bool {
				for _, key := range keys {
					if runStatus(t, pool, key).Status != flows.StatusCompleted {
						return false
					}
				}
				return true
			}, 4*time.Second, 20*time.Millisecond)

			cancel()
			select {
			case err := <-errCh:
				require.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not stop")
			}
			assert.Equal(t, int64(0), worker.InFlight())
		})
	}
}
