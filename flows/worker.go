package flows

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const (
	defaultPollInterval  = time.Second
	defaultLeaseDuration = 5 * time.Minute
)

// Worker claims runnable runs and executes them.
//
// A run is claimed under a lease stamped with a fresh owner id. The lease is
// renewed while the workflow executes; if the process dies, another worker
// reclaims the run once the lease has expired and replays it from its
// recorded steps.
type Worker struct {
	Pool     *pgxpool.Pool
	Registry *Registry

	// PollInterval is how often idle workers re-scan for runnable runs.
	// Defaults to 1s.
	PollInterval time.Duration

	// LeaseDuration bounds how long a claimed run stays invisible to other
	// workers without a heartbeat. Defaults to 5m.
	LeaseDuration time.Duration

	// DisableNotify turns off LISTEN/NOTIFY wakeups; workers then only poll.
	DisableNotify bool

	DBConfig      DBConfig
	NotifyChannel string

	Logger  logrus.FieldLogger
	Metrics *Metrics
	Now     func() time.Time

	inFlight atomic.Int64
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval <= 0 {
		return defaultPollInterval
	}
	return w.PollInterval
}

func (w *Worker) leaseDuration() time.Duration {
	if w.LeaseDuration <= 0 {
		return defaultLeaseDuration
	}
	return w.LeaseDuration
}

func (w *Worker) logger() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

func (w *Worker) tables() dbTables {
	return newDBTables(w.DBConfig)
}

// InFlight returns the number of runs this worker is executing right now.
func (w *Worker) InFlight() int64 {
	return w.inFlight.Load()
}

// ProcessOne claims and executes at most one runnable run of any registered
// workflow. It reports whether a run was processed.
//
// A workflow that fails is recorded as a failed run; only engine errors are
// returned.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if w.Pool == nil || w.Registry == nil {
		return false, errors.New("flows: worker needs Pool and Registry")
	}
	for _, runner := range w.Registry.list() {
		processed, err := w.processWorkflow(ctx, runner)
		if err != nil || processed {
			return processed, err
		}
	}
	return false, nil
}

// processWorkflow scans every shard of the workflow, starting at a random one.
func (w *Worker) processWorkflow(ctx context.Context, runner workflowRunner) (bool, error) {
	shards := ShardValuesForWorkflow(runner.workflowName(), w.DBConfig.shardCount())
	offset := rand.Intn(len(shards))
	for i := range shards {
		processed, err := w.processShard(ctx, runner, shards[(offset+i)%len(shards)])
		if err != nil || processed {
			return processed, err
		}
	}
	return false, nil
}

func (w *Worker) processShard(ctx context.Context, runner workflowRunner, shard string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	t := w.tables()
	owner := uuid.New().String()
	name := runner.workflowName()

	var runID, workflowKey string
	var inputJSON []byte
	var attempts int
	err := w.Pool.QueryRow(ctx, t.claimRunnableRunForShardSQL(), shard, name, owner, w.leaseDuration().Seconds()).
		Scan(&runID, &workflowKey, &inputJSON, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, engineFault("claim run", err)
	}

	runKey := RunKey{WorkflowNameShard: shard, RunID: RunID(runID), WorkflowKey: workflowKey}
	log := w.logger().WithFields(logrus.Fields{
		"workflow":     name,
		"run_id":       runID,
		"workflow_key": workflowKey,
		"attempt":      attempts,
	})
	log.Debug("claimed run")
	w.Metrics.runClaimed(name)

	return true, w.execute(ctx, runner, runKey, owner, inputJSON, log)
}

type runOutcome struct {
	output   []byte
	err      error
	yielded  bool
	wakeAt   time.Time
	leaseErr bool
}

func runWithRecovery(ctx context.Context, runner workflowRunner, wfCtx *Context, inputJSON []byte) (out runOutcome) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case yieldPanic:
			out = runOutcome{yielded: true, wakeAt: v.wakeAt}
		case error:
			if errors.Is(v, errLeaseLost) {
				out = runOutcome{err: v, leaseErr: true}
				return
			}
			if IsEngineFault(v) {
				out = runOutcome{err: v}
				return
			}
			out = runOutcome{err: WorkflowPanicError{Value: r, Stack: stackTrace()}}
		default:
			out = runOutcome{err: WorkflowPanicError{Value: r, Stack: stackTrace()}}
		}
	}()

	output, err := runner.run(ctx, wfCtx, inputJSON)
	return runOutcome{output: output, err: err}
}

func (w *Worker) execute(ctx context.Context, runner workflowRunner, runKey RunKey, owner string, inputJSON []byte, log logrus.FieldLogger) error {
	name := runner.workflowName()
	t := w.tables()

	w.inFlight.Inc()
	w.Metrics.addInFlight(name, 1)
	defer func() {
		w.inFlight.Dec()
		w.Metrics.addInFlight(name, -1)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lost := atomic.NewBool(false)
	var hb sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hbCtx, t, runKey, owner, lost, cancelRun, log)
	}()

	wfCtx := newContext(runKey, name, w.Pool, runner.codec(), t, owner)
	if w.Now != nil {
		wfCtx.now = w.Now
	}
	wfCtx.log = log
	wfCtx.metrics = w.Metrics

	out := runWithRecovery(runCtx, runner, wfCtx, inputJSON)
	stopHeartbeat()
	hb.Wait()

	// Final writes must land even when the worker is shutting down.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelWrite()

	switch {
	case out.yielded:
		log.WithField("wake_at", out.wakeAt).Debug("run suspended")
		w.Metrics.runSuspended(name)
		return nil

	case out.leaseErr || lost.Load():
		log.Warn("lease lost, abandoning run")
		w.Metrics.runFinished(name, "lease_lost")
		return nil

	case out.err == nil:
		tag, err := w.Pool.Exec(writeCtx, t.setRunCompletedSQL(), runKey.WorkflowNameShard, string(runKey.RunID), owner, out.output)
		if err != nil {
			log.WithError(err).Error("record run completion")
			return engineFault("complete run", err)
		}
		if tag.RowsAffected() == 0 {
			log.Warn("lease lost before recording completion")
			return nil
		}
		log.Info("run completed")
		w.Metrics.runFinished(name, StatusCompleted)
		return nil

	case ctx.Err() != nil:
		if _, err := w.Pool.Exec(writeCtx, t.requeueRunSQL(), runKey.WorkflowNameShard, string(runKey.RunID), owner); err != nil {
			log.WithError(err).Error("requeue interrupted run")
			return engineFault("requeue run", err)
		}
		log.Info("run interrupted by shutdown, requeued")
		w.Metrics.runFinished(name, "requeued")
		return nil

	default:
		tag, err := w.Pool.Exec(writeCtx, t.setRunFailedSQL(), runKey.WorkflowNameShard, string(runKey.RunID), owner, out.err.Error())
		if err != nil {
			log.WithError(err).Error("record run failure")
			return engineFault("fail run", err)
		}
		if tag.RowsAffected() == 0 {
			log.Warn("lease lost before recording failure")
			return nil
		}
		log.WithError(out.err).Warn("run failed")
		w.Metrics.runFinished(name, StatusFailed)
		return nil
	}
}

// heartbeat renews the lease until ctx is done. When the lease is gone it
// cancels the run.
func (w *Worker) heartbeat(ctx context.Context, t dbTables, runKey RunKey, owner string, lost *atomic.Bool, cancelRun context.CancelFunc, log logrus.FieldLogger) {
	lease := w.leaseDuration()
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tag, err := w.Pool.Exec(ctx, t.renewLeaseSQL(), runKey.WorkflowNameShard, string(runKey.RunID), owner, lease.Seconds())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("renew lease")
				continue
			}
			if tag.RowsAffected() == 0 {
				lost.Store(true)
				cancelRun()
				return
			}
		}
	}
}

// Run executes registered workflows until ctx is cancelled.
//
// Each workflow gets WithConcurrency goroutines. They wake up on
// LISTEN/NOTIFY hints (unless DisableNotify) and poll every PollInterval.
// On cancellation, runs in progress are requeued and Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	if w.Pool == nil || w.Registry == nil {
		return errors.New("flows: worker needs Pool and Registry")
	}
	runners := w.Registry.list()
	if len(runners) == 0 {
		return errors.New("flows: no workflows registered")
	}

	wake := make(map[string]chan struct{}, len(runners))
	for _, r := range runners {
		wake[r.workflowName()] = make(chan struct{}, r.concurrency())
	}

	var wg sync.WaitGroup
	if !w.DisableNotify {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.listen(ctx, wake)
		}()
	}

	for _, r := range runners {
		for i := 0; i < r.concurrency(); i++ {
			wg.Add(1)
			go func(runner workflowRunner) {
				defer wg.Done()
				w.loop(ctx, runner, wake[runner.workflowName()])
			}(r)
		}
	}

	w.logger().WithField("workflows", w.Registry.Names()).Info("worker started")
	wg.Wait()
	w.logger().Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, runner workflowRunner, wake <-chan struct{}) {
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		// Drain: keep claiming while there is work.
		for {
			processed, err := w.processWorkflow(ctx, runner)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger().WithError(err).WithField("workflow", runner.workflowName()).Error("worker error")
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// listen holds one connection in LISTEN and fans notifications out to the
// workflow that owns the notified shard. It reconnects after errors.
func (w *Worker) listen(ctx context.Context, wake map[string]chan struct{}) {
	channel := normalizeNotifyChannel(w.NotifyChannel)
	for ctx.Err() == nil {
		if err := w.listenOnce(ctx, channel, wake); err != nil && ctx.Err() == nil {
			w.logger().WithError(err).Warn("listen failed, falling back to polling until reconnect")
			select {
			case <-ctx.Done():
			case <-time.After(w.pollInterval()):
			}
		}
	}
}

func (w *Worker) listenOnce(ctx context.Context, channel string, wake map[string]chan struct{}) error {
	conn, err := w.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				// Connection state is unknown; do not return it to the pool.
				_ = conn.Conn().Close(context.Background())
			}
			return err
		}
		ch, ok := wake[workflowFromNotification(n.Payload)]
		if !ok {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// workflowFromNotification extracts the workflow name from a
// "<workflow>_<shard>:<run_id>" payload.
func workflowFromNotification(payload string) string {
	shard, _, _ := strings.Cut(payload, ":")
	i := strings.LastIndexByte(shard, '_')
	if i <= 0 {
		return ""
	}
	return shard[:i]
}
