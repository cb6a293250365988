/*
runner.go - Asynchronous CalcTask runner

PURPOSE:
  Executes aggregation tasks in the background. Callers submit a task,
  get it back in pending state and poll its progress.

DESIGN:
  - N workers drain a bounded queue
  - One active task per (price base date, scope): a second submission for
    the same pair is rejected with ErrTaskConflict, never queued
  - A full queue rejects with ErrQueueFull
  - Inside a task, groups are aggregated concurrently with a bounded
    errgroup; rows are staged and become visible only on completion
  - Incremental tasks skip groups whose sample digest and parameters match
    the current index (counted as unchanged)

CANCELLATION:
  Cancel marks the task failed with CancelReason "cancelled" right away and
  stops its workers. The worker then discards the staged rows and releases
  the scope. Every task write goes through the task's entry lock, so a
  worker can never overwrite the cancelled state.

USAGE:
  runner := calc.NewRunner(store, cfg, logger)
  runner.Start(ctx)
  task, err := runner.Submit(ctx, calc.SubmitRequest{...})
  // ... later
  runner.Stop()

SEE ALSO:
  - index/aggregator.go: Per-group statistics
  - publish/pipeline.go: CreateFromTask, wired as OnComplete
*/
package calc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/cost-index-engine/index"
)

// Config holds runner settings.
type Config struct {
	Workers          int
	QueueSize        int
	GroupParallelism int
	// ProgressEvery is how many processed groups trigger a progress write.
	ProgressEvery int
	// MaxWarnings caps the warnings recorded on one task.
	MaxWarnings int
}

// DefaultConfig returns the standard runner settings.
func DefaultConfig() Config {
	return Config{
		Workers:          2,
		QueueSize:        16,
		GroupParallelism: 8,
		ProgressEvery:    25,
		MaxWarnings:      100,
	}
}

// CompletionHook runs after a task completed and returns the id of the
// version built from it, if any.
type CompletionHook func(ctx context.Context, task index.CalcTask) (string, error)

// Runner executes CalcTasks.
type Runner struct {
	Store      index.Store
	Aggregator *index.Aggregator
	Catalog    *index.Catalog
	Config     Config
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
	OnComplete CompletionHook

	queue chan string

	mu      sync.Mutex
	byScope map[string]*entry
	byID    map[string]*entry
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// entry is the runtime state of an active task.
type entry struct {
	id      string
	lockKey string
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex // guards task writes
	started   bool       // picked up by a worker
	cancelled bool
	finished  bool
}

// NewRunner creates a runner. Call Start before submitting.
func NewRunner(store index.Store, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GroupParallelism <= 0 {
		cfg.GroupParallelism = def.GroupParallelism
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = def.ProgressEvery
	}
	if cfg.MaxWarnings <= 0 {
		cfg.MaxWarnings = def.MaxWarnings
	}
	return &Runner{
		Store:      store,
		Aggregator: index.NewAggregator(),
		Catalog:    index.NewCatalog(store),
		Config:     cfg,
		Logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
		NewID:      uuid.NewString,
		queue:      make(chan string, cfg.QueueSize),
		byScope:    make(map[string]*entry),
		byID:       make(map[string]*entry),
		stop:       make(chan struct{}),
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start recovers tasks interrupted by a previous process and starts the
// workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.recover(ctx); err != nil {
		return err
	}
	r.stop = make(chan struct{})
	for i := 0; i < r.Config.Workers; i++ {
		r.wg.Add(1)
		go r.work(r.stop)
	}
	r.started = true
	r.Logger.Info("calc runner started",
		zap.Int("workers", r.Config.Workers),
		zap.Int("queue_size", r.Config.QueueSize),
		zap.Int("group_parallelism", r.Config.GroupParallelism))
	return nil
}

// Stop lets workers finish their current task and waits for them. Tasks
// still queued stay pending: a later Start on the same runner resumes
// them, a new process fails them as interrupted.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	r.Logger.Info("calc runner stopped")
}

// recover fails tasks left pending or running by a previous process.
func (r *Runner) recover(ctx context.Context) error {
	for _, status := range []index.TaskStatus{index.TaskPending, index.TaskRunning} {
		tasks, err := r.Store.ListTasks(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if _, active := r.byID[t.ID]; active {
				continue
			}
			now := r.Now()
			t.Status = index.TaskFailed
			t.Error = "interrupted by restart"
			t.CompletedAt = &now
			if err := r.Store.UpdateTask(ctx, t); err != nil {
				return err
			}
			if err := r.Store.DiscardTask(ctx, t.ID); err != nil {
				return err
			}
			tasksTotal.WithLabelValues("interrupted").Inc()
			r.Logger.Warn("task interrupted by restart", zap.String("task_id", t.ID))
		}
	}
	return nil
}

func (r *Runner) work(stop <-chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		case id := <-r.queue:
			queueDepth.Set(float64(len(r.queue)))
			r.execute(id)
		}
	}
}

// =============================================================================
// SUBMISSION
// =============================================================================

// SubmitRequest describes a new task.
type SubmitRequest struct {
	Name                string
	Type                index.TaskType
	Scope               string
	PriceBaseDate       string
	OutlierMethod       index.OutlierMethod
	OutlierThreshold    float64
	MinSampleCount      int
	RecommendedQuantile index.Quantile
	Rollup              bool
}

// DefaultMinSampleCount applies when a request leaves MinSampleCount unset.
const DefaultMinSampleCount = 3

func (req *SubmitRequest) normalize() error {
	if req.PriceBaseDate == "" {
		return fmt.Errorf("price base date is required: %w", index.ErrInvalidParams)
	}
	if req.Type == "" {
		req.Type = index.TaskFull
	}
	if req.Type != index.TaskFull && req.Type != index.TaskIncremental {
		return fmt.Errorf("task type %q: %w", req.Type, index.ErrInvalidParams)
	}
	if req.Scope == "" {
		req.Scope = index.DefaultScope
	}
	if req.OutlierMethod == "" {
		req.OutlierMethod = index.OutlierIQR
	}
	if !req.OutlierMethod.Valid() {
		return fmt.Errorf("outlier method %q: %w", req.OutlierMethod, index.ErrInvalidParams)
	}
	if req.OutlierThreshold < 0 {
		return fmt.Errorf("negative outlier threshold: %w", index.ErrInvalidParams)
	}
	if req.MinSampleCount == 0 {
		req.MinSampleCount = DefaultMinSampleCount
	}
	if req.MinSampleCount < 1 {
		return fmt.Errorf("min sample count %d: %w", req.MinSampleCount, index.ErrInvalidParams)
	}
	if req.RecommendedQuantile != "" && !req.RecommendedQuantile.Valid() {
		return fmt.Errorf("quantile %q: %w", req.RecommendedQuantile, index.ErrInvalidParams)
	}
	return nil
}

// Submit validates and enqueues a task.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*index.CalcTask, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	task := index.CalcTask{
		ID:                  r.NewID(),
		Name:                req.Name,
		Type:                req.Type,
		Scope:               req.Scope,
		Status:              index.TaskPending,
		PriceBaseDate:       req.PriceBaseDate,
		OutlierMethod:       req.OutlierMethod,
		OutlierThreshold:    req.OutlierThreshold,
		MinSampleCount:      req.MinSampleCount,
		RecommendedQuantile: req.RecommendedQuantile,
		Rollup:              req.Rollup,
		CreatedAt:           r.Now(),
	}
	if task.Name == "" {
		task.Name = fmt.Sprintf("%s %s", task.Type, task.PriceBaseDate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := task.LockKey()
	if holder, busy := r.byScope[key]; busy {
		tasksTotal.WithLabelValues("conflict").Inc()
		return nil, fmt.Errorf("scope %s held by task %s: %w", key, holder.id, index.ErrTaskConflict)
	}
	// Sends happen only under r.mu, so a free slot here stays free.
	if len(r.queue) >= cap(r.queue) {
		tasksTotal.WithLabelValues("rejected").Inc()
		return nil, index.ErrQueueFull
	}
	if err := r.Store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	e := &entry{id: task.ID, lockKey: key, ctx: tctx, cancel: cancel}
	r.byScope[key] = e
	r.byID[task.ID] = e
	r.queue <- task.ID
	queueDepth.Set(float64(len(r.queue)))

	r.Logger.Info("task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("scope", key))
	return &task, nil
}

// Get returns a task.
func (r *Runner) Get(ctx context.Context, id string) (*index.CalcTask, error) {
	t, err := r.Store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, index.NewNotFound("task", id)
	}
	return t, nil
}

// List returns tasks newest first, optionally filtered by status.
func (r *Runner) List(ctx context.Context, status index.TaskStatus) ([]index.CalcTask, error) {
	return r.Store.ListTasks(ctx, status)
}

// Cancel stops an active task. The task is failed immediately; its staged
// rows are discarded by the worker. A task still waiting in the queue
// releases its scope at once, so the scope can be resubmitted.
func (r *Runner) Cancel(ctx context.Context, id string) (*index.CalcTask, error) {
	r.mu.Lock()
	e, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("task %s: %w", id, index.ErrTaskNotActive)
	}

	e.mu.Lock()
	if e.finished || e.cancelled {
		e.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, index.ErrTaskNotActive)
	}
	e.cancelled = true
	queued := !e.started
	e.cancel()
	task, err := r.cancelTask(ctx, id)
	e.mu.Unlock()
	if queued {
		// no worker will release it
		r.release(e)
	}
	if err != nil {
		return nil, err
	}
	tasksTotal.WithLabelValues("cancelled").Inc()
	r.Logger.Info("task cancelled", zap.String("task_id", id), zap.Bool("queued", queued))
	return task, nil
}

// cancelTask records a user cancellation. Callers hold the entry lock.
func (r *Runner) cancelTask(ctx context.Context, id string) (*index.CalcTask, error) {
	task, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.Now()
	task.Status = index.TaskFailed
	task.CancelReason = index.CancelReasonUser
	task.Error = index.ErrTaskCancelled.Error()
	task.CompletedAt = &now
	if err := r.Store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	return task, nil
}

// =============================================================================
// EXECUTION
// =============================================================================

// save writes task progress unless the task was cancelled.
func (r *Runner) save(e *entry, task index.CalcTask) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return index.ErrTaskCancelled
	}
	return r.Store.UpdateTask(context.Background(), task)
}

// release frees the entry's scope unless a newer task already holds it.
func (r *Runner) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byScope[e.lockKey] == e {
		delete(r.byScope, e.lockKey)
	}
	if r.byID[e.id] == e {
		delete(r.byID, e.id)
	}
	e.cancel()
}

func (r *Runner) execute(id string) {
	r.mu.Lock()
	e := r.byID[id]
	r.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	defer r.release(e)

	start := time.Now()
	task, err := r.run(e)
	taskDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		tasksTotal.WithLabelValues(string(index.TaskCompleted)).Inc()
		r.Logger.Info("task completed",
			zap.String("task_id", id),
			zap.Int("total", task.TotalCombinations),
			zap.Int("generated", task.GeneratedCount),
			zap.Int("skipped", task.SkippedCount),
			zap.Int("failed", task.FailedCount),
			zap.Int("unchanged", task.UnchangedCount),
			zap.Duration("took", time.Since(start)))
		r.afterComplete(e, task)

	case errors.Is(err, index.ErrTaskCancelled) || e.isCancelled():
		if derr := r.Store.DiscardTask(context.Background(), id); derr != nil {
			r.Logger.Error("discarding cancelled task rows failed", zap.String("task_id", id), zap.Error(derr))
		}

	default:
		if derr := r.Store.DiscardTask(context.Background(), id); derr != nil {
			r.Logger.Error("discarding failed task rows failed", zap.String("task_id", id), zap.Error(derr))
		}
		if serr := r.recordFailure(e, task, err); serr != nil && !errors.Is(serr, index.ErrTaskCancelled) {
			r.Logger.Error("recording task failure failed", zap.String("task_id", id), zap.Error(serr))
		}
		tasksTotal.WithLabelValues(string(index.TaskFailed)).Inc()
		r.Logger.Error("task failed", zap.String("task_id", id), zap.Error(err))
	}
}

// recordFailure marks the task failed. A task that failed before it was
// loaded is read again so the stored row is the one updated.
func (r *Runner) recordFailure(e *entry, task index.CalcTask, cause error) error {
	if task.ID == "" {
		t, err := r.Store.GetTask(context.Background(), e.id)
		if err != nil {
			return err
		}
		if t == nil {
			return index.NewNotFound("task", e.id)
		}
		task = *t
	}
	now := r.Now()
	task.Status = index.TaskFailed
	task.Error = cause.Error()
	task.CompletedAt = &now
	return r.save(e, task)
}

func (e *entry) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// run aggregates every group of the task and completes it.
func (r *Runner) run(e *entry) (index.CalcTask, error) {
	ctx := e.ctx
	t, err := r.Store.GetTask(ctx, e.id)
	if err != nil {
		return index.CalcTask{}, err
	}
	if t == nil {
		return index.CalcTask{}, index.NewNotFound("task", e.id)
	}
	task := *t

	now := r.Now()
	task.Status = index.TaskRunning
	task.StartedAt = &now
	if err := r.save(e, task); err != nil {
		return task, err
	}

	facts, err := r.Store.ListFacts(ctx, task.PriceBaseDate)
	if err != nil {
		return task, fmt.Errorf("list facts: %w", err)
	}
	groups := index.GroupFacts(facts, task.PriceBaseDate, task.Rollup)
	task.TotalCombinations = len(groups)
	if err := r.save(e, task); err != nil {
		return task, err
	}

	var current map[string]index.CostIndex
	if task.Type == index.TaskIncremental {
		if current, err = r.Catalog.Current(ctx, task.PriceBaseDate); err != nil {
			return task, fmt.Errorf("load current indexes: %w", err)
		}
	}
	params := index.ParamsFor(task)
	unchanged := newParamsCache(r.Store, params)

	var (
		cmu       sync.Mutex
		processed int
	)
	record := func(outcome string, warn string) error {
		groupsTotal.WithLabelValues(outcome).Inc()
		cmu.Lock()
		defer cmu.Unlock()
		switch outcome {
		case "generated":
			task.GeneratedCount++
		case "skipped":
			task.SkippedCount++
		case "failed":
			task.FailedCount++
		case "unchanged":
			task.UnchangedCount++
		}
		if warn != "" && len(task.Warnings) < r.Config.MaxWarnings {
			task.Warnings = append(task.Warnings, warn)
		}
		processed++
		if processed%r.Config.ProgressEvery == 0 {
			return r.save(e, task)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Config.GroupParallelism)
	for _, grp := range groups {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if prev, ok := current[grp.Dimensions.Key()]; ok && prev.SampleDigest == grp.Digest() {
				same, err := unchanged.sameParams(gctx, prev.CalcTaskID)
				if err != nil {
					return err
				}
				if same {
					return record("unchanged", "")
				}
			}

			rec, err := r.Aggregator.AggregateGroup(grp, task.ID, params)
			switch {
			case errors.Is(err, index.ErrInsufficientSample):
				return record("skipped", "")
			case err != nil:
				r.Logger.Warn("group failed", zap.String("task_id", task.ID), zap.Error(err))
				return record("failed", err.Error())
			}
			if err := r.Store.AppendIndexes(gctx, task.ID, []index.IndexRecord{*rec}); err != nil {
				return fmt.Errorf("append index %s: %w", grp.Dimensions, err)
			}
			return record("generated", "")
		})
	}
	if err := g.Wait(); err != nil {
		return task, err
	}
	if err := ctx.Err(); err != nil {
		return task, index.ErrTaskCancelled
	}

	done := r.Now()
	task.Status = index.TaskCompleted
	task.CompletedAt = &done

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return task, index.ErrTaskCancelled
	}
	if err := r.Store.CompleteTask(context.Background(), task); err != nil {
		return task, fmt.Errorf("complete task: %w", err)
	}
	e.finished = true
	return task, nil
}

// afterComplete runs the completion hook and records the version it built.
func (r *Runner) afterComplete(e *entry, task index.CalcTask) {
	if r.OnComplete == nil {
		return
	}
	ctx := context.Background()
	versionID, err := r.OnComplete(ctx, task)
	if err != nil {
		task.Warnings = append(task.Warnings, fmt.Sprintf("version not created: %v", err))
		r.Logger.Warn("creating version from task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	task.VersionID = versionID
	if err := r.Store.UpdateTask(ctx, task); err != nil {
		r.Logger.Error("recording task version failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// =============================================================================
// INCREMENTAL SUPPORT
// =============================================================================

// paramsCache answers whether an earlier task used the same parameters.
type paramsCache struct {
	store index.TaskStore
	want  index.Params

	mu   sync.Mutex
	seen map[string]bool
}

func newParamsCache(store index.TaskStore, want index.Params) *paramsCache {
	return &paramsCache{store: store, want: want, seen: make(map[string]bool)}
}

func (c *paramsCache) sameParams(ctx context.Context, taskID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if same, ok := c.seen[taskID]; ok {
		return same, nil
	}
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	same := t != nil && index.ParamsFor(*t) == c.want
	c.seen[taskID] = same
	return same, nil
}
