package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
	"probeflow/internal/events"
	"probeflow/internal/queue"
)

type Executor interface {
	Execute(ctx context.Context, t domain.Task) (domain.Output, error)
}

type Recorder interface {
	Record(ctx context.Context, r domain.Result) error
}

type Config struct {
	MaxConcurrentTasks int
	DefaultMaxRetries  int
	RetryDelay         time.Duration
	MaxQueued          int
	// Backoff picks the delay before each retry. Nil means a constant
	// RetryDelay. A policy returning backoff.Stop ends retrying early.
	Backoff backoff.BackOff
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 3
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = domain.DefaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Backoff == nil {
		c.Backoff = backoff.NewConstantBackOff(c.RetryDelay)
	}
	return c
}

// run is one occupied slot. The slot is held through the retry backoff.
type run struct {
	task   domain.Task
	cancel context.CancelFunc
	timer  *time.Timer
}

// Orchestrator owns the task queue and the running set. All mutation happens
// under mu; execution happens in one goroutine per running task.
type Orchestrator struct {
	cfg     Config
	exec    Executor
	rec     Recorder
	bus     *events.Bus
	backoff backoff.BackOff
	now     func() time.Time

	mu      sync.Mutex
	queue   *queue.Queue
	running map[string]*run
	ctx     context.Context
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, exec Executor, rec Recorder, bus *events.Bus) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:     cfg,
		exec:    exec,
		rec:     rec,
		bus:     bus,
		backoff: cfg.Backoff,
		now:     time.Now,
		queue:   queue.New(cfg.MaxQueued),
		running: make(map[string]*run),
	}
}

// Start begins dispatching. Tasks enqueued before Start wait in the queue.
// Cancelling ctx cancels running tasks and stops further dispatch.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.ctx = ctx
	o.started = true
	log.Info().Int("max_concurrent", o.cfg.MaxConcurrentTasks).Int("queued", o.queue.Len()).Msg("orchestrator started")
	o.dispatchLocked()
}

// Enqueue queues a task and returns its id without waiting for execution.
func (o *Orchestrator) Enqueue(tt domain.TaskType, opts domain.Options) (string, error) {
	if !tt.Valid() {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownTaskType, tt)
	}
	t := o.newTask(tt, opts)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.queue.Push(t); err != nil {
		log.Warn().Err(err).Str("task_type", string(tt)).Msg("enqueue rejected")
		return "", err
	}
	log.Info().Str("task_id", t.ID).Str("task_type", string(tt)).Int("priority", t.Priority).Msg("task queued")
	o.publish(events.Event{Type: events.TaskQueued, TaskID: t.ID, TaskType: t.Type})
	o.dispatchLocked()
	return t.ID, nil
}

func (o *Orchestrator) newTask(tt domain.TaskType, opts domain.Options) domain.Task {
	prio := domain.DefaultPriority
	if opts.Priority != nil {
		prio = *opts.Priority
	}
	maxRetries := o.cfg.DefaultMaxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}
	return domain.Task{
		ID:         "tsk_" + uuid.Must(uuid.NewV7()).String(),
		Type:       tt,
		Options:    opts,
		Priority:   prio,
		MaxRetries: maxRetries,
		CreatedAt:  o.now(),
	}
}

func (o *Orchestrator) dispatchLocked() {
	if !o.started || o.ctx.Err() != nil {
		return
	}
	for len(o.running) < o.cfg.MaxConcurrentTasks {
		t, ok := o.queue.Pop()
		if !ok {
			return
		}
		ctx, cancel := context.WithCancel(o.ctx)
		r := &run{task: t, cancel: cancel}
		o.running[t.ID] = r

		log.Info().Str("task_id", t.ID).Str("task_type", string(t.Type)).Int("retry", t.RetryCount).Msg("task started")
		o.publish(events.Event{Type: events.TaskStarted, TaskID: t.ID, TaskType: t.Type, Attempt: t.RetryCount + 1})

		o.wg.Add(1)
		go o.execute(ctx, r)
	}
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer o.wg.Done()
	out, err := o.exec.Execute(ctx, r.task)
	o.finish(r, out, err)
}

func (o *Orchestrator) finish(r *run, out domain.Output, err error) {
	o.mu.Lock()
	t := r.task
	if o.running[t.ID] != r || o.ctx.Err() != nil {
		if o.running[t.ID] == r {
			delete(o.running, t.ID)
		}
		o.mu.Unlock()
		r.cancel()
		log.Debug().Str("task_id", t.ID).Msg("discarding outcome of stopped task")
		return
	}

	delay := backoff.Stop
	if err != nil && domain.Retryable(err) && t.CanRetry() {
		delay = o.backoff.NextBackOff()
	}
	if delay != backoff.Stop {
		r.timer = time.AfterFunc(delay, func() { o.requeue(r) })
		o.mu.Unlock()
		r.cancel()

		log.Warn().Err(err).Str("task_id", t.ID).Int("retry", t.RetryCount+1).Int("max_retries", t.MaxRetries).Dur("delay", delay).Msg("task retrying")
		o.publish(events.Event{Type: events.TaskRetrying, TaskID: t.ID, TaskType: t.Type, Attempt: t.RetryCount + 2, Message: err.Error()})
		return
	}

	delete(o.running, t.ID)
	o.mu.Unlock()
	r.cancel()

	res := o.result(t, out, err)
	if recErr := o.rec.Record(context.Background(), res); recErr != nil {
		log.Error().Err(recErr).Str("task_id", t.ID).Msg("record result")
	}

	if err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Str("task_type", string(t.Type)).Int("retry", t.RetryCount).Msg("task failed")
		o.publish(events.Event{Type: events.TaskFailed, TaskID: t.ID, TaskType: t.Type, Attempt: t.RetryCount + 1, Message: err.Error(), Result: &res})
	} else {
		log.Info().Str("task_id", t.ID).Str("task_type", string(t.Type)).Int64("duration_ms", res.DurationMs).Msg("task completed")
		o.publish(events.Event{Type: events.TaskCompleted, TaskID: t.ID, TaskType: t.Type, Attempt: t.RetryCount + 1, Result: &res})
	}

	o.mu.Lock()
	o.dispatchLocked()
	o.mu.Unlock()
}

// requeue releases the slot of a task whose backoff elapsed and puts it at the
// front of its priority band.
func (o *Orchestrator) requeue(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[r.task.ID] != r {
		return
	}
	delete(o.running, r.task.ID)
	r.task.RetryCount++
	o.queue.PushFront(r.task)
	o.dispatchLocked()
}

func (o *Orchestrator) result(t domain.Task, out domain.Output, err error) domain.Result {
	now := o.now()
	res := domain.Result{
		TaskID:     t.ID,
		Type:       t.Type,
		Success:    err == nil,
		Output:     out.Payload,
		Log:        out.Log,
		RetryCount: t.RetryCount,
		DurationMs: now.Sub(t.CreatedAt).Milliseconds(),
		Timestamp:  now.UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// StopAll drops queued tasks, cancels running ones and pending retries.
// Outcomes of cancelled executions are discarded.
func (o *Orchestrator) StopAll() (queued, running int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	queued = o.queue.Clear()
	running = len(o.running)
	for id, r := range o.running {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.cancel()
		delete(o.running, id)
	}
	msg := fmt.Sprintf("stopped all tasks: %d queued dropped, %d running cancelled", queued, running)
	log.Warn().Int("queued", queued).Int("running", running).Msg("stop all")
	o.publish(events.Event{Type: events.TasksStopped, Message: msg})
	return queued, running
}

// Wait blocks until every execution goroutine has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

type Snapshot struct {
	Queued  []domain.Task `json:"queued"`
	Running []domain.Task `json:"running"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{Queued: o.queue.Tasks(), Running: make([]domain.Task, 0, len(o.running))}
	for _, r := range o.running {
		s.Running = append(s.Running, r.task)
	}
	sort.Slice(s.Running, func(i, j int) bool { return s.Running[i].CreatedAt.Before(s.Running[j].CreatedAt) })
	return s
}

// Stats returns queue depth and occupied slots.
func (o *Orchestrator) Stats() (queued, running int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len(), len(o.running)
}

func (o *Orchestrator) publish(e events.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}
