// Package orchestrator runs blocking operations on background goroutines and
// delivers their outcomes to a single coordinating loop.
//
// Every task reports exactly one outcome, success or failure, followed by
// exactly one finished notification. Both are executed by Run, one closure at
// a time, so callbacks never race with each other or with other work posted
// to the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/chat-dataset/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Spawn after Shutdown.
var ErrClosed = errors.New("orchestrator: closed")

// Operation is the unit of work a task runs. ctx is cancelled on Shutdown.
type Operation func(ctx context.Context) (any, error)

// Callbacks observe a task from the coordinating loop. Any of them may be nil.
type Callbacks struct {
	OnSuccess  func(value any)
	OnFailure  func(err error)
	OnFinished func()
}

// Task is the handle of a spawned operation.
type Task struct {
	id       string
	kind     models.TaskKind
	finished atomic.Bool
	done     chan struct{}
}

func newTask(kind models.TaskKind) *Task {
	return &Task{
		id:   uuid.New().String(),
		kind: kind,
		done: make(chan struct{}),
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Kind() models.TaskKind { return t.kind }

func (t *Task) State() models.TaskState {
	if t.finished.Load() {
		return models.TaskFinished
	}
	return models.TaskRunning
}

// Done is closed once the operation has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) finish() {
	t.finished.Store(true)
	close(t.done)
}

type Options struct {
	// MaxConcurrent bounds how many operations execute at once.
	// Zero or less means unbounded.
	MaxConcurrent int
}

type Orchestrator struct {
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	mailbox *mailbox
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	live   map[string]*Task
}

func New(logger *zap.Logger, opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: newMailbox(),
		live:    make(map[string]*Task),
	}
	if opts.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return o
}

// Run drives the coordinating loop until ctx is done. Only one goroutine
// may call Run at a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.mailbox.run(ctx)
}

// Post schedules fn on the coordinating loop. It never blocks.
func (o *Orchestrator) Post(fn func()) {
	o.mailbox.post(fn)
}

// Spawn starts op on its own goroutine and returns immediately.
func (o *Orchestrator) Spawn(kind models.TaskKind, op Operation, cb Callbacks) (*Task, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	task := newTask(kind)
	o.live[task.id] = task
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Debug("Task spawned",
		zap.String("task_id", task.id),
		zap.String("kind", string(kind)))

	go o.execute(task, op, cb)
	return task, nil
}

func (o *Orchestrator) execute(task *Task, op Operation, cb Callbacks) {
	defer o.wg.Done()

	value, err := o.invoke(task, op)
	task.finish()

	if err != nil {
		o.logger.Debug("Task failed",
			zap.String("task_id", task.id),
			zap.String("kind", string(task.kind)),
			zap.Error(err))
		o.Post(func() {
			if cb.OnFailure != nil {
				cb.OnFailure(err)
			}
		})
	} else {
		o.Post(func() {
			if cb.OnSuccess != nil {
				cb.OnSuccess(value)
			}
		})
	}

	o.Post(func() {
		o.sweep()
		if cb.OnFinished != nil {
			cb.OnFinished()
		}
	})
}

func (o *Orchestrator) invoke(task *Task, op Operation) (value any, err error) {
	if o.sem != nil {
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			return nil, fmt.Errorf("task %s not started: %w", task.kind, err)
		}
		defer o.sem.Release(1)
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Task panicked",
				zap.String("task_id", task.id),
				zap.String("kind", string(task.kind)),
				zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", task.kind, r)
		}
	}()

	return op(o.ctx)
}

// sweep drops every task whose operation has returned, not only the one
// whose finished notification triggered it.
func (o *Orchestrator) sweep() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, task := range o.live {
		if task.State() == models.TaskFinished {
			delete(o.live, id)
		}
	}
}

// Live returns the number of tasks not yet reclaimed.
func (o *Orchestrator) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

const drainInterval = 10 * time.Millisecond

// Drain blocks until the loop has run everything posted before the call and
// no task is live. Tasks spawned by callbacks along the way are waited for
// too. Run must be active for Drain to make progress.
func (o *Orchestrator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		reached := make(chan struct{})
		o.Post(func() { close(reached) })

		select {
		case <-reached:
		case <-ctx.Done():
			return ctx.Err()
		}

		// Finished closures sweep after the outcome closures have run, so an
		// empty live set seen from here means every callback has run too.
		if o.Live() == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every running operation and blocks until all task
// goroutines have returned. Outcomes still queued for the loop are only
// delivered if Run keeps going.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.wg.Wait()
		return
	}
	o.closed = true
	running := len(o.live)
	o.mu.Unlock()

	o.logger.Debug("Shutting down orchestrator", zap.Int("live_tasks", running))

	o.cancel()
	o.wg.Wait()
	o.sweep()
}
