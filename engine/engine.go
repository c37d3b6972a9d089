// Package engine is an in-process execution engine for taskrunner. Tasks are plain Go functions registered by
// name; a message is routed to a task by the "name" in its metadata.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cloudchacho/taskrunner-go"
)

// Terminal states reported in ExecutionStats
const (
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateRequeued  = "requeued"
)

var (
	// ErrTaskNotFound indicates that task was not found
	ErrTaskNotFound = errors.New("task not found")

	// ErrEngineClosed is returned by RunTask after Close
	ErrEngineClosed = errors.New("engine closed")

	// ErrRetry should cause the task to be requeued, if it has attempts left
	ErrRetry = errors.New("Retry error")
)

// Config used to configure the engine
type Config struct {
	// MaxConcurrency is the number of task runs allowed at the same time
	MaxConcurrency int64 // default 10

	// QueueSize is the number of accepted runs that may wait for a free slot
	QueueSize int // default 1000

	// MaxAttempts is the number of times a task returning ErrRetry is run before it's failed
	MaxAttempts int // default 3

	// GetLogger returns the logger object for given context
	GetLogger taskrunner.GetLoggerFunc
}

type taskMetadata struct {
	Name    string `json:"name"`
	Attempt int    `json:"attempt"`
}

type run struct {
	// receive context without its cancelation, so trace and request values reach the task and hooks
	ctx         context.Context
	task        *taskrunner.Task
	correlation *taskrunner.Correlation
	name        string
	attempt     int
	def         taskDef
}

// Local runs tasks on goroutines within the process
type Local struct {
	config Config

	mu    sync.RWMutex
	tasks map[string]taskDef
	hooks taskrunner.TaskHooks

	closeMu sync.RWMutex
	closed  bool
	queue   chan run

	sem     *semaphore.Weighted
	running sync.WaitGroup
	done    chan struct{}
}

var _ = taskrunner.Engine(&Local{})

// New creates an engine and starts its scheduling loop
func New(config Config) *Local {
	e := &Local{config: config, tasks: map[string]taskDef{}}
	e.initDefaults()
	e.queue = make(chan run, e.config.QueueSize)
	e.sem = semaphore.NewWeighted(e.config.MaxConcurrency)
	e.done = make(chan struct{})
	go e.loop()
	return e
}

func (e *Local) initDefaults() {
	if e.config.MaxConcurrency <= 0 {
		e.config.MaxConcurrency = 10
	}
	if e.config.QueueSize <= 0 {
		e.config.QueueSize = 1000
	}
	if e.config.MaxAttempts <= 0 {
		e.config.MaxAttempts = 3
	}
	if e.config.GetLogger == nil {
		e.config.GetLogger = taskrunner.StdGetLoggerFunc()
	}
}

// RegisterTaskHooks registers the outcome handlers
func (e *Local) RegisterTaskHooks(hooks taskrunner.TaskHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = hooks
}

func (e *Local) getTask(name string) (taskDef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks[name]
	if !ok {
		return task, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return task, nil
}

func (e *Local) getHooks() taskrunner.TaskHooks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hooks
}

// RunTask accepts a task for execution. It returns as soon as the run is scheduled.
func (e *Local) RunTask(ctx context.Context, task *taskrunner.Task, correlation *taskrunner.Correlation) error {
	var md taskMetadata
	if err := json.Unmarshal(task.Metadata, &md); err != nil {
		return errors.Wrap(err, "invalid task metadata")
	}
	if md.Name == "" {
		return errors.New("task metadata has no name")
	}
	def, err := e.getTask(md.Name)
	if err != nil {
		return err
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	select {
	case e.queue <- run{ctx: context.WithoutCancel(ctx), task: task, correlation: correlation, name: md.Name, attempt: md.Attempt, def: def}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "task not accepted")
	}
}

func (e *Local) loop() {
	defer close(e.done)
	for r := range e.queue {
		// can't fail with a background context
		_ = e.sem.Acquire(context.Background(), 1)
		e.running.Add(1)
		go func(r run) {
			defer e.running.Done()
			defer e.sem.Release(1)
			e.execute(r)
		}(r)
	}
}

func (e *Local) execute(r run) {
	ctx := r.ctx
	stats := taskrunner.ExecutionStats{
		Name:           r.name,
		UUID:           uuid.NewV4().String(),
		CallerMetadata: r.correlation,
	}
	loggingFields := taskrunner.LoggingFields{"task": stats.Name, "run_id": stats.UUID}

	input := r.def.newInput()
	err := r.task.Decode(input)
	if err == nil {
		err = r.def.execute(ctx, input)
	}

	hooks := e.getHooks()
	if hooks == nil {
		e.config.GetLogger(ctx).Error(err, "No task hooks registered, dropping outcome", loggingFields)
		return
	}

	var requeueData taskrunner.RequeueData
	if errors.Is(err, ErrRetry) && r.attempt+1 < e.config.MaxAttempts {
		requeueData, err = e.requeueData(r)
		if err == nil {
			stats.State = StateRequeued
			err = hooks.OnRequeue(ctx, stats, requeueData)
			if err != nil {
				e.config.GetLogger(ctx).Error(err, "Requeue hook failed", loggingFields)
			}
			return
		}
	}

	if err == nil {
		stats.State = StateSucceeded
		err = hooks.OnSuccess(ctx, stats, nil)
	} else {
		stats.State = StateFailed
		stats.TransitionError = &taskrunner.TransitionError{Message: err.Error(), Stack: fmt.Sprintf("%+v", err)}
		err = hooks.OnFailure(ctx, stats, nil)
	}
	if err != nil {
		e.config.GetLogger(ctx).Error(err, "Task hook failed", loggingFields)
	}
}

// requeueData re-encodes the task with its attempt counter incremented. Correlation isn't carried over.
func (e *Local) requeueData(r run) (taskrunner.RequeueData, error) {
	md := map[string]json.RawMessage{}
	if err := json.Unmarshal(r.task.Metadata, &md); err != nil {
		return nil, errors.Wrap(err, "invalid task metadata")
	}
	attempt, err := json.Marshal(r.attempt + 1)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode attempt")
	}
	md["attempt"] = attempt
	rawMetadata, err := json.Marshal(md)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode metadata")
	}
	requeued := r.task.Clone()
	requeued.RPCMetadata = nil
	requeued.SetMetadata(rawMetadata)
	payload, err := json.Marshal(requeued)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode requeued task")
	}
	return payload, nil
}

// Close stops accepting tasks and waits for accepted runs to finish, or for ctx to be done
func (e *Local) Close(ctx context.Context) error {
	e.closeMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.closeMu.Unlock()

	finished := make(chan struct{})
	go func() {
		<-e.done
		e.running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
