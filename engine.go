package taskrunner

import "context"

// Engine executes tasks handed over by the runner. It reports exactly one terminal outcome per run through
// the registered TaskHooks.
type Engine interface {
	// RegisterTaskHooks registers the outcome handlers. Called once, at startup.
	RegisterTaskHooks(hooks TaskHooks)

	// RunTask returns once the task has been accepted and scheduled, not when it terminates. A non-nil error
	// means the engine could not accept the task.
	RunTask(ctx context.Context, task *Task, correlation *Correlation) error
}

// TaskHooks react to the terminal outcome of a task run. Exactly one of these is invoked per run, at an
// arbitrary time after the delivery that carried the task was acknowledged.
type TaskHooks interface {
	// OnRequeue re-publishes requeueData onto the action queue
	OnRequeue(ctx context.Context, stats ExecutionStats, requeueData RequeueData) error

	// OnSuccess replies to the caller, if the run is correlated
	OnSuccess(ctx context.Context, stats ExecutionStats, requeueData RequeueData) error

	// OnFailure replies to the caller with the transition error, if the run is correlated
	OnFailure(ctx context.Context, stats ExecutionStats, requeueData RequeueData) error
}
