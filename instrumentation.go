package taskrunner

import "context"

// Instrumenter defines the interface for the runner's instrumentation
type Instrumenter interface {
	// OnReceive is called as soon as possible after a message is received from the backend. Caller must call
	// the returned finalized function when processing for the message is finished (typically done via defer).
	// The context must be replaced with the returned context for the remainder of the operation.
	// This is where a new span must be started.
	OnReceive(ctx context.Context, attributes map[string]string) (context.Context, func())

	// OnDispatch is called right before a payload is published to a queue, either a requeue onto the action
	// queue or an RPC reply. Caller must call the returned finalized function when publishing is finished.
	// The attributes may be updated to include trace id for downstream consumers.
	OnDispatch(ctx context.Context, queueName string, attributes map[string]string) (context.Context, map[string]string, func())
}
