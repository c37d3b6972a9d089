package taskrunner

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// outcomeHooks is the TaskHooks implementation registered by the runner
type outcomeHooks struct {
	dispatcher   *Dispatcher
	replier      ReplyBackend
	serializer   jsonifier
	instrumenter Instrumenter
	getLogger    GetLoggerFunc
	actionQueue  string
}

var _ = TaskHooks(&outcomeHooks{})

func statsFields(stats ExecutionStats) LoggingFields {
	return LoggingFields{"task": stats.Name, "run_id": stats.UUID, "state": stats.State}
}

func (h *outcomeHooks) OnRequeue(ctx context.Context, stats ExecutionStats, requeueData RequeueData) error {
	h.getLogger(ctx).Info(fmt.Sprintf("%s: %s will requeue.", stats.Name, stats.UUID), statsFields(stats))
	return errors.Wrap(h.dispatcher.Publish(ctx, h.actionQueue, requeueData), "failed to requeue task")
}

func (h *outcomeHooks) OnSuccess(ctx context.Context, stats ExecutionStats, _ RequeueData) error {
	if stats.HasCorrelation() {
		h.reply(ctx, stats, successReply{RPCAutoSuccess: stats.State})
	}
	h.getLogger(ctx).Info(fmt.Sprintf("%s: %s complete", stats.Name, stats.UUID), statsFields(stats))
	return nil
}

func (h *outcomeHooks) OnFailure(ctx context.Context, stats ExecutionStats, _ RequeueData) error {
	transitionErr := stats.TransitionError
	if transitionErr == nil {
		transitionErr = &TransitionError{Message: "unknown error"}
	}
	if stats.HasCorrelation() {
		h.reply(ctx, stats, failureReply{RPCAutoFailure: *transitionErr})
	}
	fields := statsFields(stats)
	if stats.CallerMetadata != nil {
		fields["caller_metadata"] = *stats.CallerMetadata
	}
	logger := h.getLogger(ctx)
	logger.Error(transitionErr, "Task execution error", fields)
	logger.Error(transitionErr, fmt.Sprintf("%s: %s permanently failed.", stats.Name, stats.UUID), statsFields(stats))
	return nil
}

// reply attempts a single RPC reply. Failures are logged, never retried or returned.
func (h *outcomeHooks) reply(ctx context.Context, stats ExecutionStats, body any) {
	correlation := *stats.CallerMetadata
	fields := statsFields(stats)
	fields["correlation_id"] = correlation.CorrelationID
	fields["reply_to"] = correlation.ReplyTo

	payload, err := h.serializer.serializeReply(body)
	if err != nil {
		h.getLogger(ctx).Error(err, "Failed to send RPC reply", fields)
		return
	}

	attributes := map[string]string{}
	if h.instrumenter != nil {
		var finalize func()
		ctx, attributes, finalize = h.instrumenter.OnDispatch(ctx, correlation.ReplyTo, attributes)
		defer finalize()
	}

	if err := h.replier.Reply(ctx, payload, attributes, correlation); err != nil {
		h.getLogger(ctx).Error(err, "Failed to send RPC reply", fields)
	}
}
