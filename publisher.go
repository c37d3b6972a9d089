package taskrunner

import (
	"context"

	"github.com/pkg/errors"
)

// Dispatcher resolves logical queue aliases and publishes payloads onto them
type Dispatcher struct {
	backend      PublisherBackend
	instrumenter Instrumenter
	queues       map[string]string
}

// NewDispatcher creates a dispatcher. queues maps a logical alias to a physical queue name; aliases that
// are not mapped are used as the queue name verbatim.
func NewDispatcher(backend PublisherBackend, queues map[string]string, instrumenter Instrumenter) *Dispatcher {
	return &Dispatcher{backend: backend, instrumenter: instrumenter, queues: queues}
}

// QueueName resolves an alias to the physical queue name
func (d *Dispatcher) QueueName(alias string) string {
	if name, ok := d.queues[alias]; ok && name != "" {
		return name
	}
	return alias
}

// Publish a payload, unchanged, onto the queue the alias resolves to
func (d *Dispatcher) Publish(ctx context.Context, alias string, payload []byte) error {
	queueName := d.QueueName(alias)
	attributes := map[string]string{}

	if d.instrumenter != nil {
		var finalize func()
		ctx, attributes, finalize = d.instrumenter.OnDispatch(ctx, queueName, attributes)
		defer finalize()
	}

	_, err := d.backend.Publish(ctx, queueName, payload, attributes)
	if err != nil {
		return errors.Wrapf(err, "failed to publish to %s", queueName)
	}
	return nil
}

// PublisherBackend is used to publish messages to a transport
type PublisherBackend interface {
	// Publish a message represented by the payload, with specified attributes, onto the named queue
	Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) (string, error)
}

// ReplyBackend delivers RPC replies to callers waiting on a reply-to address
type ReplyBackend interface {
	// Reply publishes payload to correlation.ReplyTo, tagged with correlation.CorrelationID
	Reply(ctx context.Context, payload []byte, attributes map[string]string, correlation Correlation) error
}
