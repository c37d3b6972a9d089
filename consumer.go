package taskrunner

import (
	"context"
	"sync"
)

// DefaultPrefetch is the maximum number of unacknowledged deliveries outstanding on the broker channel
const DefaultPrefetch uint32 = 1000

type consumer struct {
	backend      ConsumerBackend
	deserializer deserializer
	engine       Engine
	instrumenter Instrumenter
	getLogger    GetLoggerFunc
	queueName    string
}

// processMessage hands a delivery over to the engine. The delivery is acknowledged exactly once, on every
// branch, as soon as the engine has accepted the task or the delivery was found invalid. Acknowledgment does
// not wait for the task to terminate.
func (c *consumer) processMessage(ctx context.Context, receivedMessage ReceivedMessage) {
	if c.instrumenter != nil {
		var finalize func()
		ctx, finalize = c.instrumenter.OnReceive(ctx, receivedMessage.Attributes)
		defer finalize()
	}

	loggingFields := LoggingFields{"message_body": string(receivedMessage.Payload)}

	defer func() {
		err := c.backend.AckMessage(ctx, receivedMessage.ProviderMetadata)
		if err != nil {
			c.getLogger(ctx).Error(err, "Failed to ack message", loggingFields)
		}
	}()

	if receivedMessage.Payload == nil {
		c.getLogger(ctx).Warn(ErrNullMessage, "Message was null, discarding", loggingFields)
		return
	}

	task, err := c.deserializer.deserialize(receivedMessage)
	if err != nil {
		c.getLogger(ctx).Warn(err, "Unable to handle message", loggingFields)
		return
	}

	if task.RPCMetadata != nil {
		loggingFields["correlation_id"] = task.RPCMetadata.CorrelationID
	}

	err = c.engine.RunTask(ctx, task, task.RPCMetadata)
	if err != nil {
		c.getLogger(ctx).Error(err, "Task was not accepted by the execution engine", loggingFields)
	}
}

func (c *consumer) ListenForMessages(ctx context.Context, request ListenRequest) error {
	if request.Prefetch == 0 {
		request.Prefetch = DefaultPrefetch
	}
	if request.NumConcurrency == 0 {
		request.NumConcurrency = request.Prefetch
	}

	messageCh := make(chan ReceivedMessage)

	// deliveries already received are still handed over and acked after the listener is canceled
	processCtx := context.WithoutCancel(ctx)

	wg := &sync.WaitGroup{}
	// start n concurrent workers to receive messages from the channel
	for i := uint32(0); i < request.NumConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					// drain channel before returning
					for receivedMessage := range messageCh {
						c.processMessage(processCtx, receivedMessage)
					}
					return
				case receivedMessage, ok := <-messageCh:
					if !ok {
						return
					}
					c.processMessage(processCtx, receivedMessage)
				}
			}
		}()
	}
	// wait for all receive goroutines to finish
	defer wg.Wait()

	// close channel to indicate no more message will be published and receive goroutines spawned above should return
	defer close(messageCh)

	return c.backend.Receive(ctx, c.queueName, request.Prefetch, messageCh)
}

// ConsumerBackend is used for consuming messages from a transport
type ConsumerBackend interface {
	// Receive messages from the named queue and provide them through the channel. This should run indefinitely
	// until the context is canceled, or the broker channel fails. prefetch bounds the number of unacknowledged
	// deliveries outstanding. Provider metadata should include all info necessary to ack a message.
	// The channel must not be closed by the backend.
	Receive(ctx context.Context, queueName string, prefetch uint32, messageCh chan<- ReceivedMessage) error

	// AckMessage acknowledges a message on the queue
	AckMessage(ctx context.Context, providerMetadata any) error
}

// ReceivedMessage is the message as received by a transport backend.
type ReceivedMessage struct {
	Payload    []byte
	Attributes map[string]string

	// CorrelationID and ReplyTo are the RPC transport properties of the delivery, if any
	CorrelationID string
	ReplyTo       string

	ProviderMetadata any
}

// ListenRequest represents a request to listen for messages
type ListenRequest struct {
	// Maximum number of unacknowledged deliveries outstanding on the broker channel
	Prefetch uint32 // default 1000

	// How many goroutines to spin for processing messages concurrently
	NumConcurrency uint32 // default Prefetch
}
