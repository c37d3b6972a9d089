package gcp

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/cloudchacho/taskrunner-go"
)

type Backend struct {
	mu        sync.Mutex
	client    *pubsub.Client
	settings  Settings
	getLogger taskrunner.GetLoggerFunc
}

var _ = taskrunner.Backend(&Backend{})

const (
	defaultVisibilityTimeoutS = time.Second * 20

	// Pub/Sub has no message properties, RPC metadata travels as attributes
	attributeCorrelationID = "correlation_id"
	attributeReplyTo       = "reply_to"
)

// Metadata is additional metadata associated with a message
type Metadata struct {
	// Underlying pubsub message - ack id isn't exported so we have to store this object
	pubsubMessage *pubsub.Message

	// PublishTime is the time this message was originally published to Pub/Sub
	PublishTime time.Time

	// DeliveryAttempt is the counter received from Pub/Sub.
	//    The first delivery of a given message will have this value as 1. The value
	//    is calculated as best effort and is approximate. It's 0 if the subscription has no dead letter policy.
	DeliveryAttempt int
}

// Publish a message represented by the payload, with specified attributes, to the topic named by queueName
func (b *Backend) Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) (string, error) {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return "", err
	}
	return b.publish(ctx, client, queueName, &pubsub.Message{Data: payload, Attributes: attributes})
}

func (b *Backend) publish(ctx context.Context, client *pubsub.Client, topic string, message *pubsub.Message) (string, error) {
	clientTopic := client.Topic(topic)
	defer clientTopic.Stop()

	result := clientTopic.Publish(ctx, message)
	messageID, err := result.Get(ctx)
	if err != nil {
		return "", errors.Wrap(err, "Failed to publish message to Pub/Sub")
	}
	return messageID, nil
}

// Reply publishes an RPC reply to the topic named by the reply-to address
func (b *Backend) Reply(ctx context.Context, payload []byte, attributes map[string]string, correlation taskrunner.Correlation) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}
	replyAttributes := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		replyAttributes[k] = v
	}
	replyAttributes[attributeCorrelationID] = correlation.CorrelationID
	_, err = b.publish(ctx, client, correlation.ReplyTo, &pubsub.Message{Data: payload, Attributes: replyAttributes})
	return err
}

// Receive messages from the subscription named by queueName and provide it through the channel. This should
// run indefinitely until the context is canceled.
func (b *Backend) Receive(ctx context.Context, queueName string, prefetch uint32, messageCh chan<- taskrunner.ReceivedMessage) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}

	pubsubSubscription := client.Subscription(queueName)
	pubsubSubscription.ReceiveSettings.NumGoroutines = 1
	pubsubSubscription.ReceiveSettings.MaxOutstandingMessages = int(prefetch)
	pubsubSubscription.ReceiveSettings.MaxExtensionPeriod = b.settings.VisibilityTimeout
	err = pubsubSubscription.Receive(ctx, func(ctx context.Context, message *pubsub.Message) {
		metadata := Metadata{
			pubsubMessage: message,
			PublishTime:   message.PublishTime,
		}
		if message.DeliveryAttempt != nil {
			metadata.DeliveryAttempt = *message.DeliveryAttempt
		}
		attributes := make(map[string]string, len(message.Attributes))
		for k, v := range message.Attributes {
			if k == attributeCorrelationID || k == attributeReplyTo {
				continue
			}
			attributes[k] = v
		}
		messageCh <- taskrunner.ReceivedMessage{
			Payload:          message.Data,
			Attributes:       attributes,
			CorrelationID:    message.Attributes[attributeCorrelationID],
			ReplyTo:          message.Attributes[attributeReplyTo],
			ProviderMetadata: metadata,
		}
	})
	if err != nil {
		return err
	}

	// context cancelation doesn't return error from Receive
	return ctx.Err()
}

// AckMessage acknowledges a message on the queue
func (b *Backend) AckMessage(ctx context.Context, providerMetadata interface{}) error {
	providerMetadata.(Metadata).pubsubMessage.Ack()
	return nil
}

// Close closes the Pub/Sub client
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) ensureClient(ctx context.Context) (*pubsub.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	googleCloudProject := b.settings.GoogleCloudProject
	if googleCloudProject == "" {
		creds, err := google.FindDefaultCredentials(ctx)
		if err != nil {
			return nil, errors.Wrap(
				err, "unable to discover google cloud project setting, either pass explicitly, or fix runtime environment")
		} else if creds.ProjectID == "" {
			return nil, errors.New(
				"unable to discover google cloud project setting, either pass explicitly, or fix runtime environment")
		}
		googleCloudProject = creds.ProjectID
	}
	client, err := pubsub.NewClient(context.Background(), googleCloudProject, b.settings.PubsubClientOptions...)
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

// Settings for the Pub/Sub backend. Queue names map to a topic of the same name, and to a subscription of
// the same name for consumption.
type Settings struct {
	// GoogleCloudProject ID that contains Pub/Sub resources.
	GoogleCloudProject string

	// PubsubClientOptions is a list of options to pass to pubsub.NewClient. This may be useful to customize GRPC
	// behavior for example.
	PubsubClientOptions []option.ClientOption

	// VisibilityTimeout is the longest a received message is held without an ack before redelivery
	VisibilityTimeout time.Duration // default 20 seconds
}

func (b *Backend) initDefaults() {
	if b.settings.PubsubClientOptions == nil {
		b.settings.PubsubClientOptions = []option.ClientOption{}
	}
	if b.settings.VisibilityTimeout == 0 {
		b.settings.VisibilityTimeout = defaultVisibilityTimeoutS
	}
	if b.getLogger == nil {
		b.getLogger = taskrunner.StdGetLoggerFunc()
	}
}

// NewBackend creates a Backend for publishing and consuming from GCP
// The provider metadata produced by this Backend will have concrete type: gcp.Metadata
func NewBackend(settings Settings, getLogger taskrunner.GetLoggerFunc) *Backend {
	b := &Backend{settings: settings, getLogger: getLogger}
	b.initDefaults()
	return b
}
