package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"

	"github.com/cloudchacho/taskrunner-go"
)

type Backend struct {
	settings Settings

	sqs       sqsiface.SQSAPI
	sns       snsiface.SNSAPI
	getLogger taskrunner.GetLoggerFunc
}

var _ = taskrunner.Backend(&Backend{})

// Metadata is additional metadata associated with a message
type Metadata struct {
	// AWS receipt identifier
	ReceiptHandle string

	// FirstReceiveTime is time the message was first received from the queue. The value
	//    is calculated as best effort and is approximate.
	FirstReceiveTime time.Time

	// SentTime when this message was originally sent to AWS
	SentTime time.Time

	// ReceiveCount received from SQS.
	//    The first delivery of a given message will have this value as 1. The value
	//    is calculated as best effort and is approximate.
	ReceiveCount int

	// QueueURL of the queue the message was received from
	QueueURL string
}

const (
	sqsWaitTimeoutSeconds int64 = 20

	// SQS won't return more than 10 messages per receive call
	sqsMaxNumberOfMessages uint32 = 10

	attributeEncoding      = "taskrunner_encoding"
	attributeCorrelationID = "correlation_id"
	attributeReplyTo       = "reply_to"
)

func (b *Backend) getSNSTopic(queueName string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", b.settings.AWSRegion, b.settings.AWSAccountID, queueName)
}

func (b *Backend) getSQSQueueURL(ctx context.Context, queueName string) (*string, error) {
	out, err := b.sqs.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return nil, err
	}
	return out.QueueUrl, nil
}

// isValidForSQS checks that the payload is allowed in SQS message body since only some UTF8 characters are allowed
// ref: https://docs.amazonaws.cn/en_us/AWSSimpleQueueService/latest/APIReference/API_SendMessage.html
func (b *Backend) isValidForSQS(payload []byte) bool {
	if !utf8.Valid(payload) {
		return false
	}
	return bytes.IndexFunc(payload, func(r rune) bool {
		//  allowed characters: #x9 | #xA | #xD | #x20 to #xD7FF | #xE000 to #xFFFD | #x10000 to #x10FFFF
		return !(r == '\x09' || r == '\x0A' || r == '\x0D' || (r >= '\x20' && r <= '\uD7FF') || (r >= '\uE000' && r <= '\uFFFD') || (r >= '\U00010000' && r <= '\U0010FFFF'))
	}) == -1
}

// encodePayload returns the message body to send, and a copy of attributes with the encoding marker if the
// payload had to be base64 encoded
func (b *Backend) encodePayload(payload []byte, attributes map[string]string) (string, map[string]string) {
	encoded := make(map[string]string, len(attributes)+1)
	for k, v := range attributes {
		encoded[k] = v
	}
	if !b.isValidForSQS(payload) {
		encoded[attributeEncoding] = "base64"
		return base64.StdEncoding.EncodeToString(payload), encoded
	}
	return string(payload), encoded
}

// Publish a message represented by the payload, with specified attributes, to the SNS topic named by queueName
func (b *Backend) Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) (string, error) {
	snsTopic := b.getSNSTopic(queueName)

	// SNS requires UTF-8 encoded string
	payloadStr, attributes := b.encodePayload(payload, attributes)

	snsAttributes := make(map[string]*sns.MessageAttributeValue)
	for key, value := range attributes {
		snsAttributes[key] = &sns.MessageAttributeValue{
			StringValue: aws.String(value),
			DataType:    aws.String("String"),
		}
	}

	result, err := b.sns.PublishWithContext(
		ctx,
		&sns.PublishInput{
			TopicArn:          &snsTopic,
			Message:           &payloadStr,
			MessageAttributes: snsAttributes,
		},
		request.WithResponseReadTimeout(b.settings.AWSReadTimeoutS),
	)
	if err != nil {
		return "", errors.Wrap(err, "Failed to publish message to SNS")
	}
	return *result.MessageId, nil
}

// Reply sends an RPC reply straight to the SQS queue named by the reply-to address
func (b *Backend) Reply(ctx context.Context, payload []byte, attributes map[string]string, correlation taskrunner.Correlation) error {
	queueURL, err := b.getSQSQueueURL(ctx, correlation.ReplyTo)
	if err != nil {
		return errors.Wrap(err, "failed to get SQS reply queue URL")
	}

	payloadStr, attributes := b.encodePayload(payload, attributes)
	attributes[attributeCorrelationID] = correlation.CorrelationID

	sqsAttributes := make(map[string]*sqs.MessageAttributeValue)
	for key, value := range attributes {
		sqsAttributes[key] = &sqs.MessageAttributeValue{
			StringValue: aws.String(value),
			DataType:    aws.String("String"),
		}
	}

	_, err = b.sqs.SendMessageWithContext(
		ctx,
		&sqs.SendMessageInput{
			QueueUrl:          queueURL,
			MessageBody:       &payloadStr,
			MessageAttributes: sqsAttributes,
		},
		request.WithResponseReadTimeout(b.settings.AWSReadTimeoutS),
	)
	if err != nil {
		return errors.Wrap(err, "Failed to send reply to SQS")
	}
	return nil
}

// Receive messages from the SQS queue named by queueName and provide it through the channel. This should run
// indefinitely until the context is canceled. SQS bounds in-flight messages through the visibility timeout, so
// prefetch only caps the receive batch size.
func (b *Backend) Receive(ctx context.Context, queueName string, prefetch uint32, messageCh chan<- taskrunner.ReceivedMessage) error {
	queueURL, err := b.getSQSQueueURL(ctx, queueName)
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}
	numMessages := prefetch
	if numMessages == 0 || numMessages > sqsMaxNumberOfMessages {
		numMessages = sqsMaxNumberOfMessages
	}
	input := &sqs.ReceiveMessageInput{
		MaxNumberOfMessages:   aws.Int64(int64(numMessages)),
		QueueUrl:              queueURL,
		WaitTimeSeconds:       aws.Int64(sqsWaitTimeoutSeconds),
		AttributeNames:        []*string{aws.String(sqs.QueueAttributeNameAll)},
		MessageAttributeNames: []*string{aws.String(sqs.QueueAttributeNameAll)},
	}
	if b.settings.VisibilityTimeout != 0 {
		input.VisibilityTimeout = aws.Int64(int64(b.settings.VisibilityTimeout.Seconds()))
	}

	for {
		if ctx.Err() != nil {
			// if work was canceled because of context cancelation, signal that
			return ctx.Err()
		}
		out, err := b.sqs.ReceiveMessageWithContext(ctx, input)
		if err != nil {
			return errors.Wrap(err, "failed to receive SQS message")
		}
		wg := sync.WaitGroup{}
		for i := range out.Messages {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			queueMessage := out.Messages[i]
			go func() {
				defer wg.Done()
				attributes := map[string]string{}
				for k, v := range queueMessage.MessageAttributes {
					if v.StringValue != nil {
						attributes[k] = *v.StringValue
					}
				}
				metadata := Metadata{
					ReceiptHandle:    *queueMessage.ReceiptHandle,
					FirstReceiveTime: parseTimestamp(queueMessage.Attributes[sqs.MessageSystemAttributeNameApproximateFirstReceiveTimestamp]),
					SentTime:         parseTimestamp(queueMessage.Attributes[sqs.MessageSystemAttributeNameSentTimestamp]),
					ReceiveCount:     -1,
					QueueURL:         *queueURL,
				}
				if receiveCount := queueMessage.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; receiveCount != nil {
					if count, err := strconv.Atoi(*receiveCount); err == nil {
						metadata.ReceiveCount = count
					}
				}
				var payload []byte
				if queueMessage.Body != nil {
					payload = []byte(*queueMessage.Body)
				}
				if encoding, ok := attributes[attributeEncoding]; ok && encoding == "base64" {
					decoded, err := base64.StdEncoding.DecodeString(string(payload))
					if err != nil {
						b.getLogger(ctx).Error(
							err,
							"Invalid message payload - couldn't decode using base64",
							taskrunner.LoggingFields{"message_id": queueMessage.MessageId},
						)
						return
					}
					payload = decoded
				}
				correlationID := attributes[attributeCorrelationID]
				replyTo := attributes[attributeReplyTo]
				delete(attributes, attributeEncoding)
				delete(attributes, attributeCorrelationID)
				delete(attributes, attributeReplyTo)
				messageCh <- taskrunner.ReceivedMessage{
					Payload:          payload,
					Attributes:       attributes,
					CorrelationID:    correlationID,
					ReplyTo:          replyTo,
					ProviderMetadata: metadata,
				}
			}()
		}
		wg.Wait()
	}
}

func parseTimestamp(value *string) time.Time {
	if value == nil {
		return time.Time{}
	}
	timestamp, err := strconv.Atoi(*value)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, int64(time.Duration(timestamp)*time.Millisecond)).UTC()
}

// AckMessage acknowledges a message on the queue
func (b *Backend) AckMessage(ctx context.Context, providerMetadata interface{}) error {
	me := providerMetadata.(Metadata)
	_, err := b.sqs.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(me.QueueURL),
		ReceiptHandle: aws.String(me.ReceiptHandle),
	})
	return err
}

// Settings for AWS Backend. Queue names map to an SQS queue of the same name for consumption, and to an SNS topic
// of the same name for publishing.
type Settings struct {
	// AWS Region
	AWSRegion string
	// AWS account id
	AWSAccountID string
	// AWS access key
	AWSAccessKey string
	// AWS secret key
	AWSSecretKey string
	// AWS session token that represents temporary credentials (i.e. for Lambda app)
	AWSSessionToken string
	// AWS read timeout for Publisher
	AWSReadTimeoutS time.Duration // optional; default: 2 seconds

	// How long should the message be hidden from other consumers?
	VisibilityTimeout time.Duration // defaults to queue configuration
}

func (b *Backend) initDefaults() {
	if b.settings.AWSReadTimeoutS == 0 {
		b.settings.AWSReadTimeoutS = 2 * time.Second
	}
	if b.getLogger == nil {
		b.getLogger = taskrunner.StdGetLoggerFunc()
	}
}

func createSession(region, awsAccessKey, awsSecretAccessKey, awsSessionToken string) *session.Session {
	var creds *credentials.Credentials
	if awsAccessKey != "" && awsSecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsFromCreds(
			credentials.Value{
				AccessKeyID:     awsAccessKey,
				SecretAccessKey: awsSecretAccessKey,
				SessionToken:    awsSessionToken,
			},
		)
	}
	return session.Must(session.NewSessionWithOptions(
		session.Options{
			Config: aws.Config{
				Credentials: creds,
				Region:      aws.String(region),
				DisableSSL:  aws.Bool(false),
			},
		}))
}

// NewBackend creates a Backend for publishing and consuming from AWS
// The provider metadata produced by this Backend will have concrete type: aws.Metadata
func NewBackend(settings Settings, getLogger taskrunner.GetLoggerFunc) *Backend {
	awsSession := createSession(
		settings.AWSRegion, settings.AWSAccessKey, settings.AWSSecretKey, settings.AWSSessionToken,
	)

	b := &Backend{
		settings:  settings,
		sqs:       sqs.New(awsSession),
		sns:       sns.New(awsSession),
		getLogger: getLogger,
	}
	b.initDefaults()
	return b
}
