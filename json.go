package taskrunner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type jsonifier struct{}

func (j jsonifier) deserialize(receivedMessage ReceivedMessage) (*Task, error) {
	if bytes.Equal(bytes.TrimSpace(receivedMessage.Payload), jsonNull) {
		return nil, ErrNullMessage
	}
	var task Task
	err := json.Unmarshal(receivedMessage.Payload, &task)
	if err != nil {
		return nil, fmt.Errorf("unable to deserialize: %w", err)
	}
	task.RPCMetadata = newCorrelation(receivedMessage.CorrelationID, receivedMessage.ReplyTo)
	return &task, nil
}

func (j jsonifier) serializeReply(reply any) ([]byte, error) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize reply")
	}
	return payload, nil
}

type deserializer interface {
	deserialize(receivedMessage ReceivedMessage) (*Task, error)
}
