/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package taskrunner

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

const (
	metadataKey    = "metadata"
	rpcMetadataKey = "RPCmetadata"
)

var jsonNull = []byte("null")

// Correlation addresses an RPC reply to the caller that published a task
type Correlation struct {
	CorrelationID string `json:"correlationId"`
	ReplyTo       string `json:"replyTo"`
}

func newCorrelation(correlationID, replyTo string) *Correlation {
	if correlationID == "" || replyTo == "" {
		return nil
	}
	return &Correlation{CorrelationID: correlationID, ReplyTo: replyTo}
}

func (c *Correlation) valid() bool {
	return c != nil && c.CorrelationID != "" && c.ReplyTo != ""
}

// Task is a decoded task message. Every top level field of the message body is retained in Fields, and
// the metadata field is guaranteed to be present and truthy.
type Task struct {
	// Metadata is the raw value of the metadata field
	Metadata json.RawMessage

	// Fields holds every top level field of the message body, including metadata
	Fields map[string]json.RawMessage

	// RPCMetadata is set only when the delivery carried both a correlation id and a reply-to address
	RPCMetadata *Correlation
}

// UnmarshalJSON decodes a task message. A JSON null decodes to ErrNullMessage, and a document without a
// truthy metadata property decodes to ErrMissingMetadata. Any RPCmetadata in the body is dropped; correlation
// is only taken from transport properties.
func (t *Task) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, jsonNull) {
		return ErrNullMessage
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return errors.New("unable to decode task: invalid JSON")
		}
		return ErrMissingMetadata
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return errors.Wrap(err, "unable to decode task")
	}
	delete(fields, rpcMetadataKey)
	md, ok := fields[metadataKey]
	if !ok || isFalsy(md) {
		return ErrMissingMetadata
	}
	t.Fields = fields
	t.Metadata = md
	t.RPCMetadata = nil
	return nil
}

// MarshalJSON encodes the task fields, adding RPCmetadata when the task is correlated
func (t Task) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(t.Fields)+2)
	for k, v := range t.Fields {
		out[k] = v
	}
	if t.Metadata != nil {
		out[metadataKey] = t.Metadata
	}
	if t.RPCMetadata != nil {
		rpc, err := json.Marshal(t.RPCMetadata)
		if err != nil {
			return nil, errors.Wrap(err, "unable to encode rpc metadata")
		}
		out[rpcMetadataKey] = rpc
	}
	return json.Marshal(out)
}

// Decode decodes the task body, without RPC metadata, into v
func (t *Task) Decode(v any) error {
	raw, err := json.Marshal(t.Fields)
	if err != nil {
		return errors.Wrap(err, "unable to encode task fields")
	}
	return errors.Wrap(json.Unmarshal(raw, v), "unable to decode task input")
}

// SetMetadata replaces the metadata field
func (t *Task) SetMetadata(md json.RawMessage) {
	if t.Fields == nil {
		t.Fields = map[string]json.RawMessage{}
	}
	t.Fields[metadataKey] = md
	t.Metadata = md
}

// Clone returns a copy of the task that may be modified independently
func (t *Task) Clone() *Task {
	c := &Task{
		Metadata: append(json.RawMessage(nil), t.Metadata...),
		Fields:   make(map[string]json.RawMessage, len(t.Fields)),
	}
	for k, v := range t.Fields {
		c.Fields[k] = append(json.RawMessage(nil), v...)
	}
	if t.RPCMetadata != nil {
		rpc := *t.RPCMetadata
		c.RPCMetadata = &rpc
	}
	return c
}

// isFalsy reports whether a raw JSON value would not satisfy a presence check: null, false, 0 or ""
func isFalsy(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	switch s {
	case "", "null", "false", `""`:
		return true
	}
	if s[0] == '-' || (s[0] >= '0' && s[0] <= '9') {
		f, err := strconv.ParseFloat(s, 64)
		return err == nil && f == 0
	}
	return false
}

// TransitionError describes why a task run failed
type TransitionError struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// ExecutionStats is reported by the execution engine to exactly one task hook when a run reaches a terminal
// state. Hooks must treat it as read-only.
type ExecutionStats struct {
	// Name of the task
	Name string

	// UUID uniquely identifies this run
	UUID string

	// State the run ended in
	State string

	// CallerMetadata is the correlation the task was run with, if any
	CallerMetadata *Correlation

	// TransitionError is set for failed runs
	TransitionError *TransitionError
}

// HasCorrelation reports whether an RPC reply can be addressed for this run
func (s ExecutionStats) HasCorrelation() bool {
	return s.CallerMetadata.valid()
}

// RequeueData is an opaque payload, shaped by the execution engine, re-published on requeue
type RequeueData []byte

type successReply struct {
	RPCAutoSuccess string `json:"rpc_auto_success"`
}

type failureReply struct {
	RPCAutoFailure TransitionError `json:"rpc_auto_failure"`
}
