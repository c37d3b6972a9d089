package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/taskrunner-go/engine"
)

type EchoInput struct {
	Metadata json.RawMessage `json:"metadata"`
	Message  string          `json:"message"`
}

func Echo(ctx context.Context, input *EchoInput) error {
	span := trace.SpanFromContext(ctx)
	fmt.Printf("[%s/%s] echo: %s\n", span.SpanContext().TraceID(), span.SpanContext().SpanID(), input.Message)
	return nil
}

type FailInput struct {
	Reason string `json:"reason"`
	Retry  bool   `json:"retry"`
}

// Fail always fails, requeueing first if asked to. Useful to exercise failure replies.
func Fail(_ context.Context, input *FailInput) error {
	if input.Retry {
		return fmt.Errorf("%s: %w", input.Reason, engine.ErrRetry)
	}
	return fmt.Errorf("failed on purpose: %s", input.Reason)
}

func registerTasks(eng *engine.Local) error {
	if err := engine.RegisterTask(eng, "Echo", Echo); err != nil {
		return err
	}
	return engine.RegisterTask(eng, "Fail", Fail)
}
