/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package engine

import (
	"context"

	"github.com/pkg/errors"
)

// TaskFn is a task function. The input is decoded from the task message body, so the input struct may pick
// any of the message fields, including metadata.
type TaskFn[T any] func(ctx context.Context, input *T) error

type taskDef struct {
	execute  func(ctx context.Context, input any) error
	newInput func() any
}

func wrapTaskFn[T any](fn TaskFn[T]) TaskFn[T] {
	return func(ctx context.Context, input *T) (err error) {
		defer func() {
			if rErr := recover(); rErr != nil {
				if typedErr, ok := rErr.(error); ok {
					err = errors.Wrapf(typedErr, "task failed with panic")
				} else {
					err = errors.Errorf("panic: %v", rErr)
				}
			}
		}()
		err = fn(ctx, input)
		return
	}
}

// RegisterTask registers a task function under the given name. Messages are routed to it by the name in
// their metadata.
func RegisterTask[T any](e *Local, taskName string, taskFn TaskFn[T]) error {
	if taskName == "" {
		return errors.New("task name not set")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, found := e.tasks[taskName]; found {
		return errors.Errorf("task with name '%s' already registered", taskName)
	}
	taskFn = wrapTaskFn(taskFn)
	e.tasks[taskName] = taskDef{
		execute: func(ctx context.Context, data any) error {
			return taskFn(ctx, data.(*T))
		},
		newInput: func() any {
			return new(T)
		},
	}
	return nil
}
