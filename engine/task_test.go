/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package engine

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTask(t *testing.T) {
	e := New(Config{})
	taskRef := &SendEmailTask{}
	require.NoError(t, RegisterTask(e, "SendEmail", taskRef.Run))

	def, err := e.getTask("SendEmail")
	require.NoError(t, err)
	assert.IsType(t, &SendEmailTaskInput{}, def.newInput())
}

func TestRegisterTaskDuplicate(t *testing.T) {
	e := New(Config{})
	taskRef := &SendEmailTask{}
	require.NoError(t, RegisterTask(e, "SendEmail", taskRef.Run))

	err := RegisterTask(e, "SendEmail", taskRef.Run)
	assert.EqualError(t, err, "task with name 'SendEmail' already registered")
}

func TestRegisterTaskNoName(t *testing.T) {
	e := New(Config{})
	taskRef := &SendEmailTask{}

	err := RegisterTask(e, "", taskRef.Run)
	assert.EqualError(t, err, "task name not set")
}

func TestWrapTaskFnPanicWithError(t *testing.T) {
	fn := wrapTaskFn(func(_ context.Context, _ *SendEmailTaskInput) error {
		panic(errors.New("boom"))
	})

	err := fn(context.Background(), &SendEmailTaskInput{})
	assert.EqualError(t, err, "task failed with panic: boom")
}

func TestGetTaskNotFound(t *testing.T) {
	e := New(Config{})

	_, err := e.getTask("Missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.EqualError(t, err, "task not found: Missing")
}
