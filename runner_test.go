/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package taskrunner

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type closableBackend struct {
	fakeBackend
}

func (b *closableBackend) Close() error {
	args := b.Called()
	return args.Error(0)
}

func TestNewRunnerRegistersHooks(t *testing.T) {
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.AnythingOfType("*taskrunner.outcomeHooks")).Once()

	runner := NewRunner(Config{}, engine, &fakeBackend{})

	engine.AssertExpectations(t)
	hooks := engine.Calls[0].Arguments.Get(0).(*outcomeHooks)
	assert.Equal(t, DefaultActionQueue, hooks.actionQueue)
	assert.Equal(t, DefaultActionQueue, runner.QueueName())
}

func TestRunnerQueueName(t *testing.T) {
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.Anything)

	runner := NewRunner(Config{
		ActionQueue: "work",
		Queues:      map[string]string{"work": "prod-work"},
	}, engine, &fakeBackend{})

	assert.Equal(t, "prod-work", runner.QueueName())
	assert.Equal(t, "prod-work", runner.Dispatcher().QueueName("work"))
}

func TestRunnerListenForMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.Anything)
	backend := &fakeBackend{}
	backend.On("Receive", ctx, "prod-work", uint32(10), mock.Anything).
		Return(context.Canceled)

	runner := NewRunner(Config{
		ActionQueue: "work",
		Queues:      map[string]string{"work": "prod-work"},
	}, engine, backend)

	err := runner.ListenForMessages(ctx, ListenRequest{Prefetch: 10, NumConcurrency: 1})
	assert.ErrorIs(t, err, context.Canceled)
	backend.AssertExpectations(t)
}

func TestRunnerClose(t *testing.T) {
	logger := &fakeLogger{}
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.Anything)
	backend := &closableBackend{}
	backend.On("Close").Return(nil).Once()

	runner := NewRunner(Config{GetLogger: func(_ context.Context) Logger { return logger }}, engine, backend)

	require.NoError(t, runner.Close())
	require.NoError(t, runner.Close())

	backend.AssertExpectations(t)
	require.Len(t, logger.logs, 1)
	assert.Equal(t, "Closed broker channel", logger.logs[0].message)
	assert.Equal(t, DefaultActionQueue, logger.logs[0].fields["queue"])

	err := runner.ListenForMessages(context.Background(), ListenRequest{})
	assert.ErrorIs(t, err, ErrRunnerClosed)
	backend.AssertNotCalled(t, "Receive", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunnerCloseFailure(t *testing.T) {
	logger := &fakeLogger{}
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.Anything)
	backend := &closableBackend{}
	backend.On("Close").Return(errors.New("connection reset")).Once()

	runner := NewRunner(Config{GetLogger: func(_ context.Context) Logger { return logger }}, engine, backend)

	assert.EqualError(t, runner.Close(), "connection reset")
	assert.EqualError(t, runner.Close(), "connection reset")
	require.Len(t, logger.logs, 1)
	assert.Equal(t, "Failed to close broker channel", logger.logs[0].message)
}

func TestRunnerCloseWithoutCloser(t *testing.T) {
	engine := &fakeEngine{}
	engine.On("RegisterTaskHooks", mock.Anything)

	runner := NewRunner(Config{}, engine, &fakeBackend{})

	assert.NoError(t, runner.Close())
}
