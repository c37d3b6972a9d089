/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package taskrunner

import (
	"context"
	"io"
	"sync"
)

// DefaultActionQueue is the alias of the queue tasks are consumed from and requeued onto
const DefaultActionQueue = "actionForest"

// Backend is a transport that can consume, publish and deliver RPC replies
type Backend interface {
	ConsumerBackend
	PublisherBackend
	ReplyBackend
}

// Config used to configure a Runner
type Config struct {
	// ActionQueue is the alias of the queue to consume from and requeue onto
	ActionQueue string // default "actionForest"

	// Queues maps a queue alias to a physical queue name. Unmapped aliases are used verbatim.
	Queues map[string]string

	// Instrumenter for the consumer and publisher
	Instrumenter Instrumenter

	// GetLogger returns the logger object for given context
	GetLogger GetLoggerFunc
}

// Runner is the central struct that owns the broker backend, consumes the action queue and reacts to task
// outcomes reported by the engine
type Runner struct {
	config     Config
	backend    Backend
	engine     Engine
	dispatcher *Dispatcher
	queueName  string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewRunner creates a runner and registers its task hooks with the engine
func NewRunner(config Config, engine Engine, backend Backend) *Runner {
	if config.ActionQueue == "" {
		config.ActionQueue = DefaultActionQueue
	}
	if config.GetLogger == nil {
		config.GetLogger = StdGetLoggerFunc()
	}
	dispatcher := NewDispatcher(backend, config.Queues, config.Instrumenter)
	r := &Runner{
		config:     config,
		backend:    backend,
		engine:     engine,
		dispatcher: dispatcher,
		queueName:  dispatcher.QueueName(config.ActionQueue),
	}
	engine.RegisterTaskHooks(&outcomeHooks{
		dispatcher:   dispatcher,
		replier:      backend,
		serializer:   jsonifier{},
		instrumenter: config.Instrumenter,
		getLogger:    config.GetLogger,
		actionQueue:  config.ActionQueue,
	})
	return r
}

// QueueName is the physical name of the action queue
func (r *Runner) QueueName() string {
	return r.queueName
}

// Dispatcher returns the dispatcher used to requeue tasks
func (r *Runner) Dispatcher() *Dispatcher {
	return r.dispatcher
}

// ListenForMessages consumes the action queue and hands tasks over to the engine. This is a blocking
// function that returns when the context is canceled or the backend fails.
func (r *Runner) ListenForMessages(ctx context.Context, request ListenRequest) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRunnerClosed
	}
	c := consumer{
		backend:      r.backend,
		deserializer: jsonifier{},
		engine:       r.engine,
		instrumenter: r.config.Instrumenter,
		getLogger:    r.config.GetLogger,
		queueName:    r.queueName,
	}
	return c.ListenForMessages(ctx, request)
}

// Close shuts down the backend. It's safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		if closer, ok := r.backend.(io.Closer); ok {
			r.closeErr = closer.Close()
			if r.closeErr != nil {
				r.config.GetLogger(context.Background()).Error(r.closeErr, "Failed to close broker channel", nil)
				return
			}
			r.config.GetLogger(context.Background()).Info("Closed broker channel", LoggingFields{"queue": r.queueName})
		}
	})
	return r.closeErr
}
