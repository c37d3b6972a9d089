package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cloudchacho/taskrunner-go"
	"github.com/cloudchacho/taskrunner-go/engine"
	"github.com/cloudchacho/taskrunner-go/internal/config"
	taskrunnerOtel "github.com/cloudchacho/taskrunner-go/otel"
)

func newGetLogger(level string) (taskrunner.GetLoggerFunc, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	entry := logrus.NewEntry(logger)
	return taskrunner.LogrusGetLoggerFunc(func(_ context.Context) *logrus.Entry { return entry }), nil
}

func runConsumer(ctx context.Context, cfg config.Config, getLogger taskrunner.GetLoggerFunc) error {
	backend, err := newBackend(cfg, getLogger)
	if err != nil {
		return err
	}

	var instrumenter taskrunner.Instrumenter
	if cfg.Tracing {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		instrumenter = taskrunnerOtel.NewInstrumenter(tp, propagation.TraceContext{})
	}

	eng := engine.New(engine.Config{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		QueueSize:      cfg.Engine.QueueSize,
		MaxAttempts:    cfg.Engine.MaxAttempts,
		GetLogger:      getLogger,
	})
	if err := registerTasks(eng); err != nil {
		return err
	}

	runner := taskrunner.NewRunner(taskrunner.Config{
		ActionQueue:  cfg.ActionQueue,
		Queues:       cfg.Queues,
		Instrumenter: instrumenter,
		GetLogger:    getLogger,
	}, eng, backend)

	getLogger(ctx).Info("Listening for tasks", taskrunner.LoggingFields{"queue": runner.QueueName(), "backend": cfg.Backend})
	err = runner.ListenForMessages(ctx, taskrunner.ListenRequest{Prefetch: cfg.Prefetch, NumConcurrency: cfg.Concurrency})

	// let accepted runs report their outcome before the backend goes away
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if closeErr := eng.Close(shutdownCtx); closeErr != nil {
		getLogger(ctx).Error(closeErr, "Engine did not shut down cleanly", nil)
	}
	if closeErr := runner.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	configPath := os.Getenv("TASKRUNNER_CONFIG")
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	getLogger, err := newGetLogger(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Invalid log level: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := "consumer"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	switch command {
	case "consumer":
		err = runConsumer(ctx, cfg, getLogger)
	default:
		panic(fmt.Sprintf("unknown command: %s", command))
	}
	if err != nil {
		getLogger(ctx).Error(err, "Consumer stopped", nil)
		os.Exit(1)
	}
}
