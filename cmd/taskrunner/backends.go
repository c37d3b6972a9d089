package main

import (
	"github.com/pkg/errors"

	"github.com/cloudchacho/taskrunner-go"
	"github.com/cloudchacho/taskrunner-go/aws"
	"github.com/cloudchacho/taskrunner-go/gcp"
	"github.com/cloudchacho/taskrunner-go/internal/config"
	"github.com/cloudchacho/taskrunner-go/rabbitmq"
)

func newBackend(cfg config.Config, getLogger taskrunner.GetLoggerFunc) (taskrunner.Backend, error) {
	switch cfg.Backend {
	case config.BackendRabbitMQ:
		return rabbitmq.NewBackend(rabbitmq.Settings{
			URL:         cfg.RabbitMQ.URL,
			ConsumerTag: cfg.RabbitMQ.ConsumerTag,
		}, getLogger), nil
	case config.BackendAWS:
		return aws.NewBackend(aws.Settings{
			AWSRegion:         cfg.AWS.Region,
			AWSAccountID:      cfg.AWS.AccountID,
			AWSAccessKey:      cfg.AWS.AccessKey,
			AWSSecretKey:      cfg.AWS.SecretKey,
			AWSSessionToken:   cfg.AWS.SessionToken,
			VisibilityTimeout: cfg.AWS.VisibilityTimeout,
		}, getLogger), nil
	case config.BackendGCP:
		return gcp.NewBackend(gcp.Settings{GoogleCloudProject: cfg.GCP.Project}, getLogger), nil
	default:
		return nil, errors.Errorf("unknown backend: %s", cfg.Backend)
	}
}
