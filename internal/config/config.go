// Package config loads the taskrunner process configuration from a YAML file, an optional .env file and
// TASKRUNNER_* environment variables, in increasing order of precedence.
package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Supported backends
const (
	BackendRabbitMQ = "rabbitmq"
	BackendAWS      = "aws"
	BackendGCP      = "gcp"
)

const envPrefix = "TASKRUNNER_"

// Config is the process configuration
type Config struct {
	Backend     string            `yaml:"backend"`
	ActionQueue string            `yaml:"action_queue"`
	Queues      map[string]string `yaml:"queues"`
	Prefetch    uint32            `yaml:"prefetch"`
	Concurrency uint32            `yaml:"concurrency"`
	LogLevel    string            `yaml:"log_level"`
	Tracing     bool              `yaml:"tracing"`

	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	AWS      AWSConfig      `yaml:"aws"`
	GCP      GCPConfig      `yaml:"gcp"`
	Engine   EngineConfig   `yaml:"engine"`
}

type RabbitMQConfig struct {
	URL         string `yaml:"url"`
	ConsumerTag string `yaml:"consumer_tag"`
}

type AWSConfig struct {
	Region            string        `yaml:"region"`
	AccountID         string        `yaml:"account_id"`
	AccessKey         string        `yaml:"access_key"`
	SecretKey         string        `yaml:"secret_key"`
	SessionToken      string        `yaml:"session_token"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

type GCPConfig struct {
	Project string `yaml:"project"`
}

type EngineConfig struct {
	MaxConcurrency  int64         `yaml:"max_concurrency"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the YAML file at path, if path isn't empty, then applies .env and environment overrides and
// defaults. The result is validated.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	// .env is optional, real environment variables win over it
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cfg, errors.Wrap(err, "load .env")
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Backend, "BACKEND")
	setString(&cfg.ActionQueue, "ACTION_QUEUE")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.RabbitMQ.URL, "RABBITMQ_URL")
	setString(&cfg.RabbitMQ.ConsumerTag, "RABBITMQ_CONSUMER_TAG")
	setString(&cfg.AWS.Region, "AWS_REGION")
	setString(&cfg.AWS.AccountID, "AWS_ACCOUNT_ID")
	setString(&cfg.AWS.AccessKey, "AWS_ACCESS_KEY")
	setString(&cfg.AWS.SecretKey, "AWS_SECRET_KEY")
	setString(&cfg.AWS.SessionToken, "AWS_SESSION_TOKEN")
	setString(&cfg.GCP.Project, "GOOGLE_CLOUD_PROJECT")

	if value, ok := lookup("PREFETCH"); ok {
		prefetch, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid %sPREFETCH", envPrefix)
		}
		cfg.Prefetch = uint32(prefetch)
	}
	if value, ok := lookup("CONCURRENCY"); ok {
		concurrency, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid %sCONCURRENCY", envPrefix)
		}
		cfg.Concurrency = uint32(concurrency)
	}
	if value, ok := lookup("TRACING"); ok {
		tracing, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid %sTRACING", envPrefix)
		}
		cfg.Tracing = tracing
	}
	return nil
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func setString(field *string, key string) {
	if value, ok := lookup(key); ok {
		*field = value
	}
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendRabbitMQ
	}
	c.Backend = strings.ToLower(c.Backend)
	if c.ActionQueue == "" {
		c.ActionQueue = "actionForest"
	}
	if c.Prefetch == 0 {
		c.Prefetch = 1000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Engine.ShutdownTimeout == 0 {
		c.Engine.ShutdownTimeout = 30 * time.Second
	}
}

// Validate checks that the settings required by the chosen backend are present
func (c Config) Validate() error {
	switch c.Backend {
	case BackendRabbitMQ:
		if c.RabbitMQ.URL == "" {
			return errors.New("rabbitmq.url is required")
		}
		if c.Prefetch > math.MaxUint16 {
			return errors.Errorf("prefetch must be at most %d for rabbitmq", math.MaxUint16)
		}
	case BackendAWS:
		if c.AWS.Region == "" || c.AWS.AccountID == "" {
			return errors.New("aws.region and aws.account_id are required")
		}
	case BackendGCP:
	default:
		return errors.Errorf("unknown backend: %s", c.Backend)
	}
	return nil
}
