// Package config holds the settings of the ledger daemon. Values are read
// from a YAML file, then overridden by CARLEDGER_* environment variables,
// then by command line flags.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"carledger/infra/kafka"
	"carledger/service"
)

type Config struct {
	DataPath       string `yaml:"data_path"`
	TopModelsLimit int    `yaml:"top_models_limit"`
	SyncWrites     bool   `yaml:"sync_writes"`

	Log        Log        `yaml:"log"`
	GRPC       GRPC       `yaml:"grpc"`
	Metrics    Metrics    `yaml:"metrics"`
	Compaction Compaction `yaml:"compaction"`
	Outbox     Outbox     `yaml:"outbox"`
	Kafka      Kafka      `yaml:"kafka"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GRPC struct {
	Listen         string        `yaml:"listen"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type Compaction struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MinGarbage float64       `yaml:"min_garbage"`
}

// Outbox is where committed events wait for the broadcaster. An empty Path
// disables event recording.
type Outbox struct {
	Path string `yaml:"path"`
}

// Kafka configures publication. No brokers means no broadcaster.
type Kafka struct {
	Driver          string        `yaml:"driver"`
	Brokers         []string      `yaml:"brokers"`
	Topic           string        `yaml:"topic"`
	Interval        time.Duration `yaml:"interval"`
	MaxRetries      uint32        `yaml:"max_retries"`
	PublishAttempts int           `yaml:"publish_attempts"`
}

func Default() Config {
	return Config{
		DataPath:       "./data",
		TopModelsLimit: service.DefaultTopModelsLimit,
		Log:            Log{Level: "info", Format: "text"},
		GRPC:           GRPC{Listen: ":7070", RequestTimeout: 10 * time.Second},
		Metrics:        Metrics{Listen: ":9090"},
		Compaction:     Compaction{Enabled: true, Interval: time.Minute, MinGarbage: 0.5},
		Kafka: Kafka{
			Driver:          kafka.DriverKafkaGo,
			Topic:           "carledger.events",
			Interval:        250 * time.Millisecond,
			PublishAttempts: 3,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DataPath == "" {
		return errors.New("data_path is required")
	}
	if c.TopModelsLimit < 0 {
		return errors.Errorf("top_models_limit must not be negative, got %d", c.TopModelsLimit)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.GRPC.Listen == "" {
		return errors.New("grpc.listen is required")
	}
	if c.Compaction.Enabled {
		if c.Compaction.Interval <= 0 {
			return errors.New("compaction.interval must be positive")
		}
		if c.Compaction.MinGarbage <= 0 || c.Compaction.MinGarbage > 1 {
			return errors.Errorf("compaction.min_garbage must be in (0, 1], got %v", c.Compaction.MinGarbage)
		}
	}
	if len(c.Kafka.Brokers) > 0 {
		if c.Outbox.Path == "" {
			return errors.New("kafka needs outbox.path")
		}
		if c.Kafka.Topic == "" {
			return errors.New("kafka.topic is required")
		}
		switch c.Kafka.Driver {
		case kafka.DriverKafkaGo, kafka.DriverSarama:
		default:
			return errors.Errorf("unknown kafka.driver %q", c.Kafka.Driver)
		}
	}
	return nil
}

// Ledger returns the part of the configuration the ledger service needs.
func (c Config) Ledger() service.Config {
	return service.Config{
		DataPath:       c.DataPath,
		TopModelsLimit: c.TopModelsLimit,
		SyncWrites:     c.SyncWrites,
	}
}

// Logger builds the process logger from the log settings.
func (c Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}
