package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const envPrefix = "CARLEDGER_"

// FromEnv overrides cfg with every CARLEDGER_* variable that is set.
func FromEnv(cfg *Config) error {
	if v := env("DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := env("TOP_MODELS_LIMIT"); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sTOP_MODELS_LIMIT as int", envPrefix)
		}
		cfg.TopModelsLimit = asInt
	}
	if v := env("SYNC_WRITES"); v != "" {
		cfg.SyncWrites = enabled(v)
	}

	if v := env("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := env("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := env("GRPC_LISTEN"); v != "" {
		cfg.GRPC.Listen = v
	}
	if v := env("GRPC_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sGRPC_REQUEST_TIMEOUT as duration", envPrefix)
		}
		cfg.GRPC.RequestTimeout = d
	}
	if v := env("METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}

	if v := env("COMPACTION_ENABLED"); v != "" {
		cfg.Compaction.Enabled = enabled(v)
	}
	if v := env("COMPACTION_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %sCOMPACTION_INTERVAL as duration", envPrefix)
		}
		cfg.Compaction.Interval = d
	}
	if v := env("COMPACTION_MIN_GARBAGE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "parse %sCOMPACTION_MIN_GARBAGE as float", envPrefix)
		}
		cfg.Compaction.MinGarbage = f
	}

	if v := env("OUTBOX_PATH"); v != "" {
		cfg.Outbox.Path = v
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := env("KAFKA_DRIVER"); v != "" {
		cfg.Kafka.Driver = v
	}
	if v := env("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	return nil
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func enabled(value string) bool {
	switch strings.ToLower(value) {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
