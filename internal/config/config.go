// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

const (
	StoreMemory   = "memory"
	StoreDynamo   = "dynamo"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr string
	LogLevel zapcore.Level

	Store string

	// Flow control, in served-minus-processed events.
	HighWatermark int64
	LowWatermark  int64

	CounterRetries int
	MaxPathRetries int

	AWSRegion         string
	DynamoEndpoint    string
	DynamoTablePrefix string

	DatabaseURL string

	KafkaBrokers       []string
	TopicReports       string
	TopicRetry         string
	TopicTransitions   string
	TopicDeadLetter    string
	GroupID            string
	SchedulerGroupID   string
	ReportMaxAttempts  int
	PublishTransitions bool
}

func (c *Config) RequestsTable() string { return c.DynamoTablePrefix + "_requests" }
func (c *Config) PathsTable() string    { return c.DynamoTablePrefix + "_paths" }

// Load reads the environment. Malformed numbers, an unknown store and
// watermarks that do not satisfy low < high are errors.
func Load() (*Config, error) {
	var err error
	c := &Config{
		HTTPAddr:          getEnv("SERVICEX_HTTP_ADDR", ":8080"),
		Store:             getEnv("SERVICEX_STORE", StoreMemory),
		AWSRegion:         getEnv("AWS_REGION", "us-east-2"),
		DynamoEndpoint:    getEnv("DYNAMO_ENDPOINT", ""),
		DynamoTablePrefix: getEnv("DYNAMO_TABLE_PREFIX", "servicex"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		KafkaBrokers:      SplitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		TopicReports:      getEnv("KAFKA_TOPIC_REPORTS", "servicex-reports"),
		TopicRetry:        getEnv("KAFKA_TOPIC_RETRY", "servicex-reports-retry"),
		TopicTransitions:  getEnv("KAFKA_TOPIC_TRANSITIONS", "servicex-transitions"),
		TopicDeadLetter:   getEnv("KAFKA_TOPIC_DLQ", "servicex-reports-dlq"),
		GroupID:           getEnv("KAFKA_GROUP_ID", "servicex-workers"),
		SchedulerGroupID:  getEnv("KAFKA_SCHEDULER_GROUP", "servicex-scheduler"),
	}

	if c.LogLevel, err = zapcore.ParseLevel(getEnv("SERVICEX_LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("SERVICEX_LOG_LEVEL: %w", err)
	}
	if c.HighWatermark, err = getEnvInt64("SERVICEX_HWM", 20); err != nil {
		return nil, err
	}
	if c.LowWatermark, err = getEnvInt64("SERVICEX_LWM", 8); err != nil {
		return nil, err
	}
	if c.CounterRetries, err = getEnvInt("SERVICEX_COUNTER_RETRIES", 6); err != nil {
		return nil, err
	}
	if c.MaxPathRetries, err = getEnvInt("SERVICEX_MAX_PATH_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.ReportMaxAttempts, err = getEnvInt("SERVICEX_REPORT_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if c.PublishTransitions, err = getEnvBool("SERVICEX_PUBLISH_TRANSITIONS", false); err != nil {
		return nil, err
	}

	switch c.Store {
	case StoreMemory, StoreDynamo:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	default:
		return nil, fmt.Errorf("SERVICEX_STORE: unknown store %q", c.Store)
	}
	if c.LowWatermark >= c.HighWatermark {
		return nil, fmt.Errorf("SERVICEX_LWM (%d) must be below SERVICEX_HWM (%d)", c.LowWatermark, c.HighWatermark)
	}
	if c.CounterRetries < 1 || c.MaxPathRetries < 1 || c.ReportMaxAttempts < 1 {
		return nil, fmt.Errorf("retry budgets must be at least 1")
	}
	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS is empty")
	}
	return c, nil
}

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
