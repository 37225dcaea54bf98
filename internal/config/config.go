// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Sink names accepted in pipeline.sinks.
const (
	SinkDynamoDB = "dynamodb"
	SinkKafka    = "kafka"
	SinkParquet  = "parquet"
)

// StorageConfig locates the object store holding backups and attachments.
type StorageConfig struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	UseTLS           bool
	Region           string
	AttachmentBucket string
	AttachmentPrefix string
}

// DynamoConfig configures the canonical record table.
type DynamoConfig struct {
	Table    string
	Region   string
	Endpoint string // for local DynamoDB; empty uses the AWS default
}

// KafkaConfig configures the optional record stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ParquetConfig configures the optional columnar export.
type ParquetConfig struct {
	Bucket      string
	BasePath    string
	Compression string
}

// PipelineConfig tunes ingestion.
type PipelineConfig struct {
	Sinks             []string
	UploadConcurrency int
	FlushEvery        int
	ProgressEvery     int
	DefaultRegion     string
	DateLocation      *time.Location
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Storage  StorageConfig
	DynamoDB DynamoConfig
	Kafka    KafkaConfig
	Parquet  ParquetConfig
	Pipeline PipelineConfig

	// Redis (optional: digest cache and run events)
	RedisURL  string
	RunsQueue string

	// Postgres (optional: run ledger)
	DatabaseURL string

	// Trigger server
	Port              int
	MaxConcurrentRuns int
	Attempts          int
	WatchBuckets      []string
	NotificationArn   string
	CheckInterval     time.Duration

	LogLevel  string
	LogFormat string
}

// HasSink reports whether the named sink is enabled.
func (c *Config) HasSink(name string) bool {
	return slices.Contains(c.Pipeline.Sinks, name)
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Storage struct {
		Endpoint         string `yaml:"endpoint"`
		AccessKey        string `yaml:"access_key"`
		SecretKey        string `yaml:"secret_key"`
		UseTLS           *bool  `yaml:"use_tls"`
		Region           string `yaml:"region"`
		AttachmentBucket string `yaml:"attachment_bucket"`
		AttachmentPrefix string `yaml:"attachment_prefix"`
	} `yaml:"storage"`
	DynamoDB struct {
		Table    string `yaml:"table"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"dynamodb"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Parquet struct {
		Bucket      string `yaml:"bucket"`
		BasePath    string `yaml:"base_path"`
		Compression string `yaml:"compression"`
	} `yaml:"parquet"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Runs string `yaml:"runs"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Pipeline struct {
		Sinks                []string `yaml:"sinks"`
		UploadConcurrency    int      `yaml:"upload_concurrency"`
		FlushEvery           int      `yaml:"flush_every"`
		ProgressEvery        int      `yaml:"progress_every"`
		DefaultRegion        string   `yaml:"default_region"`
		ReadableDateLocation string   `yaml:"readable_date_location"`
	} `yaml:"pipeline"`
	Server struct {
		Port              int      `yaml:"port"`
		MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
		Attempts          int      `yaml:"attempts"`
		WatchBuckets      []string `yaml:"watch_buckets"`
		NotificationArn   string   `yaml:"notification_arn"`
		CheckInterval     string   `yaml:"check_interval"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads configuration from the file named by CONFIG_PATH.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "config/config.yaml"))
}

// LoadFile reads configuration from path (with env var expansion) and fills
// the gaps from environment variables. A missing file leaves everything to
// the environment.
func LoadFile(path string) (*Config, error) {
	var raw rawConfig

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	default:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	cfg := &Config{
		Storage: StorageConfig{
			Endpoint:         firstNonEmpty(raw.Storage.Endpoint, envOrDefault("STORAGE_ENDPOINT", "")),
			AccessKey:        firstNonEmpty(raw.Storage.AccessKey, envOrDefault("STORAGE_ACCESS_KEY", "")),
			SecretKey:        firstNonEmpty(raw.Storage.SecretKey, envOrDefault("STORAGE_SECRET_KEY", "")),
			UseTLS:           envOrDefaultBool("STORAGE_USE_TLS", false),
			Region:           firstNonEmpty(raw.Storage.Region, envOrDefault("STORAGE_REGION", "")),
			AttachmentBucket: firstNonEmpty(raw.Storage.AttachmentBucket, envOrDefault("ATTACHMENT_BUCKET", "sms-media")),
			AttachmentPrefix: firstNonEmpty(raw.Storage.AttachmentPrefix, envOrDefault("ATTACHMENT_PREFIX", "parts/")),
		},
		DynamoDB: DynamoConfig{
			Table:    firstNonEmpty(raw.DynamoDB.Table, envOrDefault("DYNAMODB_TABLE", "")),
			Region:   firstNonEmpty(raw.DynamoDB.Region, envOrDefault("AWS_REGION", "us-east-1")),
			Endpoint: firstNonEmpty(raw.DynamoDB.Endpoint, envOrDefault("DYNAMODB_ENDPOINT", "")),
		},
		Kafka: KafkaConfig{
			Brokers: raw.Kafka.Brokers,
			Topic:   firstNonEmpty(raw.Kafka.Topic, envOrDefault("KAFKA_TOPIC", "sms_meta")),
		},
		Parquet: ParquetConfig{
			Bucket:      firstNonEmpty(raw.Parquet.Bucket, envOrDefault("PARQUET_BUCKET", "")),
			BasePath:    firstNonEmpty(raw.Parquet.BasePath, envOrDefault("PARQUET_BASE_PATH", "exports")),
			Compression: firstNonEmpty(raw.Parquet.Compression, envOrDefault("PARQUET_COMPRESSION", "SNAPPY")),
		},
		Pipeline: PipelineConfig{
			Sinks:             raw.Pipeline.Sinks,
			UploadConcurrency: firstPositive(raw.Pipeline.UploadConcurrency, envOrDefaultInt("UPLOAD_CONCURRENCY", 4)),
			FlushEvery:        firstPositive(raw.Pipeline.FlushEvery, envOrDefaultInt("FLUSH_EVERY", 0)),
			ProgressEvery:     firstPositive(raw.Pipeline.ProgressEvery, envOrDefaultInt("PROGRESS_EVERY", 1000)),
			DefaultRegion:     firstNonEmpty(raw.Pipeline.DefaultRegion, envOrDefault("DEFAULT_PHONE_REGION", "US")),
		},
		RedisURL:          firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "")),
		RunsQueue:         firstNonEmpty(raw.Redis.Queues.Runs, envOrDefault("RUNS_QUEUE", "smsbackup:runs")),
		DatabaseURL:       firstNonEmpty(raw.Postgres.URL, envOrDefault("DATABASE_URL", "")),
		Port:              firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		MaxConcurrentRuns: firstPositive(raw.Server.MaxConcurrentRuns, envOrDefaultInt("MAX_CONCURRENT_RUNS", 2)),
		Attempts:          firstPositive(raw.Server.Attempts, envOrDefaultInt("RUN_ATTEMPTS", 3)),
		WatchBuckets:      raw.Server.WatchBuckets,
		NotificationArn:   firstNonEmpty(raw.Server.NotificationArn, envOrDefault("NOTIFICATION_ARN", "")),
		CheckInterval:     envOrDefaultDuration("SUBSCRIPTION_CHECK_INTERVAL", 10*time.Minute),
		LogLevel:          firstNonEmpty(raw.Log.Level, envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         firstNonEmpty(raw.Log.Format, envOrDefault("LOG_FORMAT", "json")),
	}
	if raw.Storage.UseTLS != nil {
		cfg.Storage.UseTLS = *raw.Storage.UseTLS
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	}
	if len(cfg.WatchBuckets) == 0 {
		cfg.WatchBuckets = splitList(os.Getenv("WATCH_BUCKETS"))
	}
	if raw.Server.CheckInterval != "" {
		cfg.CheckInterval, err = time.ParseDuration(raw.Server.CheckInterval)
		if err != nil {
			return nil, fmt.Errorf("parse server.check_interval: %w", err)
		}
	}
	if len(cfg.Pipeline.Sinks) == 0 {
		cfg.Pipeline.Sinks = splitList(envOrDefault("SINKS", SinkDynamoDB))
	}
	for i, s := range cfg.Pipeline.Sinks {
		cfg.Pipeline.Sinks[i] = strings.ToLower(strings.TrimSpace(s))
	}

	loc := firstNonEmpty(raw.Pipeline.ReadableDateLocation, envOrDefault("READABLE_DATE_LOCATION", "UTC"))
	cfg.Pipeline.DateLocation, err = time.LoadLocation(loc)
	if err != nil {
		return nil, fmt.Errorf("load readable date location %q: %w", loc, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every enabled component has what it needs.
func (c *Config) Validate() error {
	if c.Storage.Endpoint == "" {
		return errors.New("storage endpoint is required (storage.endpoint or STORAGE_ENDPOINT)")
	}
	if len(c.Pipeline.Sinks) == 0 {
		return errors.New("at least one sink must be enabled")
	}
	for _, s := range c.Pipeline.Sinks {
		switch s {
		case SinkDynamoDB:
			if c.DynamoDB.Table == "" {
				return errors.New("dynamodb sink enabled but no table configured (dynamodb.table or DYNAMODB_TABLE)")
			}
		case SinkKafka:
			if len(c.Kafka.Brokers) == 0 {
				return errors.New("kafka sink enabled but no brokers configured")
			}
		case SinkParquet:
			if c.Parquet.Bucket == "" {
				return errors.New("parquet sink enabled but no bucket configured")
			}
		default:
			return fmt.Errorf("unknown sink %q", s)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
