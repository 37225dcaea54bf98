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

// Package app wires configuration into a ready pipeline runner. Both the
// CLI and the trigger server build their dependencies here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/smsbackup/ingestion/internal/attachment"
	"github.com/smsbackup/ingestion/internal/config"
	"github.com/smsbackup/ingestion/internal/dedup"
	"github.com/smsbackup/ingestion/internal/ledger"
	"github.com/smsbackup/ingestion/internal/normalize"
	"github.com/smsbackup/ingestion/internal/objectstore"
	"github.com/smsbackup/ingestion/internal/pipeline"
	"github.com/smsbackup/ingestion/internal/queue"
	"github.com/smsbackup/ingestion/internal/sink"
	"github.com/smsbackup/ingestion/internal/webhook"
)

// App holds the connected dependencies. Redis and Postgres handles are nil
// when not configured.
type App struct {
	Config    *config.Config
	Objects   *objectstore.Client
	Runner    *pipeline.Runner
	Ledger    *ledger.Store
	Filter    *dedup.Filter
	Publisher *queue.Publisher

	rdb     *redis.Client
	pool    *pgxpool.Pool
	closers []func() error
}

// Build connects every configured dependency and assembles the runner.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	// --- Object store ---
	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseTLS:    cfg.Storage.UseTLS,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		return err
	}
	a.Objects = objects
	if err := objects.EnsureBucket(ctx, cfg.Storage.AttachmentBucket); err != nil {
		return err
	}
	slog.Info("connected to object store", "endpoint", cfg.Storage.Endpoint)

	// --- Redis (optional) ---
	var cache attachment.DigestCache
	var events pipeline.EventPublisher
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.rdb = redis.NewClient(opt)
		a.closers = append(a.closers, a.rdb.Close)

		a.Publisher = queue.NewPublisher(a.rdb, cfg.RunsQueue)
		if err := a.Publisher.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.Filter = dedup.NewFilter(a.rdb)
		cache = dedup.NewDigestCache(a.rdb, 0)
		events = a.Publisher
		slog.Info("connected to Redis")
	}

	// --- Postgres (optional) ---
	var runs pipeline.Ledger
	if cfg.DatabaseURL != "" {
		a.pool, err = ledger.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { a.pool.Close(); return nil })

		a.Ledger, err = ledger.NewStore(ctx, a.pool)
		if err != nil {
			return err
		}
		runs = a.Ledger
		slog.Info("connected to PostgreSQL")
	}

	// --- Sinks ---
	out, err := a.buildSinks(ctx)
	if err != nil {
		return err
	}

	// --- Runner ---
	parts := attachment.New(objects, cache, attachment.Config{
		Bucket: cfg.Storage.AttachmentBucket,
		Prefix: cfg.Storage.AttachmentPrefix,
	})
	a.Runner = pipeline.NewRunner(pipeline.RunnerConfig{
		Source:      objects,
		Attachments: parts,
		Sink:        out,
		Ledger:      runs,
		Events:      events,
		Normalize: normalize.Config{
			DefaultRegion:     cfg.Pipeline.DefaultRegion,
			Location:          cfg.Pipeline.DateLocation,
			UploadConcurrency: cfg.Pipeline.UploadConcurrency,
		},
		FlushEvery:    cfg.Pipeline.FlushEvery,
		ProgressEvery: cfg.Pipeline.ProgressEvery,
	})
	return nil
}

// buildSinks creates the enabled sinks in configured order.
func (a *App) buildSinks(ctx context.Context) (sink.Sink, error) {
	cfg := a.Config
	var sinks sink.Fanout
	for _, name := range cfg.Pipeline.Sinks {
		switch name {
		case config.SinkDynamoDB:
			client, err := sink.NewDynamoClient(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Endpoint)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink.NewDynamoWriter(client, cfg.DynamoDB.Table))
		case config.SinkKafka:
			w := sink.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
			a.closers = append(a.closers, w.Close)
			sinks = append(sinks, w)
		case config.SinkParquet:
			if err := a.Objects.EnsureBucket(ctx, cfg.Parquet.Bucket); err != nil {
				return nil, err
			}
			sinks = append(sinks, sink.NewParquetWriter(a.Objects, sink.ParquetConfig{
				Bucket:      cfg.Parquet.Bucket,
				BasePath:    cfg.Parquet.BasePath,
				Compression: cfg.Parquet.Compression,
			}))
		default:
			return nil, fmt.Errorf("unknown sink %q", name)
		}
	}
	slog.Info("sinks configured", "sinks", sinks.Name())
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// Checks returns the health-checkable dependencies.
func (a *App) Checks() map[string]webhook.Pinger {
	checks := map[string]webhook.Pinger{
		"object store": a.Objects,
	}
	if a.Publisher != nil {
		checks["redis"] = a.Publisher
	}
	if a.Ledger != nil {
		checks["postgres"] = a.Ledger
	}
	return checks
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
