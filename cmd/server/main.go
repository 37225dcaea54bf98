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

// SMS Backup ingestion trigger server
//
// Entry point for the long-running ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to the object store, and to Redis and PostgreSQL when configured
//  3. Serves bucket notifications on POST /events and runs the pipeline
//     for each new backup document
//  4. Keeps watched buckets subscribed and backfills a bucket whose
//     subscription went missing
//  5. Handles graceful shutdown on SIGTERM/SIGINT, letting in-flight runs
//     flush what they have accumulated
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/smsbackup/ingestion/internal/app"
	"github.com/smsbackup/ingestion/internal/backfill"
	"github.com/smsbackup/ingestion/internal/config"
	"github.com/smsbackup/ingestion/internal/logging"
	"github.com/smsbackup/ingestion/internal/subscription"
	"github.com/smsbackup/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging until configuration says otherwise
	logging.Setup("info", "json")
	slog.Info("starting SMS backup ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("configuration loaded",
		"sinks", cfg.Pipeline.Sinks,
		"max_concurrent_runs", cfg.MaxConcurrentRuns,
		"attempts", cfg.Attempts,
		"flush_every", cfg.Pipeline.FlushEvery,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect dependencies ---
	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	hcfg := webhook.HandlerConfig{
		Ingester:          a.Runner,
		Checks:            a.Checks(),
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		Attempts:          cfg.Attempts,
	}
	// Dedup stays nil without Redis.
	if a.Filter != nil {
		hcfg.Dedup = a.Filter
	}
	handler := webhook.NewHandler(ctx, hcfg)

	ready, err := webhook.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		slog.Error("failed to start trigger server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Bucket subscriptions ---
	var mgr *subscription.LifecycleManager
	if cfg.NotificationArn != "" && len(cfg.WatchBuckets) > 0 {
		bcfg := backfill.RunnerConfig{Lister: a.Objects, Ingester: a.Runner}
		if a.Filter != nil {
			bcfg.Dedup = a.Filter
		}
		backfiller := backfill.NewRunner(bcfg)

		mgr = subscription.NewManager(subscription.ManagerConfig{
			Notifier: a.Objects,
			Buckets:  cfg.WatchBuckets,
			Arn:      cfg.NotificationArn,
			Interval: cfg.CheckInterval,
		})
		mgr.OnGapDetected = func(ctx context.Context, bucket string) {
			if _, err := backfiller.Run(ctx, backfill.BackfillRequest{Bucket: bucket}); err != nil {
				slog.Error("gap backfill failed", "bucket", bucket, "error", err)
			}
		}
		if err := mgr.Start(ctx); err != nil {
			slog.Error("failed to start subscription manager", "error", err)
			os.Exit(1)
		}
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	if mgr != nil {
		mgr.Stop()
	}
	// In-flight runs observe the cancellation, flush, and return.
	handler.Wait()
	slog.Info("ingestion service stopped")
}
