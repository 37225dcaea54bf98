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

// Package backfill ingests backup documents already sitting in a bucket,
// for deployments that start after uploads began or for objects whose
// notification was lost. Each object goes through the same pipeline as a
// notified upload.
package backfill

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/smsbackup/ingestion/internal/objectstore"
	"github.com/smsbackup/ingestion/internal/pipeline"
)

// BackfillRequest defines the scope of a backfill run.
type BackfillRequest struct {
	Bucket string
	Prefix string
	Since  time.Duration // only objects modified within this window; 0 = all
	Force  bool          // re-ingest objects already tagged COMPLETE
}

// BackfillResult summarises a completed backfill run.
type BackfillResult struct {
	Bucket        string
	ObjectResults []ObjectResult
	TotalIngested int
	TotalSkipped  int
	TotalFailed   int
	TotalRecords  int
	Elapsed       time.Duration
}

// ObjectResult tracks one object's outcome.
type ObjectResult struct {
	Key     string
	Records int
	Skipped bool
	Err     error
}

// Lister enumerates and inspects objects.
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]objectstore.ObjectInfo, error)
	Tags(ctx context.Context, bucket, key string) (map[string]string, error)
}

// Ingester runs the pipeline over one object.
type Ingester interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Deduper claims an object so a concurrent trigger does not ingest it too.
// Forget releases the claim of an object whose ingest failed.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Runner performs bucket backfills.
type Runner struct {
	lister   Lister
	ingester Ingester
	dedup    Deduper
	delay    time.Duration // pause between objects
	now      func() time.Time
}

// RunnerConfig holds dependencies for the backfill runner. Dedup is
// optional.
type RunnerConfig struct {
	Lister   Lister
	Ingester Ingester
	Dedup    Deduper
	Delay    time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		lister:   cfg.Lister,
		ingester: cfg.Ingester,
		dedup:    cfg.Dedup,
		delay:    cfg.Delay,
		now:      time.Now,
	}
}

// Run ingests every eligible object. Failures are recorded per object and
// the run continues; only a listing failure or cancellation ends it early.
func (r *Runner) Run(ctx context.Context, req BackfillRequest) (*BackfillResult, error) {
	start := time.Now()

	slog.Info("starting backfill",
		"bucket", req.Bucket,
		"prefix", req.Prefix,
		"since", req.Since,
		"force", req.Force,
	)

	objects, err := r.lister.List(ctx, req.Bucket, req.Prefix)
	if err != nil {
		return nil, err
	}

	result := &BackfillResult{Bucket: req.Bucket}
	var cutoff time.Time
	if req.Since > 0 {
		cutoff = r.now().Add(-req.Since)
	}

	processed := 0
	for _, obj := range objects {
		if !strings.HasSuffix(strings.ToLower(obj.Key), ".xml") {
			continue
		}
		if !cutoff.IsZero() && obj.LastModified.Before(cutoff) {
			continue
		}

		// Pace between objects
		if processed > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
				return r.finish(result, start), ctx.Err()
			case <-time.After(r.delay):
			}
		}
		if ctx.Err() != nil {
			return r.finish(result, start), ctx.Err()
		}

		or := r.backfillObject(ctx, req, obj)
		if !or.Skipped {
			processed++
		}
		result.ObjectResults = append(result.ObjectResults, or)
		switch {
		case or.Skipped:
			result.TotalSkipped++
		case or.Err != nil:
			result.TotalFailed++
		default:
			result.TotalIngested++
			result.TotalRecords += or.Records
		}
	}

	return r.finish(result, start), nil
}

func (r *Runner) finish(result *BackfillResult, start time.Time) *BackfillResult {
	result.Elapsed = time.Since(start)
	slog.Info("backfill complete",
		"bucket", result.Bucket,
		"ingested", result.TotalIngested,
		"skipped", result.TotalSkipped,
		"failed", result.TotalFailed,
		"records", result.TotalRecords,
		"elapsed", result.Elapsed,
	)
	return result
}

// backfillObject ingests one object unless it is already complete or
// claimed.
func (r *Runner) backfillObject(ctx context.Context, req BackfillRequest, obj objectstore.ObjectInfo) ObjectResult {
	or := ObjectResult{Key: obj.Key}

	if !req.Force {
		tags, err := r.lister.Tags(ctx, req.Bucket, obj.Key)
		if err != nil {
			slog.Warn("backfill: tag lookup failed, ingesting anyway", "key", obj.Key, "error", err)
		} else if tags[pipeline.TagProcessed] == pipeline.StatusComplete {
			slog.Debug("backfill: already complete", "key", obj.Key)
			or.Skipped = true
			return or
		}
	}

	claim := "backfill:" + req.Bucket + "/" + obj.Key + "@" + obj.LastModified.UTC().Format(time.RFC3339)
	claimed := false
	if r.dedup != nil && !req.Force {
		isNew, err := r.dedup.IsNew(ctx, claim)
		if err != nil {
			slog.Warn("dedup check failed", "error", err)
		} else if !isNew {
			or.Skipped = true
			return or
		} else {
			claimed = true
		}
	}

	res, err := r.ingester.Run(ctx, pipeline.Request{Bucket: req.Bucket, Key: obj.Key, Resume: true})
	if err != nil {
		slog.Warn("backfill: ingest failed", "key", obj.Key, "error", err)
		or.Err = err
		if claimed {
			if ferr := r.dedup.Forget(context.WithoutCancel(ctx), claim); ferr != nil {
				slog.Warn("backfill: failed to release claim", "key", obj.Key, "error", ferr)
			}
		}
		return or
	}
	or.Records = res.Records
	return or
}
