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

// Package pipeline drives one ingestion pass over a backup object.
//
// A run opens the object, tags it STARTED, then pulls elements one at a
// time: normalize, compute identity, insert into the accumulation map
// (last write wins). When the stream is exhausted the map is flushed to the
// sink and the object is tagged COMPLETE with the record count. The loop is
// sequential; only the part uploads of a single MMS run concurrently, and
// they finish before that MMS is accumulated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/smsbackup/ingestion/internal/identity"
	"github.com/smsbackup/ingestion/internal/ledger"
	"github.com/smsbackup/ingestion/internal/models"
	"github.com/smsbackup/ingestion/internal/normalize"
	"github.com/smsbackup/ingestion/internal/queue"
	"github.com/smsbackup/ingestion/internal/sink"
	"github.com/smsbackup/ingestion/internal/xmlstream"
)

// Status tags written to the source object.
const (
	TagProcessed   = "processed"
	TagRecordCount = "record_count"

	StatusStarted  = "STARTED"
	StatusComplete = "COMPLETE"
)

// Source is the object store holding backup documents.
type Source interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	SetTags(ctx context.Context, bucket, key string, tags map[string]string) error
}

// Ledger records run state for status queries and resume.
type Ledger interface {
	Start(ctx context.Context, id, bucket, key string) error
	Checkpoint(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, c ledger.Counts) error
	Fail(ctx context.Context, id string, cause error) error
	ResumePoint(ctx context.Context, bucket, key string) (int, error)
}

// EventPublisher announces finished runs.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, event queue.RunEvent) error
}

// Request identifies the object to ingest.
type Request struct {
	Bucket string
	Key    string

	// Resume skips the elements covered by the last checkpoint of an
	// unfinished run over the same object.
	Resume bool
}

// Result summarises a run.
type Result struct {
	RunID              string        `json:"run_id"`
	Bucket             string        `json:"bucket"`
	Key                string        `json:"key"`
	Total              int           `json:"total"`    // declared by the document root
	Elements           int           `json:"elements"` // elements read in this run
	Records            int           `json:"records"`  // records written
	Skipped            int           `json:"skipped"`  // elements that failed validation
	AttachmentFailures int           `json:"attachment_failures"`
	Recovered          int           `json:"recovered"` // malformed regions skipped by the reader
	Flushes            int           `json:"flushes"`
	ResumedFrom        int           `json:"resumed_from"`
	Elapsed            time.Duration `json:"elapsed"`
}

// Runner runs the ingestion pipeline.
type Runner struct {
	source        Source
	attachments   normalize.PartStore
	sink          sink.Sink
	ledger        Ledger
	events        EventPublisher
	normalizeCfg  normalize.Config
	flushEvery    int
	progressEvery int
	newRunID      func() string
}

// RunnerConfig holds dependencies for the runner. Ledger and Events are
// optional.
type RunnerConfig struct {
	Source      Source
	Attachments normalize.PartStore
	Sink        sink.Sink
	Ledger      Ledger
	Events      EventPublisher
	Normalize   normalize.Config

	// FlushEvery flushes and checkpoints whenever this many records have
	// accumulated. Zero flushes once at the end.
	FlushEvery int

	// ProgressEvery logs progress every N elements. Defaults to 1000.
	ProgressEvery int

	NewRunID func() string
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg RunnerConfig) *Runner {
	progress := cfg.ProgressEvery
	if progress <= 0 {
		progress = 1000
	}
	newID := cfg.NewRunID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &Runner{
		source:        cfg.Source,
		attachments:   cfg.Attachments,
		sink:          cfg.Sink,
		ledger:        cfg.Ledger,
		events:        cfg.Events,
		normalizeCfg:  cfg.Normalize,
		flushEvery:    cfg.FlushEvery,
		progressEvery: progress,
		newRunID:      newID,
	}
}

// run holds the state of one pass.
type run struct {
	*Runner
	req    Request
	result *Result
	reader *xmlstream.Reader
	acc    map[string]models.Record
	parts  *countingStore
}

// Run ingests one object. It fails with xmlstream.ErrStreamUnavailable when
// the object cannot be read, and with a *sink.BatchWriteError when a flush
// fails; in the latter case the object is left tagged STARTED.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: r.newRunID(), Bucket: req.Bucket, Key: req.Key}

	body, size, err := r.source.Open(ctx, req.Bucket, req.Key)
	if err != nil {
		return result, fmt.Errorf("%w: %v", xmlstream.ErrStreamUnavailable, err)
	}
	defer body.Close()

	reader, err := xmlstream.Open(body, xmlstream.WithSize(size))
	if err != nil {
		return result, fmt.Errorf("open %s/%s: %w", req.Bucket, req.Key, err)
	}
	result.Total = reader.Total()

	slog.Info("starting ingest run",
		"run_id", result.RunID,
		"bucket", req.Bucket,
		"key", req.Key,
		"bytes", size,
		"declared_records", result.Total,
	)

	r.tag(ctx, req, map[string]string{TagProcessed: StatusStarted})
	if req.Resume && r.ledger != nil {
		from, err := r.ledger.ResumePoint(ctx, req.Bucket, req.Key)
		if err != nil {
			slog.Warn("resume point lookup failed, starting from the beginning", "key", req.Key, "error", err)
		} else if from > 0 {
			reader.Skip(from)
			result.ResumedFrom = from
			slog.Info("resuming from checkpoint", "run_id", result.RunID, "skip", from)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Start(ctx, result.RunID, req.Bucket, req.Key); err != nil {
			slog.Warn("ledger start failed", "run_id", result.RunID, "error", err)
		}
	}

	var parts *countingStore
	if r.attachments != nil {
		parts = &countingStore{PartStore: r.attachments, runID: result.RunID}
	}
	p := &run{
		Runner: r,
		req:    req,
		result: result,
		reader: reader,
		acc:    make(map[string]models.Record),
		parts:  parts,
	}

	runErr := p.loop(ctx)
	result.Recovered = reader.Recovered()
	if parts != nil {
		result.AttachmentFailures = int(parts.failures.Load())
	}
	result.Elapsed = time.Since(start)

	if runErr != nil {
		slog.Error("ingest run failed",
			"run_id", result.RunID,
			"key", req.Key,
			"elements", result.Elements,
			"records_written", result.Records,
			"error", runErr,
		)
		r.finish(ctx, result, runErr)
		return result, runErr
	}

	r.tag(ctx, req, map[string]string{
		TagProcessed:   StatusComplete,
		TagRecordCount: strconv.Itoa(result.Records),
	})
	r.finish(ctx, result, nil)

	slog.Info("ingest run complete",
		"run_id", result.RunID,
		"key", req.Key,
		"elements", result.Elements,
		"records", result.Records,
		"skipped", result.Skipped,
		"attachment_failures", result.AttachmentFailures,
		"recovered", result.Recovered,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// loop pulls elements until the stream ends, the context is cancelled, or
// a flush fails. Whatever has accumulated is flushed before returning.
func (p *run) loop(ctx context.Context) error {
	n := normalize.New(partStore(p.parts), p.normalizeCfg)

	for {
		if err := ctx.Err(); err != nil {
			slog.Warn("ingest run cancelled, flushing accumulated records",
				"run_id", p.result.RunID, "accumulated", len(p.acc))
			if ferr := p.flush(context.WithoutCancel(ctx)); ferr != nil {
				return errors.Join(err, ferr)
			}
			return err
		}

		el, err := p.reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr := fmt.Errorf("%w: read %s/%s: %v", xmlstream.ErrStreamUnavailable, p.req.Bucket, p.req.Key, err)
			if ferr := p.flush(ctx); ferr != nil {
				return errors.Join(readErr, ferr)
			}
			return readErr
		}
		p.result.Elements++

		rec, err := n.Normalize(ctx, el)
		if err != nil {
			p.result.Skipped++
			var verr *normalize.RecordValidationError
			if errors.As(err, &verr) {
				slog.Warn("skipping invalid element",
					"run_id", p.result.RunID,
					"tag", verr.Tag,
					"field", verr.Field,
					"position", p.reader.Progress(),
					"error", verr.Err,
				)
			} else {
				slog.Error("skipping element", "run_id", p.result.RunID, "tag", el.Tag, "error", err)
			}
			continue
		}
		if rec != nil {
			p.acc[identity.Of(rec)] = rec
		}

		if p.reader.Progress()%p.progressEvery == 0 {
			slog.Info("ingest progress",
				"run_id", p.result.RunID,
				"elements", p.reader.Progress(),
				"total", p.reader.Total(),
				"percent", p.reader.Percent(),
				"accumulated", len(p.acc),
			)
		}

		if p.flushEvery > 0 && len(p.acc) >= p.flushEvery {
			if err := p.flush(ctx); err != nil {
				return err
			}
			p.checkpoint(ctx)
		}
	}

	return p.flush(ctx)
}

// flush writes and clears the accumulation map.
func (p *run) flush(ctx context.Context) error {
	if len(p.acc) == 0 {
		return nil
	}
	out, err := p.sink.Flush(ctx, p.acc)
	p.result.Records += out.Records
	if err != nil {
		return fmt.Errorf("flush to %s: %w", p.sink.Name(), err)
	}
	p.result.Flushes++
	slog.Debug("flushed records", "run_id", p.result.RunID, "records", out.Records, "chunks", out.Chunks)
	p.acc = make(map[string]models.Record)
	return nil
}

func (p *run) checkpoint(ctx context.Context) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.Checkpoint(ctx, p.result.RunID, p.reader.Progress()); err != nil {
		slog.Warn("checkpoint failed", "run_id", p.result.RunID, "error", err)
	}
}

// finish records the outcome in the ledger and on the event queue. Neither
// affects the run's result.
func (r *Runner) finish(ctx context.Context, result *Result, runErr error) {
	ctx = context.WithoutCancel(ctx)
	event := queue.RunEvent{
		Type:               queue.EventCompleted,
		RunID:              result.RunID,
		Bucket:             result.Bucket,
		Key:                result.Key,
		Records:            result.Records,
		Skipped:            result.Skipped,
		AttachmentFailures: result.AttachmentFailures,
		ElapsedMillis:      result.Elapsed.Milliseconds(),
		FinishedAt:         time.Now().UTC(),
	}
	if runErr != nil {
		event.Type = queue.EventFailed
		event.Error = runErr.Error()
	}

	if r.ledger != nil {
		var err error
		if runErr != nil {
			err = r.ledger.Fail(ctx, result.RunID, runErr)
		} else {
			err = r.ledger.Complete(ctx, result.RunID, ledger.Counts{
				Records:            result.Records,
				Skipped:            result.Skipped,
				AttachmentFailures: result.AttachmentFailures,
			})
		}
		if err != nil {
			slog.Warn("ledger update failed", "run_id", result.RunID, "error", err)
		}
	}
	if r.events != nil {
		if err := r.events.PublishRunEvent(ctx, event); err != nil {
			slog.Warn("run event publish failed", "run_id", result.RunID, "error", err)
		}
	}
}

// tag applies status tags. Failures are logged only.
func (r *Runner) tag(ctx context.Context, req Request, tags map[string]string) {
	if err := r.source.SetTags(context.WithoutCancel(ctx), req.Bucket, req.Key, tags); err != nil {
		slog.Warn("failed to tag source object", "bucket", req.Bucket, "key", req.Key, "tags", tags, "error", err)
	}
}

// countingStore logs and counts attachment failures. The MMS still
// proceeds without the payload reference.
type countingStore struct {
	normalize.PartStore
	runID    string
	failures atomic.Int64
}

func (c *countingStore) StoreIfAbsent(ctx context.Context, payload []byte, contentType string) (string, error) {
	ref, err := c.PartStore.StoreIfAbsent(ctx, payload, contentType)
	if err != nil {
		c.failures.Add(1)
		slog.Error("attachment upload failed, part kept without payload reference",
			"run_id", c.runID,
			"content_type", contentType,
			"bytes", len(payload),
			"error", err,
		)
	}
	return ref, err
}

// partStore avoids handing the normalizer a typed nil.
func partStore(c *countingStore) normalize.PartStore {
	if c == nil {
		return nil
	}
	return c
}
