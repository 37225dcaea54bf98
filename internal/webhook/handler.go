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

// Package webhook receives bucket notifications from S3 or MinIO. When a
// backup document lands in a watched bucket the store POSTs an event here;
// the handler acknowledges it immediately and runs the ingestion pipeline
// over the new object in the background.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smsbackup/ingestion/internal/logging"
	"github.com/smsbackup/ingestion/internal/pipeline"
)

// maxBodyBytes bounds a notification body.
const maxBodyBytes = 1 << 20

// BucketNotification is the payload S3 and MinIO send.
type BucketNotification struct {
	Records []EventRecord `json:"Records"`
}

// EventRecord is one object event.
type EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Size      int64  `json:"size"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

// Ingester runs the pipeline over one object.
type Ingester interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Deduper drops notifications already seen. Forget releases an id whose
// run gave up, so a redelivered notification runs again.
type Deduper interface {
	IsNew(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Pinger is a health check dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerConfig holds dependencies for the handler. Dedup and Checks are
// optional.
type HandlerConfig struct {
	Ingester          Ingester
	Dedup             Deduper
	Checks            map[string]Pinger
	MaxConcurrentRuns int           // default 2
	Attempts          int           // default 3
	RetryDelay        time.Duration // default 2s, multiplied by the attempt number
}

// Handler accepts bucket notifications and runs ingestion in the
// background.
type Handler struct {
	ingester   Ingester
	dedup      Deduper
	checks     map[string]Pinger
	attempts   int
	retryDelay time.Duration

	ctx context.Context
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewHandler creates a notification handler. Background runs stop when ctx
// is cancelled.
func NewHandler(ctx context.Context, cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 2
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Handler{
		ingester:   cfg.Ingester,
		dedup:      cfg.Dedup,
		checks:     cfg.Checks,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
		ctx:        ctx,
		sem:        make(chan struct{}, cfg.MaxConcurrentRuns),
	}
}

// Routes returns the HTTP routes for the trigger server.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/events", h.ServeEvents)
	r.Get("/health", h.ServeHealth)
	return r
}

// ServeEvents handles bucket notifications. Accepted objects are
// acknowledged with 202 before ingestion starts.
func (h *Handler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error("failed to read notification body", "error", err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	var payload BucketNotification
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("notification body not valid JSON", "body_len", len(body), "error", err)
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}

	var accepted []job
	for _, rec := range payload.Records {
		req, ok, err := requestFor(rec)
		if err != nil {
			logger.Warn("skipping event with undecodable key", "key", rec.S3.Object.Key, "error", err)
			continue
		}
		if !ok {
			logger.Debug("skipping event",
				"event", rec.EventName,
				"bucket", rec.S3.Bucket.Name,
				"key", rec.S3.Object.Key,
			)
			continue
		}

		id := req.Bucket + "/" + req.Key + "@" + rec.S3.Object.Sequencer
		if h.dedup != nil {
			isNew, err := h.dedup.IsNew(r.Context(), id)
			if err != nil {
				logger.Warn("dedup check failed, proceeding", "error", err)
			} else if !isNew {
				logger.Debug("skipping duplicate notification", "key", req.Key)
				continue
			}
		}
		accepted = append(accepted, job{req: req, id: id})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(accepted)})

	for _, j := range accepted {
		logger.Info("ingest scheduled", "bucket", j.req.Bucket, "key", j.req.Key)
		h.dispatch(j)
	}
}

// ServeHealth pings every configured dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	for name, c := range h.checks {
		if err := c.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("health check failed", "dependency", name, "error", err)
			http.Error(w, name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "healthy"}`))
}

// Wait blocks until every background run has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// requestFor turns a created .xml object event into a pipeline request.
func requestFor(rec EventRecord) (pipeline.Request, bool, error) {
	if !strings.Contains(rec.EventName, "ObjectCreated") {
		return pipeline.Request{}, false, nil
	}
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return pipeline.Request{}, false, fmt.Errorf("unescape key: %w", err)
	}
	if rec.S3.Bucket.Name == "" || !strings.HasSuffix(strings.ToLower(key), ".xml") {
		return pipeline.Request{}, false, nil
	}
	return pipeline.Request{Bucket: rec.S3.Bucket.Name, Key: key}, true, nil
}

// job is an accepted notification.
type job struct {
	req pipeline.Request
	id  string
}

// dispatch runs j in the background once a run slot is free.
func (h *Handler) dispatch(j job) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case h.sem <- struct{}{}:
		case <-h.ctx.Done():
			return
		}
		defer func() { <-h.sem }()
		if !h.runWithRetry(j.req) && h.dedup != nil && h.ctx.Err() == nil {
			if err := h.dedup.Forget(h.ctx, j.id); err != nil {
				slog.Warn("failed to release notification id", "id", j.id, "error", err)
			}
		}
	}()
}

// runWithRetry runs req up to the configured number of attempts. Retries
// resume from the last checkpoint.
func (h *Handler) runWithRetry(req pipeline.Request) bool {
	for attempt := 1; attempt <= h.attempts; attempt++ {
		res, err := h.ingester.Run(h.ctx, req)
		if err == nil {
			slog.Info("ingest finished",
				"key", req.Key,
				"run_id", res.RunID,
				"records", res.Records,
				"attempt", attempt,
			)
			return true
		}
		if errors.Is(err, context.Canceled) || h.ctx.Err() != nil {
			slog.Warn("ingest interrupted by shutdown", "key", req.Key, "error", err)
			return false
		}

		slog.Error("ingest attempt failed",
			"bucket", req.Bucket,
			"key", req.Key,
			"attempt", attempt,
			"max_attempts", h.attempts,
			"error", err,
		)
		if attempt == h.attempts {
			return false
		}

		req.Resume = true
		select {
		case <-time.After(h.retryDelay * time.Duration(attempt)):
		case <-h.ctx.Done():
			return false
		}
	}
	return false
}

// Serve starts the trigger HTTP server on the given port. It binds the port
// immediately and signals readiness via the returned channel. The server
// shuts down gracefully when ctx is cancelled.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind trigger port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("trigger server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("trigger server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("trigger server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("trigger server error", "error", err)
		}
	}()

	return ready, nil
}
