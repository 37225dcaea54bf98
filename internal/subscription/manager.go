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

// Package subscription keeps watched buckets subscribed to the trigger
// server. On startup, and again on every check interval, each bucket's
// notification configuration is asserted to route ObjectCreated events for
// .xml keys to the configured queue target. A subscription that had gone
// missing means uploads may have been missed, so the manager reports a gap
// for that bucket.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSuffix limits notifications to backup documents.
const DefaultSuffix = ".xml"

// Notifier configures bucket notifications.
type Notifier interface {
	EnsureNotification(ctx context.Context, bucket, arn, suffix string) (bool, error)
}

// LifecycleManager owns the subscription of each watched bucket.
type LifecycleManager struct {
	notifier Notifier
	buckets  []string
	arn      string
	suffix   string
	interval time.Duration

	// OnGapDetected is called when a bucket's subscription had to be
	// re-created after startup.
	OnGapDetected func(ctx context.Context, bucket string)

	mu      sync.Mutex
	started map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ManagerConfig holds dependencies for the lifecycle manager.
type ManagerConfig struct {
	Notifier Notifier
	Buckets  []string
	Arn      string
	Suffix   string        // defaults to DefaultSuffix
	Interval time.Duration // defaults to 10 minutes
}

// NewManager creates a subscription lifecycle manager.
func NewManager(cfg ManagerConfig) *LifecycleManager {
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &LifecycleManager{
		notifier: cfg.Notifier,
		buckets:  cfg.Buckets,
		arn:      cfg.Arn,
		suffix:   cfg.Suffix,
		interval: cfg.Interval,
		started:  make(map[string]bool),
	}
}

// Start subscribes every bucket and begins the check loop. A bucket that
// cannot be subscribed is logged and retried on the next check.
func (m *LifecycleManager) Start(ctx context.Context) error {
	if m.arn == "" {
		return fmt.Errorf("no notification target configured")
	}

	for _, bucket := range m.buckets {
		if err := m.ensure(ctx, bucket); err != nil {
			slog.Error("failed to subscribe bucket",
				"bucket", bucket,
				"error", err,
			)
			// Retried on the next check
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.checkLoop(loopCtx)

	slog.Info("subscription lifecycle manager started",
		"buckets", len(m.buckets),
		"check_interval", m.interval,
	)
	return nil
}

// Stop shuts down the check loop.
func (m *LifecycleManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *LifecycleManager) checkLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll re-asserts every subscription.
func (m *LifecycleManager) checkAll(ctx context.Context) {
	for _, bucket := range m.buckets {
		if err := m.ensure(ctx, bucket); err != nil {
			slog.Error("subscription check failed",
				"bucket", bucket,
				"error", err,
			)
		}
	}
}

// ensure subscribes bucket if needed. A re-created subscription on a
// bucket that was already subscribed is a gap.
func (m *LifecycleManager) ensure(ctx context.Context, bucket string) error {
	created, err := m.notifier.EnsureNotification(ctx, bucket, m.arn, m.suffix)
	if err != nil {
		return err
	}

	m.mu.Lock()
	wasStarted := m.started[bucket]
	m.started[bucket] = true
	m.mu.Unlock()

	if !created {
		return nil
	}
	slog.Info("bucket subscribed", "bucket", bucket, "target", m.arn, "suffix", m.suffix)

	if wasStarted {
		slog.Warn("subscription was missing, uploads may have been missed", "bucket", bucket)
		if m.OnGapDetected != nil {
			m.OnGapDetected(ctx, bucket)
		}
	}
	return nil
}
