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

// Package dedup provides Redis-backed memory of work already done.
//
// Filter drops bucket notifications that were delivered more than once.
// DigestCache remembers attachment digests known to be stored, so repeated
// runs over overlapping backups skip the object store probe.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultEventTTL is how long a notification ID is remembered. Bucket
	// notifications are redelivered within minutes, not days.
	DefaultEventTTL = 24 * time.Hour

	// DefaultDigestTTL bounds how long a stored digest is trusted without
	// probing the object store again.
	DefaultDigestTTL = 30 * 24 * time.Hour

	eventPrefix  = "smsbackup:seen:"
	digestPrefix = "smsbackup:part:"
)

// Filter tracks which notification IDs have already been processed.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return &Filter{
		rdb: rdb,
		ttl: DefaultEventTTL,
	}
}

// IsNew returns true if the event ID has NOT been seen before.
// If true, the event is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, eventID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, eventPrefix+eventID, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears an event ID so a failed run can be triggered again.
func (f *Filter) Forget(ctx context.Context, eventID string) error {
	if err := f.rdb.Del(ctx, eventPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}

// DigestCache remembers attachment digests already present in the store.
type DigestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDigestCache creates a digest cache. A ttl of zero uses DefaultDigestTTL.
func NewDigestCache(rdb *redis.Client, ttl time.Duration) *DigestCache {
	if ttl <= 0 {
		ttl = DefaultDigestTTL
	}
	return &DigestCache{rdb: rdb, ttl: ttl}
}

// Known reports whether digest was marked as stored.
func (c *DigestCache) Known(ctx context.Context, digest string) (bool, error) {
	n, err := c.rdb.Exists(ctx, digestPrefix+digest).Result()
	if err != nil {
		return false, fmt.Errorf("digest EXISTS: %w", err)
	}
	return n > 0, nil
}

// Mark records digest as stored.
func (c *DigestCache) Mark(ctx context.Context, digest string) error {
	if err := c.rdb.Set(ctx, digestPrefix+digest, 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("digest SET: %w", err)
	}
	return nil
}
