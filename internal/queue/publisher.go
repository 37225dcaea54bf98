// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes run events to a Redis list.
// Downstream consumers (indexers, notifiers) BRPOP the list to learn when a
// backup object has been ingested or has failed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueue is the list events are pushed to.
const DefaultQueue = "smsbackup:runs"

// Event types.
const (
	EventCompleted = "run.completed"
	EventFailed    = "run.failed"
)

// RunEvent describes the outcome of one pipeline run.
type RunEvent struct {
	Type               string    `json:"type"`
	RunID              string    `json:"run_id"`
	Bucket             string    `json:"bucket"`
	Key                string    `json:"key"`
	Records            int       `json:"record_count"`
	Skipped            int       `json:"skipped"`
	AttachmentFailures int       `json:"attachment_failures"`
	ElapsedMillis      int64     `json:"elapsed_ms"`
	Error              string    `json:"error,omitempty"`
	FinishedAt         time.Time `json:"finished_at"`
}

// message is the envelope pushed to Redis.
type message struct {
	ID          string   `json:"id"`
	ContentType string   `json:"content-type"`
	Event       RunEvent `json:"event"`
}

// listClient is the part of *redis.Client the publisher needs.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher sends run events to Redis.
type Publisher struct {
	rdb       listClient
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return newPublisher(rdb, queueName)
}

func newPublisher(rdb listClient, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishRunEvent serialises a run event and pushes it onto the queue.
func (p *Publisher) PublishRunEvent(ctx context.Context, event RunEvent) error {
	msgID := uuid.New().String()
	msgJSON, err := json.Marshal(message{
		ID:          msgID,
		ContentType: "application/json",
		Event:       event,
	})
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	// Consumers BRPOP, so LPUSH keeps the list FIFO.
	if err := p.rdb.LPush(ctx, p.queueName, string(msgJSON)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published run event to queue",
		"message_id", msgID,
		"type", event.Type,
		"run_id", event.RunID,
		"key", event.Key,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
