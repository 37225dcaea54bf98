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

package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/smsbackup/ingestion/internal/models"
)

// DefaultTopic receives record messages unless configured otherwise.
const DefaultTopic = "sms_meta"

// MessageWriter is the producer side of *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes one JSON message per record, keyed by identity so
// that every version of a record lands on the same partition.
type KafkaWriter struct {
	w MessageWriter
}

// NewKafkaWriter creates a producer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *KafkaWriter {
	if topic == "" {
		topic = DefaultTopic
	}
	return NewKafkaWriterFrom(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    ChunkSize,
		RequiredAcks: kafka.RequireAll,
	})
}

// NewKafkaWriterFrom wraps an existing producer.
func NewKafkaWriterFrom(w MessageWriter) *KafkaWriter {
	return &KafkaWriter{w: w}
}

// Name identifies the sink in logs and errors.
func (k *KafkaWriter) Name() string { return "kafka" }

// Flush sends each chunk in a single WriteMessages call.
func (k *KafkaWriter) Flush(ctx context.Context, records map[string]models.Record) (Outcome, error) {
	var out Outcome
	for i, chunk := range Chunks(records, ChunkSize) {
		msgs := make([]kafka.Message, 0, len(chunk))
		for _, e := range chunk {
			value, err := EncodeJSON(e)
			if err != nil {
				return out, &BatchWriteError{Sink: k.Name(), Chunk: i, Size: len(chunk), Err: err}
			}
			msgs = append(msgs, kafka.Message{
				Key:   []byte(e.ID),
				Value: value,
				Headers: []kafka.Header{
					{Key: "record_type", Value: []byte(e.Record.Kind())},
				},
			})
		}
		if err := k.w.WriteMessages(ctx, msgs...); err != nil {
			return out, &BatchWriteError{Sink: k.Name(), Chunk: i, Size: len(chunk), Err: fmt.Errorf("write messages: %w", err)}
		}
		out.Chunks++
		out.Records += len(chunk)
	}
	return out, nil
}

// Close flushes and closes the producer.
func (k *KafkaWriter) Close() error {
	return k.w.Close()
}
