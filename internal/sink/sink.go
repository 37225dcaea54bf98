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

// Package sink flushes identity-keyed records to output stores.
//
// The DynamoDB writer is the store of record. Kafka and Parquet writers are
// optional secondary outputs behind the same Sink interface, and Fanout
// chains them. Every writer partitions its input the same way: identities
// in sorted order, ChunkSize records per bulk call. Failed chunks are not
// retried here; rerunning the whole flush is safe because writes are keyed
// by identity.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/smsbackup/ingestion/internal/models"
)

// ChunkSize is the DynamoDB BatchWriteItem limit.
const ChunkSize = 25

// ErrUnprocessed is wrapped when a store accepts a bulk call but leaves
// items unwritten.
var ErrUnprocessed = errors.New("unprocessed items")

// Sink writes a run's accumulated records.
type Sink interface {
	Name() string
	Flush(ctx context.Context, records map[string]models.Record) (Outcome, error)
}

// Outcome summarises a flush.
type Outcome struct {
	Records int
	Chunks  int
}

// Entry is one record with its identity.
type Entry struct {
	ID     string
	Record models.Record
}

// BatchWriteError reports the first chunk a sink failed to write. Chunks
// before it are durable.
type BatchWriteError struct {
	Sink  string
	Chunk int
	Size  int
	Err   error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("%s: write chunk %d (%d records): %v", e.Sink, e.Chunk, e.Size, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// Chunks partitions records into slices of at most size entries, ordered by
// identity.
func Chunks(records map[string]models.Record, size int) [][]Entry {
	if size <= 0 {
		size = ChunkSize
	}
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	chunks := make([][]Entry, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunk := make([]Entry, 0, end-start)
		for _, id := range ids[start:end] {
			chunk = append(chunk, Entry{ID: id, Record: records[id]})
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// envelope is the JSON shape shared by the message and columnar sinks.
type envelope struct {
	ID         string            `json:"id"`
	RecordType models.RecordType `json:"record_type"`
	Record     models.Record     `json:"record"`
}

// EncodeJSON renders an entry as {"id", "record_type", "record"}.
func EncodeJSON(e Entry) ([]byte, error) {
	b, err := json.Marshal(envelope{ID: e.ID, RecordType: e.Record.Kind(), Record: e.Record})
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", e.ID, err)
	}
	return b, nil
}

// Fanout flushes to each sink in order and stops at the first failure. The
// outcome is that of the first sink.
type Fanout []Sink

// Name lists the member sinks.
func (f Fanout) Name() string {
	names := make([]string, len(f))
	for i, s := range f {
		names[i] = s.Name()
	}
	return "fanout(" + strings.Join(names, ",") + ")"
}

// Flush writes records to every sink.
func (f Fanout) Flush(ctx context.Context, records map[string]models.Record) (Outcome, error) {
	var first Outcome
	for i, s := range f {
		out, err := s.Flush(ctx, records)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = out
		}
	}
	return first, nil
}
