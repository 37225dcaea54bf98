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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/smsbackup/ingestion/internal/models"
)

// BatchWriteAPI is the DynamoDB call used by DynamoWriter.
type BatchWriteAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// NewDynamoClient builds a client from the default credential chain.
// endpoint overrides the service URL, e.g. for DynamoDB Local.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// DynamoWriter puts records into a table keyed by (id, timestamp).
type DynamoWriter struct {
	api   BatchWriteAPI
	table string
}

// NewDynamoWriter creates a writer for table.
func NewDynamoWriter(api BatchWriteAPI, table string) *DynamoWriter {
	return &DynamoWriter{api: api, table: table}
}

// Name identifies the sink in logs and errors.
func (w *DynamoWriter) Name() string { return "dynamodb" }

// Flush issues one BatchWriteItem per chunk. The first failed chunk, or
// the first chunk with unprocessed items, ends the flush.
func (w *DynamoWriter) Flush(ctx context.Context, records map[string]models.Record) (Outcome, error) {
	var out Outcome
	for i, chunk := range Chunks(records, ChunkSize) {
		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, e := range chunk {
			item, err := Item(e)
			if err != nil {
				return out, &BatchWriteError{Sink: w.Name(), Chunk: i, Size: len(chunk), Err: err}
			}
			requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}

		resp, err := w.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{w.table: requests},
		})
		if err != nil {
			return out, &BatchWriteError{Sink: w.Name(), Chunk: i, Size: len(chunk), Err: err}
		}
		if n := len(resp.UnprocessedItems[w.table]); n > 0 {
			return out, &BatchWriteError{
				Sink: w.Name(), Chunk: i, Size: len(chunk),
				Err: fmt.Errorf("%w: %d of %d", ErrUnprocessed, n, len(chunk)),
			}
		}
		out.Chunks++
		out.Records += len(chunk)
	}
	return out, nil
}

// Item encodes an entry as a DynamoDB item: the record's attributes plus
// the id partition key. timestamp is stored as Unix seconds.
func Item(e Entry) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(e.Record)
	if err != nil {
		return nil, fmt.Errorf("marshal record %s: %w", e.ID, err)
	}
	item["id"] = &types.AttributeValueMemberS{Value: e.ID}
	return item, nil
}
