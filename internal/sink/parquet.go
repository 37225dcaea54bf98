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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/smsbackup/ingestion/internal/models"
	"github.com/smsbackup/ingestion/internal/objectstore"
)

// Row is the columnar export shape. The full record is kept as JSON in
// Payload; the remaining columns are for partition pruning and filters.
type Row struct {
	ID          string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordType  string `parquet:"name=record_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Timestamp   int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	DateSent    int64  `parquet:"name=date_sent, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Address     string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	ContactName string `parquet:"name=contact_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payload     string `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// FileUploader uploads a finished local file.
type FileUploader interface {
	UploadFile(ctx context.Context, bucket, key, path, contentType string) error
}

// ParquetConfig configures a ParquetWriter.
type ParquetConfig struct {
	Bucket      string
	BasePath    string // key prefix for exports, e.g. "exports/sms"
	Compression string // SNAPPY (default), GZIP or ZSTD
	TempDir     string // defaults to os.TempDir()
}

// ParquetWriter writes each flush as one Parquet file and uploads it under
// a date-partitioned key.
type ParquetWriter struct {
	up  FileUploader
	cfg ParquetConfig
	now func() time.Time
}

// NewParquetWriter creates a columnar export sink.
func NewParquetWriter(up FileUploader, cfg ParquetConfig) *ParquetWriter {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "exports"
	}
	return &ParquetWriter{up: up, cfg: cfg, now: time.Now}
}

// Name identifies the sink in logs and errors.
func (p *ParquetWriter) Name() string { return "parquet" }

// Flush writes all records, in identity order, to a temp file and uploads
// it. The temp file is removed either way.
func (p *ParquetWriter) Flush(ctx context.Context, records map[string]models.Record) (Outcome, error) {
	if len(records) == 0 {
		return Outcome{}, nil
	}

	ts := p.now().UTC()
	name := fmt.Sprintf("part-%s-%s.parquet", ts.Format("2006-01-02T15-04-05Z"), uuid.NewString())
	tmp := filepath.Join(p.cfg.TempDir, name)
	defer os.Remove(tmp)

	fail := func(err error) (Outcome, error) {
		return Outcome{}, &BatchWriteError{Sink: p.Name(), Chunk: 0, Size: len(records), Err: err}
	}

	pw, closeFn, err := newLocalParquetWriter(tmp, 4, p.cfg.Compression)
	if err != nil {
		return fail(err)
	}
	for _, chunk := range Chunks(records, ChunkSize) {
		for _, e := range chunk {
			row, err := toRow(e)
			if err != nil {
				_ = closeFn()
				return fail(err)
			}
			if err := pw.Write(row); err != nil {
				_ = closeFn()
				return fail(fmt.Errorf("write parquet row: %w", err))
			}
		}
	}
	if err := closeFn(); err != nil {
		return fail(fmt.Errorf("finish parquet file: %w", err))
	}

	key := objectstore.BuildObjectPath(p.cfg.BasePath, ts, name)
	if err := p.up.UploadFile(ctx, p.cfg.Bucket, key, tmp, "application/octet-stream"); err != nil {
		return fail(err)
	}
	return Outcome{Records: len(records), Chunks: 1}, nil
}

func toRow(e Entry) (Row, error) {
	payload, err := EncodeJSON(e)
	if err != nil {
		return Row{}, err
	}
	base := e.Record.Base()
	row := Row{
		ID:         e.ID,
		RecordType: string(e.Record.Kind()),
		Timestamp:  base.Timestamp.UnixMilli(),
		DateSent:   base.DateSent.UnixMilli(),
		Address:    strings.Join(base.Address, "~"),
		Payload:    string(payload),
	}
	if base.ContactName != nil {
		row.ContactName = *base.ContactName
	}
	return row, nil
}

// newLocalParquetWriter opens a typed Parquet writer over a local file. The
// returned close function finalises the footer and closes the file.
func newLocalParquetWriter(path string, parallel int64, compression string) (*writer.ParquetWriter, func() error, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(Row), parallel)
	if err != nil {
		_ = fw.Close()
		return nil, nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch strings.ToUpper(compression) {
	case "ZSTD":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	case "GZIP":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	closeFn := func() error {
		if err := pw.WriteStop(); err != nil {
			_ = fw.Close()
			return err
		}
		return fw.Close()
	}
	return pw, closeFn, nil
}
