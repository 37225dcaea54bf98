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

// Package attachment stores MMS part payloads by content.
//
// A payload's key is its SHA-256 digest under a fixed prefix, so storing
// the same bytes twice converges on one object. The existence probe only
// saves bandwidth: a failed probe falls through to an upload, and that
// upload rewrites identical content under the same key.
package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/smsbackup/ingestion/internal/identity"
)

// DefaultPrefix is the key prefix for stored payloads.
const DefaultPrefix = "parts/"

// DefaultExcluded lists content types kept inline in the record: the SMIL
// layout manifest and plain text bodies.
var DefaultExcluded = []string{"application/smil", "text/plain"}

// ObjectStore is the subset of the object store client used here.
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
}

// DigestCache remembers digests already known to be stored.
type DigestCache interface {
	Known(ctx context.Context, digest string) (bool, error)
	Mark(ctx context.Context, digest string) error
}

// UploadError reports a payload that could not be stored.
type UploadError struct {
	Digest string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload attachment %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Config configures a Store.
type Config struct {
	Bucket   string
	Prefix   string   // defaults to DefaultPrefix
	Excluded []string // defaults to DefaultExcluded
}

// Store is the content-addressed attachment store.
type Store struct {
	objects  ObjectStore
	cache    DigestCache
	bucket   string
	prefix   string
	excluded map[string]bool
}

// New creates a Store. cache may be nil.
func New(objects ObjectStore, cache DigestCache, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Excluded == nil {
		cfg.Excluded = DefaultExcluded
	}
	excluded := make(map[string]bool, len(cfg.Excluded))
	for _, ct := range cfg.Excluded {
		excluded[normalizeType(ct)] = true
	}
	return &Store{
		objects:  objects,
		cache:    cache,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		excluded: excluded,
	}
}

// Key returns the object key for digest.
func (s *Store) Key(digest string) string {
	return s.prefix + digest
}

// Excluded reports whether contentType is kept inline and never uploaded.
// Parameters such as "; charset=utf-8" are ignored.
func (s *Store) Excluded(contentType string) bool {
	return s.excluded[normalizeType(contentType)]
}

// StoreIfAbsent stores payload unless an object with the same digest exists
// and returns the digest. Excluded types are not stored and return "".
func (s *Store) StoreIfAbsent(ctx context.Context, payload []byte, contentType string) (string, error) {
	if s.Excluded(contentType) {
		return "", nil
	}
	digest := identity.Digest(payload)
	key := s.Key(digest)

	if s.cache != nil {
		known, err := s.cache.Known(ctx, digest)
		if err != nil {
			slog.Warn("digest cache lookup failed, probing store", "digest", digest, "error", err)
		} else if known {
			return digest, nil
		}
	}

	exists, err := s.objects.Exists(ctx, s.bucket, key)
	if err != nil {
		slog.Warn("attachment probe failed, uploading anyway", "key", key, "error", err)
		exists = false
	}
	if !exists {
		err := s.objects.Put(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), contentType)
		if err != nil {
			return "", &UploadError{Digest: digest, Key: key, Err: err}
		}
		slog.Debug("attachment uploaded", "key", key, "bytes", len(payload), "content_type", contentType)
	}

	if s.cache != nil {
		if err := s.cache.Mark(ctx, digest); err != nil {
			slog.Warn("digest cache mark failed", "digest", digest, "error", err)
		}
	}
	return digest, nil
}

func normalizeType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}
