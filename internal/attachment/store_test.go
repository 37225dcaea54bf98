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

package attachment

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/smsbackup/ingestion/internal/identity"
)

// --- Mock object store ---

type mockObjects struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	probes   int
	puts     int
	probeErr error
	putErr   error
}

func newMockObjects() *mockObjects {
	return &mockObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockObjects) Exists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	if m.probeErr != nil {
		return false, m.probeErr
	}
	_, ok := m.objects[bucket+"/"+key]
	return ok, nil
}

func (m *mockObjects) Put(_ context.Context, bucket, key string, r io.Reader, _ int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.objects[bucket+"/"+key] = b
	m.types[bucket+"/"+key] = contentType
	return nil
}

// --- Mock digest cache ---

type mockCache struct {
	mu    sync.Mutex
	known map[string]bool
	err   error
}

func (m *mockCache) Known(_ context.Context, digest string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return m.known[digest], nil
}

func (m *mockCache) Mark(_ context.Context, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.known[digest] = true
	return nil
}

// TestStoreIfAbsent_Idempotent verifies that storing the same bytes twice
// yields one object and the same reference.
func TestStoreIfAbsent_Idempotent(t *testing.T) {
	objects := newMockObjects()
	s := New(objects, nil, Config{Bucket: "media"})
	ctx := context.Background()
	payload := []byte{0xFF, 0xD8, 0xFF, 0xE0}

	first, err := s.StoreIfAbsent(ctx, payload, "image/jpeg")
	if err != nil {
		t.Fatalf("first StoreIfAbsent: %v", err)
	}
	second, err := s.StoreIfAbsent(ctx, payload, "image/jpeg")
	if err != nil {
		t.Fatalf("second StoreIfAbsent: %v", err)
	}

	if first != second {
		t.Errorf("references differ: %q vs %q", first, second)
	}
	if first != identity.Digest(payload) {
		t.Errorf("reference = %q, want the payload digest", first)
	}
	if len(objects.objects) != 1 || objects.puts != 1 {
		t.Errorf("objects = %d, puts = %d, want 1 and 1", len(objects.objects), objects.puts)
	}
	key := "media/parts/" + first
	if objects.types[key] != "image/jpeg" {
		t.Errorf("stored content type = %q, want image/jpeg", objects.types[key])
	}
}

// TestStoreIfAbsent_Excluded verifies that manifest and text parts are never
// uploaded.
func TestStoreIfAbsent_Excluded(t *testing.T) {
	objects := newMockObjects()
	s := New(objects, nil, Config{Bucket: "media"})
	for _, ct := range []string{"application/smil", "text/plain", "Text/Plain; charset=utf-8"} {
		ref, err := s.StoreIfAbsent(context.Background(), []byte("x"), ct)
		if err != nil || ref != "" {
			t.Errorf("StoreIfAbsent(%q) = (%q, %v), want empty ref", ct, ref, err)
		}
	}
	if objects.probes != 0 || objects.puts != 0 {
		t.Errorf("probes = %d, puts = %d, want none", objects.probes, objects.puts)
	}
}

// TestStoreIfAbsent_ProbeFailure verifies that a failed probe falls through
// to an upload.
func TestStoreIfAbsent_ProbeFailure(t *testing.T) {
	objects := newMockObjects()
	objects.probeErr = errors.New("timeout")
	s := New(objects, nil, Config{Bucket: "media"})

	ref, err := s.StoreIfAbsent(context.Background(), []byte("gif89a"), "image/gif")
	if err != nil {
		t.Fatalf("StoreIfAbsent: %v", err)
	}
	if ref == "" || objects.puts != 1 {
		t.Errorf("ref = %q, puts = %d, want a reference and one upload", ref, objects.puts)
	}
}

// TestStoreIfAbsent_UploadFailure verifies the typed upload error.
func TestStoreIfAbsent_UploadFailure(t *testing.T) {
	objects := newMockObjects()
	objects.putErr = errors.New("bucket full")
	s := New(objects, nil, Config{Bucket: "media", Prefix: "mms/"})

	ref, err := s.StoreIfAbsent(context.Background(), []byte("png"), "image/png")
	if ref != "" {
		t.Errorf("ref = %q, want empty", ref)
	}
	var uerr *UploadError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %v, want *UploadError", err)
	}
	if uerr.Key != "mms/"+identity.Digest([]byte("png")) {
		t.Errorf("Key = %q, want mms/<digest>", uerr.Key)
	}
	if !errors.Is(err, objects.putErr) {
		t.Error("UploadError does not unwrap to the cause")
	}
}

// TestStoreIfAbsent_Cache verifies that a cached digest skips the probe and
// that cache failures fall back to probing.
func TestStoreIfAbsent_Cache(t *testing.T) {
	ctx := context.Background()
	objects := newMockObjects()
	cache := &mockCache{known: make(map[string]bool)}
	s := New(objects, cache, Config{Bucket: "media"})

	if _, err := s.StoreIfAbsent(ctx, []byte("a"), "image/png"); err != nil {
		t.Fatalf("StoreIfAbsent: %v", err)
	}
	if !cache.known[identity.Digest([]byte("a"))] {
		t.Fatal("digest not marked after upload")
	}
	if _, err := s.StoreIfAbsent(ctx, []byte("a"), "image/png"); err != nil {
		t.Fatalf("StoreIfAbsent: %v", err)
	}
	if objects.probes != 1 {
		t.Errorf("probes = %d, want 1 (second call served by cache)", objects.probes)
	}

	cache.err = errors.New("redis down")
	if _, err := s.StoreIfAbsent(ctx, []byte("a"), "image/png"); err != nil {
		t.Fatalf("StoreIfAbsent with cache down: %v", err)
	}
	if objects.probes != 2 || objects.puts != 1 {
		t.Errorf("probes = %d, puts = %d, want 2 and 1", objects.probes, objects.puts)
	}
}
