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

package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// testStore connects to DATABASE_URL, skipping the test when it is unset.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := NewStore(ctx, pool)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// TestStore_RunLifecycle verifies start, checkpoint, fail and resume, then
// completion clearing the resume point.
func TestStore_RunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := "test/" + time.Now().Format(time.RFC3339Nano) + ".xml"
	run1, run2 := key+"#1", key+"#2"
	t.Cleanup(func() {
		s.pool.Exec(ctx, `DELETE FROM ingest_runs WHERE object_key = $1`, key)
	})

	if err := s.Start(ctx, run1, "backups", key); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Checkpoint(ctx, run1, 500); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := s.Fail(ctx, run1, errors.New("dynamodb throttled")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	resume, err := s.ResumePoint(ctx, "backups", key)
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if resume != 500 {
		t.Errorf("ResumePoint = %d, want 500", resume)
	}

	if err := s.Start(ctx, run2, "backups", key); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Complete(ctx, run2, Counts{Records: 1200, Skipped: 3}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	latest, err := s.Latest(ctx, "backups", key)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest == nil || latest.ID != run2 || latest.Status != StatusComplete || latest.Records != 1200 {
		t.Errorf("Latest = %+v, want completed run-2 with 1200 records", latest)
	}
	if latest != nil && latest.FinishedAt == nil {
		t.Error("FinishedAt not set on completion")
	}
	if resume, _ := s.ResumePoint(ctx, "backups", key); resume != 0 {
		t.Errorf("ResumePoint after completion = %d, want 0", resume)
	}
}

// TestStore_LatestMissing verifies that an unknown object has no runs.
func TestStore_LatestMissing(t *testing.T) {
	s := testStore(t)
	r, err := s.Latest(context.Background(), "backups", "never-uploaded.xml")
	if err != nil || r != nil {
		t.Errorf("Latest = (%+v, %v), want (nil, nil)", r, err)
	}
}
