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

package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// newTestClient points a client at an httptest server speaking just enough
// S3 for metadata probes.
func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "test",
		SecretKey: "testsecret",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// TestExists_Present verifies that a successful HEAD reports the object.
func TestExists_Present(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/media/parts/abc" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusOK)
	})

	ok, err := c.Exists(context.Background(), "media", "parts/abc")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Error("Exists = false, want true")
	}
}

// TestExists_Missing verifies that a 404 is reported as absent, not as an
// error.
func TestExists_Missing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ok, err := c.Exists(context.Background(), "media", "parts/abc")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Error("Exists = true, want false")
	}
}

// TestExists_Forbidden verifies that other failures are returned.
func TestExists_Forbidden(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	if _, err := c.Exists(context.Background(), "media", "parts/abc"); err == nil {
		t.Error("Exists error = nil, want access failure")
	}
}

// TestIsNotFound verifies error code classification.
func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey"}, true},
		{"no such bucket", minio.ErrorResponse{Code: "NoSuchBucket"}, true},
		{"status only", minio.ErrorResponse{StatusCode: http.StatusNotFound}, true},
		{"access denied", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestBuildObjectPath verifies UTC date partitioning.
func TestBuildObjectPath(t *testing.T) {
	ts := time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("X", -5*3600))
	got := BuildObjectPath("exports/sms", ts, "run.parquet")
	want := "exports/sms/year=2024/month=03/day=10/run.parquet"
	if got != want {
		t.Errorf("BuildObjectPath = %q, want %q", got, want)
	}
}

// TestList verifies that listed objects carry key, size and modification
// time.
func TestList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/backups/" || r.URL.Query().Get("prefix") != "2024/" {
			t.Errorf("unexpected request %s %s?%s", r.Method, r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>backups</Name><Prefix>2024/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>
  <Contents><Key>2024/sms-1.xml</Key><LastModified>2024-05-06T07:08:09.000Z</LastModified><ETag>"a"</ETag><Size>120</Size><StorageClass>STANDARD</StorageClass></Contents>
  <Contents><Key>2024/calls-1.xml</Key><LastModified>2024-05-07T07:08:09.000Z</LastModified><ETag>"b"</ETag><Size>80</Size><StorageClass>STANDARD</StorageClass></Contents>
</ListBucketResult>`))
	})

	objs, err := c.List(context.Background(), "backups", "2024/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("List returned %d objects, want 2", len(objs))
	}
	if objs[0].Key != "2024/sms-1.xml" || objs[0].Size != 120 {
		t.Errorf("objs[0] = %+v", objs[0])
	}
	if want := time.Date(2024, 5, 7, 7, 8, 9, 0, time.UTC); !objs[1].LastModified.Equal(want) {
		t.Errorf("LastModified = %v, want %v", objs[1].LastModified, want)
	}
}

// TestParseArn verifies queue target parsing.
func TestParseArn(t *testing.T) {
	arn, err := parseArn("arn:minio:sqs::primary:webhook")
	if err != nil {
		t.Fatalf("parseArn: %v", err)
	}
	if arn.String() != "arn:minio:sqs::primary:webhook" {
		t.Errorf("String() = %q", arn.String())
	}
	for _, bad := range []string{"", "webhook", "arn:minio:sqs::primary:", "urn:minio:sqs::primary:webhook"} {
		if _, err := parseArn(bad); err == nil {
			t.Errorf("parseArn(%q) succeeded, want error", bad)
		}
	}
}
