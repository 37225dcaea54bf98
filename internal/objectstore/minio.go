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

// Package objectstore wraps an S3-compatible object store (MinIO or AWS S3).
//
// It serves three roles in the pipeline: streaming the backup document,
// probing and writing content-addressed attachments, and tagging the source
// object with its processing status.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/minio/minio-go/v7/pkg/tags"
)

// Config holds connection settings.
type Config struct {
	Endpoint  string // host:port, no scheme
	AccessKey string
	SecretKey string
	UseTLS    bool

	// Region skips the bucket-location lookup when set.
	Region string
}

// Client is an object store client not bound to a single bucket.
type Client struct {
	mc *minio.Client
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Client{mc: mc}, nil
}

// EnsureBucket creates bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Ping checks that the endpoint answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.mc.ListBuckets(ctx); err != nil {
		return fmt.Errorf("list buckets: %w", err)
	}
	return nil
}

// Open returns a reader over the object and its size.
func (c *Client) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	// GetObject is lazy; Stat surfaces missing objects and access errors.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
	}
	return obj, info.Size, nil
}

// Exists probes the object's metadata. A missing object is not an error.
func (c *Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s/%s: %w", bucket, key, err)
}

// Put uploads r under key.
func (c *Client) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// UploadFile uploads a local file under key.
func (c *Client) UploadFile(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := c.mc.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", path, bucket, key, err)
	}
	return nil
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// List returns every object under prefix.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// Tags returns the object's tag set.
func (c *Client) Tags(ctx context.Context, bucket, key string) (map[string]string, error) {
	t, err := c.mc.GetObjectTagging(ctx, bucket, key, minio.GetObjectTaggingOptions{})
	if err != nil {
		return nil, fmt.Errorf("get tags %s/%s: %w", bucket, key, err)
	}
	return t.ToMap(), nil
}

// SetTags merges set into the object's existing tags. S3 replaces tag sets
// wholesale, so unrelated tags are read first and written back.
func (c *Client) SetTags(ctx context.Context, bucket, key string, set map[string]string) error {
	merged, err := c.Tags(ctx, bucket, key)
	if err != nil {
		return err
	}
	for k, v := range set {
		merged[k] = v
	}
	t, err := tags.NewTags(merged, true)
	if err != nil {
		return fmt.Errorf("build tags for %s/%s: %w", bucket, key, err)
	}
	if err := c.mc.PutObjectTagging(ctx, bucket, key, t, minio.PutObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("put tags %s/%s: %w", bucket, key, err)
	}
	return nil
}

// EnsureNotification makes bucket send ObjectCreated events for keys ending
// in suffix to the queue target arn (e.g. "arn:minio:sqs::primary:webhook").
// It reports whether the configuration had to be written.
func (c *Client) EnsureNotification(ctx context.Context, bucket, arn, suffix string) (bool, error) {
	target, err := parseArn(arn)
	if err != nil {
		return false, err
	}

	current, err := c.mc.GetBucketNotification(ctx, bucket)
	if err != nil {
		return false, fmt.Errorf("get notification config for %s: %w", bucket, err)
	}
	for _, q := range current.QueueConfigs {
		if q.Queue == target.String() || q.Arn.String() == target.String() {
			return false, nil
		}
	}

	qc := notification.NewConfig(target)
	qc.AddEvents(notification.ObjectCreatedAll)
	if suffix != "" {
		qc.AddFilterSuffix(suffix)
	}
	if !current.AddQueue(qc) {
		return false, fmt.Errorf("notification config for %s overlaps an existing rule", bucket)
	}
	if err := c.mc.SetBucketNotification(ctx, bucket, current); err != nil {
		return false, fmt.Errorf("set notification config for %s: %w", bucket, err)
	}
	return true, nil
}

func parseArn(s string) (notification.Arn, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[5] == "" {
		return notification.Arn{}, fmt.Errorf("invalid notification arn %q", s)
	}
	return notification.NewArn(parts[1], parts[2], parts[3], parts[4], parts[5]), nil
}

// IsNotFound reports whether err is a missing-object or missing-bucket
// response.
func IsNotFound(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		resp = minio.ToErrorResponse(err)
	}
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// BuildObjectPath lays exports out in date partitions under basePath.
func BuildObjectPath(basePath string, t time.Time, file string) string {
	t = t.UTC()
	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/%s",
		basePath, t.Year(), t.Month(), t.Day(), file)
}
