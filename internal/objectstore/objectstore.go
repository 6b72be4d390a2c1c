// Package objectstore wraps the S3-compatible object store holding the
// durable copy of each uploaded file. The pipeline depends only on object
// existence; everything else about the store belongs to the upload-intake
// collaborator.
package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client checks object existence in one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
}

// New creates a Client for the given endpoint and bucket.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// Exists reports whether key is present in the bucket. Keys may carry a
// leading "bucket/" prefix (the intake service stores full s3 paths); it is
// stripped before the lookup.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	key = strings.TrimPrefix(key, c.bucket+"/")
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", key, err)
	}
	return true, nil
}
