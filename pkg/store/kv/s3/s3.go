// Package s3 implements kv.Store on Amazon S3 or S3-compatible object storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/feedmail/pkg/store/kv"
)

// MaxListLimit is the largest page ListObjectsV2 returns.
const MaxListLimit = 1000

// S3Store implements kv.Store with one object per key.
//
// Key Design:
//   - Object key = KeyPrefix + kv key (e.g. "feedmail/feed:abc:config")
//   - Prefix listing maps directly onto ListObjectsV2 Prefix
//   - The list cursor is the S3 continuation token
//
// Versioning:
// The version of a value is its ETag. PutIfVersion uses conditional writes
// (If-Match, or If-None-Match: * to create) so the bucket itself rejects a
// write that lost a race.
//
// S3 Characteristics:
//   - DeleteObject on a missing key succeeds, matching the kv contract
//   - Listing is strongly consistent on AWS; other providers may lag, which
//     the purge loop tolerates
//
// Thread Safety:
// The S3 client is safe for concurrent use; the store holds no other state.
type S3Store struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// S3StoreConfig contains configuration for the S3 store.
type S3StoreConfig struct {
	// Client is the configured S3 client
	Client *s3.Client

	// Bucket is the S3 bucket name
	Bucket string

	// KeyPrefix is an optional prefix for all object keys
	// Example: "feedmail/" results in keys like "feedmail/feed:abc:config"
	KeyPrefix string
}

// NewS3Store creates a store and verifies bucket access.
//
// The bucket must already exist.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	// ========================================================================
	// Step 1: Validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Store{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *S3Store) objectKey(key string) string {
	return s.keyPrefix + key
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.GetVersioned(ctx, key)
	return value, err
}

func (s *S3Store) GetVersioned(ctx context.Context, key string) ([]byte, kv.Version, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, kv.NoVersion, translate("get", key, err)
	}
	defer result.Body.Close()

	value, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, kv.NoVersion, kv.NewStoreError("get", key, err)
	}

	return value, kv.Version(aws.ToString(result.ETag)), nil
}

func (s *S3Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	return translate("put", key, err)
}

func (s *S3Store) PutIfVersion(ctx context.Context, key string, value []byte, expected kv.Version) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	}
	if expected == kv.NoVersion {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(expected))
	}

	_, err := s.client.PutObject(ctx, input)
	return translate("cas", key, err)
}

// Delete removes the object. S3 reports success for missing objects.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	return translate("delete", key, err)
}

// List returns one ListObjectsV2 page under prefix.
//
// limit is capped at MaxListLimit, the largest page S3 serves.
func (s *S3Store) List(ctx context.Context, prefix, cursor string, limit int) (*kv.ListPage, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.objectKey(prefix)),
		MaxKeys: aws.Int32(int32(limit)),
	}
	if cursor != "" {
		input.ContinuationToken = aws.String(cursor)
	}

	result, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if cursor != "" && errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidArgument" {
			return nil, kv.ErrInvalidCursor
		}
		return nil, translate("list", prefix, err)
	}

	page := &kv.ListPage{Keys: make([]string, 0, len(result.Contents))}
	for _, obj := range result.Contents {
		page.Keys = append(page.Keys, strings.TrimPrefix(aws.ToString(obj.Key), s.keyPrefix))
	}

	if aws.ToBool(result.IsTruncated) && result.NextContinuationToken != nil {
		page.Cursor = aws.ToString(result.NextContinuationToken)
	} else {
		page.Complete = true
	}

	return page, nil
}

// Close is a no-op; the S3 client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

func translate(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return kv.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return kv.ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return kv.ErrVersionConflict
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return kv.NewStoreError(op, key, err)
}
