package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MediaConfig configures S3-compatible blob storage for media payloads.
type MediaConfig struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer using IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) instead
	// of setting these directly. DO NOT commit credentials to source control.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing

	// Retry configuration
	MaxRetries int // Max retry attempts for blob operations (default: 3)
}

// BlobStore stores opaque binary objects under string keys. MediaStore
// implements it over S3; tests substitute an in-memory fake.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// MediaStore implements BlobStore using S3 or S3-compatible storage.
type MediaStore struct {
	client  *s3.Client
	config  MediaConfig
	retryer *Retryer
}

// NewMediaStore creates a blob store backed by cfg.Bucket.
func NewMediaStore(ctx context.Context, cfg MediaConfig) (*MediaStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &MediaStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}),
	}, nil
}

// Put uploads data under key, overwriting any previous object.
func (m *MediaStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := m.config.Prefix + key

	result := m.retryer.Do(ctx, func() error {
		input := &s3.PutObjectInput{
			Bucket: aws.String(m.config.Bucket),
			Key:    aws.String(fullKey),
			Body:   bytes.NewReader(data),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		if _, err := m.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("put object failed: %w", err)
		}
		return nil
	})

	return result.LastErr
}

// Get downloads the object stored under key. Returns ErrNotFound when no
// such object exists.
func (m *MediaStore) Get(ctx context.Context, key string) ([]byte, error) {
	fullKey := m.config.Prefix + key

	val, result := m.retryer.DoWithResult(ctx, func() (any, error) {
		resp, err := m.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.config.Bucket),
			Key:    aws.String(fullKey),
		})
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		d, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read object body failed: %w", err)
		}
		return d, nil
	})

	if result.LastErr != nil {
		if isNoSuchKey(result.LastErr) {
			return nil, fmt.Errorf("media object %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get object failed: %w", result.LastErr)
	}
	return val.([]byte), nil
}

// Delete removes the object stored under key. Deleting a missing object
// is not an error.
func (m *MediaStore) Delete(ctx context.Context, key string) error {
	fullKey := m.config.Prefix + key

	result := m.retryer.Do(ctx, func() error {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.config.Bucket),
			Key:    aws.String(fullKey),
		}); err != nil {
			return fmt.Errorf("delete object failed: %w", err)
		}
		return nil
	})

	return result.LastErr
}

// List returns the keys stored under prefix, relative to the configured
// key prefix.
func (m *MediaStore) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := m.config.Prefix + prefix

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(*obj.Key, m.config.Prefix))
		}
	}

	return keys, nil
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}

// MediaPayload is the JSON payload shape of upload-media actions. Data
// carries the raw bytes while the action sits in the queue; after upload
// the executor strips Data and fills ObjectKey so the remote system
// receives a reference instead of megabytes of inline base64.
type MediaPayload struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`

	// Data holds the raw bytes until upload. Empty after the blob has
	// been stored.
	Data []byte `json:"data,omitempty"`

	// ObjectKey is the blob-store key the bytes were uploaded under.
	ObjectKey string `json:"object_key,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// MediaExecutor uploads media payload bytes to a blob store and then
// delivers a slimmed action through the wrapped executor. Uploads are
// keyed by owner and action ID, so re-running after a transient failure
// overwrites the same object rather than duplicating it.
type MediaExecutor struct {
	blobs BlobStore
	base  RemoteExecutor
}

// NewMediaExecutor wraps base with blob-store upload handling.
func NewMediaExecutor(blobs BlobStore, base RemoteExecutor) *MediaExecutor {
	return &MediaExecutor{blobs: blobs, base: base}
}

// Execute implements RemoteExecutor.
func (e *MediaExecutor) Execute(ctx context.Context, action *QueuedAction) (*Ack, error) {
	var p MediaPayload
	if err := json.Unmarshal(action.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	if len(p.Data) == 0 {
		// Nothing to upload; the payload already carries a reference.
		return e.base.Execute(ctx, action)
	}

	name := path.Base(p.Filename)
	if name == "." || name == "/" || name == "" {
		name = "blob"
	}
	key := path.Join(action.OwnerID, action.ID, name)

	if err := e.blobs.Put(ctx, key, p.Data, p.ContentType); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsTransient(err) {
			return nil, err
		}
		return nil, &TransientError{Message: "media upload failed", Cause: err}
	}

	p.ObjectKey = key
	p.SizeBytes = int64(len(p.Data))
	p.Data = nil
	rewritten, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode media payload: %w", err)
	}

	slim := *action
	slim.Payload = rewritten
	slim.Checksum = PayloadChecksum(rewritten)
	return e.base.Execute(ctx, &slim)
}
