// Package s3 provides the S3 object store client and the alert
// archiver built on top of it. Alert batches are written as gzipped
// JSON objects with a manifest per batch, which keeps cold alert
// history queryable without ClickHouse.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection settings.
type Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	StorageClass    string `yaml:"storage_class"`

	// UsePathStyle is required for MinIO and most S3-compatible
	// stores reached through a custom endpoint.
	UsePathStyle bool `yaml:"use_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns default S3 settings.
func DefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		Bucket:         "threatlens-alerts",
		Prefix:         "alerts",
		StorageClass:   "STANDARD",
		MaxRetries:     3,
		RequestTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3: bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3: region is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("s3: max_retries must not be negative")
	}
	return nil
}

// GetStorageClass maps the configured storage class to the SDK type,
// defaulting to STANDARD for unknown values.
func (c *Config) GetStorageClass() types.StorageClass {
	switch c.StorageClass {
	case "STANDARD", "standard":
		return types.StorageClassStandard
	case "STANDARD_IA", "standard_ia":
		return types.StorageClassStandardIa
	case "INTELLIGENT_TIERING", "intelligent_tiering":
		return types.StorageClassIntelligentTiering
	case "GLACIER", "glacier":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE", "deep_archive":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// Client wraps the AWS S3 client with prefix handling and metrics.
type Client struct {
	s3      *s3.Client
	config  *Config
	logger  *slog.Logger
	metrics *clientMetrics
}

type clientMetrics struct {
	objectsUploaded   atomic.Int64
	bytesUploaded     atomic.Int64
	objectsDownloaded atomic.Int64
	bytesDownloaded   atomic.Int64
	errors            atomic.Int64
}

// NewClient creates an S3 client from the given configuration.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxRetries + 1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		s3:      client,
		config:  cfg,
		logger:  logger.With("component", "s3"),
		metrics: &clientMetrics{},
	}, nil
}

// fullKey prepends the configured prefix to an object key.
func (c *Client) fullKey(key string) string {
	if c.config.Prefix == "" {
		return key
	}
	return c.config.Prefix + "/" + key
}

// Prefix returns the configured key prefix.
func (c *Client) Prefix() string {
	return c.config.Prefix
}

// UploadInput contains parameters for uploading an object.
type UploadInput struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// UploadOutput contains the result of an upload.
type UploadOutput struct {
	Key  string
	ETag string
}

// Upload writes an object under the configured prefix.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	key := c.fullKey(input.Key)

	putInput := &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(key),
		Body:         input.Body,
		StorageClass: c.config.GetStorageClass(),
	}
	if input.ContentType != "" {
		putInput.ContentType = aws.String(input.ContentType)
	}
	if len(input.Metadata) > 0 {
		putInput.Metadata = input.Metadata
	}

	out, err := c.s3.PutObject(ctx, putInput)
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload %s: %w", key, err)
	}

	c.metrics.objectsUploaded.Add(1)
	c.metrics.bytesUploaded.Add(input.Size)

	return &UploadOutput{
		Key:  key,
		ETag: aws.ToString(out.ETag),
	}, nil
}

// DownloadOutput contains the result of a download. Callers must
// close Body.
type DownloadOutput struct {
	Key  string
	Body io.ReadCloser
	Size int64
}

// Download fetches an object from under the configured prefix.
func (c *Client) Download(ctx context.Context, key string) (*DownloadOutput, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	fullKey := c.fullKey(key)

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download %s: %w", fullKey, err)
	}

	size := aws.ToInt64(out.ContentLength)
	c.metrics.objectsDownloaded.Add(1)
	c.metrics.bytesDownloaded.Add(size)

	return &DownloadOutput{
		Key:  fullKey,
		Body: out.Body,
		Size: size,
	}, nil
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// List returns objects under prefix (relative to the configured
// prefix). maxKeys of 0 means no limit.
func (c *Client) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	fullPrefix := c.fullKey(prefix)

	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(fullPrefix),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.metrics.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list %s: %w", fullPrefix, err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
			})
			if maxKeys > 0 && len(objects) >= maxKeys {
				return objects, nil
			}
		}
	}

	return objects, nil
}

// Exists reports whether an object exists.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		c.metrics.errors.Add(1)
		return false, fmt.Errorf("s3: failed to check %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	fullKey := c.fullKey(key)
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to delete %s: %w", fullKey, err)
	}
	return nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// HealthStatus represents the health of the S3 connection.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Error   string
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	status := HealthStatus{
		Healthy: err == nil,
		Latency: time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// ClientMetrics contains client counters.
type ClientMetrics struct {
	ObjectsUploaded   int64
	BytesUploaded     int64
	ObjectsDownloaded int64
	BytesDownloaded   int64
	Errors            int64
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() ClientMetrics {
	return ClientMetrics{
		ObjectsUploaded:   c.metrics.objectsUploaded.Load(),
		BytesUploaded:     c.metrics.bytesUploaded.Load(),
		ObjectsDownloaded: c.metrics.objectsDownloaded.Load(),
		BytesDownloaded:   c.metrics.bytesDownloaded.Load(),
		Errors:            c.metrics.errors.Load(),
	}
}
