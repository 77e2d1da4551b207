// Package blob provides S3-compatible storage for screenshot bytes.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/mailcanary/mailcanary/config"
	"github.com/mailcanary/mailcanary/internal/core"
)

// S3Client defines the subset of S3 operations used by Store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store implements core.BlobStore on top of Amazon S3 or an S3-compatible
// service such as MinIO. It is safe for concurrent use.
type Store struct {
	client    S3Client
	bucket    string
	keyPrefix string
	baseURL   string
}

// StoreOptions configures the blob store.
type StoreOptions struct {
	Config config.BlobConfig
	Client S3Client // Optional: pre-configured client, useful for testing with mocks
}

// NewStore constructs a Store, building an S3 client from the AWS default
// credential chain unless one is injected.
func NewStore(ctx context.Context, opts StoreOptions) (*Store, error) {
	cfg := opts.Config
	if cfg.Bucket == "" {
		return nil, errors.New("blob bucket is required")
	}

	client := opts.Client
	if client == nil {
		awsOptions := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			awsOptions = append(awsOptions,
				awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretAccessKey,
					"",
				)),
			)
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}

		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		baseURL:   resolveBaseURL(cfg),
	}, nil
}

// resolveBaseURL picks the public URL base screenshots are served from.
func resolveBaseURL(cfg config.BlobConfig) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	if cfg.Endpoint != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(cfg.Endpoint, "/"), cfg.Bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
}

// Put uploads one screenshot and returns its public URL.
func (s *Store) Put(ctx context.Context, params core.PutBlobParams) (string, error) {
	if params.Key == "" {
		return "", errors.New("blob key is required")
	}
	if len(params.Data) == 0 {
		return "", errors.New("blob data is empty")
	}

	key := s.objectKey(params.Key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(params.Data),
		ContentType: aws.String(params.ContentType),
	})
	if err != nil {
		return "", classifyPutError(err)
	}

	return s.baseURL + "/" + key, nil
}

// objectKey prepends the configured prefix to a screenshot key.
func (s *Store) objectKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + "/" + key
}

// classifyPutError keeps S3 error codes visible in upload failures.
func classifyPutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("upload screenshot: timed out: %w", err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("upload screenshot: canceled: %w", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("upload screenshot (code: %s): %w", apiErr.ErrorCode(), err)
	}

	return fmt.Errorf("upload screenshot: %w", err)
}

var _ core.BlobStore = (*Store)(nil)
