package config

import (
	"strings"
	"time"
)

// CaptureConfig contains capture backend configuration.
type CaptureConfig struct {
	// BaseURL is the base URL of the rendering service that produces screenshots.
	BaseURL string `env:"CAPTURE_BASE_URL" envDefault:"http://localhost:9222"`

	// RequestTimeout bounds a single HTTP round trip to the rendering service.
	// Per-client capture timeouts from the catalogue still apply on top.
	RequestTimeout time.Duration `env:"CAPTURE_REQUEST_TIMEOUT" envDefault:"90s"`

	// MaxConcurrent caps in-flight captures per job.
	MaxConcurrent int `env:"CAPTURE_MAX_CONCURRENT" envDefault:"4"`
}

// Sanitize applies guardrails to capture configuration values.
func (c *CaptureConfig) Sanitize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 90 * time.Second
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
}

// BlobConfig contains S3-compatible screenshot storage configuration.
type BlobConfig struct {
	// Bucket is the bucket screenshots are written to.
	Bucket string `env:"BUCKET" envDefault:"mailcanary-screenshots"`

	// Region is the bucket's region.
	Region string `env:"REGION" envDefault:"us-east-1"`

	// Endpoint overrides the S3 endpoint for MinIO or other compatible stores.
	// Leave empty for AWS.
	Endpoint string `env:"ENDPOINT" envDefault:""`

	// AccessKeyID and SecretAccessKey are static credentials. Leave empty to use
	// the SDK's default credential chain.
	AccessKeyID     string `env:"ACCESS_KEY_ID"     envDefault:""`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY" envDefault:""`

	// KeyPrefix is prepended to every screenshot key.
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"screenshots"`

	// PublicBaseURL builds the URLs returned to API clients. Defaults to the
	// bucket's virtual-hosted endpoint when empty.
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:""`

	// UsePathStyle forces path-style addressing, required by most S3-compatible stores.
	UsePathStyle bool `env:"USE_PATH_STYLE" envDefault:"false"`
}

// Sanitize applies guardrails to blob storage configuration values.
func (b *BlobConfig) Sanitize() {
	b.Bucket = strings.TrimSpace(b.Bucket)
	b.Endpoint = strings.TrimRight(strings.TrimSpace(b.Endpoint), "/")
	b.PublicBaseURL = strings.TrimRight(strings.TrimSpace(b.PublicBaseURL), "/")
	b.KeyPrefix = strings.Trim(strings.TrimSpace(b.KeyPrefix), "/")
}
