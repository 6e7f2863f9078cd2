// Package objstore writes heavy-job results to an S3-compatible bucket.
// Each result is a single JSON object named {requestId}.json; the object
// path is echoed in the completion event so downstream consumers can
// fetch the full output.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oriys/pulsar/internal/domain"
)

// Config holds object storage settings.
type Config struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`   // optional, for MinIO and friends
	AccessKey string `json:"access_key"` // optional static credentials
	SecretKey string `json:"secret_key"`
}

// DefaultConfig reads storage settings from the environment.
func DefaultConfig() Config {
	return Config{
		Bucket:    os.Getenv("RESULTS_BUCKET"),
		Region:    envOr("RESULTS_REGION", "us-east-1"),
		Endpoint:  os.Getenv("RESULTS_ENDPOINT"),
		AccessKey: os.Getenv("RESULTS_ACCESS_KEY"),
		SecretKey: os.Getenv("RESULTS_SECRET_KEY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Writer uploads execution results.
type Writer struct {
	client *s3.Client
	bucket string
}

// NewWriter builds an S3 client from the config. Static credentials are
// used when provided; otherwise the default AWS credential chain applies.
func NewWriter(ctx context.Context, cfg Config) (*Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("results bucket is required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Writer{client: client, bucket: cfg.Bucket}, nil
}

// ResultKey returns the object name for a request's result.
func ResultKey(requestID string) string {
	return requestID + ".json"
}

// PutResult uploads the outcome as {requestId}.json and returns the
// object's location.
func (w *Writer) PutResult(ctx context.Context, outcome domain.ExecutionOutcome) (string, error) {
	body, err := json.Marshal(outcome)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}

	key := ResultKey(outcome.RequestID)
	_, err = w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload result %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", w.bucket, key), nil
}
