// Package archive keeps verified webhook payloads in S3 so failed events can
// be replayed by hand.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

const maxPayloadSize = 1 << 20

// ErrDisabled is returned by NewClient when the archive is switched off.
var ErrDisabled = errors.New("payload archive is disabled")

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client stores and fetches raw webhook payloads.
type Client struct {
	s3     objectAPI
	bucket string
}

// NewClient creates an S3-backed archive.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	log.Infof("[Archive] Archiving webhook payloads to bucket %s", cfg.BucketName)
	return &Client{s3: s3Client, bucket: cfg.BucketName}, nil
}

// Put stores a payload and returns its object key.
func (c *Client) Put(ctx context.Context, eventID, eventType string, payload []byte, receivedAt time.Time) (string, error) {
	key := ObjectKey(eventID, receivedAt)
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(payload))),
		Metadata: map[string]string{
			"event-type":    eventType,
			"upload-source": "billrecon-webhook",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload %s: %w", eventID, err)
	}
	return key, nil
}

// Get returns a previously archived payload.
func (c *Client) Get(ctx context.Context, eventID string, receivedAt time.Time) ([]byte, error) {
	key := ObjectKey(eventID, receivedAt)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch archived payload %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxPayloadSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read archived payload %s: %w", key, err)
	}
	return data, nil
}
