package tsreplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3CheckpointerConfig configures an S3Checkpointer. Grounded on
// aminofox-zenlive's pkg/storage S3 backend: the same static-credentials-or-
// default-chain selection and path-style/custom-endpoint support for
// S3-compatible services (MinIO and similar).
type S3CheckpointerConfig struct {
	Bucket          string
	Key             string
	Region          string
	Endpoint        string // optional, for S3-compatible services
	AccessKeyID     string // optional, falls back to the default credential chain
	SecretAccessKey string
	MaxRetries      int
	RetryDelay      time.Duration
}

// S3Checkpointer stores the checkpoint as the decimal byte offset in the
// body of a single S3 object.
type S3Checkpointer struct {
	client *s3.Client
	cfg    S3CheckpointerConfig
}

func NewS3Checkpointer(ctx context.Context, cfg S3CheckpointerConfig) (*S3Checkpointer, error) {
	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("tsreplay: loading aws config: %w", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) { o.UsePathStyle = true },
	}
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(cfg.Endpoint) })
	}

	return &S3Checkpointer{client: s3.NewFromConfig(awsCfg, opts...), cfg: cfg}, nil
}

func (c *S3Checkpointer) Load(ctx context.Context) (int64, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.cfg.Key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return 0, nil
		}
		return 0, fmt.Errorf("tsreplay: fetching checkpoint object %s/%s: %w", c.cfg.Bucket, c.cfg.Key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, fmt.Errorf("tsreplay: reading checkpoint object body: %w", err)
	}
	skip, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		logger.Warnf("tsreplay: checkpoint object %s/%s has invalid content, starting from 0", c.cfg.Bucket, c.cfg.Key)
		return 0, nil
	}
	return skip, nil
}

func (c *S3Checkpointer) Save(ctx context.Context, skip int64) error {
	body := strconv.FormatInt(skip, 10)

	var lastErr error
	maxRetries := c.cfg.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warnf("tsreplay: retrying S3 checkpoint save, attempt %d", attempt)
			time.Sleep(c.cfg.RetryDelay)
		}
		_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.cfg.Bucket),
			Key:         aws.String(c.cfg.Key),
			Body:        bytes.NewReader([]byte(body)),
			ContentType: aws.String("text/plain"),
		})
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("tsreplay: saving checkpoint object %s/%s: %w", c.cfg.Bucket, c.cfg.Key, lastErr)
}
