package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"callpipe/internal/config"
)

// ObjectInfo is the metadata read back after an upload to confirm the write
// landed.
type ObjectInfo struct {
	ContentType string
	SizeBytes   int64
	ETag        string
}

// ErrObjectTooLarge marks an object whose size exceeds the in-memory
// download cap.
var ErrObjectTooLarge = errors.New("objectstore: object exceeds download limit")

// Client wraps the S3 API behind the handful of operations the pipeline needs.
type Client struct {
	s3            *s3.Client
	presign       *s3.PresignClient
	downloadLimit int64
}

// New builds an S3-backed client. A custom endpoint enables MinIO-style local
// development.
func New(ctx context.Context, cfg config.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &Client{
		s3:            client,
		presign:       s3.NewPresignClient(client),
		downloadLimit: cfg.DownloadLimit,
	}, nil
}

// UploadStream writes a stream to the bucket and returns the resulting etag.
func (c *Client) UploadStream(ctx context.Context, bucket, key string, body io.Reader, contentType string) (string, error) {
	out, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, key, err)
	}
	return aws.ToString(out.ETag), nil
}

// HeadObject reads back object metadata.
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{
		ContentType: aws.ToString(out.ContentType),
		SizeBytes:   aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
	}, nil
}

// DownloadToBuffer reads a whole object into memory, capped at the configured
// download limit. Callers only use this for transcript-sized objects; the cap
// keeps a mislabeled video from being buffered.
func (c *Client) DownloadToBuffer(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := readCapped(out.Body, c.downloadLimit)
	if err != nil {
		return nil, fmt.Errorf("read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// readCapped reads r fully, failing with ErrObjectTooLarge once more than
// limit bytes arrive. A non-positive limit disables the cap.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

// SignedDownloadURL returns a presigned GET URL.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// SignedUploadURL returns a presigned PUT URL bound to a content type.
func (c *Client) SignedUploadURL(ctx context.Context, bucket, key, contentType string, ttl time.Duration) (string, error) {
	req, err := c.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign put %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}
