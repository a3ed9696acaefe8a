package resultstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store externalizes results to an S3 bucket, one object per
// requestId, with the mime type recorded as the object's content type so
// Fetch can recover it without a side-channel.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint, e.g. MinIO/LocalStack
	Prefix   string
}

// NewS3Store creates an S3-backed result store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("resultstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(requestID string) string {
	return s.prefix + requestID + ".result"
}

func (s *S3Store) Put(ctx context.Context, requestID string, data []byte, mimeType string) (string, error) {
	key := s.key(requestID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	})
	if err != nil {
		return "", fmt.Errorf("resultstore: s3 put: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Fetch(ctx context.Context, location string) ([]byte, string, error) {
	bucket, key, err := parseS3Location(location)
	if err != nil {
		return nil, "", err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, "", fmt.Errorf("resultstore: s3 get %s: %w", location, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("resultstore: s3 read %s: %w", location, err)
	}

	mime := ""
	if out.ContentType != nil {
		mime = *out.ContentType
	}
	return data, mime, nil
}

func parseS3Location(location string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(location, prefix) {
		return "", "", fmt.Errorf("resultstore: not an s3 location: %s", location)
	}
	rest := location[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("resultstore: malformed s3 location: %s", location)
	}
	return parts[0], parts[1], nil
}
