package resultstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSStore externalizes results to Google Cloud Storage, exercising the
// same Store interface as S3Store so the chunk engine is indifferent to
// the backend.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig configures GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed result store, authenticating via
// application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("resultstore: create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) objectPath(requestID string) string {
	return s.prefix + requestID + ".result"
}

func (s *GCSStore) Put(ctx context.Context, requestID string, data []byte, mimeType string) (string, error) {
	objectPath := s.objectPath(requestID)
	obj := s.client.Bucket(s.bucket).Object(objectPath)

	w := obj.NewWriter(ctx)
	w.ContentType = mimeType
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("resultstore: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("resultstore: gcs close: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, objectPath), nil
}

func (s *GCSStore) Fetch(ctx context.Context, location string) ([]byte, string, error) {
	bucket, objectPath, err := parseGCSLocation(location)
	if err != nil {
		return nil, "", err
	}

	obj := s.client.Bucket(bucket).Object(objectPath)
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("resultstore: gcs read %s: %w", location, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("resultstore: gcs readall %s: %w", location, err)
	}
	return data, r.Attrs.ContentType, nil
}

func parseGCSLocation(location string) (bucket, object string, err error) {
	const prefix = "gs://"
	if !strings.HasPrefix(location, prefix) {
		return "", "", fmt.Errorf("resultstore: not a gs location: %s", location)
	}
	rest := location[len(prefix):]
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("resultstore: malformed gs location: %s", location)
	}
	return parts[0], parts[1], nil
}
