// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/spiderwho/internal/storage"
)

// Config captures the target bucket and an optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes result files to a GCS bucket.
type Store struct {
	client *gstorage.Client
	bucket string
	prefix string
}

var _ storage.BlobStore = (*Store)(nil)

// New creates a GCS-backed store.
func New(client *gstorage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutObject uploads r and returns a gs:// URI.
func (s *Store) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	name, err := s.objectName(path)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Exists reports whether the object is already in the bucket.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	name, err := s.objectName(path)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gstorage.ErrObjectNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("object attrs %s: %w", name, err)
	}
}

func (s *Store) objectName(path string) (string, error) {
	path = strings.Trim(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", storage.ErrEmptyPath
	}
	if s.prefix == "" {
		return path, nil
	}
	return s.prefix + "/" + path, nil
}
