// Package storage defines the blob store used when results are written as
// individual files. Implementations live in the local and gcs subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrEmptyPath is returned when an object path is blank.
var ErrEmptyPath = errors.New("path is required")

// BlobStore persists result files.
type BlobStore interface {
	// PutObject writes r under path and returns a URI for the object.
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	// Exists reports whether path has already been written.
	Exists(ctx context.Context, path string) (bool, error)
}
