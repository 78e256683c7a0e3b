// Package local implements a filesystem BlobStore.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/spiderwho/internal/storage"
)

// Config captures the parameters for the filesystem store.
type Config struct {
	// BaseDir is the root directory results are written under.
	BaseDir string `mapstructure:"base_dir"`
}

// Store writes result files below a base directory.
type Store struct {
	baseDir string
}

var _ storage.BlobStore = (*Store)(nil)

// New creates the base directory when needed and checks it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &Store{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// PutObject writes r to a file and returns a file:// URI.
func (s *Store) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return "file://" + full, nil
}

// Exists reports whether a file is present at path.
func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", storage.ErrEmptyPath
	}
	full := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}
