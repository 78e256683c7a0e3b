package save

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Sink receives result entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// ArchiveSink writes entries into a gzip-compressed tar file.
type ArchiveSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	gz   *gzip.Writer
	tw   *tar.Writer
	now  func() time.Time
}

// ArchiveName returns the archive file name for a run.
func ArchiveName(runID string) string {
	return "spiderwho-" + runID + ".tar.gz"
}

// NewArchiveSink creates dir when needed and opens the archive for runID.
func NewArchiveSink(dir, runID string) (*ArchiveSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	p := filepath.Join(dir, ArchiveName(runID))
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- path built from output dir.
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(f)
	return &ArchiveSink{
		path: p,
		file: f,
		gz:   gz,
		tw:   tar.NewWriter(gz),
		now:  time.Now,
	}, nil
}

// Path returns the archive location.
func (a *ArchiveSink) Path() string { return a.path }

// Write appends one entry to the archive.
func (a *ArchiveSink) Write(_ context.Context, e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tw == nil {
		return ErrClosed
	}
	hdr := &tar.Header{
		Name:    e.Name,
		Mode:    0o644,
		Size:    int64(len(e.Body)),
		ModTime: a.now(),
		Format:  tar.FormatPAX,
	}
	if err := a.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", e.Name, err)
	}
	if _, err := a.tw.Write(e.Body); err != nil {
		return fmt.Errorf("write tar entry %s: %w", e.Name, err)
	}
	return nil
}

// Close flushes and closes the archive. Later calls return nil.
func (a *ArchiveSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tw == nil {
		return nil
	}
	err := multierr.Combine(a.tw.Close(), a.gz.Close(), a.file.Close())
	a.tw, a.gz, a.file = nil, nil, nil
	if err != nil {
		return fmt.Errorf("close archive %s: %w", a.path, err)
	}
	return nil
}
