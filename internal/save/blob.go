package save

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/JakeFAU/spiderwho/internal/storage"
)

const textContentType = "text/plain; charset=utf-8"

// BlobSink writes each entry as its own object in a BlobStore.
type BlobSink struct {
	store  storage.BlobStore
	closed atomic.Bool
}

// NewBlobSink wraps store.
func NewBlobSink(store storage.BlobStore) *BlobSink {
	return &BlobSink{store: store}
}

// Write stores e under its name.
func (b *BlobSink) Write(ctx context.Context, e Entry) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if _, err := b.store.PutObject(ctx, e.Name, textContentType, bytes.NewReader(e.Body)); err != nil {
		return fmt.Errorf("put %s: %w", e.Name, err)
	}
	return nil
}

// Close stops further writes.
func (b *BlobSink) Close() error {
	b.closed.Store(true)
	return nil
}

// DoneFunc returns a predicate reporting whether a domain already has a good
// result in store. Lookup errors are treated as not done.
func DoneFunc(ctx context.Context, store storage.BlobStore, layout Layout) func(string) bool {
	return func(domain string) bool {
		for _, p := range layout.DonePaths(domain) {
			ok, err := store.Exists(ctx, p)
			if err != nil || !ok {
				return false
			}
		}
		return true
	}
}
