package save

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderwho/internal/queue/memory"
)

// ErrClosed is returned for results that arrive after CloseArchive.
var ErrClosed = errors.New("archive closed")

// Saver drains the save queue into a Sink.
type Saver struct {
	queue  *memory.Queue[Result]
	sink   Sink
	layout Layout
	logger *zap.Logger

	good    atomic.Int64
	fails   atomic.Int64
	saved   atomic.Int64
	dropped atomic.Int64
	started atomic.Bool

	// mu orders writes against CloseArchive.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewSaver constructs a Saver reading from queue.
func NewSaver(queue *memory.Queue[Result], sink Sink, layout Layout, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{queue: queue, sink: sink, layout: layout, logger: logger}
}

// Run saves results until the queue is closed and drained or ctx ends.
func (s *Saver) Run(ctx context.Context) error {
	s.started.Store(true)
	for {
		res, err := s.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue result: %w", err)
		}
		if err := s.Save(ctx, res); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Error("save result failed", zap.String("domain", res.Domain), zap.Error(err))
		}
	}
}

// Save writes one result and updates the counters.
func (s *Saver) Save(ctx context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped.Add(1)
		return ErrClosed
	}
	for _, e := range s.layout.Entries(res) {
		if err := s.sink.Write(ctx, e); err != nil {
			return fmt.Errorf("save %s: %w", res.Domain, err)
		}
	}
	if res.Good() {
		s.good.Add(1)
	} else {
		s.fails.Add(1)
	}
	s.saved.Add(1)
	return nil
}

// CloseArchive closes the sink. Only the first call does any work; every
// call returns the first call's error.
func (s *Saver) CloseArchive() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		s.closeErr = s.sink.Close()
		s.logger.Info("results closed",
			zap.Int64("saved", s.saved.Load()),
			zap.Int64("good", s.good.Load()),
			zap.Int64("fails", s.fails.Load()),
		)
	})
	return s.closeErr
}

// Started reports whether Run has begun.
func (s *Saver) Started() bool { return s.started.Load() }

// NumGood returns the number of good results written.
func (s *Saver) NumGood() int64 { return s.good.Load() }

// NumFails returns the number of failed results written.
func (s *Saver) NumFails() int64 { return s.fails.Load() }

// NumSaved returns the number of results written.
func (s *Saver) NumSaved() int64 { return s.saved.Load() }

// Dropped returns the number of results refused after close.
func (s *Saver) Dropped() int64 { return s.dropped.Load() }

// QueueDepth returns the number of results waiting to be written.
func (s *Saver) QueueDepth() int { return s.queue.Len() }
