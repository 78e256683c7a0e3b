// Package manager runs the producer, lookup pool and saver as one group.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spiderwho/internal/input"
	"github.com/JakeFAU/spiderwho/internal/lookup"
	"github.com/JakeFAU/spiderwho/internal/queue/memory"
	"github.com/JakeFAU/spiderwho/internal/save"
)

// Manager owns the worker pipeline of a run.
type Manager struct {
	producer *input.Producer
	pool     *lookup.Pool
	saver    *save.Saver
	domains  *memory.Queue[string]
	results  *memory.Queue[save.Result]
	logger   *zap.Logger

	started atomic.Bool
	alive   atomic.Bool
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// New wires the pipeline stages. domains feeds pool from producer and
// results feeds saver from pool.
func New(
	producer *input.Producer,
	pool *lookup.Pool,
	saver *save.Saver,
	domains *memory.Queue[string],
	results *memory.Queue[save.Result],
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		producer: producer,
		pool:     pool,
		saver:    saver,
		domains:  domains,
		results:  results,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches every stage and returns immediately. Later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.alive.Store(true)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.producer.Run(gctx); err != nil {
			return fmt.Errorf("producer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Once no worker is left nothing drains either queue.
		defer m.results.Close()
		defer m.domains.Close()
		if err := m.pool.Run(gctx); err != nil {
			return fmt.Errorf("lookup pool: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.saver.Run(gctx); err != nil {
			return fmt.Errorf("saver: %w", err)
		}
		return nil
	})

	go func() {
		err := g.Wait()
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.alive.Store(false)
		if err != nil {
			m.logger.Error("worker pipeline failed", zap.Error(err))
		} else {
			m.logger.Debug("worker pipeline finished")
		}
		close(m.done)
	}()
}

// Ready reports whether every stage has started.
func (m *Manager) Ready() bool {
	return m.producer.Started() && m.pool.Started() && m.saver.Started()
}

// Alive reports whether the pipeline is still running.
func (m *Manager) Alive() bool { return m.alive.Load() }

// Done is closed once every stage has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err returns the first stage error after Done is closed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Saver returns the result writer.
func (m *Manager) Saver() *save.Saver { return m.saver }

// Input returns the domain producer.
func (m *Manager) Input() *input.Producer { return m.producer }

// Lookups returns the pool counters.
func (m *Manager) Lookups() *lookup.Counters { return m.pool.Counters() }
