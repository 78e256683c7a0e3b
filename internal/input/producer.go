// Package input streams the domain list into the lookup queue.
package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderwho/internal/queue/memory"
)

// Config controls a Producer.
type Config struct {
	// Path is the domain list, one domain per line.
	Path string
	// SkipCount drops this many entries from the head of the list.
	SkipCount int64
	// Done, when set, reports domains that already have results.
	Done func(domain string) bool
}

// Producer reads domains and enqueues them for lookup.
type Producer struct {
	cfg    Config
	queue  *memory.Queue[string]
	logger *zap.Logger

	size     atomic.Int64
	consumed atomic.Int64
	alive    atomic.Bool
	started  atomic.Bool
	enqueued atomic.Int64
	skipped  atomic.Int64
}

// NewProducer constructs a Producer feeding queue.
func NewProducer(cfg Config, queue *memory.Queue[string], logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{cfg: cfg, queue: queue, logger: logger}
}

// Run reads the whole list, closing the queue when it returns.
func (p *Producer) Run(ctx context.Context) error {
	defer p.queue.Close()

	f, err := os.Open(p.cfg.Path) // #nosec G304 -- operator-supplied domain list.
	if err != nil {
		p.started.Store(true)
		return fmt.Errorf("open domain list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	if info, err := f.Stat(); err == nil {
		p.size.Store(info.Size())
	}
	p.alive.Store(true)
	p.started.Store(true)
	defer p.alive.Store(false)

	err = p.feed(ctx, f)
	p.logger.Info("domain list consumed",
		zap.Int64("enqueued", p.enqueued.Load()),
		zap.Int64("skipped", p.skipped.Load()),
	)
	return err
}

func (p *Producer) feed(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReader(r)
	var entries int64
	for {
		line, err := reader.ReadString('\n')
		p.consumed.Add(int64(len(line)))
		if domain := normalize(line); domain != "" {
			entries++
			if entries <= p.cfg.SkipCount {
				p.skipped.Add(1)
			} else if p.cfg.Done != nil && p.cfg.Done(domain) {
				p.skipped.Add(1)
				p.logger.Debug("skipping finished domain", zap.String("domain", domain))
			} else if qerr := p.queue.Enqueue(ctx, domain); qerr != nil {
				if errors.Is(qerr, memory.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("enqueue %s: %w", domain, qerr)
			} else {
				p.enqueued.Add(1)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read domain list: %w", err)
		}
	}
}

func normalize(line string) string {
	line = strings.ToLower(strings.TrimSpace(line))
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return strings.TrimSuffix(line, ".")
}

// Started reports whether Run has opened the list.
func (p *Producer) Started() bool { return p.started.Load() }

// ProducerAlive reports whether the read loop is still running.
func (p *Producer) ProducerAlive() bool { return p.alive.Load() }

// QueueDepth returns the number of domains waiting for a worker.
func (p *Producer) QueueDepth() int { return p.queue.Len() }

// Progress returns the fraction of the list consumed, in [0,1].
func (p *Producer) Progress() float64 {
	size := p.size.Load()
	if size <= 0 {
		if p.started.Load() && !p.alive.Load() {
			return 1
		}
		return 0
	}
	frac := float64(p.consumed.Load()) / float64(size)
	if frac > 1 {
		return 1
	}
	return frac
}

// Enqueued returns the number of domains handed to the queue.
func (p *Producer) Enqueued() int64 { return p.enqueued.Load() }
