package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderwho/internal/queue/memory"
	"github.com/JakeFAU/spiderwho/internal/save"
	"github.com/JakeFAU/spiderwho/internal/whois"
)

// ErrNoEmail marks a record rejected by e-mail verification.
var ErrNoEmail = errors.New("whois record has no email address")

// errRetired marks a domain abandoned because its worker gave up on its proxy.
var errRetired = errors.New("proxy retired")

// Resolver looks up one domain.
type Resolver interface {
	Lookup(ctx context.Context, domain string) (whois.Record, error)
}

// Worker pairs a resolver with the proxy it dials through.
type Worker struct {
	Proxy    string
	Resolver Resolver
}

// Config tunes retry and retirement behavior.
type Config struct {
	MaxAttempts      int
	MaxProxyErrors   int
	Lazy             bool
	LazyRateLimits   int
	RateLimitBackoff time.Duration
	EmailVerify      bool
}

// Pool runs the lookup workers.
type Pool struct {
	cfg      Config
	workers  []Worker
	in       *memory.Queue[string]
	out      *memory.Queue[save.Result]
	counters *Counters
	logger   *zap.Logger
	started  atomic.Bool
}

// NewPool constructs a Pool reading domains from in and writing results to out.
func NewPool(cfg Config, workers []Worker, in *memory.Queue[string], out *memory.Queue[save.Result], logger *zap.Logger) *Pool {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		workers:  workers,
		in:       in,
		out:      out,
		counters: NewCounters(),
		logger:   logger,
	}
}

// Counters exposes the pool statistics.
func (p *Pool) Counters() *Counters { return p.counters }

// Started reports whether the workers have been launched.
func (p *Pool) Started() bool { return p.started.Load() }

// Run blocks until every worker has exited. Workers exit when the input is
// drained, when ctx ends, or when they retire their proxy.
func (p *Pool) Run(ctx context.Context) error {
	p.counters.total.Store(int64(len(p.workers)))
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			p.runWorker(ctx, w)
		}(p.workers[i])
	}
	p.started.Store(true)
	p.logger.Info("lookup workers started", zap.Int("workers", len(p.workers)))
	wg.Wait()
	return nil
}

type workerState struct {
	proxyErrors int
	rateLimits  int
}

func (p *Pool) runWorker(ctx context.Context, w Worker) {
	logger := p.logger.With(zap.String("proxy", w.Proxy))
	var st workerState
	for {
		domain, err := p.in.Dequeue(ctx)
		if err != nil {
			logger.Debug("worker finished", zap.Error(err))
			return
		}
		res, retire := p.resolve(ctx, w, &st, domain)
		if ctx.Err() != nil {
			return
		}
		if err := p.out.Enqueue(ctx, res); err != nil {
			logger.Warn("result dropped", zap.String("domain", domain), zap.Error(err))
			return
		}
		if retire {
			p.counters.total.Add(-1)
			logger.Warn("proxy retired",
				zap.Int("proxy_errors", st.proxyErrors),
				zap.Int("rate_limits", st.rateLimits),
			)
			return
		}
	}
}

// resolve attempts domain up to MaxAttempts times. The second return value
// reports whether the worker should retire its proxy.
func (p *Pool) resolve(ctx context.Context, w Worker, st *workerState, domain string) (save.Result, bool) {
	res := save.Result{Domain: domain, Proxy: w.Proxy}
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		p.counters.active.Add(1)
		rec, err := w.Resolver.Lookup(ctx, domain)
		p.counters.active.Add(-1)
		p.counters.lookups.Add(1)

		res.Thin, res.Thick, res.Server = rec.Thin, rec.Thick, rec.Server
		if err == nil && p.cfg.EmailVerify && !whois.HasEmail(rec.Thin+"\n"+rec.Thick) {
			err = ErrNoEmail
		}
		if err == nil {
			st.proxyErrors = 0
			res.Err = nil
			return res, false
		}
		res.Err = fmt.Errorf("attempt %d: %w", attempt, err)
		if ctx.Err() != nil {
			return res, false
		}
		p.counters.Record(Classify(err))

		switch {
		case errors.Is(err, whois.ErrNoMatch):
			return res, false
		case errors.Is(err, whois.ErrRateLimited):
			st.proxyErrors = 0
			st.rateLimits++
			if p.cfg.Lazy && st.rateLimits >= p.cfg.LazyRateLimits {
				res.Err = fmt.Errorf("%w: %w", errRetired, res.Err)
				return res, true
			}
			if !sleep(ctx, p.cfg.RateLimitBackoff) {
				return res, false
			}
		case errors.Is(err, ErrNoEmail):
		default:
			st.proxyErrors++
			if p.cfg.MaxProxyErrors > 0 && st.proxyErrors >= p.cfg.MaxProxyErrors {
				res.Err = fmt.Errorf("%w: %w", errRetired, res.Err)
				return res, true
			}
		}
	}
	return res, false
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
