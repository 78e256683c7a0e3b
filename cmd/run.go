package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderwho/internal/clock/system"
	"github.com/JakeFAU/spiderwho/internal/config"
	"github.com/JakeFAU/spiderwho/internal/id/uuid"
	"github.com/JakeFAU/spiderwho/internal/input"
	"github.com/JakeFAU/spiderwho/internal/logging"
	"github.com/JakeFAU/spiderwho/internal/lookup"
	"github.com/JakeFAU/spiderwho/internal/manager"
	"github.com/JakeFAU/spiderwho/internal/metrics"
	"github.com/JakeFAU/spiderwho/internal/monitor"
	"github.com/JakeFAU/spiderwho/internal/policy/ratelimit"
	"github.com/JakeFAU/spiderwho/internal/proxy"
	"github.com/JakeFAU/spiderwho/internal/queue/memory"
	"github.com/JakeFAU/spiderwho/internal/save"
	"github.com/JakeFAU/spiderwho/internal/server"
	"github.com/JakeFAU/spiderwho/internal/storage"
	"github.com/JakeFAU/spiderwho/internal/storage/gcs"
	"github.com/JakeFAU/spiderwho/internal/storage/local"
	"github.com/JakeFAU/spiderwho/internal/termsize"
	"github.com/JakeFAU/spiderwho/internal/whois"
)

const pipelineDrainTimeout = 5 * time.Second

// monitorManager narrows the manager's concrete accessors to the interfaces
// the coordinator reads.
type monitorManager struct{ *manager.Manager }

func (m monitorManager) Saver() monitor.SaveSubsystem  { return m.Manager.Saver() }
func (m monitorManager) Input() monitor.InputSubsystem { return m.Manager.Input() }

func run(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	logger, err := logging.New(cfg.Logging.Development, logging.Level(cfg.Logging.Development))
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	defer func() { _ = logger.Sync() }()

	basis, err := monitor.ParseBasis(cfg.Status.Basis)
	if err != nil {
		return usageErr(err)
	}
	runID := uuid.NewGenerator().MustRunID()
	logger = logger.With(zap.String("run_id", runID))

	proxies, err := proxy.Load(cfg.Proxies.Path, cfg.Proxies.Max)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	logger.Info("proxies loaded", zap.Int("count", len(proxies)))

	layout := save.Layout{SplitThick: cfg.Output.SplitThick}
	sink, done, closeStore, err := openSink(ctx, cfg, runID, layout, logger)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	defer closeStore()

	workers := make([]lookup.Worker, 0, len(proxies))
	pacers := make([]*ratelimit.Limiter, 0, len(proxies))
	for _, addr := range proxies {
		dialer, err := proxy.Dialer(addr, cfg.Lookup.Timeout)
		if err != nil {
			logger.Warn("skipping proxy", zap.String("proxy", addr), zap.Error(err))
			continue
		}
		pacer := ratelimit.New(ratelimit.Config{
			RPS:   cfg.Lookup.ServerRPS,
			Burst: cfg.Lookup.ServerBurst,
		})
		pacers = append(pacers, pacer)
		workers = append(workers, lookup.Worker{
			Proxy:    addr,
			Resolver: whois.NewClient(dialer, cfg.Lookup.Timeout, whois.WithPacer(pacer)),
		})
	}

	domains := memory.NewQueue[string](cfg.Input.MaxQueue)
	results := memory.NewQueue[save.Result](cfg.Output.MaxQueue)
	producer := input.NewProducer(input.Config{
		Path:      cfg.Input.Domains,
		SkipCount: cfg.Input.SkipCount,
		Done:      done,
	}, domains, logger.Named("input"))
	pool := lookup.NewPool(lookup.Config{
		MaxAttempts:      cfg.Lookup.MaxAttempts,
		MaxProxyErrors:   cfg.Lookup.MaxProxyErrors,
		Lazy:             cfg.Lookup.Lazy,
		LazyRateLimits:   cfg.Lookup.LazyRateLimits,
		RateLimitBackoff: cfg.Lookup.RateLimitBackoff,
		EmailVerify:      cfg.Lookup.EmailVerify,
	}, workers, domains, results, logger.Named("lookup"))
	saver := save.NewSaver(results, sink, layout, logger.Named("save"))
	mgr := manager.New(producer, pool, saver, domains, results, logger.Named("manager"))

	var observer monitor.Observer
	serverCtx, stopServer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServer()
	serverDone := make(chan struct{})
	if cfg.Metrics.ListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		exporter := metrics.NewExporter(reg, basis)
		observer = exporter
		srv := server.New(exporter, reg, mgr.Ready, logger.Named("server"))
		go func() {
			defer close(serverDone)
			if err := srv.ListenAndServe(serverCtx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}

	coord := monitor.New(monitor.Config{
		StatusEnabled: cfg.Status.Enabled,
		Basis:         basis,
		Interval:      cfg.Status.Interval,
		ReadyPoll:     cfg.Status.ReadyPoll,
		StartDelay:    cfg.Status.StartDelay,
		ReadyTimeout:  cfg.Status.ReadyTimeout,
		MaxInputQueue: cfg.Input.MaxQueue,
		MaxSaveQueue:  cfg.Output.MaxQueue,
		SkipCount:     cfg.Input.SkipCount,
		SaveLogs:      cfg.Logging.SaveLogs,
		Output:        stdout,
		Clock:         system.New(),
		TerminalWidth: termsize.Width,
		Observer:      observer,
		Logger:        logger.Named("monitor"),
	}, monitorManager{mgr}, mgr.Lookups())

	outcome, runErr := coord.Run(ctx)
	releaseSignals(ctx)

	select {
	case <-mgr.Done():
	case <-time.After(pipelineDrainTimeout):
		logger.Warn("worker pipeline still draining", zap.Duration("waited", pipelineDrainTimeout))
	}
	stopServer()
	<-serverDone

	var paced int64
	for _, p := range pacers {
		paced += p.Delayed()
	}
	logger.Info("run finished",
		zap.Stringer("outcome", outcome),
		zap.Int64("enqueued", producer.Enqueued()),
		zap.Int64("saved", saver.NumSaved()),
		zap.Int64("dropped", saver.Dropped()),
		zap.Int64("paced_queries", paced),
	)

	code := exitCode(outcome, runErr, pipelineErr(mgr))
	if runErr != nil {
		return &exitError{code: code, err: runErr}
	}
	if code != ExitOK {
		return &exitError{code: code, err: pipelineErr(mgr)}
	}
	return nil
}

func pipelineErr(m *manager.Manager) error {
	select {
	case <-m.Done():
		return m.Err()
	default:
		return nil
	}
}

func exitCode(outcome monitor.Outcome, runErr, pipeErr error) int {
	switch {
	case outcome == monitor.OutcomeWorkerExhaustion:
		return ExitExhausted
	case runErr != nil:
		return ExitError
	case outcome == monitor.OutcomeUserInterrupt:
		return ExitOK
	case pipeErr != nil:
		return ExitError
	default:
		return ExitOK
	}
}

// openSink selects the result sink. done is non-nil only when skip-done is
// enabled.
func openSink(
	ctx context.Context,
	cfg config.Config,
	runID string,
	layout save.Layout,
	logger *zap.Logger,
) (save.Sink, func(string) bool, func(), error) {
	noop := func() {}
	if cfg.Output.Archive {
		sink, err := save.NewArchiveSink(cfg.Output.Dir, runID)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open archive: %w", err)
		}
		logger.Info("writing archive", zap.String("path", sink.Path()))
		return sink, nil, noop, nil
	}

	var store storage.BlobStore
	closeStore := noop
	if cfg.Output.GCSBucket != "" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("create storage client: %w", err)
		}
		closeStore = func() {
			if err := client.Close(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("close storage client", zap.Error(err))
			}
		}
		gstore, err := gcs.New(client, gcs.Config{Bucket: cfg.Output.GCSBucket, Prefix: cfg.Output.Dir})
		if err != nil {
			closeStore()
			return nil, nil, noop, err
		}
		store = gstore
		logger.Info("writing files to bucket", zap.String("bucket", cfg.Output.GCSBucket))
	} else {
		lstore, err := local.New(local.Config{BaseDir: cfg.Output.Dir})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("open output directory: %w", err)
		}
		store = lstore
		logger.Info("writing files", zap.String("dir", cfg.Output.Dir))
	}

	var done func(string) bool
	if cfg.Input.SkipDone {
		done = save.DoneFunc(context.WithoutCancel(ctx), store, layout)
	}
	return save.NewBlobSink(store), done, closeStore, nil
}
