package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is a coordinator lifecycle phase.
type State int32

// Coordinator states, in the order a run moves through them.
const (
	StateStarting State = iota
	StateWaiting
	StateRunning
	StateFinalizing
	StateDone
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Outcome tells how a run ended.
type Outcome int

// Supported run outcomes.
const (
	OutcomeNormalCompletion Outcome = iota
	OutcomeWorkerExhaustion
	OutcomeUserInterrupt
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeNormalCompletion:
		return "completed"
	case OutcomeWorkerExhaustion:
		return "worker_exhaustion"
	case OutcomeUserInterrupt:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	// ErrReadyTimeout is returned when the manager does not become ready
	// within Config.ReadyTimeout.
	ErrReadyTimeout = errors.New("worker manager did not become ready")
	// ErrAlreadyRun is returned when Run is called more than once.
	ErrAlreadyRun = errors.New("coordinator already run")
)

const (
	defaultInterval  = time.Second
	defaultReadyPoll = 200 * time.Millisecond
	defaultWidth     = 80
)

// Config controls the coordinator.
//   - StatusEnabled: render the status display (false for quiet runs).
//   - Basis: counter used for the rate columns, fixed for the run.
//   - Interval: pause between status samples (default 1s).
//   - ReadyPoll: pause between readiness checks (default 200ms).
//   - StartDelay: pause after the first status line so workers can warm up.
//   - ReadyTimeout: optional bound on the readiness wait; zero waits forever.
//   - MaxInputQueue, MaxSaveQueue: queue capacities used for warning thresholds.
//   - SkipCount: domains skipped at the head of the input, added to the
//     examined total reported on interrupt.
//   - SaveLogs: print the lookup exception counts during finalization.
//   - Output: status destination (default os.Stdout).
//   - Clock, TerminalWidth, Observer, Logger: optional collaborators.
type Config struct {
	StatusEnabled bool
	Basis         Basis
	Interval      time.Duration
	ReadyPoll     time.Duration
	StartDelay    time.Duration
	ReadyTimeout  time.Duration
	MaxInputQueue int
	MaxSaveQueue  int
	SkipCount     int64
	SaveLogs      bool

	Output        io.Writer
	Clock         Clock
	TerminalWidth func() int
	Observer      Observer
	Logger        *zap.Logger
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Coordinator owns the top-level control flow of a run: startup wait, the
// steady-state poll loop, interrupt handling and finalization.
type Coordinator struct {
	cfg      Config
	manager  Manager
	lookups  LookupSubsystem
	renderer Renderer
	logger   *zap.Logger

	state   atomic.Int32
	started atomic.Bool

	// Fields below are owned by the goroutine executing Run.
	start  time.Time
	rates  *RateEstimator
	status bool

	finalizeOnce sync.Once
}

// New constructs a Coordinator, filling unset Config fields with defaults.
func New(cfg Config, manager Manager, lookups LookupSubsystem) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = defaultReadyPoll
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Clock == nil {
		cfg.Clock = wallClock{}
	}
	if cfg.TerminalWidth == nil {
		cfg.TerminalWidth = func() int { return defaultWidth }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:      cfg,
		manager:  manager,
		lookups:  lookups,
		renderer: NewRenderer(cfg.Basis, cfg.MaxInputQueue, cfg.MaxSaveQueue),
		logger:   logger,
	}
}

// State reports the current lifecycle phase. Safe for concurrent use.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Run drives a whole run and blocks until finalization completes. Cancelling
// ctx is the interrupt signal: it preempts any pending sleep and ends the run
// with OutcomeUserInterrupt. The worker pipeline runs on a context detached
// from ctx and is stopped only after finalization, so the archive is closed
// before workers are torn down.
func (c *Coordinator) Run(ctx context.Context) (outcome Outcome, err error) {
	if !c.started.CompareAndSwap(false, true) {
		return OutcomeNormalCompletion, ErrAlreadyRun
	}
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	c.setState(StateStarting)
	c.start = c.cfg.Clock.Now()
	c.rates = NewRateEstimator(c.cfg.Basis, c.start)
	c.status = c.cfg.StatusEnabled
	c.manager.Start(workCtx)
	c.logger.Debug("worker manager started", zap.Stringer("basis", c.cfg.Basis))

	defer func() {
		if ferr := c.finalize(outcome); ferr != nil {
			err = multierr.Append(err, ferr)
		}
	}()

	return c.supervise(ctx)
}

func (c *Coordinator) supervise(ctx context.Context) (Outcome, error) {
	c.setState(StateWaiting)
	c.logger.Debug("waiting for threads to settle")
	if err := c.awaitReady(ctx); err != nil {
		if errors.Is(err, ErrReadyTimeout) {
			c.logger.Error("worker manager never became ready", zap.Duration("timeout", c.cfg.ReadyTimeout))
			return OutcomeWorkerExhaustion, err
		}
		return OutcomeUserInterrupt, nil
	}

	c.setState(StateRunning)
	if c.status {
		c.write(c.renderer.Header())
		c.report()
	}
	if !c.sleep(ctx, c.cfg.StartDelay) {
		return OutcomeUserInterrupt, nil
	}

	for c.manager.Alive() && c.lookups.TotalWorkers() > 0 {
		switch {
		case c.status:
			c.report()
		case c.cfg.Observer != nil:
			c.sample()
		}
		if !c.sleep(ctx, c.cfg.Interval) {
			return OutcomeUserInterrupt, nil
		}
	}

	if c.lookups.TotalWorkers() == 0 {
		c.write("\nNo valid proxy threads running!!\n")
		c.logger.Warn("all lookup workers exited")
		return OutcomeWorkerExhaustion, nil
	}
	return OutcomeNormalCompletion, nil
}

func (c *Coordinator) awaitReady(ctx context.Context) error {
	var deadline <-chan time.Time
	if c.cfg.ReadyTimeout > 0 {
		timer := time.NewTimer(c.cfg.ReadyTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(c.cfg.ReadyPoll)
	defer ticker.Stop()
	for !c.manager.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await ready: %w", ctx.Err())
		case <-deadline:
			return ErrReadyTimeout
		case <-ticker.C:
		}
	}
	return nil
}

// sleep waits for d or until ctx ends, reporting false on cancellation.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
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

func (c *Coordinator) sample() (Snapshot, float64, float64) {
	snap := TakeSnapshot(c.manager, c.lookups, c.cfg.Clock.Now())
	instant, cumulative := c.rates.Observe(snap)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Observe(snap, instant, cumulative)
	}
	return snap, instant, cumulative
}

func (c *Coordinator) report() {
	snap, instant, cumulative := c.sample()
	c.write(c.renderer.StatusLine(snap, instant, cumulative, snap.Time.Sub(c.start), c.cfg.TerminalWidth()))
}

func (c *Coordinator) write(s string) {
	if _, err := io.WriteString(c.cfg.Output, s); err != nil {
		c.logger.Debug("status write failed", zap.Error(err))
	}
}

// finalize runs the cleanup sequence once per coordinator. Every step is
// attempted even when an earlier one fails.
func (c *Coordinator) finalize(outcome Outcome) error {
	var err error
	c.finalizeOnce.Do(func() {
		c.setState(StateFinalizing)
		if outcome == OutcomeUserInterrupt {
			err = multierr.Append(err, c.step("report examined", c.reportExamined))
		}
		c.status = false
		err = multierr.Append(err, c.step("close archive", c.manager.Saver().CloseArchive))
		if c.cfg.StatusEnabled {
			err = multierr.Append(err, c.step("final status", func() error {
				c.report()
				c.write("\n")
				return nil
			}))
		}
		if c.cfg.SaveLogs {
			err = multierr.Append(err, c.step("exception summary", c.writeExceptionCounts))
		}
		if err != nil {
			c.logger.Error("finalization incomplete", zap.Error(err))
		}
		c.logger.Info("run finished", zap.Stringer("outcome", outcome))
		c.setState(StateDone)
	})
	return err
}

func (c *Coordinator) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if ferr := fn(); ferr != nil {
		return fmt.Errorf("%s: %w", name, ferr)
	}
	return nil
}

// reportExamined prints a lower bound on the domains looked at so far.
// In-flight lookups are not counted.
func (c *Coordinator) reportExamined() error {
	if c.manager.Input().QueueDepth() <= 0 {
		return nil
	}
	total := c.manager.Saver().NumSaved() + c.cfg.SkipCount
	c.write(fmt.Sprintf("\nExamined at least %d domains\n", total))
	return nil
}

func (c *Coordinator) writeExceptionCounts() error {
	counts := c.lookups.ExceptionCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if _, err := fmt.Fprintf(c.cfg.Output, "Lookup exceptions: %d kinds\n", len(names)); err != nil {
		return fmt.Errorf("write exception header: %w", err)
	}
	for _, name := range names {
		if _, err := fmt.Fprintf(c.cfg.Output, "  %-28s %d\n", name, counts[name]); err != nil {
			return fmt.Errorf("write exception count: %w", err)
		}
		c.logger.Info("lookup exception count", zap.String("kind", name), zap.Int64("count", counts[name]))
	}
	return nil
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}
