package monitor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestCoordinatorWaitsWhileNotReady keeps the coordinator in Waiting while
// the manager never settles, without printing progress.
func TestCoordinatorWaitsWhileNotReady(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	lookups := &fakeLookups{}
	lookups.total.Store(2)
	out := &syncBuffer{}
	c := New(testConfig(out), mgr, lookups)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	require.Eventually(t, func() bool { return c.State() == StateWaiting }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateWaiting, c.State())
	require.Empty(t, out.String())
	require.Equal(t, int32(1), mgr.starts.Load())

	cancel()
	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeUserInterrupt, res.outcome)
	require.Equal(t, StateDone, c.State())
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorWorkerExhaustion ends the run once the pool has no workers.
func TestCoordinatorWorkerExhaustion(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	mgr.saver.good.Store(3)
	mgr.saver.saved.Store(4)
	mgr.saver.fails.Store(1)
	lookups := &fakeLookups{}
	lookups.total.Store(3)
	lookups.active.Store(1)
	out := &syncBuffer{}
	c := New(testConfig(out), mgr, lookups)

	done := runAsync(context.Background(), c)
	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\r  ") >= 3
	}, time.Second, 5*time.Millisecond)
	lookups.total.Store(0)
	lookups.active.Store(0)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeWorkerExhaustion, res.outcome)
	require.Equal(t, int32(1), mgr.saver.closes.Load())
	require.Contains(t, out.String(), "No valid proxy threads running!!")
	require.True(t, strings.HasSuffix(out.String(), "\n"))
}

// TestCoordinatorInterruptMidSleep reports the examined lower bound and
// closes the archive once, however often the signal fires.
func TestCoordinatorInterruptMidSleep(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	mgr.input.depth.Store(40)
	mgr.saver.saved.Store(120)
	mgr.saver.good.Store(100)
	lookups := &fakeLookups{}
	lookups.total.Store(1)
	out := &syncBuffer{}
	cfg := testConfig(out)
	cfg.Interval = time.Hour
	cfg.SkipCount = 500
	c := New(cfg, mgr, lookups)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	cancel()
	cancel()
	res := waitResult(t, done)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeUserInterrupt, res.outcome)
	require.Contains(t, out.String(), "Examined at least 620 domains")
	require.Equal(t, int32(1), mgr.saver.closes.Load())

	// A second Run is rejected and never closes the archive again.
	_, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorInterruptWithEmptyInput skips the examined line when the
// input queue has nothing left.
func TestCoordinatorInterruptWithEmptyInput(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	lookups := &fakeLookups{}
	lookups.total.Store(1)
	out := &syncBuffer{}
	cfg := testConfig(out)
	cfg.Interval = time.Hour
	c := New(cfg, mgr, lookups)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	res := waitResult(t, done)
	require.Equal(t, OutcomeUserInterrupt, res.outcome)
	require.NotContains(t, out.String(), "Examined")
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorNormalCompletion exits when the manager finishes and prints
// one final status line after the archive is closed.
func TestCoordinatorNormalCompletion(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	lookups := &fakeLookups{}
	lookups.total.Store(4)
	lookups.exceptions = map[string]int64{"timeout": 3, "ratelimit": 9, "refused": 3}
	out := &syncBuffer{}
	cfg := testConfig(out)
	cfg.SaveLogs = true
	c := New(cfg, mgr, lookups)

	done := runAsync(context.Background(), c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	mgr.alive.Store(false)

	res := waitResult(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeNormalCompletion, res.outcome)
	require.Equal(t, int32(1), mgr.saver.closes.Load())

	text := out.String()
	require.True(t, strings.HasPrefix(text, "\r  Prog"))
	summary := text[strings.Index(text, "Lookup exceptions"):]
	require.Contains(t, summary, "Lookup exceptions: 3 kinds")
	require.Less(t, strings.Index(summary, "ratelimit"), strings.Index(summary, "refused"))
	require.Less(t, strings.Index(summary, "refused"), strings.Index(summary, "timeout"))
}

// TestCoordinatorQuietRun renders nothing but still tracks liveness.
func TestCoordinatorQuietRun(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	lookups := &fakeLookups{}
	lookups.total.Store(1)
	out := &syncBuffer{}
	obs := &countingObserver{}
	cfg := testConfig(out)
	cfg.StatusEnabled = false
	cfg.Observer = obs
	c := New(cfg, mgr, lookups)

	done := runAsync(context.Background(), c)
	require.Eventually(t, func() bool { return obs.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	mgr.alive.Store(false)

	res := waitResult(t, done)
	require.Equal(t, OutcomeNormalCompletion, res.outcome)
	require.Empty(t, out.String())
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorCloseFailureDoesNotStopFinalization keeps running the
// remaining cleanup steps after the archive close fails.
func TestCoordinatorCloseFailureDoesNotStopFinalization(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	mgr.saver.closeErr = errors.New("disk full")
	lookups := &fakeLookups{exceptions: map[string]int64{"timeout": 1}}
	lookups.total.Store(1)
	out := &syncBuffer{}
	cfg := testConfig(out)
	cfg.SaveLogs = true
	c := New(cfg, mgr, lookups)

	done := runAsync(context.Background(), c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	mgr.alive.Store(false)

	res := waitResult(t, done)
	require.Error(t, res.err)
	require.ErrorContains(t, res.err, "disk full")
	require.Equal(t, int32(1), mgr.saver.closes.Load())
	require.Contains(t, out.String(), "Lookup exceptions: 1 kinds")
	require.Equal(t, StateDone, c.State())
}

// TestCoordinatorClosePanicIsContained turns a panicking close into an error.
func TestCoordinatorClosePanicIsContained(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	mgr.saver.closePanic = true
	lookups := &fakeLookups{}
	lookups.total.Store(1)
	c := New(testConfig(&syncBuffer{}), mgr, lookups)

	done := runAsync(context.Background(), c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	mgr.alive.Store(false)

	res := waitResult(t, done)
	require.ErrorContains(t, res.err, "close archive: panic")
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorReadyTimeout finalizes when the optional readiness bound expires.
func TestCoordinatorReadyTimeout(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	lookups := &fakeLookups{}
	cfg := testConfig(&syncBuffer{})
	cfg.ReadyTimeout = 30 * time.Millisecond
	c := New(cfg, mgr, lookups)

	outcome, err := c.Run(context.Background())
	require.ErrorIs(t, err, ErrReadyTimeout)
	require.Equal(t, OutcomeWorkerExhaustion, outcome)
	require.Equal(t, int32(1), mgr.saver.closes.Load())
}

// TestCoordinatorStopsWorkersAfterFinalize cancels the pipeline context only
// after the archive has been closed.
func TestCoordinatorStopsWorkersAfterFinalize(t *testing.T) {
	t.Parallel()

	mgr := newFakeManager()
	mgr.ready.Store(true)
	lookups := &fakeLookups{}
	lookups.total.Store(1)
	c := New(testConfig(&syncBuffer{}), mgr, lookups)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, time.Second, 5*time.Millisecond)
	require.NoError(t, mgr.workCtx().Err())

	cancel()
	waitResult(t, done)
	require.Error(t, mgr.workCtx().Err())
	require.True(t, mgr.saver.closedBeforeStop.Load())
}

func testConfig(out *syncBuffer) Config {
	return Config{
		StatusEnabled: true,
		Basis:         BasisDomains,
		Interval:      5 * time.Millisecond,
		ReadyPoll:     time.Millisecond,
		MaxInputQueue: 100,
		MaxSaveQueue:  100,
		Output:        out,
		TerminalWidth: func() int { return 4 },
	}
}

type runResult struct {
	outcome Outcome
	err     error
}

func runAsync(ctx context.Context, c *Coordinator) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		outcome, err := c.Run(ctx)
		done <- runResult{outcome: outcome, err: err}
	}()
	return done
}

func waitResult(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not finish")
		return runResult{}
	}
}

type fakeManager struct {
	ready  atomic.Bool
	alive  atomic.Bool
	starts atomic.Int32
	saver  *fakeSaver
	input  *fakeInput

	mu  sync.Mutex
	ctx context.Context
}

func newFakeManager() *fakeManager {
	m := &fakeManager{input: &fakeInput{}}
	m.saver = &fakeSaver{manager: m}
	m.alive.Store(true)
	return m
}

func (m *fakeManager) Start(ctx context.Context) {
	m.starts.Add(1)
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

func (m *fakeManager) workCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

func (m *fakeManager) Alive() bool           { return m.alive.Load() }
func (m *fakeManager) Ready() bool           { return m.ready.Load() }
func (m *fakeManager) Saver() SaveSubsystem  { return m.saver }
func (m *fakeManager) Input() InputSubsystem { return m.input }

type fakeSaver struct {
	manager          *fakeManager
	good             atomic.Int64
	fails            atomic.Int64
	saved            atomic.Int64
	depth            atomic.Int64
	closes           atomic.Int32
	closedBeforeStop atomic.Bool
	closeErr         error
	closePanic       bool
}

func (s *fakeSaver) NumGood() int64  { return s.good.Load() }
func (s *fakeSaver) NumFails() int64 { return s.fails.Load() }
func (s *fakeSaver) NumSaved() int64 { return s.saved.Load() }
func (s *fakeSaver) QueueDepth() int { return int(s.depth.Load()) }

func (s *fakeSaver) CloseArchive() error {
	s.closes.Add(1)
	if ctx := s.manager.workCtx(); ctx != nil && ctx.Err() == nil {
		s.closedBeforeStop.Store(true)
	}
	if s.closePanic {
		panic("archive handle lost")
	}
	return s.closeErr
}

type fakeInput struct {
	depth    atomic.Int64
	progress atomic.Int64 // per mille
	alive    atomic.Bool
}

func (i *fakeInput) QueueDepth() int     { return int(i.depth.Load()) }
func (i *fakeInput) Progress() float64   { return float64(i.progress.Load()) / 1000 }
func (i *fakeInput) ProducerAlive() bool { return i.alive.Load() }

type fakeLookups struct {
	active     atomic.Int64
	total      atomic.Int64
	lookups    atomic.Int64
	exceptions map[string]int64
}

func (l *fakeLookups) ActiveWorkers() int  { return int(l.active.Load()) }
func (l *fakeLookups) TotalWorkers() int   { return int(l.total.Load()) }
func (l *fakeLookups) LookupCount() int64  { return l.lookups.Load() }
func (l *fakeLookups) ExceptionCounts() map[string]int64 {
	out := make(map[string]int64, len(l.exceptions))
	for k, v := range l.exceptions {
		out[k] = v
	}
	return out
}

type countingObserver struct {
	calls atomic.Int32
}

func (o *countingObserver) Observe(Snapshot, float64, float64) {
	o.calls.Add(1)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
