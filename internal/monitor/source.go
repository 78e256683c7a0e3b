package monitor

import (
	"context"
	"math"
	"time"
)

// SaveSubsystem exposes the saver counters and the archive hand-off.
type SaveSubsystem interface {
	NumGood() int64
	NumFails() int64
	NumSaved() int64
	QueueDepth() int
	CloseArchive() error
}

// InputSubsystem exposes the domain producer's state.
type InputSubsystem interface {
	QueueDepth() int
	Progress() float64
	ProducerAlive() bool
}

// LookupSubsystem exposes the process-wide lookup worker counters.
type LookupSubsystem interface {
	ActiveWorkers() int
	TotalWorkers() int
	LookupCount() int64
	ExceptionCounts() map[string]int64
}

// Manager starts the worker pipeline and reports its lifecycle.
type Manager interface {
	// Start launches the pipeline in the background and returns immediately.
	Start(ctx context.Context)
	Alive() bool
	Ready() bool
	Saver() SaveSubsystem
	Input() InputSubsystem
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Observer receives every sampled snapshot along with its derived rates.
type Observer interface {
	Observe(snap Snapshot, instantRate, cumulativeRate float64)
}

// Snapshot is an immutable record of the counters taken at one poll instant.
type Snapshot struct {
	GoodCount       int64
	FailCount       int64
	SavedCount      int64
	LookupCount     int64
	ActiveWorkers   int
	TotalWorkers    int
	InputQueueDepth int
	SaveQueueDepth  int
	Progress        float64
	ProducerAlive   bool
	Time            time.Time
}

// TakeSnapshot reads every counter once and clamps the values into their
// documented ranges.
func TakeSnapshot(m Manager, lookups LookupSubsystem, now time.Time) Snapshot {
	saver := m.Saver()
	input := m.Input()
	snap := Snapshot{
		GoodCount:       saver.NumGood(),
		FailCount:       saver.NumFails(),
		SavedCount:      saver.NumSaved(),
		SaveQueueDepth:  saver.QueueDepth(),
		InputQueueDepth: input.QueueDepth(),
		Progress:        input.Progress(),
		ProducerAlive:   input.ProducerAlive(),
		ActiveWorkers:   lookups.ActiveWorkers(),
		TotalWorkers:    lookups.TotalWorkers(),
		LookupCount:     lookups.LookupCount(),
		Time:            now,
	}
	if snap.ActiveWorkers < 0 {
		snap.ActiveWorkers = 0
	}
	// active and total are read separately; keep total >= active.
	if snap.TotalWorkers < snap.ActiveWorkers {
		snap.TotalWorkers = snap.ActiveWorkers
	}
	switch {
	case math.IsNaN(snap.Progress) || snap.Progress < 0:
		snap.Progress = 0
	case snap.Progress > 1:
		snap.Progress = 1
	}
	return snap
}
