package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Renderer formats the column header and the overwritable status line. It
// keeps no state between calls.
type Renderer struct {
	basis         Basis
	maxInputQueue int
	maxSaveQueue  int
}

// NewRenderer builds a Renderer for the given rate basis and queue limits.
// The limits only drive the warning thresholds.
func NewRenderer(basis Basis, maxInputQueue, maxSaveQueue int) Renderer {
	return Renderer{
		basis:         basis,
		maxInputQueue: maxInputQueue,
		maxSaveQueue:  maxSaveQueue,
	}
}

// Header returns the column titles, terminated by a newline.
func (r Renderer) Header() string {
	label := r.basis.Label()
	return fmt.Sprintf("\r%6s %6s  %9s  %7s/%-7s  %4s/A%3s  %s\n",
		"Prog", "Fail", "Completed", "Active", "Proxies", label, label, "Time")
}

// StatusLine blanks the previous line with width spaces, returns the carriage
// and writes the current counters followed by any backpressure warnings.
func (r Renderer) StatusLine(snap Snapshot, instant, cumulative float64, elapsed time.Duration, width int) string {
	if width < 0 {
		width = 0
	}
	var failPercent float64
	if snap.SavedCount != 0 {
		failPercent = 100 * float64(snap.FailCount) / float64(snap.SavedCount)
	}

	var b strings.Builder
	b.WriteString("\r")
	b.WriteString(strings.Repeat(" ", width))
	fmt.Fprintf(&b, "\r%5.1f%% %5.1f%%  %9d  %6d / %-6d  %4d/%-4.1f  %s",
		100*snap.Progress,
		failPercent,
		snap.GoodCount,
		snap.ActiveWorkers,
		snap.TotalWorkers,
		int64(instant),
		cumulative,
		FormatElapsed(elapsed),
	)
	if r.InputLow(snap) {
		fmt.Fprintf(&b, "  WARNING: input queue is %d ", snap.InputQueueDepth)
	}
	if r.SaveHigh(snap) {
		fmt.Fprintf(&b, "  WARNING: save queue is %d ", snap.SaveQueueDepth)
	}
	return b.String()
}

// InputLow reports whether the input queue is under its low-water mark while
// the producer is still reading. A draining queue after the producer is done
// is expected and not flagged.
func (r Renderer) InputLow(snap Snapshot) bool {
	return snap.ProducerAlive && snap.InputQueueDepth < r.maxInputQueue/10
}

// SaveHigh reports whether the save queue is over its high-water mark.
func (r Renderer) SaveHigh(snap Snapshot) bool {
	return snap.SaveQueueDepth > r.maxSaveQueue/5
}

// FormatElapsed renders a duration as H:MM:SS, prefixed with the day count
// for runs longer than a day.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	clock := fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
