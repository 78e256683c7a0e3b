// Package monitor supervises a whois harvesting run. It waits for the worker
// manager to settle, samples throughput, queue and error counters on a fixed
// interval, renders them as a self-overwriting status line, and guarantees
// that the output archive is closed exactly once however the run ends.
//
// The coordinator is read-only with respect to worker state. Counters are
// read one at a time, so a Snapshot may mix values from slightly different
// instants (queue depth and worker count, for example); nothing here assumes
// cross-counter consistency.
package monitor
