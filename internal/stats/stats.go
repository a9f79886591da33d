// Package stats holds the process-shared session counters. All mutation is
// atomic; the aggregator is never a serialization point for the relay path.
package stats

import (
	"time"

	"github.com/Future998/openuds/internal/metrics"
)

// Aggregator tracks active/total sessions and byte totals across every
// worker and session in the process.
type Aggregator struct {
	started time.Time

	current  metrics.Gauge
	total    metrics.Counter
	sent     metrics.Counter
	received metrics.Counter
}

// New creates an aggregator. Counters start at zero and reset only on
// process restart.
func New() *Aggregator {
	return &Aggregator{started: time.Now()}
}

// IncrementActive marks one more session relaying.
func (a *Aggregator) IncrementActive() {
	a.current.Inc()
}

// DecrementActive marks one session torn down.
func (a *Aggregator) DecrementActive() {
	a.current.Dec()
}

// IncrementTotalSessions counts a session that reached relaying.
func (a *Aggregator) IncrementTotalSessions() {
	a.total.Inc()
}

// AddSent accumulates client-to-destination bytes.
func (a *Aggregator) AddSent(n uint64) {
	a.sent.Add(n)
}

// AddReceived accumulates destination-to-client bytes.
func (a *Aggregator) AddReceived(n uint64) {
	a.received.Add(n)
}

// Snapshot is a point-in-time, read-only view of the counters.
type Snapshot struct {
	CurrentSessions int64  `json:"current"`
	TotalSessions   uint64 `json:"total"`
	Sent            uint64 `json:"sent"`
	Received        uint64 `json:"recv"`
	UptimeSeconds   int64  `json:"uptime"`
}

// Snapshot returns the current counter values. The fields are read one by
// one; the snapshot is consistent enough for monitoring, not a transaction.
func (a *Aggregator) Snapshot() Snapshot {
	return Snapshot{
		CurrentSessions: a.current.Load(),
		TotalSessions:   a.total.Load(),
		Sent:            a.sent.Load(),
		Received:        a.received.Load(),
		UptimeSeconds:   int64(time.Since(a.started).Seconds()),
	}
}
