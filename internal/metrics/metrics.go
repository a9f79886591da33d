package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing atomic counter. Byte counters are
// unsigned and are never reset for the life of the process.
type Counter struct {
	value atomic.Uint64
}

// Add increments the counter by n.
func (c *Counter) Add(n uint64) {
	c.value.Add(n)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Load returns the current value.
func (c *Counter) Load() uint64 {
	return c.value.Load()
}

// Gauge is an atomic gauge.
type Gauge struct {
	value atomic.Int64
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Load returns the current value.
func (g *Gauge) Load() int64 {
	return g.value.Load()
}

// LatencySampler keeps a ring of recent duration samples for percentile
// reporting. It is safe for concurrent use.
type LatencySampler struct {
	mu      sync.Mutex
	samples []int64
	index   int
	full    bool
}

// NewLatencySampler creates a sampler that keeps the last size samples.
func NewLatencySampler(size int) *LatencySampler {
	if size <= 0 {
		size = 128
	}
	return &LatencySampler{
		samples: make([]int64, size),
	}
}

// Add records a latency sample.
func (l *LatencySampler) Add(d time.Duration) {
	l.mu.Lock()
	l.samples[l.index] = d.Nanoseconds()
	l.index++
	if l.index >= len(l.samples) {
		l.index = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Quantile returns the value at quantile q of the stored samples, or zero
// when no samples have been recorded.
func (l *LatencySampler) Quantile(q float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.index
	if l.full {
		count = len(l.samples)
	}
	if count == 0 {
		return 0
	}

	values := make([]int64, count)
	copy(values, l.samples[:count])
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	if q <= 0 {
		return time.Duration(values[0])
	}
	if q >= 1 {
		return time.Duration(values[count-1])
	}
	pos := int(math.Ceil(q*float64(count))) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= count {
		pos = count - 1
	}
	return time.Duration(values[pos])
}
