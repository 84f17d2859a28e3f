package offload

import (
	"sort"
	"sync"
	"time"
)

const defaultMaxSamples = 100000

// LatencyTracker keeps the most recent submit-to-completion latencies of
// writes and reads in fixed size rings.
type LatencyTracker struct {
	mu         sync.RWMutex
	writes     latencyRing
	reads      latencyRing
	maxSamples int
}

type latencyRing struct {
	samples []time.Duration
	index   int
	count   int64
}

func NewLatencyTracker() *LatencyTracker {
	return newLatencyTracker(defaultMaxSamples)
}

func newLatencyTracker(maxSamples int) *LatencyTracker {
	return &LatencyTracker{
		writes:     latencyRing{samples: make([]time.Duration, maxSamples)},
		reads:      latencyRing{samples: make([]time.Duration, maxSamples)},
		maxSamples: maxSamples,
	}
}

func (lt *LatencyTracker) RecordWrite(duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.writes.record(duration, lt.maxSamples)
}

func (lt *LatencyTracker) RecordRead(duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.reads.record(duration, lt.maxSamples)
}

func (lt *LatencyTracker) WriteLatencyPercentiles() (p25, p50, p99 time.Duration) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.writes.percentiles(lt.maxSamples)
}

func (lt *LatencyTracker) ReadLatencyPercentiles() (p25, p50, p99 time.Duration) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.reads.percentiles(lt.maxSamples)
}

// Counts returns the number of writes and reads recorded so far.
func (lt *LatencyTracker) Counts() (writes, reads int64) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.writes.count, lt.reads.count
}

func (r *latencyRing) record(d time.Duration, max int) {
	r.samples[r.index] = d
	r.index = (r.index + 1) % max
	r.count++
}

func (r *latencyRing) percentiles(max int) (p25, p50, p99 time.Duration) {
	samples := r.count
	if samples > int64(max) {
		samples = int64(max)
	}
	if samples == 0 {
		return 0, 0, 0
	}

	latenciesCopy := make([]time.Duration, samples)
	copy(latenciesCopy, r.samples[:samples])
	sort.Slice(latenciesCopy, func(i, j int) bool {
		return latenciesCopy[i] < latenciesCopy[j]
	})

	p25 = latenciesCopy[int(float64(samples)*0.25)]
	p50 = latenciesCopy[int(float64(samples)*0.50)]
	p99 = latenciesCopy[int(float64(samples)*0.99)]
	return p25, p50, p99
}
