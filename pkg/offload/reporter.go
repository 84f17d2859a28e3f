//go:build linux
// +build linux

package offload

import (
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const defaultReportInterval = 30 * time.Second

// RunReporter logs the offloader's stats every interval and mirrors the
// latency percentiles to statsd. It returns when stop is closed.
func (o *Offloader) RunReporter(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReportInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevWrites, prevReads int64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := o.Stats()
			wThroughput := float64(s.Writes-prevWrites) / interval.Seconds()
			rThroughput := float64(s.Reads-prevReads) / interval.Seconds()
			prevWrites, prevReads = s.Writes, s.Reads

			log.Info().
				Str("backend", s.Backend).
				Uint64("used_bytes", s.UsedBytes).
				Int("keys", s.Keys).
				Int("free_ranges", s.FreeRanges).
				Int64("pending_writes", s.PendingWrites).
				Int64("pending_reads", s.PendingReads).
				Float64("write_per_sec", wThroughput).
				Float64("read_per_sec", rThroughput).
				Dur("wp50", s.WriteP50).
				Dur("wp99", s.WriteP99).
				Dur("rp50", s.ReadP50).
				Dur("rp99", s.ReadP99).
				Msg("offloader stats")

			if !metrics.Enabled() {
				continue
			}
			backend := metrics.NewTag(metrics.TAG_BACKEND, s.Backend)
			metrics.Timing(metrics.KEY_OFFLOAD_WRITE_LATENCY, s.WriteP99, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P99), backend))
			metrics.Timing(metrics.KEY_OFFLOAD_WRITE_LATENCY, s.WriteP50, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P50), backend))
			metrics.Timing(metrics.KEY_OFFLOAD_WRITE_LATENCY, s.WriteP25, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P25), backend))
			metrics.Timing(metrics.KEY_OFFLOAD_READ_LATENCY, s.ReadP99, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P99), backend))
			metrics.Timing(metrics.KEY_OFFLOAD_READ_LATENCY, s.ReadP50, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P50), backend))
			metrics.Timing(metrics.KEY_OFFLOAD_READ_LATENCY, s.ReadP25, metrics.BuildTag(metrics.NewTag(metrics.TAG_LATENCY_PERCENTILE, metrics.TAG_VALUE_P25), backend))
			metrics.Gauge(metrics.KEY_SPACE_USED_BYTES, float64(s.UsedBytes), metrics.BuildTag(backend))
			metrics.Gauge(metrics.KEY_KEYS_ON_DISK, float64(s.Keys), metrics.BuildTag(backend))
		}
	}
}
