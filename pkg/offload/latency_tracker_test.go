package offload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyTracker(t *testing.T) {
	t.Run("empty tracker reports zeros", func(t *testing.T) {
		lt := NewLatencyTracker()
		p25, p50, p99 := lt.WriteLatencyPercentiles()
		assert.Zero(t, p25)
		assert.Zero(t, p50)
		assert.Zero(t, p99)
	})

	t.Run("percentiles over recorded samples", func(t *testing.T) {
		lt := newLatencyTracker(1000)
		for i := 100; i >= 1; i-- {
			lt.RecordWrite(time.Duration(i) * time.Millisecond)
		}
		lt.RecordRead(time.Second)

		p25, p50, p99 := lt.WriteLatencyPercentiles()
		assert.Equal(t, 26*time.Millisecond, p25)
		assert.Equal(t, 51*time.Millisecond, p50)
		assert.Equal(t, 100*time.Millisecond, p99)

		_, rp50, _ := lt.ReadLatencyPercentiles()
		assert.Equal(t, time.Second, rp50)

		writes, reads := lt.Counts()
		assert.Equal(t, int64(100), writes)
		assert.Equal(t, int64(1), reads)
	})

	t.Run("ring keeps the latest samples", func(t *testing.T) {
		lt := newLatencyTracker(4)
		for i := 0; i < 4; i++ {
			lt.RecordRead(time.Hour)
		}
		for i := 0; i < 4; i++ {
			lt.RecordRead(time.Millisecond)
		}
		_, _, p99 := lt.ReadLatencyPercentiles()
		assert.Equal(t, time.Millisecond, p99)
		_, reads := lt.Counts()
		assert.Equal(t, int64(8), reads)
	})
}
