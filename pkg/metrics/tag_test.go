package metrics

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stretchr/testify/assert"
)

func TestBuildTag(t *testing.T) {
	tests := []struct {
		name     string
		tags     []Tag
		expected []string
	}{
		{
			name:     "no tags",
			tags:     nil,
			expected: []string{},
		},
		{
			name:     "single tag",
			tags:     []Tag{NewTag(TAG_BACKEND, "uring")},
			expected: []string{"backend:uring"},
		},
		{
			name:     "backend and kind",
			tags:     []Tag{NewTag(TAG_BACKEND, "aio"), NewTag(TAG_KIND, "readv")},
			expected: []string{"backend:aio", "kind:readv"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildTag(tt.tags...))
		})
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	assert.False(t, Enabled())
	assert.NotPanics(t, func() {
		Timing(KEY_AIO_LATENCY, 0, nil)
		Count(KEY_AIO_SUBMIT_COUNT, 3, nil)
		Incr(KEY_AIO_ERROR_COUNT, nil)
		Gauge(KEY_SPACE_USED_BYTES, 1, nil)
	})
}

func TestEnvironmentDoesNotEnableMetrics(t *testing.T) {
	t.Setenv("OFFLOAD_METRICS_ENABLED", "true")
	assert.False(t, Enabled())
}

func TestStatsdFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	warnOnError("count", KEY_AIO_SUBMIT_COUNT, errors.New("socket closed"))

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"message":"statsd count failed"`)
	assert.Contains(t, out, `"error":"socket closed"`)
	assert.Contains(t, out, KEY_AIO_SUBMIT_COUNT)
}
