package metrics

import (
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/rs/zerolog/log"
)

// Offload metric keys
const (
	KEY_AIO_SUBMIT_COUNT   = "diskoffload_aio_submit_count"
	KEY_AIO_COMPLETE_COUNT = "diskoffload_aio_complete_count"
	KEY_AIO_ERROR_COUNT    = "diskoffload_aio_error_count"
	KEY_AIO_LATENCY        = "diskoffload_aio_latency"

	KEY_OFFLOAD_WRITE_COUNT   = "diskoffload_offload_write_count"
	KEY_OFFLOAD_READ_COUNT    = "diskoffload_offload_read_count"
	KEY_OFFLOAD_WRITE_LATENCY = "diskoffload_offload_write_latency"
	KEY_OFFLOAD_READ_LATENCY  = "diskoffload_offload_read_latency"
	KEY_USAGE_ERROR_COUNT     = "diskoffload_usage_error_count"
	KEY_SPACE_USED_BYTES      = "diskoffload_space_used_bytes"
	KEY_KEYS_ON_DISK          = "diskoffload_keys_on_disk"
)

const defaultTelegrafAddress = "localhost:8125"

// Options configures the package-level statsd client.
type Options struct {
	Enabled      bool
	Address      string
	SamplingRate float64
	AppName      string
	Env          string
}

var (
	statsDClient = getDefaultClient()
	samplingRate = 0.1
	appName      = ""
	initialized  = false
	once         sync.Once

	// When false, all Timing/Count/Incr/Gauge calls are no-ops (zero allocations).
	// Only Init with Options.Enabled turns metrics on.
	metricsEnabled = false
)

// Init initializes the metrics client. Only the first call has an effect.
func Init(opts Options) {
	if initialized {
		log.Debug().Msgf("Metrics already initialized!")
		return
	}
	once.Do(func() {
		address := opts.Address
		if address == "" {
			address = defaultTelegrafAddress
		}
		if opts.SamplingRate > 0 {
			samplingRate = opts.SamplingRate
		}
		appName = opts.AppName
		metricsEnabled = opts.Enabled
		globalTags := getGlobalTags(opts)

		client, err := statsd.New(
			address,
			statsd.WithTags(globalTags),
		)
		if err != nil {
			log.Error().Err(err).Msg("StatsD client initialization failed, metrics disabled")
			metricsEnabled = false
			initialized = true
			return
		}
		statsDClient = client
		log.Info().Msgf("Metrics client initialized with telegraf address - %s, global tags - %v, and "+
			"sampling rate - %f, metrics enabled - %v", address, globalTags, samplingRate, metricsEnabled)
		initialized = true
	})
}

func getDefaultClient() *statsd.Client {
	client, _ := statsd.New(defaultTelegrafAddress)
	return client
}

func getGlobalTags(opts Options) []string {
	if len(opts.Env) == 0 {
		log.Warn().Msg("APP_ENV is not set")
	}
	if len(opts.AppName) == 0 {
		log.Warn().Msg("APP_NAME is not set")
	}
	return []string{
		TagAsString(TagEnv, opts.Env),
		TagAsString(TagService, opts.AppName),
	}
}

// Timing sends timing information. No-op when metrics are disabled.
func Timing(name string, value time.Duration, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Timing(name, value, tags, samplingRate)
	if err != nil {
		warnOnError("timing", name, err)
	}
}

// Count increases metric counter by value. No-op when metrics are disabled.
func Count(name string, value int64, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Count(name, value, tags, samplingRate)
	if err != nil {
		warnOnError("count", name, err)
	}
}

// Incr increases metric counter by 1. No-op when metrics are disabled.
func Incr(name string, tags []string) {
	if !metricsEnabled {
		return
	}
	Count(name, 1, tags)
}

// Gauge sets a gauge value. No-op when metrics are disabled.
func Gauge(name string, value float64, tags []string) {
	if !metricsEnabled || statsDClient == nil {
		return
	}
	tags = append(tags, TagAsString(TagService, appName))
	err := statsDClient.Gauge(name, value, tags, samplingRate)
	if err != nil {
		warnOnError("gauge", name, err)
	}
}

func warnOnError(op, name string, err error) {
	log.Warn().Err(err).Str("metric", name).Msgf("statsd %s failed", op)
}

// Enabled returns whether metrics are enabled.
// Call sites should check this before allocating tags to avoid heap allocations.
func Enabled() bool {
	return metricsEnabled
}
