package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/offload"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	KeyBackend        = "OFFLOAD_BACKEND"
	KeyDefaultBackend = "OFFLOAD_DEFAULT_BACKEND"
	KeyEntries        = "OFFLOAD_N_ENTRIES"
	KeyPoolSize       = "PTHREAD_POOL_SIZE"
	KeySpaceLimit     = "OFFLOAD_SPACE_LIMIT"
	KeyDir            = "OFFLOAD_DIR"
	KeyDirectIO       = "OFFLOAD_DIRECT_IO"
	KeyLogLevel       = "APP_LOG_LEVEL"
	KeyMetrics        = "OFFLOAD_METRICS_ENABLED"
	KeyStatsdAddr     = "TELEGRAF_ADDR"
	KeyAppName        = "APP_NAME"
	KeyAppEnv         = "APP_ENV"
)

type Config struct {
	Backend        string
	DefaultBackend string
	Entries        int
	PoolSize       int
	SpaceLimit     uint64
	Dir            string
	DirectIO       bool
	LogLevel       string
	MetricsEnabled bool
	StatsdAddr     string
	AppName        string
	AppEnv         string
}

var ErrInvalid = errors.New("invalid configuration")

// Load reads the configuration from the environment and, when path is set,
// from a yaml file. Environment variables win over the file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault(KeyBackend, "")
	v.SetDefault(KeyDefaultBackend, "")
	v.SetDefault(KeyEntries, aio.DefaultEntries)
	v.SetDefault(KeyPoolSize, aio.DefaultPoolSize)
	v.SetDefault(KeySpaceLimit, 0)
	v.SetDefault(KeyDir, os.TempDir())
	v.SetDefault(KeyDirectIO, false)
	v.SetDefault(KeyLogLevel, "INFO")
	v.SetDefault(KeyMetrics, false)
	v.SetDefault(KeyStatsdAddr, "localhost:8125")
	v.SetDefault(KeyAppName, "diskoffload")
	v.SetDefault(KeyAppEnv, "")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		log.Debug().Msgf("config loaded from %s", path)
	}

	cfg := Config{
		Backend:        strings.TrimSpace(v.GetString(KeyBackend)),
		DefaultBackend: strings.TrimSpace(v.GetString(KeyDefaultBackend)),
		Entries:        v.GetInt(KeyEntries),
		PoolSize:       v.GetInt(KeyPoolSize),
		SpaceLimit:     v.GetUint64(KeySpaceLimit),
		Dir:            v.GetString(KeyDir),
		DirectIO:       v.GetBool(KeyDirectIO),
		LogLevel:       v.GetString(KeyLogLevel),
		MetricsEnabled: v.GetBool(KeyMetrics),
		StatsdAddr:     v.GetString(KeyStatsdAddr),
		AppName:        v.GetString(KeyAppName),
		AppEnv:         v.GetString(KeyAppEnv),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Entries <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, KeyEntries, c.Entries)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, KeyPoolSize, c.PoolSize)
	}
	for key, name := range map[string]string{KeyBackend: c.Backend, KeyDefaultBackend: c.DefaultBackend} {
		if name == "" {
			continue
		}
		if !isBackend(name) {
			return fmt.Errorf("%w: %s=%q, want one of %v", ErrInvalid, key, name, backendNames)
		}
	}
	return nil
}

var backendNames = []string{aio.BackendURing, aio.BackendAIO, aio.BackendPthread}

func isBackend(name string) bool {
	for _, b := range backendNames {
		if b == name {
			return true
		}
	}
	return false
}

// AIO returns the backend selection with OFFLOAD_BACKEND as the override.
func (c Config) AIO() aio.Config {
	return aio.Config{
		Backend:  c.DefaultBackend,
		Override: c.Backend,
		Entries:  c.Entries,
		PoolSize: c.PoolSize,
	}
}

func (c Config) Offload() offload.Config {
	return offload.Config{
		Dir:        c.Dir,
		IO:         c.AIO(),
		SpaceLimit: c.SpaceLimit,
		DirectIO:   c.DirectIO,
	}
}

func (c Config) Metrics() metrics.Options {
	return metrics.Options{
		Enabled: c.MetricsEnabled,
		Address: c.StatsdAddr,
		AppName: c.AppName,
		Env:     c.AppEnv,
	}
}
