package aio

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	BackendURing   = "uring"
	BackendAIO     = "aio"
	BackendPthread = "pthread"

	DefaultEntries  = 16
	DefaultPoolSize = 8
)

// preference order for DefaultBackend
var knownBackends = []string{BackendURing, BackendAIO, BackendPthread}

// Config selects and sizes a backend.
type Config struct {
	// Backend is the requested backend name. Empty means DefaultBackend.
	Backend string
	// Override replaces Backend when set. It is meant to carry an operator
	// supplied value such as the OFFLOAD_BACKEND environment variable.
	Override string
	// Entries bounds the number of operations in flight.
	Entries int
	// PoolSize is the worker count of the pthread backend.
	PoolSize int
}

func (c Config) withDefaults() Config {
	if c.Entries <= 0 {
		c.Entries = DefaultEntries
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	return c
}

// Name resolves the backend that New would build, without probing.
func (c Config) Name() string {
	if c.Override != "" {
		return c.Override
	}
	return c.Backend
}

type factory func(cfg Config) (AsyncIO, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]factory{}

	probeMu    sync.Mutex
	probeCache = map[string]error{}
)

func register(name string, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func lookup(name string) (factory, error) {
	known := false
	for _, k := range knownBackends {
		if k == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotInstalled, name)
	}
	return f, nil
}

// Backends lists the backends compiled into this binary, sorted by name.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProbeBackend checks that the named backend works on this host by writing a
// few records to a temporary file and reading them back. The outcome is cached
// for the life of the process.
func ProbeBackend(name string) error {
	f, err := lookup(name)
	if err != nil {
		return err
	}

	probeMu.Lock()
	defer probeMu.Unlock()
	if err, ok := probeCache[name]; ok {
		return err
	}
	err = probe(name, f)
	if err != nil {
		log.Warn().Err(err).Msgf("aio backend %s failed its probe", name)
		err = fmt.Errorf("%w: %s: %v", ErrProbeFailed, name, err)
	}
	probeCache[name] = err
	return err
}

// Probe reports whether ProbeBackend succeeds.
func Probe(name string) bool {
	return ProbeBackend(name) == nil
}

const (
	probeRecords    = 5
	probeRecordSize = 18
)

func probe(name string, f factory) (err error) {
	file, err := os.CreateTemp("", "diskoffload-probe-*")
	if err != nil {
		return err
	}
	defer func() {
		file.Close()
		os.Remove(file.Name())
	}()

	io, err := f(Config{Backend: name, Entries: 2, PoolSize: 2})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := io.Close(); err == nil {
			err = cerr
		}
	}()

	fd := int(file.Fd())
	want := make([][]byte, probeRecords)
	for i := range want {
		want[i] = []byte(fmt.Sprintf("probe-record-%05d", i))[:probeRecordSize]
		if err := io.Write(fd, want[i], int64(i*probeRecordSize), nil); err != nil {
			return err
		}
	}
	if err := io.SyncWriteEvents(); err != nil {
		return err
	}

	got := make([][]byte, probeRecords)
	for i := range got {
		got[i] = make([]byte, probeRecordSize)
		if err := io.Read(fd, got[i], int64(i*probeRecordSize), nil); err != nil {
			return err
		}
	}
	if err := io.SyncReadEvents(); err != nil {
		return err
	}
	for i := range want {
		if !bytes.Equal(want[i], got[i]) {
			return fmt.Errorf("record %d read back %q, wrote %q", i, got[i], want[i])
		}
	}
	return nil
}

// DefaultBackend returns the first backend that probes successfully, in the
// order uring, aio, pthread.
func DefaultBackend() (string, error) {
	for _, name := range knownBackends {
		if _, err := lookup(name); err != nil {
			continue
		}
		if Probe(name) {
			return name, nil
		}
	}
	return "", ErrNoBackends
}

// New builds the backend named by cfg. The backend must be compiled in and
// must pass its probe; there is no fallback to another backend.
func New(cfg Config) (AsyncIO, error) {
	cfg = cfg.withDefaults()
	name := cfg.Name()
	if name == "" {
		var err error
		if name, err = DefaultBackend(); err != nil {
			return nil, err
		}
	}
	f, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if err := ProbeBackend(name); err != nil {
		return nil, err
	}
	io, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", name, err)
	}
	log.Info().Msgf("aio backend %s created: entries=%d pool_size=%d", name, cfg.Entries, cfg.PoolSize)
	return io, nil
}
