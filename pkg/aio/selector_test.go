//go:build linux
// +build linux

package aio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackends(t *testing.T) {
	assert.Equal(t, []string{BackendAIO, BackendPthread, BackendURing}, Backends())
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "spdk"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(Config{Backend: BackendPthread, Override: "nvme"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	assert.ErrorIs(t, ProbeBackend("spdk"), ErrUnknownBackend)
	assert.False(t, Probe("spdk"))
}

func TestNew_OverrideWins(t *testing.T) {
	if !Probe(BackendPthread) {
		t.Skip("pthread backend unavailable")
	}
	io, err := New(Config{Backend: "bogus", Override: BackendPthread})
	require.NoError(t, err)
	defer io.Close()
	assert.Equal(t, BackendPthread, io.Name())
}

func TestNew_DefaultBackend(t *testing.T) {
	name, err := DefaultBackend()
	if err != nil {
		assert.ErrorIs(t, err, ErrNoBackends)
		return
	}
	assert.Contains(t, knownBackends, name)

	io, err := New(Config{})
	require.NoError(t, err)
	defer io.Close()
	assert.Equal(t, name, io.Name())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultEntries, cfg.Entries)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)

	cfg = Config{Entries: 64, PoolSize: 3}.withDefaults()
	assert.Equal(t, 64, cfg.Entries)
	assert.Equal(t, 3, cfg.PoolSize)

	assert.Equal(t, "aio", Config{Backend: "uring", Override: "aio"}.Name())
	assert.Equal(t, "uring", Config{Backend: "uring"}.Name())
}

func TestProbeIsCached(t *testing.T) {
	for _, name := range Backends() {
		first := ProbeBackend(name)
		second := ProbeBackend(name)
		assert.Equal(t, first, second, name)
		if first != nil {
			assert.ErrorIs(t, first, ErrProbeFailed)
		}
	}
}
