package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, aio.DefaultEntries, cfg.Entries)
	assert.Equal(t, aio.DefaultPoolSize, cfg.PoolSize)
	assert.Zero(t, cfg.SpaceLimit)
	assert.Equal(t, os.TempDir(), cfg.Dir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv(KeyBackend, "pthread")
	t.Setenv(KeyDefaultBackend, "uring")
	t.Setenv(KeyEntries, "64")
	t.Setenv(KeyPoolSize, "3")
	t.Setenv(KeySpaceLimit, "1048576")

	cfg, err := Load("")
	require.NoError(t, err)

	io := cfg.AIO()
	assert.Equal(t, "pthread", io.Name())
	assert.Equal(t, "uring", io.Backend)
	assert.Equal(t, 64, io.Entries)
	assert.Equal(t, 3, io.PoolSize)

	off := cfg.Offload()
	assert.Equal(t, uint64(1<<20), off.SpaceLimit)
	assert.Equal(t, io, off.IO)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
OFFLOAD_DEFAULT_BACKEND: aio
OFFLOAD_N_ENTRIES: 32
OFFLOAD_DIRECT_IO: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "aio", cfg.DefaultBackend)
	assert.Equal(t, 32, cfg.Entries)
	assert.True(t, cfg.DirectIO)

	t.Setenv(KeyEntries, "8")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Entries)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{KeyBackend, "spdk"},
		{KeyDefaultBackend, "nvme"},
		{KeyEntries, "0"},
		{KeyPoolSize, "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load("")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
