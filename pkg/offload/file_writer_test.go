//go:build linux
// +build linux

package offload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriter_Append(t *testing.T) {
	if !aio.Probe(aio.BackendPthread) {
		t.Skip("pthread backend unavailable")
	}
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("head"), 0o644))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewFileWriter(f, aio.Config{Backend: aio.BackendPthread})
	require.NoError(t, err)
	assert.Equal(t, int64(4), w.Offset())

	var done int
	off, err := w.Append([]byte("-first"), func(err error) {
		assert.NoError(t, err)
		done++
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), off)

	off, err = w.Append([]byte("-second"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), off)
	assert.Equal(t, int64(17), w.Offset())

	require.NoError(t, w.Synchronize())
	assert.Equal(t, 1, done)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "head-first-second", string(got))
}
