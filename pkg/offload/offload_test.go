//go:build linux
// +build linux

package offload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/internal/allocators"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestOffloader(t *testing.T, backend string, limit uint64) *Offloader {
	t.Helper()
	if err := aio.ProbeBackend(backend); err != nil {
		t.Skipf("backend %s unavailable: %v", backend, err)
	}
	o, err := New(Config{
		Dir:        t.TempDir(),
		IO:         aio.Config{Backend: backend, Entries: 8, PoolSize: 4},
		SpaceLimit: limit,
	})
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func fill(size int, seed byte) HostBuffer {
	buf := make(HostBuffer, size)
	for i := range buf {
		buf[i] = byte(i*7) + seed
	}
	return buf
}

func TestOffloader_AsyncRoundTrip(t *testing.T) {
	for _, backend := range aio.Backends() {
		t.Run(backend, func(t *testing.T) {
			o := newTestOffloader(t, backend, 0)
			assert.Equal(t, backend, o.Backend())
			assert.True(t, strings.HasPrefix(filepath.Base(o.Filename()), "offload-"))

			sizes := []int{1, 100, 4096, 1 << 16}
			var writes atomic.Int32
			for i, size := range sizes {
				key := fmt.Sprintf("tensor-%d", i)
				require.NoError(t, o.AsyncWrite(fill(size, byte(i)), key, func(err error) {
					assert.NoError(t, err)
					writes.Add(1)
				}))
			}
			require.NoError(t, o.SyncWriteEvents())
			assert.Equal(t, int32(len(sizes)), writes.Load())
			assert.Equal(t, []string{"tensor-0", "tensor-1", "tensor-2", "tensor-3"}, o.Keys())

			var total uint64
			for _, size := range sizes {
				total += uint64(size)
			}
			assert.Equal(t, total, o.UsedBytes())

			got := make([]HostBuffer, len(sizes))
			for i, size := range sizes {
				got[i] = make(HostBuffer, size)
				require.NoError(t, o.AsyncRead(got[i], fmt.Sprintf("tensor-%d", i), nil))
			}
			require.NoError(t, o.SyncReadEvents())
			for i, size := range sizes {
				assert.Equal(t, fill(size, byte(i)), got[i])
			}
			assert.Empty(t, o.Keys())
			assert.Zero(t, o.UsedBytes())

			stats := o.Stats()
			assert.Equal(t, int64(len(sizes)), stats.Writes)
			assert.Equal(t, int64(len(sizes)), stats.Reads)
			assert.Zero(t, stats.PendingWrites)
			assert.Zero(t, stats.PendingReads)
		})
	}
}

func TestOffloader_SyncRoundTrip(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)

	require.NoError(t, o.SyncWrite(fill(300, 1), "a"))
	require.NoError(t, o.SyncWrite(fill(200, 2), "b"))
	assert.Equal(t, uint64(500), o.UsedBytes())

	got := make(HostBuffer, 300)
	require.NoError(t, o.SyncRead(got, "a"))
	assert.Equal(t, fill(300, 1), got)

	// the freed range is reused by the next write of the same size
	space, err := o.PrepareWrite(fill(300, 3), "c")
	require.NoError(t, err)
	assert.Equal(t, allocators.Space{Offset: 0, Bytes: 300}, space)
}

func TestOffloader_Vectored(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)
	segs := []Buffer{fill(10, 1), fill(20, 2), fill(30, 3)}

	require.NoError(t, o.AsyncWritev(segs, "vec", nil))
	require.NoError(t, o.SyncWriteEvents())

	_, err := o.PrepareReadv([]Buffer{make(HostBuffer, 30), make(HostBuffer, 30)}, "vec")
	assert.ErrorIs(t, err, ErrLengthMismatch)

	out := []Buffer{make(HostBuffer, 10), make(HostBuffer, 20), make(HostBuffer, 30)}
	require.NoError(t, o.AsyncReadv(out, "vec", nil))
	require.NoError(t, o.SyncReadEvents())
	assert.Equal(t, segs, out)

	require.NoError(t, o.SyncWritev(segs, "vec2"))
	flat := make(HostBuffer, 60)
	require.NoError(t, o.SyncRead(flat, "vec2"))
	assert.Equal(t, HostBuffer(append(append(fill(10, 1), fill(20, 2)...), fill(30, 3)...)), flat)
}

type deviceBuffer struct{ HostBuffer }

func (deviceBuffer) HostResident() bool { return false }

type stridedBuffer struct{ HostBuffer }

func (stridedBuffer) Contiguous() bool { return false }

func TestOffloader_UsageErrors(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)

	t.Run("read of unknown key", func(t *testing.T) {
		err := o.AsyncRead(make(HostBuffer, 4), "missing", nil)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("double read", func(t *testing.T) {
		require.NoError(t, o.SyncWrite(fill(8, 0), "once"))
		require.NoError(t, o.AsyncRead(make(HostBuffer, 8), "once", nil))
		require.NoError(t, o.SyncReadEvents())
		assert.ErrorIs(t, o.AsyncRead(make(HostBuffer, 8), "once", nil), ErrKeyNotFound)
	})

	t.Run("duplicate write", func(t *testing.T) {
		require.NoError(t, o.SyncWrite(fill(8, 0), "dup"))
		assert.ErrorIs(t, o.SyncWrite(fill(8, 0), "dup"), ErrKeyExists)
	})

	t.Run("length mismatch keeps the key", func(t *testing.T) {
		require.NoError(t, o.SyncWrite(fill(16, 0), "len"))
		assert.ErrorIs(t, o.SyncRead(make(HostBuffer, 15), "len"), ErrLengthMismatch)
		assert.Contains(t, o.Keys(), "len")
	})

	t.Run("read before the write drained", func(t *testing.T) {
		require.NoError(t, o.AsyncWrite(fill(16, 0), "pending", nil))
		assert.ErrorIs(t, o.SyncRead(make(HostBuffer, 16), "pending"), ErrKeyPending)
		require.NoError(t, o.SyncWriteEvents())
		require.NoError(t, o.SyncRead(make(HostBuffer, 16), "pending"))
	})

	t.Run("bad buffers", func(t *testing.T) {
		assert.ErrorIs(t, o.AsyncWrite(HostBuffer{}, "empty", nil), allocators.ErrZeroSize)
		assert.ErrorIs(t, o.AsyncWrite(deviceBuffer{fill(4, 0)}, "dev", nil), ErrNotHostResident)
		assert.ErrorIs(t, o.AsyncWrite(stridedBuffer{fill(4, 0)}, "strided", nil), ErrNotContiguous)
		assert.ErrorIs(t, o.AsyncWritev(nil, "none", nil), ErrNoBuffers)
		assert.ErrorIs(t, o.AsyncWrite(nil, "nil", nil), ErrNoBuffers)
		assert.NotContains(t, o.Keys(), "empty")
	})
}

func TestOffloader_SpaceLimit(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 64)

	require.NoError(t, o.SyncWrite(fill(48, 0), "a"))
	err := o.AsyncWrite(fill(32, 0), "b", nil)
	assert.ErrorIs(t, err, allocators.ErrLimitExceeded)
	assert.Equal(t, []string{"a"}, o.Keys())

	require.NoError(t, o.SyncRead(make(HostBuffer, 48), "a"))
	require.NoError(t, o.SyncWrite(fill(64, 0), "b"))
}

type readyBuffer struct {
	HostBuffer
	waited bool
	err    error
}

func (r *readyBuffer) WaitReady() error {
	r.waited = true
	return r.err
}

func TestOffloader_WaitsForReadiness(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)

	buf := &readyBuffer{HostBuffer: fill(32, 0)}
	require.NoError(t, o.AsyncWrite(buf, "ready", nil))
	assert.True(t, buf.waited)
	require.NoError(t, o.SyncWriteEvents())

	failing := &readyBuffer{HostBuffer: fill(32, 0), err: errors.New("copy stream failed")}
	assert.Error(t, o.AsyncWrite(failing, "never", nil))
	assert.Equal(t, []string{"ready"}, o.Keys())
	assert.Equal(t, uint64(32), o.UsedBytes())
}

// scriptedIO fails submissions or completions on demand.
type scriptedIO struct {
	aio.AsyncIO
	submitErr   error
	completeErr error
}

func (s *scriptedIO) Write(fd int, buf []byte, offset int64, cb aio.Callback) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	if s.completeErr != nil {
		return s.AsyncIO.Write(fd, buf, offset, func(error) { cb(s.completeErr) })
	}
	return s.AsyncIO.Write(fd, buf, offset, cb)
}

func (s *scriptedIO) Read(fd int, buf []byte, offset int64, cb aio.Callback) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	return s.AsyncIO.Read(fd, buf, offset, cb)
}

func newScriptedOffloader(t *testing.T) (*Offloader, *scriptedIO) {
	t.Helper()
	if !aio.Probe(aio.BackendPthread) {
		t.Skip("pthread backend unavailable")
	}
	inner, err := aio.New(aio.Config{Backend: aio.BackendPthread})
	require.NoError(t, err)
	io := &scriptedIO{AsyncIO: inner}

	path := filepath.Join(t.TempDir(), "scripted")
	file, direct, err := createBackingFile(path, false)
	require.NoError(t, err)
	o := newOffloader(io, file, path, direct, 0)
	t.Cleanup(func() { o.Close() })
	return o, io
}

func TestOffloader_FailedWriteReleasesSpace(t *testing.T) {
	o, io := newScriptedOffloader(t)

	io.submitErr = errors.New("queue rejected")
	assert.ErrorIs(t, o.AsyncWrite(fill(10, 0), "k", nil), io.submitErr)
	assert.Empty(t, o.Keys())
	assert.Zero(t, o.UsedBytes())

	io.submitErr = nil
	io.completeErr = errors.New("media error")
	var cbErr error
	require.NoError(t, o.AsyncWrite(fill(10, 0), "k", func(err error) { cbErr = err }))
	require.NoError(t, o.SyncWriteEvents())
	assert.ErrorIs(t, cbErr, io.completeErr)
	assert.Empty(t, o.Keys())
	assert.Zero(t, o.UsedBytes())
}

func TestOffloader_FailedReadSubmissionKeepsKey(t *testing.T) {
	o, io := newScriptedOffloader(t)
	require.NoError(t, o.AsyncWrite(fill(10, 0), "k", nil))
	require.NoError(t, o.SyncWriteEvents())

	io.submitErr = errors.New("queue rejected")
	assert.Error(t, o.AsyncRead(make(HostBuffer, 10), "k", nil))
	assert.Equal(t, []string{"k"}, o.Keys())

	io.submitErr = nil
	got := make(HostBuffer, 10)
	require.NoError(t, o.AsyncRead(got, "k", nil))
	require.NoError(t, o.SyncReadEvents())
	assert.Equal(t, fill(10, 0), got)
}

func TestOffloader_ConcurrentWritersAndReaders(t *testing.T) {
	const (
		workers = 8
		perKey  = 16
		lag     = 3
		size    = 8192
	)
	o := newTestOffloader(t, aio.BackendPthread, 0)

	// every worker writes its keys in order and reads back the key written lag
	// steps earlier, draining from its own goroutine while the others submit
	read := func(idx int, sum uint64) error {
		buf := make(HostBuffer, size)
		if err := o.AsyncRead(buf, fmt.Sprintf("k%d", idx), nil); err != nil {
			return err
		}
		if err := o.SyncReadEvents(); err != nil {
			return err
		}
		if got := xxhash.Sum64(buf); got != sum {
			return fmt.Errorf("content of k%d: sum %x, want %x", idx, got, sum)
		}
		return nil
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			sums := make([]uint64, perKey)
			for i := 0; i < perKey; i++ {
				idx := w*perKey + i
				buf := fill(size, byte(idx))
				sums[i] = xxhash.Sum64(buf)
				if err := o.AsyncWrite(buf, fmt.Sprintf("k%d", idx), nil); err != nil {
					return err
				}
				if err := o.SyncWriteEvents(); err != nil {
					return err
				}
				if i >= lag {
					if err := read(idx-lag, sums[i-lag]); err != nil {
						return err
					}
				}
			}
			for i := perKey - lag; i < perKey; i++ {
				if err := read(w*perKey+i, sums[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, o.Synchronize())

	s := o.Stats()
	assert.Zero(t, s.PendingWrites)
	assert.Zero(t, s.PendingReads)
	assert.Equal(t, int64(workers*perKey), s.Writes)
	assert.Equal(t, int64(workers*perKey), s.Reads)
	assert.Empty(t, o.Keys())
	assert.Zero(t, o.UsedBytes())
}

func TestOffloader_CloseRemovesFile(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)
	require.NoError(t, o.AsyncWrite(fill(64, 0), "k", nil))
	path := o.Filename()

	require.NoError(t, o.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, o.SyncWrite(fill(8, 0), "late"), ErrClosed)
	assert.ErrorIs(t, o.AsyncRead(make(HostBuffer, 64), "k", nil), ErrClosed)
	assert.NoError(t, o.Close())
}

func TestOffloader_DirectIO(t *testing.T) {
	if !aio.Probe(aio.BackendPthread) {
		t.Skip("pthread backend unavailable")
	}
	o, err := New(Config{Dir: t.TempDir(), IO: aio.Config{Backend: aio.BackendPthread}, DirectIO: true})
	require.NoError(t, err)
	defer o.Close()
	if !o.DirectIO() {
		t.Skip("filesystem refused O_DIRECT")
	}

	assert.ErrorIs(t, o.AsyncWrite(fill(100, 0), "unaligned", nil), ErrBufNoAlign)

	src, err := NewAlignedBuffer(2 * BLOCK_SIZE)
	require.NoError(t, err)
	defer src.Release()
	copy(src.Bytes(), fill(2*BLOCK_SIZE, 5))

	require.NoError(t, o.AsyncWrite(src, "aligned", nil))
	require.NoError(t, o.SyncWriteEvents())

	dst, err := NewAlignedBuffer(2 * BLOCK_SIZE)
	require.NoError(t, err)
	defer dst.Release()
	require.NoError(t, o.AsyncRead(dst, "aligned", nil))
	require.NoError(t, o.SyncReadEvents())
	assert.Equal(t, src.Bytes(), dst.Bytes())
}

func TestOffloader_RunReporterStops(t *testing.T) {
	o := newTestOffloader(t, aio.BackendPthread, 0)
	require.NoError(t, o.SyncWrite(fill(16, 0), "k"))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		o.RunReporter(stop, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	close(stop)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}
