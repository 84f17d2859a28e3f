//go:build linux
// +build linux

package aio

import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"golang.org/x/sys/unix"
)

// op is a pending operation. Everything the kernel may dereference (buffers,
// iovecs, iocb) is referenced from here until the completion is delivered.
type op struct {
	kind   Kind
	fd     int
	offset int64
	buf    []byte
	bufs   [][]byte
	cb     Callback
	start  time.Time

	iovecs []unix.Iovec
	ctl    *iocb // legacy AIO control block

	n   int
	err error

	done chan struct{} // thread pool completion token
}

func newOp(kind Kind, fd int, buf []byte, bufs [][]byte, offset int64, cb Callback) *op {
	return &op{kind: kind, fd: fd, offset: offset, buf: buf, bufs: bufs, cb: cb, start: time.Now()}
}

func (o *op) length() int {
	if o.kind == KindWritev || o.kind == KindReadv {
		return totalLen(o.bufs)
	}
	return len(o.buf)
}

func (o *op) vectored() bool {
	return o.kind == KindWritev || o.kind == KindReadv
}

// buildIovecs fills o.iovecs from o.bufs. Empty segments keep a nil base.
func (o *op) buildIovecs() {
	o.iovecs = make([]unix.Iovec, len(o.bufs))
	for i, b := range o.bufs {
		if len(b) > 0 {
			o.iovecs[i].Base = &b[0]
		}
		o.iovecs[i].SetLen(len(b))
	}
}

func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func iovecAddr(iov []unix.Iovec) uint64 {
	return uint64(uintptr(unsafe.Pointer(&iov[0])))
}

// finish records a kernel style result: a negative value is -errno, any other
// value is the number of bytes moved.
func (o *op) finish(backend string, res int64) {
	want := o.length()
	switch {
	case res < 0:
		o.err = &OpError{Backend: backend, Kind: o.kind, Fd: o.fd, Offset: o.offset, Len: want, Err: syscall.Errno(-res)}
	case int(res) != want:
		o.n = int(res)
		o.err = &OpError{Backend: backend, Kind: o.kind, Fd: o.fd, Offset: o.offset, Len: want, N: int(res), Err: ErrShortTransfer}
	default:
		o.n = int(res)
	}
}

func (o *op) class() int {
	if o.kind.IsWrite() {
		return classWrite
	}
	return classRead
}

func opTags(backend string, kind Kind) []string {
	return metrics.BuildTag(
		metrics.NewTag(metrics.TAG_BACKEND, backend),
		metrics.NewTag(metrics.TAG_KIND, kind.String()),
	)
}

// opSlab stores pending operations by handle. A handle packs the slot index in
// the low 32 bits and the slot generation in the high 32 bits, so a stale or
// foreign completion can be told apart from a live one.
type opSlab struct {
	mu    sync.Mutex
	slots []slabSlot
	free  []uint32
}

type slabSlot struct {
	gen uint32
	op  *op
}

func (s *opSlab) put(o *op) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slabSlot{})
	}
	slot := &s.slots[idx]
	slot.gen++
	slot.op = o
	return uint64(slot.gen)<<32 | uint64(idx)
}

func (s *opSlab) take(handle uint64) (*op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := uint32(handle)
	gen := uint32(handle >> 32)
	if int(idx) >= len(s.slots) {
		return nil, fmt.Errorf("%w: handle %#x", ErrUnknownCompletion, handle)
	}
	slot := &s.slots[idx]
	if slot.op == nil || slot.gen != gen {
		return nil, fmt.Errorf("%w: handle %#x", ErrUnknownCompletion, handle)
	}
	o := slot.op
	slot.op = nil
	s.free = append(s.free, idx)
	return o, nil
}

func (s *opSlab) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) - len(s.free)
}
