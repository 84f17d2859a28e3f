//go:build linux
// +build linux

package aio

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	iocbCmdPread   = 0
	iocbCmdPwrite  = 1
	iocbCmdPreadv  = 7
	iocbCmdPwritev = 8

	// bounds a single io_getevents wait; the drain loops until it is satisfied
	aioPollTimeout = 10 * time.Millisecond
)

// iocb mirrors struct iocb for little-endian targets.
type iocb struct {
	Data      uint64
	Key       uint32
	RwFlags   int32
	LioOpcode uint16
	ReqPrio   int16
	Fildes    uint32
	Buf       uint64
	Nbytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFd     uint32
}

// ioEvent mirrors struct io_event.
type ioEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// legacyAIO is the "aio" backend.
type legacyAIO struct {
	kernelQueue

	ctx    uintptr
	events []ioEvent // guarded by cqMu
}

func newLegacyAIO(cfg Config) (AsyncIO, error) {
	var ctx uintptr
	if _, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(cfg.Entries), uintptr(unsafe.Pointer(&ctx)), 0); errno != 0 {
		return nil, fmt.Errorf("io_setup failed: %w", errno)
	}
	a := &legacyAIO{ctx: ctx, events: make([]ioEvent, cfg.Entries)}
	a.kernelQueue.name = BackendAIO
	a.kernelQueue.entries = int64(cfg.Entries)
	a.kernelQueue.harvest = a.getEvents
	log.Debug().Msgf("aio context ready: ctx=%#x entries=%d", ctx, cfg.Entries)
	return a, nil
}

// getEvents harvests finished iocbs. Called with cqMu held.
func (a *legacyAIO) getEvents(wait bool) error {
	for {
		minNr := 0
		var ts unix.Timespec
		if wait {
			minNr = 1
			ts = unix.NsecToTimespec(int64(aioPollTimeout))
		}
		n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, a.ctx, uintptr(minNr), uintptr(len(a.events)),
			uintptr(unsafe.Pointer(&a.events[0])), uintptr(unsafe.Pointer(&ts)), 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return fmt.Errorf("io_getevents: %w", errno)
		}
		for i := 0; i < int(n); i++ {
			ev := a.events[i]
			a.events[i] = ioEvent{}
			a.complete(ev.Data, ev.Res)
		}
		if n > 0 || !wait || a.inKernel.Load() <= 0 {
			return nil
		}
	}
}

func (a *legacyAIO) prep(o *op) *iocb {
	cb := &iocb{
		Fildes: uint32(o.fd),
		Offset: o.offset,
	}
	switch o.kind {
	case KindWrite:
		cb.LioOpcode = iocbCmdPwrite
	case KindRead:
		cb.LioOpcode = iocbCmdPread
	case KindWritev:
		cb.LioOpcode = iocbCmdPwritev
	case KindReadv:
		cb.LioOpcode = iocbCmdPreadv
	}
	if o.vectored() {
		o.buildIovecs()
		cb.Buf = iovecAddr(o.iovecs)
		cb.Nbytes = uint64(len(o.iovecs))
	} else {
		cb.Buf = bufAddr(o.buf)
		cb.Nbytes = uint64(len(o.buf))
	}
	return cb
}

func (a *legacyAIO) enqueue(o *op) error {
	if err := validate(o.fd, o.offset); err != nil {
		return err
	}
	if len(o.bufs) > iovMax {
		return fmt.Errorf("%w: %s in %d segments", ErrInvalidArgument, o.kind, len(o.bufs))
	}

	a.sqMu.Lock()
	defer a.sqMu.Unlock()

	if a.closed.Load() {
		return ErrClosed
	}
	if o.length() == 0 {
		// nothing for the kernel to do; complete in place
		a.begin(o)
		a.park(o)
		return nil
	}
	if err := a.admit(); err != nil {
		return err
	}

	o.ctl = a.prep(o)
	handle := a.slab.put(o)
	o.ctl.Data = handle
	a.begin(o)

	cbs := [1]*iocb{o.ctl}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, a.ctx, 1, uintptr(unsafe.Pointer(&cbs[0])))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			a.slab.take(handle)
			a.abort(o)
			return fmt.Errorf("io_submit failed: %w", errno)
		}
		break
	}
	a.inKernel.Add(1)
	return nil
}

func (a *legacyAIO) Write(fd int, buf []byte, offset int64, cb Callback) error {
	return a.enqueue(newOp(KindWrite, fd, buf, nil, offset, cb))
}

func (a *legacyAIO) Read(fd int, buf []byte, offset int64, cb Callback) error {
	return a.enqueue(newOp(KindRead, fd, buf, nil, offset, cb))
}

func (a *legacyAIO) Writev(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return a.enqueue(newOp(KindWritev, fd, nil, bufs, offset, cb))
}

func (a *legacyAIO) Readv(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return a.enqueue(newOp(KindReadv, fd, nil, bufs, offset, cb))
}

// RegisterFile is a no-op for kernel AIO.
func (a *legacyAIO) RegisterFile(fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd %d", ErrInvalidArgument, fd)
	}
	return nil
}

func (a *legacyAIO) Close() error {
	first, err := a.shutdown()
	if !first {
		return nil
	}
	if errors.Is(err, ErrInFlight) {
		return err
	}
	if _, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, a.ctx, 0, 0); errno != 0 {
		err = errors.Join(err, fmt.Errorf("io_destroy: %w", errno))
	}
	return err
}
