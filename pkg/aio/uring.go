//go:build linux
// +build linux

package aio

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------
// io_uring constants
// -----------------------------------------------------------------------

const (
	// Enter flags
	iouringEnterGetEvents = 1 << 0

	// Features
	iouringFeatSingleMmap = 1 << 0

	// SQE flags
	iosqeFixedFile = 1 << 0

	// Opcodes
	iouringOpNop    = 0
	iouringOpReadv  = 1
	iouringOpWritev = 2
	iouringOpRead   = 22
	iouringOpWrite  = 23

	// Register opcodes
	iouringRegisterFiles   = 2
	iouringUnregisterFiles = 3

	// offsets for mmap
	iouringOffSQRing = 0
	iouringOffCQRing = 0x8000000
	iouringOffSQEs   = 0x10000000

	// UIO_MAXIOV
	iovMax = 1024
)

// -----------------------------------------------------------------------
// io_uring kernel structures (must match kernel ABI exactly)
// -----------------------------------------------------------------------

// ioUringSqe is the 64-byte submission queue entry.
type ioUringSqe struct {
	Opcode   uint8
	Flags    uint8
	IoPrio   uint16
	Fd       int32
	Off      uint64 // union: off / addr2
	Addr     uint64 // union: addr / splice_off_in
	Len      uint32
	OpFlags  uint32 // union: rw_flags, etc.
	UserData uint64
	BufIndex uint16 // union: buf_index / buf_group
	_        uint16 // personality
	_        int32  // splice_fd_in / file_index
	_        uint64 // addr3
	_        uint64 // __pad2[0]
}

// ioUringCqe is the 16-byte completion queue entry.
type ioUringCqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type ioUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        ioUringSqringOffsets
	CqOff        ioUringCqringOffsets
}

type ioUringSqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type ioUringCqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// -----------------------------------------------------------------------
// ring is the "uring" backend
// -----------------------------------------------------------------------

type ring struct {
	kernelQueue

	fd int

	// SQ ring mapped memory, guarded by sqMu
	sqRingPtr  []byte
	sqMask     uint32
	sqEntries  uint32
	sqHead     *uint32 // kernel-updated
	sqTail     *uint32 // user-updated
	sqArray    unsafe.Pointer
	sqeTail    uint32 // local tracking of next SQE slot
	sqeHead    uint32 // local tracking of submitted SQEs
	sqesMmap   []byte
	sqesBase   unsafe.Pointer
	sqRingSz   int
	cqRingSz   int
	sqesSz     int
	singleMmap bool

	// CQ ring mapped memory, guarded by cqMu
	cqRingPtr []byte
	cqMask    uint32
	cqHead    *uint32 // user-updated
	cqTail    *uint32 // kernel-updated
	cqesBase  unsafe.Pointer

	// registered file table, guarded by sqMu
	files map[int]int32
}

func newRing(cfg Config) (AsyncIO, error) {
	var params ioUringParams

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(cfg.Entries), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup failed: %w", errno)
	}

	r := &ring{fd: int(fd)}
	r.kernelQueue.name = BackendURing
	r.kernelQueue.entries = int64(cfg.Entries)
	r.kernelQueue.harvest = r.reap

	if err := r.mapRings(&params); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	log.Debug().Msgf("io_uring ready: fd=%d sq_entries=%d cq_entries=%d features=%#x",
		r.fd, params.SqEntries, params.CqEntries, params.Features)
	return r, nil
}

func (r *ring) mapRings(p *ioUringParams) error {
	sqOff := &p.SqOff
	cqOff := &p.CqOff

	r.sqRingSz = int(sqOff.Array + p.SqEntries*4)
	r.cqRingSz = int(cqOff.Cqes + p.CqEntries*uint32(unsafe.Sizeof(ioUringCqe{})))

	r.singleMmap = p.Features&iouringFeatSingleMmap != 0
	if r.singleMmap && r.cqRingSz > r.sqRingSz {
		r.sqRingSz = r.cqRingSz
	}

	var err error
	r.sqRingPtr, err = unix.Mmap(r.fd, iouringOffSQRing, r.sqRingSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap SQ ring: %w", err)
	}

	if r.singleMmap {
		r.cqRingPtr = r.sqRingPtr
	} else {
		r.cqRingPtr, err = unix.Mmap(r.fd, iouringOffCQRing, r.cqRingSz,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(r.sqRingPtr)
			return fmt.Errorf("mmap CQ ring: %w", err)
		}
	}

	r.sqesSz = int(p.SqEntries) * int(unsafe.Sizeof(ioUringSqe{}))
	r.sqesMmap, err = unix.Mmap(r.fd, iouringOffSQEs, r.sqesSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(r.sqRingPtr)
		if !r.singleMmap {
			unix.Munmap(r.cqRingPtr)
		}
		return fmt.Errorf("mmap SQEs: %w", err)
	}
	r.sqesBase = unsafe.Pointer(&r.sqesMmap[0])

	sqBase := unsafe.Pointer(&r.sqRingPtr[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, sqOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, sqOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, sqOff.RingMask))
	r.sqEntries = *(*uint32)(unsafe.Add(sqBase, sqOff.RingEntries))
	r.sqArray = unsafe.Add(sqBase, sqOff.Array)

	cqBase := unsafe.Pointer(&r.cqRingPtr[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, cqOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, cqOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, cqOff.RingMask))
	r.cqesBase = unsafe.Add(cqBase, cqOff.Cqes)

	return nil
}

func (r *ring) unmap() {
	unix.Munmap(r.sqesMmap)
	unix.Munmap(r.sqRingPtr)
	if !r.singleMmap {
		unix.Munmap(r.cqRingPtr)
	}
}

// Close drains the ring and releases it.
func (r *ring) Close() error {
	first, err := r.shutdown()
	if !first {
		return nil
	}
	if errors.Is(err, ErrInFlight) {
		return err
	}
	r.unmap()
	return errors.Join(err, unix.Close(r.fd))
}

// -----------------------------------------------------------------------
// SQE helpers
// -----------------------------------------------------------------------

func (r *ring) getSqeAt(idx uint32) *ioUringSqe {
	return (*ioUringSqe)(unsafe.Add(r.sqesBase, uintptr(idx)*unsafe.Sizeof(ioUringSqe{})))
}

func (r *ring) getCqeAt(idx uint32) *ioUringCqe {
	return (*ioUringCqe)(unsafe.Add(r.cqesBase, uintptr(idx)*unsafe.Sizeof(ioUringCqe{})))
}

func (r *ring) sqArrayAt(idx uint32) *uint32 {
	return (*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4))
}

// getSqe returns the next available SQE, or nil if the SQ is full.
func (r *ring) getSqe() *ioUringSqe {
	head := atomic.LoadUint32(r.sqHead)
	next := r.sqeTail + 1
	if next-head > r.sqEntries {
		return nil
	}
	sqe := r.getSqeAt(r.sqeTail & r.sqMask)
	r.sqeTail++
	*sqe = ioUringSqe{}
	return sqe
}

// flushSq publishes locally queued SQEs to the kernel-visible SQ ring.
func (r *ring) flushSq() uint32 {
	tail := *r.sqTail
	toSubmit := r.sqeTail - r.sqeHead
	if toSubmit == 0 {
		return tail - atomic.LoadUint32(r.sqHead)
	}
	for ; toSubmit > 0; toSubmit-- {
		*r.sqArrayAt(tail & r.sqMask) = r.sqeHead & r.sqMask
		tail++
		r.sqeHead++
	}
	atomic.StoreUint32(r.sqTail, tail)
	return tail - atomic.LoadUint32(r.sqHead)
}

// unflushSq withdraws the last published SQE after a failed io_uring_enter.
// The kernel only consumes SQEs inside io_uring_enter, so the slot is unused.
func (r *ring) unflushSq() {
	r.sqeTail--
	r.sqeHead--
	atomic.StoreUint32(r.sqTail, *r.sqTail-1)
}

func ioUringEnter(fd int, toSubmit, minComplete, flags uint32) (int, error) {
	ret, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return int(ret), errno
	}
	return int(ret), nil
}

// submit hands the flushed SQEs to the kernel, retrying on EINTR.
func (r *ring) submit() error {
	toSubmit := r.flushSq()
	for {
		_, err := ioUringEnter(r.fd, toSubmit, 0, 0)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EBUSY:
			// kernel is short on resources or has overflowed completions
			r.cqMu.Lock()
			reapErr := r.reap(r.inKernel.Load() > 0)
			r.cqMu.Unlock()
			if reapErr != nil {
				return reapErr
			}
			continue
		}
		return err
	}
}

// reap moves every available CQE onto the done lists. Called with cqMu held.
func (r *ring) reap(wait bool) error {
	for {
		n := 0
		head := atomic.LoadUint32(r.cqHead)
		tail := atomic.LoadUint32(r.cqTail)
		for ; head != tail; head++ {
			cqe := r.getCqeAt(head & r.cqMask)
			userData, res := cqe.UserData, cqe.Res
			atomic.StoreUint32(r.cqHead, head+1)
			r.complete(userData, int64(res))
			n++
		}
		if n > 0 || !wait || r.inKernel.Load() <= 0 {
			return nil
		}
		if _, err := ioUringEnter(r.fd, 0, 1, iouringEnterGetEvents); err != nil && err != unix.EINTR {
			return fmt.Errorf("io_uring wait cqe: %w", err)
		}
	}
}

// -----------------------------------------------------------------------
// Prep helpers
// -----------------------------------------------------------------------

func (r *ring) prep(sqe *ioUringSqe, o *op) {
	if n := o.length(); n == 0 {
		sqe.Opcode = iouringOpNop
		return
	}
	if idx, ok := r.files[o.fd]; ok {
		sqe.Fd = idx
		sqe.Flags |= iosqeFixedFile
	} else {
		sqe.Fd = int32(o.fd)
	}
	sqe.Off = uint64(o.offset)

	switch o.kind {
	case KindWrite, KindRead:
		sqe.Opcode = iouringOpRead
		if o.kind == KindWrite {
			sqe.Opcode = iouringOpWrite
		}
		sqe.Addr = bufAddr(o.buf)
		sqe.Len = uint32(len(o.buf))
	case KindWritev, KindReadv:
		sqe.Opcode = iouringOpReadv
		if o.kind == KindWritev {
			sqe.Opcode = iouringOpWritev
		}
		o.buildIovecs()
		sqe.Addr = iovecAddr(o.iovecs)
		sqe.Len = uint32(len(o.iovecs))
	}
}

func (r *ring) enqueue(o *op) error {
	if err := validate(o.fd, o.offset); err != nil {
		return err
	}
	if uint64(o.length()) > math.MaxUint32 || len(o.bufs) > iovMax {
		return fmt.Errorf("%w: %s of %d bytes in %d segments", ErrInvalidArgument, o.kind, o.length(), len(o.bufs))
	}

	r.sqMu.Lock()
	defer r.sqMu.Unlock()

	if err := r.admit(); err != nil {
		return err
	}
	sqe := r.getSqe()
	if sqe == nil {
		return fmt.Errorf("io_uring: SQ full, no SQE available")
	}
	r.prep(sqe, o)
	handle := r.slab.put(o)
	sqe.UserData = handle
	r.begin(o)

	if err := r.submit(); err != nil {
		r.unflushSq()
		r.slab.take(handle)
		r.abort(o)
		return fmt.Errorf("io_uring_enter failed: %w", err)
	}
	r.inKernel.Add(1)
	return nil
}

func (r *ring) Write(fd int, buf []byte, offset int64, cb Callback) error {
	return r.enqueue(newOp(KindWrite, fd, buf, nil, offset, cb))
}

func (r *ring) Read(fd int, buf []byte, offset int64, cb Callback) error {
	return r.enqueue(newOp(KindRead, fd, buf, nil, offset, cb))
}

func (r *ring) Writev(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return r.enqueue(newOp(KindWritev, fd, nil, bufs, offset, cb))
}

func (r *ring) Readv(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return r.enqueue(newOp(KindReadv, fd, nil, bufs, offset, cb))
}

// RegisterFile adds fd to the ring's fixed file table. On failure the ring
// keeps using plain descriptors.
func (r *ring) RegisterFile(fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd %d", ErrInvalidArgument, fd)
	}
	r.sqMu.Lock()
	defer r.sqMu.Unlock()

	if _, ok := r.files[fd]; ok {
		return nil
	}
	fds := make([]int32, 0, len(r.files)+1)
	for f, idx := range r.files {
		for int(idx) >= len(fds) {
			fds = append(fds, -1)
		}
		fds[idx] = int32(f)
	}
	fds = append(fds, int32(fd))

	if len(r.files) > 0 {
		if _, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), iouringUnregisterFiles, 0, 0, 0, 0); errno != 0 {
			log.Warn().Err(errno).Msg("io_uring unregister files failed, using plain descriptors")
			r.files = nil
			return nil
		}
		r.files = nil
	}
	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_REGISTER, uintptr(r.fd), iouringRegisterFiles,
		uintptr(unsafe.Pointer(&fds[0])), uintptr(len(fds)), 0, 0)
	if errno != 0 {
		log.Warn().Err(errno).Msgf("io_uring register files failed for fd %d, using plain descriptors", fd)
		return nil
	}
	r.files = make(map[int]int32, len(fds))
	for i, f := range fds {
		if f >= 0 {
			r.files[int(f)] = int32(i)
		}
	}
	return nil
}
