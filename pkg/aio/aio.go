// Package aio submits positional reads and writes to the kernel without
// blocking the caller and delivers their completions through callbacks.
//
// Three backends implement the same AsyncIO contract: "uring" (io_uring),
// "aio" (the Linux native io_setup/io_submit interface) and "pthread" (a
// bounded pool of goroutines issuing blocking pread/pwrite). Use New to build
// one by name.
package aio

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	ErrClosed              = errors.New("aio: backend is closed")
	ErrInvalidArgument     = errors.New("aio: invalid argument")
	ErrShortTransfer       = errors.New("aio: short transfer")
	ErrUnknownCompletion   = errors.New("aio: completion does not match a pending operation")
	ErrUnknownBackend      = errors.New("aio: unknown backend")
	ErrBackendNotInstalled = errors.New("aio: backend not available in this build")
	ErrProbeFailed         = errors.New("aio: backend probe failed")
	ErrNoBackends          = errors.New("aio: no usable backend")
	ErrInFlight            = errors.New("aio: operations still owned by the kernel")
)

// Callback is invoked exactly once per operation, on the goroutine that
// delivers the completion. err is nil on success.
type Callback func(err error)

// AsyncIO is the contract shared by every backend.
//
// Submissions return as soon as the operation is queued. The buffers passed in
// must not be touched by the caller until the callback has run. Callbacks are
// run by Poll, SyncWriteEvents, SyncReadEvents or Synchronize; the pending
// counter of an operation is decremented only after its callback returns.
type AsyncIO interface {
	Name() string

	Write(fd int, buf []byte, offset int64, cb Callback) error
	Read(fd int, buf []byte, offset int64, cb Callback) error
	Writev(fd int, bufs [][]byte, offset int64, cb Callback) error
	Readv(fd int, bufs [][]byte, offset int64, cb Callback) error

	// Poll delivers whatever has already completed without waiting and
	// returns the number of callbacks it ran.
	Poll() (int, error)
	// SyncWriteEvents blocks until no write is pending.
	SyncWriteEvents() error
	// SyncReadEvents blocks until no read is pending.
	SyncReadEvents() error
	// Synchronize drains writes and then reads.
	Synchronize() error

	// RegisterFile hints that fd will be used repeatedly. Backends that have
	// no use for the hint ignore it.
	RegisterFile(fd int) error

	PendingWrites() int64
	PendingReads() int64

	// Close drains every pending operation and then releases the queue.
	Close() error
}

// Kind identifies the operation an OpError or a metric refers to.
type Kind uint8

const (
	KindWrite Kind = iota
	KindRead
	KindWritev
	KindReadv
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindWritev:
		return "writev"
	case KindReadv:
		return "readv"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsWrite reports whether the operation moves data to the file.
func (k Kind) IsWrite() bool {
	return k == KindWrite || k == KindWritev
}

// OpError describes a failed or short operation.
type OpError struct {
	Backend string
	Kind    Kind
	Fd      int
	Offset  int64
	Len     int
	N       int
	Err     error
}

func (e *OpError) Error() string {
	if errors.Is(e.Err, ErrShortTransfer) {
		return fmt.Sprintf("%s %s fd=%d off=%d: transferred %d of %d bytes", e.Backend, e.Kind, e.Fd, e.Offset, e.N, e.Len)
	}
	return fmt.Sprintf("%s %s fd=%d off=%d len=%d: %v", e.Backend, e.Kind, e.Fd, e.Offset, e.Len, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Errno returns the OS error number, or 0 for a short transfer.
func (e *OpError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

func totalLen(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	return n
}

func validate(fd int, offset int64) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd %d", ErrInvalidArgument, fd)
	}
	if offset < 0 {
		return fmt.Errorf("%w: offset %d", ErrInvalidArgument, offset)
	}
	return nil
}
