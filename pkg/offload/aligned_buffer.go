//go:build linux
// +build linux

package offload

import (
	"runtime/pprof"

	"golang.org/x/sys/unix"
)

var mmapProf = pprof.NewProfile("diskoffload_mmap") // will show up in /debug/pprof/

// AlignedBuffer is a page aligned host buffer backed by an anonymous mapping.
// It satisfies the alignment rules of an O_DIRECT backing file.
type AlignedBuffer struct {
	buf []byte
}

// NewAlignedBuffer maps size bytes rounded up to BLOCK_SIZE.
func NewAlignedBuffer(size int) (*AlignedBuffer, error) {
	if rem := size % BLOCK_SIZE; rem != 0 {
		size += BLOCK_SIZE - rem
	}
	if size == 0 {
		size = BLOCK_SIZE
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	mmapProf.Add(&b[0], 1)
	return &AlignedBuffer{buf: b}, nil
}

func (a *AlignedBuffer) Bytes() []byte {
	return a.buf
}

func (a *AlignedBuffer) Contiguous() bool {
	return true
}

func (a *AlignedBuffer) HostResident() bool {
	return a.buf != nil
}

// Release unmaps the buffer. It must not be in flight.
func (a *AlignedBuffer) Release() error {
	if a.buf == nil {
		return nil
	}
	mmapProf.Remove(&a.buf[0])
	err := unix.Munmap(a.buf)
	a.buf = nil
	return err
}
