//go:build linux
// +build linux

package aio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	enqueueBackoffMin = 10 * time.Microsecond
	enqueueBackoffMax = 2 * time.Millisecond
)

// threadPool is the "pthread" backend: a fixed set of worker goroutines
// running blocking positional syscalls fed from a bounded channel.
//
// Every operation carries a done channel. Drains walk the per-class FIFO of
// tokens in submission order, wait on each and then run its callback.
// Deliveries of one class are serialized by drainMu, so a drain returns only
// after every operation enqueued before it has had its callback run, even
// when another goroutine took those tokens first. Callbacks must not drain
// their own class.
type threadPool struct {
	workers int
	tasks   chan *op
	wg      sync.WaitGroup

	// mu guards closed and the tasks channel against a send after close
	mu     sync.RWMutex
	closed bool

	fifoMu sync.Mutex
	fifo   [2][]*op

	drainMu [2]sync.Mutex

	pending [2]atomic.Int64
}

func newThreadPool(cfg Config) (AsyncIO, error) {
	p := &threadPool{
		workers: cfg.PoolSize,
		tasks:   make(chan *op, cfg.Entries),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	log.Debug().Msgf("thread pool ready: workers=%d queue=%d", cfg.PoolSize, cfg.Entries)
	return p, nil
}

func (p *threadPool) Name() string {
	return BackendPthread
}

func (p *threadPool) run() {
	defer p.wg.Done()
	for o := range p.tasks {
		p.execute(o)
		close(o.done)
	}
}

func (p *threadPool) execute(o *op) {
	var (
		n   int
		err error
	)
	for {
		switch o.kind {
		case KindWrite:
			n, err = unix.Pwrite(o.fd, o.buf, o.offset)
		case KindRead:
			n, err = unix.Pread(o.fd, o.buf, o.offset)
		case KindWritev:
			n, err = unix.Pwritev(o.fd, o.bufs, o.offset)
		case KindReadv:
			n, err = unix.Preadv(o.fd, o.bufs, o.offset)
		}
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		var errno unix.Errno
		if errors.As(err, &errno) {
			o.finish(BackendPthread, -int64(errno))
			return
		}
		o.err = &OpError{Backend: BackendPthread, Kind: o.kind, Fd: o.fd, Offset: o.offset, Len: o.length(), Err: err}
		return
	}
	o.finish(BackendPthread, int64(n))
}

func (p *threadPool) enqueue(o *op) error {
	if err := validate(o.fd, o.offset); err != nil {
		return err
	}
	o.done = make(chan struct{})

	backoff := enqueueBackoffMin
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return ErrClosed
		}
		select {
		case p.tasks <- o:
			c := o.class()
			p.pending[c].Add(1)
			p.fifoMu.Lock()
			p.fifo[c] = append(p.fifo[c], o)
			p.fifoMu.Unlock()
			p.mu.RUnlock()
			if metrics.Enabled() {
				metrics.Incr(metrics.KEY_AIO_SUBMIT_COUNT, opTags(BackendPthread, o.kind))
			}
			return nil
		default:
		}
		p.mu.RUnlock()

		time.Sleep(backoff)
		if backoff < enqueueBackoffMax {
			backoff *= 2
		}
	}
}

func (p *threadPool) Write(fd int, buf []byte, offset int64, cb Callback) error {
	return p.enqueue(newOp(KindWrite, fd, buf, nil, offset, cb))
}

func (p *threadPool) Read(fd int, buf []byte, offset int64, cb Callback) error {
	return p.enqueue(newOp(KindRead, fd, buf, nil, offset, cb))
}

func (p *threadPool) Writev(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return p.enqueue(newOp(KindWritev, fd, nil, bufs, offset, cb))
}

func (p *threadPool) Readv(fd int, bufs [][]byte, offset int64, cb Callback) error {
	return p.enqueue(newOp(KindReadv, fd, nil, bufs, offset, cb))
}

func (p *threadPool) deliver(o *op) error {
	if o.cb != nil {
		o.cb(o.err)
	}
	if metrics.Enabled() {
		tags := opTags(BackendPthread, o.kind)
		metrics.Timing(metrics.KEY_AIO_LATENCY, time.Since(o.start), tags)
		metrics.Incr(metrics.KEY_AIO_COMPLETE_COUNT, tags)
		if o.err != nil {
			metrics.Incr(metrics.KEY_AIO_ERROR_COUNT, tags)
		}
	}
	p.pending[o.class()].Add(-1)
	return o.err
}

// drain takes every token of class c queued so far and waits for them in order.
func (p *threadPool) drain(c int) error {
	p.drainMu[c].Lock()
	defer p.drainMu[c].Unlock()

	p.fifoMu.Lock()
	tokens := p.fifo[c]
	p.fifo[c] = nil
	p.fifoMu.Unlock()

	var errs []error
	for _, o := range tokens {
		<-o.done
		if err := p.deliver(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *threadPool) SyncWriteEvents() error {
	return p.drain(classWrite)
}

func (p *threadPool) SyncReadEvents() error {
	return p.drain(classRead)
}

func (p *threadPool) Synchronize() error {
	return errors.Join(p.drain(classWrite), p.drain(classRead))
}

// Poll delivers the finished prefix of each FIFO. A class that is being
// drained is skipped.
func (p *threadPool) Poll() (int, error) {
	var errs []error
	n := 0
	for c := range p.fifo {
		if !p.drainMu[c].TryLock() {
			continue
		}
		for {
			o := p.popFinished(c)
			if o == nil {
				break
			}
			if err := p.deliver(o); err != nil {
				errs = append(errs, err)
			}
			n++
		}
		p.drainMu[c].Unlock()
	}
	return n, errors.Join(errs...)
}

func (p *threadPool) popFinished(c int) *op {
	p.fifoMu.Lock()
	defer p.fifoMu.Unlock()
	if len(p.fifo[c]) == 0 {
		return nil
	}
	o := p.fifo[c][0]
	select {
	case <-o.done:
	default:
		return nil
	}
	p.fifo[c][0] = nil
	p.fifo[c] = p.fifo[c][1:]
	return o
}

// RegisterFile is a no-op for the thread pool.
func (p *threadPool) RegisterFile(fd int) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd %d", ErrInvalidArgument, fd)
	}
	return nil
}

func (p *threadPool) PendingWrites() int64 {
	return p.pending[classWrite].Load()
}

func (p *threadPool) PendingReads() int64 {
	return p.pending[classRead].Load()
}

// Close drains the pool and stops its workers.
func (p *threadPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.Synchronize()
	close(p.tasks)
	p.wg.Wait()
	return err
}
