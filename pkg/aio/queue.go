//go:build linux
// +build linux

package aio

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/rs/zerolog/log"
)

const (
	classWrite = 0
	classRead  = 1
)

// kernelQueue is the bookkeeping shared by the backends that hand operations
// to the kernel (ring and legacy AIO).
//
// Harvesting a completion and delivering it are separate steps. harvest runs with
// cqMu held and only moves finished operations onto the done list of their
// class. Callbacks run later, from the drain of the matching class, with no
// lock held. Lock order is sqMu before cqMu.
//
// A completion that matches no live operation is logged and kept in strays.
// It never ends a drain; only a failing wait does.
type kernelQueue struct {
	name    string
	entries int64

	slab opSlab

	sqMu sync.Mutex
	cqMu sync.Mutex

	doneMu sync.Mutex
	done   [2][]*op

	pending  [2]atomic.Int64
	inKernel atomic.Int64
	closed   atomic.Bool

	// strays is guarded by cqMu
	strays []error

	// harvest moves completions into the done lists. With wait set it blocks
	// until at least one completion was harvested or nothing is in flight.
	// It returns only errors of the wait itself. Called with cqMu held.
	harvest func(wait bool) error
}

func (q *kernelQueue) Name() string {
	return q.name
}

func (q *kernelQueue) PendingWrites() int64 {
	return q.pending[classWrite].Load()
}

func (q *kernelQueue) PendingReads() int64 {
	return q.pending[classRead].Load()
}

// admit is called with sqMu held before an operation is handed to the kernel.
// It blocks on completions while the queue is full.
func (q *kernelQueue) admit() error {
	if q.closed.Load() {
		return ErrClosed
	}
	for q.inKernel.Load() >= q.entries {
		q.cqMu.Lock()
		err := q.harvest(true)
		q.cqMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (q *kernelQueue) begin(o *op) {
	q.pending[o.class()].Add(1)
	if metrics.Enabled() {
		metrics.Incr(metrics.KEY_AIO_SUBMIT_COUNT, opTags(q.name, o.kind))
	}
}

func (q *kernelQueue) abort(o *op) {
	q.pending[o.class()].Add(-1)
}

// complete matches a kernel completion to its operation and parks it.
// Called with cqMu held.
func (q *kernelQueue) complete(handle uint64, res int64) {
	o, err := q.slab.take(handle)
	if err != nil {
		log.Error().Err(err).Str("backend", q.name).Uint64("handle", handle).Msg("dropping completion")
		q.strays = append(q.strays, err)
		return
	}
	q.inKernel.Add(-1)
	o.finish(q.name, res)
	q.park(o)
}

// takeStrays returns and clears the recorded unmatched completions.
func (q *kernelQueue) takeStrays() error {
	q.cqMu.Lock()
	defer q.cqMu.Unlock()
	err := errors.Join(q.strays...)
	q.strays = nil
	return err
}

// park queues an operation that finished without a kernel round trip, or was
// just harvested.
func (q *kernelQueue) park(o *op) {
	c := o.class()
	q.doneMu.Lock()
	q.done[c] = append(q.done[c], o)
	q.doneMu.Unlock()
}

func (q *kernelQueue) pop(c int) *op {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	if len(q.done[c]) == 0 {
		return nil
	}
	o := q.done[c][0]
	q.done[c][0] = nil
	q.done[c] = q.done[c][1:]
	return o
}

func (q *kernelQueue) hasDone(c int) bool {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	return len(q.done[c]) > 0
}

func (q *kernelQueue) deliver(o *op) error {
	if o.cb != nil {
		o.cb(o.err)
	}
	if metrics.Enabled() {
		tags := opTags(q.name, o.kind)
		metrics.Timing(metrics.KEY_AIO_LATENCY, time.Since(o.start), tags)
		metrics.Incr(metrics.KEY_AIO_COMPLETE_COUNT, tags)
		if o.err != nil {
			metrics.Incr(metrics.KEY_AIO_ERROR_COUNT, tags)
		}
	}
	q.pending[o.class()].Add(-1)
	return o.err
}

func (q *kernelQueue) drain(c int) error {
	var errs []error
	for q.pending[c].Load() > 0 {
		if o := q.pop(c); o != nil {
			if err := q.deliver(o); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := q.await(c); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if err := q.takeStrays(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (q *kernelQueue) await(c int) error {
	q.cqMu.Lock()
	if q.hasDone(c) {
		q.cqMu.Unlock()
		return nil
	}
	if q.inKernel.Load() <= 0 {
		// the remaining operations are being submitted or delivered elsewhere
		q.cqMu.Unlock()
		runtime.Gosched()
		return nil
	}
	err := q.harvest(true)
	q.cqMu.Unlock()
	return err
}

func (q *kernelQueue) SyncWriteEvents() error {
	return q.drain(classWrite)
}

func (q *kernelQueue) SyncReadEvents() error {
	return q.drain(classRead)
}

func (q *kernelQueue) Synchronize() error {
	return errors.Join(q.drain(classWrite), q.drain(classRead))
}

func (q *kernelQueue) Poll() (int, error) {
	if q.closed.Load() {
		return 0, ErrClosed
	}
	q.cqMu.Lock()
	reapErr := q.harvest(false)
	q.cqMu.Unlock()

	var errs []error
	if reapErr != nil {
		errs = append(errs, reapErr)
	}
	if err := q.takeStrays(); err != nil {
		errs = append(errs, err)
	}
	n := 0
	for c := range q.done {
		for o := q.pop(c); o != nil; o = q.pop(c) {
			if err := q.deliver(o); err != nil {
				errs = append(errs, err)
			}
			n++
		}
	}
	return n, errors.Join(errs...)
}

// shutdown marks the queue closed and drains it. It reports whether this call
// did the closing. When the drain leaves operations with the kernel the
// returned error wraps ErrInFlight and the caller must keep the kernel
// resources alive.
func (q *kernelQueue) shutdown() (bool, error) {
	q.sqMu.Lock()
	first := q.closed.CompareAndSwap(false, true)
	q.sqMu.Unlock()
	if !first {
		return false, nil
	}
	err := q.Synchronize()
	if n := q.inKernel.Load(); n > 0 {
		log.Error().Str("backend", q.name).Int64("in_kernel", n).Msg("keeping queue mapped after failed drain")
		return true, errors.Join(err, fmt.Errorf("%w: %d operations", ErrInFlight, n))
	}
	return true, err
}
