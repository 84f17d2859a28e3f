//go:build linux
// +build linux

// Package offload stages host buffers to a backing file under caller chosen
// keys and brings them back later, using an aio backend for the transfers and
// a SpaceManager for the file layout.
package offload

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Meesho/BharatMLStack/diskoffload/internal/allocators"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
	"github.com/Meesho/BharatMLStack/diskoffload/pkg/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotContiguous   = errors.New("buffer is not contiguous")
	ErrNotHostResident = errors.New("buffer is not host resident")
	ErrKeyExists       = errors.New("key is already offloaded")
	ErrKeyNotFound     = errors.New("key is not offloaded")
	ErrKeyPending      = errors.New("write for key has not completed")
	ErrLengthMismatch  = errors.New("buffer length does not match offloaded length")
	ErrClosed          = errors.New("offloader is closed")
	ErrBufNoAlign      = errors.New("buffer is not aligned to block size")
	ErrNoBuffers       = errors.New("no buffers given")
)

// Buffer is what the staging layer hands to the offloader: a host addressable
// region that stays valid until the operation's callback has run.
type Buffer interface {
	Bytes() []byte
	Contiguous() bool
	HostResident() bool
}

// ReadyWaiter is implemented by buffers whose content is still being produced
// asynchronously, for example by a device to host copy. Writes wait on it
// before the data is handed to the backend.
type ReadyWaiter interface {
	WaitReady() error
}

// HostBuffer is a plain byte slice Buffer.
type HostBuffer []byte

func (b HostBuffer) Bytes() []byte      { return b }
func (b HostBuffer) Contiguous() bool   { return true }
func (b HostBuffer) HostResident() bool { return true }

type entryState uint8

const (
	stateReserved entryState = iota // write submitted, not yet completed
	statePresent                    // data is on disk
)

type entry struct {
	space    allocators.Space
	segments []int
	state    entryState
}

// Offloader maps keys to byte ranges of one backing file.
//
// The key map and the SpaceManager are guarded by mu, including when they are
// updated from completion callbacks. mu is never held while calling into the
// backend.
type Offloader struct {
	io     aio.AsyncIO
	file   *os.File
	fd     int
	path   string
	direct bool

	mu     sync.Mutex
	space  *allocators.SpaceManager
	keys   map[string]*entry
	closed bool

	latency *LatencyTracker
}

// New creates the backing file and the aio backend.
func New(cfg Config) (*Offloader, error) {
	path := cfg.Filename
	if path == "" {
		path = backingFileName(cfg.Dir)
	}
	file, direct, err := createBackingFile(path, cfg.DirectIO)
	if err != nil {
		return nil, fmt.Errorf("create backing file %s: %w", path, err)
	}

	io, err := aio.New(cfg.IO)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	return newOffloader(io, file, path, direct, cfg.SpaceLimit), nil
}

func newOffloader(io aio.AsyncIO, file *os.File, path string, direct bool, limit uint64) *Offloader {
	fd := int(file.Fd())
	if err := io.RegisterFile(fd); err != nil {
		log.Warn().Err(err).Msgf("register %s with %s backend", path, io.Name())
	}
	log.Info().Msgf("offloader ready: file=%s backend=%s direct_io=%v space_limit=%d",
		path, io.Name(), direct, limit)
	return &Offloader{
		io:      io,
		file:    file,
		fd:      fd,
		path:    path,
		direct:  direct,
		space:   allocators.NewSpaceManager(limit),
		keys:    make(map[string]*entry),
		latency: NewLatencyTracker(),
	}
}

func usageError(err error) error {
	metrics.Incr(metrics.KEY_USAGE_ERROR_COUNT, nil)
	return err
}

func (o *Offloader) hostBytes(buf Buffer) ([]byte, error) {
	if buf == nil {
		return nil, usageError(ErrNoBuffers)
	}
	if !buf.Contiguous() {
		return nil, usageError(ErrNotContiguous)
	}
	if !buf.HostResident() {
		return nil, usageError(ErrNotHostResident)
	}
	data := buf.Bytes()
	if o.direct && !isAlignedBuffer(data, BLOCK_SIZE) {
		return nil, usageError(fmt.Errorf("%w: %d bytes", ErrBufNoAlign, len(data)))
	}
	return data, nil
}

func (o *Offloader) hostSegments(bufs []Buffer) ([][]byte, []int, error) {
	if len(bufs) == 0 {
		return nil, nil, usageError(ErrNoBuffers)
	}
	segs := make([][]byte, len(bufs))
	lens := make([]int, len(bufs))
	for i, b := range bufs {
		data, err := o.hostBytes(b)
		if err != nil {
			return nil, nil, fmt.Errorf("segment %d: %w", i, err)
		}
		segs[i] = data
		lens[i] = len(data)
	}
	return segs, lens, nil
}

func (o *Offloader) gaugeLocked() {
	if metrics.Enabled() {
		metrics.Gauge(metrics.KEY_SPACE_USED_BYTES, float64(o.space.UsedBytes()), nil)
		metrics.Gauge(metrics.KEY_KEYS_ON_DISK, float64(len(o.keys)), nil)
	}
}

// reserve allocates space for key and records it as a pending write.
func (o *Offloader) reserve(key string, segments []int) (allocators.Space, error) {
	total := 0
	for _, n := range segments {
		total += n
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return allocators.Space{}, ErrClosed
	}
	if _, ok := o.keys[key]; ok {
		return allocators.Space{}, usageError(fmt.Errorf("%w: %q", ErrKeyExists, key))
	}
	offset, err := o.space.Alloc(uint64(total))
	if err != nil {
		return allocators.Space{}, usageError(fmt.Errorf("reserve %q: %w", key, err))
	}
	space := allocators.Space{Offset: offset, Bytes: uint64(total)}
	o.keys[key] = &entry{space: space, segments: segments, state: stateReserved}
	o.gaugeLocked()
	return space, nil
}

// take removes a present key. A single segment only has to match the total
// length; several segments must match the layout that was written.
func (o *Offloader) take(key string, segments []int) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	e, ok := o.keys[key]
	if !ok {
		return nil, usageError(fmt.Errorf("%w: %q", ErrKeyNotFound, key))
	}
	if e.state == stateReserved {
		return nil, usageError(fmt.Errorf("%w: %q", ErrKeyPending, key))
	}
	if !sameLayout(e, segments) {
		return nil, usageError(fmt.Errorf("%w: %q holds %v, buffer is %v", ErrLengthMismatch, key, e.segments, segments))
	}
	delete(o.keys, key)
	return e, nil
}

func sameLayout(e *entry, b []int) bool {
	if len(b) == 1 {
		return uint64(b[0]) == e.space.Bytes
	}
	a := e.segments
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// commit marks a reserved key present, or drops it and releases its space when
// the write failed.
func (o *Offloader) commit(key string, space allocators.Space, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.keys[key]
	if !ok || e.space != space {
		log.Error().Msgf("offloader: write completion for unknown key %q at %s", key, space)
		return
	}
	if err == nil {
		e.state = statePresent
		return
	}
	delete(o.keys, key)
	o.freeLocked(space)
}

// restore puts back a key whose read never reached the backend.
func (o *Offloader) restore(key string, e *entry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.keys[key]; ok {
		log.Error().Msgf("offloader: %q was rewritten while its read was failing, dropping %s", key, e.space)
		o.freeLocked(e.space)
		return
	}
	o.keys[key] = e
}

func (o *Offloader) release(space allocators.Space) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.freeLocked(space)
}

func (o *Offloader) freeLocked(space allocators.Space) {
	if err := o.space.Free(space.Offset, space.Bytes); err != nil {
		log.Error().Err(err).Msgf("offloader: freeing %s", space)
	}
	o.gaugeLocked()
}

func waitReady(buf Buffer) error {
	if rw, ok := buf.(ReadyWaiter); ok {
		return rw.WaitReady()
	}
	return nil
}

func waitReadyAll(bufs []Buffer) error {
	for _, b := range bufs {
		if err := waitReady(b); err != nil {
			return err
		}
	}
	return nil
}

// PrepareWrite reserves space for buf under key without submitting anything.
// The key stays pending until a matching write completes.
func (o *Offloader) PrepareWrite(buf Buffer, key string) (allocators.Space, error) {
	data, err := o.hostBytes(buf)
	if err != nil {
		return allocators.Space{}, err
	}
	return o.reserve(key, []int{len(data)})
}

// PrepareRead removes key and returns where its data lives. buf must have the
// length that was written.
func (o *Offloader) PrepareRead(buf Buffer, key string) (allocators.Space, error) {
	data, err := o.hostBytes(buf)
	if err != nil {
		return allocators.Space{}, err
	}
	e, err := o.take(key, []int{len(data)})
	if err != nil {
		return allocators.Space{}, err
	}
	return e.space, nil
}

// PrepareWritev is PrepareWrite for a buffer made of several segments.
func (o *Offloader) PrepareWritev(bufs []Buffer, key string) (allocators.Space, error) {
	_, lens, err := o.hostSegments(bufs)
	if err != nil {
		return allocators.Space{}, err
	}
	return o.reserve(key, lens)
}

// PrepareReadv is PrepareRead for a buffer made of several segments. The
// segment lengths must match the ones written.
func (o *Offloader) PrepareReadv(bufs []Buffer, key string) (allocators.Space, error) {
	_, lens, err := o.hostSegments(bufs)
	if err != nil {
		return allocators.Space{}, err
	}
	e, err := o.take(key, lens)
	if err != nil {
		return allocators.Space{}, err
	}
	return e.space, nil
}

func (o *Offloader) writeDone(key string, space allocators.Space, start time.Time, cb aio.Callback) aio.Callback {
	return func(err error) {
		o.commit(key, space, err)
		o.latency.RecordWrite(time.Since(start))
		if metrics.Enabled() {
			metrics.Timing(metrics.KEY_OFFLOAD_WRITE_LATENCY, time.Since(start), nil)
			metrics.Incr(metrics.KEY_OFFLOAD_WRITE_COUNT, nil)
		}
		if err != nil {
			log.Error().Err(err).Msgf("offload write of %q failed", key)
		}
		if cb != nil {
			cb(err)
		}
	}
}

func (o *Offloader) readDone(key string, space allocators.Space, start time.Time, cb aio.Callback) aio.Callback {
	return func(err error) {
		o.release(space)
		o.latency.RecordRead(time.Since(start))
		if metrics.Enabled() {
			metrics.Timing(metrics.KEY_OFFLOAD_READ_LATENCY, time.Since(start), nil)
			metrics.Incr(metrics.KEY_OFFLOAD_READ_COUNT, nil)
		}
		if err != nil {
			log.Error().Err(err).Msgf("offload read of %q failed", key)
		}
		if cb != nil {
			cb(err)
		}
	}
}

func (o *Offloader) dropReservation(key string, space allocators.Space) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.keys, key)
	o.freeLocked(space)
}

// AsyncWrite stores buf under key. cb runs on the goroutine that drains writes,
// after the key has become readable (or has been dropped on failure).
func (o *Offloader) AsyncWrite(buf Buffer, key string, cb aio.Callback) error {
	space, err := o.PrepareWrite(buf, key)
	if err != nil {
		return err
	}
	if err := waitReady(buf); err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("wait for %q: %w", key, err)
	}
	err = o.io.Write(o.fd, buf.Bytes(), int64(space.Offset), o.writeDone(key, space, time.Now(), cb))
	if err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("submit write of %q: %w", key, err)
	}
	return nil
}

// AsyncRead loads key into buf. The key is gone as soon as the call returns;
// its space is released when the read completes.
func (o *Offloader) AsyncRead(buf Buffer, key string, cb aio.Callback) error {
	data, err := o.hostBytes(buf)
	if err != nil {
		return err
	}
	e, err := o.take(key, []int{len(data)})
	if err != nil {
		return err
	}
	err = o.io.Read(o.fd, data, int64(e.space.Offset), o.readDone(key, e.space, time.Now(), cb))
	if err != nil {
		o.restore(key, e)
		return fmt.Errorf("submit read of %q: %w", key, err)
	}
	return nil
}

// AsyncWritev stores the concatenation of bufs under key with one vectored write.
func (o *Offloader) AsyncWritev(bufs []Buffer, key string, cb aio.Callback) error {
	space, err := o.PrepareWritev(bufs, key)
	if err != nil {
		return err
	}
	if err := waitReadyAll(bufs); err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("wait for %q: %w", key, err)
	}
	segs, _, _ := o.hostSegments(bufs)
	err = o.io.Writev(o.fd, segs, int64(space.Offset), o.writeDone(key, space, time.Now(), cb))
	if err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("submit writev of %q: %w", key, err)
	}
	return nil
}

// AsyncReadv loads key into bufs with one vectored read.
func (o *Offloader) AsyncReadv(bufs []Buffer, key string, cb aio.Callback) error {
	segs, lens, err := o.hostSegments(bufs)
	if err != nil {
		return err
	}
	e, err := o.take(key, lens)
	if err != nil {
		return err
	}
	err = o.io.Readv(o.fd, segs, int64(e.space.Offset), o.readDone(key, e.space, time.Now(), cb))
	if err != nil {
		o.restore(key, e)
		return fmt.Errorf("submit readv of %q: %w", key, err)
	}
	return nil
}

// SyncWrite stores buf under key on the calling goroutine.
func (o *Offloader) SyncWrite(buf Buffer, key string) error {
	space, err := o.PrepareWrite(buf, key)
	if err != nil {
		return err
	}
	if err := waitReady(buf); err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("wait for %q: %w", key, err)
	}
	start := time.Now()
	_, err = o.file.WriteAt(buf.Bytes(), int64(space.Offset))
	o.writeDone(key, space, start, nil)(err)
	return err
}

// SyncRead loads key into buf on the calling goroutine.
func (o *Offloader) SyncRead(buf Buffer, key string) error {
	space, err := o.PrepareRead(buf, key)
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = o.file.ReadAt(buf.Bytes(), int64(space.Offset))
	o.readDone(key, space, start, nil)(err)
	return err
}

// SyncWritev stores the segments of bufs back to back under key.
func (o *Offloader) SyncWritev(bufs []Buffer, key string) error {
	space, err := o.PrepareWritev(bufs, key)
	if err != nil {
		return err
	}
	if err := waitReadyAll(bufs); err != nil {
		o.dropReservation(key, space)
		return fmt.Errorf("wait for %q: %w", key, err)
	}
	start := time.Now()
	offset := int64(space.Offset)
	for _, b := range bufs {
		n, werr := o.file.WriteAt(b.Bytes(), offset)
		offset += int64(n)
		if werr != nil {
			err = werr
			break
		}
	}
	o.writeDone(key, space, start, nil)(err)
	return err
}

// SyncReadv loads key into the segments of bufs.
func (o *Offloader) SyncReadv(bufs []Buffer, key string) error {
	space, err := o.PrepareReadv(bufs, key)
	if err != nil {
		return err
	}
	start := time.Now()
	offset := int64(space.Offset)
	for _, b := range bufs {
		n, rerr := o.file.ReadAt(b.Bytes(), offset)
		offset += int64(n)
		if rerr != nil {
			err = rerr
			break
		}
	}
	o.readDone(key, space, start, nil)(err)
	return err
}

// SyncWriteEvents waits for every submitted write and runs its callback.
func (o *Offloader) SyncWriteEvents() error {
	return o.io.SyncWriteEvents()
}

// SyncReadEvents waits for every submitted read and runs its callback.
func (o *Offloader) SyncReadEvents() error {
	return o.io.SyncReadEvents()
}

func (o *Offloader) Synchronize() error {
	return o.io.Synchronize()
}

// Backend returns the name of the aio backend in use.
func (o *Offloader) Backend() string {
	return o.io.Name()
}

func (o *Offloader) Filename() string {
	return o.path
}

// DirectIO reports whether the backing file was opened with O_DIRECT.
func (o *Offloader) DirectIO() bool {
	return o.direct
}

func (o *Offloader) UsedBytes() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.space.UsedBytes()
}

// Keys returns the keys currently on disk or being written, sorted.
func (o *Offloader) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.keys))
	for k := range o.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Stats struct {
	Backend       string
	UsedBytes     uint64
	FreeRanges    int
	Keys          int
	PendingWrites int64
	PendingReads  int64
	Writes        int64
	Reads         int64
	WriteP25      time.Duration
	WriteP50      time.Duration
	WriteP99      time.Duration
	ReadP25       time.Duration
	ReadP50       time.Duration
	ReadP99       time.Duration
}

func (o *Offloader) Stats() Stats {
	o.mu.Lock()
	s := Stats{
		Backend:    o.io.Name(),
		UsedBytes:  o.space.UsedBytes(),
		FreeRanges: len(o.space.FreeSpaces()),
		Keys:       len(o.keys),
	}
	o.mu.Unlock()

	s.PendingWrites = o.io.PendingWrites()
	s.PendingReads = o.io.PendingReads()
	s.Writes, s.Reads = o.latency.Counts()
	s.WriteP25, s.WriteP50, s.WriteP99 = o.latency.WriteLatencyPercentiles()
	s.ReadP25, s.ReadP50, s.ReadP99 = o.latency.ReadLatencyPercentiles()
	return s
}

// Close drains the backend, closes the backing file and removes it.
func (o *Offloader) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	err := o.io.Close()
	if cerr := o.file.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if rerr := os.Remove(o.path); rerr != nil && !os.IsNotExist(rerr) {
		err = errors.Join(err, rerr)
	}
	log.Info().Msgf("offloader closed: file=%s", o.path)
	return err
}
