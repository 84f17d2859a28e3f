//go:build linux
// +build linux

package offload

import (
	"os"
	"sync"

	"github.com/Meesho/BharatMLStack/diskoffload/pkg/aio"
)

// FileWriter appends buffers to an open file through its own aio backend.
// Appended buffers are owned by the writer until their callback has run. The
// file stays owned by the caller.
type FileWriter struct {
	io   aio.AsyncIO
	file *os.File
	fd   int

	mu     sync.Mutex
	offset int64
}

// NewFileWriter starts appending at the file's current size.
func NewFileWriter(file *os.File, cfg aio.Config) (*FileWriter, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	io, err := aio.New(cfg)
	if err != nil {
		return nil, err
	}
	fd := int(file.Fd())
	if err := io.RegisterFile(fd); err != nil {
		io.Close()
		return nil, err
	}
	return &FileWriter{io: io, file: file, fd: fd, offset: info.Size()}, nil
}

// Append submits p at the current end of the file and returns the offset it
// will land at. cb may be nil.
func (w *FileWriter) Append(p []byte, cb aio.Callback) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := w.offset
	if err := w.io.Write(w.fd, p, offset, cb); err != nil {
		return 0, err
	}
	w.offset += int64(len(p))
	return offset, nil
}

// Offset is where the next Append will land.
func (w *FileWriter) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Synchronize waits for every appended buffer.
func (w *FileWriter) Synchronize() error {
	return w.io.SyncWriteEvents()
}

// Close drains pending appends and releases the backend.
func (w *FileWriter) Close() error {
	return w.io.Close()
}
