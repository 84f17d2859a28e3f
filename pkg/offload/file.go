//go:build linux
// +build linux

package offload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	O_DIRECT   = unix.O_DIRECT
	O_RDWR     = unix.O_RDWR
	O_CREAT    = unix.O_CREAT
	O_TRUNC    = unix.O_TRUNC
	O_CLOEXEC  = unix.O_CLOEXEC
	FILE_MODE  = 0644
	BLOCK_SIZE = 4096
)

// backingFileName returns dir/offload-<uuid hex>.
func backingFileName(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "offload-"+strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// createBackingFile opens filename read-write, truncating any previous content.
// With direct set it asks for O_DIRECT first and falls back to buffered I/O
// when the filesystem refuses it. The returned bool reports whether O_DIRECT
// is in effect.
func createBackingFile(filename string, direct bool) (*os.File, bool, error) {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, err
		}
	}

	flags := O_RDWR | O_CREAT | O_TRUNC | O_CLOEXEC
	if direct {
		fd, err := unix.Open(filename, flags|O_DIRECT, FILE_MODE)
		if err == nil {
			return newFile(fd, filename, true)
		}
		log.Warn().Msgf("DIRECT_IO not supported for %s, falling back to regular flags: %v", filename, err)
	}
	fd, err := unix.Open(filename, flags, FILE_MODE)
	if err != nil {
		return nil, false, err
	}
	return newFile(fd, filename, false)
}

func newFile(fd int, filename string, direct bool) (*os.File, bool, error) {
	file := os.NewFile(uintptr(fd), filename)
	if file == nil {
		unix.Close(fd)
		return nil, false, fmt.Errorf("failed to create file from fd")
	}
	return file, direct, nil
}

// isAlignedBuffer checks if the buffer start and length are multiples of alignment.
func isAlignedBuffer(buf []byte, alignment int) bool {
	if len(buf) == 0 || len(buf)%alignment != 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return addr%uintptr(alignment) == 0
}
